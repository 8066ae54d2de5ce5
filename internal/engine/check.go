// Copyright 2025 FlashFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"fmt"

	"flashfs/internal/dev"
	"flashfs/internal/layout"
)

// Info reads the superblock and the winning checkpoint header without
// mounting.
func Info(d dev.Device) (*layout.Superblock, *layout.CpHeader, int, error) {
	raw, err := d.ReadBlock(layout.SuperblockAddr)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("failed to read superblock: %w", err)
	}
	sb, err := layout.DecodeSuperblock(raw)
	if err != nil {
		return nil, nil, 0, err
	}
	fs := &FS{dev: d, sb: sb}
	header, pack, err := fs.loadCheckpoint()
	if err != nil {
		return sb, nil, 0, err
	}
	return sb, header, pack, nil
}

// CheckReport is the outcome of an offline consistency check.
type CheckReport struct {
	CpVersion    uint64
	Pack         int
	CleanUmount  bool
	MainSegments uint32
	FreeSegments uint32
	SitValid     uint64 // blocks counted valid across the SIT
	NatLive      uint32 // non-null NAT entries
	Problems     []string
}

// Ok reports whether the check found no inconsistencies.
func (r *CheckReport) Ok() bool { return len(r.Problems) == 0 }

// Check verifies a volume offline: checkpoint pack integrity, the SIT
// bitmap/count invariant, and NAT-to-SIT cross references. The device is
// only read. Totals are compared against the checkpoint header only after
// a clean unmount; a crashed volume legitimately diverges until mount
// recovery folds the fsync log.
func Check(d dev.Device) (*CheckReport, error) {
	raw, err := d.ReadBlock(layout.SuperblockAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to read superblock: %w", err)
	}
	sb, err := layout.DecodeSuperblock(raw)
	if err != nil {
		return nil, err
	}
	fs := &FS{dev: d, sb: sb}
	header, pack, err := fs.loadCheckpoint()
	if err != nil {
		return nil, err
	}

	r := &CheckReport{
		CpVersion:    header.Version,
		Pack:         pack,
		CleanUmount:  header.HasFlag(layout.CpFlagUmount),
		MainSegments: sb.MainSegCount,
	}
	addf := func(format string, args ...any) {
		r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
	}

	sit, err := checkLoadSit(fs, header, pack)
	if err != nil {
		return nil, err
	}
	bps := uint16(fs.sb.BlocksPerSeg())
	for segno, e := range sit {
		pop := e.Popcount()
		if pop != int(e.ValidBlocks) {
			addf("segment %d: valid count %d, bitmap popcount %d", segno, e.ValidBlocks, pop)
		}
		if e.ValidBlocks > bps {
			addf("segment %d: valid count %d exceeds segment size %d", segno, e.ValidBlocks, bps)
		}
		if e.ValidBlocks == 0 {
			r.FreeSegments++
		}
		r.SitValid += uint64(e.ValidBlocks)
	}
	if r.CleanUmount && r.SitValid != header.ValidBlockCount {
		addf("SIT counts %d valid blocks, checkpoint says %d", r.SitValid, header.ValidBlockCount)
	}

	if err := checkNat(fs, header, pack, sit, r, addf); err != nil {
		return nil, err
	}
	return r, nil
}

// checkLoadSit reads the SIT area with the checkpoint journal folded in,
// following the header's copy-selection bitmap.
func checkLoadSit(fs *FS, header *layout.CpHeader, pack int) ([]layout.SitEntry, error) {
	sit := make([]layout.SitEntry, fs.sb.MainSegCount)
	for segno := uint32(0); segno < fs.sb.MainSegCount; segno++ {
		blk, slot := layout.SitBlockIndex(segno)
		raw, err := fs.dev.ReadBlock(fs.sitBlockAddr(header.SitBitmap, blk))
		if err != nil {
			return nil, fmt.Errorf("failed to read SIT block %d: %w", blk, err)
		}
		sit[segno] = layout.GetSitEntry(raw, slot)
	}
	journal, err := readPackRegion(fs, pack, layout.CpSitJournalOff, layout.CpSitJournalBlocks)
	if err != nil {
		return nil, err
	}
	for _, je := range layout.DecodeSitJournal(journal, int(header.SitJournalN)) {
		if je.Segno < fs.sb.MainSegCount {
			sit[je.Segno] = je.Entry
		}
	}
	return sit, nil
}

// checkNat walks every NAT entry (journal folded in) and cross-checks
// live node addresses against the SIT.
func checkNat(fs *FS, header *layout.CpHeader, pack int, sit []layout.SitEntry,
	r *CheckReport, addf func(string, ...any)) error {

	journal, err := readPackRegion(fs, pack, layout.CpNatJournalOff, layout.CpNatJournalBlocks)
	if err != nil {
		return err
	}
	overlay := make(map[uint32]layout.NatEntry)
	for _, je := range layout.DecodeNatJournal(journal, int(header.NatJournalN)) {
		overlay[je.Nid] = je.Entry
	}

	var raw []byte
	rawBlk := uint32(0xffffffff)
	for nid := uint32(1); nid < fs.sb.MaxNid; nid++ {
		e, ok := overlay[nid]
		if !ok {
			blk, slot := layout.NatBlockIndex(nid)
			if blk != rawBlk {
				b, err := fs.dev.ReadBlock(fs.natBlockAddr(header.NatBitmap, blk))
				if err != nil {
					return fmt.Errorf("failed to read NAT block %d: %w", blk, err)
				}
				raw, rawBlk = b, blk
			}
			e = layout.GetNatEntry(raw, slot)
		}
		if e.IsNull() {
			continue
		}
		r.NatLive++
		if e.BlkAddr == layout.NewAddr {
			addf("nid %d: checkpointed NAT entry holds a pending address", nid)
			continue
		}
		if !fs.isMainAddr(e.BlkAddr) {
			addf("nid %d: node address %d outside the main area", nid, e.BlkAddr)
			continue
		}
		segno, off := fs.segNo(e.BlkAddr), fs.segOff(e.BlkAddr)
		se := &sit[segno]
		if !se.TestValid(off) {
			addf("nid %d: node address %d not valid in the SIT", nid, e.BlkAddr)
		} else if !se.Type.IsNodeType() {
			addf("nid %d: node address %d sits in a %s segment", nid, e.BlkAddr, se.Type)
		}
	}
	if r.CleanUmount && r.NatLive != header.ValidNodeCount {
		addf("NAT holds %d live nodes, checkpoint says %d", r.NatLive, header.ValidNodeCount)
	}
	return nil
}
