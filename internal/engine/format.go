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

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"flashfs/internal/common"
	"flashfs/internal/dev"
	"flashfs/internal/layout"
)

// RootNid is the node id mkfs gives the root inode.
const RootNid uint32 = 1

// minMainSegments is the smallest main area mkfs accepts: one segment per
// log plus headroom for a checkpoint and GC to make progress.
const minMainSegments = layout.NrCursegs + 3

// Format writes a fresh filesystem onto d: superblock, zeroed metadata
// areas, a root inode, and a first checkpoint in pack 0 so the volume
// mounts cleanly. Existing content is destroyed.
func Format(d dev.Device, opts FormatOptions) (*layout.Superblock, error) {
	if opts.LogBlocksPerSeg == 0 || opts.LogBlocksPerSeg > 9 {
		return nil, fmt.Errorf("log blocks per segment must be 1..9, got %d: %w",
			opts.LogBlocksPerSeg, common.ErrOutOfRange)
	}
	if opts.SegsPerSec == 0 || opts.SecsPerZone == 0 {
		return nil, fmt.Errorf("segments per section and sections per zone must be positive: %w",
			common.ErrOutOfRange)
	}

	sb, err := computeGeometry(d.BlockCount(), opts)
	if err != nil {
		return nil, err
	}

	if err := writeFormat(d, sb); err != nil {
		return nil, err
	}
	log.Infof("[mkfs] formatted: uuid=%s blocks=%d main_segs=%d seg_blocks=%d",
		sb.UUID, sb.TotalBlocks, sb.MainSegCount, sb.BlocksPerSeg())
	return sb, nil
}

// computeGeometry sizes the metadata areas for a device. The SIT, NAT,
// and SSA depend on the main-area size, which in turn depends on theirs,
// so the split is found by fixed-point iteration and the main area is
// then trimmed to a whole number of sections. The SIT and NAT areas each
// hold two table copies so a checkpoint can write back tables without
// touching the copies the committed checkpoint reads.
func computeGeometry(totalBlocks uint32, opts FormatOptions) (*layout.Superblock, error) {
	bps := uint32(1) << opts.LogBlocksPerSeg
	cpBlkaddr := uint32(1)
	metaStart := cpBlkaddr + 2*layout.CpPackBlocks

	ceil := func(n, d uint32) uint32 { return (n + d - 1) / d }

	mainSegs := totalBlocks / bps // upper bound
	var sitBlocks, natBlocks, maxNid, mainBlkaddr uint32
	for i := 0; i < 16; i++ {
		maxNid = mainSegs * bps / 4
		if maxNid < 1024 {
			maxNid = 1024
		}
		sitBlocks = ceil(mainSegs, layout.SitEntriesPerBlk)
		natBlocks = ceil(maxNid, layout.NatEntriesPerBlk)
		ssaBlocks := mainSegs
		mainBlkaddr = metaStart + 2*sitBlocks + 2*natBlocks + ssaBlocks
		if mainBlkaddr >= totalBlocks {
			mainSegs = 0
			break
		}
		next := (totalBlocks - mainBlkaddr) / bps
		if next >= mainSegs {
			break
		}
		mainSegs = next
	}
	mainSegs -= mainSegs % opts.SegsPerSec

	if mainSegs < minMainSegments {
		return nil, fmt.Errorf("device too small: %d usable segments, need %d: %w",
			mainSegs, minMainSegments, common.ErrNoSpace)
	}
	if !layout.CpHeaderFits(sitBlocks, natBlocks) {
		return nil, fmt.Errorf("table bitmaps for %d SIT and %d NAT blocks overflow the checkpoint header: %w",
			sitBlocks, natBlocks, common.ErrNoSpace)
	}

	return &layout.Superblock{
		Magic:           layout.SuperMagic,
		Version:         layout.FormatVersion,
		UUID:            uuid.New(),
		LogBlocksPerSeg: opts.LogBlocksPerSeg,
		SegsPerSec:      opts.SegsPerSec,
		SecsPerZone:     opts.SecsPerZone,
		TotalBlocks:     totalBlocks,
		CpBlkaddr:       cpBlkaddr,
		SitBlkaddr:      metaStart,
		SitBlocks:       sitBlocks,
		NatBlkaddr:      metaStart + 2*sitBlocks,
		NatBlocks:       natBlocks,
		SsaBlkaddr:      metaStart + 2*sitBlocks + 2*natBlocks,
		MainBlkaddr:     mainBlkaddr,
		MainSegCount:    mainSegs,
		MaxNid:          maxNid,
		RootNid:         RootNid,
	}, nil
}

// writeFormat lays the computed geometry down on the device.
func writeFormat(d dev.Device, sb *layout.Superblock) error {
	zero := make([]byte, layout.BlockSize)

	// Both copies of the SIT and NAT must read back as all-null entries.
	for i := uint32(0); i < 2*(sb.SitBlocks+sb.NatBlocks); i++ {
		if err := d.WriteBlock(sb.SitBlkaddr+i, zero); err != nil {
			return fmt.Errorf("mkfs: failed to zero metadata: %w", err)
		}
	}
	// A stale second pack must not outrank the one being written.
	if err := d.WriteBlock(sb.CpBlkaddr+layout.CpPackBlocks+layout.CpHeaderOff, zero); err != nil {
		return fmt.Errorf("mkfs: failed to clear pack 1: %w", err)
	}
	if err := d.WriteBlock(sb.CpBlkaddr+layout.CpPackBlocks+layout.CpFooterOff, zero); err != nil {
		return fmt.Errorf("mkfs: failed to clear pack 1: %w", err)
	}

	// Root inode at the head of the warm-node log (segment index equals
	// the log's alloc type).
	warmSeg := uint32(layout.WarmNode)
	rootAddr := sb.MainBlkaddr + warmSeg*sb.BlocksPerSeg()
	root := layout.NewNodeBlock()
	root.SetFooter(layout.Footer{
		Nid:   RootNid,
		Ino:   RootNid,
		Flag:  layout.MakeFlag(0, layout.FooterDentry),
		CpVer: 1,
	})
	root.SetLinks(1)
	root.SetBlocks(1)
	if err := d.WriteBlock(rootAddr, root); err != nil {
		return fmt.Errorf("mkfs: failed to write root inode: %w", err)
	}

	header := &layout.CpHeader{
		Version:         1,
		Flags:           layout.CpFlagUmount,
		FreeSegCount:    sb.MainSegCount - layout.NrCursegs,
		ValidBlockCount: 1,
		ValidNodeCount:  1,
		ValidInodeCount: 1,
		NextFreeNid:     RootNid + 1,
		NatJournalN:     1,
		SitJournalN:     1,
		OrphanCount:     0,
		NatBitmap:       make([]byte, layout.MetaBitmapBytes(sb.NatBlocks)),
		SitBitmap:       make([]byte, layout.MetaBitmapBytes(sb.SitBlocks)),
	}
	var rootSit layout.SitEntry
	rootSit.Type = layout.WarmNode
	rootSit.SetValid(0)
	rootSit.ValidBlocks = 1
	for t := 0; t < layout.NrCursegs; t++ {
		header.CursegSegno[t] = uint32(t)
	}
	header.CursegBlkoff[layout.WarmNode] = 1

	natJ := []layout.NatJournalEntry{{
		Nid:   RootNid,
		Entry: layout.NatEntry{Version: 1, Ino: RootNid, BlkAddr: rootAddr},
	}}
	sitJ := []layout.SitJournalEntry{{Segno: warmSeg, Entry: rootSit}}

	pack := sb.CpBlkaddr
	writeRegion := func(off int, buf []byte) error {
		for i := 0; i*layout.BlockSize < len(buf); i++ {
			blk := buf[i*layout.BlockSize : (i+1)*layout.BlockSize]
			if err := d.WriteBlock(pack+uint32(off)+uint32(i), blk); err != nil {
				return fmt.Errorf("mkfs: failed to write checkpoint: %w", err)
			}
		}
		return nil
	}
	if err := writeRegion(layout.CpHeaderOff, layout.EncodeCpHeader(header)); err != nil {
		return err
	}
	if err := writeRegion(layout.CpNatJournalOff, layout.EncodeNatJournal(natJ)); err != nil {
		return err
	}
	if err := writeRegion(layout.CpSitJournalOff, layout.EncodeSitJournal(sitJ)); err != nil {
		return err
	}
	if err := writeRegion(layout.CpOrphanOff, layout.EncodeOrphanBlocks(nil)); err != nil {
		return err
	}
	var warmSum layout.SummaryBlock
	warmSum.Entries[0] = layout.SummaryEntry{Nid: RootNid}
	for t := 0; t < layout.NrCursegs; t++ {
		sum := &layout.SummaryBlock{}
		if layout.AllocType(t) == layout.WarmNode {
			sum = &warmSum
		}
		if err := writeRegion(layout.CpSummaryOff+t, layout.EncodeSummaryBlock(sum)); err != nil {
			return err
		}
	}
	if err := d.Sync(); err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}

	_, headerCrc, err := layout.DecodeCpHeader(layout.EncodeCpHeader(header))
	if err != nil {
		return err
	}
	footer := &layout.CpFooter{Version: 1, HeaderCrc: headerCrc}
	if err := writeRegion(layout.CpFooterOff, layout.EncodeCpFooter(footer)); err != nil {
		return err
	}

	if err := d.WriteBlock(layout.SuperblockAddr, layout.EncodeSuperblock(sb)); err != nil {
		return fmt.Errorf("mkfs: failed to write superblock: %w", err)
	}
	return d.Sync()
}
