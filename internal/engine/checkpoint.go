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
	"sort"

	log "github.com/sirupsen/logrus"

	"flashfs/internal/common"
	"flashfs/internal/layout"
)

// packAddr returns the device address of the first block of a pack.
func (fs *FS) packAddr(pack int) uint32 {
	return fs.sb.CpBlkaddr + uint32(pack)*layout.CpPackBlocks
}

// readPackRegion reads n consecutive blocks of a checkpoint pack,
// starting at the given in-pack offset, into one buffer.
func readPackRegion(fs *FS, pack, off, n int) ([]byte, error) {
	buf := make([]byte, 0, n*layout.BlockSize)
	base := fs.packAddr(pack) + uint32(off)
	for i := 0; i < n; i++ {
		blk, err := fs.dev.ReadBlock(base + uint32(i))
		if err != nil {
			return nil, fmt.Errorf("failed to read checkpoint pack %d block %d: %w", pack, off+i, err)
		}
		buf = append(buf, blk...)
	}
	return buf, nil
}

// writePackRegion writes buf as consecutive blocks of a checkpoint pack.
func writePackRegion(fs *FS, pack, off int, buf []byte) error {
	base := fs.packAddr(pack) + uint32(off)
	for i := 0; i*layout.BlockSize < len(buf); i++ {
		blk := buf[i*layout.BlockSize : (i+1)*layout.BlockSize]
		if err := fs.dev.WriteBlock(base+uint32(i), blk); err != nil {
			return fmt.Errorf("failed to write checkpoint pack %d block %d: %w", pack, off+i, err)
		}
	}
	return nil
}

// readPack validates one checkpoint pack end to end: header CRC, footer
// CRC, and the version plus header-CRC echo in the footer. A torn pack
// write fails one of those checks and the pack is rejected whole.
func (fs *FS) readPack(pack int) (*layout.CpHeader, error) {
	raw, err := fs.dev.ReadBlock(fs.packAddr(pack) + layout.CpHeaderOff)
	if err != nil {
		return nil, fmt.Errorf("failed to read pack %d header: %w", pack, err)
	}
	header, headerCrc, err := layout.DecodeCpHeader(raw)
	if err != nil {
		return nil, err
	}
	raw, err = fs.dev.ReadBlock(fs.packAddr(pack) + layout.CpFooterOff)
	if err != nil {
		return nil, fmt.Errorf("failed to read pack %d footer: %w", pack, err)
	}
	footer, err := layout.DecodeCpFooter(raw)
	if err != nil {
		return nil, err
	}
	if footer.Version != header.Version || footer.HeaderCrc != headerCrc {
		return nil, fmt.Errorf("pack %d header/footer mismatch (ver %d/%d): %w",
			pack, header.Version, footer.Version, common.ErrCorrupted)
	}
	return header, nil
}

// loadCheckpoint resolves the two checkpoint packs: each is validated
// independently and the one carrying the higher version wins. At least
// one pack is always intact on any crash, because a checkpoint only ever
// overwrites the older pack.
func (fs *FS) loadCheckpoint() (*layout.CpHeader, int, error) {
	h0, err0 := fs.readPack(0)
	h1, err1 := fs.readPack(1)

	switch {
	case err0 == nil && err1 == nil:
		if h1.Version > h0.Version {
			return h1, 1, nil
		}
		return h0, 0, nil
	case err0 == nil:
		log.Warnf("[flashfs] checkpoint pack 1 invalid, using pack 0: %v", err1)
		return h0, 0, nil
	case err1 == nil:
		log.Warnf("[flashfs] checkpoint pack 0 invalid, using pack 1: %v", err0)
		return h1, 1, nil
	default:
		return nil, 0, fmt.Errorf("no valid checkpoint pack (pack0: %v, pack1: %v): %w",
			err0, err1, common.ErrCorrupted)
	}
}

// Checkpoint forces a full checkpoint now.
func (fs *FS) Checkpoint() error { return fs.writeCheckpoint(false, true) }

// writeCheckpoint runs the checkpoint protocol: quiesce mutators, resolve
// every pending node placement, flush NAT and SIT, assemble the next pack
// in the slot opposite the committed one, sync, seal with the footer,
// sync again, then commit in memory. When force is false the checkpoint
// is skipped unless something demands one. Any device failure latches the
// checkpoint-error state; the committed pack on disk is untouched.
func (fs *FS) writeCheckpoint(umount, force bool) error {
	fs.cpMu.Lock()
	defer fs.cpMu.Unlock()

	if err := fs.checkWritable(); err != nil {
		return err
	}
	if !force && !fs.NeedCheckpoint() {
		return nil
	}

	fs.opMu.Lock()
	defer fs.opMu.Unlock()

	fail := func(err error) error {
		fs.setCpError(err)
		return fmt.Errorf("checkpoint failed: %v: %w", err, common.ErrCheckpointError)
	}

	// Every NAT entry must refer to a real block before the tables are
	// frozen; a NewAddr surviving into the pack would dangle on replay.
	if _, err := fs.nm.flushDirtyPages(nil, 0); err != nil {
		return fail(err)
	}

	natJournal, natBitmap, err := fs.nm.flushNAT()
	if err != nil {
		return fail(err)
	}
	sitJournal, sitBitmap, err := fs.sm.flushSIT()
	if err != nil {
		return fail(err)
	}

	orphans := fs.orphanList()
	segnos, blkoffs, sums := fs.sm.cursegSnapshot()

	ver := fs.cpVer.Load() + 1
	var flags uint32
	if len(orphans) > 0 {
		flags |= layout.CpFlagOrphanPresent
	}
	if umount {
		flags |= layout.CpFlagUmount
	}

	fs.statMu.Lock()
	header := &layout.CpHeader{
		Version: ver,
		Flags:   flags,
		// Prefree segments become free the instant this pack commits.
		FreeSegCount:    fs.sm.freeSegCount() + fs.sm.prefreeCount(),
		ValidBlockCount: fs.validBlocks,
		ValidNodeCount:  fs.validNodes,
		ValidInodeCount: fs.validInodes,
		NextFreeNid:     fs.nm.nextFreeNidHint(),
		NatJournalN:     uint16(len(natJournal)),
		SitJournalN:     uint16(len(sitJournal)),
		OrphanCount:     uint32(len(orphans)),
		CursegSegno:     segnos,
		CursegBlkoff:    blkoffs,
		NatBitmap:       natBitmap,
		SitBitmap:       sitBitmap,
	}
	fs.statMu.Unlock()

	pack := fs.cpPack ^ 1
	if err := writePackRegion(fs, pack, layout.CpHeaderOff, layout.EncodeCpHeader(header)); err != nil {
		return fail(err)
	}
	if err := writePackRegion(fs, pack, layout.CpNatJournalOff, layout.EncodeNatJournal(natJournal)); err != nil {
		return fail(err)
	}
	if err := writePackRegion(fs, pack, layout.CpSitJournalOff, layout.EncodeSitJournal(sitJournal)); err != nil {
		return fail(err)
	}
	if err := writePackRegion(fs, pack, layout.CpOrphanOff, layout.EncodeOrphanBlocks(orphans)); err != nil {
		return fail(err)
	}
	for i, sum := range sums {
		if err := writePackRegion(fs, pack, layout.CpSummaryOff+i, layout.EncodeSummaryBlock(sum)); err != nil {
			return fail(err)
		}
	}
	if err := fs.dev.Sync(); err != nil {
		return fail(err)
	}

	_, headerCrc, err := layout.DecodeCpHeader(layout.EncodeCpHeader(header))
	if err != nil {
		return fail(err)
	}
	footer := &layout.CpFooter{Version: ver, HeaderCrc: headerCrc}
	if err := writePackRegion(fs, pack, layout.CpFooterOff, layout.EncodeCpFooter(footer)); err != nil {
		return fail(err)
	}
	if err := fs.dev.Sync(); err != nil {
		return fail(err)
	}

	// Commit point. Only now may state that the old checkpoint still
	// referenced be recycled, and only now do table reads move to the
	// copies this checkpoint wrote.
	fs.cpVer.Store(ver)
	fs.cpPack = pack
	fs.nm.installNatBitmap(natBitmap)
	fs.sm.installSitBitmap(sitBitmap)
	fs.sm.clearPrefree()
	fs.nm.commitFreeNids()
	fs.needCp.Store(false)

	log.Infof("[flashfs] checkpoint committed: ver=%d pack=%d free_segs=%d orphans=%d",
		ver, pack, header.FreeSegCount, len(orphans))
	return nil
}

// --- orphan tracking ---

// addOrphan registers an inode that is unlinked but still referenced.
// The list is bounded by the pack's orphan capacity.
func (fs *FS) addOrphan(ino uint32) error {
	fs.orphanMu.Lock()
	defer fs.orphanMu.Unlock()
	if _, ok := fs.orphans[ino]; ok {
		return nil
	}
	if len(fs.orphans) >= layout.MaxOrphans {
		return fmt.Errorf("orphan list full (%d): %w", layout.MaxOrphans, common.ErrNoSpace)
	}
	fs.orphans[ino] = struct{}{}
	return nil
}

// removeOrphan drops an inode from the orphan list, typically when the
// last reference went away and the inode was reclaimed.
func (fs *FS) removeOrphan(ino uint32) {
	fs.orphanMu.Lock()
	delete(fs.orphans, ino)
	fs.orphanMu.Unlock()
}

// orphanList returns the current orphans in ascending order.
func (fs *FS) orphanList() []uint32 {
	fs.orphanMu.Lock()
	inos := make([]uint32, 0, len(fs.orphans))
	for ino := range fs.orphans {
		inos = append(inos, ino)
	}
	fs.orphanMu.Unlock()
	sort.Slice(inos, func(i, j int) bool { return inos[i] < inos[j] })
	return inos
}
