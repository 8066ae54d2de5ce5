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
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"flashfs/internal/common"
	"flashfs/internal/layout"
)

// curseg is one of the six active write logs. All fields are guarded by
// mu; the fixed lock order is curseg.mu, then sitMu, then mapMu.
type curseg struct {
	segno     uint32
	nextOff   uint32
	allocType layout.AllocType
	sum       *layout.SummaryBlock
	ssr       bool // reusing invalid slots of a dirty segment
}

// lockedCurseg pairs a write log with its lock so hot/warm/cold writers
// proceed in parallel.
type lockedCurseg struct {
	mu sync.Mutex
	curseg
}

// segmentManager owns the SIT, the free/dirty/prefree segment maps, and
// the current segments. It is the only component that mutates SIT entries.
type segmentManager struct {
	fs *FS

	sitMu        sync.RWMutex
	sit          []layout.SitEntry
	sitDirty     map[uint32]struct{} // mutated since the last SIT flush
	sitInJournal map[uint32]struct{} // authoritative copy is the cp journal
	sitBitmap    []byte              // current SIT copy per table block

	mapMu     sync.Mutex
	freeSeg   []bool
	nFreeSegs uint32
	nFreeSecs uint32
	dirtySegs map[uint32]struct{} // GC candidates: 0 < valid < capacity
	prefree   map[uint32]struct{} // fully invalid, reusable after checkpoint
	activeSeg map[uint32]layout.AllocType

	cursegs [layout.NrCursegs]*lockedCurseg
}

func newSegmentManager(fs *FS) *segmentManager {
	sm := &segmentManager{
		fs:           fs,
		sit:          make([]layout.SitEntry, fs.sb.MainSegCount),
		sitDirty:     make(map[uint32]struct{}),
		sitInJournal: make(map[uint32]struct{}),
		freeSeg:      make([]bool, fs.sb.MainSegCount),
		dirtySegs:    make(map[uint32]struct{}),
		prefree:      make(map[uint32]struct{}),
		activeSeg:    make(map[uint32]layout.AllocType),
	}
	for i := range sm.cursegs {
		sm.cursegs[i] = &lockedCurseg{curseg: curseg{allocType: layout.AllocType(i)}}
	}
	return sm
}

// load rebuilds the in-memory SIT state from the SIT area, the checkpoint
// SIT journal, and the curseg positions in the header.
func (sm *segmentManager) load(header *layout.CpHeader, pack int) error {
	fs := sm.fs

	// SIT area, reading the copy of each table block the checkpoint names.
	sm.sitBitmap = layout.CloneBitmap(header.SitBitmap, layout.MetaBitmapBytes(fs.sb.SitBlocks))
	for blk := uint32(0); blk < fs.sb.SitBlocks; blk++ {
		raw, err := fs.dev.ReadBlock(fs.sitBlockAddr(sm.sitBitmap, blk))
		if err != nil {
			return fmt.Errorf("failed to read SIT block %d: %w", blk, err)
		}
		base := blk * layout.SitEntriesPerBlk
		for slot := 0; slot < layout.SitEntriesPerBlk; slot++ {
			segno := base + uint32(slot)
			if segno >= fs.sb.MainSegCount {
				break
			}
			sm.sit[segno] = layout.GetSitEntry(raw, slot)
		}
	}

	// Journal overlay: segments written since the last full SIT flush.
	journal, err := readPackRegion(fs, pack, layout.CpSitJournalOff, layout.CpSitJournalBlocks)
	if err != nil {
		return err
	}
	for _, je := range layout.DecodeSitJournal(journal, int(header.SitJournalN)) {
		if je.Segno >= fs.sb.MainSegCount {
			return fmt.Errorf("SIT journal segment %d out of range: %w", je.Segno, common.ErrCorrupted)
		}
		sm.sit[je.Segno] = je.Entry
		sm.sitInJournal[je.Segno] = struct{}{}
	}

	// Validate the count/bitmap invariant across the table.
	for segno := range sm.sit {
		e := &sm.sit[segno]
		if int(e.ValidBlocks) != e.Popcount() {
			return fmt.Errorf("SIT entry %d: count %d != popcount %d: %w",
				segno, e.ValidBlocks, e.Popcount(), common.ErrCorrupted)
		}
	}

	// Restore the six write logs and their in-pack summaries.
	sums, err := readPackRegion(fs, pack, layout.CpSummaryOff, layout.CpSummaryBlocks)
	if err != nil {
		return err
	}
	for i := range sm.cursegs {
		cs := &sm.cursegs[i].curseg
		cs.segno = header.CursegSegno[i]
		cs.nextOff = uint32(header.CursegBlkoff[i])
		if cs.segno >= fs.sb.MainSegCount {
			return fmt.Errorf("curseg %s segment %d out of range: %w",
				cs.allocType, cs.segno, common.ErrCorrupted)
		}
		cs.sum = layout.DecodeSummaryBlock(sums[i*layout.BlockSize : (i+1)*layout.BlockSize])
		sm.activeSeg[cs.segno] = cs.allocType
	}

	// Free/dirty maps.
	bps := uint16(fs.sb.BlocksPerSeg())
	for segno := uint32(0); segno < fs.sb.MainSegCount; segno++ {
		if _, active := sm.activeSeg[segno]; active {
			continue
		}
		v := sm.sit[segno].ValidBlocks
		switch {
		case v == 0:
			sm.freeSeg[segno] = true
			sm.nFreeSegs++
		case v < bps:
			sm.dirtySegs[segno] = struct{}{}
		}
	}
	for sec := uint32(0); sec < fs.sb.SectionCount(); sec++ {
		if sm.sectionFreeLocked(sec) {
			sm.nFreeSecs++
		}
	}
	return nil
}

// allocateBlock claims the next block of the given log, records the owner
// summary, and marks it valid in the SIT. It returns the block address and
// the address the log will use next (for the fsync footer chain). The log
// rotates eagerly when the claimed block exhausts the segment, so nextAddr
// is always a real address.
func (sm *segmentManager) allocateBlock(typ layout.AllocType, sum layout.SummaryEntry) (addr, nextAddr uint32, err error) {
	lc := sm.cursegs[typ]
	lc.mu.Lock()
	defer lc.mu.Unlock()
	cs := &lc.curseg

	off, ok := sm.claimOffset(cs)
	if !ok {
		if err := sm.newCurseg(cs); err != nil {
			return 0, 0, err
		}
		off, ok = sm.claimOffset(cs)
		if !ok {
			return 0, 0, common.ErrNoSpace
		}
	}

	cs.sum.Entries[off] = sum
	addr = sm.fs.blockAddr(cs.segno, off)
	if err := sm.refreshSitEntry(cs.segno, off, true, cs.allocType); err != nil {
		return 0, 0, err
	}
	cs.nextOff = off + 1

	// Rotate eagerly once the segment is exhausted, so the next log
	// position is known for the fsync footer chain.
	if _, more := sm.peekOffset(cs); !more {
		if rerr := sm.newCurseg(cs); rerr != nil {
			// The claimed block is good; the log just has nowhere to go
			// next. The following allocation will surface the condition.
			return addr, layout.NullAddr, nil
		}
	}
	next, _ := sm.peekOffset(cs)
	nextAddr = sm.fs.blockAddr(cs.segno, next)

	if traceEnabled {
		log.Debugf("[alloc] type=%s seg=%d off=%d addr=%d next=%d", typ, cs.segno, off, addr, nextAddr)
	}
	return addr, nextAddr, nil
}

// claimOffset finds the next writable offset in the current segment,
// scanning past valid slots in SSR mode.
func (sm *segmentManager) claimOffset(cs *curseg) (uint32, bool) {
	off, ok := sm.peekOffset(cs)
	return off, ok
}

func (sm *segmentManager) peekOffset(cs *curseg) (uint32, bool) {
	bps := sm.fs.sb.BlocksPerSeg()
	if !cs.ssr {
		if cs.nextOff < bps {
			return cs.nextOff, true
		}
		return 0, false
	}
	sm.sitMu.RLock()
	defer sm.sitMu.RUnlock()
	e := &sm.sit[cs.segno]
	for off := cs.nextOff; off < bps; off++ {
		if !e.TestValid(off) {
			return off, true
		}
	}
	return 0, false
}

// newCurseg rotates a log onto a fresh segment: the old summary is sealed
// into the SSA, then a free segment is chosen per the configured scan
// direction, preferring the current section for sequentiality. When no
// free segment exists and SSR is enabled, a dirty segment of matching
// type is reused in place (never for the warm-node log, whose sequential
// layout the roll-forward chain depends on).
func (sm *segmentManager) newCurseg(cs *curseg) error {
	if err := sm.sealCurseg(cs); err != nil {
		return err
	}

	segno, ok := sm.pickFreeSegment(cs.segno)
	if ok {
		sm.installCurseg(cs, segno, false)
		return nil
	}
	if sm.fs.opts.SSR && cs.allocType != layout.WarmNode {
		if segno, ok := sm.pickSSRSegment(cs.allocType); ok {
			raw, err := sm.fs.dev.ReadBlock(sm.fs.sb.SsaBlkaddr + segno)
			if err != nil {
				return fmt.Errorf("failed to read summary of SSR segment %d: %w", segno, err)
			}
			sm.installCurseg(cs, segno, true)
			cs.sum = layout.DecodeSummaryBlock(raw)
			return nil
		}
	}
	return common.ErrNoSpace
}

// sealCurseg persists the active segment's summary block to the SSA and
// updates its candidacy maps.
func (sm *segmentManager) sealCurseg(cs *curseg) error {
	if cs.sum == nil {
		cs.sum = &layout.SummaryBlock{}
		return nil
	}
	if err := sm.fs.dev.WriteBlock(sm.fs.sb.SsaBlkaddr+cs.segno, layout.EncodeSummaryBlock(cs.sum)); err != nil {
		// Losing a summary makes the segment unreclaimable; treat like a
		// checkpoint writeback failure.
		sm.fs.setCpError(err)
		return fmt.Errorf("failed to seal summary of segment %d: %w", cs.segno, common.ErrCheckpointError)
	}

	sm.sitMu.RLock()
	valid := sm.sit[cs.segno].ValidBlocks
	sm.sitMu.RUnlock()

	sm.mapMu.Lock()
	delete(sm.activeSeg, cs.segno)
	sm.segStatusLocked(cs.segno, valid)
	sm.mapMu.Unlock()
	return nil
}

func (sm *segmentManager) installCurseg(cs *curseg, segno uint32, ssr bool) {
	sm.mapMu.Lock()
	if sm.freeSeg[segno] {
		sec := sm.fs.secNo(segno)
		wasFree := sm.sectionFreeLocked(sec)
		sm.freeSeg[segno] = false
		sm.nFreeSegs--
		if wasFree {
			sm.nFreeSecs--
		}
	}
	delete(sm.dirtySegs, segno)
	sm.activeSeg[segno] = cs.allocType
	sm.mapMu.Unlock()

	cs.segno = segno
	cs.nextOff = 0
	cs.ssr = ssr
	cs.sum = &layout.SummaryBlock{}
}

// pickFreeSegment chooses the next segment for a rotating log.
func (sm *segmentManager) pickFreeSegment(current uint32) (uint32, bool) {
	fs := sm.fs
	sm.mapMu.Lock()
	defer sm.mapMu.Unlock()

	// Stay inside the current section when possible.
	next := current + 1
	if next < fs.sb.MainSegCount && fs.secNo(next) == fs.secNo(current) && sm.freeSeg[next] {
		return next, true
	}

	n := fs.sb.MainSegCount
	scan := func(segno uint32) bool { return sm.freeSeg[segno] }

	// Prefer opening a fully free section.
	for i := uint32(0); i < fs.sb.SectionCount(); i++ {
		sec := i
		if fs.opts.Direction == AllocRight {
			sec = fs.sb.SectionCount() - 1 - i
		}
		if sm.sectionFreeLocked(sec) {
			return sec * fs.sb.SegsPerSec, true
		}
	}
	// Otherwise any free segment, scanned per direction.
	for i := uint32(0); i < n; i++ {
		segno := i
		if fs.opts.Direction == AllocRight {
			segno = n - 1 - i
		}
		if scan(segno) {
			return segno, true
		}
	}
	return 0, false
}

// pickSSRSegment chooses a dirty segment of matching type with the most
// invalid slots to reuse in place.
func (sm *segmentManager) pickSSRSegment(typ layout.AllocType) (uint32, bool) {
	sm.sitMu.RLock()
	defer sm.sitMu.RUnlock()
	sm.mapMu.Lock()
	defer sm.mapMu.Unlock()

	best := uint32(0)
	bestValid := uint16(0xffff)
	found := false
	for segno := range sm.dirtySegs {
		e := &sm.sit[segno]
		if e.Type != typ {
			continue
		}
		if _, busy := sm.prefree[segno]; busy {
			continue
		}
		if e.ValidBlocks < bestValid {
			best, bestValid, found = segno, e.ValidBlocks, true
		}
	}
	if found {
		delete(sm.dirtySegs, best)
	}
	return best, found
}

// refreshSitEntry is the sole SIT mutator: it flips one validity bit,
// keeps the valid-block count in lockstep, stamps the mtime, and files the
// segment under the right candidacy map.
func (sm *segmentManager) refreshSitEntry(segno, off uint32, valid bool, typ layout.AllocType) error {
	sm.sitMu.Lock()
	e := &sm.sit[segno]
	if valid {
		if !e.SetValid(off) {
			sm.sitMu.Unlock()
			return fmt.Errorf("segment %d offset %d already valid: %w", segno, off, common.ErrCorrupted)
		}
		e.ValidBlocks++
		e.Type = typ
	} else {
		if !e.ClearValid(off) {
			sm.sitMu.Unlock()
			return fmt.Errorf("segment %d offset %d already invalid: %w", segno, off, common.ErrCorrupted)
		}
		e.ValidBlocks--
	}
	e.Mtime = uint64(time.Now().Unix())
	count := e.ValidBlocks
	sm.sitDirty[segno] = struct{}{}
	sm.sitMu.Unlock()

	sm.mapMu.Lock()
	if _, active := sm.activeSeg[segno]; !active {
		sm.segStatusLocked(segno, count)
	}
	sm.mapMu.Unlock()
	return nil
}

// segStatusLocked files a non-active segment under free/dirty/prefree
// according to its valid-block count. Fully invalidated segments go to
// prefree, not free: they become reusable only at the next checkpoint, so
// a crash between invalidation and checkpoint cannot resurrect stale data
// in a block already handed to a new writer.
func (sm *segmentManager) segStatusLocked(segno uint32, valid uint16) {
	bps := uint16(sm.fs.sb.BlocksPerSeg())
	switch {
	case valid == 0:
		delete(sm.dirtySegs, segno)
		if !sm.freeSeg[segno] {
			sm.prefree[segno] = struct{}{}
		}
	case valid < bps:
		delete(sm.prefree, segno)
		sm.dirtySegs[segno] = struct{}{}
	default:
		delete(sm.prefree, segno)
		delete(sm.dirtySegs, segno)
	}
}

// replaceBlock adopts a block that was written before a crash and is
// physically present but not yet valid in the SIT: roll-forward uses it
// to resurrect fsynced data without copying. The segment is pulled off
// the free list if the log had rotated into it after the checkpoint, the
// owner summary is recorded, and a log positioned before the block skips
// past it.
func (sm *segmentManager) replaceBlock(addr uint32, typ layout.AllocType, sum layout.SummaryEntry) error {
	fs := sm.fs
	if !fs.isMainAddr(addr) {
		return fmt.Errorf("replace of non-main address %d: %w", addr, common.ErrOutOfRange)
	}
	segno, off := fs.segNo(addr), fs.segOff(addr)

	sm.mapMu.Lock()
	if sm.freeSeg[segno] {
		sec := fs.secNo(segno)
		wasFree := sm.sectionFreeLocked(sec)
		sm.freeSeg[segno] = false
		sm.nFreeSegs--
		if wasFree {
			sm.nFreeSecs--
		}
	}
	sm.mapMu.Unlock()

	if err := sm.refreshSitEntry(segno, off, true, typ); err != nil {
		return err
	}

	for _, lc := range sm.cursegs {
		lc.mu.Lock()
		cs := &lc.curseg
		if cs.segno == segno {
			cs.sum.Entries[off] = sum
			if off >= cs.nextOff {
				cs.nextOff = off + 1
			}
			lc.mu.Unlock()
			return nil
		}
		lc.mu.Unlock()
	}

	// Not an active log: patch the sealed summary in the SSA.
	raw, err := fs.dev.ReadBlock(fs.sb.SsaBlkaddr + segno)
	if err != nil {
		return fmt.Errorf("failed to read summary of segment %d: %w", segno, err)
	}
	sb := layout.DecodeSummaryBlock(raw)
	sb.Entries[off] = sum
	if err := fs.dev.WriteBlock(fs.sb.SsaBlkaddr+segno, layout.EncodeSummaryBlock(sb)); err != nil {
		return fmt.Errorf("failed to update summary of segment %d: %w", segno, err)
	}
	return nil
}

// invalidateBlocks retires one previously written block address.
func (sm *segmentManager) invalidateBlocks(addr uint32) error {
	fs := sm.fs
	if !fs.isMainAddr(addr) {
		return fmt.Errorf("invalidate of non-main address %d: %w", addr, common.ErrOutOfRange)
	}
	return sm.refreshSitEntry(fs.segNo(addr), fs.segOff(addr), false, 0)
}

// isValidAddr reports whether addr is currently marked valid in the SIT.
func (sm *segmentManager) isValidAddr(addr uint32) bool {
	if !sm.fs.isMainAddr(addr) {
		return false
	}
	sm.sitMu.RLock()
	defer sm.sitMu.RUnlock()
	return sm.sit[sm.fs.segNo(addr)].TestValid(sm.fs.segOff(addr))
}

// clearPrefree promotes fully invalidated segments to free. Called only
// after a checkpoint commits, which is what makes the promotion safe.
func (sm *segmentManager) clearPrefree() {
	sm.mapMu.Lock()
	defer sm.mapMu.Unlock()
	for segno := range sm.prefree {
		delete(sm.prefree, segno)
		if sm.freeSeg[segno] {
			continue
		}
		sm.freeSeg[segno] = true
		sm.nFreeSegs++
		if sm.sectionFreeLocked(sm.fs.secNo(segno)) {
			sm.nFreeSecs++
		}
	}
}

// sectionFreeLocked reports whether every segment of sec is free.
// Caller holds mapMu.
func (sm *segmentManager) sectionFreeLocked(sec uint32) bool {
	start := sec * sm.fs.sb.SegsPerSec
	for s := start; s < start+sm.fs.sb.SegsPerSec; s++ {
		if !sm.freeSeg[s] {
			return false
		}
	}
	return true
}

func (sm *segmentManager) freeSegCount() uint32 {
	sm.mapMu.Lock()
	defer sm.mapMu.Unlock()
	return sm.nFreeSegs
}

func (sm *segmentManager) freeSecCount() uint32 {
	sm.mapMu.Lock()
	defer sm.mapMu.Unlock()
	return sm.nFreeSecs
}

// isActiveSegment reports whether segno currently backs a write log.
func (sm *segmentManager) isActiveSegment(segno uint32) bool {
	sm.mapMu.Lock()
	defer sm.mapMu.Unlock()
	_, active := sm.activeSeg[segno]
	return active
}

// isFreeSegment reports whether segno is on the free list.
func (sm *segmentManager) isFreeSegment(segno uint32) bool {
	sm.mapMu.Lock()
	defer sm.mapMu.Unlock()
	return sm.freeSeg[segno]
}

func (sm *segmentManager) prefreeCount() uint32 {
	sm.mapMu.Lock()
	defer sm.mapMu.Unlock()
	return uint32(len(sm.prefree))
}

// sitEntry returns a copy of one SIT entry.
func (sm *segmentManager) sitEntry(segno uint32) layout.SitEntry {
	sm.sitMu.RLock()
	defer sm.sitMu.RUnlock()
	return sm.sit[segno]
}

// cursegSnapshot captures (segno, next offset) of every log for the
// checkpoint header.
func (sm *segmentManager) cursegSnapshot() (segnos [layout.NrCursegs]uint32, offs [layout.NrCursegs]uint16, sums [layout.NrCursegs]*layout.SummaryBlock) {
	for i, lc := range sm.cursegs {
		lc.mu.Lock()
		cs := &lc.curseg
		segnos[i] = cs.segno
		off, ok := sm.peekOffset(cs)
		if !ok {
			off = sm.fs.sb.BlocksPerSeg()
		}
		offs[i] = uint16(off)
		sumCopy := *cs.sum
		sums[i] = &sumCopy
		lc.mu.Unlock()
	}
	return
}

// flushSIT persists dirty SIT entries for a checkpoint. Small change sets
// ride in the pack journal; once the journal would overflow, everything
// pending is written back to the inactive copy of each touched SIT block
// and the journal resets. The returned bitmap names the copies the new
// checkpoint reads; installSitBitmap applies it only after that
// checkpoint commits, so a failed checkpoint never moves readers off the
// committed copies.
func (sm *segmentManager) flushSIT() ([]layout.SitJournalEntry, []byte, error) {
	sm.sitMu.Lock()
	defer sm.sitMu.Unlock()

	pending := make(map[uint32]struct{}, len(sm.sitInJournal)+len(sm.sitDirty))
	for segno := range sm.sitInJournal {
		pending[segno] = struct{}{}
	}
	for segno := range sm.sitDirty {
		pending[segno] = struct{}{}
	}
	segnos := make([]uint32, 0, len(pending))
	for segno := range pending {
		segnos = append(segnos, segno)
	}
	sort.Slice(segnos, func(i, j int) bool { return segnos[i] < segnos[j] })

	bitmap := layout.CloneBitmap(sm.sitBitmap, layout.MetaBitmapBytes(sm.fs.sb.SitBlocks))

	if len(segnos) <= layout.CpSitJournalBlocks*layout.SitJournalPerBlk {
		entries := make([]layout.SitJournalEntry, 0, len(segnos))
		for _, segno := range segnos {
			entries = append(entries, layout.SitJournalEntry{Segno: segno, Entry: sm.sit[segno]})
		}
		sm.sitInJournal = pending
		sm.sitDirty = make(map[uint32]struct{})
		return entries, bitmap, nil
	}

	// Journal overflow: write everything back to the SIT area.
	byBlock := make(map[uint32][]uint32)
	for _, segno := range segnos {
		blk, _ := layout.SitBlockIndex(segno)
		byBlock[blk] = append(byBlock[blk], segno)
	}
	for blk, members := range byBlock {
		raw, err := sm.fs.dev.ReadBlock(sm.fs.sitBlockAddr(sm.sitBitmap, blk))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read SIT block %d: %w", blk, err)
		}
		for _, segno := range members {
			_, slot := layout.SitBlockIndex(segno)
			e := sm.sit[segno]
			layout.PutSitEntry(raw, slot, &e)
		}
		layout.FlipBit(bitmap, blk)
		if err := sm.fs.dev.WriteBlock(sm.fs.sitBlockAddr(bitmap, blk), raw); err != nil {
			return nil, nil, fmt.Errorf("failed to write SIT block %d: %w", blk, err)
		}
	}
	sm.sitInJournal = make(map[uint32]struct{})
	sm.sitDirty = make(map[uint32]struct{})
	return nil, bitmap, nil
}

// installSitBitmap switches table reads to the copies a just-committed
// checkpoint wrote.
func (sm *segmentManager) installSitBitmap(bm []byte) {
	sm.sitMu.Lock()
	sm.sitBitmap = bm
	sm.sitMu.Unlock()
}

// readSummary resolves the owner summary of one block address, from the
// live curseg summary when the segment is active, else from the SSA.
func (sm *segmentManager) readSummary(addr uint32) (layout.SummaryEntry, error) {
	segno := sm.fs.segNo(addr)
	off := sm.fs.segOff(addr)

	for _, lc := range sm.cursegs {
		lc.mu.Lock()
		if lc.curseg.segno == segno {
			e := lc.curseg.sum.Entries[off]
			lc.mu.Unlock()
			return e, nil
		}
		lc.mu.Unlock()
	}

	raw, err := sm.fs.dev.ReadBlock(sm.fs.sb.SsaBlkaddr + segno)
	if err != nil {
		return layout.SummaryEntry{}, fmt.Errorf("failed to read summary of segment %d: %w", segno, err)
	}
	return layout.DecodeSummaryBlock(raw).Entries[off], nil
}
