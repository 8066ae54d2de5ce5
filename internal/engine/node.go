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

	log "github.com/sirupsen/logrus"

	"flashfs/internal/common"
	"flashfs/internal/layout"
)

// NodeInfo is the resolved NAT state of one nid.
type NodeInfo struct {
	Nid     uint32
	Ino     uint32
	BlkAddr uint32
	Version uint8
}

// nid allocation handshake states. A nid in freeNids is nidStateNew; a
// claimed one is nidStateAlloc until AllocNidDone or AllocNidFailed.
const (
	nidStateNew uint8 = iota
	nidStateAlloc
)

// freeNidBatch bounds one free-nid sweep over the NAT.
const freeNidBatch = 64

// nodePage is a cached node block. Dirty pages are written back through
// the allocator by fsync or checkpoint.
type nodePage struct {
	nid   uint32
	data  layout.NodeBlock
	dirty bool
}

// nodeManager owns the NAT cache, the free-nid list, and the node page
// cache.
type nodeManager struct {
	fs *FS

	natMu        sync.RWMutex
	nat          map[uint32]layout.NatEntry
	natDirty     map[uint32]struct{} // mutated since the last NAT flush
	natInJournal map[uint32]struct{} // authoritative copy is the cp journal
	natBitmap    []byte              // current NAT copy per table block

	freeMu      sync.Mutex
	freeNids    []uint32
	nidState    map[uint32]uint8
	nextScan    uint32
	nextFree    uint32 // lowest never-used nid, from the checkpoint header
	pendingFree []uint32
	pendingSet  map[uint32]struct{}

	pageMu sync.Mutex
	pages  map[uint32]*nodePage
}

func newNodeManager(fs *FS) *nodeManager {
	return &nodeManager{
		fs:           fs,
		nat:          make(map[uint32]layout.NatEntry),
		natDirty:     make(map[uint32]struct{}),
		natInJournal: make(map[uint32]struct{}),
		nidState:     make(map[uint32]uint8),
		pendingSet:   make(map[uint32]struct{}),
		pages:        make(map[uint32]*nodePage),
	}
}

// load folds the checkpoint NAT journal over the on-disk table and seeds
// the free-nid scan position.
func (nm *nodeManager) load(header *layout.CpHeader, pack int) error {
	nm.natBitmap = layout.CloneBitmap(header.NatBitmap, layout.MetaBitmapBytes(nm.fs.sb.NatBlocks))
	journal, err := readPackRegion(nm.fs, pack, layout.CpNatJournalOff, layout.CpNatJournalBlocks)
	if err != nil {
		return err
	}
	for _, je := range layout.DecodeNatJournal(journal, int(header.NatJournalN)) {
		if je.Nid == layout.NullNid || je.Nid >= nm.fs.sb.MaxNid {
			return fmt.Errorf("NAT journal nid %d out of range: %w", je.Nid, common.ErrCorrupted)
		}
		if je.Entry.BlkAddr == layout.NewAddr {
			return fmt.Errorf("NAT journal nid %d holds a pending address: %w", je.Nid, common.ErrCorrupted)
		}
		nm.nat[je.Nid] = je.Entry
		nm.natInJournal[je.Nid] = struct{}{}
	}
	nm.nextFree = header.NextFreeNid
	nm.nextScan = 1
	return nil
}

// GetNodeInfo resolves a nid: from the cache, falling back to the on-disk
// NAT block. Recently mutated nids are in the cache from journal load.
func (nm *nodeManager) getNodeInfo(nid uint32) (NodeInfo, error) {
	if nid == layout.NullNid || nid >= nm.fs.sb.MaxNid {
		return NodeInfo{}, fmt.Errorf("nid %d: %w", nid, common.ErrOutOfRange)
	}

	nm.natMu.RLock()
	if e, ok := nm.nat[nid]; ok {
		nm.natMu.RUnlock()
		return NodeInfo{Nid: nid, Ino: e.Ino, BlkAddr: e.BlkAddr, Version: e.Version}, nil
	}
	nm.natMu.RUnlock()

	blk, slot := layout.NatBlockIndex(nid)
	raw, err := nm.fs.dev.ReadBlock(nm.natAddr(blk))
	if err != nil {
		return NodeInfo{}, fmt.Errorf("failed to read NAT block %d: %w", blk, err)
	}
	e := layout.GetNatEntry(raw, slot)

	nm.natMu.Lock()
	// Another reader may have raced the fill; the cached copy wins since
	// it can be newer than disk.
	if cached, ok := nm.nat[nid]; ok {
		e = cached
	} else {
		nm.nat[nid] = e
	}
	nm.natMu.Unlock()
	return NodeInfo{Nid: nid, Ino: e.Ino, BlkAddr: e.BlkAddr, Version: e.Version}, nil
}

// natAddr resolves the device address of NAT table block blk in the copy
// the last committed checkpoint selected.
func (nm *nodeManager) natAddr(blk uint32) uint32 {
	nm.natMu.RLock()
	defer nm.natMu.RUnlock()
	return nm.fs.natBlockAddr(nm.natBitmap, blk)
}

// setNAT records a new address for nid. The version bumps when the nid
// starts a new life (allocation after Null), so roll-forward can tell
// generations apart.
func (nm *nodeManager) setNAT(nid, ino, addr uint32) {
	nm.natMu.Lock()
	e := nm.nat[nid]
	if e.IsNull() && addr != layout.NullAddr {
		e.Version++
	}
	e.Ino = ino
	e.BlkAddr = addr
	nm.nat[nid] = e
	nm.natDirty[nid] = struct{}{}
	nm.natMu.Unlock()
}

// --- free nid allocation ---

// allocNid claims a free nid. The claim is provisional until the caller
// finishes the handshake with allocNidDone (keep) or allocNidFailed
// (return); two concurrent allocators can never claim the same nid.
func (nm *nodeManager) allocNid() (uint32, error) {
	nm.freeMu.Lock()
	defer nm.freeMu.Unlock()

	if len(nm.freeNids) == 0 {
		if err := nm.scanFreeNidsLocked(); err != nil {
			return 0, err
		}
	}
	nid := nm.freeNids[0]
	nm.freeNids = nm.freeNids[1:]
	nm.nidState[nid] = nidStateAlloc
	return nid, nil
}

// allocNidDone commits a claimed nid; it is in use from here on.
func (nm *nodeManager) allocNidDone(nid uint32) {
	nm.freeMu.Lock()
	delete(nm.nidState, nid)
	nm.freeMu.Unlock()
}

// allocNidFailed returns a claimed nid to the free list.
func (nm *nodeManager) allocNidFailed(nid uint32) {
	nm.freeMu.Lock()
	nm.nidState[nid] = nidStateNew
	nm.freeNids = append([]uint32{nid}, nm.freeNids...)
	nm.freeMu.Unlock()
}

// scanFreeNidsLocked sweeps the NAT for unallocated nids. Nids freed
// since the last checkpoint are skipped: they stay unallocatable until
// the free is durable, so roll-forward can never see a recycled nid.
// Caller holds freeMu.
func (nm *nodeManager) scanFreeNidsLocked() error {
	start := nm.nextScan
	var raw []byte
	rawBlk := uint32(0xffffffff)

	wrapped := false
	for nid := start; len(nm.freeNids) < freeNidBatch; nid++ {
		if nid >= nm.fs.sb.MaxNid {
			if wrapped {
				break
			}
			wrapped = true
			nid = 1
		}
		if nid == start && wrapped {
			break
		}
		if _, tracked := nm.nidState[nid]; tracked {
			continue
		}
		if _, pending := nm.pendingSet[nid]; pending {
			continue
		}

		free := false
		if nid >= nm.nextFree {
			// Never used: free without a table read.
			free = true
		} else {
			nm.natMu.RLock()
			e, cached := nm.nat[nid]
			nm.natMu.RUnlock()
			if !cached {
				blk, slot := layout.NatBlockIndex(nid)
				if blk != rawBlk {
					b, err := nm.fs.dev.ReadBlock(nm.natAddr(blk))
					if err != nil {
						return fmt.Errorf("free nid scan: %w", err)
					}
					raw, rawBlk = b, blk
				}
				e = layout.GetNatEntry(raw, slot)
			}
			free = e.IsNull()
		}
		if free {
			nm.freeNids = append(nm.freeNids, nid)
			nm.nidState[nid] = nidStateNew
		}
		nm.nextScan = nid + 1
	}

	if len(nm.freeNids) == 0 {
		return common.ErrNoFreeNid
	}
	return nil
}

// freeNid retires a nid after its node was deleted. The nid reaches the
// free list only after the next checkpoint persists the removal.
func (nm *nodeManager) freeNid(nid uint32) {
	nm.setNAT(nid, 0, layout.NullAddr)
	nm.freeMu.Lock()
	nm.pendingFree = append(nm.pendingFree, nid)
	nm.pendingSet[nid] = struct{}{}
	nm.freeMu.Unlock()

	nm.pageMu.Lock()
	delete(nm.pages, nid)
	nm.pageMu.Unlock()
}

// commitFreeNids moves checkpoint-persisted freed nids to the free list.
func (nm *nodeManager) commitFreeNids() {
	nm.freeMu.Lock()
	for _, nid := range nm.pendingFree {
		delete(nm.pendingSet, nid)
		nm.freeNids = append(nm.freeNids, nid)
		nm.nidState[nid] = nidStateNew
	}
	nm.pendingFree = nm.pendingFree[:0]
	nm.freeMu.Unlock()
}

// nextFreeNidHint returns the high-water mark persisted in checkpoints.
func (nm *nodeManager) nextFreeNidHint() uint32 {
	nm.freeMu.Lock()
	defer nm.freeMu.Unlock()
	return nm.nextFree
}

// noteNidUsed raises the never-used high-water mark.
func (nm *nodeManager) noteNidUsed(nid uint32) {
	nm.freeMu.Lock()
	if nid >= nm.nextFree {
		nm.nextFree = nid + 1
	}
	nm.freeMu.Unlock()
}

// --- node page cache ---

// getNodePage returns the cached page for nid, reading it from its NAT
// address on a miss.
func (nm *nodeManager) getNodePage(nid uint32) (*nodePage, error) {
	nm.pageMu.Lock()
	if p, ok := nm.pages[nid]; ok {
		nm.pageMu.Unlock()
		return p, nil
	}
	nm.pageMu.Unlock()

	ni, err := nm.getNodeInfo(nid)
	if err != nil {
		return nil, err
	}
	switch ni.BlkAddr {
	case layout.NullAddr:
		return nil, fmt.Errorf("nid %d: %w", nid, common.ErrNotFound)
	case layout.NewAddr:
		// A pending node always has a cached page; reaching here means
		// the index is broken.
		return nil, fmt.Errorf("nid %d pending with no page: %w", nid, common.ErrCorrupted)
	}
	raw, err := nm.fs.dev.ReadBlock(ni.BlkAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to read node %d at %d: %w", nid, ni.BlkAddr, err)
	}

	nm.pageMu.Lock()
	defer nm.pageMu.Unlock()
	if p, ok := nm.pages[nid]; ok {
		return p, nil
	}
	p := &nodePage{nid: nid, data: layout.NodeBlock(raw)}
	nm.pages[nid] = p
	return p, nil
}

// newNodePage creates a fresh dirty node page whose physical placement is
// deferred: its NAT entry holds NewAddr until writeback.
func (nm *nodeManager) newNodePage(nid, ino, nodeOffset uint32, cold bool) *nodePage {
	blk := layout.NewNodeBlock()
	marks := uint32(0)
	if cold {
		marks |= layout.FooterCold
	}
	blk.SetFooter(layout.Footer{
		Nid:  nid,
		Ino:  ino,
		Flag: layout.MakeFlag(nodeOffset, marks),
	})
	p := &nodePage{nid: nid, data: blk, dirty: true}

	nm.pageMu.Lock()
	nm.pages[nid] = p
	nm.pageMu.Unlock()

	nm.setNAT(nid, ino, layout.NewAddr)
	nm.noteNidUsed(nid)
	return p
}

// markPageDirty flags a cached page for writeback.
func (nm *nodeManager) markPageDirty(nid uint32) {
	nm.pageMu.Lock()
	if p, ok := nm.pages[nid]; ok {
		p.dirty = true
	}
	nm.pageMu.Unlock()
}

// installPage replaces (or creates) the cached page for nid with the
// given content, dirty. Roll-forward recovery uses it to adopt fsynced
// node blocks.
func (nm *nodeManager) installPage(nid uint32, data layout.NodeBlock) *nodePage {
	p := &nodePage{nid: nid, data: data, dirty: true}
	nm.pageMu.Lock()
	nm.pages[nid] = p
	nm.pageMu.Unlock()
	return p
}

// nodeAllocType maps a node page to its write log: indirect (cold-marked)
// nodes go to the cold log, everything else to the warm-node log that
// roll-forward walks.
func nodeAllocType(p *nodePage) layout.AllocType {
	if p.data.Footer().Flag&layout.FooterCold != 0 {
		return layout.ColdNode
	}
	return layout.WarmNode
}

// writeNodePage places one page through the allocator, stamps the footer
// for roll-forward, writes it out, and repoints the NAT. marks adds
// footer bits (fsync/dentry) for this write only.
func (nm *nodeManager) writeNodePage(p *nodePage, marks uint32) error {
	fs := nm.fs
	ni, err := nm.getNodeInfo(p.nid)
	if err != nil {
		return err
	}

	addr, next, err := fs.sm.allocateBlock(nodeAllocType(p), layout.SummaryEntry{Nid: p.nid})
	if err != nil {
		return err
	}

	footer := p.data.Footer()
	footer.Flag = layout.MakeFlag(footer.NodeOffset(), footer.Flag&layout.FooterCold|marks)
	footer.CpVer = fs.cpVer.Load()
	footer.NextBlkaddr = next
	p.data.SetFooter(footer)

	if err := fs.dev.WriteBlock(addr, p.data); err != nil {
		// Node writeback failure loses committed state; latch the fatal
		// error like a checkpoint write failure.
		fs.setCpError(err)
		return fmt.Errorf("failed to write node %d: %w", p.nid, common.ErrCheckpointError)
	}
	if fs.isMainAddr(ni.BlkAddr) {
		if err := fs.sm.invalidateBlocks(ni.BlkAddr); err != nil {
			return err
		}
	}
	nm.setNAT(p.nid, footer.Ino, addr)
	p.dirty = false

	if traceEnabled {
		log.Debugf("[node] wrote nid=%d ino=%d addr=%d marks=0x%x", p.nid, footer.Ino, addr, marks)
	}
	return nil
}

// flushDirtyPages writes back every dirty page accepted by filter (nil
// accepts all) and returns how many were written. Non-inode pages go
// first, the owning inodes last, so an fsync mark on the inode seals a
// complete chain.
func (nm *nodeManager) flushDirtyPages(filter func(*nodePage) bool, marks uint32) (int, error) {
	nm.pageMu.Lock()
	var batch []*nodePage
	for _, p := range nm.pages {
		if p.dirty && (filter == nil || filter(p)) {
			batch = append(batch, p)
		}
	}
	nm.pageMu.Unlock()

	sort.Slice(batch, func(i, j int) bool {
		oi, oj := batch[i].data.Footer().NodeOffset(), batch[j].data.Footer().NodeOffset()
		if (oi == 0) != (oj == 0) {
			return oj == 0 // interior nodes before inodes
		}
		return batch[i].nid < batch[j].nid
	})

	for _, p := range batch {
		if err := nm.writeNodePage(p, marks); err != nil {
			return 0, err
		}
	}
	return len(batch), nil
}

// flushNAT persists dirty NAT entries for a checkpoint: into the pack
// journal while they fit, else written back to the NAT area. The writeback
// goes to the inactive copy of each touched table block; the returned
// bitmap names the copies the new checkpoint reads and must be installed
// with installNatBitmap only once that checkpoint commits, so a failed
// checkpoint never moves readers off the committed copies. No entry may
// still hold NewAddr here; the node flush that precedes this resolves
// every pending placement.
func (nm *nodeManager) flushNAT() ([]layout.NatJournalEntry, []byte, error) {
	nm.natMu.Lock()
	defer nm.natMu.Unlock()

	pending := make(map[uint32]struct{}, len(nm.natInJournal)+len(nm.natDirty))
	for nid := range nm.natInJournal {
		pending[nid] = struct{}{}
	}
	for nid := range nm.natDirty {
		pending[nid] = struct{}{}
	}
	nids := make([]uint32, 0, len(pending))
	for nid := range pending {
		if nm.nat[nid].BlkAddr == layout.NewAddr {
			return nil, nil, fmt.Errorf("nat entry %d still pending at checkpoint: %w", nid, common.ErrCorrupted)
		}
		nids = append(nids, nid)
	}
	sort.Slice(nids, func(i, j int) bool { return nids[i] < nids[j] })

	bitmap := layout.CloneBitmap(nm.natBitmap, layout.MetaBitmapBytes(nm.fs.sb.NatBlocks))

	if len(nids) <= layout.CpNatJournalBlocks*layout.NatJournalPerBlk {
		entries := make([]layout.NatJournalEntry, 0, len(nids))
		for _, nid := range nids {
			entries = append(entries, layout.NatJournalEntry{Nid: nid, Entry: nm.nat[nid]})
		}
		nm.natInJournal = pending
		nm.natDirty = make(map[uint32]struct{})
		return entries, bitmap, nil
	}

	byBlock := make(map[uint32][]uint32)
	for _, nid := range nids {
		blk, _ := layout.NatBlockIndex(nid)
		byBlock[blk] = append(byBlock[blk], nid)
	}
	for blk, members := range byBlock {
		raw, err := nm.fs.dev.ReadBlock(nm.fs.natBlockAddr(nm.natBitmap, blk))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read NAT block %d: %w", blk, err)
		}
		for _, nid := range members {
			_, slot := layout.NatBlockIndex(nid)
			layout.PutNatEntry(raw, slot, nm.nat[nid])
		}
		layout.FlipBit(bitmap, blk)
		if err := nm.fs.dev.WriteBlock(nm.fs.natBlockAddr(bitmap, blk), raw); err != nil {
			return nil, nil, fmt.Errorf("failed to write NAT block %d: %w", blk, err)
		}
	}
	nm.natInJournal = make(map[uint32]struct{})
	nm.natDirty = make(map[uint32]struct{})
	return nil, bitmap, nil
}

// installNatBitmap switches table reads to the copies a just-committed
// checkpoint wrote.
func (nm *nodeManager) installNatBitmap(bm []byte) {
	nm.natMu.Lock()
	nm.natBitmap = bm
	nm.natMu.Unlock()
}
