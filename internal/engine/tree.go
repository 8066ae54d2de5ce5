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

	"flashfs/internal/common"
	"flashfs/internal/layout"
)

// File index geometry. An inode addresses its first blocks directly, then
// through two direct nodes, two indirect nodes, and one double-indirect
// node held in its five nid slots.
const (
	dirSlots   = uint64(layout.AddrsPerInode) // data slots in the inode
	dnodeSlots = uint64(layout.AddrsPerBlock) // data slots in a direct node
	nidSlots   = uint64(layout.NidsPerBlock)  // nid slots in an indirect node

	indSpan  = dnodeSlots * nidSlots // blocks under one indirect node
	dindSpan = indSpan * nidSlots    // blocks under the double-indirect node

	maxFileBlocks = dirSlots + 2*dnodeSlots + 2*indSpan + dindSpan
)

// maxNodePath is the deepest lookup chain: inode, double-indirect,
// indirect, direct node.
const maxNodePath = 4

// nodePath describes how to reach the block at one file offset: the
// number of node hops below the inode, the slot to follow at each hop,
// and the node offset (for the footer) of each node on the way.
type nodePath struct {
	level   int
	idx     [maxNodePath]uint32
	noffset [maxNodePath]uint32
}

// resolvePath maps a file block offset to its lookup path. Node offsets
// follow a fixed numbering so every node block in a file has a stable
// identity: 0 is the inode, 1 and 2 the direct nodes, then the indirect
// subtrees in file order.
func resolvePath(offset uint64) (nodePath, error) {
	var p nodePath
	block := offset

	if block < dirSlots {
		p.level = 0
		p.idx[0] = uint32(block)
		return p, nil
	}
	block -= dirSlots

	for slot := 0; slot < 2; slot++ {
		if block < dnodeSlots {
			p.level = 1
			p.idx[0] = uint32(slot)
			p.idx[1] = uint32(block)
			p.noffset[1] = uint32(1 + slot)
			return p, nil
		}
		block -= dnodeSlots
	}

	for slot := 2; slot < 4; slot++ {
		if block < indSpan {
			p.level = 2
			p.idx[0] = uint32(slot)
			p.idx[1] = uint32(block / dnodeSlots)
			p.idx[2] = uint32(block % dnodeSlots)
			if slot == 2 {
				p.noffset[1] = 3
				p.noffset[2] = uint32(4 + block/dnodeSlots)
			} else {
				p.noffset[1] = uint32(4 + nidSlots)
				p.noffset[2] = uint32(5+nidSlots) + uint32(block/dnodeSlots)
			}
			return p, nil
		}
		block -= indSpan
	}

	if block < dindSpan {
		p.level = 3
		p.idx[0] = 4
		p.idx[1] = uint32(block / indSpan)
		rem := block % indSpan
		p.idx[2] = uint32(rem / dnodeSlots)
		p.idx[3] = uint32(rem % dnodeSlots)
		base := uint32(5 + 2*nidSlots)
		p.noffset[1] = base
		p.noffset[2] = base + 1 + p.idx[1]*uint32(nidSlots+1)
		p.noffset[3] = p.noffset[2] + 1 + p.idx[2]
		return p, nil
	}

	return p, fmt.Errorf("file offset %d beyond index capacity %d: %w",
		offset, maxFileBlocks, common.ErrOutOfRange)
}

// dnode is a resolved data-block slot: the node page holding the slot
// and where in it the address lives.
type dnode struct {
	inode     *nodePage
	page      *nodePage // equals inode when the slot is a direct inode slot
	nid       uint32
	ofsInNode uint32
}

// addr reads the data block address in the slot.
func (d *dnode) addr() uint32 {
	if d.page == d.inode {
		return d.page.data.IAddr(int(d.ofsInNode))
	}
	return d.page.data.Slot(int(d.ofsInNode))
}

// setAddr writes the data block address and dirties the node.
func (d *dnode) setAddr(fs *FS, a uint32) {
	if d.page == d.inode {
		d.page.data.SetIAddr(int(d.ofsInNode), a)
	} else {
		d.page.data.SetSlot(int(d.ofsInNode), a)
	}
	fs.nm.markPageDirty(d.nid)
}

// getDnode walks the node tree of ino to the slot for the given file
// block offset. With create set, missing interior nodes are allocated on
// the way down; without it a hole returns ErrNotFound.
func (fs *FS) getDnode(ino uint32, offset uint64, create bool) (*dnode, error) {
	path, err := resolvePath(offset)
	if err != nil {
		return nil, err
	}
	ipage, err := fs.nm.getNodePage(ino)
	if err != nil {
		return nil, err
	}
	if path.level == 0 {
		return &dnode{inode: ipage, page: ipage, nid: ino, ofsInNode: path.idx[0]}, nil
	}

	parent := ipage
	var nid uint32
	for depth := 1; depth <= path.level; depth++ {
		if parent == ipage {
			nid = parent.data.INid(int(path.idx[0]))
		} else {
			nid = parent.data.Slot(int(path.idx[depth-1]))
		}
		if nid == layout.NullNid {
			if !create {
				return nil, fmt.Errorf("hole at offset %d: %w", offset, common.ErrNotFound)
			}
			// Indirect levels go to the cold node log; the leaf direct
			// node stays warm for roll-forward.
			cold := depth < path.level
			nid, err = fs.allocTreeNode(parent, ipage, path, depth, cold)
			if err != nil {
				return nil, err
			}
		}
		page, err := fs.nm.getNodePage(nid)
		if err != nil {
			return nil, err
		}
		parent = page
	}
	return &dnode{inode: ipage, page: parent, nid: nid, ofsInNode: path.idx[path.level]}, nil
}

// allocTreeNode creates one interior node at the given depth of a lookup
// path and links it into its parent.
func (fs *FS) allocTreeNode(parent, ipage *nodePage, path nodePath, depth int, cold bool) (uint32, error) {
	if err := fs.reserveBlocks(1); err != nil {
		return 0, err
	}
	nid, err := fs.nm.allocNid()
	if err != nil {
		fs.releaseBlocks(1)
		return 0, err
	}
	fs.nm.newNodePage(nid, ipage.nid, path.noffset[depth], cold)
	fs.nm.allocNidDone(nid)

	if parent == ipage {
		parent.data.SetINid(int(path.idx[0]), nid)
	} else {
		parent.data.SetSlot(int(path.idx[depth-1]), nid)
	}
	fs.nm.markPageDirty(parent.nid)
	fs.incNodes(false)
	if cold {
		// Indirect nodes live outside the warm-node log, so roll-forward
		// cannot replay them; the next fsync must checkpoint instead.
		fs.SetNeedCheckpoint()
	}
	return nid, nil
}

// --- truncation ---

// subtreeSpan returns the file blocks covered by a node subtree: depth 0
// is a direct node, each further depth multiplies by the nid fan-out.
func subtreeSpan(depth int) uint64 {
	span := dnodeSlots
	for i := 0; i < depth; i++ {
		span *= nidSlots
	}
	return span
}

// freeTreeNode invalidates a node's block, returns its nid, and releases
// its logical reservation.
func (fs *FS) freeTreeNode(nid uint32) error {
	ni, err := fs.nm.getNodeInfo(nid)
	if err != nil {
		return err
	}
	if fs.isMainAddr(ni.BlkAddr) {
		if err := fs.sm.invalidateBlocks(ni.BlkAddr); err != nil {
			return err
		}
	}
	fs.nm.freeNid(nid)
	fs.releaseBlocks(1)
	fs.decNodes(false)
	return nil
}

// freeDataSlots clears data addresses [from, to) of a node page and
// returns how many real blocks were freed.
func (fs *FS) freeDataSlots(p *nodePage, inodeSlots bool, from, to int) (uint64, error) {
	var freed uint64
	for i := from; i < to; i++ {
		var a uint32
		if inodeSlots {
			a = p.data.IAddr(i)
		} else {
			a = p.data.Slot(i)
		}
		if a == layout.NullAddr {
			continue
		}
		if err := fs.sm.invalidateBlocks(a); err != nil {
			return freed, err
		}
		if inodeSlots {
			p.data.SetIAddr(i, layout.NullAddr)
		} else {
			p.data.SetSlot(i, layout.NullAddr)
		}
		freed++
	}
	if freed > 0 {
		fs.nm.markPageDirty(p.nid)
	}
	return freed, nil
}

// truncateSubtree frees every data block and node under nid, including
// nid itself. An unreadable interior node is a hard error: its children
// would leak as unreachable valid blocks.
func (fs *FS) truncateSubtree(nid uint32, depth int) (uint64, error) {
	page, err := fs.nm.getNodePage(nid)
	if err != nil {
		return 0, fmt.Errorf("truncate: node %d unreadable: %w", nid, err)
	}
	var freed uint64
	if depth == 0 {
		freed, err = fs.freeDataSlots(page, false, 0, int(dnodeSlots))
		if err != nil {
			return freed, err
		}
	} else {
		for i := 0; i < int(nidSlots); i++ {
			child := page.data.Slot(i)
			if child == layout.NullNid {
				continue
			}
			n, err := fs.truncateSubtree(child, depth-1)
			freed += n
			if err != nil {
				return freed, err
			}
			page.data.SetSlot(i, layout.NullNid)
		}
	}
	if err := fs.freeTreeNode(nid); err != nil {
		return freed, err
	}
	return freed, nil
}

// truncatePartial frees the tail of a subtree: every data block at or
// after the subtree-relative offset rel. It reports whether the subtree
// came out empty (and was freed).
func (fs *FS) truncatePartial(nid uint32, depth int, rel uint64) (uint64, bool, error) {
	if rel == 0 {
		freed, err := fs.truncateSubtree(nid, depth)
		return freed, err == nil, err
	}
	page, err := fs.nm.getNodePage(nid)
	if err != nil {
		return 0, false, fmt.Errorf("truncate: node %d unreadable: %w", nid, err)
	}
	if depth == 0 {
		freed, err := fs.freeDataSlots(page, false, int(rel), int(dnodeSlots))
		return freed, false, err
	}

	childSpan := subtreeSpan(depth - 1)
	start := rel / childSpan
	childRel := rel % childSpan
	var freed uint64
	for i := start; i < nidSlots; i++ {
		child := page.data.Slot(int(i))
		if child == layout.NullNid {
			childRel = 0
			continue
		}
		if i == start && childRel > 0 {
			n, empty, err := fs.truncatePartial(child, depth-1, childRel)
			freed += n
			if err != nil {
				return freed, false, err
			}
			if empty {
				page.data.SetSlot(int(i), layout.NullNid)
				fs.nm.markPageDirty(nid)
			}
			childRel = 0
			continue
		}
		n, err := fs.truncateSubtree(child, depth-1)
		freed += n
		if err != nil {
			return freed, false, err
		}
		page.data.SetSlot(int(i), layout.NullNid)
		fs.nm.markPageDirty(nid)
	}
	return freed, false, nil
}

// inodeRegion describes one region of the file index hanging off an
// inode nid slot.
type inodeRegion struct {
	slot  int
	depth int
	base  uint64
	span  uint64
}

func inodeRegions() [layout.InodeNidSlots]inodeRegion {
	var rs [layout.InodeNidSlots]inodeRegion
	base := dirSlots
	spans := [layout.InodeNidSlots]struct {
		depth int
		span  uint64
	}{
		{0, dnodeSlots}, {0, dnodeSlots}, {1, indSpan}, {1, indSpan}, {2, dindSpan},
	}
	for i := range rs {
		rs[i] = inodeRegion{slot: i, depth: spans[i].depth, base: base, span: spans[i].span}
		base += spans[i].span
	}
	return rs
}

// TruncateInodeBlocks frees every data block of ino at or after the file
// block offset from, along with node blocks emptied on the way. The freed
// space stays unreclaimable until the next checkpoint retires it.
func (fs *FS) TruncateInodeBlocks(ino uint32, from uint64) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	fs.opMu.RLock()
	defer fs.opMu.RUnlock()
	return fs.truncateBlocks(ino, from)
}

// truncateBlocks is TruncateInodeBlocks with the mutation gate already
// held.
func (fs *FS) truncateBlocks(ino uint32, from uint64) error {
	ipage, err := fs.nm.getNodePage(ino)
	if err != nil {
		return err
	}
	if !ipage.data.Footer().IsInode() {
		return fmt.Errorf("nid %d is not an inode: %w", ino, common.ErrCorrupted)
	}

	var freed uint64
	if from < dirSlots {
		n, err := fs.freeDataSlots(ipage, true, int(from), int(dirSlots))
		freed += n
		if err != nil {
			return fs.finishTruncate(ipage, freed, err)
		}
	}
	for _, r := range inodeRegions() {
		nid := ipage.data.INid(r.slot)
		if nid == layout.NullNid || from >= r.base+r.span {
			continue
		}
		if from <= r.base {
			n, err := fs.truncateSubtree(nid, r.depth)
			freed += n
			if err != nil {
				return fs.finishTruncate(ipage, freed, err)
			}
			ipage.data.SetINid(r.slot, layout.NullNid)
			fs.nm.markPageDirty(ino)
			continue
		}
		n, empty, err := fs.truncatePartial(nid, r.depth, from-r.base)
		freed += n
		if err != nil {
			return fs.finishTruncate(ipage, freed, err)
		}
		if empty {
			ipage.data.SetINid(r.slot, layout.NullNid)
			fs.nm.markPageDirty(ino)
		}
	}
	return fs.finishTruncate(ipage, freed, nil)
}

// finishTruncate settles accounting for blocks actually freed, even when
// the walk stopped early on an error.
func (fs *FS) finishTruncate(ipage *nodePage, freed uint64, walkErr error) error {
	if freed > 0 {
		fs.releaseBlocks(freed)
		if b := ipage.data.Blocks(); b >= freed {
			ipage.data.SetBlocks(b - freed)
		} else {
			ipage.data.SetBlocks(0)
		}
		fs.nm.markPageDirty(ipage.nid)
		fs.SetNeedCheckpoint()
	}
	return walkErr
}
