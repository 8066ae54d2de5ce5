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
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"flashfs/internal/common"
	"flashfs/internal/layout"
)

// NewInode allocates a fresh inode with link count 1 and returns its nid.
// The inode page is created dirty; it reaches the device on the next
// fsync or checkpoint.
func (fs *FS) NewInode() (uint32, error) {
	if err := fs.checkWritable(); err != nil {
		return 0, err
	}
	fs.opMu.RLock()
	defer fs.opMu.RUnlock()

	if err := fs.reserveBlocks(1); err != nil {
		return 0, err
	}
	nid, err := fs.nm.allocNid()
	if err != nil {
		fs.releaseBlocks(1)
		return 0, err
	}
	p := fs.nm.newNodePage(nid, nid, 0, false)
	p.data.SetLinks(1)
	p.data.SetBlocks(1) // the inode block itself
	fs.nm.allocNidDone(nid)
	fs.incNodes(true)

	if traceEnabled {
		log.Debugf("[file] new inode nid=%d", nid)
	}
	return nid, nil
}

// WriteDataBlock writes one block of file data at the given file block
// offset. The write is always out of place: a new block is allocated,
// the old one (if any) invalidated, and the owning node repointed. The
// node update itself stays in memory until fsync or checkpoint.
func (fs *FS) WriteDataBlock(ino uint32, offset uint64, data []byte) error {
	if len(data) != layout.BlockSize {
		return fmt.Errorf("data must be exactly %d bytes, got %d: %w",
			layout.BlockSize, len(data), common.ErrOutOfRange)
	}
	if err := fs.checkWritable(); err != nil {
		return err
	}
	fs.opMu.RLock()
	defer fs.opMu.RUnlock()

	d, err := fs.getDnode(ino, offset, true)
	if err != nil {
		return err
	}
	old := d.addr()
	if old == layout.NullAddr {
		if err := fs.reserveBlocks(1); err != nil {
			return err
		}
	}

	addr, _, err := fs.sm.allocateBlock(layout.WarmData,
		layout.SummaryEntry{Nid: d.nid, OfsInNode: uint16(d.ofsInNode)})
	if err != nil {
		if old == layout.NullAddr {
			fs.releaseBlocks(1)
		}
		return err
	}
	if err := fs.dev.WriteBlock(addr, data); err != nil {
		// Undo the claim; the slot still points at the old block.
		if ierr := fs.sm.invalidateBlocks(addr); ierr != nil {
			fs.setCpError(ierr)
		}
		if old == layout.NullAddr {
			fs.releaseBlocks(1)
		}
		return fmt.Errorf("failed to write data block: %v: %w", err, common.ErrIO)
	}

	if fs.isMainAddr(old) {
		if err := fs.sm.invalidateBlocks(old); err != nil {
			return err
		}
	}
	d.setAddr(fs, addr)

	if old == layout.NullAddr {
		d.inode.data.SetBlocks(d.inode.data.Blocks() + 1)
		fs.nm.markPageDirty(ino)
	}
	if end := (offset + 1) * layout.BlockSize; end > d.inode.data.Size() {
		d.inode.data.SetSize(end)
		fs.nm.markPageDirty(ino)
	}
	return nil
}

// ReadDataBlock reads one block of file data. A hole reads as zeros.
func (fs *FS) ReadDataBlock(ino uint32, offset uint64) ([]byte, error) {
	fs.opMu.RLock()
	defer fs.opMu.RUnlock()

	d, err := fs.getDnode(ino, offset, false)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return make([]byte, layout.BlockSize), nil
		}
		return nil, err
	}
	addr := d.addr()
	if addr == layout.NullAddr {
		return make([]byte, layout.BlockSize), nil
	}
	if !fs.sm.isValidAddr(addr) {
		return nil, fmt.Errorf("ino %d offset %d points at invalid block %d: %w",
			ino, offset, addr, common.ErrCorrupted)
	}
	return fs.dev.ReadBlock(addr)
}

// InodeSize returns the byte size recorded in the inode.
func (fs *FS) InodeSize(ino uint32) (uint64, error) {
	p, err := fs.nm.getNodePage(ino)
	if err != nil {
		return 0, err
	}
	return p.data.Size(), nil
}

// MarkInodeDirty flags the inode page for writeback.
func (fs *FS) MarkInodeDirty(ino uint32) { fs.nm.markPageDirty(ino) }

// LinkInode bumps the inode link count.
func (fs *FS) LinkInode(ino uint32) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	fs.opMu.RLock()
	defer fs.opMu.RUnlock()

	p, err := fs.nm.getNodePage(ino)
	if err != nil {
		return err
	}
	p.data.SetLinks(p.data.Links() + 1)
	fs.nm.markPageDirty(ino)
	fs.SetNeedCheckpoint()
	return nil
}

// UnlinkInode drops one link. When the count reaches zero the inode is
// either reclaimed immediately or, if still referenced by an open handle,
// parked on the orphan list so a crash cannot leak its blocks.
func (fs *FS) UnlinkInode(ino uint32, stillReferenced bool) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	fs.opMu.RLock()

	p, err := fs.nm.getNodePage(ino)
	if err != nil {
		fs.opMu.RUnlock()
		return err
	}
	links := p.data.Links()
	if links == 0 {
		fs.opMu.RUnlock()
		return fmt.Errorf("unlink of inode %d with zero links: %w", ino, common.ErrCorrupted)
	}
	p.data.SetLinks(links - 1)
	fs.nm.markPageDirty(ino)
	fs.SetNeedCheckpoint()

	if links > 1 {
		fs.opMu.RUnlock()
		return nil
	}

	if stillReferenced {
		err := fs.addOrphan(ino)
		fs.opMu.RUnlock()
		if err != nil {
			// Orphan slots free up once a checkpoint reclaims closed ones.
			if cpErr := fs.writeCheckpoint(false, true); cpErr != nil {
				return cpErr
			}
			return fs.addOrphan(ino)
		}
		return nil
	}

	err = fs.removeInode(ino)
	fs.opMu.RUnlock()
	return err
}

// ReleaseInode is called when the last open reference to an inode goes
// away. An orphaned inode is reclaimed on the spot.
func (fs *FS) ReleaseInode(ino uint32) error {
	fs.orphanMu.Lock()
	_, orphaned := fs.orphans[ino]
	fs.orphanMu.Unlock()
	if !orphaned {
		return nil
	}
	if err := fs.checkWritable(); err != nil {
		return err
	}
	fs.opMu.RLock()
	err := fs.removeInode(ino)
	fs.opMu.RUnlock()
	if err != nil {
		return err
	}
	fs.removeOrphan(ino)
	return nil
}

// removeInode frees everything an inode owns, then the inode itself.
// Caller holds the mutation gate.
func (fs *FS) removeInode(ino uint32) error {
	if err := fs.truncateBlocks(ino, 0); err != nil {
		return err
	}
	ni, err := fs.nm.getNodeInfo(ino)
	if err != nil {
		return err
	}
	if fs.isMainAddr(ni.BlkAddr) {
		if err := fs.sm.invalidateBlocks(ni.BlkAddr); err != nil {
			return err
		}
	}
	fs.nm.freeNid(ino)
	fs.releaseBlocks(1)
	fs.decNodes(true)

	if traceEnabled {
		log.Debugf("[file] removed inode nid=%d", ino)
	}
	return nil
}

// SyncFile makes an inode's writes durable. The fast path writes only the
// file's dirty node pages, fsync-marked so roll-forward can replay them
// after a crash; when structural changes are pending it falls back to a
// full checkpoint.
func (fs *FS) SyncFile(ino uint32) error {
	if err := fs.checkWritable(); err != nil {
		return err
	}
	if fs.NeedCheckpoint() {
		return fs.writeCheckpoint(false, true)
	}

	fs.opMu.RLock()
	defer fs.opMu.RUnlock()

	n, err := fs.nm.flushDirtyPages(func(p *nodePage) bool {
		return p.data.Footer().Ino == ino
	}, layout.FooterFsync)
	if err != nil {
		return err
	}
	if err := fs.dev.Sync(); err != nil {
		fs.setCpError(err)
		return fmt.Errorf("fsync failed: %v: %w", err, common.ErrCheckpointError)
	}
	if traceEnabled {
		log.Debugf("[file] fsync ino=%d nodes=%d cp_ver=%d", ino, n, fs.cpVer.Load())
	}
	return nil
}
