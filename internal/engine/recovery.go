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

// recover brings the volume from the last committed checkpoint to the
// last durable state: orphaned inodes are reclaimed, then the fsync log
// is rolled forward. Anything recovered is folded into a fresh checkpoint
// so a second crash replays nothing twice.
func (fs *FS) recover(header *layout.CpHeader) error {
	reclaimed, err := fs.recoverOrphans(header)
	if err != nil {
		return err
	}

	// The scan below self-terminates at the first node not stamped with
	// the committed checkpoint version, so it is safe to run even after a
	// clean unmount, and an fsync in the very first epoch after one must
	// not be skipped.
	replayed := 0
	if fs.opts.RollForward {
		replayed, err = fs.rollForward(header)
		if err != nil {
			return err
		}
	}

	if (reclaimed > 0 || replayed > 0) && !fs.opts.ReadOnly {
		log.Infof("[recovery] orphans=%d fsync_nodes=%d, folding checkpoint", reclaimed, replayed)
		return fs.writeCheckpoint(false, true)
	}
	return nil
}

// recoverOrphans frees every inode the last checkpoint recorded as
// unlinked-but-open. The crash dropped the open references, so the
// inodes are dead.
func (fs *FS) recoverOrphans(header *layout.CpHeader) (int, error) {
	if !header.HasFlag(layout.CpFlagOrphanPresent) {
		return 0, nil
	}
	raw, err := readPackRegion(fs, fs.cpPack, layout.CpOrphanOff, layout.CpOrphanBlocks)
	if err != nil {
		return 0, err
	}
	inos := layout.DecodeOrphanBlocks(raw)
	if uint32(len(inos)) != header.OrphanCount {
		return 0, fmt.Errorf("orphan blocks hold %d inodes, header says %d: %w",
			len(inos), header.OrphanCount, common.ErrCorrupted)
	}
	for _, ino := range inos {
		if err := fs.removeInode(ino); err != nil {
			return 0, fmt.Errorf("failed to reclaim orphan inode %d: %w", ino, err)
		}
	}
	return len(inos), nil
}

// fsyncEntry is one node block of the post-checkpoint fsync log.
type fsyncEntry struct {
	addr   uint32
	data   layout.NodeBlock
	footer layout.Footer
}

// rollForward replays the warm-node fsync chain. Phase one walks the
// whole chain read-only; phase two applies only fsync-marked nodes, so a
// torn tail never leaves a half-applied file behind.
func (fs *FS) rollForward(header *layout.CpHeader) (int, error) {
	warm := layout.WarmNode
	blkoff := uint32(header.CursegBlkoff[warm])
	if blkoff >= fs.sb.BlocksPerSeg() {
		// The checkpoint could not name the next log position; whatever
		// was fsynced after it is unreachable.
		log.Warnf("[recovery] warm-node log position unknown, skipping roll-forward")
		return 0, nil
	}
	start := fs.blockAddr(header.CursegSegno[warm], blkoff)

	chain, err := fs.scanFsyncLog(start, header.Version)
	if err != nil {
		return 0, err
	}
	if len(chain) == 0 {
		return 0, nil
	}

	replayed := 0
	for _, e := range chain {
		if !e.footer.HasFsync() {
			continue
		}
		if err := fs.replayFsyncNode(&e); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}

// scanFsyncLog follows footer NextBlkaddr pointers from the checkpointed
// log position, collecting every node stamped with the pre-crash
// checkpoint version. The first version mismatch, bad nid, or revisited
// address ends the log.
func (fs *FS) scanFsyncLog(start uint32, ver uint64) ([]fsyncEntry, error) {
	var chain []fsyncEntry
	visited := make(map[uint32]struct{})
	addr := start

	for fs.isMainAddr(addr) {
		if _, seen := visited[addr]; seen {
			break
		}
		visited[addr] = struct{}{}

		raw, err := fs.dev.ReadBlock(addr)
		if err != nil {
			return nil, fmt.Errorf("failed to read fsync log at %d: %w", addr, err)
		}
		blk := layout.NodeBlock(raw)
		f := blk.Footer()
		if f.CpVer != ver {
			break
		}
		if f.Nid == layout.NullNid || f.Nid >= fs.sb.MaxNid ||
			f.Ino == layout.NullNid || f.Ino >= fs.sb.MaxNid {
			break
		}
		chain = append(chain, fsyncEntry{addr: addr, data: blk, footer: f})
		addr = f.NextBlkaddr
	}

	if traceEnabled && len(chain) > 0 {
		log.Debugf("[recovery] fsync log: %d nodes from %d", len(chain), start)
	}
	return chain, nil
}

// replayFsyncNode applies one fsynced node. Data blocks the node points
// at are adopted in place: they survived the crash on the device, so the
// SIT is updated to cover them instead of copying. The node content
// itself is installed as a dirty page and reaches the device again
// through the folding checkpoint.
func (fs *FS) replayFsyncNode(e *fsyncEntry) error {
	f := e.footer
	old, err := fs.nm.getNodeInfo(f.Nid)
	if err != nil {
		return err
	}

	var oldData layout.NodeBlock
	if p, err := fs.nm.getNodePage(f.Nid); err == nil {
		oldData = p.data
	} else if !errors.Is(err, common.ErrNotFound) {
		return err
	}

	// Interior (cold) nodes never ride the warm chain; only inodes and
	// direct nodes carry data slots to reconcile.
	if f.Flag&layout.FooterCold == 0 {
		if err := fs.replayDataSlots(e, oldData); err != nil {
			return err
		}
	}

	fs.nm.installPage(f.Nid, e.data)
	if old.BlkAddr == layout.NullAddr {
		// Node born after the checkpoint.
		if err := fs.reserveBlocks(1); err != nil {
			return err
		}
		fs.incNodes(f.IsInode())
		fs.nm.noteNidUsed(f.Nid)
		fs.nm.setNAT(f.Nid, f.Ino, layout.NewAddr)
	} else {
		fs.nm.markPageDirty(f.Nid)
	}
	return nil
}

// replayDataSlots reconciles the data addresses of a replayed node with
// the checkpointed copy: blocks the fsync made reachable are adopted,
// blocks it dropped are invalidated.
func (fs *FS) replayDataSlots(e *fsyncEntry, oldData layout.NodeBlock) error {
	isInode := e.footer.IsInode()
	slots := layout.AddrsPerBlock
	if isInode {
		slots = layout.AddrsPerInode
	}
	slot := func(b layout.NodeBlock, i int) uint32 {
		if b == nil {
			return layout.NullAddr
		}
		if isInode {
			return b.IAddr(i)
		}
		return b.Slot(i)
	}

	for i := 0; i < slots; i++ {
		newA, oldA := slot(e.data, i), slot(oldData, i)
		if newA == oldA {
			continue
		}
		if fs.isMainAddr(newA) {
			if oldA == layout.NullAddr {
				if err := fs.reserveBlocks(1); err != nil {
					return err
				}
			}
			sum := layout.SummaryEntry{Nid: e.footer.Nid, OfsInNode: uint16(i)}
			if err := fs.sm.replaceBlock(newA, layout.WarmData, sum); err != nil {
				return err
			}
		}
		if fs.isMainAddr(oldA) {
			if err := fs.sm.invalidateBlocks(oldA); err != nil {
				return err
			}
			if !fs.isMainAddr(newA) {
				fs.releaseBlocks(1)
			}
		}
	}
	return nil
}
