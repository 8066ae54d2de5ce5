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

// Package engine implements the crash-consistency and space-management
// core of flashfs: segment allocation (SIT), node addressing (NAT), the
// two-pack checkpoint protocol, garbage collection, and mount-time
// recovery (orphan reclamation and fsync roll-forward).
package engine

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"flashfs/internal/common"
	"flashfs/internal/dev"
	"flashfs/internal/layout"
)

// traceEnabled gates per-operation debug logging.
// Set via FLASHFS_TRACE=1 at startup.
var traceEnabled = os.Getenv("FLASHFS_TRACE") == "1"

// FS is a mounted flashfs volume.
type FS struct {
	dev  dev.Device
	sb   *layout.Superblock
	opts MountOptions

	// cpMu serializes checkpoint execution; callers needing a checkpoint
	// block behind any in-progress one. opMu is the mutation gate:
	// mutators hold it shared, a running checkpoint holds it exclusive so
	// the tables it freezes cannot move under it.
	cpMu    sync.Mutex
	opMu    sync.RWMutex
	cpVer   atomic.Uint64
	cpPack  int // pack index (0/1) holding the latest committed checkpoint
	cpError atomic.Bool
	needCp  atomic.Bool

	// statMu guards the logical space accounting. validBlocks moves on
	// reserve/release (logical allocation), not on physical placement.
	statMu      sync.Mutex
	validBlocks uint64
	validNodes  uint32
	validInodes uint32

	sm *segmentManager
	nm *nodeManager
	gc *gcManager

	orphanMu sync.Mutex
	orphans  map[uint32]struct{}
}

// Mount opens the volume on d, validates the checkpoint packs, runs the
// recovery engine, and returns a ready filesystem.
func Mount(d dev.Device, opts MountOptions) (*FS, error) {
	raw, err := d.ReadBlock(layout.SuperblockAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to read superblock: %w", err)
	}
	sb, err := layout.DecodeSuperblock(raw)
	if err != nil {
		return nil, err
	}
	if sb.TotalBlocks > d.BlockCount() {
		return nil, fmt.Errorf("superblock claims %d blocks, device has %d: %w",
			sb.TotalBlocks, d.BlockCount(), common.ErrCorrupted)
	}

	fs := &FS{
		dev:     d,
		sb:      sb,
		opts:    opts,
		orphans: make(map[uint32]struct{}),
	}

	header, pack, err := fs.loadCheckpoint()
	if err != nil {
		return nil, err
	}
	fs.cpPack = pack
	fs.cpVer.Store(header.Version)
	fs.validBlocks = header.ValidBlockCount
	fs.validNodes = header.ValidNodeCount
	fs.validInodes = header.ValidInodeCount

	fs.sm = newSegmentManager(fs)
	if err := fs.sm.load(header, pack); err != nil {
		return nil, err
	}
	fs.nm = newNodeManager(fs)
	if err := fs.nm.load(header, pack); err != nil {
		return nil, err
	}
	fs.gc = newGCManager(fs)

	log.Infof("[flashfs] mount: uuid=%s cp_ver=%d free_segs=%d valid_blocks=%d",
		sb.UUID, header.Version, fs.sm.freeSegCount(), header.ValidBlockCount)

	if err := fs.recover(header); err != nil {
		return nil, err
	}

	if fs.opts.BackgroundGC && !fs.opts.ReadOnly {
		fs.gc.startBackground()
	}
	return fs, nil
}

// Unmount writes a final checkpoint (unless read-only or in the error
// state) and releases the device.
func (fs *FS) Unmount() error {
	fs.gc.stopBackground()

	var cpErr error
	if !fs.opts.ReadOnly && !fs.cpError.Load() {
		cpErr = fs.writeCheckpoint(true, true)
	}
	if err := fs.dev.Close(); err != nil && cpErr == nil {
		cpErr = err
	}
	log.Infof("[flashfs] unmount: cp_ver=%d err=%v", fs.cpVer.Load(), cpErr)
	return cpErr
}

// CheckpointVersion returns the version of the latest committed checkpoint.
func (fs *FS) CheckpointVersion() uint64 { return fs.cpVer.Load() }

// Stats is a point-in-time snapshot of space accounting.
type Stats struct {
	ValidBlocks  uint64
	ValidNodes   uint32
	ValidInodes  uint32
	FreeSegments uint32
	FreeSections uint32
	Capacity     uint64
}

// GetStats returns current space accounting.
func (fs *FS) GetStats() Stats {
	fs.statMu.Lock()
	s := Stats{
		ValidBlocks: fs.validBlocks,
		ValidNodes:  fs.validNodes,
		ValidInodes: fs.validInodes,
		Capacity:    fs.capacityBlocks(),
	}
	fs.statMu.Unlock()
	s.FreeSegments = fs.sm.freeSegCount()
	s.FreeSections = fs.sm.freeSecCount()
	return s
}

// NeedCheckpoint reports whether a checkpoint should run soon: a
// structural change demanded one, orphans must be persisted, prefree
// segments are piling up, or free space is critically low.
func (fs *FS) NeedCheckpoint() bool {
	if fs.needCp.Load() {
		return true
	}
	fs.orphanMu.Lock()
	nOrphans := len(fs.orphans)
	fs.orphanMu.Unlock()
	if nOrphans > 0 {
		return true
	}
	if fs.sm.prefreeCount() > fs.sb.SegsPerSec {
		return true
	}
	return fs.sm.freeSecCount() <= fs.opts.LowFreeSections
}

// SetNeedCheckpoint flags a structural change that must not rely on the
// fsync fast path.
func (fs *FS) SetNeedCheckpoint() { fs.needCp.Store(true) }

// checkWritable fails fast when mutation is not allowed.
func (fs *FS) checkWritable() error {
	if fs.opts.ReadOnly {
		return common.ErrReadOnly
	}
	if fs.cpError.Load() {
		return common.ErrCheckpointError
	}
	return nil
}

// setCpError latches the fatal checkpoint-error state. Every later
// mutation fails with ErrCheckpointError until remount.
func (fs *FS) setCpError(cause error) {
	if fs.cpError.CompareAndSwap(false, true) {
		log.Errorf("[flashfs] entering checkpoint-error state: %v", cause)
	}
}

// --- logical space accounting ---

// capacityBlocks is the logical block budget: the main area minus the
// segments reserved for the write heads and GC headroom.
func (fs *FS) capacityBlocks() uint64 {
	reserved := uint64(layout.NrCursegs+2*fs.sb.SegsPerSec) * uint64(fs.sb.BlocksPerSeg())
	total := uint64(fs.sb.MainBlocks())
	if reserved >= total {
		return 0
	}
	return total - reserved
}

// reserveBlocks claims n logical blocks, failing with ErrNoSpace when the
// budget is exhausted.
func (fs *FS) reserveBlocks(n uint64) error {
	fs.statMu.Lock()
	defer fs.statMu.Unlock()
	if fs.validBlocks+n > fs.capacityBlocks() {
		return common.ErrNoSpace
	}
	fs.validBlocks += n
	return nil
}

// releaseBlocks returns n logical blocks to the budget.
func (fs *FS) releaseBlocks(n uint64) {
	fs.statMu.Lock()
	if fs.validBlocks < n {
		// Accounting underflow signals a bug, not media corruption.
		log.Errorf("[flashfs] valid block accounting underflow: %d - %d", fs.validBlocks, n)
		fs.validBlocks = 0
	} else {
		fs.validBlocks -= n
	}
	fs.statMu.Unlock()
}

func (fs *FS) incNodes(inode bool) {
	fs.statMu.Lock()
	fs.validNodes++
	if inode {
		fs.validInodes++
	}
	fs.statMu.Unlock()
}

func (fs *FS) decNodes(inode bool) {
	fs.statMu.Lock()
	if fs.validNodes > 0 {
		fs.validNodes--
	}
	if inode && fs.validInodes > 0 {
		fs.validInodes--
	}
	fs.statMu.Unlock()
}

// --- address helpers ---

// blockAddr converts (segment, offset) to a device block address.
func (fs *FS) blockAddr(segno, off uint32) uint32 {
	return fs.sb.MainBlkaddr + segno*fs.sb.BlocksPerSeg() + off
}

// segNo returns the main-area segment holding addr.
func (fs *FS) segNo(addr uint32) uint32 {
	return (addr - fs.sb.MainBlkaddr) / fs.sb.BlocksPerSeg()
}

// segOff returns addr's block offset within its segment.
func (fs *FS) segOff(addr uint32) uint32 {
	return (addr - fs.sb.MainBlkaddr) % fs.sb.BlocksPerSeg()
}

// secNo returns the section of a segment.
func (fs *FS) secNo(segno uint32) uint32 { return segno / fs.sb.SegsPerSec }

// sitBlockAddr returns the device address of SIT table block blk in the
// copy the bitmap selects.
func (fs *FS) sitBlockAddr(bm []byte, blk uint32) uint32 {
	addr := fs.sb.SitBlkaddr + blk
	if layout.TestBit(bm, blk) {
		addr += fs.sb.SitBlocks
	}
	return addr
}

// natBlockAddr returns the device address of NAT table block blk in the
// copy the bitmap selects.
func (fs *FS) natBlockAddr(bm []byte, blk uint32) uint32 {
	addr := fs.sb.NatBlkaddr + blk
	if layout.TestBit(bm, blk) {
		addr += fs.sb.NatBlocks
	}
	return addr
}

// isMainAddr reports whether addr is a real main-area block address.
func (fs *FS) isMainAddr(addr uint32) bool {
	return addr >= fs.sb.MainBlkaddr &&
		addr < fs.sb.MainBlkaddr+fs.sb.MainBlocks() &&
		addr != layout.NewAddr
}
