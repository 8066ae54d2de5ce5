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
	"math"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"flashfs/internal/common"
	"flashfs/internal/layout"
)

// Victim policy names accepted in MountOptions.Policy.
const (
	PolicyGreedy      = "greedy"
	PolicyCostBenefit = "cost-benefit"
)

// defaultGCInterval paces the background reclaim loop when MountOptions
// leave GCInterval unset.
const defaultGCInterval = 10 * time.Second

// VictimPolicy scores candidate sections for garbage collection. Lower
// cost wins.
type VictimPolicy interface {
	Name() string
	// Cost scores a section from its aggregate valid-block count, its
	// oldest segment mtime, the section capacity in blocks, and the
	// current time.
	Cost(validBlocks, capacity uint32, mtime, now uint64) uint64
}

// greedyPolicy picks the section with the fewest valid blocks. Cheapest
// to migrate now; blind to how hot the data is.
type greedyPolicy struct{}

func (greedyPolicy) Name() string { return PolicyGreedy }

func (greedyPolicy) Cost(validBlocks, _ uint32, _, _ uint64) uint64 {
	return uint64(validBlocks)
}

// costBenefitPolicy weighs reclaimable space against migration cost and
// favors sections that have been cold for a long time.
type costBenefitPolicy struct{}

func (costBenefitPolicy) Name() string { return PolicyCostBenefit }

func (costBenefitPolicy) Cost(validBlocks, capacity uint32, mtime, now uint64) uint64 {
	u := uint64(validBlocks) * 100 / uint64(capacity)
	var age uint64
	if now > mtime {
		age = now - mtime
	}
	benefit := age * (100 - u) / (2*u + 1)
	return math.MaxUint64 - benefit
}

func policyByName(name string) VictimPolicy {
	if name == PolicyCostBenefit {
		return costBenefitPolicy{}
	}
	return greedyPolicy{}
}

// gcManager reclaims sections by migrating their live blocks to the cold
// logs and checkpointing the source sections into prefree.
type gcManager struct {
	fs     *FS
	policy VictimPolicy

	// gcMu serializes reclaim runs, foreground and background alike.
	gcMu sync.Mutex

	claimMu sync.Mutex
	claimed map[uint32]struct{} // sections mid-migration this run

	bgMu   sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

func newGCManager(fs *FS) *gcManager {
	return &gcManager{
		fs:      fs,
		policy:  policyByName(fs.opts.Policy),
		claimed: make(map[uint32]struct{}),
	}
}

// GC reclaims sections until at least target sections are free, running
// a checkpoint after each migrated victim so its segments actually
// return to the free list. It returns how many sections were collected;
// ErrNoVictim means nothing reclaimable remained before reaching target.
func (fs *FS) GC(target uint32) (int, error) {
	return fs.gc.run(target)
}

func (gc *gcManager) run(target uint32) (int, error) {
	fs := gc.fs
	if err := fs.checkWritable(); err != nil {
		return 0, err
	}
	gc.gcMu.Lock()
	defer gc.gcMu.Unlock()

	collected := 0
	for fs.sm.freeSecCount() < target {
		sec, err := gc.selectVictim()
		if err != nil {
			return collected, err
		}
		gc.claim(sec)
		fs.opMu.RLock()
		err = gc.collectSection(sec)
		fs.opMu.RUnlock()
		if err != nil {
			gc.unclaim(sec)
			return collected, err
		}
		// The victim's segments are prefree now; only a checkpoint turns
		// them back into free space.
		if err := fs.writeCheckpoint(false, true); err != nil {
			gc.unclaim(sec)
			return collected, err
		}
		gc.unclaim(sec)
		collected++
		if traceEnabled {
			log.Debugf("[gc] collected section %d (%s), free_secs=%d",
				sec, gc.policy.Name(), fs.sm.freeSecCount())
		}
	}
	return collected, nil
}

// selectVictim scores every eligible dirty section and returns the
// cheapest. Sections hosting a write log, claimed by this run, or with
// nothing reclaimable are skipped.
func (gc *gcManager) selectVictim() (uint32, error) {
	fs := gc.fs
	bps := fs.sb.BlocksPerSeg()
	capacity := bps * fs.sb.SegsPerSec
	now := uint64(time.Now().Unix())

	bestCost := uint64(math.MaxUint64)
	bestSec := uint32(0)
	found := false

	for sec := uint32(0); sec < fs.sb.SectionCount(); sec++ {
		if gc.isClaimed(sec) {
			continue
		}
		var valid, freeSegs uint32
		var oldest uint64 = math.MaxUint64
		active := false
		start := sec * fs.sb.SegsPerSec
		for segno := start; segno < start+fs.sb.SegsPerSec; segno++ {
			if fs.sm.isActiveSegment(segno) {
				active = true
				break
			}
			if fs.sm.isFreeSegment(segno) {
				freeSegs++
				continue
			}
			e := fs.sm.sitEntry(segno)
			valid += uint32(e.ValidBlocks)
			if e.Mtime < oldest {
				oldest = e.Mtime
			}
		}
		if active || freeSegs == fs.sb.SegsPerSec {
			continue
		}
		if valid >= capacity {
			// Fully valid: migrating it frees nothing.
			continue
		}
		cost := gc.policy.Cost(valid, capacity, oldest, now)
		if !found || cost < bestCost {
			found, bestCost, bestSec = true, cost, sec
		}
	}
	if !found {
		return 0, common.ErrNoVictim
	}
	return bestSec, nil
}

func (gc *gcManager) claim(sec uint32) {
	gc.claimMu.Lock()
	gc.claimed[sec] = struct{}{}
	gc.claimMu.Unlock()
}

func (gc *gcManager) unclaim(sec uint32) {
	gc.claimMu.Lock()
	delete(gc.claimed, sec)
	gc.claimMu.Unlock()
}

func (gc *gcManager) isClaimed(sec uint32) bool {
	gc.claimMu.Lock()
	defer gc.claimMu.Unlock()
	_, ok := gc.claimed[sec]
	return ok
}

// collectSection migrates every live block out of a section, segment by
// segment. Node segments move through the node logs; data segments are
// rewritten as cold data.
func (gc *gcManager) collectSection(sec uint32) error {
	fs := gc.fs
	start := sec * fs.sb.SegsPerSec
	for segno := start; segno < start+fs.sb.SegsPerSec; segno++ {
		if fs.sm.isFreeSegment(segno) {
			continue
		}
		e := fs.sm.sitEntry(segno)
		if e.ValidBlocks == 0 {
			continue
		}
		var err error
		if e.Type.IsNodeType() {
			err = gc.collectNodeSegment(segno, &e)
		} else {
			err = gc.collectDataSegment(segno, &e)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// collectNodeSegment rewrites every live node block of a segment. A
// summary whose nid no longer maps to this address is stale and skipped;
// migration itself goes through the normal node writeback path, which
// repoints the NAT and invalidates the source block.
func (gc *gcManager) collectNodeSegment(segno uint32, e *layout.SitEntry) error {
	fs := gc.fs
	for off := uint32(0); off < fs.sb.BlocksPerSeg(); off++ {
		if !e.TestValid(off) {
			continue
		}
		addr := fs.blockAddr(segno, off)
		sum, err := fs.sm.readSummary(addr)
		if err != nil {
			return err
		}
		ni, err := fs.nm.getNodeInfo(sum.Nid)
		if err != nil {
			return err
		}
		if ni.BlkAddr != addr {
			continue
		}
		page, err := fs.nm.getNodePage(sum.Nid)
		if err != nil {
			return err
		}
		if err := fs.nm.writeNodePage(page, 0); err != nil {
			return err
		}
	}
	return nil
}

// collectDataSegment rewrites every live data block of a segment as cold
// data. Liveness is double-checked against the owning node's slot, since
// the summary can lag an overwrite or truncate.
func (gc *gcManager) collectDataSegment(segno uint32, e *layout.SitEntry) error {
	fs := gc.fs
	for off := uint32(0); off < fs.sb.BlocksPerSeg(); off++ {
		if !e.TestValid(off) {
			continue
		}
		addr := fs.blockAddr(segno, off)
		sum, err := fs.sm.readSummary(addr)
		if err != nil {
			return err
		}
		ni, err := fs.nm.getNodeInfo(sum.Nid)
		if err != nil {
			return err
		}
		if ni.BlkAddr == layout.NullAddr {
			continue
		}
		page, err := fs.nm.getNodePage(sum.Nid)
		if err != nil {
			return err
		}
		isInode := page.data.Footer().IsInode()
		var cur uint32
		if isInode {
			cur = page.data.IAddr(int(sum.OfsInNode))
		} else {
			cur = page.data.Slot(int(sum.OfsInNode))
		}
		if cur != addr {
			continue
		}

		data, err := fs.dev.ReadBlock(addr)
		if err != nil {
			return fmt.Errorf("gc: failed to read live block %d: %w", addr, err)
		}
		newAddr, _, err := fs.sm.allocateBlock(layout.ColdData, sum)
		if err != nil {
			return err
		}
		if err := fs.dev.WriteBlock(newAddr, data); err != nil {
			fs.setCpError(err)
			return fmt.Errorf("gc: failed to migrate block %d: %w", addr, common.ErrCheckpointError)
		}
		if err := fs.sm.invalidateBlocks(addr); err != nil {
			return err
		}
		if isInode {
			page.data.SetIAddr(int(sum.OfsInNode), newAddr)
		} else {
			page.data.SetSlot(int(sum.OfsInNode), newAddr)
		}
		fs.nm.markPageDirty(sum.Nid)
	}
	return nil
}

// --- background reclaim ---

// startBackground launches the periodic reclaim loop.
func (gc *gcManager) startBackground() {
	gc.bgMu.Lock()
	defer gc.bgMu.Unlock()
	if gc.stopCh != nil {
		return
	}
	gc.stopCh = make(chan struct{})
	gc.doneCh = make(chan struct{})
	go gc.backgroundLoop(gc.stopCh, gc.doneCh)
	log.Infof("[gc] background reclaim started (policy=%s)", gc.policy.Name())
}

// stopBackground stops the loop and waits for it to drain.
func (gc *gcManager) stopBackground() {
	gc.bgMu.Lock()
	stop, done := gc.stopCh, gc.doneCh
	gc.stopCh, gc.doneCh = nil, nil
	gc.bgMu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (gc *gcManager) backgroundLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := gc.fs.opts.GCInterval
	if interval <= 0 {
		interval = defaultGCInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		fs := gc.fs
		if fs.cpError.Load() {
			return
		}
		low := fs.opts.LowFreeSections
		if fs.sm.freeSecCount() > low {
			continue
		}
		if _, err := gc.run(low + 1); err != nil && !errors.Is(err, common.ErrNoVictim) {
			log.Warnf("[gc] background run failed: %v", err)
		}
	}
}
