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

package integration

import (
	"errors"
	"testing"

	. "github.com/onsi/gomega"

	"flashfs/internal/common"
	"flashfs/internal/engine"
)

func TestCrashRecovery(t *testing.T) {
	t.Run("fsync survives power loss", func(t *testing.T) {
		g := NewWithT(t)
		path := newImage(t)

		fs := mountImage(t, path, engine.DefaultMountOptions())
		durable := writePattern(t, fs, 5, 0x50)
		g.Expect(fs.Checkpoint()).To(Succeed())

		fragile := writePattern(t, fs, 4, 0x60)
		g.Expect(fs.SyncFile(fragile)).To(Succeed())

		// Power loss: the live mount is abandoned without a checkpoint.
		crashed := snapshotImage(t, path)

		rec := mountImage(t, crashed, engine.DefaultMountOptions())
		expectPattern(g, rec, durable, 5, 0x50)
		expectPattern(g, rec, fragile, 4, 0x60)
		g.Expect(rec.Unmount()).To(Succeed())
		checkImage(t, crashed)
	})

	t.Run("unsynced writes are lost", func(t *testing.T) {
		g := NewWithT(t)
		path := newImage(t)

		fs := mountImage(t, path, engine.DefaultMountOptions())
		g.Expect(fs.Checkpoint()).To(Succeed())
		lost := writePattern(t, fs, 3, 0x70)

		crashed := snapshotImage(t, path)

		rec := mountImage(t, crashed, engine.DefaultMountOptions())
		_, err := rec.InodeSize(lost)
		g.Expect(errors.Is(err, common.ErrNotFound)).To(BeTrue(), "unexpected error: %v", err)
		g.Expect(rec.Unmount()).To(Succeed())
	})

	t.Run("fsynced overwrite wins over checkpointed data", func(t *testing.T) {
		g := NewWithT(t)
		path := newImage(t)

		fs := mountImage(t, path, engine.DefaultMountOptions())
		ino := writePattern(t, fs, 6, 0x10)
		g.Expect(fs.Checkpoint()).To(Succeed())

		for i := 0; i < 6; i++ {
			g.Expect(fs.WriteDataBlock(ino, uint64(i), patternBlock(0x90+byte(i)))).To(Succeed())
		}
		g.Expect(fs.SyncFile(ino)).To(Succeed())

		crashed := snapshotImage(t, path)

		rec := mountImage(t, crashed, engine.DefaultMountOptions())
		expectPattern(g, rec, ino, 6, 0x90)
		g.Expect(rec.Unmount()).To(Succeed())
		checkImage(t, crashed)
	})

	t.Run("orphan reclaimed after crash", func(t *testing.T) {
		g := NewWithT(t)
		path := newImage(t)

		fs := mountImage(t, path, engine.DefaultMountOptions())
		baseline := fs.GetStats()

		ino := writePattern(t, fs, 8, 0x80)
		// Unlink while a reader still holds the inode, then persist the
		// orphan list. Power fails before the inode is released.
		g.Expect(fs.UnlinkInode(ino, true)).To(Succeed())
		g.Expect(fs.Checkpoint()).To(Succeed())

		crashed := snapshotImage(t, path)

		rec := mountImage(t, crashed, engine.DefaultMountOptions())
		_, err := rec.InodeSize(ino)
		g.Expect(errors.Is(err, common.ErrNotFound)).To(BeTrue(), "unexpected error: %v", err)

		stats := rec.GetStats()
		g.Expect(stats.ValidBlocks).To(Equal(baseline.ValidBlocks))
		g.Expect(stats.ValidInodes).To(Equal(baseline.ValidInodes))
		g.Expect(rec.Unmount()).To(Succeed())
		checkImage(t, crashed)
	})

	t.Run("recovery folds into a checkpoint", func(t *testing.T) {
		g := NewWithT(t)
		path := newImage(t)

		fs := mountImage(t, path, engine.DefaultMountOptions())
		ino := writePattern(t, fs, 2, 0x20)
		g.Expect(fs.SyncFile(ino)).To(Succeed())

		crashed := snapshotImage(t, path)

		rec := mountImage(t, crashed, engine.DefaultMountOptions())
		verAfterRecovery := rec.CheckpointVersion()
		expectPattern(g, rec, ino, 2, 0x20)
		g.Expect(rec.Unmount()).To(Succeed())

		// A second mount of the recovered image finds a clean checkpoint
		// and has nothing to replay.
		rec = mountImage(t, crashed, engine.DefaultMountOptions())
		g.Expect(rec.CheckpointVersion()).To(BeNumerically(">", verAfterRecovery))
		expectPattern(g, rec, ino, 2, 0x20)
		g.Expect(rec.Unmount()).To(Succeed())
	})

	t.Run("read only mount recovers in memory only", func(t *testing.T) {
		g := NewWithT(t)
		path := newImage(t)

		fs := mountImage(t, path, engine.DefaultMountOptions())
		ino := writePattern(t, fs, 2, 0xA0)
		g.Expect(fs.SyncFile(ino)).To(Succeed())

		crashed := snapshotImage(t, path)

		opts := engine.DefaultMountOptions()
		opts.ReadOnly = true
		ro := mountImage(t, crashed, opts)
		expectPattern(g, ro, ino, 2, 0xA0)
		g.Expect(ro.Unmount()).To(Succeed())

		// Nothing was folded back, so a read-write mount replays again.
		rw := mountImage(t, crashed, engine.DefaultMountOptions())
		expectPattern(g, rw, ino, 2, 0xA0)
		g.Expect(rw.Unmount()).To(Succeed())
	})
}
