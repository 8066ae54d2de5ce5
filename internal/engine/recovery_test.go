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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashfs/internal/common"
)

// The tests here simulate power loss by cloning the device image and
// mounting the clone; the original FS is abandoned without unmounting.

func TestRollForward(t *testing.T) {
	t.Run("fsynced file survives power loss", func(t *testing.T) {
		fs, d := newTestFS(t)
		ino := writeFile(t, fs, 3, 0x80)
		require.NoError(t, fs.SyncFile(ino))
		preVer := fs.CheckpointVersion()

		survivor := mountTest(t, d.Clone())
		defer survivor.Unmount()

		requireFile(t, survivor, ino, 3, 0x80)
		assert.Equal(t, preVer+1, survivor.CheckpointVersion(),
			"recovery must fold exactly one checkpoint")
	})

	t.Run("fsync right after a clean remount survives power loss", func(t *testing.T) {
		fs, d := newTestFS(t)
		ino := writeFile(t, fs, 2, 0x70)
		fs = remount(t, fs, d)

		require.NoError(t, fs.WriteDataBlock(ino, 0, fillBlock(0x77)))
		require.NoError(t, fs.SyncFile(ino))

		survivor := mountTest(t, d.Clone())
		defer survivor.Unmount()
		requireBlock(t, survivor, ino, 0, 0x77)
		requireBlock(t, survivor, ino, 1, 0x71)
	})

	t.Run("unfsynced file is lost", func(t *testing.T) {
		fs, d := newTestFS(t)
		kept := writeFile(t, fs, 2, 0x81)
		require.NoError(t, fs.SyncFile(kept))
		lost := writeFile(t, fs, 2, 0x82)
		_ = lost

		survivor := mountTest(t, d.Clone())
		defer survivor.Unmount()

		requireFile(t, survivor, kept, 2, 0x81)
		_, err := survivor.nm.getNodePage(lost)
		require.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("fsynced overwrite wins and accounting balances", func(t *testing.T) {
		fs, d := newTestFS(t)
		ino := writeFile(t, fs, 2, 0x90)
		require.NoError(t, fs.Checkpoint())

		require.NoError(t, fs.WriteDataBlock(ino, 0, fillBlock(0xee)))
		require.NoError(t, fs.SyncFile(ino))
		want := fs.GetStats().ValidBlocks

		survivor := mountTest(t, d.Clone())
		defer survivor.Unmount()

		requireBlock(t, survivor, ino, 0, 0xee)
		requireBlock(t, survivor, ino, 1, 0x91)
		assert.Equal(t, want, survivor.GetStats().ValidBlocks,
			"replayed overwrite must not double count")
	})

	t.Run("replay is idempotent across repeated crashes", func(t *testing.T) {
		fs, d := newTestFS(t)
		ino := writeFile(t, fs, 4, 0xa0)
		require.NoError(t, fs.SyncFile(ino))

		img := d.Clone()
		first := mountTest(t, img)
		requireFile(t, first, ino, 4, 0xa0)
		stats := first.GetStats()

		// Crash again immediately after recovery folded its checkpoint.
		second := mountTest(t, img.Clone())
		defer second.Unmount()
		requireFile(t, second, ino, 4, 0xa0)
		assert.Equal(t, stats.ValidBlocks, second.GetStats().ValidBlocks)
	})

	t.Run("multiple fsyncs extend one chain", func(t *testing.T) {
		fs, d := newTestFS(t)
		a := writeFile(t, fs, 2, 0xb0)
		require.NoError(t, fs.SyncFile(a))
		b := writeFile(t, fs, 2, 0xc0)
		require.NoError(t, fs.SyncFile(b))
		require.NoError(t, fs.WriteDataBlock(a, 5, fillBlock(0xb9)))
		require.NoError(t, fs.SyncFile(a))

		survivor := mountTest(t, d.Clone())
		defer survivor.Unmount()

		requireFile(t, survivor, a, 2, 0xb0)
		requireBlock(t, survivor, a, 5, 0xb9)
		requireFile(t, survivor, b, 2, 0xc0)
	})

	t.Run("fsync of a deep file falls back to a checkpoint", func(t *testing.T) {
		fs, d := newTestFS(t)
		ino, err := fs.NewInode()
		require.NoError(t, err)
		deep := dirSlots + 2*dnodeSlots + 17 // needs an indirect node
		require.NoError(t, fs.WriteDataBlock(ino, deep, fillBlock(0xd4)))
		require.True(t, fs.NeedCheckpoint(),
			"an indirect node cannot ride the fsync log")
		require.NoError(t, fs.SyncFile(ino))

		survivor := mountTest(t, d.Clone())
		defer survivor.Unmount()
		requireBlock(t, survivor, ino, deep, 0xd4)
	})

	t.Run("disabled roll-forward ignores the fsync log", func(t *testing.T) {
		fs, d := newTestFS(t)
		ino := writeFile(t, fs, 1, 0xe0)
		require.NoError(t, fs.SyncFile(ino))

		opts := DefaultMountOptions()
		opts.RollForward = false
		survivor, err := Mount(d.Clone(), opts)
		require.NoError(t, err)
		defer survivor.Unmount()

		_, err = survivor.nm.getNodePage(ino)
		require.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestOrphanRecovery(t *testing.T) {
	t.Run("orphaned inode is reclaimed at mount", func(t *testing.T) {
		fs, d := newTestFS(t)
		require.NoError(t, fs.Checkpoint())
		baseline := fs.GetStats()

		ino := writeFile(t, fs, 4, 0xf0)
		require.NoError(t, fs.UnlinkInode(ino, true))
		require.NoError(t, fs.Checkpoint())

		// Crash with the handle still open.
		survivor := mountTest(t, d.Clone())
		defer survivor.Unmount()

		_, err := survivor.nm.getNodePage(ino)
		require.ErrorIs(t, err, common.ErrNotFound)
		s := survivor.GetStats()
		assert.Equal(t, baseline.ValidBlocks, s.ValidBlocks)
		assert.Equal(t, baseline.ValidInodes, s.ValidInodes)
		assert.Empty(t, survivor.orphanList())
	})

	t.Run("unpersisted orphan needs no recovery", func(t *testing.T) {
		fs, d := newTestFS(t)
		require.NoError(t, fs.Checkpoint())
		img := d.Clone()

		survivor := mountTest(t, img)
		defer survivor.Unmount()
		assert.Empty(t, survivor.orphanList())
	})
}
