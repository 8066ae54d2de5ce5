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
	"flashfs/internal/layout"
)

func TestNidAllocation(t *testing.T) {
	t.Run("claims are unique until the handshake settles", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()
		nm := fs.nm

		a, err := nm.allocNid()
		require.NoError(t, err)
		b, err := nm.allocNid()
		require.NoError(t, err)
		assert.NotEqual(t, a, b)

		// A failed claim goes back and is handed out again first.
		nm.allocNidFailed(a)
		c, err := nm.allocNid()
		require.NoError(t, err)
		assert.Equal(t, a, c)
		nm.allocNidDone(b)
		nm.allocNidDone(c)
	})

	t.Run("root nid is never handed out", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		for i := 0; i < 64; i++ {
			nid, err := fs.nm.allocNid()
			require.NoError(t, err)
			require.NotEqual(t, RootNid, nid)
			require.NotEqual(t, layout.NullNid, nid)
			fs.nm.allocNidDone(nid)
			fs.nm.noteNidUsed(nid)
		}
	})

	t.Run("freed nids wait for a checkpoint", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		ino := writeFile(t, fs, 1, 0x12)
		require.NoError(t, fs.UnlinkInode(ino, false))

		fs.nm.freeMu.Lock()
		_, pending := fs.nm.pendingSet[ino]
		fs.nm.freeMu.Unlock()
		assert.True(t, pending, "freed nid must be quarantined until a checkpoint")

		require.NoError(t, fs.Checkpoint())

		fs.nm.freeMu.Lock()
		_, pending = fs.nm.pendingSet[ino]
		state, onList := fs.nm.nidState[ino]
		fs.nm.freeMu.Unlock()
		assert.False(t, pending)
		assert.True(t, onList)
		assert.Equal(t, nidStateNew, state)
	})
}

func TestNodeInfo(t *testing.T) {
	t.Run("resolves the root through the checkpoint journal", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		ni, err := fs.nm.getNodeInfo(RootNid)
		require.NoError(t, err)
		assert.Equal(t, RootNid, ni.Ino)
		assert.True(t, fs.isMainAddr(ni.BlkAddr))
		assert.Equal(t, uint8(1), ni.Version)
	})

	t.Run("out of range nid", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		_, err := fs.nm.getNodeInfo(layout.NullNid)
		require.ErrorIs(t, err, common.ErrOutOfRange)
		_, err = fs.nm.getNodeInfo(fs.sb.MaxNid)
		require.ErrorIs(t, err, common.ErrOutOfRange)
	})

	t.Run("version bumps when a nid starts a new life", func(t *testing.T) {
		fs, d := newTestFS(t)
		ino := writeFile(t, fs, 1, 0x13)
		require.NoError(t, fs.Checkpoint())
		v1, err := fs.nm.getNodeInfo(ino)
		require.NoError(t, err)

		require.NoError(t, fs.UnlinkInode(ino, false))
		require.NoError(t, fs.Checkpoint())

		// Reuse the same nid for a fresh inode.
		var reborn uint32
		for {
			reborn, err = fs.NewInode()
			require.NoError(t, err)
			if reborn == ino {
				break
			}
			require.NoError(t, fs.UnlinkInode(reborn, false))
			require.NoError(t, fs.Checkpoint())
		}
		require.NoError(t, fs.Checkpoint())
		v2, err := fs.nm.getNodeInfo(ino)
		require.NoError(t, err)
		assert.NotEqual(t, v1.Version, v2.Version)
		require.NoError(t, fs.Unmount())
		_ = d
	})
}

func TestNatPersistence(t *testing.T) {
	t.Run("small change sets ride the pack journal", func(t *testing.T) {
		fs, d := newTestFS(t)
		ino := writeFile(t, fs, 2, 0x14)

		fs = remount(t, fs, d)
		defer fs.Unmount()

		ni, err := fs.nm.getNodeInfo(ino)
		require.NoError(t, err)
		assert.Equal(t, ino, ni.Ino)
		assert.True(t, fs.isMainAddr(ni.BlkAddr))

		// The NAT area itself is untouched; only the journal knows.
		blk, slot := layout.NatBlockIndex(ino)
		raw, err := d.ReadBlock(fs.sb.NatBlkaddr + blk)
		require.NoError(t, err)
		assert.True(t, layout.GetNatEntry(raw, slot).IsNull())
	})

	t.Run("journal overflow writes the table back", func(t *testing.T) {
		fs, d := newTestFS(t)

		// More dirty nids than one journal block can hold.
		n := layout.NatJournalPerBlk*layout.CpNatJournalBlocks + 8
		inos := make([]uint32, 0, n)
		for i := 0; i < n; i++ {
			ino, err := fs.NewInode()
			require.NoError(t, err)
			inos = append(inos, ino)
		}
		fs = remount(t, fs, d)
		defer fs.Unmount()

		for _, ino := range inos {
			ni, err := fs.nm.getNodeInfo(ino)
			require.NoError(t, err)
			require.True(t, fs.isMainAddr(ni.BlkAddr), "nid %d", ino)
		}
	})
}
