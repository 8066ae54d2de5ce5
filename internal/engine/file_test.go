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

func TestFileReadWrite(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		ino := writeFile(t, fs, 8, 0x10)
		requireFile(t, fs, ino, 8, 0x10)

		size, err := fs.InodeSize(ino)
		require.NoError(t, err)
		assert.Equal(t, uint64(8*layout.BlockSize), size)
	})

	t.Run("holes read as zeros", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		ino, err := fs.NewInode()
		require.NoError(t, err)
		require.NoError(t, fs.WriteDataBlock(ino, 5, fillBlock(0xaa)))

		got, err := fs.ReadDataBlock(ino, 0)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, layout.BlockSize), got)

		// Hole in a region with no node tree at all.
		got, err = fs.ReadDataBlock(ino, dirSlots+100)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, layout.BlockSize), got)

		requireBlock(t, fs, ino, 5, 0xaa)
	})

	t.Run("overwrite goes out of place", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		ino := writeFile(t, fs, 1, 0x20)
		before := fs.GetStats().ValidBlocks
		require.NoError(t, fs.WriteDataBlock(ino, 0, fillBlock(0x99)))
		requireBlock(t, fs, ino, 0, 0x99)
		assert.Equal(t, before, fs.GetStats().ValidBlocks, "overwrite must not grow the file")
	})

	t.Run("offsets across every index level", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		ino, err := fs.NewInode()
		require.NoError(t, err)
		offsets := []uint64{
			0,
			dirSlots - 1,                      // last direct slot
			dirSlots,                          // first direct-node slot
			dirSlots + 2*dnodeSlots,           // first indirect slot
			dirSlots + 2*dnodeSlots + indSpan, // second indirect
			dirSlots + 2*dnodeSlots + 2*indSpan,           // double indirect
			dirSlots + 2*dnodeSlots + 2*indSpan + indSpan, // second ind under dind
		}
		for i, off := range offsets {
			require.NoError(t, fs.WriteDataBlock(ino, off, fillBlock(0x40+byte(i))))
		}
		for i, off := range offsets {
			requireBlock(t, fs, ino, off, 0x40+byte(i))
		}
	})

	t.Run("offset beyond capacity", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		ino, err := fs.NewInode()
		require.NoError(t, err)
		err = fs.WriteDataBlock(ino, maxFileBlocks, fillBlock(1))
		require.ErrorIs(t, err, common.ErrOutOfRange)
	})

	t.Run("short buffer is rejected", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		ino, err := fs.NewInode()
		require.NoError(t, err)
		require.Error(t, fs.WriteDataBlock(ino, 0, []byte("short")))
	})
}

func TestTruncate(t *testing.T) {
	t.Run("tail truncate keeps the head", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		ino := writeFile(t, fs, 10, 0x30)
		require.NoError(t, fs.TruncateInodeBlocks(ino, 5))

		requireFile(t, fs, ino, 5, 0x30)
		for off := uint64(5); off < 10; off++ {
			got, err := fs.ReadDataBlock(ino, off)
			require.NoError(t, err)
			assert.Equal(t, make([]byte, layout.BlockSize), got)
		}
	})

	t.Run("full truncate releases everything but the inode", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		baseline := fs.GetStats()
		ino, err := fs.NewInode()
		require.NoError(t, err)
		for _, off := range []uint64{0, dirSlots + 3, dirSlots + 2*dnodeSlots + 7} {
			require.NoError(t, fs.WriteDataBlock(ino, off, fillBlock(0x55)))
		}
		require.NoError(t, fs.TruncateInodeBlocks(ino, 0))

		s := fs.GetStats()
		assert.Equal(t, baseline.ValidBlocks+1, s.ValidBlocks, "only the inode block remains")
		assert.Equal(t, baseline.ValidNodes+1, s.ValidNodes)
	})

	t.Run("truncate inside one indirect subtree", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		ino, err := fs.NewInode()
		require.NoError(t, err)
		base := dirSlots + 2*dnodeSlots
		for i := uint64(0); i < 4; i++ {
			require.NoError(t, fs.WriteDataBlock(ino, base+i, fillBlock(0x60+byte(i))))
		}
		require.NoError(t, fs.TruncateInodeBlocks(ino, base+2))

		requireBlock(t, fs, ino, base, 0x60)
		requireBlock(t, fs, ino, base+1, 0x61)
		got, err := fs.ReadDataBlock(ino, base+2)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, layout.BlockSize), got)
	})
}

func TestUnlink(t *testing.T) {
	t.Run("last unlink reclaims immediately", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		baseline := fs.GetStats()
		ino := writeFile(t, fs, 4, 0x70)
		require.NoError(t, fs.UnlinkInode(ino, false))

		s := fs.GetStats()
		assert.Equal(t, baseline.ValidBlocks, s.ValidBlocks)
		assert.Equal(t, baseline.ValidInodes, s.ValidInodes)
	})

	t.Run("open handle parks the inode on the orphan list", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		ino := writeFile(t, fs, 2, 0x75)
		require.NoError(t, fs.UnlinkInode(ino, true))

		assert.Contains(t, fs.orphanList(), ino)
		// Still fully readable through the handle.
		requireFile(t, fs, ino, 2, 0x75)

		require.NoError(t, fs.ReleaseInode(ino))
		assert.Empty(t, fs.orphanList())
		_, err := fs.nm.getNodePage(ino)
		require.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("extra links keep the inode alive", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		ino := writeFile(t, fs, 1, 0x7a)
		require.NoError(t, fs.LinkInode(ino))
		require.NoError(t, fs.UnlinkInode(ino, false))
		requireBlock(t, fs, ino, 0, 0x7a)
		require.NoError(t, fs.UnlinkInode(ino, false))
		_, err := fs.nm.getNodePage(ino)
		require.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("unlink at zero links is corruption", func(t *testing.T) {
		fs, _ := newTestFS(t)
		defer fs.Unmount()

		ino := writeFile(t, fs, 1, 0x7f)
		require.NoError(t, fs.UnlinkInode(ino, false))
		err := fs.UnlinkInode(ino, false)
		require.Error(t, err)
	})
}
