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

	"github.com/stretchr/testify/require"

	"flashfs/internal/dev"
	"flashfs/internal/layout"
)

// Small geometry keeps the tests fast: 64-block segments, one segment
// per section, a 16 MiB device.
const testDeviceBlocks = 4096

func testFormatOptions() FormatOptions {
	return FormatOptions{LogBlocksPerSeg: 6, SegsPerSec: 1, SecsPerZone: 1}
}

func newTestDevice(t *testing.T) *dev.MemDevice {
	t.Helper()
	d := dev.NewMem(testDeviceBlocks)
	_, err := Format(d, testFormatOptions())
	require.NoError(t, err)
	return d
}

func mountTest(t *testing.T, d dev.Device) *FS {
	t.Helper()
	fs, err := Mount(d, DefaultMountOptions())
	require.NoError(t, err)
	return fs
}

func newTestFS(t *testing.T) (*FS, *dev.MemDevice) {
	t.Helper()
	d := newTestDevice(t)
	return mountTest(t, d), d
}

// remount unmounts cleanly and mounts the same device again.
func remount(t *testing.T, fs *FS, d dev.Device) *FS {
	t.Helper()
	require.NoError(t, fs.Unmount())
	return mountTest(t, d)
}

// fillBlock returns a block whose content encodes a single seed byte.
func fillBlock(seed byte) []byte {
	b := make([]byte, layout.BlockSize)
	for i := range b {
		b[i] = seed
	}
	return b
}

func requireBlock(t *testing.T, fs *FS, ino uint32, offset uint64, seed byte) {
	t.Helper()
	got, err := fs.ReadDataBlock(ino, offset)
	require.NoError(t, err)
	require.Equal(t, seed, got[0], "ino %d offset %d", ino, offset)
	require.Equal(t, seed, got[layout.BlockSize-1], "ino %d offset %d", ino, offset)
}

// writeFile creates an inode and writes n sequential blocks, each seeded
// with its offset plus the base seed.
func writeFile(t *testing.T, fs *FS, n int, seed byte) uint32 {
	t.Helper()
	ino, err := fs.NewInode()
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		require.NoError(t, fs.WriteDataBlock(ino, uint64(i), fillBlock(seed+byte(i))))
	}
	return ino
}

func requireFile(t *testing.T, fs *FS, ino uint32, n int, seed byte) {
	t.Helper()
	for i := 0; i < n; i++ {
		requireBlock(t, fs, ino, uint64(i), seed+byte(i))
	}
}
