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

// Package integration exercises flashfs end to end on file-backed images:
// format, mount, crash, recover, check. Power loss is simulated by copying
// the image file out from under a live mount and never unmounting the
// original; the copy sees exactly the blocks that reached the file.
package integration

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/gomega"

	"flashfs/internal/dev"
	"flashfs/internal/engine"
	"flashfs/internal/layout"
)

// Small geometry keeps images tiny and segment churn cheap: 64-block
// segments, one segment per section.
var testGeometry = engine.FormatOptions{
	LogBlocksPerSeg: 6,
	SegsPerSec:      1,
	SecsPerZone:     1,
}

const testImageBlocks = 4096

// newImage formats a fresh image under the test tempdir and returns its path.
func newImage(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flashfs.img")
	d, err := dev.CreateFile(path, testImageBlocks)
	if err != nil {
		t.Fatalf("create image: %v", err)
	}
	if _, err := engine.Format(d, testGeometry); err != nil {
		t.Fatalf("format image: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("close image: %v", err)
	}
	return path
}

// mountImage opens and mounts an image; the device is owned by the FS.
func mountImage(t *testing.T, path string, opts engine.MountOptions) *engine.FS {
	t.Helper()
	d, err := dev.OpenFile(path)
	if err != nil {
		t.Fatalf("open image: %v", err)
	}
	fs, err := engine.Mount(d, opts)
	if err != nil {
		d.Close()
		t.Fatalf("mount image: %v", err)
	}
	return fs
}

// snapshotImage copies the raw image to a new path, bypassing the advisory
// lock of the live mount. Mounting the copy replays exactly what a machine
// would see after losing power at this instant.
func snapshotImage(t *testing.T, path string) string {
	t.Helper()
	out := filepath.Join(t.TempDir(), "crash.img")
	src, err := os.Open(path)
	if err != nil {
		t.Fatalf("open image for snapshot: %v", err)
	}
	defer src.Close()
	dst, err := os.Create(out)
	if err != nil {
		t.Fatalf("create snapshot: %v", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		t.Fatalf("copy snapshot: %v", err)
	}
	if err := dst.Close(); err != nil {
		t.Fatalf("close snapshot: %v", err)
	}
	return out
}

// patternBlock builds a block filled with a recognizable per-seed pattern.
func patternBlock(seed byte) []byte {
	b := make([]byte, layout.BlockSize)
	for i := range b {
		b[i] = seed ^ byte(i)
	}
	return b
}

// writePattern writes n pattern blocks to a fresh inode and returns its nid.
func writePattern(t *testing.T, fs *engine.FS, n int, seed byte) uint32 {
	t.Helper()
	ino, err := fs.NewInode()
	if err != nil {
		t.Fatalf("new inode: %v", err)
	}
	for i := 0; i < n; i++ {
		if err := fs.WriteDataBlock(ino, uint64(i), patternBlock(seed+byte(i))); err != nil {
			t.Fatalf("write block %d: %v", i, err)
		}
	}
	return ino
}

// expectPattern verifies n blocks of an inode against the seed pattern.
func expectPattern(g *WithT, fs *engine.FS, ino uint32, n int, seed byte) {
	for i := 0; i < n; i++ {
		got, err := fs.ReadDataBlock(ino, uint64(i))
		g.Expect(err).NotTo(HaveOccurred(), "read block %d of nid %d", i, ino)
		g.Expect(got).To(Equal(patternBlock(seed+byte(i))), "block %d of nid %d", i, ino)
	}
}

// checkImage runs the offline checker and fails the test on any problem.
func checkImage(t *testing.T, path string) *engine.CheckReport {
	t.Helper()
	d, err := dev.OpenFile(path)
	if err != nil {
		t.Fatalf("open image for check: %v", err)
	}
	defer d.Close()
	report, err := engine.Check(d)
	if err != nil {
		t.Fatalf("check image: %v", err)
	}
	for _, p := range report.Problems {
		t.Errorf("fsck problem: %s", p)
	}
	return report
}
