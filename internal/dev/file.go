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

package dev

import (
	"context"
	"fmt"
	"os"

	"github.com/gofrs/flock"

	"flashfs/internal/common"
	"flashfs/internal/layout"
	"flashfs/internal/util"
)

// FileDevice backs a volume with a regular file or a raw block device
// node. An exclusive advisory flock on the image prevents two processes
// from mounting the same volume concurrently.
type FileDevice struct {
	path   string
	f      *os.File
	lock   *flock.Flock
	blocks uint32
}

// OpenFile opens an existing device image and takes its advisory lock.
func OpenFile(path string) (*FileDevice, error) {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire device lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("device %s is locked by another process", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("failed to open device: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		lock.Unlock()
		return nil, fmt.Errorf("failed to stat device: %w", err)
	}
	if st.Size()%layout.BlockSize != 0 {
		f.Close()
		lock.Unlock()
		return nil, fmt.Errorf("device size %d not block aligned: %w", st.Size(), common.ErrCorrupted)
	}

	return &FileDevice{
		path:   path,
		f:      f,
		lock:   lock,
		blocks: uint32(st.Size() / layout.BlockSize),
	}, nil
}

// CreateFile creates a zeroed device image of the given block count.
// Fails if the image already exists.
func CreateFile(path string, blocks uint32) (*FileDevice, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("file already exists: %s", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}
	if err := f.Truncate(int64(blocks) * layout.BlockSize); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("failed to size device: %w", err)
	}
	f.Close()
	return OpenFile(path)
}

// ReadBlock reads one block, retrying transient errors per the read retry
// policy before surfacing the failure.
func (d *FileDevice) ReadBlock(addr uint32) ([]byte, error) {
	if addr >= d.blocks {
		return nil, fmt.Errorf("read block %d of %d: %w", addr, d.blocks, common.ErrOutOfRange)
	}
	buf := make([]byte, layout.BlockSize)
	err := util.Retry(context.Background(), func() error {
		_, err := d.f.ReadAt(buf, int64(addr)*layout.BlockSize)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("read block %d: %v: %w", addr, err, common.ErrIO)
	}
	return buf, nil
}

// WriteBlock writes one block. Write failures are never retried here: the
// caller decides whether they are fatal.
func (d *FileDevice) WriteBlock(addr uint32, data []byte) error {
	if addr >= d.blocks {
		return fmt.Errorf("write block %d of %d: %w", addr, d.blocks, common.ErrOutOfRange)
	}
	if len(data) != layout.BlockSize {
		return fmt.Errorf("write block %d: bad buffer size %d: %w", addr, len(data), common.ErrOutOfRange)
	}
	if _, err := d.f.WriteAt(data, int64(addr)*layout.BlockSize); err != nil {
		return fmt.Errorf("write block %d: %v: %w", addr, err, common.ErrIO)
	}
	return nil
}

// Sync issues an fsync barrier on the image.
func (d *FileDevice) Sync() error {
	if err := d.f.Sync(); err != nil {
		return fmt.Errorf("device sync: %v: %w", err, common.ErrIO)
	}
	return nil
}

// BlockCount reports the device size in blocks.
func (d *FileDevice) BlockCount() uint32 { return d.blocks }

// Path returns the image path.
func (d *FileDevice) Path() string { return d.path }

// Close syncs, closes, and drops the advisory lock.
func (d *FileDevice) Close() error {
	if d.f == nil {
		return nil
	}
	err := d.f.Sync()
	if cerr := d.f.Close(); err == nil {
		err = cerr
	}
	d.f = nil
	if d.lock != nil {
		d.lock.Unlock()
		os.Remove(d.lock.Path())
	}
	return err
}
