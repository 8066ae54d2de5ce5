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
	"fmt"
	"sync"

	"flashfs/internal/common"
	"flashfs/internal/layout"
)

// MemDevice is an in-memory block device for tests. Clone captures the
// device image at an instant, which stands in for the on-media state at a
// power cut; fault injection makes writes start failing after a budget.
type MemDevice struct {
	mu     sync.Mutex
	data   []byte
	blocks uint32

	writesLeft int // <0 means unlimited
	failLo     uint32
	failHi     uint32 // failHi < failLo means no range fault
	writes     uint64
	syncs      uint64
}

// NewMem returns a zeroed in-memory device of the given block count.
func NewMem(blocks uint32) *MemDevice {
	return &MemDevice{
		data:       make([]byte, int64(blocks)*layout.BlockSize),
		blocks:     blocks,
		writesLeft: -1,
		failLo:     1,
	}
}

// ReadBlock reads one block.
func (d *MemDevice) ReadBlock(addr uint32) ([]byte, error) {
	if addr >= d.blocks {
		return nil, fmt.Errorf("read block %d of %d: %w", addr, d.blocks, common.ErrOutOfRange)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, layout.BlockSize)
	copy(buf, d.data[int64(addr)*layout.BlockSize:])
	return buf, nil
}

// WriteBlock writes one block, honoring the injected write budget.
func (d *MemDevice) WriteBlock(addr uint32, data []byte) error {
	if addr >= d.blocks {
		return fmt.Errorf("write block %d of %d: %w", addr, d.blocks, common.ErrOutOfRange)
	}
	if len(data) != layout.BlockSize {
		return fmt.Errorf("write block %d: bad buffer size %d: %w", addr, len(data), common.ErrOutOfRange)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writesLeft == 0 {
		return fmt.Errorf("write block %d: injected fault: %w", addr, common.ErrIO)
	}
	if d.failLo <= d.failHi && addr >= d.failLo && addr <= d.failHi {
		return fmt.Errorf("write block %d: injected fault: %w", addr, common.ErrIO)
	}
	if d.writesLeft > 0 {
		d.writesLeft--
	}
	copy(d.data[int64(addr)*layout.BlockSize:], data)
	d.writes++
	return nil
}

// Sync counts barriers; the in-memory image is always "durable".
func (d *MemDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writesLeft == 0 {
		return fmt.Errorf("sync: injected fault: %w", common.ErrIO)
	}
	d.syncs++
	return nil
}

// BlockCount reports the device size in blocks.
func (d *MemDevice) BlockCount() uint32 { return d.blocks }

// Close is a no-op for the in-memory device.
func (d *MemDevice) Close() error { return nil }

// Clone returns an independent copy of the current device image. Tests use
// it as the surviving media state when simulating power loss.
func (d *MemDevice) Clone() *MemDevice {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := NewMem(d.blocks)
	copy(c.data, d.data)
	return c
}

// FailWritesAfter makes writes (and syncs) fail once n more writes have
// completed. Pass n=0 to fail immediately; a negative n clears the fault.
func (d *MemDevice) FailWritesAfter(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writesLeft = n
}

// FailWritesIn makes every write to an address in [lo, hi] fail while
// writes elsewhere proceed, simulating power loss that hits one region.
// Pass hi < lo to clear the fault.
func (d *MemDevice) FailWritesIn(lo, hi uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failLo, d.failHi = lo, hi
}

// Writes reports how many block writes have completed.
func (d *MemDevice) Writes() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// Syncs reports how many barriers have been issued.
func (d *MemDevice) Syncs() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncs
}
