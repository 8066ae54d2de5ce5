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

// Package dev provides block-granular access to the backing store: a
// file-backed device for real volumes and an in-memory device for tests.
package dev

// Device is a logical block device addressed in layout.BlockSize units.
type Device interface {
	// ReadBlock reads the block at addr into a fresh buffer.
	ReadBlock(addr uint32) ([]byte, error)

	// WriteBlock writes one block at addr. data must be exactly one block.
	WriteBlock(addr uint32, data []byte) error

	// Sync is a write barrier: when it returns, every prior WriteBlock is
	// durable.
	Sync() error

	// BlockCount reports the device size in blocks.
	BlockCount() uint32

	// Close releases the device and any advisory lock held on it.
	Close() error
}
