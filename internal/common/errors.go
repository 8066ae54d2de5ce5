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

package common

import "errors"

var (
	// ErrNotFound reports a missing node, inode, or mapping.
	ErrNotFound = errors.New("not found")
	// ErrNoSpace reports block or segment exhaustion. Recoverable: the
	// caller may free space (or run GC) and retry.
	ErrNoSpace = errors.New("no space left on device")
	// ErrNoFreeNid reports node-id exhaustion. Recoverable like ErrNoSpace.
	ErrNoFreeNid = errors.New("no free node ids")
	// ErrNoVictim reports that garbage collection found no section worth
	// reclaiming. Not an I/O failure.
	ErrNoVictim = errors.New("no gc victim")
	// ErrCorrupted reports structural corruption on the device: bad magic,
	// CRC mismatch, no valid checkpoint pack, or a broken node chain.
	// Mount fails; the volume needs offline repair.
	ErrCorrupted = errors.New("filesystem corrupted")
	// ErrCheckpointError reports that a previous checkpoint or GC writeback
	// failed. The filesystem refuses further mutation until remounted.
	ErrCheckpointError = errors.New("checkpoint error state")
	// ErrReadOnly reports a mutation attempted on a read-only mount.
	ErrReadOnly = errors.New("read-only filesystem")
	// ErrIO reports a device I/O failure.
	ErrIO = errors.New("I/O error")
	// ErrOutOfRange reports a block address or offset outside the volume.
	ErrOutOfRange = errors.New("address out of range")
)
