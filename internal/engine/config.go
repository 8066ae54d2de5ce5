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

import "time"

// AllocDirection selects which end of the main area NewCurseg scans first
// for a free segment.
type AllocDirection int

const (
	// AllocLeft scans the free-segment bitmap from the start of the main area.
	AllocLeft AllocDirection = iota
	// AllocRight scans from the end.
	AllocRight
)

// MountOptions tune a single mount. The zero value is not usable; start
// from DefaultMountOptions.
type MountOptions struct {
	// ReadOnly mounts without any write path. Recovery still runs in
	// memory but nothing is folded back to the device.
	ReadOnly bool

	// RollForward enables fsync-log replay at mount.
	RollForward bool

	// SSR enables in-place-update allocation: when no free segment is
	// available, the allocator reuses invalid slots of a dirty segment of
	// matching type instead of failing.
	SSR bool

	// BackgroundGC starts a goroutine that reclaims sections when free
	// space drops below the watermark.
	BackgroundGC bool

	// LowFreeSections is the free-section watermark: at or below it,
	// NeedCheckpoint reports true and background GC kicks in.
	LowFreeSections uint32

	// GCInterval paces the background reclaim loop. Zero means the
	// default interval.
	GCInterval time.Duration

	// Policy names the GC victim-scoring strategy: "greedy" or
	// "cost-benefit".
	Policy string

	// Direction is the free-segment scan direction.
	Direction AllocDirection
}

// DefaultMountOptions returns the standard read-write configuration.
func DefaultMountOptions() MountOptions {
	return MountOptions{
		RollForward:     true,
		SSR:             true,
		BackgroundGC:    false,
		LowFreeSections: 2,
		Policy:          PolicyGreedy,
	}
}

// FormatOptions control mkfs geometry.
type FormatOptions struct {
	// LogBlocksPerSeg is log2 of the per-segment block count, at most 9
	// (512 blocks).
	LogBlocksPerSeg uint32
	// SegsPerSec groups segments into sections, the GC granularity.
	SegsPerSec uint32
	// SecsPerZone groups sections into zones.
	SecsPerZone uint32
}

// DefaultFormatOptions returns the standard geometry: 512-block segments,
// one segment per section.
func DefaultFormatOptions() FormatOptions {
	return FormatOptions{
		LogBlocksPerSeg: 9,
		SegsPerSec:      1,
		SecsPerZone:     1,
	}
}
