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

// Package layout defines the on-disk format of a flashfs volume: fixed-size
// blocks grouped into segments, sections, and zones, with a superblock,
// two ping-pong checkpoint packs, NAT/SIT/SSA metadata areas, and a main
// area of data and node blocks. All multi-byte fields are little-endian.
package layout

// BlockSize is the fixed size of every on-disk block.
const BlockSize = 4096

// MaxBlocksPerSeg bounds the per-segment block count; the SIT validity
// bitmap is sized for it. The actual count is 1<<Superblock.LogBlocksPerSeg.
const MaxBlocksPerSeg = 512

// SitBitmapSize is the byte size of a segment validity bitmap (512 bits).
const SitBitmapSize = MaxBlocksPerSeg / 8

// Block address sentinels stored in NAT entries and node address slots.
const (
	// NullAddr marks a block never allocated, or freed.
	NullAddr uint32 = 0
	// NewAddr marks a block allocated logically whose physical location
	// is still pending in the current checkpoint epoch.
	NewAddr uint32 = 0xffffffff
)

// NullNid is the invalid node id; valid nids start at 1.
const NullNid uint32 = 0

// AllocType classifies one of the six concurrent write logs
// (hot/warm/cold x data/node). The value is persisted in SIT entries
// and the checkpoint header, so the order is part of the format.
type AllocType uint8

const (
	HotData AllocType = iota
	WarmData
	ColdData
	HotNode
	WarmNode
	ColdNode

	NrCursegs = 6
	// NrDataTypes counts the data logs; types < NrDataTypes hold data blocks.
	NrDataTypes = 3
)

// IsNodeType reports whether t is one of the node logs.
func (t AllocType) IsNodeType() bool { return t >= HotNode }

func (t AllocType) String() string {
	switch t {
	case HotData:
		return "hot-data"
	case WarmData:
		return "warm-data"
	case ColdData:
		return "cold-data"
	case HotNode:
		return "hot-node"
	case WarmNode:
		return "warm-node"
	case ColdNode:
		return "cold-node"
	}
	return "unknown"
}

// Node tree fan-out. An inode block directly addresses AddrsPerInode data
// blocks and points at 2 direct, 2 indirect, and 1 double-indirect node.
const (
	AddrsPerInode = 923
	AddrsPerBlock = 1018
	NidsPerBlock  = 1018
	InodeNidSlots = 5
)

// Entry packing densities for the metadata areas.
const (
	NatEntrySize     = 9 // version u8 + ino u32 + blkaddr u32
	NatEntriesPerBlk = BlockSize / NatEntrySize

	SitEntrySize     = 1 + 2 + SitBitmapSize + 8 // type + vblocks + bitmap + mtime
	SitEntriesPerBlk = BlockSize / SitEntrySize

	SummaryEntrySize = 6 // nid u32 + offset-in-node u16
	SummariesPerBlk  = MaxBlocksPerSeg

	NatJournalEntrySize = 4 + NatEntrySize
	NatJournalPerBlk    = BlockSize / NatJournalEntrySize

	SitJournalEntrySize = 4 + SitEntrySize
	SitJournalPerBlk    = BlockSize / SitJournalEntrySize

	// OrphansPerBlk is the number of inode nids in one orphan record block,
	// after the leading count field.
	OrphansPerBlk = (BlockSize - 4) / 4
)

// Checkpoint pack geometry. Each pack occupies a fixed window so the two
// packs can ping-pong without moving.
const (
	CpNatJournalBlocks = 1
	CpSitJournalBlocks = 1
	CpOrphanBlocks     = 2
	CpSummaryBlocks    = NrCursegs
	// CpPackBlocks = header + journals + orphans + summaries + footer.
	CpPackBlocks = 1 + CpNatJournalBlocks + CpSitJournalBlocks + CpOrphanBlocks + CpSummaryBlocks + 1
)

// MaxOrphans is the orphan-list capacity of one checkpoint pack.
const MaxOrphans = CpOrphanBlocks * OrphansPerBlk

// The SIT and NAT areas each hold two copies of the table. The checkpoint
// header carries one selection bitmap per table, one bit per table block;
// a bit set means copy 1 is current. The helpers below operate on those
// bitmaps.

// MetaBitmapBytes returns the byte size of a table-copy selection bitmap
// covering n metadata blocks.
func MetaBitmapBytes(n uint32) int { return int(n+7) / 8 }

// TestBit reports whether bit i of bm is set. Bits beyond bm read as zero.
func TestBit(bm []byte, i uint32) bool {
	if int(i/8) >= len(bm) {
		return false
	}
	return bm[i/8]&(1<<(i%8)) != 0
}

// FlipBit inverts bit i of bm.
func FlipBit(bm []byte, i uint32) { bm[i/8] ^= 1 << (i % 8) }

// CloneBitmap returns a copy of bm resized to n bytes.
func CloneBitmap(bm []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, bm)
	return out
}
