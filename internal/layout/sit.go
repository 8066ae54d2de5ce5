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

package layout

import (
	"encoding/binary"
	"math/bits"
)

// SitEntry is one segment-information-table record: the segment's
// allocation type, valid-block count, per-block validity bitmap, and last
// modification time. ValidBlocks must equal the bitmap popcount at all
// times; the engine's sole SIT mutator maintains that.
type SitEntry struct {
	Type        AllocType
	ValidBlocks uint16
	ValidMap    [SitBitmapSize]byte
	Mtime       uint64
}

// Popcount returns the number of set bits in the validity bitmap.
func (e *SitEntry) Popcount() int {
	n := 0
	for _, b := range e.ValidMap {
		n += bits.OnesCount8(b)
	}
	return n
}

// TestValid reports whether block offset off within the segment is valid.
func (e *SitEntry) TestValid(off uint32) bool {
	return e.ValidMap[off/8]&(1<<(off%8)) != 0
}

// SetValid marks block offset off valid and returns false if it already was.
func (e *SitEntry) SetValid(off uint32) bool {
	mask := byte(1) << (off % 8)
	if e.ValidMap[off/8]&mask != 0 {
		return false
	}
	e.ValidMap[off/8] |= mask
	return true
}

// ClearValid marks block offset off invalid and returns false if it already was.
func (e *SitEntry) ClearValid(off uint32) bool {
	mask := byte(1) << (off % 8)
	if e.ValidMap[off/8]&mask == 0 {
		return false
	}
	e.ValidMap[off/8] &^= mask
	return true
}

// PutSitEntry encodes e at the given entry slot inside a SIT block.
func PutSitEntry(blk []byte, slot int, e *SitEntry) {
	off := slot * SitEntrySize
	blk[off] = byte(e.Type)
	binary.LittleEndian.PutUint16(blk[off+1:off+3], e.ValidBlocks)
	copy(blk[off+3:off+3+SitBitmapSize], e.ValidMap[:])
	binary.LittleEndian.PutUint64(blk[off+3+SitBitmapSize:off+SitEntrySize], e.Mtime)
}

// GetSitEntry decodes the entry at the given slot of a SIT block.
func GetSitEntry(blk []byte, slot int) SitEntry {
	off := slot * SitEntrySize
	e := SitEntry{
		Type:        AllocType(blk[off]),
		ValidBlocks: binary.LittleEndian.Uint16(blk[off+1 : off+3]),
		Mtime:       binary.LittleEndian.Uint64(blk[off+3+SitBitmapSize : off+SitEntrySize]),
	}
	copy(e.ValidMap[:], blk[off+3:off+3+SitBitmapSize])
	return e
}

// SitBlockIndex returns the SIT area block index and slot for a segment.
func SitBlockIndex(segno uint32) (blk uint32, slot int) {
	return segno / SitEntriesPerBlk, int(segno % SitEntriesPerBlk)
}

// SitJournalEntry pairs a segment number with its table record for the
// in-checkpoint journal of segments written since the last flush.
type SitJournalEntry struct {
	Segno uint32
	Entry SitEntry
}

// EncodeSitJournal serializes entries into journal blocks. The caller
// guarantees len(entries) <= CpSitJournalBlocks*SitJournalPerBlk.
func EncodeSitJournal(entries []SitJournalEntry) []byte {
	buf := make([]byte, CpSitJournalBlocks*BlockSize)
	for i, je := range entries {
		off := i * SitJournalEntrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], je.Segno)
		e := je.Entry
		buf[off+4] = byte(e.Type)
		binary.LittleEndian.PutUint16(buf[off+5:off+7], e.ValidBlocks)
		copy(buf[off+7:off+7+SitBitmapSize], e.ValidMap[:])
		binary.LittleEndian.PutUint64(buf[off+7+SitBitmapSize:off+SitJournalEntrySize], e.Mtime)
	}
	return buf
}

// DecodeSitJournal parses n entries back out of journal blocks.
func DecodeSitJournal(buf []byte, n int) []SitJournalEntry {
	entries := make([]SitJournalEntry, 0, n)
	for i := 0; i < n; i++ {
		off := i * SitJournalEntrySize
		je := SitJournalEntry{
			Segno: binary.LittleEndian.Uint32(buf[off : off+4]),
			Entry: SitEntry{
				Type:        AllocType(buf[off+4]),
				ValidBlocks: binary.LittleEndian.Uint16(buf[off+5 : off+7]),
				Mtime:       binary.LittleEndian.Uint64(buf[off+7+SitBitmapSize : off+SitJournalEntrySize]),
			},
		}
		copy(je.Entry.ValidMap[:], buf[off+7:off+7+SitBitmapSize])
		entries = append(entries, je)
	}
	return entries
}
