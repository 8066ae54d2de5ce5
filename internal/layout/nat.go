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

import "encoding/binary"

// NatEntry is one node-address-table record: the owning inode and current
// block address of a node block. Version increments on every reallocation
// of the nid so roll-forward can tell generations apart.
type NatEntry struct {
	Version uint8
	Ino     uint32
	BlkAddr uint32
}

// IsNull reports an unallocated (or freed) nid.
func (e NatEntry) IsNull() bool { return e.BlkAddr == NullAddr }

// PutNatEntry encodes e at the given entry slot inside a NAT block.
func PutNatEntry(blk []byte, slot int, e NatEntry) {
	off := slot * NatEntrySize
	blk[off] = e.Version
	binary.LittleEndian.PutUint32(blk[off+1:off+5], e.Ino)
	binary.LittleEndian.PutUint32(blk[off+5:off+9], e.BlkAddr)
}

// GetNatEntry decodes the entry at the given slot of a NAT block.
func GetNatEntry(blk []byte, slot int) NatEntry {
	off := slot * NatEntrySize
	return NatEntry{
		Version: blk[off],
		Ino:     binary.LittleEndian.Uint32(blk[off+1 : off+5]),
		BlkAddr: binary.LittleEndian.Uint32(blk[off+5 : off+9]),
	}
}

// NatBlockIndex returns the NAT area block index and slot for a nid.
func NatBlockIndex(nid uint32) (blk uint32, slot int) {
	return nid / NatEntriesPerBlk, int(nid % NatEntriesPerBlk)
}

// NatJournalEntry pairs a nid with its table record for the in-checkpoint
// journal of recently mutated nids.
type NatJournalEntry struct {
	Nid   uint32
	Entry NatEntry
}

// EncodeNatJournal serializes entries into journal blocks. The caller
// guarantees len(entries) <= CpNatJournalBlocks*NatJournalPerBlk.
func EncodeNatJournal(entries []NatJournalEntry) []byte {
	buf := make([]byte, CpNatJournalBlocks*BlockSize)
	for i, je := range entries {
		off := i * NatJournalEntrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], je.Nid)
		buf[off+4] = je.Entry.Version
		binary.LittleEndian.PutUint32(buf[off+5:off+9], je.Entry.Ino)
		binary.LittleEndian.PutUint32(buf[off+9:off+13], je.Entry.BlkAddr)
	}
	return buf
}

// DecodeNatJournal parses n entries back out of journal blocks.
func DecodeNatJournal(buf []byte, n int) []NatJournalEntry {
	entries := make([]NatJournalEntry, 0, n)
	for i := 0; i < n; i++ {
		off := i * NatJournalEntrySize
		entries = append(entries, NatJournalEntry{
			Nid: binary.LittleEndian.Uint32(buf[off : off+4]),
			Entry: NatEntry{
				Version: buf[off+4],
				Ino:     binary.LittleEndian.Uint32(buf[off+5 : off+9]),
				BlkAddr: binary.LittleEndian.Uint32(buf[off+9 : off+13]),
			},
		})
	}
	return entries
}
