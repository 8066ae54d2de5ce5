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

// SummaryEntry records, for one main-area block, the node that owns it:
// for a data block the dnode holding its address and the slot within that
// dnode; for a node block the nid itself (offset unused). GC uses this to
// find the owner of a victim block without scanning the node tree.
type SummaryEntry struct {
	Nid       uint32
	OfsInNode uint16
}

// SummaryBlock is the per-segment owner table, one entry per block offset.
type SummaryBlock struct {
	Entries [SummariesPerBlk]SummaryEntry
}

// EncodeSummaryBlock serializes s into a fresh block-sized buffer.
func EncodeSummaryBlock(s *SummaryBlock) []byte {
	buf := make([]byte, BlockSize)
	for i, e := range s.Entries {
		off := i * SummaryEntrySize
		binary.LittleEndian.PutUint32(buf[off:off+4], e.Nid)
		binary.LittleEndian.PutUint16(buf[off+4:off+6], e.OfsInNode)
	}
	return buf
}

// DecodeSummaryBlock parses a summary block from raw bytes.
func DecodeSummaryBlock(data []byte) *SummaryBlock {
	s := &SummaryBlock{}
	for i := range s.Entries {
		off := i * SummaryEntrySize
		s.Entries[i] = SummaryEntry{
			Nid:       binary.LittleEndian.Uint32(data[off : off+4]),
			OfsInNode: binary.LittleEndian.Uint16(data[off+4 : off+6]),
		}
	}
	return s
}
