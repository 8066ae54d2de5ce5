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
	"fmt"

	"flashfs/internal/common"
)

// Checkpoint header flags.
const (
	CpFlagOrphanPresent uint32 = 1 << 0 // orphan blocks hold unlinked inodes
	CpFlagUmount        uint32 = 1 << 1 // written by a clean unmount
	CpFlagError         uint32 = 1 << 2 // filesystem was in checkpoint-error state
)

// Block offsets within one checkpoint pack.
const (
	CpHeaderOff     = 0
	CpNatJournalOff = 1
	CpSitJournalOff = CpNatJournalOff + CpNatJournalBlocks
	CpOrphanOff     = CpSitJournalOff + CpSitJournalBlocks
	CpSummaryOff    = CpOrphanOff + CpOrphanBlocks
	CpFooterOff     = CpSummaryOff + CpSummaryBlocks
)

// CpHeader is the first block of a checkpoint pack: the complete mutable
// root state of the volume at one consistent instant. The footer block
// repeats Version and the header CRC; a pack is valid only when header CRC,
// footer CRC, and both versions agree, which detects torn pack writes.
type CpHeader struct {
	Version         uint64
	Flags           uint32
	FreeSegCount    uint32
	ValidBlockCount uint64
	ValidNodeCount  uint32
	ValidInodeCount uint32
	NextFreeNid     uint32
	NatJournalN     uint16
	SitJournalN     uint16
	OrphanCount     uint32
	CursegSegno     [NrCursegs]uint32
	CursegBlkoff    [NrCursegs]uint16

	// NatBitmap and SitBitmap select, per table block, which of the two
	// NAT/SIT area copies this checkpoint reads (bit set: copy 1). A
	// journal-overflow flush writes the inactive copy and flips bits, so
	// the copies a committed checkpoint points at are never overwritten
	// by a later, possibly failing, checkpoint.
	NatBitmap []byte
	SitBitmap []byte
}

// HasFlag reports whether flag is set.
func (h *CpHeader) HasFlag(flag uint32) bool { return h.Flags&flag != 0 }

const cpHeaderFixedSize = 44 + NrCursegs*4 + NrCursegs*2

// CpHeaderFits reports whether a header carrying copy-selection bitmaps
// for the given per-copy table sizes fits in one block. mkfs rejects
// geometries where it would not.
func CpHeaderFits(sitBlocks, natBlocks uint32) bool {
	return cpHeaderFixedSize+4+MetaBitmapBytes(natBlocks)+MetaBitmapBytes(sitBlocks)+4 <= BlockSize
}

// EncodeCpHeader serializes h into a fresh block-sized buffer with its CRC.
func EncodeCpHeader(h *CpHeader) []byte {
	buf := make([]byte, BlockSize)
	le := binary.LittleEndian

	le.PutUint64(buf[0:8], h.Version)
	le.PutUint32(buf[8:12], h.Flags)
	le.PutUint32(buf[12:16], h.FreeSegCount)
	le.PutUint64(buf[16:24], h.ValidBlockCount)
	le.PutUint32(buf[24:28], h.ValidNodeCount)
	le.PutUint32(buf[28:32], h.ValidInodeCount)
	le.PutUint32(buf[32:36], h.NextFreeNid)
	le.PutUint16(buf[36:38], h.NatJournalN)
	le.PutUint16(buf[38:40], h.SitJournalN)
	le.PutUint32(buf[40:44], h.OrphanCount)
	off := 44
	for i := 0; i < NrCursegs; i++ {
		le.PutUint32(buf[off:off+4], h.CursegSegno[i])
		off += 4
	}
	for i := 0; i < NrCursegs; i++ {
		le.PutUint16(buf[off:off+2], h.CursegBlkoff[i])
		off += 2
	}
	le.PutUint16(buf[off:off+2], uint16(len(h.NatBitmap)))
	le.PutUint16(buf[off+2:off+4], uint16(len(h.SitBitmap)))
	off += 4
	off += copy(buf[off:], h.NatBitmap)
	off += copy(buf[off:], h.SitBitmap)

	le.PutUint32(buf[off:off+4], Checksum(buf[:off]))
	return buf
}

// DecodeCpHeader parses a checkpoint header, returning the header and its
// stored CRC. A CRC mismatch marks the pack corrupt.
func DecodeCpHeader(data []byte) (*CpHeader, uint32, error) {
	if len(data) < cpHeaderFixedSize+4+4 {
		return nil, 0, fmt.Errorf("checkpoint header too short: %w", common.ErrCorrupted)
	}
	le := binary.LittleEndian

	natBmLen := int(le.Uint16(data[cpHeaderFixedSize : cpHeaderFixedSize+2]))
	sitBmLen := int(le.Uint16(data[cpHeaderFixedSize+2 : cpHeaderFixedSize+4]))
	end := cpHeaderFixedSize + 4 + natBmLen + sitBmLen
	if end+4 > len(data) {
		return nil, 0, fmt.Errorf("checkpoint header bitmaps overrun the block: %w", common.ErrCorrupted)
	}
	stored := le.Uint32(data[end : end+4])
	if computed := Checksum(data[:end]); computed != stored {
		return nil, 0, fmt.Errorf("checkpoint header crc mismatch: computed 0x%x, stored 0x%x: %w",
			computed, stored, common.ErrCorrupted)
	}

	h := &CpHeader{
		Version:         le.Uint64(data[0:8]),
		Flags:           le.Uint32(data[8:12]),
		FreeSegCount:    le.Uint32(data[12:16]),
		ValidBlockCount: le.Uint64(data[16:24]),
		ValidNodeCount:  le.Uint32(data[24:28]),
		ValidInodeCount: le.Uint32(data[28:32]),
		NextFreeNid:     le.Uint32(data[32:36]),
		NatJournalN:     le.Uint16(data[36:38]),
		SitJournalN:     le.Uint16(data[38:40]),
		OrphanCount:     le.Uint32(data[40:44]),
	}
	off := 44
	for i := 0; i < NrCursegs; i++ {
		h.CursegSegno[i] = le.Uint32(data[off : off+4])
		off += 4
	}
	for i := 0; i < NrCursegs; i++ {
		h.CursegBlkoff[i] = le.Uint16(data[off : off+2])
		off += 2
	}
	off += 4
	if natBmLen > 0 {
		h.NatBitmap = make([]byte, natBmLen)
		off += copy(h.NatBitmap, data[off:off+natBmLen])
	}
	if sitBmLen > 0 {
		h.SitBitmap = make([]byte, sitBmLen)
		copy(h.SitBitmap, data[off:off+sitBmLen])
	}
	return h, stored, nil
}

// CpFooter closes a checkpoint pack. It repeats the header version and the
// header CRC so a pack whose footer never made it to the device (power cut
// mid-write) is recognizably incomplete.
type CpFooter struct {
	Version   uint64
	HeaderCrc uint32
}

const cpFooterEncodedSize = 8 + 4 + 4

// EncodeCpFooter serializes f into a fresh block-sized buffer with its CRC.
func EncodeCpFooter(f *CpFooter) []byte {
	buf := make([]byte, BlockSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], f.Version)
	le.PutUint32(buf[8:12], f.HeaderCrc)
	le.PutUint32(buf[cpFooterEncodedSize-4:cpFooterEncodedSize],
		Checksum(buf[:cpFooterEncodedSize-4]))
	return buf
}

// DecodeCpFooter parses a checkpoint footer.
func DecodeCpFooter(data []byte) (*CpFooter, error) {
	if len(data) < cpFooterEncodedSize {
		return nil, fmt.Errorf("checkpoint footer too short: %w", common.ErrCorrupted)
	}
	le := binary.LittleEndian
	stored := le.Uint32(data[cpFooterEncodedSize-4 : cpFooterEncodedSize])
	if computed := Checksum(data[:cpFooterEncodedSize-4]); computed != stored {
		return nil, fmt.Errorf("checkpoint footer crc mismatch: %w", common.ErrCorrupted)
	}
	return &CpFooter{
		Version:   le.Uint64(data[0:8]),
		HeaderCrc: le.Uint32(data[8:12]),
	}, nil
}

// EncodeOrphanBlocks serializes the orphan inode list into CpOrphanBlocks
// block-sized records, each prefixed with its entry count.
func EncodeOrphanBlocks(inos []uint32) []byte {
	buf := make([]byte, CpOrphanBlocks*BlockSize)
	le := binary.LittleEndian
	for blk := 0; blk < CpOrphanBlocks; blk++ {
		base := blk * BlockSize
		start := blk * OrphansPerBlk
		if start >= len(inos) {
			break
		}
		n := len(inos) - start
		if n > OrphansPerBlk {
			n = OrphansPerBlk
		}
		le.PutUint32(buf[base:base+4], uint32(n))
		for i := 0; i < n; i++ {
			le.PutUint32(buf[base+4+i*4:base+8+i*4], inos[start+i])
		}
	}
	return buf
}

// DecodeOrphanBlocks parses the orphan list back out of the pack's orphan
// region.
func DecodeOrphanBlocks(buf []byte) []uint32 {
	le := binary.LittleEndian
	var inos []uint32
	for blk := 0; blk < CpOrphanBlocks; blk++ {
		base := blk * BlockSize
		n := int(le.Uint32(buf[base : base+4]))
		if n > OrphansPerBlk {
			n = OrphansPerBlk
		}
		for i := 0; i < n; i++ {
			inos = append(inos, le.Uint32(buf[base+4+i*4:base+8+i*4]))
		}
	}
	return inos
}
