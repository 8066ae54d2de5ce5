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

	"github.com/google/uuid"

	"flashfs/internal/common"
)

// SuperMagic identifies a flashfs volume ("flfs").
const SuperMagic uint32 = 0x666c6673

// FormatVersion is the on-disk format revision written by mkfs.
const FormatVersion uint32 = 1

// SuperblockAddr is the fixed block address of the superblock.
const SuperblockAddr uint32 = 0

// Superblock describes the static geometry of a volume. It is written once
// by mkfs at block 0 and never modified afterwards; everything mutable
// lives in the checkpoint packs.
type Superblock struct {
	Magic           uint32
	Version         uint32
	UUID            uuid.UUID
	LogBlocksPerSeg uint32 // blocks per segment = 1 << LogBlocksPerSeg
	SegsPerSec      uint32
	SecsPerZone     uint32
	TotalBlocks     uint32

	CpBlkaddr    uint32 // base of checkpoint pack 0; pack 1 follows at +CpPackBlocks
	SitBlkaddr   uint32 // base of SIT copy 0; copy 1 follows at +SitBlocks
	SitBlocks    uint32 // per-copy block count
	NatBlkaddr   uint32 // base of NAT copy 0; copy 1 follows at +NatBlocks
	NatBlocks    uint32 // per-copy block count
	SsaBlkaddr   uint32 // one summary block per main segment
	MainBlkaddr  uint32
	MainSegCount uint32
	MaxNid       uint32
	RootNid      uint32
}

// BlocksPerSeg returns the per-segment block count.
func (sb *Superblock) BlocksPerSeg() uint32 { return 1 << sb.LogBlocksPerSeg }

// SegsPerZone returns the per-zone segment count.
func (sb *Superblock) SegsPerZone() uint32 { return sb.SegsPerSec * sb.SecsPerZone }

// MainBlocks returns the block count of the main area.
func (sb *Superblock) MainBlocks() uint32 { return sb.MainSegCount * sb.BlocksPerSeg() }

// SectionCount returns the number of sections in the main area.
func (sb *Superblock) SectionCount() uint32 { return sb.MainSegCount / sb.SegsPerSec }

const sbEncodedSize = 4 + 4 + 16 + 4*4 + 10*4 + 4 // fields + trailing CRC

// EncodeSuperblock serializes sb into a fresh block-sized buffer, including
// the trailing CRC over the encoded bytes.
func EncodeSuperblock(sb *Superblock) []byte {
	buf := make([]byte, BlockSize)
	le := binary.LittleEndian

	le.PutUint32(buf[0:4], sb.Magic)
	le.PutUint32(buf[4:8], sb.Version)
	copy(buf[8:24], sb.UUID[:])
	le.PutUint32(buf[24:28], sb.LogBlocksPerSeg)
	le.PutUint32(buf[28:32], sb.SegsPerSec)
	le.PutUint32(buf[32:36], sb.SecsPerZone)
	le.PutUint32(buf[36:40], sb.TotalBlocks)
	le.PutUint32(buf[40:44], sb.CpBlkaddr)
	le.PutUint32(buf[44:48], sb.SitBlkaddr)
	le.PutUint32(buf[48:52], sb.SitBlocks)
	le.PutUint32(buf[52:56], sb.NatBlkaddr)
	le.PutUint32(buf[56:60], sb.NatBlocks)
	le.PutUint32(buf[60:64], sb.SsaBlkaddr)
	le.PutUint32(buf[64:68], sb.MainBlkaddr)
	le.PutUint32(buf[68:72], sb.MainSegCount)
	le.PutUint32(buf[72:76], sb.MaxNid)
	le.PutUint32(buf[76:80], sb.RootNid)

	le.PutUint32(buf[sbEncodedSize-4:sbEncodedSize], Checksum(buf[:sbEncodedSize-4]))
	return buf
}

// DecodeSuperblock parses and validates a superblock from a raw block.
// Magic or CRC mismatch returns common.ErrCorrupted.
func DecodeSuperblock(data []byte) (*Superblock, error) {
	if len(data) < sbEncodedSize {
		return nil, fmt.Errorf("superblock too short (%d bytes): %w", len(data), common.ErrCorrupted)
	}
	le := binary.LittleEndian

	stored := le.Uint32(data[sbEncodedSize-4 : sbEncodedSize])
	if computed := Checksum(data[:sbEncodedSize-4]); computed != stored {
		return nil, fmt.Errorf("superblock crc mismatch: computed 0x%x, stored 0x%x: %w",
			computed, stored, common.ErrCorrupted)
	}

	sb := &Superblock{}
	sb.Magic = le.Uint32(data[0:4])
	if sb.Magic != SuperMagic {
		return nil, fmt.Errorf("bad superblock magic 0x%x: %w", sb.Magic, common.ErrCorrupted)
	}
	sb.Version = le.Uint32(data[4:8])
	copy(sb.UUID[:], data[8:24])
	sb.LogBlocksPerSeg = le.Uint32(data[24:28])
	sb.SegsPerSec = le.Uint32(data[28:32])
	sb.SecsPerZone = le.Uint32(data[32:36])
	sb.TotalBlocks = le.Uint32(data[36:40])
	sb.CpBlkaddr = le.Uint32(data[40:44])
	sb.SitBlkaddr = le.Uint32(data[44:48])
	sb.SitBlocks = le.Uint32(data[48:52])
	sb.NatBlkaddr = le.Uint32(data[52:56])
	sb.NatBlocks = le.Uint32(data[56:60])
	sb.SsaBlkaddr = le.Uint32(data[60:64])
	sb.MainBlkaddr = le.Uint32(data[64:68])
	sb.MainSegCount = le.Uint32(data[68:72])
	sb.MaxNid = le.Uint32(data[72:76])
	sb.RootNid = le.Uint32(data[76:80])

	if err := validateSuperblock(sb); err != nil {
		return nil, err
	}
	return sb, nil
}

func validateSuperblock(sb *Superblock) error {
	if sb.LogBlocksPerSeg > 9 { // 512 blocks max, bitmap capacity
		return fmt.Errorf("blocks per segment 1<<%d exceeds %d: %w",
			sb.LogBlocksPerSeg, MaxBlocksPerSeg, common.ErrCorrupted)
	}
	if sb.SegsPerSec == 0 || sb.SecsPerZone == 0 {
		return fmt.Errorf("zero section/zone geometry: %w", common.ErrCorrupted)
	}
	if sb.MainSegCount == 0 || sb.MainSegCount%sb.SegsPerSec != 0 {
		return fmt.Errorf("main area of %d segments not section aligned: %w",
			sb.MainSegCount, common.ErrCorrupted)
	}
	end := sb.MainBlkaddr + sb.MainSegCount*sb.BlocksPerSeg()
	if end > sb.TotalBlocks {
		return fmt.Errorf("main area ends at %d beyond device %d: %w",
			end, sb.TotalBlocks, common.ErrCorrupted)
	}
	if sb.RootNid == NullNid || sb.RootNid >= sb.MaxNid {
		return fmt.Errorf("root nid %d out of range: %w", sb.RootNid, common.ErrCorrupted)
	}
	if !CpHeaderFits(sb.SitBlocks, sb.NatBlocks) {
		return fmt.Errorf("SIT/NAT areas of %d/%d blocks overflow the checkpoint header bitmaps: %w",
			sb.SitBlocks, sb.NatBlocks, common.ErrCorrupted)
	}
	return nil
}
