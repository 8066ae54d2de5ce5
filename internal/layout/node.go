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

// Node footer flag bits. Bits at and above footerOffsetShift hold the node
// offset: the position of this node within its inode's tree (0 = the inode
// block itself).
const (
	FooterCold   uint32 = 1 << 0
	FooterFsync  uint32 = 1 << 1
	FooterDentry uint32 = 1 << 2

	footerOffsetShift = 11
)

// FooterSize is the byte size of the node footer at the tail of every
// node block.
const FooterSize = 24

const (
	footerOff = BlockSize - FooterSize

	// Inode block layout within the slot area: fixed metadata, then data
	// address slots, then node id slots.
	inodeMetaSize = 360
	inodeAddrOff  = inodeMetaSize
	inodeNidOff   = inodeAddrOff + AddrsPerInode*4
)

// Footer is the trailer present in every node block. Only roll-forward
// recovery reads it from disk: CpVer and the fsync/dentry marks identify
// blocks written after the last checkpoint, and NextBlkaddr chains the
// fsync log forward.
type Footer struct {
	Nid         uint32
	Ino         uint32
	Flag        uint32
	CpVer       uint64
	NextBlkaddr uint32
}

// NodeOffset returns the node offset packed into the flag field.
func (f Footer) NodeOffset() uint32 { return f.Flag >> footerOffsetShift }

// IsInode reports whether the footer belongs to an inode block.
func (f Footer) IsInode() bool { return f.NodeOffset() == 0 && f.Nid == f.Ino }

// HasFsync reports the fsync mark.
func (f Footer) HasFsync() bool { return f.Flag&FooterFsync != 0 }

// HasDentry reports the dentry-durable mark on inode blocks.
func (f Footer) HasDentry() bool { return f.Flag&FooterDentry != 0 }

// MakeFlag packs a node offset with mark bits.
func MakeFlag(nodeOffset uint32, marks uint32) uint32 {
	return nodeOffset<<footerOffsetShift | marks&(1<<footerOffsetShift-1)
}

// NodeBlock is a raw node block. Interpretation of the slot area depends on
// the node's position in the tree: an inode block (node offset 0) holds
// metadata + data addresses + child nids, a direct node holds data
// addresses, an indirect node holds child nids.
type NodeBlock []byte

// NewNodeBlock returns a zeroed node block.
func NewNodeBlock() NodeBlock { return make(NodeBlock, BlockSize) }

// Footer decodes the trailer.
func (b NodeBlock) Footer() Footer {
	le := binary.LittleEndian
	return Footer{
		Nid:         le.Uint32(b[footerOff : footerOff+4]),
		Ino:         le.Uint32(b[footerOff+4 : footerOff+8]),
		Flag:        le.Uint32(b[footerOff+8 : footerOff+12]),
		CpVer:       le.Uint64(b[footerOff+12 : footerOff+20]),
		NextBlkaddr: le.Uint32(b[footerOff+20 : footerOff+24]),
	}
}

// SetFooter encodes the trailer.
func (b NodeBlock) SetFooter(f Footer) {
	le := binary.LittleEndian
	le.PutUint32(b[footerOff:footerOff+4], f.Nid)
	le.PutUint32(b[footerOff+4:footerOff+8], f.Ino)
	le.PutUint32(b[footerOff+8:footerOff+12], f.Flag)
	le.PutUint64(b[footerOff+12:footerOff+20], f.CpVer)
	le.PutUint32(b[footerOff+20:footerOff+24], f.NextBlkaddr)
}

// --- Inode block accessors ---

// Links returns the inode link count.
func (b NodeBlock) Links() uint32 { return binary.LittleEndian.Uint32(b[0:4]) }

// SetLinks sets the inode link count.
func (b NodeBlock) SetLinks(n uint32) { binary.LittleEndian.PutUint32(b[0:4], n) }

// InodeFlags returns the inode flag word.
func (b NodeBlock) InodeFlags() uint32 { return binary.LittleEndian.Uint32(b[4:8]) }

// SetInodeFlags sets the inode flag word.
func (b NodeBlock) SetInodeFlags(v uint32) { binary.LittleEndian.PutUint32(b[4:8], v) }

// Size returns the inode byte size.
func (b NodeBlock) Size() uint64 { return binary.LittleEndian.Uint64(b[8:16]) }

// SetSize sets the inode byte size.
func (b NodeBlock) SetSize(n uint64) { binary.LittleEndian.PutUint64(b[8:16], n) }

// Blocks returns the inode's allocated block count (data + interior nodes).
func (b NodeBlock) Blocks() uint64 { return binary.LittleEndian.Uint64(b[16:24]) }

// SetBlocks sets the inode's allocated block count.
func (b NodeBlock) SetBlocks(n uint64) { binary.LittleEndian.PutUint64(b[16:24], n) }

// IAddr returns the i-th direct data address of an inode block.
func (b NodeBlock) IAddr(i int) uint32 {
	off := inodeAddrOff + i*4
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// SetIAddr sets the i-th direct data address of an inode block.
func (b NodeBlock) SetIAddr(i int, addr uint32) {
	off := inodeAddrOff + i*4
	binary.LittleEndian.PutUint32(b[off:off+4], addr)
}

// INid returns the i-th child nid slot of an inode block
// (2 direct, 2 indirect, 1 double-indirect).
func (b NodeBlock) INid(i int) uint32 {
	off := inodeNidOff + i*4
	return binary.LittleEndian.Uint32(b[off : off+4])
}

// SetINid sets the i-th child nid slot of an inode block.
func (b NodeBlock) SetINid(i int, nid uint32) {
	off := inodeNidOff + i*4
	binary.LittleEndian.PutUint32(b[off:off+4], nid)
}

// --- Direct / indirect node accessors ---

// Slot returns the i-th u32 slot: a data address in direct nodes, a child
// nid in indirect nodes.
func (b NodeBlock) Slot(i int) uint32 {
	return binary.LittleEndian.Uint32(b[i*4 : i*4+4])
}

// SetSlot sets the i-th u32 slot.
func (b NodeBlock) SetSlot(i int, v uint32) {
	binary.LittleEndian.PutUint32(b[i*4:i*4+4], v)
}
