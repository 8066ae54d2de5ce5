package layout

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashfs/internal/common"
)

func testSuperblock() *Superblock {
	return &Superblock{
		Magic:           SuperMagic,
		Version:         FormatVersion,
		UUID:            uuid.New(),
		LogBlocksPerSeg: 6, // 64 blocks per segment
		SegsPerSec:      2,
		SecsPerZone:     1,
		TotalBlocks:     8192,
		CpBlkaddr:       1,
		SitBlkaddr:      64,
		SitBlocks:       2,
		NatBlkaddr:      128,
		NatBlocks:       8,
		SsaBlkaddr:      192,
		MainBlkaddr:     256,
		MainSegCount:    64,
		MaxNid:          2048,
		RootNid:         1,
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := testSuperblock()
	blk := EncodeSuperblock(sb)
	require.Len(t, blk, BlockSize)

	got, err := DecodeSuperblock(blk)
	require.NoError(t, err)
	assert.Equal(t, sb, got)
	assert.Equal(t, uint32(64), got.BlocksPerSeg())
	assert.Equal(t, uint32(32), got.SectionCount())
}

func TestSuperblockCorruption(t *testing.T) {
	t.Run("flipped byte fails crc", func(t *testing.T) {
		blk := EncodeSuperblock(testSuperblock())
		blk[10] ^= 0xff
		_, err := DecodeSuperblock(blk)
		assert.ErrorIs(t, err, common.ErrCorrupted)
	})

	t.Run("bad geometry rejected", func(t *testing.T) {
		sb := testSuperblock()
		sb.MainSegCount = 63 // not section aligned (SegsPerSec=2)
		_, err := DecodeSuperblock(EncodeSuperblock(sb))
		assert.ErrorIs(t, err, common.ErrCorrupted)
	})

	t.Run("main area beyond device rejected", func(t *testing.T) {
		sb := testSuperblock()
		sb.TotalBlocks = 300
		_, err := DecodeSuperblock(EncodeSuperblock(sb))
		assert.ErrorIs(t, err, common.ErrCorrupted)
	})
}

func TestCheckpointHeaderFooter(t *testing.T) {
	h := &CpHeader{
		Version:         7,
		Flags:           CpFlagOrphanPresent,
		FreeSegCount:    12,
		ValidBlockCount: 345,
		ValidNodeCount:  9,
		ValidInodeCount: 3,
		NextFreeNid:     17,
		NatJournalN:     2,
		SitJournalN:     4,
		OrphanCount:     1,
		NatBitmap:       []byte{0x05, 0x80},
		SitBitmap:       []byte{0xff},
	}
	for i := 0; i < NrCursegs; i++ {
		h.CursegSegno[i] = uint32(10 + i)
		h.CursegBlkoff[i] = uint16(i)
	}

	blk := EncodeCpHeader(h)
	got, crc, err := DecodeCpHeader(blk)
	require.NoError(t, err)
	assert.Equal(t, h, got)
	assert.True(t, got.HasFlag(CpFlagOrphanPresent))
	assert.False(t, got.HasFlag(CpFlagUmount))
	assert.True(t, TestBit(got.NatBitmap, 2))
	assert.False(t, TestBit(got.NatBitmap, 3))
	assert.False(t, TestBit(got.NatBitmap, 100), "bits past the bitmap read as zero")

	t.Run("footer ties back to header", func(t *testing.T) {
		fblk := EncodeCpFooter(&CpFooter{Version: h.Version, HeaderCrc: crc})
		f, err := DecodeCpFooter(fblk)
		require.NoError(t, err)
		assert.Equal(t, h.Version, f.Version)
		assert.Equal(t, crc, f.HeaderCrc)
	})

	t.Run("torn header detected", func(t *testing.T) {
		blk[3] ^= 0x01
		_, _, err := DecodeCpHeader(blk)
		assert.ErrorIs(t, err, common.ErrCorrupted)
	})
}

func TestSitEntryBitmap(t *testing.T) {
	var e SitEntry
	require.Equal(t, 0, e.Popcount())

	assert.True(t, e.SetValid(0))
	assert.True(t, e.SetValid(7))
	assert.True(t, e.SetValid(511))
	assert.False(t, e.SetValid(7), "double set must report already valid")
	assert.Equal(t, 3, e.Popcount())
	assert.True(t, e.TestValid(511))

	assert.True(t, e.ClearValid(7))
	assert.False(t, e.ClearValid(7), "double clear must report already invalid")
	assert.Equal(t, 2, e.Popcount())

	t.Run("block codec preserves entry", func(t *testing.T) {
		e.Type = ColdNode
		e.ValidBlocks = uint16(e.Popcount())
		e.Mtime = 99
		blk := make([]byte, BlockSize)
		PutSitEntry(blk, SitEntriesPerBlk-1, &e)
		got := GetSitEntry(blk, SitEntriesPerBlk-1)
		assert.Equal(t, e, got)
	})
}

func TestNatJournalRoundTrip(t *testing.T) {
	entries := []NatJournalEntry{
		{Nid: 5, Entry: NatEntry{Version: 1, Ino: 5, BlkAddr: 1000}},
		{Nid: 9, Entry: NatEntry{Version: 3, Ino: 5, BlkAddr: NewAddr}},
		{Nid: 12, Entry: NatEntry{Ino: 12, BlkAddr: NullAddr}},
	}
	buf := EncodeNatJournal(entries)
	got := DecodeNatJournal(buf, len(entries))
	assert.Equal(t, entries, got)
	assert.True(t, got[2].Entry.IsNull())
}

func TestOrphanBlocksRoundTrip(t *testing.T) {
	t.Run("spills across record blocks", func(t *testing.T) {
		inos := make([]uint32, OrphansPerBlk+5)
		for i := range inos {
			inos[i] = uint32(i + 100)
		}
		got := DecodeOrphanBlocks(EncodeOrphanBlocks(inos))
		assert.Equal(t, inos, got)
	})

	t.Run("empty list decodes empty", func(t *testing.T) {
		assert.Empty(t, DecodeOrphanBlocks(EncodeOrphanBlocks(nil)))
	})
}

func TestNodeFooter(t *testing.T) {
	b := NewNodeBlock()
	f := Footer{
		Nid:         42,
		Ino:         42,
		Flag:        MakeFlag(0, FooterFsync|FooterDentry),
		CpVer:       3,
		NextBlkaddr: 777,
	}
	b.SetFooter(f)

	got := b.Footer()
	assert.Equal(t, f, got)
	assert.True(t, got.IsInode())
	assert.True(t, got.HasFsync())
	assert.True(t, got.HasDentry())
	assert.Equal(t, uint32(0), got.NodeOffset())

	t.Run("node offset packs above mark bits", func(t *testing.T) {
		flag := MakeFlag(5, FooterCold)
		f := Footer{Nid: 50, Ino: 42, Flag: flag}
		assert.Equal(t, uint32(5), f.NodeOffset())
		assert.False(t, f.IsInode())
		assert.False(t, f.HasFsync())
	})

	t.Run("inode slots do not overlap footer", func(t *testing.T) {
		b := NewNodeBlock()
		b.SetIAddr(AddrsPerInode-1, 0xdeadbeef)
		b.SetINid(InodeNidSlots-1, 0xcafe)
		assert.Equal(t, Footer{}, b.Footer())
		assert.Equal(t, uint32(0xdeadbeef), b.IAddr(AddrsPerInode-1))
		assert.Equal(t, uint32(0xcafe), b.INid(InodeNidSlots-1))
	})
}
