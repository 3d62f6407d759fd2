package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTestSlot(t *testing.T, banks []BankInfo) (*Slot, []byte) {
	t.Helper()
	s := &Slot{
		HasSnapshot:    1,
		MaxBanks:       0x7f00,
		AllocatedBanks: uint32(len(banks)),
		BankInfos:      banks,
	}
	s.Snapshot.Version = 0x18
	s.Snapshot.NBanks = uint32(len(banks))
	s.Snapshot.ObjRefs.MetaRootDirPage = PhysPageID{BankID: 0, PageID: 0}
	s.Snapshot.ObjRefs.DataStoreRootPage = PhysPageID{BankID: 1, PageID: 0}
	s.Snapshot.ObjRefs.CryptoStoreRootPage = EmptyPPI
	s.Snapshot.ObjRefs.ArchiveBlobStorePage = EmptyPPI
	return s, s.Marshal()
}

func TestSlotMarshalParseRoundTrip(t *testing.T) {
	banks := []BankInfo{
		{CRC: 0xdeadbeef, Offset: 0x81000, Size: 0x22000},
		{CRC: 0x12345678, Offset: 0xa3000, Size: 0x90000},
	}
	src, data := buildTestSlot(t, banks)

	got, err := ParseSlot(data)
	require.NoError(t, err)

	assert.True(t, got.ValidFast())
	assert.True(t, got.ValidCRC(data))
	assert.Equal(t, src.CRC, got.CRC)
	assert.Equal(t, uint32(2), got.AllocatedBanks)
	assert.Equal(t, banks, got.BankInfos)
	assert.Equal(t, PhysPageID{BankID: 1, PageID: 0}, got.Snapshot.ObjRefs.DataStoreRootPage)
	assert.True(t, got.Snapshot.ObjRefs.CryptoStoreRootPage.Empty())
}

func TestSlotValidFastRejects(t *testing.T) {
	_, data := buildTestSlot(t, nil)
	s, err := ParseSlot(data)
	require.NoError(t, err)

	s.HasSnapshot = 2
	assert.False(t, s.ValidFast())

	s.HasSnapshot = 1
	s.CRC = 0
	assert.False(t, s.ValidFast())

	s.CRC = 1
	s.AllocatedBanks = s.MaxBanks + 1
	assert.False(t, s.ValidFast())
}

func TestSlotCRCDetectsCorruption(t *testing.T) {
	_, data := buildTestSlot(t, []BankInfo{{CRC: 1, Offset: 0x1000, Size: 0x22000}})
	s, err := ParseSlot(data)
	require.NoError(t, err)
	require.True(t, s.ValidCRC(data))

	data[slotBankInfosOff] ^= 0xff
	assert.False(t, s.ValidCRC(data))
}

func TestParseSlotHeaderTruncated(t *testing.T) {
	_, err := ParseSlotHeader(make([]byte, 16))
	assert.Error(t, err)
}
