package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhysPageIDValidation(t *testing.T) {
	tests := []struct {
		name  string
		ppi   PhysPageID
		valid bool
		empty bool
	}{
		{"root dir page", PhysPageID{BankID: 0, PageID: 0}, true, false},
		{"default datastore", DefaultDatastorePPI, true, false},
		{"empty sentinel", EmptyPPI, false, true},
		{"max bank", PhysPageID{BankID: MaxBanks, PageID: 0}, true, false},
		{"bank out of range", PhysPageID{BankID: MaxBanks + 1, PageID: 0}, false, false},
		{"page out of range", PhysPageID{BankID: 0, PageID: BankMaxPages + 1}, false, false},
		{"negative bank only", PhysPageID{BankID: -1, PageID: 3}, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.ppi.Valid())
			assert.Equal(t, tt.empty, tt.ppi.Empty())
			if tt.empty {
				assert.True(t, tt.ppi.ValidOrEmpty())
			}
		})
	}
}

func TestPhysPageIDRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	want := PhysPageID{BankID: 0x1234, PageID: 0x56}
	want.Put(buf, 4)
	assert.Equal(t, want, ParsePhysPageID(buf, 4))
}

func TestPhysPageIDString(t *testing.T) {
	assert.Equal(t, "0002:0011", PhysPageID{BankID: 2, PageID: 0x11}.String())
	assert.Equal(t, "-1:-1", EmptyPPI.String())

	assert.Equal(t, PhysPageID{BankID: 2, PageID: 0x11}, ParsePPIString("0002:0011"))
	assert.Equal(t, EmptyPPI, ParsePPIString("bogus"))
}

func TestPhysPageIDOrdering(t *testing.T) {
	a := PhysPageID{BankID: 1, PageID: 9}
	b := PhysPageID{BankID: 2, PageID: 0}
	c := PhysPageID{BankID: 2, PageID: 1}
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, c.Less(a))
}

func TestDigestParsing(t *testing.T) {
	d, err := ParseDigestString("b6d81b360a5672d80c27430f39153e2c")
	require.NoError(t, err)
	assert.Equal(t, EmptyBlockDigest, d)
	assert.Equal(t, "b6d81b360a5672d80c27430f39153e2c", d.String())

	_, err = ParseDigestString("zz")
	assert.Error(t, err)

	assert.True(t, ZeroBlockDigest.IsZero())
	assert.False(t, EmptyBlockDigest.IsZero())
}

func TestFileHeaderSlotSize(t *testing.T) {
	h := &FileHeader{SlotFmt: 9}
	assert.Equal(t, 0x7f00, h.MaxBanks())
	assert.Equal(t, 0x80000, h.SlotSize())

	h.SlotFmt = 5
	assert.Equal(t, 0x80000, h.SlotSize())

	h.SlotFmt = 0
	assert.Equal(t, 0xf8, h.MaxBanks())
	assert.Equal(t, 0x1000, h.SlotSize())
}

func TestFileHeaderValid(t *testing.T) {
	data := make([]byte, FileHeaderSize)
	// version=1, inited=1, digest_type_len=3, "md5"
	data[0] = 1
	data[4] = 1
	data[8] = 3
	copy(data[12:], "md5")
	// slot_fmt=9, std_block_size=1MiB, cluster_align=0x10000
	data[fileHeaderSlotFmtOff] = 9
	data[fileHeaderSlotFmtOff+6] = 0x10
	data[fileHeaderSlotFmtOff+10] = 1

	h, err := ParseFileHeader(data)
	require.NoError(t, err)
	assert.True(t, h.Valid())
	assert.Equal(t, "md5", h.DigestType)
	assert.Equal(t, uint32(BlockSize), h.StdBlockSize)

	h.DigestType = "sha1"
	assert.False(t, h.Valid())

	h.DigestType = "md5"
	h.StdBlockSize = 511
	assert.False(t, h.Valid())
}
