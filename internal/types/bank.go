package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Offsets inside a bank header page.
const (
	bankFreePagesOff = 4
	bankZeroesOff    = bankFreePagesOff + BankMaxPages
	bankKeysetIDOff  = bankZeroesOff + BankMaxPages*2
	bankEncrSizeOff  = bankKeysetIDOff + DigestSize
)

// EncryptionMode of a bank.
type EncryptionMode uint8

const (
	EMNone EncryptionMode = 0
	EMData EncryptionMode = 1
	EMFull EncryptionMode = 2
)

// BankHeader is the first page of a bank: page count, free-page marker
// table (0 = used, 1 = free) and optional encryption metadata.
type BankHeader struct {
	NPages    uint16
	EncrMode  EncryptionMode
	FreePages []byte // BankMaxPages entries
	KeysetID  Digest
	EncrSize  uint32

	zeroesOK bool
}

// ParseBankHeader decodes a bank header from the first PageSize bytes.
func ParseBankHeader(data []byte) (*BankHeader, error) {
	if len(data) < PageSize {
		return nil, fmt.Errorf("bank header needs %#x bytes, got %#x", PageSize, len(data))
	}

	h := &BankHeader{
		NPages:    binary.LittleEndian.Uint16(data[0:2]),
		EncrMode:  EncryptionMode(data[2]),
		FreePages: data[bankFreePagesOff : bankFreePagesOff+BankMaxPages],
		KeysetID:  ParseDigest(data, bankKeysetIDOff),
		EncrSize:  binary.LittleEndian.Uint32(data[bankEncrSizeOff : bankEncrSizeOff+4]),
	}
	h.zeroesOK = allZero(data[bankZeroesOff : bankZeroesOff+BankMaxPages*2])
	return h, nil
}

// BankSize is the byte size of the whole bank, NPages+2 pages: the
// header page (which also holds the free-page table), the NPages data
// pages that follow it, and one trailing page.
func (h *BankHeader) BankSize() int {
	return (int(h.NPages) + 2) * PageSize
}

// Valid applies the fast structural checks on the header page alone.
func (h *BankHeader) Valid() bool {
	return h.NPages >= BankMinPages && h.NPages <= BankMaxPages &&
		h.freePagesValid() &&
		h.zeroesOK &&
		h.ValidEncrConfig()
}

// freePagesValid requires every marker to be 0 or 1 with at least one
// page in use.
func (h *BankHeader) freePagesValid() bool {
	wasOccupied := false
	for _, m := range h.FreePages {
		if m > 1 {
			return false
		}
		if m == 0 {
			wasOccupied = true
		}
	}
	return wasOccupied
}

// ValidEncrConfig accepts either a fully absent or a coherent encryption
// configuration.
func (h *BankHeader) ValidEncrConfig() bool {
	if h.KeysetID.IsZero() {
		return h.EncrSize == 0
	}
	return h.EncrSize > 0 && int(h.EncrSize) <= h.BankSize()-PageSize
}

// IsEncrypted reports whether the bank payload is encrypted.
func (h *BankHeader) IsEncrypted() bool {
	return h.ValidEncrConfig() && h.EncrSize > 0
}

func (h *BankHeader) String() string {
	enc := 0
	if h.IsEncrypted() {
		enc = 1
	}
	return fmt.Sprintf("<Bank size=%6x encrypted=%d encr_size=%x>", h.BankSize(), enc, h.EncrSize)
}

// ClearBankEncryption zeroes the keyset id and encrypted size fields of
// the header page after an in-place decryption.
func ClearBankEncryption(bank []byte) {
	for i := 0; i < DigestSize; i++ {
		bank[bankKeysetIDOff+i] = 0
	}
	binary.LittleEndian.PutUint32(bank[bankEncrSizeOff:bankEncrSizeOff+4], 0)
}

// dedupRecSize is the packed size of one dedup-index record.
const dedupRecSize = 0x20

// isDedupIndexPage recognizes the dedup index: a record count followed
// by hash-sorted records with empty page references.
func isDedupIndexPage(page []byte) bool {
	n := binary.LittleEndian.Uint32(page[0:4])
	if n < 10 || n > (PageSize-4)/dedupRecSize {
		return false
	}
	for i := uint32(0); i < n-1; i++ {
		off := 4 + int(i)*dedupRecSize
		if !ParsePhysPageID(page, off).Empty() {
			return false
		}
		cur := page[off+8 : off+8+DigestSize]
		next := page[off+dedupRecSize+8 : off+dedupRecSize+8+DigestSize]
		if bytes.Compare(cur, next) >= 0 {
			return false
		}
	}
	return true
}

// IsPageStackRootPage recognizes the first page of a PageStack rooted at
// the given page id: empty next link plus a matching self reference.
func IsPageStackRootPage(page []byte, pageID int) bool {
	return int32(binary.LittleEndian.Uint32(page[0:4])) == -1 &&
		int32(binary.LittleEndian.Uint32(page[4:8])) == -1 &&
		int32(binary.LittleEndian.Uint32(page[8:12])) == int32(pageID)
}

// BankValidSlow applies the deep validation pass over a fully loaded
// bank: at least two non-free pages must parse as a known record family,
// or the first data page must be a dedup index. Encrypted banks pass
// trivially since nothing can be checked without the key.
func BankValidSlow(bank []byte) bool {
	h, err := ParseBankHeader(bank)
	if err != nil {
		return false
	}
	if h.IsEncrypted() {
		return true
	}

	nOK := 0
	for pageID := 0; pageID < int(h.NPages); pageID++ {
		off := (pageID + 1) * PageSize
		if off+PageSize > len(bank) {
			return false
		}
		if h.FreePages[pageID] != 0 {
			continue
		}
		page := bank[off : off+PageSize]
		if pageID == 0 && isDedupIndexPage(page) {
			return true
		}
		if IsPageStackRootPage(page, pageID) || pageHasValidKeySetRec(page) {
			nOK++
			if nOK >= 2 {
				return true
			}
		}
	}
	return false
}

func allZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}
