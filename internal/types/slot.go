package types

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/go-vbk/internal/vcrc32"
)

const (
	// BankInfoSize is the packed size of one BankInfo row.
	BankInfoSize = 16

	// slotBankInfosOff is the offset of the BankInfo array inside a slot.
	slotBankInfosOff = 124

	// slotStructSize is the size of the fixed slot part including tail
	// alignment; Size() counts from here.
	slotStructSize = 128

	// snapshotDescriptorOff/Size locate the descriptor inside the slot.
	snapshotDescriptorOff  = 8
	snapshotDescriptorSize = 108

	objRefsOff = snapshotDescriptorOff + 20
)

// BankInfo locates one bank inside the container: CRC of the whole bank,
// absolute byte offset, byte size.
type BankInfo struct {
	CRC    uint32
	Offset int64
	Size   uint32
}

// ParseBankInfo decodes a BankInfo from data at offset off.
func ParseBankInfo(data []byte, off int) BankInfo {
	return BankInfo{
		CRC:    binary.LittleEndian.Uint32(data[off : off+4]),
		Offset: int64(binary.LittleEndian.Uint64(data[off+4 : off+12])),
		Size:   binary.LittleEndian.Uint32(data[off+12 : off+16]),
	}
}

// Put encodes the BankInfo into data at offset off.
func (b BankInfo) Put(data []byte, off int) {
	binary.LittleEndian.PutUint32(data[off:off+4], b.CRC)
	binary.LittleEndian.PutUint64(data[off+4:off+12], uint64(b.Offset))
	binary.LittleEndian.PutUint32(data[off+12:off+16], b.Size)
}

func (b BankInfo) String() string {
	return fmt.Sprintf("<BankInfo crc=%08x, offset=%12x, size=%7x>", b.CRC, b.Offset, b.Size)
}

// ObjRefs names the root pages a snapshot hangs off.
type ObjRefs struct {
	MetaRootDirPage      PhysPageID
	ChildrenNum          uint64
	DataStoreRootPage    PhysPageID
	BlocksCount          uint64
	FreeBlocksRoot       PhysPageID
	DedupRoot            PhysPageID
	F30                  PhysPageID
	F38                  PhysPageID
	CryptoStoreRootPage  PhysPageID
	ArchiveBlobStorePage PhysPageID
}

func parseObjRefs(data []byte, off int) ObjRefs {
	return ObjRefs{
		MetaRootDirPage:      ParsePhysPageID(data, off),
		ChildrenNum:          binary.LittleEndian.Uint64(data[off+8 : off+16]),
		DataStoreRootPage:    ParsePhysPageID(data, off+16),
		BlocksCount:          binary.LittleEndian.Uint64(data[off+24 : off+32]),
		FreeBlocksRoot:       ParsePhysPageID(data, off+32),
		DedupRoot:            ParsePhysPageID(data, off+40),
		F30:                  ParsePhysPageID(data, off+48),
		F38:                  ParsePhysPageID(data, off+56),
		CryptoStoreRootPage:  ParsePhysPageID(data, off+64),
		ArchiveBlobStorePage: ParsePhysPageID(data, off+72),
	}
}

func (r ObjRefs) put(data []byte, off int) {
	r.MetaRootDirPage.Put(data, off)
	binary.LittleEndian.PutUint64(data[off+8:off+16], r.ChildrenNum)
	r.DataStoreRootPage.Put(data, off+16)
	binary.LittleEndian.PutUint64(data[off+24:off+32], r.BlocksCount)
	r.FreeBlocksRoot.Put(data, off+32)
	r.DedupRoot.Put(data, off+40)
	r.F30.Put(data, off+48)
	r.F38.Put(data, off+56)
	r.CryptoStoreRootPage.Put(data, off+64)
	r.ArchiveBlobStorePage.Put(data, off+72)
}

// SnapshotDescriptor describes one backup snapshot.
type SnapshotDescriptor struct {
	Version    uint64
	StorageEOF uint64
	NBanks     uint32
	ObjRefs    ObjRefs
	F64        uint64
}

func parseSnapshotDescriptor(data []byte, off int) SnapshotDescriptor {
	return SnapshotDescriptor{
		Version:    binary.LittleEndian.Uint64(data[off : off+8]),
		StorageEOF: binary.LittleEndian.Uint64(data[off+8 : off+16]),
		NBanks:     binary.LittleEndian.Uint32(data[off+16 : off+20]),
		ObjRefs:    parseObjRefs(data, off+20),
		F64:        binary.LittleEndian.Uint64(data[off+100 : off+108]),
	}
}

func (s SnapshotDescriptor) put(data []byte, off int) {
	binary.LittleEndian.PutUint64(data[off:off+8], s.Version)
	binary.LittleEndian.PutUint64(data[off+8:off+16], s.StorageEOF)
	binary.LittleEndian.PutUint32(data[off+16:off+20], s.NBanks)
	s.ObjRefs.put(data, off+20)
	binary.LittleEndian.PutUint64(data[off+100:off+108], s.F64)
}

func (s SnapshotDescriptor) String() string {
	return fmt.Sprintf("<SnapshotDescriptor version=%x, storage_eof=%x, nBanks=%x, root=%s, datastore=%s, crypto=%s>",
		s.Version, s.StorageEOF, s.NBanks,
		s.ObjRefs.MetaRootDirPage, s.ObjRefs.DataStoreRootPage, s.ObjRefs.CryptoStoreRootPage)
}

// Slot is one of the (at most two) snapshot descriptors of a container,
// followed by a variable-length BankInfo array.
type Slot struct {
	CRC            uint32
	HasSnapshot    uint32
	Snapshot       SnapshotDescriptor
	MaxBanks       uint32
	AllocatedBanks uint32
	BankInfos      []BankInfo
}

// SlotSizeFor returns the byte size of a slot with the given bank capacity.
func SlotSizeFor(maxBanks uint32) int {
	return slotStructSize + int(maxBanks)*BankInfoSize
}

// ParseSlotHeader decodes the fixed part of a slot plus however many
// BankInfos the supplied data covers. Call it on the first page to learn
// Size(), then re-parse the full region with ParseSlot.
func ParseSlotHeader(data []byte) (*Slot, error) {
	if len(data) < slotBankInfosOff {
		return nil, fmt.Errorf("slot header needs %#x bytes, got %#x", slotBankInfosOff, len(data))
	}

	s := &Slot{
		CRC:            binary.LittleEndian.Uint32(data[0:4]),
		HasSnapshot:    binary.LittleEndian.Uint32(data[4:8]),
		Snapshot:       parseSnapshotDescriptor(data, snapshotDescriptorOff),
		MaxBanks:       binary.LittleEndian.Uint32(data[116:120]),
		AllocatedBanks: binary.LittleEndian.Uint32(data[120:124]),
	}

	n := int(s.AllocatedBanks)
	if s.AllocatedBanks > MaxBanks {
		n = 0 // garbage header; don't trust the count
	}
	for i := 0; i < n; i++ {
		off := slotBankInfosOff + i*BankInfoSize
		if off+BankInfoSize > len(data) {
			break
		}
		s.BankInfos = append(s.BankInfos, ParseBankInfo(data, off))
	}

	return s, nil
}

// ParseSlot decodes a slot from a buffer covering its full Size().
func ParseSlot(data []byte) (*Slot, error) {
	s, err := ParseSlotHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) < s.Size() {
		return nil, fmt.Errorf("slot needs %#x bytes, got %#x", s.Size(), len(data))
	}
	s.BankInfos = s.BankInfos[:0]
	for i := 0; i < int(s.AllocatedBanks) && i < int(s.MaxBanks); i++ {
		s.BankInfos = append(s.BankInfos, ParseBankInfo(data, slotBankInfosOff+i*BankInfoSize))
	}
	return s, nil
}

// Size is the byte size of the slot region including the BankInfo array.
func (s *Slot) Size() int {
	return SlotSizeFor(s.MaxBanks)
}

// ValidFast applies the cheap structural checks.
func (s *Slot) ValidFast() bool {
	return s.CRC != 0 &&
		s.HasSnapshot == 1 &&
		s.MaxBanks > 0 && s.MaxBanks <= MaxBanks &&
		s.AllocatedBanks <= s.MaxBanks
}

// ValidCRC verifies the stored CRC against the slot bytes. The checksum
// covers everything after the crc field up to the end of the BankInfo
// array (the trailing alignment padding is excluded).
func (s *Slot) ValidCRC(data []byte) bool {
	if len(data) < s.Size() {
		return false
	}
	return vcrc32.Checksum(data[4:s.Size()-4]) == s.CRC
}

// Marshal encodes the slot into a fresh Size() byte buffer and stamps a
// valid CRC. Used by the scanner when synthesizing a slot.
func (s *Slot) Marshal() []byte {
	data := make([]byte, s.Size())
	binary.LittleEndian.PutUint32(data[4:8], s.HasSnapshot)
	s.Snapshot.put(data, snapshotDescriptorOff)
	binary.LittleEndian.PutUint32(data[116:120], s.MaxBanks)
	binary.LittleEndian.PutUint32(data[120:124], s.AllocatedBanks)
	for i, bi := range s.BankInfos {
		if i >= int(s.MaxBanks) {
			break
		}
		bi.Put(data, slotBankInfosOff+i*BankInfoSize)
	}
	s.CRC = vcrc32.Checksum(data[4 : s.Size()-4])
	binary.LittleEndian.PutUint32(data[0:4], s.CRC)
	return data
}

func (s *Slot) String() string {
	return fmt.Sprintf("<Slot crc=%08x, has_snapshot=%x, max_banks=%x, allocated_banks=%x size=%x>",
		s.CRC, s.HasSnapshot, s.MaxBanks, s.AllocatedBanks, s.Size())
}
