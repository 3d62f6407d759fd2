package types

import (
	"encoding/binary"
	"fmt"
)

// Packed record sizes.
const (
	MetaTableDescriptorSize     = 0x18
	FibBlockDescriptorV7Size    = 0x2e
	PatchBlockDescriptorV7Size  = 0x35
	BlockDescriptorSize         = 0x3c
	MetaTableMaxBlocks          = 0x440
	MetaTableCapacity           = MetaTableMaxBlocks * BlockSize
	LZHeaderSize                = 12
)

// LZStartMagic is the dword opening every LZ4-compressed block
// (0x08000000 within it is a flag bit the agent masks out).
const LZStartMagic uint32 = 0xf800000f

// MetaTableDescriptor indexes one run of block descriptors of a FIB
// file. Three shapes occur: sparse (no pages, full capacity of zero
// blocks), last (single undersized block) and regular.
type MetaTableDescriptor struct {
	PPI       PhysPageID
	BlockSize int64
	NBlocks   int64
}

// ParseMetaTableDescriptor decodes a descriptor from data at offset off.
func ParseMetaTableDescriptor(data []byte, off int) MetaTableDescriptor {
	return MetaTableDescriptor{
		PPI:       ParsePhysPageID(data, off),
		BlockSize: int64(binary.LittleEndian.Uint64(data[off+8 : off+16])),
		NBlocks:   int64(binary.LittleEndian.Uint64(data[off+16 : off+24])),
	}
}

// IsSparse reports the all-sparse shape.
func (d MetaTableDescriptor) IsSparse() bool {
	return d.NBlocks == 0 && d.PPI.Empty() && d.BlockSize == BlockSize
}

// Empty reports the zero record terminating a descriptor run.
func (d MetaTableDescriptor) Empty() bool {
	return d.PPI.Zero() && d.BlockSize == 0 && d.NBlocks == 0
}

// Valid applies the shape rules (tuned for the canonical 1 MiB block size).
func (d MetaTableDescriptor) Valid() bool {
	switch d.NBlocks {
	case 0:
		return d.IsSparse()
	case 1:
		return d.PPI.Valid() && !d.PPI.Zero() && d.BlockSize > 0 && d.BlockSize < BlockSize
	default:
		return d.PPI.Valid() && !d.PPI.Zero() && d.BlockSize == BlockSize &&
			d.NBlocks > 0 && d.NBlocks <= MetaTableMaxBlocks
	}
}

// ByteSize is the logical extent the descriptor covers.
func (d MetaTableDescriptor) ByteSize() int64 {
	if d.IsSparse() {
		return MetaTableCapacity
	}
	return d.BlockSize * d.NBlocks
}

func (d MetaTableDescriptor) String() string {
	return fmt.Sprintf("<MetaTableDescriptor ppi=%s, block_size=%x, nBlocks=%x>", d.PPI, d.BlockSize, d.NBlocks)
}

// FibBlockDescriptorV7 is the per-block entry of internal FIB files.
type FibBlockDescriptorV7 struct {
	Size     uint32
	Type     uint8
	Digest   Digest
	ID       uint64
	Flags    uint8
	KeysetID Digest
}

// ParseFibBlockDescriptorV7 decodes an entry from data at offset off.
func ParseFibBlockDescriptorV7(data []byte, off int) FibBlockDescriptorV7 {
	return FibBlockDescriptorV7{
		Size:     binary.LittleEndian.Uint32(data[off : off+4]),
		Type:     data[off+4],
		Digest:   ParseDigest(data, off+5),
		ID:       binary.LittleEndian.Uint64(data[off+0x15 : off+0x1d]),
		Flags:    data[off+0x1d],
		KeysetID: ParseDigest(data, off+0x1e),
	}
}

// Valid applies the entry acceptance rules.
func (d FibBlockDescriptorV7) Valid() bool {
	return d.Size > 0 && d.Size <= BlockSize &&
		(d.Type == 0 || d.Type == 1) &&
		!d.Digest.IsZero()
}

// ValidNotEncrypted is the stricter deep-scan predicate, rejecting
// keyset-carrying entries to cut false positives.
func (d FibBlockDescriptorV7) ValidNotEncrypted() bool {
	return d.Valid() && d.KeysetID.IsZero()
}

func (d FibBlockDescriptorV7) String() string {
	return fmt.Sprintf("<FibBlockDescriptorV7 size=%x, type=%x, digest=%s>", d.Size, d.Type, d.Digest)
}

// PatchBlockDescriptorV7 is the per-block entry of incremental files.
// The absolute target offset equals BlockIdx * BlockSize.
type PatchBlockDescriptorV7 struct {
	Size     uint32
	Type     uint8
	Digest   Digest
	ID       int64
	BlockIdx int64
	Digest2  Digest
}

// ParsePatchBlockDescriptorV7 decodes an entry from data at offset off.
func ParsePatchBlockDescriptorV7(data []byte, off int) PatchBlockDescriptorV7 {
	return PatchBlockDescriptorV7{
		Size:     binary.LittleEndian.Uint32(data[off : off+4]),
		Type:     data[off+4],
		Digest:   ParseDigest(data, off+5),
		ID:       int64(binary.LittleEndian.Uint64(data[off+0x15 : off+0x1d])),
		BlockIdx: int64(binary.LittleEndian.Uint64(data[off+0x1d : off+0x25])),
		Digest2:  ParseDigest(data, off+0x25),
	}
}

// FibOffset is the absolute byte position the patch block targets.
func (d PatchBlockDescriptorV7) FibOffset() int64 {
	return d.BlockIdx * BlockSize
}

// Valid applies the entry acceptance rules.
func (d PatchBlockDescriptorV7) Valid() bool {
	return d.Size == BlockSize &&
		d.Type == 0 &&
		!d.Digest.IsZero() &&
		d.ID >= 0 &&
		d.BlockIdx >= 0 &&
		d.Digest2.IsZero()
}

func (d PatchBlockDescriptorV7) String() string {
	return fmt.Sprintf("<PatchBlockDescriptorV7 size=%x, type=%x, digest=%s, id=%x, block_idx=%x>",
		d.Size, d.Type, d.Digest, d.ID, d.BlockIdx)
}

// BlockDescriptor is one row of the datastore: a content digest mapped
// to a physical location, compression mode and sizes.
type BlockDescriptor struct {
	Location  BlockLocation
	UsageCnt  uint32
	Offset    uint64
	AllocSize uint32
	Dedup     uint8
	Digest    Digest
	CompType  CompType
	Unused    uint8
	CompSize  uint32
	SrcSize   uint32
	KeysetID  Digest
}

// ParseBlockDescriptor decodes a descriptor from data at offset off.
func ParseBlockDescriptor(data []byte, off int) BlockDescriptor {
	return BlockDescriptor{
		Location:  BlockLocation(data[off]),
		UsageCnt:  binary.LittleEndian.Uint32(data[off+1 : off+5]),
		Offset:    binary.LittleEndian.Uint64(data[off+5 : off+13]),
		AllocSize: binary.LittleEndian.Uint32(data[off+13 : off+17]),
		Dedup:     data[off+17],
		Digest:    ParseDigest(data, off+18),
		CompType:  CompType(data[off+0x22]),
		Unused:    data[off+0x23],
		CompSize:  binary.LittleEndian.Uint32(data[off+0x24 : off+0x28]),
		SrcSize:   binary.LittleEndian.Uint32(data[off+0x28 : off+0x2c]),
		KeysetID:  ParseDigest(data, off+0x2c),
	}
}

// Valid applies the datastore row acceptance rules.
func (d BlockDescriptor) Valid() bool {
	if d.Location != BLBlockInBlob || d.AllocSize == 0 || d.AllocSize < d.CompSize {
		return false
	}
	if !d.Digest.IsZero() {
		return d.CompSize != 0 && d.SrcSize != 0 && ValidCompType(d.CompType)
	}
	return d.CompSize == 0 && d.SrcSize == 0 && d.CompType == 0 && d.Dedup == 0
}

// IsEmptyBlockDescriptorAt reports the all-zero or all-0xFF terminator
// rows of a descriptor page.
func IsEmptyBlockDescriptorAt(data []byte, off int) bool {
	region := data[off : off+BlockDescriptorSize]
	all0, allF := true, true
	for _, b := range region {
		if b != 0 {
			all0 = false
		}
		if b != 0xff {
			allF = false
		}
		if !all0 && !allF {
			return false
		}
	}
	return true
}

func (d BlockDescriptor) String() string {
	s := fmt.Sprintf("<BlockDescriptor location=%x, usageCnt=%x, offset=%x, allocSize=%x, dedup=%x, digest=%s, compType=%x, compSize=%x, srcSize=%x",
		d.Location, d.UsageCnt, d.Offset, d.AllocSize, d.Dedup, d.Digest, uint8(d.CompType), d.CompSize, d.SrcSize)
	if !d.KeysetID.IsZero() {
		s += fmt.Sprintf(" keysetID=%s", d.KeysetID)
	}
	return s + ">"
}

// LZHeader opens every LZ4-compressed data block.
type LZHeader struct {
	Magic   uint32
	CRC     uint32
	SrcSize uint32
}

// ParseLZHeader decodes the 12-byte block header from data at offset off.
func ParseLZHeader(data []byte, off int) LZHeader {
	return LZHeader{
		Magic:   binary.LittleEndian.Uint32(data[off : off+4]),
		CRC:     binary.LittleEndian.Uint32(data[off+4 : off+8]),
		SrcSize: binary.LittleEndian.Uint32(data[off+8 : off+12]),
	}
}

// Valid checks the magic and plausibility of the decompressed size.
func (h LZHeader) Valid() bool {
	return h.Magic == LZStartMagic && h.SrcSize > 0 && h.SrcSize <= BlockSize
}
