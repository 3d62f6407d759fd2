package types

import (
	"encoding/binary"
	"fmt"
)

// DirItemRecSize is the packed size of one directory entry.
const DirItemRecSize = 0xc0

const (
	dirItemNameOff    = 8
	dirItemNameCap    = 0x80
	dirItemPropsOff   = 0x88
	dirItemF90Off     = 0x90
	dirItemPayloadOff = 0x94
)

// DirItemRec is one directory entry. The type-dependent payload is
// decoded into exactly one of the variant fields at parse time; no raw
// union handling leaks out of this file.
type DirItemRec struct {
	Type     FileType
	NameLen  uint32
	Name     string
	PropsLoc PhysPageID
	F90      int32

	Dir *DirPayload // FTSubfolder
	Fib *FibPayload // FTIntFib, FTExtFib
	Inc *IncPayload // FTPatch, FTIncrement
}

// DirPayload is the FTSubfolder payload.
type DirPayload struct {
	ChildrenLoc PhysPageID
	ChildrenNum int64
	A, B, C     uint64
	D           uint32
}

// FibPayload is the payload of full-image-backup entries.
type FibPayload struct {
	UpdateInProgress uint16
	Flags            uint8
	BlocksLoc        PhysPageID
	NBlocks          uint64
	FibSize          uint64
	UndirLoc         PhysPageID
}

// IncPayload extends the FIB payload for incremental entries.
type IncPayload struct {
	FibPayload
	IncSize     uint64
	VersionsLoc PhysPageID
}

func parseFibPayload(data []byte, off int) FibPayload {
	return FibPayload{
		UpdateInProgress: binary.LittleEndian.Uint16(data[off : off+2]),
		Flags:            data[off+3],
		BlocksLoc:        ParsePhysPageID(data, off+4),
		NBlocks:          binary.LittleEndian.Uint64(data[off+12 : off+20]),
		FibSize:          binary.LittleEndian.Uint64(data[off+20 : off+28]),
		UndirLoc:         ParsePhysPageID(data, off+28),
	}
}

// ParseDirItemRec decodes a directory entry from data at offset off.
func ParseDirItemRec(data []byte, off int) (*DirItemRec, error) {
	if off+DirItemRecSize > len(data) {
		return nil, fmt.Errorf("dir item needs %#x bytes at %#x, got %#x", DirItemRecSize, off, len(data)-off)
	}

	r := &DirItemRec{
		Type:     FileType(int32(binary.LittleEndian.Uint32(data[off : off+4]))),
		NameLen:  binary.LittleEndian.Uint32(data[off+4 : off+8]),
		PropsLoc: ParsePhysPageID(data, off+dirItemPropsOff),
		F90:      int32(binary.LittleEndian.Uint32(data[off+dirItemF90Off : off+dirItemF90Off+4])),
	}

	n := int(r.NameLen)
	if n > dirItemNameCap {
		n = dirItemNameCap
	}
	r.Name = string(data[off+dirItemNameOff : off+dirItemNameOff+n])

	p := off + dirItemPayloadOff
	switch r.Type {
	case FTSubfolder:
		r.Dir = &DirPayload{
			ChildrenLoc: ParsePhysPageID(data, p),
			ChildrenNum: int64(binary.LittleEndian.Uint64(data[p+8 : p+16])),
			A:           binary.LittleEndian.Uint64(data[p+16 : p+24]),
			B:           binary.LittleEndian.Uint64(data[p+24 : p+32]),
			C:           binary.LittleEndian.Uint64(data[p+32 : p+40]),
			D:           binary.LittleEndian.Uint32(data[p+40 : p+44]),
		}
	case FTPatch, FTIncrement:
		fib := parseFibPayload(data, p)
		r.Inc = &IncPayload{
			FibPayload:  fib,
			IncSize:     binary.LittleEndian.Uint64(data[p+28 : p+36]),
			VersionsLoc: ParsePhysPageID(data, p+36),
		}
	default:
		fib := parseFibPayload(data, p)
		r.Fib = &fib
	}

	return r, nil
}

// IsDir reports a subfolder entry.
func (r *DirItemRec) IsDir() bool { return r.Type == FTSubfolder }

// ValidName requires a non-empty printable-ASCII name within the field
// capacity.
func (r *DirItemRec) ValidName() bool {
	if r.NameLen == 0 || r.NameLen > dirItemNameCap {
		return false
	}
	for _, c := range []byte(r.Name) {
		if c < 0x20 || c >= 0x7f {
			return false
		}
	}
	return true
}

func (p *DirPayload) valid(maxBanks int32) bool {
	if !p.ChildrenLoc.Valid() || p.ChildrenNum <= 0 {
		return false
	}
	return maxBanks == 0 || p.ChildrenLoc.BankID < maxBanks
}

func (p *FibPayload) valid(maxBanks int32) bool {
	ok := p.NBlocks > 0 && p.NBlocks <= p.FibSize && p.FibSize > 0 && p.BlocksLoc.Valid()
	if ok && maxBanks != 0 {
		ok = p.BlocksLoc.BankID < maxBanks
	}
	return ok
}

// Valid applies the full entry acceptance rules. maxBanks, when
// non-zero, additionally bounds every referenced bank id.
func (r *DirItemRec) Valid(maxBanks int32) bool {
	if r.Type < FTSubfolder || r.Type > FTIncrement || !r.ValidName() || !r.PropsLoc.ValidOrEmpty() {
		return false
	}
	if maxBanks != 0 && !r.PropsLoc.Empty() && r.PropsLoc.BankID >= maxBanks {
		return false
	}

	switch r.Type {
	case FTSubfolder:
		return r.Dir.valid(maxBanks)
	case FTIntFib:
		return r.Fib.valid(maxBanks)
	default:
		// external FIBs and patch entries carry no locally checkable payload
		return true
	}
}

func (r *DirItemRec) String() string {
	s := fmt.Sprintf("<DirItemRec type=%s name=%q", r.Type, r.Name)
	if !r.PropsLoc.Empty() {
		s += fmt.Sprintf(" props=%s", r.PropsLoc)
	}
	switch {
	case r.Dir != nil:
		s += fmt.Sprintf(" children_loc=%s children_num=%x", r.Dir.ChildrenLoc, r.Dir.ChildrenNum)
	case r.Inc != nil:
		s += fmt.Sprintf(" blocks_loc=%s nBlocks=%x fib_size=%x inc_size=%x", r.Inc.BlocksLoc, r.Inc.NBlocks, r.Inc.FibSize, r.Inc.IncSize)
	case r.Fib != nil:
		s += fmt.Sprintf(" blocks_loc=%s nBlocks=%x fib_size=%x", r.Fib.BlocksLoc, r.Fib.NBlocks, r.Fib.FibSize)
	}
	return s + ">"
}
