package meta

import (
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-vbk/internal/device"
	"github.com/deploymenttheory/go-vbk/internal/types"
	"github.com/deploymenttheory/go-vbk/internal/vcrc32"
)

// ErrNoValidSlots is returned when neither slot of a container survives
// validation; the scanner is the remaining recovery path.
var ErrNoValidSlots = errors.New("no valid slots found")

// slotScore is one candidate slot with its per-bank verification bitmap.
type slotScore struct {
	offset     int64
	validBanks []bool
}

func (sc slotScore) score() int {
	n := 0
	for _, ok := range sc.validBanks {
		if ok {
			n++
		}
	}
	return n
}

// importContainer runs the full container open path: parse the file
// header, probe both slot mirrors, verify every referenced bank against
// its declared CRC and size, pick the best-covered slot and import it.
func (s *Store) importContainer(r *device.Reader, offset int64, opts Options) error {
	hdrBuf := make([]byte, types.PageSize)
	if _, err := r.ReadFull(offset, hdrBuf); err != nil {
		return err
	}
	hdr, err := types.ParseFileHeader(hdrBuf)
	if err != nil {
		return err
	}

	slotSize := 0x80000
	if hdr.Valid() {
		slotSize = hdr.SlotSize()
	} else {
		s.log.Warnf("%08x: invalid file header: %s", offset, hdr)
	}
	s.log.Debugf("max_banks: %x, slot_size: %x", hdr.MaxBanks(), slotSize)
	if hdr.SlotFmt == 0 && hdr.Valid() {
		s.log.WithField("kind", "BadStructure").
			Warn("slot_fmt 0 containers are accepted but untested; bank capacity 0xf8 is assumed")
	}

	var candidates []slotScore
	slotBuf := make([]byte, slotSize)
	for slotIdx := 0; slotIdx < types.MaxSlots; slotIdx++ {
		if opts.OnlySlot != 0 && opts.OnlySlot-1 != slotIdx {
			continue
		}
		slotOffset := offset + types.PageSize + int64(slotIdx)*int64(slotSize)
		if _, err := r.ReadFull(slotOffset, slotBuf); err != nil {
			s.log.Warnf("slot[%d] at %#x unreadable: %v", slotIdx, slotOffset, err)
			continue
		}

		slot, err := types.ParseSlotHeader(slotBuf)
		if err != nil {
			continue
		}
		valid := slot.Size() <= slotSize && slot.ValidFast()
		if valid {
			full, perr := types.ParseSlot(slotBuf)
			if perr == nil {
				slot = full
				valid = full.ValidCRC(slotBuf)
			} else {
				valid = false
			}
		}
		s.log.WithFields(logrus.Fields{"offset": slotOffset, "valid": valid}).
			Infof("slot[%d]: %s", slotIdx, slot)
		if !valid {
			continue
		}
		s.log.Infof("  %s", slot.Snapshot)
		if slot.Snapshot.StorageEOF > uint64(r.Size()) {
			s.log.Errorf("  storage_eof %x > actual EOF %x", slot.Snapshot.StorageEOF, r.Size())
		}

		sc := slotScore{offset: slotOffset, validBanks: make([]bool, slot.AllocatedBanks)}
		for i, bi := range slot.BankInfos {
			if bi.Size == 0 || int64(bi.Size) > types.MaxBankSize {
				continue
			}
			bankBuf := make([]byte, bi.Size)
			if _, err := r.ReadFull(offset+bi.Offset, bankBuf); err != nil {
				s.log.Warnf("    bank %02x: unreadable: %v", i, err)
				continue
			}
			h, err := types.ParseBankHeader(bankBuf)
			if err != nil || !h.Valid() {
				s.log.Warnf("    bank %02x: %s [invalid header]", i, bi)
				continue
			}
			crc := vcrc32.Checksum(bankBuf)
			if crc != bi.CRC || h.BankSize() != int(bi.Size) {
				s.log.Warnf("    bank %02x: %s [actual crc %08x size %x]", i, bi, crc, h.BankSize())
				continue
			}
			sc.validBanks[i] = true
		}
		candidates = append(candidates, sc)
	}

	if len(candidates) == 0 {
		return ErrNoValidSlots
	}

	best := candidates[0]
	merged := make([]bool, 0)
	for _, sc := range candidates {
		s.log.Debugf("slot @ %08x: score %x", sc.offset, sc.score())
		if sc.score() > best.score() {
			best = sc
		}
		for len(merged) < len(sc.validBanks) {
			merged = append(merged, false)
		}
		for i, ok := range sc.validBanks {
			if ok {
				merged[i] = true
			}
		}
	}

	mergedScore := 0
	for _, ok := range merged {
		if ok {
			mergedScore++
		}
	}
	if mergedScore > best.score() {
		s.log.Warnf("merged score %x > best score %x: slot merging is necessary, the scan command can do that",
			mergedScore, best.score())
	}

	if best.score() == 0 {
		return ErrNoValidSlots
	}

	s.log.Infof("using slot @ %x", best.offset)
	return s.importSlot(r, best.offset, opts)
}
