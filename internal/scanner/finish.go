package scanner

import (
	"sort"

	"github.com/deploymenttheory/go-vbk/internal/device"
	"github.com/deploymenttheory/go-vbk/internal/types"
	"github.com/deploymenttheory/go-vbk/internal/util"
)

// finish closes the sweep: when no slot was found but at least two banks
// were located with consistent id inference, a synthetic slot file is
// assembled so extraction can proceed as if a slot had been present.
func (s *Scanner) finish() {
	if !s.carveMode && len(s.slotFiles) == 0 && s.isEncrypted && len(s.bankIDToInfo) <= 1 {
		s.log.Warn("encrypted banks detected and no bank was decrypted - skipping synthetic slot reconstruction")
	}
	if s.carveMode || len(s.slotFiles) > 0 || len(s.bankIDToInfo) <= 1 || s.failedGuess {
		return
	}

	s.log.Infof("no slots found, creating synthetic slot from %d inferred banks", len(s.bankIDToInfo))
	if err := s.writeSyntheticSlot(); err != nil {
		s.log.Errorf("synthetic slot reconstruction failed: %v", err)
	}
}

// ReconstructedSlotName is the filename of the synthesized slot.
const ReconstructedSlotName = "reconstructed_slot.slot"

// writeSyntheticSlot assembles a slot naming every inferred bank at
// offsets directly past the header, with typical object references, and
// appends the bank contents at those offsets.
func (s *Scanner) writeSyntheticSlot() error {
	const maxBanks = 0x7f00

	ids := make([]uint32, 0, len(s.bankIDToInfo))
	var allocatedBanks uint32
	for id := range s.bankIDToInfo {
		ids = append(ids, id)
		if id+1 > allocatedBanks {
			allocatedBanks = id + 1
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	slot := &types.Slot{
		HasSnapshot:    1,
		MaxBanks:       maxBanks,
		AllocatedBanks: allocatedBanks,
		BankInfos:      make([]types.BankInfo, allocatedBanks),
	}
	slot.Snapshot.Version = 0x18
	slot.Snapshot.NBanks = allocatedBanks
	refs := &slot.Snapshot.ObjRefs
	refs.MetaRootDirPage = types.PhysPageID{BankID: 0, PageID: 0}
	refs.ChildrenNum = 1
	refs.DataStoreRootPage = types.PhysPageID{BankID: 1, PageID: 0}
	refs.BlocksCount = 0x1bf6
	refs.FreeBlocksRoot = types.PhysPageID{BankID: 2, PageID: 0}
	refs.DedupRoot = types.PhysPageID{BankID: 1, PageID: 1}
	refs.F30 = types.EmptyPPI
	refs.F38 = types.EmptyPPI
	if s.isEncrypted {
		refs.CryptoStoreRootPage = types.PhysPageID{BankID: 2, PageID: 1}
	} else {
		refs.CryptoStoreRootPage = types.EmptyPPI
	}
	refs.ArchiveBlobStorePage = types.EmptyPPI

	offset := int64(slot.Size())
	var storageEOF uint64
	for _, id := range ids {
		info := s.bankIDToInfo[id]
		slot.BankInfos[id] = types.BankInfo{CRC: info.CRC, Offset: offset, Size: info.Size}
		offset += int64(info.Size)
		if uint64(offset) > storageEOF {
			storageEOF = uint64(offset)
		}
	}
	slot.Snapshot.StorageEOF = storageEOF

	slotPath, err := util.OutPathname(s.path, ReconstructedSlotName)
	if err != nil {
		return err
	}
	s.log.Infof("writing slot header to %s", slotPath)

	w, err := device.CreateWriter(slotPath, true)
	if err != nil {
		return err
	}
	defer w.Close()

	if _, err := w.Write(slot.Marshal()); err != nil {
		return err
	}

	s.log.Infof("adding %d banks into the slot", allocatedBanks)
	for _, id := range ids {
		info := s.bankIDToInfo[id]
		bank := make([]byte, info.Size)
		if _, err := s.reader.ReadFull(info.Offset, bank); err != nil {
			s.log.Errorf("failed to re-read bank %02x @ %x: %v", id, info.Offset, err)
			continue
		}
		if _, err := w.WriteAt(slot.BankInfos[id].Offset, bank); err != nil {
			return err
		}
	}

	s.log.Infof("slot created successfully at %s", slotPath)
	return nil
}
