// Package meta implements the page-addressed metadata store of a
// container: it loads banks from a slot, a standalone bank or a legacy
// metadata file, decrypts them in place when keysets can be derived, and
// exposes page fetch, PageStack traversal, the directory tree, the
// datastore index and deep-scan recovery on top of the raw bank buffers.
package meta

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/deploymenttheory/go-vbk/internal/device"
	"github.com/deploymenttheory/go-vbk/internal/types"
	"github.com/deploymenttheory/go-vbk/internal/vcrypto"
)

// Source selects how the metadata is laid out in the input.
type Source int

const (
	SourceAuto Source = iota
	SourceSlot
	SourceBank
	SourceLegacy
	SourceContainer
)

// Options configure the metadata store.
type Options struct {
	Source      Source
	Offset      int64
	Password    string
	Force       bool // log instead of failing on structural errors
	DeepScan    bool
	DumpKeysets string // when non-empty, write derived keysets here
	SessionOnly bool   // restrict the dump to the session keyset
	OnlySlot    int    // 0 = auto, otherwise 1-based slot index
	Logger      *logrus.Logger
}

// Store owns the raw bank buffers of one metadata source. GetPage hands
// out copies; ForEachPage passes its callback a view into the bank
// buffer itself. The buffers are only mutated during construction
// (in-place decryption).
type Store struct {
	log        *logrus.Logger
	force      bool
	deepScan   bool
	sourcePath string

	banks   [][]byte
	slot    *types.Slot
	keyring *vcrypto.Keyring

	newVersion int // -1 unknown, 0 old, 1 new
}

// Open loads a metadata store from path. With SourceAuto the layout is
// inferred from the extension: .slot and .bank map to their sources,
// .vbk/.vib run the container slot-selection path, anything else is
// treated as a legacy metadata file.
func Open(path string, opts Options) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}

	src := opts.Source
	if src == SourceAuto {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".slot":
			src = SourceSlot
		case ".bank":
			src = SourceBank
		case ".vbk", ".vib":
			src = SourceContainer
		default:
			src = SourceLegacy
		}
	}

	r, err := device.OpenReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	s := &Store{
		log:        opts.Logger,
		force:      opts.Force,
		deepScan:   opts.DeepScan,
		sourcePath: path,
		keyring:    vcrypto.NewKeyring(),
		newVersion: -1,
	}

	switch src {
	case SourceSlot:
		err = s.importSlot(r, opts.Offset, opts)
	case SourceBank:
		err = s.importBank(r, opts.Offset, opts)
	case SourceContainer:
		err = s.importContainer(r, opts.Offset, opts)
	default:
		err = s.importLegacy(r, opts.Offset)
	}
	if err != nil {
		return nil, err
	}

	s.log.Debug("metadata loaded")
	return s, nil
}

// failOrLog honors force mode: structural errors become log lines.
func (s *Store) failOrLog(format string, args ...interface{}) error {
	s.log.Errorf(format, args...)
	if s.force {
		return nil
	}
	return fmt.Errorf(format, args...)
}

// Slot returns the slot the store was loaded from, if any.
func (s *Store) Slot() *types.Slot { return s.slot }

// Keyring exposes the derived keysets.
func (s *Store) Keyring() *vcrypto.Keyring { return s.keyring }

// BankCount returns the number of bank positions (some may be empty).
func (s *Store) BankCount() int { return len(s.banks) }

// SourcePath returns the path the store was opened from.
func (s *Store) SourcePath() string { return s.sourcePath }

// importSlot reads a slot header plus every bank it references, then
// runs the decryption pass if the slot indicates encrypted metadata.
func (s *Store) importSlot(r *device.Reader, offset int64, opts Options) error {
	s.log.Debug("metadata is from slot")

	page := make([]byte, types.PageSize)
	if _, err := r.ReadFull(offset, page); err != nil {
		return fmt.Errorf("failed to read slot page 0: %w", err)
	}
	slot, err := types.ParseSlotHeader(page)
	if err != nil {
		return err
	}
	if slot.Size() < types.PageSize {
		return fmt.Errorf("invalid slot size %#x", slot.Size())
	}

	raw := make([]byte, slot.Size())
	copy(raw, page)
	if _, err := r.ReadFull(offset+types.PageSize, raw[types.PageSize:]); err != nil {
		return fmt.Errorf("failed to read slot pages 1+: %w", err)
	}
	if slot, err = types.ParseSlot(raw); err != nil {
		return err
	}

	validFast, validCRC := slot.ValidFast(), slot.ValidCRC(raw)
	s.log.WithFields(logrus.Fields{"valid_fast": validFast, "valid_crc": validCRC}).Debugf("slot: %s", slot)
	s.log.Debugf("  %s", slot.Snapshot)
	if !validFast || !validCRC {
		if err := s.failOrLog("slot at %#x failed validation (fast=%t crc=%t)", offset, validFast, validCRC); err != nil {
			return err
		}
	}
	s.slot = slot

	s.banks = make([][]byte, slot.AllocatedBanks)
	for i, bi := range slot.BankInfos {
		if bi.Size == 0 {
			continue
		}
		buf := make([]byte, bi.Size)
		if n, err := r.ReadFull(bi.Offset, buf); err != nil {
			s.log.Errorf("failed to read bank #%x: %x != %x", i, n, bi.Size)
			continue
		}
		s.banks[i] = buf
	}

	if slot.Snapshot.ObjRefs.CryptoStoreRootPage.Valid() {
		s.log.Infof("slot indicates encrypted metadata (CryptoStoreRootPage=%s) - attempting to load keysets",
			slot.Snapshot.ObjRefs.CryptoStoreRootPage)
		if err := s.decryptBanks(slot.Snapshot.ObjRefs.CryptoStoreRootPage, opts); err != nil {
			return err
		}
	}

	for i := range s.banks {
		if s.banks[i] == nil {
			continue
		}
		h, err := types.ParseBankHeader(s.banks[i])
		if err != nil {
			continue
		}
		validFast := h.Valid()
		validSlow := types.BankValidSlow(s.banks[i])
		s.log.WithFields(logrus.Fields{"valid_fast": validFast, "valid_slow": validSlow}).
			Debugf("bank[%x]: %s", i, h)
	}

	return nil
}

// importBank loads a single standalone bank at offset.
func (s *Store) importBank(r *device.Reader, offset int64, opts Options) error {
	s.log.Debug("metadata is from bank")

	size := r.Size() - offset
	if size <= 0 {
		return fmt.Errorf("no bank data at offset %#x", offset)
	}
	buf := make([]byte, size)
	if _, err := r.ReadFull(offset, buf); err != nil {
		return fmt.Errorf("failed to read bank: %w", err)
	}
	s.banks = append(s.banks, buf)

	h, err := types.ParseBankHeader(buf)
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"valid_fast": h.Valid(),
		"valid_slow": types.BankValidSlow(buf),
	}).Debugf("bank[0]: %s", h)

	if opts.DumpKeysets != "" && !h.IsEncrypted() {
		if err := s.loadKeysetsFromBank(0, opts, true); err != nil {
			if ferr := s.failOrLog("keyset load failed: %v", err); ferr != nil {
				return ferr
			}
		}
	}
	return nil
}

// importLegacy loads the pre-slot container layouts: a leading marker
// byte discriminates ordered "TOC" dumps from bruteforce dumps where
// each bank carries its own index.
func (s *Store) importLegacy(r *device.Reader, offset int64) error {
	fileSize := r.Size() - offset

	tocMark := int64(0)
	pos := offset
	if fileSize%2 == 1 {
		pos++
		tocMark = 1
		fileSize--
	}

	if tocMark != 0 {
		s.log.Debug("metadata is from TOC")
	} else {
		s.log.Debug("metadata is from bruteforcing")
	}

	hdr := make([]byte, 2)
	for pos <= offset+fileSize+tocMark-1 {
		if _, err := r.ReadFull(pos, hdr); err != nil {
			break
		}
		nPages := binary.LittleEndian.Uint16(hdr)
		bankSize := (int64(nPages) + 2) * types.PageSize

		buf := make([]byte, bankSize)
		if _, err := r.ReadFull(pos, buf); err != nil {
			s.log.Errorf("truncated bank at %#x", pos)
			break
		}
		pos += bankSize

		if tocMark != 0 {
			s.log.Debugf("loading bank %04x size %6x @ %8x", len(s.banks), bankSize, pos)
			s.banks = append(s.banks, buf)
		} else {
			id := legacyBankID(buf)
			s.log.Debugf("loading bank %04x size %6x @ %8x", id, bankSize, pos)
			for len(s.banks) <= id {
				s.banks = append(s.banks, nil)
			}
			s.banks[id] = buf
		}
	}
	return nil
}

// legacyBankID recovers the metadata index a bruteforce-dumped bank
// carries: the most frequent bank id its used root pages name.
func legacyBankID(bank []byte) int {
	h, err := types.ParseBankHeader(bank)
	if err != nil {
		return 0
	}
	freq := make(map[int32]int)
	for pageID := 0; pageID < int(h.NPages); pageID++ {
		off := (pageID + 1) * types.PageSize
		if off+types.PageSize > len(bank) || h.FreePages[pageID] != 0 {
			continue
		}
		self := types.ParsePhysPageID(bank, off+types.PhysPageIDSize)
		if int(self.PageID) == pageID && self.BankID >= 0 && self.BankID < types.MaxBanks {
			freq[self.BankID]++
		}
	}
	best, bestN := int32(0), 0
	for id, n := range freq {
		if n > bestN {
			best, bestN = id, n
		}
	}
	return int(best)
}

// GetPage copies the PageSize bytes addressed by ppi out of its bank.
func (s *Store) GetPage(ppi types.PhysPageID) ([]byte, bool) {
	if ppi.BankID < 0 || int(ppi.BankID) >= len(s.banks) || ppi.PageID < 0 {
		return nil, false
	}
	bank := s.banks[ppi.BankID]
	off := (int(ppi.PageID) + 1) * types.PageSize
	if bank == nil || len(bank) <= off+types.PageSize-1 {
		return nil, false
	}
	page := make([]byte, types.PageSize)
	copy(page, bank[off:off+types.PageSize])
	return page, true
}

// ForEachPage calls cb for every non-empty (bank, page) coordinate.
func (s *Store) ForEachPage(cb func(ppi types.PhysPageID, page []byte)) {
	for bankID := range s.banks {
		bank := s.banks[bankID]
		if bank == nil {
			continue
		}
		nPages := len(bank)/types.PageSize - 1
		for pageID := 0; pageID < nPages; pageID++ {
			off := (pageID + 1) * types.PageSize
			if off+types.PageSize > len(bank) {
				break
			}
			page := bank[off : off+types.PageSize]
			if isAllZeroPage(page) {
				continue
			}
			cb(types.PhysPageID{BankID: int32(bankID), PageID: int32(pageID)}, page)
		}
	}
}

func isAllZeroPage(page []byte) bool {
	for i := 0; i+8 <= len(page); i += 8 {
		if binary.LittleEndian.Uint64(page[i:]) != 0 {
			return false
		}
	}
	return true
}

// IsNewVersion lazily detects the metadata format generation: a zero
// qword at offset 8 of page (0,0) marks the newer layout. Detection
// failures default to the new format.
func (s *Store) IsNewVersion() bool {
	if s.newVersion == -1 {
		s.detectVersion()
	}
	return s.newVersion == 1
}

// SetVersion overrides version detection (0 = old, 1 = new).
func (s *Store) SetVersion(v int) { s.newVersion = v }

func (s *Store) detectVersion() {
	s.newVersion = 0
	page, ok := s.GetPage(types.PhysPageID{BankID: 0, PageID: 0})
	if !ok {
		s.log.Warn("failed to fetch root dir page for version detection, assuming new format")
		s.newVersion = 1
		return
	}
	if binary.LittleEndian.Uint64(page[8:16]) == 0 {
		s.newVersion = 1
		s.log.Debug("new metadata format detected")
	}
}

// rootDirPPI returns the directory root the snapshot names, defaulting
// to (0,0).
func (s *Store) rootDirPPI() types.PhysPageID {
	if s.slot != nil && s.slot.Snapshot.ObjRefs.MetaRootDirPage.Valid() {
		return s.slot.Snapshot.ObjRefs.MetaRootDirPage
	}
	return types.PhysPageID{BankID: 0, PageID: 0}
}

// DatastoreRootPPI returns the datastore root the snapshot names,
// defaulting to (0,1).
func (s *Store) DatastoreRootPPI() types.PhysPageID {
	if s.slot != nil && s.slot.Snapshot.ObjRefs.DataStoreRootPage.Valid() {
		return s.slot.Snapshot.ObjRefs.DataStoreRootPage
	}
	return types.DefaultDatastorePPI
}
