package meta

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-vbk/internal/types"
)

// metaBanks builds the two banks the slot/container fixtures share: a
// directory bank and a datastore payload inside it.
func metaBanks(t *testing.T) *fixtureBank {
	bank := newFixtureBank(0x20)

	// root dir (0,0) -> dir page (0,2)
	bank.putRootPage(0, 0, types.PhysPageID{BankID: 0, PageID: 2})
	dirPage := bank.page(2)
	putIntFib(dirPage, 0, "summary.xml", types.PhysPageID{BankID: 0, PageID: 10}, 1, 0x19f3)
	bank.putRootPage(0, 10, types.PhysPageID{BankID: 0, PageID: 12})
	putFibBlock(bank.page(12), 0, 0x19f3, digestOf(1), 1)

	// datastore (0,1) -> rows page (0,4)
	bank.putRootPage(0, 1, types.PhysPageID{BankID: 0, PageID: 4})
	putBlockDescriptor(bank.page(4), 0, validBD(digestOf(1), 0x400000))

	return bank
}

func TestOpenSlotFileRoundTrip(t *testing.T) {
	bank := metaBanks(t)
	path := writeSlotFile(t, t.TempDir(), bank)

	s, err := Open(path, Options{Logger: testLogger()})
	require.NoError(t, err)

	// the slot parsed back
	require.NotNil(t, s.Slot())
	assert.Equal(t, uint32(1), s.Slot().AllocatedBanks)

	// page-wise equality with the in-memory source
	src := fixtureStore(t, bank)
	var nPages int
	src.ForEachPage(func(ppi types.PhysPageID, page []byte) {
		nPages++
		got, ok := s.GetPage(ppi)
		require.True(t, ok, "page %s missing after round trip", ppi)
		assert.Equal(t, page, got, "page %s differs", ppi)
	})
	assert.Greater(t, nPages, 0)

	// the directory tree and the datastore both survive
	var names []string
	s.ForEachFile(func(path string, vf VFile) { names = append(names, path) })
	assert.Equal(t, []string{"summary.xml"}, names)

	bds, err := s.ReadDatastore(types.DefaultDatastorePPI)
	require.NoError(t, err)
	assert.Contains(t, bds, digestOf(1))
}

// writeContainerFile lays out a full container: file header, two slot
// regions and the banks. zeroSlots selects which mirrors to blank.
func writeContainerFile(t *testing.T, dir string, bank *fixtureBank, zeroSlot0, zeroSlot1 bool) string {
	t.Helper()

	rendered := bank.marshal()
	const slotSize = 0x80000
	banksOff := int64(types.PageSize + 2*slotSize)

	slot := &types.Slot{
		HasSnapshot:    1,
		MaxBanks:       0x7f00,
		AllocatedBanks: 1,
		BankInfos: []types.BankInfo{{
			CRC:    crcOf(rendered),
			Offset: banksOff,
			Size:   uint32(len(rendered)),
		}},
	}
	slot.Snapshot.Version = 0x18
	slot.Snapshot.NBanks = 1
	slot.Snapshot.ObjRefs.MetaRootDirPage = types.PhysPageID{BankID: 0, PageID: 0}
	slot.Snapshot.ObjRefs.DataStoreRootPage = types.DefaultDatastorePPI
	slot.Snapshot.ObjRefs.CryptoStoreRootPage = types.EmptyPPI
	slot.Snapshot.ObjRefs.ArchiveBlobStorePage = types.EmptyPPI
	slotBytes := slot.Marshal()

	hdr := make([]byte, types.PageSize)
	hdr[0] = 1 // version
	hdr[4] = 1 // inited
	hdr[8] = 3
	copy(hdr[12:], "md5")
	hdr[263] = 9    // slot_fmt
	hdr[269] = 0x10 // std_block_size = 1 MiB
	hdr[273] = 1    // cluster_align = 0x10000

	out := make([]byte, banksOff+int64(len(rendered)))
	copy(out, hdr)
	if !zeroSlot0 {
		copy(out[types.PageSize:], slotBytes)
	}
	if !zeroSlot1 {
		copy(out[types.PageSize+slotSize:], slotBytes)
	}
	copy(out[banksOff:], rendered)

	path := filepath.Join(dir, "backup.vbk")
	require.NoError(t, os.WriteFile(path, out, 0o644))
	return path
}

func TestOpenContainerSelectsValidSlot(t *testing.T) {
	path := writeContainerFile(t, t.TempDir(), metaBanks(t), false, false)

	s, err := Open(path, Options{Logger: testLogger()})
	require.NoError(t, err)

	var names []string
	s.ForEachFile(func(path string, vf VFile) { names = append(names, path) })
	assert.Equal(t, []string{"summary.xml"}, names)
}

func TestOpenContainerSurvivesZeroedFirstSlot(t *testing.T) {
	path := writeContainerFile(t, t.TempDir(), metaBanks(t), true, false)

	s, err := Open(path, Options{Logger: testLogger()})
	require.NoError(t, err)

	var names []string
	s.ForEachFile(func(path string, vf VFile) { names = append(names, path) })
	assert.Equal(t, []string{"summary.xml"}, names)
}

func TestOpenContainerBothSlotsDestroyed(t *testing.T) {
	path := writeContainerFile(t, t.TempDir(), metaBanks(t), true, true)

	_, err := Open(path, Options{Logger: testLogger()})
	assert.ErrorIs(t, err, ErrNoValidSlots)
}

func TestOpenContainerOnlySlotFlag(t *testing.T) {
	path := writeContainerFile(t, t.TempDir(), metaBanks(t), true, false)

	// restricting to the zeroed mirror must fail
	_, err := Open(path, Options{Logger: testLogger(), OnlySlot: 1})
	assert.ErrorIs(t, err, ErrNoValidSlots)

	// restricting to the surviving mirror must work
	_, err = Open(path, Options{Logger: testLogger(), OnlySlot: 2})
	assert.NoError(t, err)
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope.vbk"), Options{Logger: testLogger()})
	assert.Error(t, err)
}

func TestLegacyTOCImport(t *testing.T) {
	bank := metaBanks(t)
	rendered := bank.marshal()

	// TOC layout: a one-byte marker then the banks back to back
	path := filepath.Join(t.TempDir(), "METADATA")
	data := append([]byte{1}, rendered...)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s, err := Open(path, Options{Logger: testLogger()})
	require.NoError(t, err)
	require.Equal(t, 1, s.BankCount())

	var names []string
	s.ForEachFile(func(path string, vf VFile) { names = append(names, path) })
	assert.Equal(t, []string{"summary.xml"}, names)
}
