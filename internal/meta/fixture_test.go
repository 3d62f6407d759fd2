package meta

import (
	"encoding/binary"
	"io"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-vbk/internal/types"
	"github.com/deploymenttheory/go-vbk/internal/vcrc32"
	"github.com/deploymenttheory/go-vbk/internal/vcrypto"
)

func crcOf(data []byte) uint32 { return vcrc32.Checksum(data) }

// testLogger returns a quiet logger for fixtures.
func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// fixtureBank assembles one bank buffer page by page.
type fixtureBank struct {
	nPages int
	pages  map[int][]byte
}

func newFixtureBank(nPages int) *fixtureBank {
	return &fixtureBank{nPages: nPages, pages: make(map[int][]byte)}
}

// page returns the writable buffer for pageID, allocating it on first
// use (which also marks the page as occupied).
func (b *fixtureBank) page(pageID int) []byte {
	if p, ok := b.pages[pageID]; ok {
		return p
	}
	p := make([]byte, types.PageSize)
	b.pages[pageID] = p
	return p
}

// marshal renders the bank: header page, then data pages.
func (b *fixtureBank) marshal() []byte {
	bank := make([]byte, (b.nPages+2)*types.PageSize)
	binary.LittleEndian.PutUint16(bank[0:2], uint16(b.nPages))
	for i := 0; i < types.BankMaxPages; i++ {
		marker := byte(1)
		if _, used := b.pages[i]; used {
			marker = 0
		}
		bank[4+i] = marker
	}
	for pageID, data := range b.pages {
		copy(bank[(pageID+1)*types.PageSize:], data)
	}
	return bank
}

// putRootPage stamps a single-table PageStack root on pageID: empty next
// link, self reference, then the payload entries; remaining slots stay
// empty sentinels.
func (b *fixtureBank) putRootPage(bankID, pageID int, payload ...types.PhysPageID) {
	p := b.page(pageID)
	for off := 0; off < types.PageSize; off += types.PhysPageIDSize {
		types.EmptyPPI.Put(p, off)
	}
	types.PhysPageID{BankID: int32(bankID), PageID: int32(pageID)}.Put(p, types.PhysPageIDSize)
	for i, ppi := range payload {
		ppi.Put(p, 0x10+i*types.PhysPageIDSize)
	}
}

// fixtureStore builds a Store over in-memory banks.
func fixtureStore(t *testing.T, banks ...*fixtureBank) *Store {
	t.Helper()
	s := &Store{
		log:        testLogger(),
		keyring:    vcrypto.NewKeyring(),
		newVersion: -1,
	}
	for _, b := range banks {
		s.banks = append(s.banks, b.marshal())
	}
	return s
}

// putSubfolder writes a subfolder entry at slot i of a directory page.
func putSubfolder(page []byte, i int, name string, children types.PhysPageID, n int64) {
	off := i * types.DirItemRecSize
	binary.LittleEndian.PutUint32(page[off:], uint32(types.FTSubfolder))
	binary.LittleEndian.PutUint32(page[off+4:], uint32(len(name)))
	copy(page[off+8:], name)
	types.EmptyPPI.Put(page, off+0x88)
	children.Put(page, off+0x94)
	binary.LittleEndian.PutUint64(page[off+0x9c:], uint64(n))
}

// putIntFib writes an internal-FIB entry at slot i of a directory page.
func putIntFib(page []byte, i int, name string, blocks types.PhysPageID, nBlocks, fibSize uint64) {
	off := i * types.DirItemRecSize
	binary.LittleEndian.PutUint32(page[off:], uint32(types.FTIntFib))
	binary.LittleEndian.PutUint32(page[off+4:], uint32(len(name)))
	copy(page[off+8:], name)
	types.EmptyPPI.Put(page, off+0x88)
	blocks.Put(page, off+0x98)
	binary.LittleEndian.PutUint64(page[off+0xa0:], nBlocks)
	binary.LittleEndian.PutUint64(page[off+0xa8:], fibSize)
}

// putIncrement writes an increment entry at slot i of a directory page.
func putIncrement(page []byte, i int, name string, blocks types.PhysPageID, nBlocks, fibSize, incSize uint64) {
	off := i * types.DirItemRecSize
	binary.LittleEndian.PutUint32(page[off:], uint32(types.FTIncrement))
	binary.LittleEndian.PutUint32(page[off+4:], uint32(len(name)))
	copy(page[off+8:], name)
	types.EmptyPPI.Put(page, off+0x88)
	blocks.Put(page, off+0x98)
	binary.LittleEndian.PutUint64(page[off+0xa0:], nBlocks)
	binary.LittleEndian.PutUint64(page[off+0xa8:], fibSize)
	binary.LittleEndian.PutUint64(page[off+0xb0:], incSize)
}

// putMetaTableDescriptor writes one descriptor at slot i of a page.
func putMetaTableDescriptor(page []byte, i int, d types.MetaTableDescriptor) {
	off := i * types.MetaTableDescriptorSize
	d.PPI.Put(page, off)
	binary.LittleEndian.PutUint64(page[off+8:], uint64(d.BlockSize))
	binary.LittleEndian.PutUint64(page[off+16:], uint64(d.NBlocks))
}

// terminateMetaTable writes an invalid descriptor stopping the scan.
func terminateMetaTable(page []byte, i int) {
	off := i * types.MetaTableDescriptorSize
	types.EmptyPPI.Put(page, off)
}

// putFibBlock writes one FIB block descriptor at slot i of a page.
func putFibBlock(page []byte, i int, size uint32, digest types.Digest, id uint64) {
	off := i * types.FibBlockDescriptorV7Size
	binary.LittleEndian.PutUint32(page[off:], size)
	copy(page[off+5:], digest[:])
	binary.LittleEndian.PutUint64(page[off+0x15:], id)
}

// putPatchBlock writes one patch block descriptor at slot i of a page.
func putPatchBlock(page []byte, i int, digest types.Digest, id, blockIdx int64) {
	off := i * types.PatchBlockDescriptorV7Size
	binary.LittleEndian.PutUint32(page[off:], types.BlockSize)
	copy(page[off+5:], digest[:])
	binary.LittleEndian.PutUint64(page[off+0x15:], uint64(id))
	binary.LittleEndian.PutUint64(page[off+0x1d:], uint64(blockIdx))
}

// putBlockDescriptor writes one datastore row at slot i of a page.
func putBlockDescriptor(page []byte, i int, d types.BlockDescriptor) {
	off := i * types.BlockDescriptorSize
	page[off] = byte(d.Location)
	binary.LittleEndian.PutUint32(page[off+1:], d.UsageCnt)
	binary.LittleEndian.PutUint64(page[off+5:], d.Offset)
	binary.LittleEndian.PutUint32(page[off+13:], d.AllocSize)
	page[off+17] = d.Dedup
	copy(page[off+18:], d.Digest[:])
	page[off+0x22] = byte(d.CompType)
	binary.LittleEndian.PutUint32(page[off+0x24:], d.CompSize)
	binary.LittleEndian.PutUint32(page[off+0x28:], d.SrcSize)
	copy(page[off+0x2c:], d.KeysetID[:])
}

func digestOf(b byte) types.Digest {
	var d types.Digest
	d[0] = b
	d[15] = b ^ 0x5a
	return d
}

// writeSlotFile marshals a slot plus its banks into a standalone .slot
// file and returns its path. Bank offsets are assigned past the slot.
func writeSlotFile(t *testing.T, dir string, banks ...*fixtureBank) string {
	t.Helper()

	rendered := make([][]byte, len(banks))
	for i, b := range banks {
		rendered[i] = b.marshal()
	}

	slot := &types.Slot{
		HasSnapshot:    1,
		MaxBanks:       0x7f00,
		AllocatedBanks: uint32(len(banks)),
	}
	slot.Snapshot.Version = 0x18
	slot.Snapshot.NBanks = uint32(len(banks))
	slot.Snapshot.ObjRefs.MetaRootDirPage = types.PhysPageID{BankID: 0, PageID: 0}
	slot.Snapshot.ObjRefs.DataStoreRootPage = types.DefaultDatastorePPI
	slot.Snapshot.ObjRefs.CryptoStoreRootPage = types.EmptyPPI
	slot.Snapshot.ObjRefs.ArchiveBlobStorePage = types.EmptyPPI

	offset := int64(slot.Size())
	for _, data := range rendered {
		slot.BankInfos = append(slot.BankInfos, types.BankInfo{
			CRC:    crcOf(data),
			Offset: offset,
			Size:   uint32(len(data)),
		})
		offset += int64(len(data))
	}

	path := dir + "/meta.slot"
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write(slot.Marshal())
	require.NoError(t, err)
	for _, data := range rendered {
		_, err = f.Write(data)
		require.NoError(t, err)
	}
	return path
}
