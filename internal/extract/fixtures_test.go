package extract

import (
	"crypto/md5"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pierrec/lz4/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-vbk/internal/types"
	"github.com/deploymenttheory/go-vbk/internal/vcrc32"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// bankBuilder assembles one metadata bank for extraction fixtures.
type bankBuilder struct {
	nPages int
	pages  map[int][]byte
}

func newBank(nPages int) *bankBuilder {
	return &bankBuilder{nPages: nPages, pages: make(map[int][]byte)}
}

func (b *bankBuilder) page(pageID int) []byte {
	if p, ok := b.pages[pageID]; ok {
		return p
	}
	p := make([]byte, types.PageSize)
	b.pages[pageID] = p
	return p
}

// rootPage stamps a single-table PageStack root with payload entries.
func (b *bankBuilder) rootPage(bankID, pageID int, payload ...types.PhysPageID) {
	p := b.page(pageID)
	for off := 0; off < types.PageSize; off += types.PhysPageIDSize {
		types.EmptyPPI.Put(p, off)
	}
	types.PhysPageID{BankID: int32(bankID), PageID: int32(pageID)}.Put(p, types.PhysPageIDSize)
	for i, ppi := range payload {
		ppi.Put(p, 0x10+i*types.PhysPageIDSize)
	}
}

func (b *bankBuilder) marshal() []byte {
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

func putFibEntry(page []byte, i int, name string, blocks types.PhysPageID, nBlocks, fibSize uint64) {
	off := i * types.DirItemRecSize
	binary.LittleEndian.PutUint32(page[off:], uint32(types.FTIntFib))
	binary.LittleEndian.PutUint32(page[off+4:], uint32(len(name)))
	copy(page[off+8:], name)
	types.EmptyPPI.Put(page, off+0x88)
	blocks.Put(page, off+0x98)
	binary.LittleEndian.PutUint64(page[off+0xa0:], nBlocks)
	binary.LittleEndian.PutUint64(page[off+0xa8:], fibSize)
}

func putIncEntry(page []byte, i int, name string, blocks types.PhysPageID, nBlocks, fibSize, incSize uint64) {
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

func putFibBlockRec(page []byte, i int, size uint32, digest types.Digest, id uint64) {
	off := i * types.FibBlockDescriptorV7Size
	binary.LittleEndian.PutUint32(page[off:], size)
	copy(page[off+5:], digest[:])
	binary.LittleEndian.PutUint64(page[off+0x15:], id)
}

func putPatchBlockRec(page []byte, i int, digest types.Digest, id, blockIdx int64) {
	off := i * types.PatchBlockDescriptorV7Size
	binary.LittleEndian.PutUint32(page[off:], types.BlockSize)
	copy(page[off+5:], digest[:])
	binary.LittleEndian.PutUint64(page[off+0x15:], uint64(id))
	binary.LittleEndian.PutUint64(page[off+0x1d:], uint64(blockIdx))
}

func putBDRow(page []byte, i int, d types.BlockDescriptor) {
	off := i * types.BlockDescriptorSize
	page[off] = byte(d.Location)
	binary.LittleEndian.PutUint64(page[off+5:], d.Offset)
	binary.LittleEndian.PutUint32(page[off+13:], d.AllocSize)
	copy(page[off+18:], d.Digest[:])
	page[off+0x22] = byte(d.CompType)
	binary.LittleEndian.PutUint32(page[off+0x24:], d.CompSize)
	binary.LittleEndian.PutUint32(page[off+0x28:], d.SrcSize)
	copy(page[off+0x2c:], d.KeysetID[:])
}

func md5Of(data []byte) types.Digest {
	return types.Digest(md5.Sum(data))
}

// lz4Block renders a container-format LZ4 block: 12-byte header plus
// the compressed payload.
func lz4Block(t *testing.T, plain []byte) []byte {
	t.Helper()
	comp := make([]byte, lz4.CompressBlockBound(len(plain)))
	n, err := lz4.CompressBlock(plain, comp, nil)
	require.NoError(t, err)
	require.Greater(t, n, 0)

	out := make([]byte, types.LZHeaderSize+n)
	binary.LittleEndian.PutUint32(out[0:], types.LZStartMagic)
	binary.LittleEndian.PutUint32(out[4:], vcrc32.Checksum(plain))
	binary.LittleEndian.PutUint32(out[8:], uint32(len(plain)))
	copy(out[types.LZHeaderSize:], comp[:n])
	return out
}

// contentFile accumulates the data region of the fixture container.
type contentFile struct {
	data []byte
}

// place appends a payload and returns its absolute offset.
func (c *contentFile) place(payload []byte) uint64 {
	off := uint64(len(c.data)) + 0x200000 // keep clear of the metadata area
	c.data = append(c.data, payload...)
	return off
}

func (c *contentFile) write(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "content.vbk")
	full := make([]byte, 0x200000+len(c.data))
	copy(full[0x200000:], c.data)
	require.NoError(t, os.WriteFile(path, full, 0o644))
	return path
}

// writeSlotFixture marshals a slot plus the given bank into a .slot
// file.
func writeSlotFixture(t *testing.T, dir string, bank *bankBuilder) string {
	t.Helper()
	rendered := bank.marshal()

	slot := &types.Slot{
		HasSnapshot:    1,
		MaxBanks:       0x7f00,
		AllocatedBanks: 1,
	}
	slot.Snapshot.Version = 0x18
	slot.Snapshot.NBanks = 1
	slot.Snapshot.ObjRefs.MetaRootDirPage = types.PhysPageID{BankID: 0, PageID: 0}
	slot.Snapshot.ObjRefs.DataStoreRootPage = types.DefaultDatastorePPI
	slot.Snapshot.ObjRefs.CryptoStoreRootPage = types.EmptyPPI
	slot.Snapshot.ObjRefs.ArchiveBlobStorePage = types.EmptyPPI
	slot.BankInfos = []types.BankInfo{{
		CRC:    vcrc32.Checksum(rendered),
		Offset: int64(slot.Size()),
		Size:   uint32(len(rendered)),
	}}

	path := filepath.Join(dir, "meta.slot")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.Write(slot.Marshal())
	require.NoError(t, err)
	_, err = f.Write(rendered)
	require.NoError(t, err)
	return path
}

// patternBlock builds deterministic non-trivial content.
func patternBlock(size int, seed byte) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = seed + byte(i%251)
	}
	return out
}
