package scanner

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-vbk/internal/types"
	"github.com/deploymenttheory/go-vbk/internal/vcrc32"
	"github.com/deploymenttheory/go-vbk/internal/vcrypto"
)

// encryptCBCBytes is the fixture-side inverse of the scanner's block
// decryption.
func encryptCBCBytes(t *testing.T, key vcrypto.Key, plain []byte) []byte {
	t.Helper()
	require.Zero(t, len(plain)%aes.BlockSize)
	block, err := aes.NewCipher(key.Key[:])
	require.NoError(t, err)
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, key.IV[:]).CryptBlocks(out, plain)
	return out
}

// compressible produces patterned, compressible content.
func compressible(size int, seed byte) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = seed + byte(i%97)
	}
	return out
}

func lz4BlockBytes(t *testing.T, plain []byte) []byte {
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

func readCSVLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []string
	for _, l := range strings.Split(string(data), "\n") {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

func TestCarveDataBlocks(t *testing.T) {
	dir := t.TempDir()

	lzPlain := compressible(0x20000, 7)
	lzPayload := lz4BlockBytes(t, lzPlain)

	zlibPlain := compressible(0x18000, 11)
	var zbuf bytes.Buffer
	zw := zlib.NewWriter(&zbuf)
	_, err := zw.Write(zlibPlain)
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	xml := []byte("<OibSummary><Disk size=\"1048576\"/></OibSummary>")

	// bad block: valid header, zeroed payload
	bad := make([]byte, types.LZHeaderSize+64)
	binary.LittleEndian.PutUint32(bad[0:], types.LZStartMagic)
	binary.LittleEndian.PutUint32(bad[4:], 0xdeadbeef)
	binary.LittleEndian.PutUint32(bad[8:], 0x1000)

	img := make([]byte, 0x400000)
	const (
		offLZ4  = 0x10000
		offZlib = 0x80000
		offXML  = 0x100000
		offBad  = 0x180000
	)
	copy(img[offLZ4:], lzPayload)
	copy(img[offZlib:], zbuf.Bytes())
	copy(img[offXML:], xml)
	copy(img[offBad:], bad)

	path := filepath.Join(dir, "carveme.vbk")
	require.NoError(t, os.WriteFile(path, img, 0o644))

	s, err := New(path, Options{Logger: testLogger(), FindBlocks: true})
	require.NoError(t, err)
	require.NoError(t, s.Scan())

	counts := s.Findings()
	assert.Equal(t, 1, counts["lz4 blocks"])
	assert.Equal(t, 1, counts["zlib blocks"])
	assert.Equal(t, 1, counts["raw blocks"])
	assert.Equal(t, 1, counts["bad blocks"])

	good := readCSVLines(t, filepath.Join(path+".out", "carved_blocks.csv"))
	require.Len(t, good, 3)

	// LZ4 row: offset, sizes, digest of plaintext, header CRC, tag
	lzRow := strings.Split(good[0], ";")
	require.Len(t, lzRow, 6)
	assert.Equal(t, fmt.Sprintf("%012x", offLZ4), lzRow[0])
	assert.Equal(t, fmt.Sprintf("%06x", len(lzPlain)), lzRow[2])
	assert.Equal(t, md5Digest(lzPlain).String(), lzRow[3])
	assert.Equal(t, fmt.Sprintf("%08x", vcrc32.Checksum(lzPlain)), lzRow[4])
	assert.Equal(t, "LZ4", lzRow[5])

	zRow := strings.Split(good[1], ";")
	require.Len(t, zRow, 6)
	assert.Equal(t, fmt.Sprintf("%012x", offZlib), zRow[0])
	assert.Equal(t, fmt.Sprintf("%06x", len(zlibPlain)), zRow[2])
	assert.Equal(t, md5Digest(zlibPlain).String(), zRow[3])
	assert.Equal(t, "ZLIB", zRow[5])

	xRow := strings.Split(good[2], ";")
	require.Len(t, xRow, 6)
	assert.Equal(t, fmt.Sprintf("%012x", offXML), xRow[0])
	assert.Equal(t, fmt.Sprintf("%06x", len(xml)), xRow[1])
	assert.Equal(t, md5Digest(xml).String(), xRow[3])
	assert.Equal(t, "NONE", xRow[5])

	badRows := readCSVLines(t, filepath.Join(path+".out", "bad_blocks.csv"))
	require.Len(t, badRows, 1)
	assert.True(t, strings.HasPrefix(badRows[0], fmt.Sprintf("%012x;", offBad)))

	// the claimed bitmap must exist and cover the carved regions
	_, err = os.Stat(filepath.Join(path+".out", "carved_blocks.map"))
	assert.NoError(t, err)
}

func TestCarveEncryptedLZ4Block(t *testing.T) {
	dir := t.TempDir()

	key := vcrypto.Key{}
	for i := range key.Key {
		key.Key[i] = byte(i * 5)
	}
	for i := range key.IV {
		key.IV[i] = byte(0x60 + i)
	}
	keysetID := types.Digest{0xEE, 0x01}

	ring := vcrypto.NewKeyring()
	require.NoError(t, ring.Register(keysetID, key))
	dumpPath := filepath.Join(dir, "keysets.bin")
	require.NoError(t, ring.WriteDump(dumpPath, false))

	plain := compressible(0x8000, 3)
	payload := lz4BlockBytes(t, plain)
	// pad to the cipher block and encrypt
	padded := make([]byte, (len(payload)+15)&^15)
	copy(padded, payload)
	enc := encryptCBCBytes(t, key, padded)

	img := make([]byte, 0x100000)
	const offEnc = 0x20000
	copy(img[offEnc:], enc)

	path := filepath.Join(dir, "encrypted.vbk")
	require.NoError(t, os.WriteFile(path, img, 0o644))

	s, err := New(path, Options{Logger: testLogger(), FindBlocks: true, KeysetsDump: dumpPath})
	require.NoError(t, err)
	require.NoError(t, s.Scan())

	assert.Equal(t, 1, s.Findings()["lz4 blocks"])

	good := readCSVLines(t, filepath.Join(path+".out", "carved_blocks.csv"))
	require.Len(t, good, 1)
	row := strings.Split(good[0], ";")
	require.Len(t, row, 7)
	assert.Equal(t, fmt.Sprintf("%012x", offEnc), row[0])
	assert.Equal(t, md5Digest(plain).String(), row[3])
	assert.Equal(t, "LZ4", row[5])
	assert.Equal(t, keysetID.String(), row[6])
}
