package scanner

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/pierrec/lz4/v4"

	"github.com/deploymenttheory/go-vbk/internal/types"
	"github.com/deploymenttheory/go-vbk/internal/util"
	"github.com/deploymenttheory/go-vbk/internal/vcrc32"
	"github.com/deploymenttheory/go-vbk/internal/vcrypto"
)

var (
	summaryHead = []byte("<OibSummary>")
	summaryTail = []byte("</OibSummary>")
)

// checkData probes a page-aligned position for a data block: clear-text
// LZ4, zlib and summary XML first, then the encrypted variants through
// every loaded keyset.
func (s *Scanner) checkData(buf []byte, fileOffset int64, pos int) bool {
	if s.checkDataLZ4(buf, fileOffset, pos, nil, nil) {
		return true
	}
	if s.checkDataZlib(buf, fileOffset, pos) {
		return true
	}
	if s.checkDataXML(buf, fileOffset, pos, nil, nil) {
		return true
	}

	// only LZ4 and summary XML are probed under encryption; a blind zlib
	// probe per keyset would drown the scan in false positives
	for _, id := range s.keyring.IDs() {
		cipher := s.keyring.Cipher(id)
		if cipher == nil {
			continue
		}

		head := make([]byte, 16)
		copy(head, buf[pos:pos+16])
		if _, err := cipher.Decrypt(head, false); err != nil {
			continue
		}

		if types.ParseLZHeader(head, 0).Valid() {
			keyset := id
			if s.checkDataLZ4(buf, fileOffset, pos, cipher, &keyset) {
				return true
			}
		}
		if bytes.HasPrefix(head, summaryHead[:12]) {
			keyset := id
			if s.checkDataXML(buf, fileOffset, pos, cipher, &keyset) {
				return true
			}
		}
	}
	return false
}

// checkDataLZ4 validates and carves one LZ4 block. With a cipher, the
// ciphertext is decrypted first (CBC from the block head).
func (s *Scanner) checkDataLZ4(buf []byte, fileOffset int64, pos int, cipher *vcrypto.Cipher, keysetID *types.Digest) bool {
	dataOffset := fileOffset + int64(pos)

	peek := buf[pos:]
	var tmp []byte
	if cipher != nil {
		tmp = make([]byte, 16)
		copy(tmp, buf[pos:pos+16])
		if _, err := cipher.Decrypt(tmp, false); err != nil {
			return false
		}
		peek = tmp
	}

	hdr := types.ParseLZHeader(peek, 0)
	if !hdr.Valid() {
		return false
	}

	maxCompSize := lz4.CompressBlockBound(int(hdr.SrcSize)) + types.LZHeaderSize
	if cipher != nil {
		maxCompSize = (maxCompSize + 15) &^ 15
	}

	region, ok := s.readRegion(buf, fileOffset, pos, maxCompSize)
	if !ok {
		// the block may be cut short by EOF; retry with what is left
		remain := s.reader.Size() - dataOffset
		if remain < int64(types.LZHeaderSize) {
			return false
		}
		if int64(maxCompSize) > remain {
			maxCompSize = int(remain)
			if cipher != nil {
				maxCompSize &^= 15
			}
			region, ok = s.readRegion(buf, fileOffset, pos, maxCompSize)
		}
		if !ok {
			return false
		}
	}

	if cipher != nil {
		dec := make([]byte, len(region)&^15)
		copy(dec, region)
		if _, err := cipher.Decrypt(dec, false); err != nil {
			return false
		}
		region = dec
		hdr = types.ParseLZHeader(region, 0)
		if !hdr.Valid() {
			return false
		}
	}

	src := region[types.LZHeaderSize:]
	compSize := util.LZ4CompressedLength(src, int(hdr.SrcSize))
	dst := make([]byte, hdr.SrcSize)
	n, err := lz4.UncompressBlock(src[:compSize], dst)

	crc := vcrc32.Checksum(dst)
	if err == nil && n == int(hdr.SrcSize) && crc == hdr.CRC {
		s.progress.Found("lz4 blocks")
		s.addGoodBlock(dataOffset, compSize, int(hdr.SrcSize), md5Digest(dst), hdr.CRC, "LZ4", keysetID)
		s.setClaimed(dataOffset, compSize+types.LZHeaderSize)
		return true
	}

	// a well-formed header with a mismatched stream is worth recording:
	// these are the partially overwritten blocks
	if err != nil || n != int(hdr.SrcSize) {
		s.progress.Found("bad blocks")
		ret := n
		if err != nil {
			ret = -1
		}
		fmt.Fprintf(s.badCSV, "%012x;%06x;%06x;%06x\n", dataOffset, hdr.SrcSize, n, uint32(ret))
	}
	return false
}

// isZlibHeader applies the cheap two-byte zlib header checks: deflate
// method, in-range window, header checksum, no preset dictionary.
func isZlibHeader(data []byte) bool {
	first, second := data[0], data[1]
	return first&0x0f == 0x08 &&
		(uint32(first)*256+uint32(second))%31 == 0 &&
		(first>>4)&0x0f <= 7 &&
		second&0x20 == 0
}

// checkDataZlib validates and carves one zlib block.
func (s *Scanner) checkDataZlib(buf []byte, fileOffset int64, pos int) bool {
	if !isZlibHeader(buf[pos : pos+2]) {
		return false
	}
	dataOffset := fileOffset + int64(pos)

	// compressed streams may slightly exceed the logical block size
	maxCompSize := types.BlockSize + 0x200
	region, ok := s.readRegion(buf, fileOffset, pos, maxCompSize)
	if !ok {
		remain := s.reader.Size() - dataOffset
		if remain < 2 {
			return false
		}
		if int64(maxCompSize) > remain {
			region, ok = s.readRegion(buf, fileOffset, pos, int(remain))
		}
		if !ok {
			return false
		}
	}
	if !isZlibHeader(region[:2]) {
		s.log.Warnf("%x: invalid zlib hdr on 2nd read, but was valid on 1st", dataOffset)
		return false
	}

	compSize, out, ok := tryInflate(region)
	if !ok {
		return false
	}

	s.progress.Found("zlib blocks")
	s.addGoodBlock(dataOffset, compSize, len(out), md5Digest(out), 0, "ZLIB", nil)
	s.setClaimed(dataOffset, compSize)
	return true
}

// tryInflate fully inflates a zlib stream bounded by the block size,
// reporting how much input it consumed.
func tryInflate(data []byte) (int, []byte, bool) {
	src := bytes.NewReader(data)
	zr, err := zlib.NewReader(src)
	if err != nil {
		return 0, nil, false
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, types.BlockSize+1))
	if err != nil || len(out) == 0 || len(out) > types.BlockSize {
		return 0, nil, false
	}
	compSize := len(data) - src.Len()
	return compSize, out, true
}

// checkDataXML carves an uncompressed (or encrypted) OibSummary XML
// document.
func (s *Scanner) checkDataXML(buf []byte, fileOffset int64, pos int, cipher *vcrypto.Cipher, keysetID *types.Digest) bool {
	dataOffset := fileOffset + int64(pos)

	data := buf[pos:]
	if cipher != nil {
		remain := s.reader.Size() - dataOffset
		readSize := int64(5 * 1024 * 1024)
		if readSize > remain {
			readSize = remain
		}
		readSize &^= 15
		if readSize < int64(len(summaryHead)) {
			return false
		}
		tmp := make([]byte, readSize)
		if _, err := s.reader.ReadFull(dataOffset, tmp); err != nil {
			return false
		}
		if _, err := cipher.Decrypt(tmp, false); err != nil {
			return false
		}
		data = tmp
	}

	if len(data) < len(summaryHead) || !bytes.HasPrefix(data, summaryHead) {
		return false
	}

	end := bytes.Index(data[len(summaryHead):], summaryTail)
	if end < 0 {
		s.log.Warnf("%x: found summary.xml without closing tag", dataOffset)
		return false
	}
	size := len(summaryHead) + end + len(summaryTail)
	for _, c := range data[:size] {
		if c < 0x20 && c != 9 && c != 10 && c != 13 {
			return false
		}
	}

	crc := vcrc32.Checksum(data[:size])
	s.progress.Found("raw blocks")
	s.addGoodBlock(dataOffset, size, size, md5Digest(data[:size]), crc, "NONE", keysetID)
	s.setClaimed(dataOffset, size)
	return true
}
