package extract

import (
	"bytes"
	"crypto/md5"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/deploymenttheory/go-vbk/internal/types"
	"github.com/deploymenttheory/go-vbk/internal/util"
	"github.com/deploymenttheory/go-vbk/internal/vcrc32"
)

// blockError classifies a block-level failure into the counter it feeds.
type blockError int

const (
	errNone blockError = iota
	errDecomp
	errCRC
)

// decompressLZ4 unpacks an LZ4 block: 12-byte header, then the raw LZ4
// stream. The decompressed size must match the header exactly and the
// format CRC of the output must match the header CRC.
func decompressLZ4(buf []byte, compSize int) ([]byte, blockError, error) {
	if len(buf) < types.LZHeaderSize {
		return nil, errDecomp, fmt.Errorf("LZ4 block shorter than its header")
	}
	hdr := types.ParseLZHeader(buf, 0)
	if !hdr.Valid() {
		return nil, errDecomp, fmt.Errorf("LZ4 magic mismatch")
	}

	src := buf[types.LZHeaderSize:]
	if compSize > types.LZHeaderSize && compSize-types.LZHeaderSize < len(src) {
		src = src[:compSize-types.LZHeaderSize]
	}
	// encrypted and carved payloads carry alignment slack after the
	// stream; cut it off before handing the block to the decoder
	if exact := util.LZ4CompressedLength(src, int(hdr.SrcSize)); exact < len(src) {
		src = src[:exact]
	}

	dst := make([]byte, hdr.SrcSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil || n != int(hdr.SrcSize) {
		return nil, errDecomp, fmt.Errorf("LZ4 failure n=%d want=%d err=%v", n, hdr.SrcSize, err)
	}

	if crc := vcrc32.Checksum(dst); crc != hdr.CRC {
		return dst, errCRC, fmt.Errorf("LZ4 CRC mismatch: expected %08x, actual %08x", hdr.CRC, crc)
	}
	return dst, errNone, nil
}

// decompressZlib inflates a zlib stream and verifies the output MD5
// against the descriptor digest.
func decompressZlib(buf []byte, srcSize uint32, want types.Digest) ([]byte, blockError, error) {
	limit := int64(types.BlockSize)
	if int64(srcSize) < limit && srcSize != 0 {
		limit = int64(srcSize)
	}

	zr, err := zlib.NewReader(bytes.NewReader(buf))
	if err != nil {
		return nil, errDecomp, fmt.Errorf("zlib init: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, limit))
	if err != nil {
		return nil, errDecomp, fmt.Errorf("zlib inflate: %w", err)
	}

	if types.Digest(md5.Sum(out)) != want {
		return nil, errDecomp, fmt.Errorf("zlib inflate succeeded, but md5 mismatch")
	}
	return out, errNone, nil
}

// zstdDecoder is shared across blocks; single-goroutine use.
var zstdDecoder, _ = zstd.NewReader(nil,
	zstd.WithDecoderConcurrency(1),
	zstd.WithDecoderMaxMemory(types.BlockSize*2),
)

// decompressZstd unpacks a zstd frame and verifies the output MD5.
func decompressZstd(buf []byte, want types.Digest) ([]byte, blockError, error) {
	out, err := zstdDecoder.DecodeAll(buf, nil)
	if err != nil {
		return nil, errDecomp, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) > types.BlockSize {
		out = out[:types.BlockSize]
	}
	if types.Digest(md5.Sum(out)) != want {
		return nil, errDecomp, fmt.Errorf("zstd decompress succeeded, but md5 mismatch")
	}
	return out, errNone, nil
}
