// Package bitmap implements a fixed-size bit array memory-mapped over a
// file, used by the scanner to persist which pages a sweep has claimed
// so resumed scans can skip them. Bits are MSB-first within each byte.
package bitmap

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// FileBacked is an mmapped bit array over a file of exactly
// (bits+7)/8 bytes.
type FileBacked struct {
	bits int
	file *os.File
	mem  []byte
}

// Open creates or reopens the backing file and maps it. An existing
// file of the wrong size is rejected.
func Open(path string, bits int) (*FileBacked, error) {
	sizeBytes := int64((bits + 7) / 8)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open bitmap file")
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat bitmap file")
	}
	if st.Size() == 0 {
		if err := f.Truncate(sizeBytes); err != nil {
			f.Close()
			return nil, errors.Wrap(err, "size bitmap file")
		}
	} else if st.Size() != sizeBytes {
		f.Close()
		return nil, fmt.Errorf("bitmap file size mismatch: have %d, want %d", st.Size(), sizeBytes)
	}

	if sizeBytes == 0 {
		return &FileBacked{bits: bits, file: f}, nil
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(sizeBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "mmap bitmap file")
	}

	return &FileBacked{bits: bits, file: f, mem: mem}, nil
}

// Get returns the bit at index.
func (b *FileBacked) Get(index int) (bool, error) {
	if index < 0 || index >= b.bits {
		return false, fmt.Errorf("bit index %d out of range [0, %d)", index, b.bits)
	}
	return b.mem[index/8]&(1<<(7-uint(index%8))) != 0, nil
}

// Set writes the bit at index.
func (b *FileBacked) Set(index int, value bool) error {
	if index < 0 || index >= b.bits {
		return fmt.Errorf("bit index %d out of range [0, %d)", index, b.bits)
	}
	mask := byte(1 << (7 - uint(index%8)))
	if value {
		b.mem[index/8] |= mask
	} else {
		b.mem[index/8] &^= mask
	}
	return nil
}

// SetRange sets all bits in [start, end) to one.
func (b *FileBacked) SetRange(start, end int) error {
	if start < 0 || end > b.bits || start >= end {
		return fmt.Errorf("invalid bit range %d to %d (size %d)", start, end, b.bits)
	}

	startByte, endByte := start/8, (end-1)/8
	startBit, endBit := uint(start%8), uint((end-1)%8)

	if startByte == endByte {
		var mask byte
		for i := startBit; i <= endBit; i++ {
			mask |= 1 << (7 - i)
		}
		b.mem[startByte] |= mask
		return nil
	}

	b.mem[startByte] |= 0xff >> startBit
	for i := startByte + 1; i < endByte; i++ {
		b.mem[i] = 0xff
	}
	b.mem[endByte] |= ^byte(0xff >> (endBit + 1))
	return nil
}

// Bits returns the bit capacity.
func (b *FileBacked) Bits() int { return b.bits }

// Close unmaps and closes the backing file.
func (b *FileBacked) Close() error {
	var first error
	if b.mem != nil {
		if err := unix.Munmap(b.mem); err != nil {
			first = err
		}
		b.mem = nil
	}
	if err := b.file.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
