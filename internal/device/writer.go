package device

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// writeChunkSize bounds a single write syscall; some platforms fail on
// writes past 4 GiB, so stay well under.
const writeChunkSize = 1 << 30

// Writer is a sequential/positioned output file. Regions skipped over
// with Seek stay sparse on filesystems supporting holes.
type Writer struct {
	file *os.File
}

// CreateWriter opens path for writing, truncating unless resume is
// requested by the caller passing truncate=false.
func CreateWriter(path string, truncate bool) (*Writer, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open writer")
	}
	return &Writer{file: f}, nil
}

// Seek repositions the write cursor.
func (w *Writer) Seek(offset int64, whence int) (int64, error) {
	pos, err := w.file.Seek(offset, whence)
	if err != nil {
		return 0, errors.Wrap(err, "seek writer")
	}
	return pos, nil
}

// Write appends buf at the cursor, chunking oversized writes.
func (w *Writer) Write(buf []byte) (int, error) {
	total := 0
	for len(buf) > 0 {
		chunk := buf
		if len(chunk) > writeChunkSize {
			chunk = chunk[:writeChunkSize]
		}
		n, err := w.file.Write(chunk)
		total += n
		if err != nil {
			return total, errors.Wrap(err, "write")
		}
		buf = buf[n:]
	}
	return total, nil
}

// WriteAt writes buf at the given offset without moving the cursor.
func (w *Writer) WriteAt(offset int64, buf []byte) (int, error) {
	total := 0
	for len(buf) > 0 {
		chunk := buf
		if len(chunk) > writeChunkSize {
			chunk = chunk[:writeChunkSize]
		}
		n, err := w.file.WriteAt(chunk, offset+int64(total))
		total += n
		if err != nil {
			return total, errors.Wrap(err, "write at")
		}
		buf = buf[n:]
	}
	return total, nil
}

// Tell returns the current cursor position.
func (w *Writer) Tell() (int64, error) {
	return w.file.Seek(0, io.SeekCurrent)
}

// Close flushes and releases the file.
func (w *Writer) Close() error {
	return w.file.Close()
}
