// Package scanner implements the sequential recovery sweep over a
// container: a double-buffered reader/scanner goroutine pair locates
// slot headers, bank headers and data blocks by signature with no
// a-priori offsets, writes carved-block CSVs, tracks claimed pages in a
// persistent bitmap and, when no slot survived, synthesizes one from the
// recovered banks.
package scanner

import (
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/deploymenttheory/go-vbk/internal/device"
)

// scanBlockSize is the size of each of the two scan buffers.
const scanBlockSize = 8 * 1024 * 1024

// chunk is one filled buffer handed from the reader to the scanner.
type chunk struct {
	data   []byte
	offset int64
}

// runDoubleBuffered drives the reader/scanner pair: two buffers
// alternate between a fill channel and a recycle channel, so one is
// always being read while the other is scanned.
func (s *Scanner) runDoubleBuffered() error {
	filled := make(chan chunk, 1)
	recycle := make(chan []byte, 2)
	recycle <- make([]byte, scanBlockSize)
	recycle <- make([]byte, scanBlockSize)

	var g errgroup.Group
	g.Go(func() error {
		defer close(filled)
		pos := s.start
		size := s.reader.Size()
		for pos < size {
			buf := <-recycle
			buf = buf[:cap(buf)]

			s.progress.Update(pos)

			n, err := s.reader.ReadAt(pos, buf)
			if err == io.EOF {
				break
			}
			if err != nil {
				if _, isRead := err.(*device.ReadError); isRead && s.force {
					s.log.Errorf("%s @ %#x: %v", s.path, pos, err)
					n = s.readBySector(pos, buf)
				} else {
					return err
				}
			}
			if n == 0 {
				s.log.Errorf("%s: unexpected EOF at %#x", s.path, pos)
				break
			}

			filled <- chunk{data: buf[:n], offset: pos}
			pos += int64(n)
		}
		return nil
	})

	g.Go(func() error {
		for c := range filled {
			s.processBuf(c.data, c.offset)
			recycle <- c.data
		}
		return nil
	})

	return g.Wait()
}

// readBySector retries an unreadable region sector by sector, filling
// failed sectors with zeros (force mode only).
func (s *Scanner) readBySector(pos int64, buf []byte) int {
	sector := s.reader.Align()
	if sector <= 1 {
		sector = 512
	}
	for i := range buf {
		buf[i] = 0
	}

	var nread int64
	for nread < int64(len(buf)) {
		want := int64(len(buf)) - nread
		if want > sector {
			want = sector
		}
		n, err := s.reader.ReadAt(pos+nread, buf[nread:nread+want])
		if err == io.EOF {
			break
		}
		if err != nil {
			nread += sector // skip the bad sector, leave zeros
			continue
		}
		if n == 0 {
			break
		}
		nread += int64(n)
	}
	if nread > int64(len(buf)) {
		nread = int64(len(buf))
	}
	return int(nread)
}
