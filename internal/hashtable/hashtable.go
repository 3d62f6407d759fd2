// Package hashtable implements the external content-digest index used
// when the in-container block index is unavailable (pure carving mode):
// CSV rows from the scanner are folded into a sorted, deduplicated entry
// array, persisted as a binary cache and memory-mapped back on
// subsequent runs. Lookup is a binary search by digest.
package hashtable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/deploymenttheory/go-vbk/internal/types"
)

// EntrySize is the packed size of one HashEntry.
const EntrySize = 56

// Cache file header constants.
const (
	CacheMagic   uint64 = 0x4c42545f48534148 // "HASH_TBL"
	CacheVersion uint32 = 9
	headerSize          = 32
)

// HashEntry maps a content digest to its carved location.
type HashEntry struct {
	Offset      uint64
	Hash        types.Digest
	KeysetID    types.Digest
	CompSize    uint32
	OrigSize    uint32
	CompType    types.CompType
	DeviceIndex uint8
	// 6 bytes of padding round the record to 56 bytes
}

func (e *HashEntry) String() string {
	return fmt.Sprintf("<HashEntry offset=%x, hash=%s, keyset_id=%s, comp_size=%x, orig_size=%x, comp_type=%d>",
		e.Offset, e.Hash, e.KeysetID, e.CompSize, e.OrigSize, uint8(e.CompType))
}

func (e *HashEntry) put(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], e.Offset)
	copy(buf[8:24], e.Hash[:])
	copy(buf[24:40], e.KeysetID[:])
	binary.LittleEndian.PutUint32(buf[40:44], e.CompSize)
	binary.LittleEndian.PutUint32(buf[44:48], e.OrigSize)
	buf[48] = byte(e.CompType)
	buf[49] = e.DeviceIndex
}

func parseEntry(buf []byte) HashEntry {
	var e HashEntry
	e.Offset = binary.LittleEndian.Uint64(buf[0:8])
	copy(e.Hash[:], buf[8:24])
	copy(e.KeysetID[:], buf[24:40])
	e.CompSize = binary.LittleEndian.Uint32(buf[40:44])
	e.OrigSize = binary.LittleEndian.Uint32(buf[44:48])
	e.CompType = types.CompType(buf[48])
	e.DeviceIndex = buf[49]
	return e
}

// Table is the digest index. After sorting it is immutable; the backing
// memory may be a private slice or a read-only mmap.
type Table struct {
	entries []HashEntry
	mmapped []byte
	sorted  bool
}

// New returns an empty table.
func New() *Table {
	return &Table{}
}

// Loaded reports whether the table holds any entries ready for lookup.
func (t *Table) Loaded() bool {
	return t.sorted && len(t.entries) > 0
}

// Size returns the entry count.
func (t *Table) Size() int { return len(t.entries) }

// parseCompType maps a CSV compression tag to the descriptor enum.
func parseCompType(s string) (types.CompType, error) {
	switch s {
	case "LZ4":
		return types.CTLZ4, nil
	case "ZLIB":
		return types.CTZlibLo, nil
	case "NONE":
		return types.CTNone, nil
	default:
		return 0, fmt.Errorf("unknown compression type %q", s)
	}
}

// LoadCSV ingests one carved-blocks CSV, tagging each row with the
// given device index. Rows are
// offset;comp_size;orig_size;md5;crc[;comp_type[;keyset_id]], hex
// fields without 0x.
func (t *Table) LoadCSV(path string, deviceIndex uint8) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open carved CSV")
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tokens := strings.Split(line, ";")
		if len(tokens) < 5 {
			continue
		}

		var e HashEntry
		if e.Offset, err = strconv.ParseUint(tokens[0], 16, 64); err != nil {
			return fmt.Errorf("%s:%d: bad offset: %w", path, lineNo, err)
		}
		compSize, err := strconv.ParseUint(tokens[1], 16, 32)
		if err != nil {
			return fmt.Errorf("%s:%d: bad comp_size: %w", path, lineNo, err)
		}
		origSize, err := strconv.ParseUint(tokens[2], 16, 32)
		if err != nil {
			return fmt.Errorf("%s:%d: bad orig_size: %w", path, lineNo, err)
		}
		e.CompSize = uint32(compSize)
		e.OrigSize = uint32(origSize)
		if e.Hash, err = types.ParseDigestString(tokens[3]); err != nil {
			return fmt.Errorf("%s:%d: bad digest: %w", path, lineNo, err)
		}

		switch len(tokens) {
		case 5:
			e.CompType = types.CTLZ4 // legacy rows carried LZ4 only
		case 6:
			// the sixth field is either a compression tag or a legacy
			// keyset id
			if ct, cerr := parseCompType(tokens[5]); cerr == nil {
				e.CompType = ct
			} else {
				e.CompType = types.CTLZ4
				if e.KeysetID, err = types.ParseDigestString(tokens[5]); err != nil {
					return fmt.Errorf("%s:%d: bad keyset id: %w", path, lineNo, err)
				}
			}
		default:
			if e.CompType, err = parseCompType(tokens[5]); err != nil {
				return fmt.Errorf("%s:%d: %v", path, lineNo, err)
			}
			if e.KeysetID, err = types.ParseDigestString(tokens[6]); err != nil {
				return fmt.Errorf("%s:%d: bad keyset id: %w", path, lineNo, err)
			}
		}

		e.DeviceIndex = deviceIndex
		t.entries = append(t.entries, e)
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read carved CSV")
	}

	t.sorted = false
	return nil
}

// Sort orders the entries by digest and drops duplicates (first entry
// wins). Must run after the last LoadCSV and before lookups.
func (t *Table) Sort() error {
	if len(t.entries) == 0 {
		return fmt.Errorf("no hash table entries present")
	}

	sort.SliceStable(t.entries, func(i, j int) bool {
		return bytes.Compare(t.entries[i].Hash[:], t.entries[j].Hash[:]) < 0
	})

	dst := t.entries[:1]
	for _, e := range t.entries[1:] {
		if e.Hash != dst[len(dst)-1].Hash {
			dst = append(dst, e)
		}
	}
	t.entries = dst
	t.sorted = true
	return nil
}

// Find binary-searches for a digest, returning nil when absent.
func (t *Table) Find(needle types.Digest) *HashEntry {
	i := sort.Search(len(t.entries), func(i int) bool {
		return bytes.Compare(t.entries[i].Hash[:], needle[:]) >= 0
	})
	if i < len(t.entries) && t.entries[i].Hash == needle {
		return &t.entries[i]
	}
	return nil
}

// SaveCache writes the binary cache file.
func (t *Table) SaveCache(path string, numDevices int) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "create hash table cache")
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint64(hdr[0:8], CacheMagic)
	binary.LittleEndian.PutUint32(hdr[8:12], CacheVersion)
	binary.LittleEndian.PutUint32(hdr[12:16], EntrySize)
	binary.LittleEndian.PutUint64(hdr[16:24], uint64(len(t.entries)))
	binary.LittleEndian.PutUint64(hdr[24:32], uint64(numDevices))
	if _, err := w.Write(hdr); err != nil {
		return errors.Wrap(err, "write hash table cache")
	}

	rec := make([]byte, EntrySize)
	for i := range t.entries {
		for j := range rec {
			rec[j] = 0
		}
		t.entries[i].put(rec)
		if _, err := w.Write(rec); err != nil {
			return errors.Wrap(err, "write hash table cache")
		}
	}
	return w.Flush()
}

// LoadCache loads the binary cache, preferring a read-only memory map
// and falling back to reading everything in. The declared device count
// must match or the cache is rejected.
func (t *Table) LoadCache(path string, numDevices int) error {
	t.entries = nil
	if err := t.loadMmap(path, numDevices); err == nil {
		return nil
	}
	return t.readAll(path, numDevices)
}

func validCacheHeader(hdr []byte, numDevices int) (int, bool) {
	if len(hdr) < headerSize {
		return 0, false
	}
	if binary.LittleEndian.Uint64(hdr[0:8]) != CacheMagic ||
		binary.LittleEndian.Uint32(hdr[8:12]) != CacheVersion ||
		binary.LittleEndian.Uint32(hdr[12:16]) != EntrySize ||
		binary.LittleEndian.Uint64(hdr[24:32]) != uint64(numDevices) {
		return 0, false
	}
	return int(binary.LittleEndian.Uint64(hdr[16:24])), true
}

func (t *Table) loadMmap(path string, numDevices int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() < headerSize {
		return fmt.Errorf("cache file too small")
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return err
	}

	n, ok := validCacheHeader(mem, numDevices)
	if !ok || int64(headerSize+n*EntrySize) > st.Size() {
		unix.Munmap(mem)
		return fmt.Errorf("invalid cache file header")
	}

	t.mmapped = mem
	t.entries = make([]HashEntry, n)
	for i := 0; i < n; i++ {
		t.entries[i] = parseEntry(mem[headerSize+i*EntrySize:])
	}
	t.sorted = true
	return nil
}

func (t *Table) readAll(path string, numDevices int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read hash table cache")
	}

	n, ok := validCacheHeader(data, numDevices)
	if !ok || headerSize+n*EntrySize > len(data) {
		return fmt.Errorf("invalid cache file header")
	}

	t.entries = make([]HashEntry, n)
	for i := 0; i < n; i++ {
		t.entries[i] = parseEntry(data[headerSize+i*EntrySize:])
	}
	t.sorted = true
	return nil
}

// Close releases the memory map, if any.
func (t *Table) Close() error {
	if t.mmapped != nil {
		err := unix.Munmap(t.mmapped)
		t.mmapped = nil
		return err
	}
	return nil
}

// CacheIsFresh reports whether the cache file exists and is newer than
// every input CSV.
func CacheIsFresh(cachePath string, csvPaths []string) bool {
	cst, err := os.Stat(cachePath)
	if err != nil {
		return false
	}
	for _, p := range csvPaths {
		st, err := os.Stat(p)
		if err == nil && st.ModTime().After(cst.ModTime()) {
			return false
		}
	}
	return true
}
