// Package extract materializes logical files out of a metadata store
// and a content source: it resolves each block through the datastore
// index or an external hash table, reads, decrypts and decompresses it,
// verifies digests and CRCs, and either writes the plaintext (honoring
// sparse regions and patch overlays) or only accumulates statistics.
package extract

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"lukechampine.com/blake3"

	"github.com/deploymenttheory/go-vbk/internal/device"
	"github.com/deploymenttheory/go-vbk/internal/hashtable"
	"github.com/deploymenttheory/go-vbk/internal/lru"
	"github.com/deploymenttheory/go-vbk/internal/meta"
	"github.com/deploymenttheory/go-vbk/internal/types"
	"github.com/deploymenttheory/go-vbk/internal/util"
)

// provenCacheSize bounds the test-only proven-digest cache.
const provenCacheSize = 1 << 16

// Options configure an extraction session.
type Options struct {
	VBK       *device.Reader   // container content source (may be nil)
	Devices   []*device.Reader // carved-device sources, by device index
	ExHT      *hashtable.Table // external hash table (may be nil)
	MDPath    string           // metadata source path, anchors output dir
	VBKOffset int64
	TestOnly  bool
	NoRead    bool   // trust the hash table, skip block reads
	JSONPath  string // append per-file JSON rows here
	Digest    bool   // log a BLAKE3 digest of each extracted file
	Selector  string // name, path, glob or bank:page filter; empty = all
	Resume    bool
	Logger    *logrus.Logger
	TableOut  io.Writer // per-file statistics rows (nil = stdout)
}

// Context is one extraction session over a metadata store.
type Context struct {
	meta *meta.Store
	opts Options
	log  *logrus.Logger

	bds     meta.BlockDescriptors
	usedBDs map[types.Digest]struct{}
	cache   *lru.Set

	needlePPI   types.PhysPageID
	nameIsGlob  bool
	nameIsFull  bool
	tableHeader bool

	// read cache: consecutive identical reads collapse
	prevPos    int64
	prevDevice int
	prevBuf    []byte

	Found bool
}

// NewContext loads the datastore index and prepares a session.
func NewContext(store *meta.Store, opts Options) (*Context, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
	}
	if opts.TableOut == nil {
		opts.TableOut = os.Stdout
	}

	bds, err := store.ReadDatastore(types.DefaultDatastorePPI)
	if err != nil {
		return nil, err
	}
	level := logrus.InfoLevel
	if len(bds) == 0 {
		level = logrus.WarnLevel
	}
	opts.Logger.Logf(level, "loaded %d BlockDescriptors from HT", len(bds))

	ctx := &Context{
		meta:        store,
		opts:        opts,
		log:         opts.Logger,
		bds:         bds,
		usedBDs:     make(map[types.Digest]struct{}),
		cache:       lru.NewSet(provenCacheSize),
		needlePPI:   types.EmptyPPI,
		prevDevice:  -1,
		tableHeader: true,
	}

	if sel := opts.Selector; sel != "" {
		if strings.Contains(sel, ":") && len(sel) < 10 {
			ctx.needlePPI = types.ParsePPIString(sel)
			if ctx.needlePPI.Zero() {
				ctx.needlePPI = types.EmptyPPI
			}
		}
		ctx.nameIsGlob = util.IsGlob(sel)
		ctx.nameIsFull = strings.Contains(sel, "/")
	}

	return ctx, nil
}

// Close reports descriptors no file referenced; a large unclaimed share
// hints at missing directory entries recoverable with deep scan.
func (c *Context) Close() {
	if len(c.bds) == len(c.usedBDs) {
		return
	}
	unclaimed := len(c.bds) - len(c.usedBDs)
	c.log.Infof("used %d of %d BDs, unused: %d", len(c.usedBDs), len(c.bds), unclaimed)
	if c.opts.Selector == "" {
		c.log.Warnf("%s of data is not claimed, some dir entries might be missing. try --deep option",
			util.Bytes2Human(int64(unclaimed)*types.BlockSize))
	}
}

// selected applies the single-file filter.
func (c *Context) selected(pathname string, vf meta.VFile) bool {
	if c.needlePPI.Valid() {
		return vf.Attribs.PPI == c.needlePPI
	}
	sel := c.opts.Selector
	if sel == "" {
		return true
	}
	switch {
	case c.nameIsGlob:
		return util.GlobMatch(sel, pathname)
	case c.nameIsFull:
		return pathname == sel
	default:
		base := pathname
		if i := strings.LastIndexByte(pathname, '/'); i >= 0 {
			base = pathname[i+1:]
		}
		return base == sel
	}
}

// blockPlan is the effective read plan for one block after lookup in
// the datastore and/or the external hash table.
type blockPlan struct {
	pos         int64
	allocSize   uint32
	compSize    uint32
	compType    types.CompType
	keysetID    types.Digest
	srcSize     uint32
	digest      types.Digest
	deviceIndex int // -1 = container
}

// ProcessFile extracts or tests one logical file, returning its
// statistics (nil when the file was filtered out or is a directory).
func (c *Context) ProcessFile(pathname string, vf meta.VFile) (*FileTestInfo, error) {
	if vf.IsDir() || !c.selected(pathname, vf) {
		return nil, nil
	}
	c.Found = true

	fti := NewFileTestInfo(vf, pathname, c.opts.MDPath)

	var outPath string
	var err error
	if !c.opts.TestOnly {
		outPath, err = util.OutPathname(c.opts.MDPath, util.SanitizeFname(pathname))
		if err != nil {
			return nil, err
		}
	}

	verb := "extracting"
	if c.opts.TestOnly {
		verb = "testing"
	}
	c.log.Infof("%s %s = %d blocks, %s", verb, vf.Name, vf.Attribs.NBlocks, util.Bytes2Human(vf.Attribs.FileSize))

	blocks := c.meta.GetFileBlocks(vf)

	shouldTruncate := !vf.IsDiff()
	var blocksToSkip int64
	if c.opts.Resume && !c.opts.TestOnly {
		blocksToSkip = c.prepareResume(outPath, blocks, fti)
		if blocksToSkip > 0 {
			shouldTruncate = false
		}
	}

	var writer *device.Writer
	if !c.opts.TestOnly {
		if vf.IsDiff() {
			if _, err := os.Stat(outPath); os.IsNotExist(err) {
				c.log.Warnf("%s type is %q but source doesn't exist", vf.Name, vf.Type)
			}
		}
		writer, err = device.CreateWriter(outPath, shouldTruncate)
		if err != nil {
			return nil, err
		}
		defer writer.Close()
		if blocksToSkip > 0 {
			if _, err := writer.Seek(blocksToSkip*types.BlockSize, io.SeekStart); err != nil {
				return nil, err
			}
		}
	}

	if int64(len(blocks)) > vf.Attribs.NBlocks {
		c.log.Warnf("collected blocks %#x > declared nBlocks %#x", len(blocks), vf.Attribs.NBlocks)
	} else {
		fti.NMissMD = vf.Attribs.NBlocks - int64(len(blocks))
	}

	var actualWritten int64
	remaining := vf.Attribs.FileSize

	for i, blk := range blocks {
		if int64(i) < blocksToSkip {
			continue
		}
		skip := c.processBlock(writer, vf, blk, i, fti, &remaining, &actualWritten)
		if skip > 0 {
			if writer != nil {
				if _, err := writer.Seek(skip, io.SeekCurrent); err != nil {
					return nil, err
				}
			}
			remaining -= skip
		}
	}

	if c.opts.TestOnly || c.log.IsLevelEnabled(logrus.InfoLevel) {
		if c.tableHeader {
			c.tableHeader = false
			fmt.Fprintln(c.opts.TableOut, fti.Header())
		}
		fmt.Fprintln(c.opts.TableOut, fti.String())
	}

	if remaining > 0 && !vf.IsDiff() {
		c.log.Warnf("remaining size %#x > 0", remaining)
	}

	if writer != nil {
		pos, err := writer.Tell()
		if err == nil && pos == actualWritten {
			c.log.Infof("saved %s to %q", util.Bytes2Human(actualWritten), outPath)
		} else {
			c.log.Infof("saved apparent %s, actual %s to %q",
				util.Bytes2Human(pos), util.Bytes2Human(actualWritten), outPath)
		}
	}

	if !c.opts.TestOnly && c.opts.Digest {
		if sum, derr := DigestFile(outPath); derr == nil {
			c.log.Infof("blake3 %s  %s", sum, pathname)
		}
	}

	if c.opts.JSONPath != "" {
		if jerr := fti.AppendJSON(c.opts.JSONPath); jerr != nil {
			c.log.Errorf("failed to append JSON row: %v", jerr)
		}
	}

	return fti, nil
}

// prepareResume aligns the restart point to two blocks before the end of
// the existing output and pre-counts the skipped sparse/OK blocks.
func (c *Context) prepareResume(outPath string, blocks []meta.Block, fti *FileTestInfo) int64 {
	st, err := os.Stat(outPath)
	if err != nil {
		return 0
	}

	existingBlocks := st.Size() / types.BlockSize
	if existingBlocks < 2 {
		return 0
	}
	blocksToSkip := existingBlocks - 2

	var skippedSparse int64
	for i := int64(0); i < blocksToSkip && i < int64(len(blocks)); i++ {
		if blocks[i].IsEmpty() {
			skippedSparse++
		}
	}
	fti.NOK = blocksToSkip - skippedSparse
	fti.SparseBlocks = skippedSparse

	c.log.Infof("resuming: skipping %d blocks, overwriting last 2 blocks for alignment", blocksToSkip)
	return blocksToSkip
}

// processBlock runs the lookup/read/decrypt/decompress/verify/write
// pipeline for one block. The returned count is how far the writer must
// seek forward for skipped content.
func (c *Context) processBlock(writer *device.Writer, vf meta.VFile, blk meta.Block, idx int,
	fti *FileTestInfo, remaining *int64, actualWritten *int64) int64 {

	if blk.IsEmpty() {
		fti.SparseBlocks++
		return types.BlockSize
	}

	plan, ok := c.planBlock(blk, idx, fti)
	if !ok {
		return types.BlockSize
	}

	if writer != nil && vf.IsDiff() && blk.FromPatch {
		if _, err := writer.Seek(blk.VibOffset*types.BlockSize, io.SeekStart); err != nil {
			c.log.Errorf("patch seek failed: %v", err)
			fti.NReadErr++
			return types.BlockSize
		}
	}

	// test-only fast path: an identical block already proved out
	if writer == nil && c.cache.Contains(plan.digest) {
		fti.NOK++
		return types.BlockSize
	}
	if c.opts.NoRead && len(c.opts.Devices) > 0 {
		fti.NOK++
		return types.BlockSize
	}
	if c.opts.VBK == nil && len(c.opts.Devices) == 0 {
		// metadata-only validation run
		fti.NOK++
		return types.BlockSize
	}

	buf, ok := c.readBlock(plan, fti)
	if !ok {
		return types.BlockSize
	}

	switch plan.compType {
	case types.CTNone:
		toWrite := clampWrite(int64(len(buf)), *remaining)
		c.write(writer, buf[:toWrite], remaining, actualWritten)
		fti.NOK++
		c.cache.Insert(plan.digest)
		return 0

	case types.CTLZ4:
		out, kind, err := decompressLZ4(buf, int(plan.compSize))
		if kind == errNone {
			toWrite := clampWrite(int64(len(out)), *remaining)
			c.write(writer, out[:toWrite], remaining, actualWritten)
			fti.NOK++
			c.cache.Insert(plan.digest)
			return 0
		}
		if kind == errCRC {
			// content is the right size, just unverified; keep the bytes
			c.log.WithField("offset", plan.pos).Errorf("%v", err)
			toWrite := clampWrite(int64(len(out)), *remaining)
			c.write(writer, out[:toWrite], remaining, actualWritten)
			fti.NErrCRC++
			return 0
		}
		c.log.WithField("offset", plan.pos).Errorf("%v", err)
		fti.NErrDecomp++
		return types.BlockSize

	case types.CTZlibHi, types.CTZlibLo:
		out, _, err := decompressZlib(buf, plan.srcSize, plan.digest)
		if err != nil {
			c.log.Warnf("block #%x: %v", idx, err)
			fti.NErrDecomp++
			return types.BlockSize
		}
		toWrite := clampWrite(int64(len(out)), *remaining)
		c.write(writer, out[:toWrite], remaining, actualWritten)
		fti.NOK++
		c.cache.Insert(plan.digest)
		return 0

	case types.CTZstd3, types.CTZstd9:
		out, _, err := decompressZstd(buf, plan.digest)
		if err != nil {
			c.log.Warnf("block #%x: %v", idx, err)
			fti.NErrDecomp++
			return types.BlockSize
		}
		toWrite := clampWrite(int64(len(out)), *remaining)
		c.write(writer, out[:toWrite], remaining, actualWritten)
		fti.NOK++
		c.cache.Insert(plan.digest)
		return 0

	case types.CTRLE:
		c.log.Error("RLE decompression not implemented")
		fti.NErrDecomp++
		return types.BlockSize

	default:
		if plan.compType == 0 && blk.Digest.IsZero() {
			fti.SparseBlocks++
			return types.BlockSize
		}
		c.log.Errorf("unknown compression mode %02x", uint8(plan.compType))
		fti.NErrDecomp++
		return types.BlockSize
	}
}

// planBlock resolves a block's storage location through the datastore
// index and/or the external hash table.
func (c *Context) planBlock(blk meta.Block, idx int, fti *FileTestInfo) (blockPlan, bool) {
	var desc types.BlockDescriptor
	bd, inBDs := c.bds[blk.Digest]
	switch {
	case inBDs:
		desc = bd
		c.usedBDs[blk.Digest] = struct{}{}
	case c.opts.ExHT != nil && c.opts.ExHT.Loaded():
		// fabricate a minimal descriptor; the hash table row fills it in
		c.log.Debugf("block #%x not found in BDs, using exHT", idx)
		desc = types.BlockDescriptor{
			Location: types.BLBlockInBlob,
			Digest:   blk.Digest,
			CompType: types.CTNone,
			SrcSize:  types.BlockSize,
		}
	default:
		c.log.Warnf("block #%x not found in HT: digest %s", idx, blk.Digest)
		fti.NMissHT++
		if blk.Size != types.BlockSize {
			c.log.Warnf("block size %#x != BLOCK_SIZE %#x", blk.Size, types.BlockSize)
		}
		return blockPlan{}, false
	}

	plan := blockPlan{
		pos:         int64(desc.Offset),
		allocSize:   desc.AllocSize,
		compSize:    desc.CompSize,
		compType:    desc.CompType,
		keysetID:    desc.KeysetID,
		srcSize:     desc.SrcSize,
		digest:      desc.Digest,
		deviceIndex: -1,
	}

	if c.opts.ExHT != nil && c.opts.ExHT.Loaded() {
		row := c.opts.ExHT.Find(desc.Digest)
		if row == nil {
			c.log.Warnf("exHT: %s not found", desc.Digest)
			fti.NMissHT++
			return blockPlan{}, false
		}
		plan.pos = int64(row.Offset)
		plan.compType = row.CompType
		alloc := row.CompSize
		if row.CompType == types.CTLZ4 {
			alloc += types.LZHeaderSize
		}
		if !row.KeysetID.IsZero() {
			alloc += 0x10 - alloc%0x10
		}
		plan.allocSize = alloc
		plan.compSize = alloc
		plan.keysetID = row.KeysetID
		plan.srcSize = row.OrigSize
		plan.deviceIndex = int(row.DeviceIndex)
	}

	// LZ4 payloads carry their header inside allocSize; encrypted blocks
	// round to the cipher block
	if plan.compType == types.CTLZ4 && plan.allocSize < plan.compSize+types.LZHeaderSize {
		plan.allocSize = plan.compSize + types.LZHeaderSize
	}
	if !plan.keysetID.IsZero() && plan.allocSize%16 != 0 {
		plan.allocSize += 16 - plan.allocSize%16
	}

	return plan, true
}

// readBlock fetches and (when needed) decrypts a block's raw bytes,
// collapsing consecutive identical reads.
func (c *Context) readBlock(plan blockPlan, fti *FileTestInfo) ([]byte, bool) {
	var reader *device.Reader
	if plan.deviceIndex >= 0 && plan.deviceIndex < len(c.opts.Devices) {
		reader = c.opts.Devices[plan.deviceIndex]
	} else {
		reader = c.opts.VBK
	}
	if reader == nil {
		fti.NReadErr++
		return nil, false
	}

	if c.prevBuf != nil && plan.pos == c.prevPos &&
		int(plan.allocSize) == len(c.prevBuf) && plan.deviceIndex == c.prevDevice {
		return c.prevBuf, true
	}

	buf := make([]byte, plan.allocSize)
	n, err := reader.ReadFull(c.opts.VBKOffset+plan.pos, buf)
	if err != nil {
		c.log.Errorf("read error at %012x: nread=%#x, want=%#x: %v", c.opts.VBKOffset+plan.pos, n, plan.allocSize, err)
		fti.NReadErr++
		return nil, false
	}

	if !plan.keysetID.IsZero() {
		cipher := c.meta.Keyring().Cipher(plan.keysetID)
		if cipher == nil {
			c.log.Warnf("missing keyset %s", plan.keysetID)
			fti.NMissHT++
			return nil, false
		}
		encLen := int(plan.compSize)
		if encLen > len(buf) {
			encLen = len(buf)
		}
		encLen -= encLen % 16
		if _, err := cipher.Decrypt(buf[:encLen], false); err != nil {
			c.log.Errorf("block decrypt failed: %v", err)
			fti.NErrDecomp++
			return nil, false
		}
	}

	c.prevPos = plan.pos
	c.prevDevice = plan.deviceIndex
	c.prevBuf = buf
	return buf, true
}

func (c *Context) write(writer *device.Writer, data []byte, remaining, actualWritten *int64) {
	if writer != nil {
		if _, err := writer.Write(data); err != nil {
			c.log.Errorf("write failed: %v", err)
		}
	}
	*actualWritten += int64(len(data))
	*remaining -= int64(len(data))
}

func clampWrite(n, remaining int64) int64 {
	if remaining > 0 && remaining < n {
		return remaining
	}
	return n
}

// DigestFile computes the BLAKE3-256 digest of a file.
func DigestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
