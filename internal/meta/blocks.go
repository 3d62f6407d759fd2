package meta

import (
	"github.com/deploymenttheory/go-vbk/internal/types"
)

// Block is one entry of a logical file's block list. Zero-valued blocks
// stand in for sparse runs. FromPatch marks entries decoded from patch
// descriptors; their VibOffset addresses the overlay target in units of
// BlockSize.
type Block struct {
	Size      uint32
	Digest    types.Digest
	ID        uint64
	VibOffset int64
	FromPatch bool
}

// IsEmpty reports a block holding no ciphertext: zero digest or the
// canonical all-zero-block digest.
func (b Block) IsEmpty() bool {
	return b.Digest.IsZero() || b.Digest == types.EmptyBlockDigest
}

// isSparseRec reports a fully zero record (the sparse filler shape).
func (b Block) isSparseRec() bool {
	return b.Size == 0 && b.Digest.IsZero() && b.ID == 0 && b.VibOffset == 0
}

// GetFileBlocks flattens a file's block index into its ordered block
// list.
//
// For incremental files the PageStack pages hold patch descriptors read
// back to back until the declared block count is reached. For everything
// else the pages hold meta-table descriptors: sparse ones contribute a
// full capacity of zero blocks, regular ones point at a nested PageStack
// of FIB block descriptors. Trailing sparse blocks beyond the declared
// count are trimmed.
func (s *Store) GetFileBlocks(vf VFile) []Block {
	blocks := make([]Block, 0, vf.Attribs.NBlocks)

	ps := s.GetPageStack(vf.Attribs.PPI)
	for idx, ppi := range ps.PageIDs() {
		if !ppi.Valid() {
			s.log.Errorf("get_file_blocks(%s): invalid ppi #%d: %s", vf.Attribs.PPI, idx, ppi)
			continue
		}
		page, ok := s.GetPage(ppi)
		if !ok {
			continue
		}

		if vf.Type == types.FTIncrement {
			blocks = s.collectPatchBlocks(page, vf.Attribs.NBlocks, blocks)
		} else {
			blocks = s.collectFibBlocks(page, vf, blocks)
		}
	}

	for len(blocks) > 0 && int64(len(blocks)) > vf.Attribs.NBlocks && blocks[len(blocks)-1].isSparseRec() {
		blocks = blocks[:len(blocks)-1]
	}

	return blocks
}

// collectPatchBlocks appends patch descriptor entries from a page until
// the declared block count is reached.
func (s *Store) collectPatchBlocks(page []byte, nBlocks int64, blocks []Block) []Block {
	for off := 0; off+types.PatchBlockDescriptorV7Size <= len(page); off += types.PatchBlockDescriptorV7Size {
		if int64(len(blocks)) >= nBlocks {
			break
		}
		d := types.ParsePatchBlockDescriptorV7(page, off)
		blocks = append(blocks, Block{
			Size:      d.Size,
			Digest:    d.Digest,
			ID:        uint64(d.ID),
			VibOffset: d.BlockIdx,
			FromPatch: true,
		})
	}
	return blocks
}

// collectFibBlocks walks the meta-table descriptors of a page, stopping
// at the first invalid one, and appends the blocks each regular
// descriptor indexes.
func (s *Store) collectFibBlocks(page []byte, vf VFile, blocks []Block) []Block {
	for off := 0; off+types.MetaTableDescriptorSize <= len(page); off += types.MetaTableDescriptorSize {
		desc := types.ParseMetaTableDescriptor(page, off)
		if !desc.Valid() {
			break
		}

		if desc.IsSparse() {
			blocks = append(blocks, make([]Block, types.MetaTableMaxBlocks)...)
			continue
		}

		var collected int64
		inner := s.GetPageStack(desc.PPI)
		for _, ppi2 := range inner.PageIDs() {
			if collected >= desc.NBlocks {
				break
			}
			page2, ok := s.GetPage(ppi2)
			if !ok {
				continue
			}
			for off2 := 0; off2+types.FibBlockDescriptorV7Size <= len(page2); off2 += types.FibBlockDescriptorV7Size {
				if collected >= desc.NBlocks {
					break
				}
				d := types.ParseFibBlockDescriptorV7(page2, off2)
				blocks = append(blocks, Block{
					Size:   d.Size,
					Digest: d.Digest,
					ID:     d.ID,
				})
				collected++
			}
		}
	}
	return blocks
}
