package meta

import (
	"fmt"
	"sort"

	"github.com/deploymenttheory/go-vbk/internal/types"
)

// DeepScan treats every non-empty page as a potential block-index root
// and tries to interpret it, recovering files whose directory entries
// are gone. FIB indexes are tried first (they occur in both VBK and VIB
// files); pages they claimed are excluded from the subsequent patch-index
// pass. Results carry synthesized names and sizes and are sorted by
// page id.
func (s *Store) DeepScan() []VFile {
	var results []VFile
	claimed := make(map[types.PhysPageID]struct{})

	s.ForEachPage(func(ppi types.PhysPageID, _ []byte) {
		if vf, pages, ok := s.tryFibIndex(ppi); ok {
			results = append(results, vf)
			for _, p := range pages {
				claimed[p] = struct{}{}
			}
		}
	})

	warnedSynthetic := false
	s.ForEachPage(func(ppi types.PhysPageID, _ []byte) {
		if _, seen := claimed[ppi]; seen {
			return
		}
		if vf, ok := s.tryPatchIndex(ppi); ok {
			if !warnedSynthetic {
				warnedSynthetic = true
				s.log.Warn("deep scan cannot recover a VIB's original name and size - synthesizing from max patch offset")
			}
			results = append(results, vf)
		}
	})

	sort.Slice(results, func(i, j int) bool {
		return results[i].Attribs.PPI.Less(results[j].Attribs.PPI)
	})

	return results
}

// tryFibIndex attempts to read the page as a FIB block-index root,
// returning the synthetic file and the pages the walk read: the root,
// its stack pages and the pages of the inner block stacks (the roots of
// the inner block stacks are not included).
func (s *Store) tryFibIndex(root types.PhysPageID) (VFile, []types.PhysPageID, bool) {
	var (
		nDescriptors int
		nBlocks      int64
		fibSizeD     int64
		fibSizeB     int64
	)

	visited := []types.PhysPageID{root}

	ps := s.GetPageStack(root)
	for _, ppi := range ps.PageIDs() {
		if !ppi.Valid() {
			break
		}
		page, ok := s.GetPage(ppi)
		if !ok {
			break
		}
		visited = append(visited, ppi)

		for off := 0; off+types.MetaTableDescriptorSize <= len(page); off += types.MetaTableDescriptorSize {
			desc := types.ParseMetaTableDescriptor(page, off)
			if !desc.Valid() {
				break
			}
			nDescriptors++
			fibSizeD += desc.ByteSize()

			if desc.IsSparse() {
				nBlocks += types.MetaTableMaxBlocks
				fibSizeB += desc.ByteSize()
				continue
			}

			inner := s.GetPageStack(desc.PPI)
			for _, ppi2 := range inner.PageIDs() {
				page2, ok := s.GetPage(ppi2)
				if !ok {
					break
				}
				visited = append(visited, ppi2)
				for off2 := 0; off2+types.FibBlockDescriptorV7Size <= len(page2); off2 += types.FibBlockDescriptorV7Size {
					d := types.ParseFibBlockDescriptorV7(page2, off2)
					if !d.Valid() {
						break
					}
					nBlocks++
					fibSizeB += int64(d.Size)
				}
			}
		}
	}

	if nBlocks == 0 {
		return VFile{}, nil, false
	}

	s.log.Infof("deep scan result @ %s: %d IntFib descriptors (%#x bytes) = %d blocks (%#x bytes)",
		root, nDescriptors, fibSizeD, nBlocks, fibSizeB)

	return VFile{
		Type: types.FTIntFib,
		Name: syntheticName(root),
		Attribs: VFileAttribs{
			PPI:      root,
			NBlocks:  nBlocks,
			FileSize: fibSizeB,
		},
	}, visited, true
}

// tryPatchIndex attempts to read the page as a patch block-index root.
// The file size is synthesized from the highest patch target seen.
func (s *Store) tryPatchIndex(root types.PhysPageID) (VFile, bool) {
	var (
		nDescriptors   int64
		maxPatchOffset int64
	)

	ps := s.GetPageStack(root)
	for _, ppi := range ps.PageIDs() {
		if !ppi.Valid() {
			break
		}
		page, ok := s.GetPage(ppi)
		if !ok {
			break
		}
		for off := 0; off+types.PatchBlockDescriptorV7Size <= len(page); off += types.PatchBlockDescriptorV7Size {
			d := types.ParsePatchBlockDescriptorV7(page, off)
			if !d.Valid() {
				break
			}
			nDescriptors++
			if d.FibOffset() > maxPatchOffset {
				maxPatchOffset = d.FibOffset()
			}
		}
	}

	if nDescriptors == 0 {
		return VFile{}, false
	}

	s.log.Infof("deep scan result @ %s: %d Increment descriptors", root, nDescriptors)

	return VFile{
		Type: types.FTIncrement,
		Name: syntheticName(root),
		Attribs: VFileAttribs{
			PPI:      root,
			NBlocks:  nDescriptors,
			FileSize: maxPatchOffset + types.BlockSize,
		},
	}, true
}

// syntheticName derives the placeholder filename for a recovered index.
func syntheticName(ppi types.PhysPageID) string {
	return fmt.Sprintf("%04x_%04x.bin", ppi.BankID, ppi.PageID)
}
