package meta

import (
	"github.com/deploymenttheory/go-vbk/internal/types"
)

// BlockDescriptors maps content digests to their datastore rows.
type BlockDescriptors map[types.Digest]types.BlockDescriptor

// ReadDatastore walks the PageStack rooted at root and collects every
// block descriptor with a non-zero digest. Identical duplicates are
// silently deduplicated; conflicting duplicates are logged and the later
// row only replaces an earlier one when that one was invalid.
func (s *Store) ReadDatastore(root types.PhysPageID) (BlockDescriptors, error) {
	bds := make(BlockDescriptors)

	ps := s.GetPageStack(root)
	if !ps.Valid() {
		s.log.Warnf("read_datastore(%s): empty PageStack", root)
	}

	for _, ppi := range ps.PageIDs() {
		page, ok := s.GetPage(ppi)
		if !ok {
			if err := s.failOrLog("read_datastore(%s): failed to get page %s", root, ppi); err != nil {
				return nil, err
			}
			continue
		}

		for off := 0; off+types.BlockDescriptorSize <= len(page); off += types.BlockDescriptorSize {
			if types.IsEmptyBlockDescriptorAt(page, off) {
				continue
			}
			bd := types.ParseBlockDescriptor(page, off)
			switch {
			case bd.Valid():
				if bd.Digest.IsZero() {
					continue // zero-digest rows never enter the index
				}
				if prev, seen := bds[bd.Digest]; seen && prev != bd {
					s.log.Warnf("read_datastore(%s): duplicate BD: old: %s", root, prev)
					s.log.Warnf("read_datastore(%s): duplicate BD: new: %s", root, bd)
					if prev.Valid() {
						continue
					}
				}
				bds[bd.Digest] = bd
			default:
				if err := s.failOrLog("read_datastore(%s): invalid BD: %s", root, bd); err != nil {
					return nil, err
				}
				if !bd.Digest.IsZero() {
					if _, seen := bds[bd.Digest]; !seen {
						// keep it as a fallback, but never shadow a valid row
						bds[bd.Digest] = bd
					}
				}
			}
		}
	}

	return bds, nil
}
