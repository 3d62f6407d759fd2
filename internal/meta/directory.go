package meta

import (
	"github.com/deploymenttheory/go-vbk/internal/types"
)

// VFileAttribs are the extraction-relevant attributes of a logical file.
type VFileAttribs struct {
	PPI        types.PhysPageID
	NBlocks    int64
	FileSize   int64
	VibUpdSize int64
}

// VFile is a logical file as presented to extraction callers. Produced
// by directory enumeration or deep scan; immutable thereafter.
type VFile struct {
	Type    types.FileType
	Name    string
	Attribs VFileAttribs
}

// IsDir reports a directory entry.
func (v *VFile) IsDir() bool { return v.Type == types.FTSubfolder }

// IsDiff reports an incremental patch file.
func (v *VFile) IsDiff() bool { return v.Type.IsDiff() }

// FileCallback receives each (pathname, file) pair during enumeration.
type FileCallback func(pathname string, vf VFile)

// loadVFile maps a directory entry to its VFile. Entries the engine
// cannot materialize (external FIBs, bare patches) yield false.
func loadVFile(rec *types.DirItemRec) (VFile, bool) {
	switch rec.Type {
	case types.FTSubfolder:
		return VFile{
			Type: rec.Type,
			Name: rec.Name,
			Attribs: VFileAttribs{
				PPI:     rec.Dir.ChildrenLoc,
				NBlocks: rec.Dir.ChildrenNum,
			},
		}, true
	case types.FTIntFib:
		return VFile{
			Type: rec.Type,
			Name: rec.Name,
			Attribs: VFileAttribs{
				PPI:      rec.Fib.BlocksLoc,
				NBlocks:  int64(rec.Fib.NBlocks),
				FileSize: int64(rec.Fib.FibSize),
			},
		}, true
	case types.FTIncrement:
		return VFile{
			Type: rec.Type,
			Name: rec.Name,
			Attribs: VFileAttribs{
				PPI:        rec.Inc.BlocksLoc,
				NBlocks:    int64(rec.Inc.NBlocks),
				FileSize:   int64(rec.Inc.FibSize),
				VibUpdSize: int64(rec.Inc.IncSize),
			},
		}, true
	default:
		return VFile{}, false
	}
}

// processDirPage scans a page as an SDirItemRec array, stopping at the
// first invalid entry. Valid entries are emitted; subfolders recurse.
func (s *Store) processDirPage(page []byte, prefix string, cb FileCallback, visited map[types.PhysPageID]struct{}) {
	for off := 0; off+types.DirItemRecSize <= len(page); off += types.DirItemRecSize {
		rec, err := types.ParseDirItemRec(page, off)
		if err != nil {
			break
		}
		if !rec.Valid(0) {
			if rec.ValidName() {
				s.log.Debugf("process_dir_page: invalid entry: %s", rec)
			}
			break
		}

		vf, ok := loadVFile(rec)
		if !ok {
			if rec.Type != 0 {
				s.log.Errorf("process_dir_page: unsupported file type %x - %s", int32(rec.Type), rec)
			}
			continue
		}

		path := rec.Name
		if prefix != "" {
			path = prefix + "/" + rec.Name
		}
		cb(path, vf)

		if rec.IsDir() {
			s.readDir(rec.Dir.ChildrenLoc, path, cb, visited)
		}
	}
}

// readDir walks the PageStack of a directory and processes each of its
// pages, skipping pages an earlier walk already visited. A directory
// with an unreadable children location is skipped; traversal continues
// with siblings.
func (s *Store) readDir(dir types.PhysPageID, prefix string, cb FileCallback, visited map[types.PhysPageID]struct{}) {
	ps := s.GetPageStack(dir)
	s.log.Debugf("read_dir(%s): page_stack=%s", dir, ps)
	if !ps.Valid() {
		return
	}
	for _, ppi := range ps.PageIDs() {
		page, ok := s.GetPage(ppi)
		if !ok {
			continue
		}
		if visited != nil {
			if _, seen := visited[ppi]; seen {
				continue
			}
			visited[ppi] = struct{}{}
		}
		s.processDirPage(page, prefix, cb, visited)
	}
}

// ForEachFile enumerates every logical file: first the directory tree
// rooted at the snapshot root, then orphaned directory pages found among
// the unvisited pages, and finally (when deep scan is enabled) synthetic
// files recovered from unreferenced block indexes.
func (s *Store) ForEachFile(cb FileCallback) {
	visited := make(map[types.PhysPageID]struct{})

	s.readDir(s.rootDirPPI(), "", cb, visited)

	s.ForEachPage(func(ppi types.PhysPageID, page []byte) {
		if _, seen := visited[ppi]; seen {
			return
		}
		found := false
		s.processDirPage(page, "", func(path string, vf VFile) {
			if !found {
				s.log.Infof("found orphaned dir @ %s", ppi)
				found = true
			}
			cb(path, vf)
		}, visited)
	})

	if s.deepScan {
		for _, vf := range s.DeepScan() {
			ppi := vf.Attribs.PPI
			if _, seen := visited[ppi]; seen {
				continue
			}
			visited[ppi] = struct{}{}
			cb(vf.Name, vf)
		}
	}
}
