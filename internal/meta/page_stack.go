package meta

import (
	"fmt"
	"strings"

	"github.com/deploymenttheory/go-vbk/internal/types"
)

// ppisPerPage is the index fan-out: table entries per 4 KiB page.
const ppisPerPage = types.PageSize / types.PhysPageIDSize

// PageStack is the ordered list of payload page ids produced by walking
// an index tree. The raw table pages are accumulated first; Finalize
// projects the payload entries out of the linearized table array.
type PageStack struct {
	tables    []types.PhysPageID
	ids       []types.PhysPageID
	finalized bool
}

// Valid reports a finalized, non-empty stack.
func (ps *PageStack) Valid() bool {
	return ps.finalized && len(ps.ids) > 0
}

// Len returns the number of payload pages. Panics on a stack that was
// not finalized; that is a programming error, not a data error.
func (ps *PageStack) Len() int {
	if !ps.finalized {
		panic("page stack is not finalized")
	}
	return len(ps.ids)
}

// PageIDs returns the payload page list.
func (ps *PageStack) PageIDs() []types.PhysPageID {
	if !ps.finalized {
		panic("page stack is not finalized")
	}
	return ps.ids
}

// addPage appends one raw 4 KiB table page to the linearized array.
func (ps *PageStack) addPage(page []byte) {
	if len(page) != types.PageSize {
		panic("invalid page size")
	}
	if ps.finalized {
		panic("page stack is finalized")
	}
	for off := 0; off < types.PageSize; off += types.PhysPageIDSize {
		ps.tables = append(ps.tables, types.ParsePhysPageID(page, off))
	}
}

// calcIdx maps the i-th payload entry to its slot in the linearized
// table array. The arithmetic mirrors the agent's CPageStack layout: a
// quadrupling table progression with 510/511-entry strides and a
// one-slot header per table page.
func calcIdx(pageIdx int) int {
	reqTable := 1
	for pageIdx+1 > 510*reqTable {
		reqTable *= 4
	}
	reqTable += pageIdx
	tableIdx := reqTable / 511
	tableOfs := reqTable % 511
	return 512*tableIdx + tableOfs + 1
}

// finalize projects the payload entries and trims the trailing invalid
// run. Finalizing twice is a programming error.
func (ps *PageStack) finalize() *PageStack {
	if ps.finalized {
		panic("page stack is already finalized")
	}
	ps.ids = make([]types.PhysPageID, len(ps.tables))
	for i := range ps.ids {
		ps.ids[i] = types.EmptyPPI
	}
	for i := range ps.tables {
		if idx := calcIdx(i); idx < len(ps.tables) {
			ps.ids[i] = ps.tables[idx]
		}
	}
	n := len(ps.ids)
	for n > 0 && !ps.ids[n-1].Valid() {
		n--
	}
	ps.ids = ps.ids[:n]
	ps.finalized = true
	return ps
}

func (ps *PageStack) String() string {
	list := ps.ids
	tag := ""
	if !ps.finalized {
		list = ps.tables
		tag = "[RAW]"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "PageStack%s[%d]{", tag, len(list))
	if len(list) < 10 {
		for i, p := range list {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(p.String())
		}
	} else {
		fmt.Fprintf(&b, "%s, %s, %s, ... , %s, %s, %s",
			list[0], list[1], list[2], list[len(list)-3], list[len(list)-2], list[len(list)-1])
	}
	b.WriteString("}")
	return b.String()
}

// GetPageStack walks the index tree rooted at root: table pages are
// chained through a next-page link in their first 8 bytes, and the root
// additionally carries a self reference that must match. Cycles and
// unreadable pages truncate the stack with a logged error.
func (s *Store) GetPageStack(root types.PhysPageID) *PageStack {
	ps := &PageStack{}
	visited := make(map[types.PhysPageID]struct{})

	ppi := root
	first := true
	for ppi.Valid() {
		page, ok := s.GetPage(ppi)
		if !ok {
			s.log.Errorf("get_page_stack(%s): failed to get page %s, stack truncated", root, ppi)
			break
		}
		if first {
			first = false
			self := types.ParsePhysPageID(page, types.PhysPageIDSize)
			if self != root {
				s.log.Errorf("get_page_stack(%s): first page is not the root page: %s != %s", root, self, root)
				break
			}
		} else if _, seen := visited[ppi]; seen {
			s.log.Errorf("get_page_stack(%s): circular reference: %s", root, ppi)
			break
		}
		visited[ppi] = struct{}{}

		ps.addPage(page)
		ppi = types.ParsePhysPageID(page, 0)
	}

	return ps.finalize()
}
