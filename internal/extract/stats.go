package extract

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/deploymenttheory/go-vbk/internal/meta"
	"github.com/deploymenttheory/go-vbk/internal/types"
	"github.com/deploymenttheory/go-vbk/internal/util"
)

// FileTestInfo accumulates per-file extraction statistics.
type FileTestInfo struct {
	Name        string
	Pathname    string
	MDPath      string
	PPI         types.PhysPageID
	Size        int64
	TotalBlocks int64
	Type        types.FileType

	SparseBlocks int64
	NOK          int64 // blocks fully recovered
	NMissMD      int64 // block metadata completely missing
	NMissHT      int64 // known blocks absent from every hash table
	NErrDecomp   int64
	NErrCRC      int64
	NReadErr     int64
}

// NewFileTestInfo seeds the statistics from a logical file.
func NewFileTestInfo(vf meta.VFile, pathname, mdPath string) *FileTestInfo {
	return &FileTestInfo{
		Name:        vf.Name,
		Pathname:    pathname,
		MDPath:      mdPath,
		PPI:         vf.Attribs.PPI,
		Size:        vf.Attribs.FileSize,
		TotalBlocks: vf.Attribs.NBlocks,
		Type:        vf.Type,
	}
}

// Percent is the share of recoverable blocks that came out intact.
// Sparse blocks are excluded; 100.0 is reserved for runs with no error
// counters at all, anything tainted clamps to 99.99.
func (f *FileTestInfo) Percent() float64 {
	total := f.TotalBlocks - f.SparseBlocks
	if total <= 0 {
		return 0
	}
	perc := 100.0 * float64(f.NOK) / float64(total)
	if perc >= 100.0 &&
		(f.NMissMD != 0 || f.NMissHT != 0 || f.NErrDecomp != 0 || f.NErrCRC != 0 || f.NReadErr != 0) {
		perc = 99.99
	}
	return perc
}

// Header renders the column labels matching String's layout.
func (f *FileTestInfo) Header() string {
	return fmt.Sprintf("%9s %9s %9s %7s %8s %8s %8s %8s %8s %8s  %-9s  %s",
		"TotalBLK", "sparse", "OK_BLK", "OK%", "missMD", "missHT", "errRead", "eDecomp", "errCRC", "size", "id", "name")
}

// String renders one tab-aligned result row.
func (f *FileTestInfo) String() string {
	return fmt.Sprintf("%9d %9d %9d %7.2f %8d %8d %8d %8d %8d %8s  %-9s  %s",
		f.TotalBlocks, f.SparseBlocks, f.NOK, f.Percent(),
		f.NMissMD, f.NMissHT, f.NReadErr, f.NErrDecomp, f.NErrCRC,
		util.Bytes2Human(f.Size), f.PPI.String(), f.Name)
}

// jsonRow fixes the field order of the machine-readable report.
type jsonRow struct {
	ID           string  `json:"id"`
	Pathname     string  `json:"pathname"`
	Size         int64   `json:"size"`
	Type         string  `json:"type"`
	TotalBlocks  int64   `json:"total_blocks"`
	SparseBlocks int64   `json:"sparse_blocks"`
	NOK          int64   `json:"nOK"`
	Percent      float64 `json:"percent"`
	NMissMD      int64   `json:"nMissMD"`
	NMissHT      int64   `json:"nMissHT"`
	NErrDecomp   int64   `json:"nErrDecomp"`
	NErrCRC      int64   `json:"nErrCRC"`
	NReadErr     int64   `json:"nReadErr"`
	MDFname      string  `json:"md_fname"`
}

// AppendJSON appends the statistics as one JSON object line to path.
func (f *FileTestInfo) AppendJSON(path string) error {
	row := jsonRow{
		ID:           f.PPI.String(),
		Pathname:     f.Pathname,
		Size:         f.Size,
		Type:         f.Type.String(),
		TotalBlocks:  f.TotalBlocks,
		SparseBlocks: f.SparseBlocks,
		NOK:          f.NOK,
		Percent:      f.Percent(),
		NMissMD:      f.NMissMD,
		NMissHT:      f.NMissHT,
		NErrDecomp:   f.NErrDecomp,
		NErrCRC:      f.NErrCRC,
		NReadErr:     f.NReadErr,
		MDFname:      f.MDPath,
	}

	data, err := json.Marshal(row)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = out.Write(append(data, '\n'))
	return err
}
