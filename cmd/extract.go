package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-vbk/internal/device"
	"github.com/deploymenttheory/go-vbk/internal/extract"
	"github.com/deploymenttheory/go-vbk/internal/hashtable"
	"github.com/deploymenttheory/go-vbk/internal/meta"
	"github.com/deploymenttheory/go-vbk/internal/util"
)

var (
	vbkPath     string
	vbkOffset   uint64
	noVBK       bool
	devicePaths []string
	dataPaths   []string
	skipRead    bool
	jsonFile    string
	resume      bool
	withDigest  bool
)

var extractCmd = &cobra.Command{
	Use:   "extract [container-path] [file...]",
	Short: "Extract files by name, id, glob or all at once",
	Long: `Extract logical files from a container into <container>.out/.

Files may be selected by exact path, short name, glob or bank:page id;
with no selector, everything is extracted.

Examples:
  # Extract everything
  go-vbk extract backup.vbk

  # Extract one file by id
  go-vbk extract backup.vbk 0000:0010

  # Extract from a metadata dump plus carved data
  go-vbk extract meta.slot --data carved.csv --device /dev/sdb`,

	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExtractOrTest(args[0], args[1:], false)
	},
}

var testCmd = &cobra.Command{
	Use:   "test [container-path] [file...]",
	Short: "Verify file integrity without extracting",
	Long: `Run the extraction pipeline without writing output, reporting
per-file block statistics: recovered, sparse, missing and failing
blocks.

Examples:
  # Test all files
  go-vbk test backup.vbk

  # Test and append machine-readable rows
  go-vbk test backup.vbk --json-file results.json`,

	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExtractOrTest(args[0], args[1:], true)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{extractCmd, testCmd} {
		addMetaFlags(cmd)
		cmd.Flags().StringVar(&vbkPath, "vbk", "", "VBK/VIB file holding the data blocks (default: the container itself)")
		cmd.Flags().Uint64Var(&vbkOffset, "vbk-offset", 0, "data source start offset")
		cmd.Flags().BoolVar(&noVBK, "no-vbk", false, "work without a data source, metadata validation only")
		cmd.Flags().StringArrayVar(&devicePaths, "device", nil, "device holding carved data (repeatable)")
		cmd.Flags().StringArrayVar(&dataPaths, "data", nil, "carved-blocks CSV for the matching --device (repeatable)")
		cmd.Flags().BoolVar(&skipRead, "skip-read", false, "only check hash table presence, do not read blocks")
		cmd.Flags().StringVarP(&jsonFile, "json-file", "j", "", "append per-file results to this JSON file")
	}
	extractCmd.Flags().BoolVar(&resume, "resume", false, "resume a partial extraction")
	extractCmd.Flags().BoolVar(&withDigest, "digest", false, "log a BLAKE3 digest of each extracted file")
}

// loadExternalHashTable builds or reloads the carved-data index.
func loadExternalHashTable(mdPath string, log *logrus.Logger) (*hashtable.Table, error) {
	if len(dataPaths) != len(devicePaths) {
		return nil, fmt.Errorf("mismatch between --data files (%d) and --device files (%d)",
			len(dataPaths), len(devicePaths))
	}

	cachePath, err := util.OutPathname(mdPath, "ht_cache.bin")
	if err != nil {
		return nil, err
	}

	tbl := hashtable.New()
	if hashtable.CacheIsFresh(cachePath, dataPaths) {
		if err := tbl.LoadCache(cachePath, len(dataPaths)); err == nil {
			log.Infof("exHT: loaded %d entries from %s", tbl.Size(), cachePath)
			return tbl, nil
		}
	}

	for i, csv := range dataPaths {
		log.Infof("exHT: loading %s ...", csv)
		if err := tbl.LoadCSV(csv, uint8(i)); err != nil {
			return nil, fmt.Errorf("exHT: %w", err)
		}
	}
	if err := tbl.Sort(); err != nil {
		return nil, fmt.Errorf("exHT: %w", err)
	}
	log.Infof("exHT: total %d unique entries", tbl.Size())

	if err := tbl.SaveCache(cachePath, len(dataPaths)); err != nil {
		log.Errorf("exHT: error saving %s: %v", cachePath, err)
	}
	return tbl, nil
}

func runExtractOrTest(mdPath string, selectors []string, testOnly bool) error {
	log := newLogger()

	store, err := openStore(mdPath, log)
	if err != nil {
		return err
	}

	var exHT *hashtable.Table
	if len(dataPaths) > 0 || len(devicePaths) > 0 {
		if exHT, err = loadExternalHashTable(mdPath, log); err != nil {
			return err
		}
		defer exHT.Close()
	}

	var devices []*device.Reader
	for _, p := range devicePaths {
		r, err := device.OpenReader(p)
		if err != nil {
			return err
		}
		defer r.Close()
		devices = append(devices, r)
	}

	var vbk *device.Reader
	if !noVBK && len(devices) == 0 {
		source := vbkPath
		if source == "" {
			source = mdPath
		}
		if vbk, err = device.OpenReader(source); err != nil {
			return err
		}
		defer vbk.Close()
		log.Infof("source vbk %s (%x = %s)", source, vbk.Size(), util.Bytes2Human(vbk.Size()))
	}

	if noVBK && !testOnly {
		return fmt.Errorf("no VBK file specified, can't extract files without it")
	}

	if len(selectors) == 0 {
		selectors = []string{""}
	}

	for _, selector := range selectors {
		ctx, err := extract.NewContext(store, extract.Options{
			VBK:       vbk,
			Devices:   devices,
			ExHT:      exHT,
			MDPath:    mdPath,
			VBKOffset: int64(vbkOffset),
			TestOnly:  testOnly,
			NoRead:    skipRead,
			JSONPath:  jsonFile,
			Digest:    withDigest,
			Selector:  selector,
			Resume:    resume,
			Logger:    log,
		})
		if err != nil {
			return err
		}

		var walkErr error
		store.ForEachFile(func(pathname string, vf meta.VFile) {
			if walkErr != nil {
				return
			}
			if _, err := ctx.ProcessFile(pathname, vf); err != nil {
				walkErr = err
			}
		})
		ctx.Close()
		if walkErr != nil {
			return walkErr
		}

		if selector != "" && !ctx.Found {
			return fmt.Errorf("file %q not found in metadata", selector)
		}
	}
	return nil
}
