package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-vbk/internal/device"
	"github.com/deploymenttheory/go-vbk/internal/progress"
	"github.com/deploymenttheory/go-vbk/internal/scanner"
)

var (
	scanStart   uint64
	scanBlocks  bool
	scanCarve   bool
	scanKeysets string
)

var scanCmd = &cobra.Command{
	Use:   "scan [image-path]",
	Short: "Sweep a damaged image for slots, banks and data blocks",
	Long: `Sweep the whole input sequentially, locating slot headers, bank
headers and (with --blocks) compressed data blocks by signature. Found
slots and banks are saved into <image>.out/; carved blocks are listed in
carved_blocks.csv. When no slot survives but bank ids can be inferred, a
synthetic slot file is assembled for extraction.

Examples:
  # Recover structures from a damaged backup
  go-vbk scan damaged.vbk

  # Carve data blocks too (for later --data/--device extraction)
  go-vbk scan damaged.vbk --blocks

  # Carve an encrypted backup with previously dumped keysets
  go-vbk scan damaged.vbk --blocks --keysets backup.keysets.bin`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan(args[0])
	},
}

func init() {
	scanCmd.Flags().Uint64Var(&scanStart, "offset", 0, "start offset (resume point)")
	scanCmd.Flags().BoolVar(&scanBlocks, "blocks", false, "carve LZ4/zlib/XML data blocks to CSV")
	scanCmd.Flags().BoolVar(&scanCarve, "carve", false, "pure carving mode, skip slot bookkeeping")
	scanCmd.Flags().StringVar(&scanKeysets, "keysets", "", "keyset dump for decrypting banks and blocks mid-scan")
}

func runScan(path string) error {
	log := newLogger()

	r, err := device.OpenReader(path)
	if err != nil {
		return err
	}
	size := r.Size()
	r.Close()

	var tracker *progress.Tracker
	if !quiet {
		tracker = progress.NewTracker(os.Stderr, size, int64(scanStart))
	}

	s, err := scanner.New(path, scanner.Options{
		Start:       int64(scanStart),
		FindBlocks:  scanBlocks,
		CarveMode:   scanCarve,
		Force:       force,
		KeysetsDump: scanKeysets,
		Logger:      log,
		Progress:    tracker,
	})
	if err != nil {
		return err
	}

	if err := s.Scan(); err != nil {
		return err
	}

	for kind, n := range s.Findings() {
		log.Infof("%s: %d", kind, n)
	}
	return nil
}
