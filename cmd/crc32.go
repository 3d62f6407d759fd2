package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-vbk/internal/vcrc32"
)

var crc32Literal string

var crc32Cmd = &cobra.Command{
	Use:   "crc32 [file]",
	Short: "Checksum data with the container CRC variant",
	Long: `Compute the CRC-32 variant the container format uses for slots,
banks and LZ4 block headers. Handy for diffing carver CSVs by hand.

Examples:
  go-vbk crc32 some.bank
  go-vbk crc32 --string "Hello, World!"`,

	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if crc32Literal != "" {
			fmt.Printf("%08x\n", vcrc32.Checksum([]byte(crc32Literal)))
			return nil
		}
		if len(args) != 1 {
			return fmt.Errorf("need a file argument or --string")
		}
		return runCRC32File(args[0])
	},
}

func init() {
	crc32Cmd.Flags().StringVar(&crc32Literal, "string", "", "checksum this literal instead of a file")
}

func runCRC32File(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var crc uint32
	buf := make([]byte, 1<<20)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			crc = vcrc32.Update(crc, buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	fmt.Printf("%08x\n", crc)
	return nil
}
