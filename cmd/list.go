package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-vbk/internal/meta"
	"github.com/deploymenttheory/go-vbk/internal/util"
)

var listCmd = &cobra.Command{
	Use:   "list [container-path]",
	Short: "List the logical files a container holds",
	Long: `List every logical file of a VBK/VIB container or metadata dump.

Examples:
  # List a full backup
  go-vbk list backup.vbk

  # Include files recovered by deep scan
  go-vbk list backup.vbk --deep

  # List an encrypted backup
  go-vbk list backup.vbk --password secret`,

	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(args[0])
	},
}

func init() {
	addMetaFlags(listCmd)
}

func runList(path string) error {
	log := newLogger()

	store, err := openStore(path, log)
	if err != nil {
		return err
	}

	store.ForEachFile(func(pathname string, vf meta.VFile) {
		size := ""
		switch {
		case vf.IsDir():
		case vf.Attribs.FileSize == -1:
			size = "?"
		default:
			size = util.Bytes2Human(vf.Attribs.FileSize)
		}
		fmt.Printf("%s %-6s %8x %9s %s\n", vf.Attribs.PPI, vf.Type, vf.Attribs.NBlocks, size, pathname)
	})
	return nil
}

// keysetDumpPath derives the default keyset dump location for a source.
func keysetDumpPath(srcPath string) (string, error) {
	base := util.SanitizeFname(filepath.Base(srcPath))
	return util.OutPathname(srcPath, base+".keysets.bin")
}
