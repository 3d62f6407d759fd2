package cmd

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/deploymenttheory/go-vbk/internal/types"
)

var pageWrite string

var pageCmd = &cobra.Command{
	Use:   "page [container-path] [bank:page|all]",
	Short: "Show one raw metadata page",
	Long: `Fetch a metadata page by its bank:page coordinate and hex-dump it,
or write the raw bytes to a file. "all" dumps every non-empty page.

Examples:
  go-vbk page backup.vbk 0000:0005
  go-vbk page backup.vbk 0002:0011 --write page.bin
  go-vbk page backup.vbk all`,

	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPage(args[0], args[1])
	},
}

var stackCmd = &cobra.Command{
	Use:   "stack [container-path] [bank:page|all]",
	Short: "Walk and show a PageStack",
	Long: `Walk the index tree rooted at bank:page and print the resulting
page list. "all" probes every non-empty page as a potential root.

Examples:
  go-vbk stack backup.vbk 0000:0010
  go-vbk stack backup.vbk all`,

	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStack(args[0], args[1])
	},
}

func init() {
	addMetaFlags(pageCmd)
	pageCmd.Flags().StringVarP(&pageWrite, "write", "w", "", "write raw page data to this file instead of hex-dumping")
	addMetaFlags(stackCmd)
}

func runPage(path, id string) error {
	log := newLogger()
	store, err := openStore(path, log)
	if err != nil {
		return err
	}

	if id == "all" {
		store.ForEachPage(func(ppi types.PhysPageID, page []byte) {
			fmt.Printf("%s\n%s", ppi, hex.Dump(page))
		})
		return nil
	}

	ppi := types.ParsePPIString(id)
	page, ok := store.GetPage(ppi)
	if !ok {
		return fmt.Errorf("no page at %s", ppi)
	}

	if pageWrite != "" {
		if err := os.WriteFile(pageWrite, page, 0o644); err != nil {
			return err
		}
		log.Infof("saved %d bytes to %q", len(page), pageWrite)
		return nil
	}
	fmt.Print(hex.Dump(page))
	return nil
}

func runStack(path, id string) error {
	log := newLogger()
	store, err := openStore(path, log)
	if err != nil {
		return err
	}

	if id == "all" {
		store.ForEachPage(func(ppi types.PhysPageID, _ []byte) {
			if ps := store.GetPageStack(ppi); ps.Valid() {
				fmt.Printf("%s: %s\n", ppi, ps)
			}
		})
		return nil
	}

	ppi := types.ParsePPIString(id)
	ps := store.GetPageStack(ppi)
	if !ps.Valid() {
		return fmt.Errorf("no valid PageStack at %s", ppi)
	}
	fmt.Println(ps)

	if verbose > 0 {
		for idx, p := range ps.PageIDs() {
			if page, ok := store.GetPage(p); ok {
				fmt.Printf("page %s (%d/%d)\n%s", p, idx, ps.Len(), hex.Dump(page))
			}
		}
	}
	return nil
}
