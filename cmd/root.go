// Package cmd wires the command-line surface of go-vbk: thin cobra
// adapters over the recovery engine in internal/.
package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-vbk/internal/meta"
)

var (
	verbose int
	quiet   bool
	force   bool

	password    string
	deep        bool
	baseOffset  uint64
	onlySlot    int
	dumpKeysets bool
	sessionOnly bool
	newVersion  string
)

var rootCmd = &cobra.Command{
	Use:   "go-vbk",
	Short: "Forensic recovery and inspection tool for Veeam VBK/VIB containers",
	Long: `go-vbk is a read-only command-line tool for exploring, extracting,
testing and recovering the contents of Veeam backup containers (VBK full
backups and VIB incremental patches), including truncated, partially
zeroed or carved-from-disk images.

Commands:
  list        List the logical files a container holds
  extract     Extract files by name, id, glob or all at once
  test        Verify file integrity without extracting
  scan        Sweep a damaged image for slots, banks and data blocks
  page        Show one raw metadata page
  stack       Walk and show a PageStack
  crc32       Checksum data with the container CRC variant`,
	Version: "0.1.0",
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "increase verbosity (repeatable)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress output except errors")
	rootCmd.PersistentFlags().BoolVarP(&force, "force", "f", false, "keep going on structural and read errors")

	rootCmd.AddCommand(
		listCmd,
		extractCmd,
		testCmd,
		scanCmd,
		pageCmd,
		stackCmd,
		crc32Cmd,
	)
}

// initConfig loads optional defaults from ~/.go-vbk.yaml or an explicit
// GOVBK_* environment override.
func initConfig() {
	viper.SetConfigName(".go-vbk")
	viper.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home)
	}
	viper.AddConfigPath(".")
	viper.SetEnvPrefix("govbk")
	viper.AutomaticEnv()

	viper.SetDefault("force", false)
	viper.SetDefault("deep_scan", false)

	_ = viper.ReadInConfig() // optional; environment overrides apply either way
	if !rootCmd.PersistentFlags().Changed("force") {
		force = viper.GetBool("force")
	}
	if viper.GetBool("deep_scan") {
		deep = true
	}
}

// newLogger builds the session logger from the verbosity flags.
func newLogger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		DisableTimestamp: true,
	})
	switch {
	case quiet:
		log.SetLevel(logrus.ErrorLevel)
	case verbose >= 2:
		log.SetLevel(logrus.TraceLevel)
	case verbose == 1:
		log.SetLevel(logrus.DebugLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}

// addMetaFlags registers the flags every metadata-consuming command
// shares.
func addMetaFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&password, "password", "", "password for decrypting encrypted containers")
	cmd.Flags().BoolVarP(&deep, "deep", "d", false, "deep-scan unreferenced pages for lost files")
	cmd.Flags().Uint64Var(&baseOffset, "offset", 0, "container start offset")
	cmd.Flags().IntVar(&onlySlot, "slot", 0, "use only this slot (1 or 2; default: best)")
	cmd.Flags().BoolVar(&dumpKeysets, "dump-keysets", false, "dump derived AES keysets (uuid + key + iv)")
	cmd.Flags().BoolVar(&sessionOnly, "session", false, "with --dump-keysets, dump only the session keyset")
	cmd.Flags().StringVar(&newVersion, "new-version", "", "skip version detection and force old (false) or new (true) metadata")
}

// openStore opens the metadata source per the shared flags.
func openStore(path string, log *logrus.Logger) (*meta.Store, error) {
	opts := meta.Options{
		Offset:      int64(baseOffset),
		Password:    password,
		Force:       force,
		DeepScan:    deep,
		OnlySlot:    onlySlot,
		SessionOnly: sessionOnly,
		Logger:      log,
	}
	if dumpKeysets {
		out, err := keysetDumpPath(path)
		if err != nil {
			return nil, err
		}
		opts.DumpKeysets = out
	}

	store, err := meta.Open(path, opts)
	if err != nil {
		return nil, err
	}

	switch newVersion {
	case "":
	case "true", "1":
		store.SetVersion(1)
	case "false", "0":
		store.SetVersion(0)
	default:
		return nil, fmt.Errorf("invalid --new-version value %q", newVersion)
	}
	return store, nil
}
