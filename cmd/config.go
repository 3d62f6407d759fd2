package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the settings in effect after merging defaults, the optional
~/.go-vbk.yaml file and GOVBK_* environment overrides.`,

	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if used := viper.ConfigFileUsed(); used != "" {
			fmt.Printf("config file: %s\n", used)
		} else {
			fmt.Println("config file: (none)")
		}
		fmt.Printf("force:     %v\n", force)
		fmt.Printf("deep_scan: %v\n", viper.GetBool("deep_scan"))
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
}
