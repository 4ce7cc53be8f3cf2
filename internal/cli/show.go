// internal/cli/show.go
package vqatrain

import (
	"github.com/k0kubun/pp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mwiater/vqatrain/internal/appconfig"
)

var showRaw bool

// showCmd groups the show subcommands.
var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show information about the current setup",
}

// showConfigCmd implements the 'show config' command, which displays the current configuration settings.
var showConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show config settings",
	Long:  `Show config settings ensuring that the JSON config is loaded properly and overridden by flags accordingly.`,
	Run: func(cmd *cobra.Command, args []string) {
		if showRaw {
			pp.Fprintln(cmd.OutOrStdout(), GetConfig())
			return
		}
		appconfig.ShowConfig(cmd.OutOrStdout(), viper.ConfigFileUsed(), GetConfig())
	},
}

func init() {
	showConfigCmd.Flags().BoolVar(&showRaw, "raw", false, "pretty-print the decoded config struct")
	showCmd.AddCommand(showConfigCmd)
	rootCmd.AddCommand(showCmd)
}
