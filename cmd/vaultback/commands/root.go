// Package commands implements vaultback's CLI subcommands.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// cfgFile is the global --config flag.
	cfgFile string
)

// rootCmd is the base command invoked with no subcommand.
var rootCmd = &cobra.Command{
	Use:   "vaultback",
	Short: "vaultback - content-addressed, deduplicated, encrypted backups",
	Long: `vaultback performs incremental, deduplicated, encrypted backups of a
configured set of local files and directories to a remote object-storage
bucket.

Use "vaultback [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/vaultback/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initConfigCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(verifyCmd)
}

// GetConfigFile returns the config file path from the global --config flag.
func GetConfigFile() string {
	return cfgFile
}
