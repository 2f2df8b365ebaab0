// Package commands implements the blockfs CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "blockfs",
	Short: "blockfs - deduplicating, content-addressed block storage core",
	Long: `blockfs manages the metadata store, block cache, and upload pipeline
of a network-backed, deduplicating, content-addressed filesystem. It does
not implement a FUSE request surface: mount brings the commit protocol up
and exposes Read/Write/Truncate/Fsync for an embedding process to drive.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file (default: $XDG_CONFIG_HOME/blockfs/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(mkfsCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(umountCmd)
	rootCmd.AddCommand(fsckCmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}
