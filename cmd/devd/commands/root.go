// Package commands implements devd's CLI, grounded on dittofs's
// cmd/dittofs/commands package layout: one cobra root, one persistent
// --config flag, subcommands doing the actual work.
package commands

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "devd",
	Short: "devd serves cached blocks over local direct I/O and the network",
	Long: `devd is a block-cache server: it acquires, dirties, and writes back
fixed-size blocks against a local device and/or peer devd instances reached
over the network, resolving block ownership through a manifest.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./corefs.yaml)")
	rootCmd.AddCommand(serveCmd)
}
