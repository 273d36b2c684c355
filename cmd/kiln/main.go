package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kilnworks/kiln/pkg/config"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Kiln - wheel build farm master",
	Long: `Kiln coordinates a farm of build machines that compile Python wheels
for packages published on a PyPI-compatible index. The master tracks the
package catalogue, dispatches builds, verifies and stores the artifacts
and renders the package index it serves.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Kiln version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Configuration file (YAML)")

	rootCmd.AddCommand(masterCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(rebuildCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
