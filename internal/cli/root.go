package cli

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	cfgFile string
)

// SetVersion injects the build version from main.
func SetVersion(v string) {
	version = v
}

// RootCmd is the root command, exported for documentation generation.
var RootCmd = &cobra.Command{
	Use:   "trosyncd",
	Short: "LAN document synchronization daemon",
	Long: `trosyncd - LAN document synchronization daemon

Discovers peers on the local network over multicast, authenticates them
with a shared cluster key, and keeps documents in sync using version
vectors. No server, no cloud.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// For internal use, keep an alias.
var rootCmd = RootCmd

// Execute runs the root command.
func Execute() error {
	return RootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.config/trosync/config.toml)")
}

// configPath resolves the active config file path.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".config", "trosync", "config.toml")
}
