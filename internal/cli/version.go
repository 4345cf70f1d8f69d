package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

var versionFull bool

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionFull, "full", false, "print detailed version information")
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run:   runVersion,
}

func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("trosyncd version %s\n", version)

	if versionFull {
		fmt.Println()
		fmt.Printf("  Commit:     %s\n", vcsSetting("vcs.revision", 8))
		fmt.Printf("  Built:      %s\n", vcsSetting("vcs.time", 0))
		fmt.Printf("  Go version: %s\n", runtime.Version())
		fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	}
}

func vcsSetting(key string, truncate int) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, s := range info.Settings {
		if s.Key == key {
			if truncate > 0 && len(s.Value) > truncate {
				return s.Value[:truncate]
			}
			return s.Value
		}
	}
	return "unknown"
}
