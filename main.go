// Command trosyncd is the LAN document synchronization daemon.
package main

import (
	"fmt"
	"os"

	"trosyn.dev/go/trosync/internal/cli"
)

var version = "dev"

func main() {
	cli.SetVersion(version)
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
