package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"trosyn.dev/go/trosync/internal/config"
	"trosyn.dev/go/trosync/internal/daemon"
)

var (
	runSyncPort int
	runLogLevel string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().IntVar(&runSyncPort, "port", 0, "override the sync listener port")
	runCmd.Flags().StringVar(&runLogLevel, "log-level", "", "override the log level (debug, info, warn, error)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sync daemon in the foreground",
	Long: `Run the sync daemon in the foreground.

This is typically used by service managers (systemd, launchd). The daemon
announces itself on the configured multicast group, accepts authenticated
peer connections and syncs documents until interrupted.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}
	if runSyncPort != 0 {
		cfg.Node.SyncPort = runSyncPort
	}
	if runLogLevel != "" {
		cfg.Logging.Level = runLogLevel
	}

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	d.SetupLogging()

	if err := d.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Fprintf(os.Stderr, "received %s, shutting down\n", sig)

	d.Stop()
	return nil
}
