package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"trosyn.dev/go/trosync/internal/service"
)

func init() {
	rootCmd.AddCommand(serviceCmd)
	serviceCmd.AddCommand(serviceInstallCmd)
	serviceCmd.AddCommand(serviceUninstallCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage trosyncd as a background service",
	Long: `Manage trosyncd as a background service.

Installs a per-user unit on the host's native service manager (systemd,
launchd or the Windows task scheduler) that runs 'trosyncd run' at login.`,
}

var serviceInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install and enable the service",
	RunE: func(cmd *cobra.Command, args []string) error {
		inst := service.NewInstaller()
		if err := inst.Install(); err != nil {
			return err
		}
		if err := inst.Enable(); err != nil {
			return err
		}
		if err := inst.Start(); err != nil {
			return err
		}
		fmt.Println("Service installed and started.")
		return nil
	},
}

var serviceUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Stop and remove the service",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := service.NewInstaller().Uninstall(); err != nil {
			return err
		}
		fmt.Println("Service removed.")
		return nil
	},
}

var serviceStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the installed service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return service.NewInstaller().Start()
	},
}

var serviceStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the installed service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return service.NewInstaller().Stop()
	},
}

var serviceStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := service.NewInstaller().Status()
		if err != nil {
			return err
		}
		if !st.Installed {
			fmt.Println("Service: not installed")
			return nil
		}
		fmt.Println("Service: installed")
		if st.Running {
			fmt.Printf("Status:  running (pid %d, up %s)\n", st.PID, st.Uptime.Round(time.Second))
		} else {
			fmt.Println("Status:  stopped")
		}
		return nil
	},
}
