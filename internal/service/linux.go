//go:build linux

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const unitName = "trosync"

const systemdUserUnit = `[Unit]
Description=trosync LAN synchronization daemon
After=network.target

[Service]
Type=simple
ExecStart=%s run
Restart=on-failure
RestartSec=5

[Install]
WantedBy=default.target
`

type linuxInstaller struct {
	unitPath string
	execPath string
}

// NewInstaller returns the systemd user-unit installer.
func NewInstaller() Installer {
	home, _ := os.UserHomeDir()
	unitPath := filepath.Join(home, ".config", "systemd", "user", unitName+".service")

	execPath, _ := os.Executable()
	if execPath == "" {
		execPath = "/usr/local/bin/trosyncd"
	}

	return &linuxInstaller{unitPath: unitPath, execPath: execPath}
}

func (i *linuxInstaller) Install() error {
	if i.IsInstalled() {
		return ErrAlreadyInstalled
	}

	if err := os.MkdirAll(filepath.Dir(i.unitPath), 0o755); err != nil {
		return fmt.Errorf("create systemd user dir: %w", err)
	}
	content := fmt.Sprintf(systemdUserUnit, i.execPath)
	if err := os.WriteFile(i.unitPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	if err := i.systemctl("daemon-reload"); err != nil {
		return err
	}
	return nil
}

func (i *linuxInstaller) Uninstall() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}

	i.Stop()
	exec.Command("systemctl", "--user", "disable", unitName).Run()

	if err := os.Remove(i.unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	return i.systemctl("daemon-reload")
}

func (i *linuxInstaller) IsInstalled() bool {
	_, err := os.Stat(i.unitPath)
	return err == nil
}

func (i *linuxInstaller) Start() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	return i.systemctl("start", unitName)
}

func (i *linuxInstaller) Stop() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	return i.systemctl("stop", unitName)
}

func (i *linuxInstaller) Enable() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	return i.systemctl("enable", unitName)
}

func (i *linuxInstaller) Disable() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	return i.systemctl("disable", unitName)
}

func (i *linuxInstaller) Status() (Status, error) {
	var status Status
	if !i.IsInstalled() {
		return status, nil
	}
	status.Installed = true

	out, _ := exec.Command("systemctl", "--user", "is-active", unitName).Output()
	status.Running = strings.TrimSpace(string(out)) == "active"
	if !status.Running {
		return status, nil
	}

	if out, err := i.show("MainPID"); err == nil {
		if pid, err := strconv.Atoi(out); err == nil {
			status.PID = pid
		}
	}
	if out, err := i.show("ActiveEnterTimestamp"); err == nil {
		if t, err := time.Parse("Mon 2006-01-02 15:04:05 MST", out); err == nil {
			status.Uptime = time.Since(t)
		}
	}
	return status, nil
}

func (i *linuxInstaller) systemctl(args ...string) error {
	full := append([]string{"--user"}, args...)
	if err := exec.Command("systemctl", full...).Run(); err != nil {
		return fmt.Errorf("systemctl %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

func (i *linuxInstaller) show(property string) (string, error) {
	out, err := exec.Command("systemctl", "--user", "show", unitName,
		"--property="+property, "--value").Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
