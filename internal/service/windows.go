//go:build windows

package service

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

const taskName = "trosyncd"

type windowsInstaller struct {
	execPath string
}

// NewInstaller returns the scheduled-task installer.
func NewInstaller() Installer {
	execPath, _ := os.Executable()
	if execPath == "" {
		execPath = filepath.Join(os.Getenv("PROGRAMFILES"), "trosync", "trosyncd.exe")
	}
	return &windowsInstaller{execPath: execPath}
}

func (i *windowsInstaller) Install() error {
	if i.IsInstalled() {
		return ErrAlreadyInstalled
	}

	cmd := exec.Command("schtasks", "/Create",
		"/TN", taskName,
		"/TR", fmt.Sprintf(`"%s" run`, i.execPath),
		"/SC", "ONLOGON",
		"/RL", "LIMITED",
		"/F",
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}
	return nil
}

func (i *windowsInstaller) Uninstall() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}

	i.Stop()
	if err := exec.Command("schtasks", "/Delete", "/TN", taskName, "/F").Run(); err != nil {
		return fmt.Errorf("delete scheduled task: %w", err)
	}
	return nil
}

func (i *windowsInstaller) IsInstalled() bool {
	return exec.Command("schtasks", "/Query", "/TN", taskName).Run() == nil
}

func (i *windowsInstaller) Start() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if err := exec.Command("schtasks", "/Run", "/TN", taskName).Run(); err != nil {
		return fmt.Errorf("run scheduled task: %w", err)
	}
	return nil
}

func (i *windowsInstaller) Stop() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	// Kill errors mean the process was not running.
	exec.Command("taskkill", "/IM", "trosyncd.exe", "/F").Run()
	return nil
}

func (i *windowsInstaller) Enable() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if err := exec.Command("schtasks", "/Change", "/TN", taskName, "/Enable").Run(); err != nil {
		return fmt.Errorf("enable scheduled task: %w", err)
	}
	return nil
}

func (i *windowsInstaller) Disable() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if err := exec.Command("schtasks", "/Change", "/TN", taskName, "/Disable").Run(); err != nil {
		return fmt.Errorf("disable scheduled task: %w", err)
	}
	return nil
}

func (i *windowsInstaller) Status() (Status, error) {
	var status Status
	if !i.IsInstalled() {
		return status, nil
	}
	status.Installed = true

	out, err := exec.Command("tasklist", "/FI", "IMAGENAME eq trosyncd.exe", "/FO", "CSV", "/NH").Output()
	if err != nil {
		return status, nil
	}

	line := string(out)
	if strings.Contains(line, "trosyncd.exe") {
		status.Running = true
		parts := strings.Split(line, ",")
		if len(parts) >= 2 {
			if pid, err := strconv.Atoi(strings.Trim(parts[1], "\"")); err == nil {
				status.PID = pid
			}
		}
	}
	return status, nil
}
