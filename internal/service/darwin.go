//go:build darwin

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

const launchdLabel = "dev.trosyn.trosyncd"

const launchAgentPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>` + launchdLabel + `</string>
    <key>ProgramArguments</key>
    <array>
        <string>%s</string>
        <string>run</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>StandardOutPath</key>
    <string>%s/trosyncd.log</string>
    <key>StandardErrorPath</key>
    <string>%s/trosyncd.log</string>
</dict>
</plist>
`

type darwinInstaller struct {
	plistPath string
	logDir    string
	execPath  string
}

// NewInstaller returns the launchd agent installer.
func NewInstaller() Installer {
	home, _ := os.UserHomeDir()
	plistPath := filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist")
	logDir := filepath.Join(home, "Library", "Logs", "trosync")

	execPath, _ := os.Executable()
	if execPath == "" {
		execPath = "/usr/local/bin/trosyncd"
	}

	return &darwinInstaller{plistPath: plistPath, logDir: logDir, execPath: execPath}
}

func (i *darwinInstaller) Install() error {
	if i.IsInstalled() {
		return ErrAlreadyInstalled
	}

	if err := os.MkdirAll(filepath.Dir(i.plistPath), 0o755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.MkdirAll(i.logDir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}

	content := fmt.Sprintf(launchAgentPlist, i.execPath, i.logDir, i.logDir)
	if err := os.WriteFile(i.plistPath, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	return nil
}

func (i *darwinInstaller) Uninstall() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}

	i.Stop()
	if err := os.Remove(i.plistPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

func (i *darwinInstaller) IsInstalled() bool {
	_, err := os.Stat(i.plistPath)
	return err == nil
}

func (i *darwinInstaller) Start() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	if err := exec.Command("launchctl", "load", i.plistPath).Run(); err != nil {
		return fmt.Errorf("launchctl load: %w", err)
	}
	return nil
}

func (i *darwinInstaller) Stop() error {
	if !i.IsInstalled() {
		return ErrNotInstalled
	}
	// Unload errors mean it was not loaded.
	exec.Command("launchctl", "unload", i.plistPath).Run()
	return nil
}

// Enable and Disable map to load/unload; launchd has no separate
// enabled bit for user agents.
func (i *darwinInstaller) Enable() error  { return i.Start() }
func (i *darwinInstaller) Disable() error { return i.Stop() }

func (i *darwinInstaller) Status() (Status, error) {
	var status Status
	if !i.IsInstalled() {
		return status, nil
	}
	status.Installed = true

	out, err := exec.Command("launchctl", "list", launchdLabel).Output()
	if err != nil {
		return status, nil
	}

	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, "PID") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) >= 2 && parts[1] != "-" {
			if pid, err := strconv.Atoi(strings.Trim(parts[1], ";")); err == nil {
				status.PID = pid
				status.Running = true
			}
		}
	}

	if status.PID > 0 {
		psOut, err := exec.Command("ps", "-o", "lstart=", "-p", strconv.Itoa(status.PID)).Output()
		if err == nil {
			if t, err := time.Parse("Mon Jan 2 15:04:05 2006", strings.TrimSpace(string(psOut))); err == nil {
				status.Uptime = time.Since(t)
			}
		}
	}
	return status, nil
}
