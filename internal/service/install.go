// Package service installs trosyncd as a per-user background service on
// the host's native service manager.
package service

import (
	"errors"
	"time"
)

// Status reports the installed service state.
type Status struct {
	Installed bool          `json:"installed"`
	Running   bool          `json:"running"`
	PID       int           `json:"pid,omitempty"`
	Uptime    time.Duration `json:"uptime,omitempty"`
}

// Installer manages the platform service. NewInstaller returns the
// implementation for the current OS.
type Installer interface {
	Install() error
	Uninstall() error
	IsInstalled() bool

	Start() error
	Stop() error
	Status() (Status, error)

	// Enable and Disable control start-at-login.
	Enable() error
	Disable() error
}

var (
	ErrNotInstalled     = errors.New("service not installed")
	ErrAlreadyInstalled = errors.New("service already installed")
)
