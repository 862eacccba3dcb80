//go:build linux

// Package autostart manages the systemd unit that starts the agent at boot.
package autostart

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

var unitDir = "/etc/systemd/system"

var systemctl = func(args ...string) error {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

const unitTemplate = `[Unit]
Description=CPWplus scale agent
After=network-online.target
Wants=network-online.target

[Service]
ExecStart=%s
Restart=always
RestartSec=5

[Install]
WantedBy=multi-user.target
`

func unitPath(name string) string {
	return filepath.Join(unitDir, name+".service")
}

func IsEnabled(name string) (bool, error) {
	if _, err := os.Stat(unitPath(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}

	return systemctl("is-enabled", "--quiet", name+".service") == nil, nil
}

// Enable writes the unit for executablePath and enables it.
func Enable(name string, executablePath string, args ...string) error {
	command := executablePath
	if len(args) > 0 {
		command += " " + strings.Join(args, " ")
	}

	if err := os.WriteFile(unitPath(name), []byte(fmt.Sprintf(unitTemplate, command)), 0o644); err != nil {
		return err
	}

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}

	return systemctl("enable", name+".service")
}

// Disable disables the unit and removes it; a missing unit is not an error.
func Disable(name string) error {
	path := unitPath(name)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err := systemctl("disable", "--now", name+".service"); err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	return systemctl("daemon-reload")
}

func Restart(name string) error {
	return systemctl("restart", name+".service")
}
