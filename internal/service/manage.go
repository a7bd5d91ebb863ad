package service

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/resetready/migrationd/internal/exitcodes"
	"github.com/resetready/migrationd/internal/logging"
)

const (
	unitName = "migrationd.service"
	unitPath = "/etc/systemd/system/" + unitName
)

const unitTemplate = `[Unit]
Description=Local migration coordination service
After=network.target

[Service]
Type=simple
ExecStart=%s run --config %s
Restart=on-failure
RestartSec=5

[Install]
WantedBy=multi-user.target
`

func requireRoot(action string) error {
	if os.Geteuid() != 0 {
		return exitcodes.NewExitError(
			fmt.Errorf("%s requires administrative privilege (run as root)", action),
			exitcodes.PermissionError)
	}
	return nil
}

func systemctl(args ...string) error {
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s: %s: %w",
			strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return nil
}

// Install registers the service with systemd and enables it at boot.
func Install(configPath string) error {
	if err := requireRoot("install"); err != nil {
		return err
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}

	unit := fmt.Sprintf(unitTemplate, executable, configPath)
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}

	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	if err := systemctl("enable", unitName); err != nil {
		return err
	}
	logging.Info("Installed %s", unitPath)
	return nil
}

// Uninstall stops the service and removes the systemd unit.
func Uninstall() error {
	if err := requireRoot("uninstall"); err != nil {
		return err
	}

	// Stop before removal; a not-running service is fine.
	if err := systemctl("stop", unitName); err != nil {
		logging.Debug("Stop during uninstall: %v", err)
	}
	if err := systemctl("disable", unitName); err != nil {
		logging.Debug("Disable during uninstall: %v", err)
	}

	if err := os.Remove(unitPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing unit file: %w", err)
	}
	if err := systemctl("daemon-reload"); err != nil {
		return err
	}
	logging.Info("Uninstalled %s", unitName)
	return nil
}

// Start starts the installed service.
func Start() error {
	return systemctl("start", unitName)
}

// Stop stops the installed service.
func Stop() error {
	return systemctl("stop", unitName)
}

// UnitState returns the systemd activity state, or "unknown" when systemd
// is unavailable.
func UnitState() string {
	out, err := exec.Command("systemctl", "is-active", unitName).Output()
	state := strings.TrimSpace(string(out))
	if state == "" {
		if err != nil {
			return "unknown"
		}
		return "inactive"
	}
	return state
}
