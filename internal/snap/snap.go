// Package snap manages the collector snap on the unit: installing it
// from an attached resource or the store, and running the command it
// exposes.
package snap

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/canonical/software-inventory-collector/internal/logging"
)

// Name is both the snap and the command it exposes on PATH.
const Name = "software-inventory-collector"

var log = logging.L("snap")

// Runner executes one command and returns its stdout.
type Runner interface {
	Run(name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(name string, args ...string) ([]byte, error) {
	out, err := exec.Command(name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("%s: %w: %s", name, err, bytes.TrimSpace(exitErr.Stderr))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// Manager drives snapd through the snap CLI. The zero value runs the
// real commands; set Runner to intercept execution.
type Manager struct {
	Runner Runner
}

func (m *Manager) runner() Runner {
	if m.Runner != nil {
		return m.Runner
	}
	return execRunner{}
}

// IsInstalled reports whether the collector snap is present.
// "snap list" exits non-zero for snaps that are not installed.
func (m *Manager) IsInstalled() bool {
	_, err := m.runner().Run("snap", "list", Name)
	return err == nil
}

// InstallLocal sideloads the snap from a local file. Sideloaded snaps
// are unasserted, so --dangerous is required.
func (m *Manager) InstallLocal(path string) error {
	log.Info("installing collector snap from resource", "path", path)
	if _, err := m.runner().Run("snap", "install", "--dangerous", path); err != nil {
		return fmt.Errorf("failed to install snap from %s: %w", path, err)
	}
	return nil
}

// EnsureLatest installs the snap from the store, or refreshes it when
// already present. A refresh that finds no updates is a success.
func (m *Manager) EnsureLatest() error {
	if !m.IsInstalled() {
		log.Info("installing collector snap from store")
		if _, err := m.runner().Run("snap", "install", Name); err != nil {
			return fmt.Errorf("failed to install snap %s: %w", Name, err)
		}
		return nil
	}
	log.Info("refreshing collector snap")
	if _, err := m.runner().Run("snap", "refresh", Name); err != nil {
		if strings.Contains(err.Error(), "no updates available") {
			return nil
		}
		return fmt.Errorf("failed to refresh snap %s: %w", Name, err)
	}
	return nil
}

// InstalledVersion returns the installed snap version as reported by
// "snap list". Columns are Name Version Rev Tracking Publisher Notes.
func (m *Manager) InstalledVersion() (string, error) {
	out, err := m.runner().Run("snap", "list", Name)
	if err != nil {
		return "", fmt.Errorf("failed to list snap %s: %w", Name, err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == Name {
			return fields[1], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to scan snap list output: %w", err)
	}
	return "", fmt.Errorf("snap %s not found in snap list output", Name)
}

// RunCollector invokes the collector command the snap exposes against
// the given configuration file. With dryRun the collector only checks
// its config and connectivity without writing bundles.
func (m *Manager) RunCollector(configPath string, dryRun bool) error {
	args := []string{"-c", configPath}
	if dryRun {
		args = append(args, "--dry-run")
	}
	out, err := m.runner().Run(Name, args...)
	if err != nil {
		log.Error("collector run failed", logging.KeyError, err)
		return fmt.Errorf("failed to run collector: %w", err)
	}
	log.Debug("collector run succeeded", "output", string(bytes.TrimSpace(out)))
	return nil
}
