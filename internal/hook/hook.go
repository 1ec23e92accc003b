// Package hook wraps the tools juju puts on PATH while a charm hook or
// action is dispatched (config-get, relation-get, status-set, ...).
// Output-bearing tools are invoked with --format=json and decoded.
package hook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/canonical/software-inventory-collector/internal/logging"
)

var log = logging.L("hook")

// Runner executes one hook tool invocation and returns its stdout.
type Runner interface {
	Run(name string, args ...string) ([]byte, error)
}

// execRunner runs the real tools from PATH.
type execRunner struct{}

func (execRunner) Run(name string, args ...string) ([]byte, error) {
	log.Debug("running hook tool", logging.KeyHook, name)
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

// Tools invokes juju hook tools. The zero value runs the real tools;
// set Runner to intercept execution.
type Tools struct {
	Runner Runner
}

func (t *Tools) runner() Runner {
	if t.Runner != nil {
		return t.Runner
	}
	return execRunner{}
}

// Values holds decoded hook tool output keyed by option name.
type Values map[string]any

// String returns the value for key when it is a string, else "".
func (v Values) String(key string) string {
	s, _ := v[key].(string)
	return s
}

// ConfigGet returns the charm configuration as juju resolves it,
// defaults included.
func (t *Tools) ConfigGet() (Values, error) {
	out, err := t.runner().Run("config-get", "--format=json")
	if err != nil {
		return nil, err
	}
	var cfg Values
	if err := json.Unmarshal(out, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config-get output: %w", err)
	}
	return cfg, nil
}

// RelationIDs lists the established relation IDs for an endpoint,
// e.g. ["inventory-exporter:0"].
func (t *Tools) RelationIDs(endpoint string) ([]string, error) {
	out, err := t.runner().Run("relation-ids", endpoint, "--format=json")
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(out, &ids); err != nil {
		return nil, fmt.Errorf("failed to decode relation-ids output: %w", err)
	}
	return ids, nil
}

// RelationUnits lists the remote units joined to a relation.
func (t *Tools) RelationUnits(relationID string) ([]string, error) {
	out, err := t.runner().Run("relation-list", "-r", relationID, "--format=json")
	if err != nil {
		return nil, err
	}
	var units []string
	if err := json.Unmarshal(out, &units); err != nil {
		return nil, fmt.Errorf("failed to decode relation-list output: %w", err)
	}
	return units, nil
}

// RelationGet reads the databag a remote unit published on a relation.
func (t *Tools) RelationGet(relationID, unit string) (map[string]string, error) {
	out, err := t.runner().Run("relation-get", "-r", relationID, "-", unit, "--format=json")
	if err != nil {
		return nil, err
	}
	var bag map[string]string
	if err := json.Unmarshal(out, &bag); err != nil {
		return nil, fmt.Errorf("failed to decode relation-get output: %w", err)
	}
	return bag, nil
}

// Status is a workload status understood by status-set.
type Status string

const (
	StatusActive      Status = "active"
	StatusBlocked     Status = "blocked"
	StatusMaintenance Status = "maintenance"
	StatusWaiting     Status = "waiting"
)

// StatusSet reports the unit's workload status.
func (t *Tools) StatusSet(status Status, message string) error {
	_, err := t.runner().Run("status-set", string(status), message)
	return err
}

// ActionGet returns the parameters of the running action.
func (t *Tools) ActionGet() (Values, error) {
	out, err := t.runner().Run("action-get", "--format=json")
	if err != nil {
		return nil, err
	}
	var params Values
	if err := json.Unmarshal(out, &params); err != nil {
		return nil, fmt.Errorf("failed to decode action-get output: %w", err)
	}
	return params, nil
}

// ActionSet records results for the running action. Keys are passed
// in sorted order so invocations are reproducible.
func (t *Tools) ActionSet(results map[string]string) error {
	keys := make([]string, 0, len(results))
	for k := range results {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, k+"="+results[k])
	}
	_, err := t.runner().Run("action-set", args...)
	return err
}

// ActionFail marks the running action as failed.
func (t *Tools) ActionFail(message string) error {
	_, err := t.runner().Run("action-fail", message)
	return err
}

// ResourceGet fetches a charm resource and returns its local path.
// Juju prints the path on stdout.
func (t *Tools) ResourceGet(name string) (string, error) {
	out, err := t.runner().Run("resource-get", name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ApplicationVersionSet publishes the workload version juju shows in status.
func (t *Tools) ApplicationVersionSet(version string) error {
	_, err := t.runner().Run("application-version-set", version)
	return err
}

// JujuLog forwards a message to the juju debug log.
func (t *Tools) JujuLog(level, message string) error {
	_, err := t.runner().Run("juju-log", "--log-level", level, message)
	return err
}

// Env is the dispatch context juju sets for a hook or action process.
type Env struct {
	DispatchPath string
	HookName     string
	ActionName   string
	UnitName     string
	ModelName    string
	CharmDir     string
}

// EnvFromOS reads the JUJU_* variables of the current process.
func EnvFromOS() Env {
	return Env{
		DispatchPath: os.Getenv("JUJU_DISPATCH_PATH"),
		HookName:     os.Getenv("JUJU_HOOK_NAME"),
		ActionName:   os.Getenv("JUJU_ACTION_NAME"),
		UnitName:     os.Getenv("JUJU_UNIT_NAME"),
		ModelName:    os.Getenv("JUJU_MODEL_NAME"),
		CharmDir:     os.Getenv("JUJU_CHARM_DIR"),
	}
}

// Dispatch resolves the event being delivered. kind is "hook" or
// "action"; both are empty when the process was not started by juju.
// JUJU_DISPATCH_PATH is authoritative, the legacy name variables are
// the fallback.
func (e Env) Dispatch() (kind, name string) {
	if dir, base, ok := strings.Cut(e.DispatchPath, "/"); ok && base != "" {
		switch dir {
		case "hooks":
			return "hook", base
		case "actions":
			return "action", base
		}
	}
	if e.ActionName != "" {
		return "action", e.ActionName
	}
	if e.HookName != "" {
		return "hook", e.HookName
	}
	return "", ""
}
