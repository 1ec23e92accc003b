// Package charm implements the unit agent side of the collector: it
// reacts to juju hook and action dispatches, installs the collector
// snap, renders its configuration from charm config and relation data,
// and reports unit status.
package charm

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/canonical/software-inventory-collector/internal/config"
	"github.com/canonical/software-inventory-collector/internal/hook"
	"github.com/canonical/software-inventory-collector/internal/logging"
	"github.com/canonical/software-inventory-collector/internal/snap"
)

var log = logging.L("charm")

const (
	// relationName is the endpoint exporter units join.
	relationName = "inventory-exporter"
	// resourceName is the charm resource that may carry a sideloaded snap.
	resourceName = "collector-snap"

	statusReady   = "Unit ready."
	statusBlocked = "Collector is unable to run. Please see logs."

	actionResultOK   = "Collection completed."
	actionResultFail = "Collection failed. See logs for more info."
)

// Charm wires hook tools and the snap manager together. ConfigPath is
// where the rendered collector configuration lands.
type Charm struct {
	Tools      *hook.Tools
	Snap       *snap.Manager
	ConfigPath string

	snapPath       string
	snapPathCached bool
}

func New() *Charm {
	return &Charm{
		Tools:      &hook.Tools{},
		Snap:       &snap.Manager{},
		ConfigPath: config.DefaultPath,
	}
}

// Run handles one juju dispatch. Hooks the charm does not react to are
// ignored so the unit agent sees a clean exit.
func (c *Charm) Run(env hook.Env) error {
	kind, name := env.Dispatch()
	if kind == "" {
		return errors.New("not dispatched by juju: JUJU_DISPATCH_PATH is not set")
	}
	_ = c.Tools.JujuLog("DEBUG", fmt.Sprintf("dispatching %s %s", kind, name))
	log.Info("handling dispatch", "kind", kind, logging.KeyHook, name)

	if kind == "action" {
		if name != "collect" {
			return fmt.Errorf("unknown action %q", name)
		}
		return c.collect()
	}

	switch name {
	case "install", "upgrade-charm":
		return c.install()
	case "config-changed",
		relationName + "-relation-changed",
		relationName + "-relation-departed":
		return c.reconfigure()
	default:
		log.Debug("ignoring hook", logging.KeyHook, name)
		return nil
	}
}

// snapResourcePath resolves the sideloaded snap attached as a charm
// resource. It returns "" when the resource is missing or an empty
// placeholder file. The lookup is cached for the process lifetime.
func (c *Charm) snapResourcePath() string {
	if c.snapPathCached {
		return c.snapPath
	}
	c.snapPathCached = true

	path, err := c.Tools.ResourceGet(resourceName)
	if err != nil {
		log.Debug("no collector snap resource attached", logging.KeyError, err)
		return ""
	}
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return ""
	}
	c.snapPath = path
	return c.snapPath
}

// install puts the collector snap on the unit, preferring a sideloaded
// resource over the store, then reassesses unit status.
func (c *Charm) install() error {
	if path := c.snapResourcePath(); path != "" {
		if err := c.Snap.InstallLocal(path); err != nil {
			return err
		}
	} else if err := c.Snap.EnsureLatest(); err != nil {
		return err
	}

	if version, err := c.Snap.InstalledVersion(); err != nil {
		log.Debug("could not determine snap version", logging.KeyError, err)
	} else if err := c.Tools.ApplicationVersionSet(version); err != nil {
		log.Debug("could not set application version", logging.KeyError, err)
	}

	return c.assessStatus()
}

// reconfigure rerenders the collector configuration and reassesses
// unit status. Both config-changed and relation churn land here.
func (c *Charm) reconfigure() error {
	if err := c.RenderConfig(); err != nil {
		return err
	}
	return c.assessStatus()
}

// RenderConfig builds the collector configuration from charm config
// and the exporter relation databags and writes it to ConfigPath.
func (c *Charm) RenderConfig() error {
	vals, err := c.Tools.ConfigGet()
	if err != nil {
		return fmt.Errorf("failed to read charm config: %w", err)
	}

	caCert, err := base64.StdEncoding.DecodeString(vals.String("juju_ca_cert"))
	if err != nil {
		return fmt.Errorf("failed to decode juju_ca_cert: %w", err)
	}

	customer := vals.String("customer")
	site := vals.String("site")

	cfg := config.Default()
	cfg.Settings.CollectionPath = vals.String("collection_path")
	cfg.Settings.Customer = customer
	cfg.Settings.Site = site
	cfg.JujuController.Endpoint = vals.String("juju_endpoint")
	cfg.JujuController.Username = vals.String("juju_username")
	cfg.JujuController.Password = vals.String("juju_password")
	cfg.JujuController.CACert = string(caCert)

	targets, err := c.exporterTargets(customer, site)
	if err != nil {
		return err
	}
	cfg.Targets = targets

	if err := config.Save(cfg, c.ConfigPath); err != nil {
		return fmt.Errorf("failed to write collector config: %w", err)
	}
	log.Info("collector config rendered", "path", c.ConfigPath, "targets", len(targets))
	return nil
}

// exporterTargets reads every unit databag on the inventory-exporter
// relation and turns it into a collection target.
func (c *Charm) exporterTargets(customer, site string) ([]config.Target, error) {
	relIDs, err := c.Tools.RelationIDs(relationName)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s relations: %w", relationName, err)
	}

	var targets []config.Target
	for _, relID := range relIDs {
		units, err := c.Tools.RelationUnits(relID)
		if err != nil {
			return nil, fmt.Errorf("failed to list units on %s: %w", relID, err)
		}
		for _, unit := range units {
			bag, err := c.Tools.RelationGet(relID, unit)
			if err != nil {
				return nil, fmt.Errorf("failed to read databag of %s: %w", unit, err)
			}
			targets = append(targets, config.Target{
				Endpoint: bag["private-address"] + ":" + bag["port"],
				Hostname: bag["hostname"],
				Customer: customer,
				Site:     site,
				Model:    bag["model"],
			})
		}
	}
	return targets, nil
}

// assessStatus dry-runs the collector and sets the unit status
// accordingly. A failing collector blocks the unit but is not a hook
// error.
func (c *Charm) assessStatus() error {
	if err := c.Snap.RunCollector(c.ConfigPath, true); err != nil {
		log.Warn("collector dry run failed", logging.KeyError, err)
		return c.Tools.StatusSet(hook.StatusBlocked, statusBlocked)
	}
	return c.Tools.StatusSet(hook.StatusActive, statusReady)
}

// collect runs a full collection for the collect action.
func (c *Charm) collect() error {
	if err := c.Snap.RunCollector(c.ConfigPath, false); err != nil {
		log.Error("collection failed", logging.KeyError, err)
		return c.Tools.ActionFail(actionResultFail)
	}
	return c.Tools.ActionSet(map[string]string{"result": actionResultOK})
}
