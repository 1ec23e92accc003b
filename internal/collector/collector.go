// Package collector orchestrates one collection run: inventory payloads from
// every exporter target plus status and bundle documents from the Juju
// controller, written as one tarball per model.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"

	"github.com/canonical/software-inventory-collector/internal/archive"
	"github.com/canonical/software-inventory-collector/internal/config"
	"github.com/canonical/software-inventory-collector/internal/exporter"
	"github.com/canonical/software-inventory-collector/internal/jujuclient"
	"github.com/canonical/software-inventory-collector/internal/logging"
	"github.com/canonical/software-inventory-collector/internal/workerpool"
)

var log = logging.L("collector")

var (
	// ErrNoTargets means the config names no exporter units to pull from.
	ErrNoTargets = errors.New("no targets configured")
	// ErrModelNotFound means a target references a model the controller
	// does not host.
	ErrModelNotFound = errors.New("model not found on controller")
)

type controllerConn interface {
	AllModels(ctx context.Context) ([]jujuclient.Model, error)
	Close() error
}

type modelConn interface {
	Status(ctx context.Context) (json.RawMessage, error)
	ExportBundle(ctx context.Context) (string, error)
	Close() error
}

type exporterClient interface {
	FetchAll(ctx context.Context, target config.Target) ([]exporter.Payload, error)
	Ping(ctx context.Context, target config.Target) error
}

// Collector runs collections for one configuration.
type Collector struct {
	cfg *config.Config
	exp exporterClient

	dialController func(ctx context.Context) (controllerConn, error)
	dialModel      func(ctx context.Context, modelUUID string) (modelConn, error)
}

// New returns a collector wired to the real controller and exporter clients.
func New(cfg *config.Config) *Collector {
	timeout := time.Duration(cfg.Settings.TimeoutSeconds) * time.Second
	ctrl := jujuclient.ControllerConfig{
		Endpoint: cfg.JujuController.Endpoint,
		Username: cfg.JujuController.Username,
		Password: cfg.JujuController.Password,
		CACert:   cfg.JujuController.CACert,
	}
	return &Collector{
		cfg: cfg,
		exp: exporter.NewClient(timeout),
		dialController: func(ctx context.Context) (controllerConn, error) {
			return jujuclient.Dial(ctx, ctrl)
		},
		dialModel: func(ctx context.Context, modelUUID string) (modelConn, error) {
			return jujuclient.DialModel(ctx, ctrl, modelUUID)
		},
	}
}

// Preflight verifies a run can succeed: configuration, collection
// directory, free space, controller reachability, the models the targets
// name, and every target's endpoints. All findings are reported together so
// an operator fixes the config in one pass.
func (c *Collector) Preflight(ctx context.Context) error {
	findings := c.cfg.Validate()

	if dir := c.cfg.Settings.CollectionPath; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			findings = append(findings, fmt.Errorf("collection path: %w", err))
		} else {
			if err := probeWritable(dir); err != nil {
				findings = append(findings, fmt.Errorf("collection path: %w", err))
			}
			if err := c.checkFreeSpace(dir); err != nil {
				findings = append(findings, err)
			}
		}
	}

	if err := c.checkController(ctx); err != nil {
		findings = append(findings, err)
	}

	for _, target := range c.cfg.Targets {
		if err := c.exp.Ping(ctx, target); err != nil {
			findings = append(findings, fmt.Errorf("target %s: %w", target.Hostname, err))
		}
	}

	return errors.Join(findings...)
}

func probeWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}

func (c *Collector) checkFreeSpace(dir string) error {
	if c.cfg.Settings.MinFreeMB <= 0 {
		return nil
	}
	usage, err := disk.Usage(dir)
	if err != nil {
		return fmt.Errorf("checking free space: %w", err)
	}
	minBytes := uint64(c.cfg.Settings.MinFreeMB) << 20
	if usage.Free < minBytes {
		return fmt.Errorf("collection path has %d MB free, need at least %d MB",
			usage.Free>>20, c.cfg.Settings.MinFreeMB)
	}
	return nil
}

func (c *Collector) checkController(ctx context.Context) error {
	conn, err := c.dialController(ctx)
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	defer conn.Close()

	models, err := conn.AllModels(ctx)
	if err != nil {
		return fmt.Errorf("controller: %w", err)
	}
	known := make(map[string]bool, len(models))
	for _, m := range models {
		known[m.Name] = true
	}

	var missing []error
	for _, name := range c.cfg.ModelNames() {
		if !known[name] {
			missing = append(missing, fmt.Errorf("%w: %q", ErrModelNotFound, name))
		}
	}
	return errors.Join(missing...)
}

// Run executes one collection. With dryRun set it stops after preflight and
// writes nothing.
func (c *Collector) Run(ctx context.Context, dryRun bool) error {
	start := time.Now()
	c.logHostInfo(ctx)

	if err := c.Preflight(ctx); err != nil {
		return fmt.Errorf("preflight: %w", err)
	}
	log.Info("preflight passed",
		"targets", len(c.cfg.Targets),
		"models", len(c.cfg.ModelNames()),
	)

	if len(c.cfg.Targets) == 0 {
		if dryRun {
			log.Warn("no targets configured, nothing to collect")
			return nil
		}
		return ErrNoTargets
	}
	if dryRun {
		log.Info("dry run complete", "duration", time.Since(start))
		return nil
	}

	return c.collect(ctx, start)
}

func (c *Collector) collect(ctx context.Context, start time.Time) error {
	ts := time.Now().UTC()

	conn, err := c.dialController(ctx)
	if err != nil {
		return fmt.Errorf("connecting to controller: %w", err)
	}
	models, err := conn.AllModels(ctx)
	conn.Close()
	if err != nil {
		return fmt.Errorf("listing models: %w", err)
	}
	uuids := make(map[string]string, len(models))
	for _, m := range models {
		uuids[m.Name] = m.UUID
	}

	var (
		mu           sync.Mutex
		errs         []error
		byModel      = make(map[string][]exporter.Payload)
		failedModels = make(map[string]bool)
	)

	pool := workerpool.New(c.cfg.Settings.Parallelism, len(c.cfg.Targets))
	for _, target := range c.cfg.Targets {
		t := target
		ok := pool.Submit(func() {
			payloads, err := c.exp.FetchAll(ctx, t)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				failedModels[t.Model] = true
				return
			}
			byModel[t.Model] = append(byModel[t.Model], payloads...)
		})
		if !ok {
			errs = append(errs, fmt.Errorf("target %s: task rejected by pool", t.Hostname))
			failedModels[t.Model] = true
		}
	}
	pool.Shutdown(ctx)

	var (
		bundles    int
		members    int
		totalBytes int64
	)
	for _, name := range c.cfg.ModelNames() {
		if failedModels[name] {
			log.Warn("skipping bundle, model has failed targets", "model", name)
			continue
		}
		uuid, ok := uuids[name]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %q", ErrModelNotFound, name))
			continue
		}
		m, n, err := c.writeModelBundle(ctx, name, uuid, byModel[name], ts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		bundles++
		members += m
		totalBytes += n
	}

	if len(errs) > 0 {
		log.Error("collection finished with errors",
			"errors", len(errs),
			"bundles", bundles,
			"duration", time.Since(start),
		)
		return fmt.Errorf("collection failed: %w", errors.Join(errs...))
	}

	log.Info("collection complete",
		"bundles", bundles,
		"targets", len(c.cfg.Targets),
		"members", members,
		"bytes", totalBytes,
		"duration", time.Since(start),
	)
	return nil
}

// writeModelBundle fetches the model's status and bundle documents, adds
// the already-fetched target payloads, and writes the tarball. Nothing is
// written unless every member is present.
func (c *Collector) writeModelBundle(ctx context.Context, model, uuid string, payloads []exporter.Payload, ts time.Time) (int, int64, error) {
	conn, err := c.dialModel(ctx, uuid)
	if err != nil {
		return 0, 0, fmt.Errorf("model %s: connecting: %w", model, err)
	}
	defer conn.Close()

	status, err := conn.Status(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("model %s: %w", model, err)
	}
	bundleYAML, err := conn.ExportBundle(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("model %s: %w", model, err)
	}

	b := archive.NewBuilder()
	if err := b.Add(archive.MemberName("juju_status", model, ts), status, ts); err != nil {
		return 0, 0, fmt.Errorf("model %s: %w", model, err)
	}
	if err := b.Add(archive.MemberName("juju_bundle", model, ts), []byte(bundleYAML), ts); err != nil {
		return 0, 0, fmt.Errorf("model %s: %w", model, err)
	}

	sortPayloads(payloads)
	for _, p := range payloads {
		if err := b.Add(archive.MemberName(p.Kind, p.Hostname, ts), p.Body, ts); err != nil {
			return 0, 0, fmt.Errorf("model %s: %w", model, err)
		}
	}

	name := archive.BundleName(c.cfg.Settings.Customer, c.cfg.Settings.Site, model, ts)
	path, err := b.WriteFile(c.cfg.Settings.CollectionPath, name)
	if err != nil {
		return 0, 0, fmt.Errorf("model %s: %w", model, err)
	}
	log.Info("wrote model bundle",
		logging.KeyModel, model,
		"path", path,
		"members", b.Len(),
	)
	return b.Len(), b.Size(), nil
}

var kindOrder = func() map[string]int {
	m := make(map[string]int, len(exporter.Kinds))
	for i, k := range exporter.Kinds {
		m[k] = i
	}
	return m
}()

// sortPayloads fixes the member order inside a bundle so repeated runs over
// the same fleet produce identically laid out archives.
func sortPayloads(payloads []exporter.Payload) {
	sort.Slice(payloads, func(i, j int) bool {
		if payloads[i].Hostname != payloads[j].Hostname {
			return payloads[i].Hostname < payloads[j].Hostname
		}
		return kindOrder[payloads[i].Kind] < kindOrder[payloads[j].Kind]
	})
}

func (c *Collector) logHostInfo(ctx context.Context) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		log.Debug("host info unavailable", "error", err)
		return
	}
	log.Info("starting collection run",
		"hostname", info.Hostname,
		"platform", info.Platform+" "+info.PlatformVersion,
		"kernel", info.KernelVersion,
	)
}
