package collector

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/canonical/software-inventory-collector/internal/config"
	"github.com/canonical/software-inventory-collector/internal/exporter"
	"github.com/canonical/software-inventory-collector/internal/jujuclient"
)

type fakeControllerConn struct {
	models  []jujuclient.Model
	listErr error
	dialErr error
}

func (f *fakeControllerConn) AllModels(ctx context.Context) ([]jujuclient.Model, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.models, nil
}

func (f *fakeControllerConn) Close() error { return nil }

type fakeModelConn struct {
	status    json.RawMessage
	bundle    string
	statusErr error
	bundleErr error
}

func (f *fakeModelConn) Status(ctx context.Context) (json.RawMessage, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

func (f *fakeModelConn) ExportBundle(ctx context.Context) (string, error) {
	if f.bundleErr != nil {
		return "", f.bundleErr
	}
	return f.bundle, nil
}

func (f *fakeModelConn) Close() error { return nil }

type fakeExporter struct {
	mu       sync.Mutex
	fetchErr map[string]error
	pingErr  map[string]error
	fetched  []string
}

func (f *fakeExporter) FetchAll(ctx context.Context, t config.Target) ([]exporter.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, t.Hostname)
	if err := f.fetchErr[t.Hostname]; err != nil {
		return nil, err
	}
	var ps []exporter.Payload
	for _, kind := range exporter.Kinds {
		ps = append(ps, exporter.Payload{
			Kind:     kind,
			Hostname: t.Hostname,
			Model:    t.Model,
			Body:     []byte(fmt.Sprintf(`{"%s":%q}`, kind, t.Hostname)),
		})
	}
	return ps, nil
}

func (f *fakeExporter) Ping(ctx context.Context, t config.Target) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr[t.Hostname]
}

func (f *fakeExporter) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetched)
}

func testCACert() string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: []byte("test certificate body"),
	}))
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Settings.CollectionPath = t.TempDir()
	cfg.Settings.Customer = "Test Customer"
	cfg.Settings.Site = "Testing Site"
	cfg.Settings.MinFreeMB = 0
	cfg.JujuController = config.JujuController{
		Endpoint: "10.0.0.1:17070",
		Username: "admin",
		Password: "sekrit",
		CACert:   testCACert(),
	}
	cfg.Targets = []config.Target{
		{Endpoint: "10.0.0.5:8675", Hostname: "host-a", Customer: "Test Customer", Site: "Testing Site", Model: "lma"},
		{Endpoint: "10.0.0.6:8675", Hostname: "host-b", Customer: "Test Customer", Site: "Testing Site", Model: "lma"},
		{Endpoint: "10.0.0.7:8675", Hostname: "host-c", Customer: "Test Customer", Site: "Testing Site", Model: "openstack"},
	}
	return cfg
}

func defaultFakes() (*fakeExporter, *fakeControllerConn, map[string]*fakeModelConn) {
	exp := &fakeExporter{fetchErr: map[string]error{}, pingErr: map[string]error{}}
	ctrl := &fakeControllerConn{models: []jujuclient.Model{
		{Name: "lma", UUID: "uuid-1", Type: "iaas"},
		{Name: "openstack", UUID: "uuid-2", Type: "iaas"},
	}}
	conns := map[string]*fakeModelConn{
		"uuid-1": {status: json.RawMessage(`{"model":{"name":"lma"}}`), bundle: "applications: {}\n"},
		"uuid-2": {status: json.RawMessage(`{"model":{"name":"openstack"}}`), bundle: "applications: {}\n"},
	}
	return exp, ctrl, conns
}

func newTestCollector(cfg *config.Config, exp exporterClient, ctrl *fakeControllerConn, conns map[string]*fakeModelConn) *Collector {
	return &Collector{
		cfg: cfg,
		exp: exp,
		dialController: func(ctx context.Context) (controllerConn, error) {
			if ctrl.dialErr != nil {
				return nil, ctrl.dialErr
			}
			return ctrl, nil
		},
		dialModel: func(ctx context.Context, uuid string) (modelConn, error) {
			mc, ok := conns[uuid]
			if !ok {
				return nil, fmt.Errorf("no model with uuid %s", uuid)
			}
			return mc, nil
		},
	}
}

func bundleFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

// readBundle returns member contents keyed by name plus the member order.
func readBundle(t *testing.T, path string) (map[string][]byte, []string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening bundle: %v", err)
	}
	defer f.Close()
	gr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gr.Close()

	members := make(map[string][]byte)
	var order []string
	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar next: %v", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("reading member: %v", err)
		}
		members[hdr.Name] = body
		order = append(order, hdr.Name)
	}
	return members, order
}

func runStamp(t *testing.T, bundleName string) string {
	t.Helper()
	parts := strings.Split(strings.TrimSuffix(bundleName, ".tar.gz"), "_@_")
	if len(parts) != 4 {
		t.Fatalf("unexpected bundle name %q", bundleName)
	}
	return parts[3]
}

func TestRunWritesBundlePerModel(t *testing.T) {
	cfg := testConfig(t)
	exp, ctrl, conns := defaultFakes()
	c := newTestCollector(cfg, exp, ctrl, conns)

	if err := c.Run(context.Background(), false); err != nil {
		t.Fatalf("Run: %v", err)
	}

	files := bundleFiles(t, cfg.Settings.CollectionPath)
	if len(files) != 2 {
		t.Fatalf("collection dir has %v, want two bundles", files)
	}
	ts := runStamp(t, files[0])

	wantLma := "Test Customer_@_Testing Site_@_lma_@_" + ts + ".tar.gz"
	if files[0] != wantLma {
		t.Errorf("bundle name = %q, want %q", files[0], wantLma)
	}

	members, order := readBundle(t, filepath.Join(cfg.Settings.CollectionPath, files[0]))
	if len(members) != 8 {
		t.Fatalf("lma bundle has %d members, want 8 (status, bundle, 3 kinds x 2 hosts)", len(members))
	}
	if order[0] != "juju_status_@_lma_@_"+ts || order[1] != "juju_bundle_@_lma_@_"+ts {
		t.Errorf("leading members = %v, want juju_status then juju_bundle", order[:2])
	}
	if got := string(members["juju_status_@_lma_@_"+ts]); got != `{"model":{"name":"lma"}}` {
		t.Errorf("juju_status member = %q", got)
	}
	if got := string(members["juju_bundle_@_lma_@_"+ts]); got != "applications: {}\n" {
		t.Errorf("juju_bundle member = %q", got)
	}
	if got := string(members["dpkg_@_host-a_@_"+ts]); got != `{"dpkg":"host-a"}` {
		t.Errorf("dpkg member = %q", got)
	}
	if got := string(members["kernel_@_host-b_@_"+ts]); got != `{"kernel":"host-b"}` {
		t.Errorf("kernel member = %q", got)
	}

	osMembers, _ := readBundle(t, filepath.Join(cfg.Settings.CollectionPath, files[1]))
	if len(osMembers) != 5 {
		t.Errorf("openstack bundle has %d members, want 5", len(osMembers))
	}
}

func TestRunFailsWhenTargetFetchFails(t *testing.T) {
	cfg := testConfig(t)
	exp, ctrl, conns := defaultFakes()
	exp.fetchErr["host-b"] = errors.New("host-b: connection refused")
	c := newTestCollector(cfg, exp, ctrl, conns)

	err := c.Run(context.Background(), false)
	if err == nil {
		t.Fatal("expected run to fail")
	}
	if !strings.Contains(err.Error(), "host-b") {
		t.Errorf("err = %v, want mention of host-b", err)
	}

	// The healthy model's bundle is still written; the failed model's is not.
	files := bundleFiles(t, cfg.Settings.CollectionPath)
	if len(files) != 1 || !strings.Contains(files[0], "_@_openstack_@_") {
		t.Errorf("collection dir has %v, want only the openstack bundle", files)
	}
}

func TestRunFailsWhenStatusFails(t *testing.T) {
	cfg := testConfig(t)
	exp, ctrl, conns := defaultFakes()
	conns["uuid-1"].statusErr = errors.New("status boom")
	c := newTestCollector(cfg, exp, ctrl, conns)

	err := c.Run(context.Background(), false)
	if err == nil || !strings.Contains(err.Error(), "model lma") {
		t.Fatalf("err = %v, want model lma failure", err)
	}

	files := bundleFiles(t, cfg.Settings.CollectionPath)
	if len(files) != 1 || !strings.Contains(files[0], "_@_openstack_@_") {
		t.Errorf("collection dir has %v, want only the openstack bundle", files)
	}
}

func TestRunZeroTargets(t *testing.T) {
	cfg := testConfig(t)
	cfg.Targets = nil
	exp, ctrl, conns := defaultFakes()
	c := newTestCollector(cfg, exp, ctrl, conns)

	if err := c.Run(context.Background(), true); err != nil {
		t.Fatalf("dry run with zero targets: %v", err)
	}
	if err := c.Run(context.Background(), false); !errors.Is(err, ErrNoTargets) {
		t.Fatalf("err = %v, want ErrNoTargets", err)
	}
}

func TestRunModelMissingOnController(t *testing.T) {
	cfg := testConfig(t)
	exp, ctrl, conns := defaultFakes()
	ctrl.models = ctrl.models[:1] // openstack gone
	c := newTestCollector(cfg, exp, ctrl, conns)

	err := c.Run(context.Background(), false)
	if !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("err = %v, want ErrModelNotFound", err)
	}
	if !strings.Contains(err.Error(), "openstack") {
		t.Errorf("err = %v, want the missing model named", err)
	}
}

func TestDryRunFetchesNothing(t *testing.T) {
	cfg := testConfig(t)
	exp, ctrl, conns := defaultFakes()
	c := newTestCollector(cfg, exp, ctrl, conns)

	if err := c.Run(context.Background(), true); err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if n := exp.fetchCount(); n != 0 {
		t.Errorf("dry run fetched %d targets, want 0", n)
	}
	if files := bundleFiles(t, cfg.Settings.CollectionPath); len(files) != 0 {
		t.Errorf("dry run wrote %v", files)
	}
}

func TestPreflightAggregatesFindings(t *testing.T) {
	cfg := testConfig(t)
	cfg.Settings.Customer = ""
	exp, ctrl, conns := defaultFakes()
	exp.pingErr["host-a"] = errors.New("connection refused")
	c := newTestCollector(cfg, exp, ctrl, conns)

	err := c.Preflight(context.Background())
	if err == nil {
		t.Fatal("expected preflight findings")
	}
	for _, want := range []string{"customer", "connection refused"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("err = %v, want mention of %q", err, want)
		}
	}
}

func TestRunControllerUnreachable(t *testing.T) {
	cfg := testConfig(t)
	exp, ctrl, conns := defaultFakes()
	ctrl.dialErr = errors.New("dial tcp: connection refused")
	c := newTestCollector(cfg, exp, ctrl, conns)

	err := c.Run(context.Background(), false)
	if err == nil || !strings.Contains(err.Error(), "preflight") {
		t.Fatalf("err = %v, want preflight failure", err)
	}
}

func TestRunDuplicateHostnameCollision(t *testing.T) {
	cfg := testConfig(t)
	cfg.Targets = []config.Target{
		{Endpoint: "10.0.0.5:8675", Hostname: "host-dup", Customer: "Test Customer", Site: "Testing Site", Model: "lma"},
		{Endpoint: "10.0.0.6:8675", Hostname: "host-dup", Customer: "Test Customer", Site: "Testing Site", Model: "lma"},
	}
	exp, ctrl, conns := defaultFakes()
	c := newTestCollector(cfg, exp, ctrl, conns)

	err := c.Run(context.Background(), false)
	if err == nil || !strings.Contains(err.Error(), "already added") {
		t.Fatalf("err = %v, want duplicate member failure", err)
	}
	if files := bundleFiles(t, cfg.Settings.CollectionPath); len(files) != 0 {
		t.Errorf("collection dir has %v, want no bundles", files)
	}
}
