package config

import (
	"encoding/pem"
	"strings"
	"testing"
)

func testCACert() string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: []byte("test certificate body"),
	}))
}

func validConfig() *Config {
	cfg := Default()
	cfg.Settings.CollectionPath = "/tmp/collection"
	cfg.Settings.Customer = "Test Customer"
	cfg.Settings.Site = "Testing Site"
	cfg.JujuController = JujuController{
		Endpoint: "10.0.0.1:17070",
		Username: "admin",
		Password: "pass",
		CACert:   testCACert(),
	}
	cfg.Targets = []Target{
		{
			Endpoint: "10.0.0.5:8675",
			Hostname: "juju-exporter-0",
			Customer: "Test Customer",
			Site:     "Testing Site",
			Model:    "inventory-collector",
		},
	}
	return cfg
}

func errorsContain(errs []error, substr string) bool {
	for _, err := range errs {
		if strings.Contains(err.Error(), substr) {
			return true
		}
	}
	return false
}

func TestValidConfigHasNoErrors(t *testing.T) {
	cfg := validConfig()
	if errs := cfg.Validate(); len(errs) > 0 {
		t.Fatalf("valid config has errors: %v", errs)
	}
}

func TestValidateMissingRequiredSettings(t *testing.T) {
	cfg := validConfig()
	cfg.Settings.CollectionPath = ""
	cfg.Settings.Customer = ""
	cfg.Settings.Site = ""

	errs := cfg.Validate()
	for _, want := range []string{"collection_path", "customer", "site"} {
		if !errorsContain(errs, want) {
			t.Fatalf("expected error mentioning %q, got %v", want, errs)
		}
	}
}

func TestValidateControllerEndpointNotHostPort(t *testing.T) {
	cfg := validConfig()
	cfg.JujuController.Endpoint = "10.0.0.1"

	errs := cfg.Validate()
	if !errorsContain(errs, "juju_controller.endpoint") {
		t.Fatalf("expected endpoint error, got %v", errs)
	}
}

func TestValidateMissingCredentials(t *testing.T) {
	cfg := validConfig()
	cfg.JujuController.Username = ""
	cfg.JujuController.Password = ""

	errs := cfg.Validate()
	if !errorsContain(errs, "username") || !errorsContain(errs, "password") {
		t.Fatalf("expected credential errors, got %v", errs)
	}
}

func TestValidateCACertNotPEM(t *testing.T) {
	cfg := validConfig()
	cfg.JujuController.CACert = "definitely not a certificate"

	errs := cfg.Validate()
	if !errorsContain(errs, "ca_cert") {
		t.Fatalf("expected ca_cert error, got %v", errs)
	}
}

func TestValidateCACertWrongBlockType(t *testing.T) {
	cfg := validConfig()
	cfg.JujuController.CACert = string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: []byte("oops"),
	}))

	errs := cfg.Validate()
	if !errorsContain(errs, "want CERTIFICATE") {
		t.Fatalf("expected block type error, got %v", errs)
	}
}

func TestValidateTargetFields(t *testing.T) {
	cfg := validConfig()
	cfg.Targets = append(cfg.Targets, Target{Endpoint: "bad-endpoint"})

	errs := cfg.Validate()
	if !errorsContain(errs, "targets[1].endpoint") {
		t.Fatalf("expected target endpoint error, got %v", errs)
	}
	if !errorsContain(errs, "targets[1].hostname") {
		t.Fatalf("expected target hostname error, got %v", errs)
	}
	if !errorsContain(errs, "targets[1].model") {
		t.Fatalf("expected target model error, got %v", errs)
	}
}

func TestValidateDuplicateTargetEndpoints(t *testing.T) {
	cfg := validConfig()
	cfg.Targets = append(cfg.Targets, cfg.Targets[0])

	errs := cfg.Validate()
	if !errorsContain(errs, "duplicated") {
		t.Fatalf("expected duplicate endpoint error, got %v", errs)
	}
}

func TestValidateClampsParallelism(t *testing.T) {
	cfg := validConfig()
	cfg.Settings.Parallelism = 0

	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected clamp warning for parallelism 0")
	}
	if cfg.Settings.Parallelism != 1 {
		t.Fatalf("Parallelism = %d, want 1 (clamped)", cfg.Settings.Parallelism)
	}

	cfg = validConfig()
	cfg.Settings.Parallelism = 1000
	cfg.Validate()
	if cfg.Settings.Parallelism != 32 {
		t.Fatalf("Parallelism = %d, want 32 (clamped)", cfg.Settings.Parallelism)
	}
}

func TestValidateClampsTimeout(t *testing.T) {
	cfg := validConfig()
	cfg.Settings.TimeoutSeconds = 0
	cfg.Validate()
	if cfg.Settings.TimeoutSeconds != 1 {
		t.Fatalf("TimeoutSeconds = %d, want 1 (clamped)", cfg.Settings.TimeoutSeconds)
	}

	cfg = validConfig()
	cfg.Settings.TimeoutSeconds = 9999
	cfg.Validate()
	if cfg.Settings.TimeoutSeconds != 300 {
		t.Fatalf("TimeoutSeconds = %d, want 300 (clamped)", cfg.Settings.TimeoutSeconds)
	}
}

func TestValidateUnknownLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Settings.LogLevel = "verbose"

	errs := cfg.Validate()
	if !errorsContain(errs, "log_level") {
		t.Fatalf("expected log_level error, got %v", errs)
	}
}

func TestValidateInvalidLogFormat(t *testing.T) {
	cfg := validConfig()
	cfg.Settings.LogFormat = "xml"

	errs := cfg.Validate()
	if !errorsContain(errs, "log_format") {
		t.Fatalf("expected log_format error, got %v", errs)
	}
}
