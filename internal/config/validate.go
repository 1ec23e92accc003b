package config

import (
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"strings"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would break the run are clamped to safe
// defaults; everything else is reported so the dry-run can refuse a config
// the charm rendered badly.
func (c *Config) Validate() []error {
	var errs []error

	if c.Settings.CollectionPath == "" {
		errs = append(errs, fmt.Errorf("settings.collection_path is required"))
	}
	if c.Settings.Customer == "" {
		errs = append(errs, fmt.Errorf("settings.customer is required"))
	}
	if c.Settings.Site == "" {
		errs = append(errs, fmt.Errorf("settings.site is required"))
	}

	if c.JujuController.Endpoint == "" {
		errs = append(errs, fmt.Errorf("juju_controller.endpoint is required"))
	} else if err := validateHostPort(c.JujuController.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("juju_controller.endpoint: %w", err))
	}
	if c.JujuController.Username == "" {
		errs = append(errs, fmt.Errorf("juju_controller.username is required"))
	}
	if c.JujuController.Password == "" {
		errs = append(errs, fmt.Errorf("juju_controller.password is required"))
	}
	if c.JujuController.CACert == "" {
		errs = append(errs, fmt.Errorf("juju_controller.ca_cert is required"))
	} else if err := validateCACert(c.JujuController.CACert); err != nil {
		errs = append(errs, fmt.Errorf("juju_controller.ca_cert: %w", err))
	}

	seenEndpoints := make(map[string]bool)
	for i, t := range c.Targets {
		if t.Endpoint == "" {
			errs = append(errs, fmt.Errorf("targets[%d].endpoint is required", i))
		} else {
			if err := validateHostPort(t.Endpoint); err != nil {
				errs = append(errs, fmt.Errorf("targets[%d].endpoint: %w", i, err))
			}
			if seenEndpoints[t.Endpoint] {
				errs = append(errs, fmt.Errorf("targets[%d].endpoint %q is duplicated", i, t.Endpoint))
			}
			seenEndpoints[t.Endpoint] = true
		}
		if t.Hostname == "" {
			errs = append(errs, fmt.Errorf("targets[%d].hostname is required", i))
		}
		if t.Model == "" {
			errs = append(errs, fmt.Errorf("targets[%d].model is required", i))
		}
	}

	// Clamp tuning knobs to a safe range instead of failing on them; the
	// charm never renders these, so a bad value is operator input.
	if c.Settings.Parallelism < 1 {
		errs = append(errs, fmt.Errorf("settings.parallelism %d is below minimum 1, clamping", c.Settings.Parallelism))
		c.Settings.Parallelism = 1
	} else if c.Settings.Parallelism > 32 {
		errs = append(errs, fmt.Errorf("settings.parallelism %d exceeds maximum 32, clamping", c.Settings.Parallelism))
		c.Settings.Parallelism = 32
	}

	if c.Settings.MinFreeMB < 0 {
		errs = append(errs, fmt.Errorf("settings.min_free_mb %d is negative, clamping to 0", c.Settings.MinFreeMB))
		c.Settings.MinFreeMB = 0
	}

	if c.Settings.TimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("settings.timeout_seconds %d is below minimum 1, clamping", c.Settings.TimeoutSeconds))
		c.Settings.TimeoutSeconds = 1
	} else if c.Settings.TimeoutSeconds > 300 {
		errs = append(errs, fmt.Errorf("settings.timeout_seconds %d exceeds maximum 300, clamping", c.Settings.TimeoutSeconds))
		c.Settings.TimeoutSeconds = 300
	}

	if c.Settings.LogLevel != "" && !validLogLevels[strings.ToLower(c.Settings.LogLevel)] {
		errs = append(errs, fmt.Errorf("settings.log_level %q is not valid (use debug, info, warn, error)", c.Settings.LogLevel))
	}

	if c.Settings.LogFormat != "" && c.Settings.LogFormat != "text" && c.Settings.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("settings.log_format %q is not valid (use text or json)", c.Settings.LogFormat))
	}

	// Log validation errors as warnings
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}

func validateHostPort(endpoint string) error {
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		return fmt.Errorf("%q is not host:port: %w", endpoint, err)
	}
	if host == "" {
		return fmt.Errorf("%q has an empty host", endpoint)
	}
	if port == "" {
		return fmt.Errorf("%q has an empty port", endpoint)
	}
	return nil
}

func validateCACert(cert string) error {
	block, _ := pem.Decode([]byte(cert))
	if block == nil {
		return fmt.Errorf("not PEM data")
	}
	if block.Type != "CERTIFICATE" {
		return fmt.Errorf("PEM block is %q, want CERTIFICATE", block.Type)
	}
	return nil
}
