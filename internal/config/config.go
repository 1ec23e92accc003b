package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultPath is where the snap expects its configuration. The charm renders
// this file; the CLI -c flag overrides it.
const DefaultPath = "/var/snap/software-inventory-collector/current/collector.yaml"

// Settings holds run-wide options. The first three keys are rendered by the
// charm; the rest are collector-local tuning knobs with safe defaults.
type Settings struct {
	CollectionPath string `mapstructure:"collection_path" yaml:"collection_path"`
	Customer       string `mapstructure:"customer" yaml:"customer"`
	Site           string `mapstructure:"site" yaml:"site"`

	Parallelism    int    `mapstructure:"parallelism" yaml:"parallelism,omitempty"`
	MinFreeMB      int    `mapstructure:"min_free_mb" yaml:"min_free_mb,omitempty"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds,omitempty"`
	LogLevel       string `mapstructure:"log_level" yaml:"log_level,omitempty"`
	LogFormat      string `mapstructure:"log_format" yaml:"log_format,omitempty"`
}

// JujuController holds the connection details for the controller queried
// for model status and bundle exports.
type JujuController struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	CACert   string `mapstructure:"ca_cert" yaml:"ca_cert"`
}

// Target is one inventory-exporter unit to pull payloads from.
type Target struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Hostname string `mapstructure:"hostname" yaml:"hostname"`
	Customer string `mapstructure:"customer" yaml:"customer"`
	Site     string `mapstructure:"site" yaml:"site"`
	Model    string `mapstructure:"model" yaml:"model"`
}

// Config is the collector configuration document. Section order matches the
// document the charm renders.
type Config struct {
	Settings       Settings       `mapstructure:"settings" yaml:"settings"`
	JujuController JujuController `mapstructure:"juju_controller" yaml:"juju_controller"`
	Targets        []Target       `mapstructure:"targets" yaml:"targets"`
}

func Default() *Config {
	return &Config{
		Settings: Settings{
			Parallelism:    4,
			MinFreeMB:      64,
			TimeoutSeconds: 30,
			LogLevel:       "info",
			LogFormat:      "text",
		},
	}
}

// Load reads the configuration file at cfgFile (the snap default when empty)
// and applies environment overrides with the SIC_ prefix.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile == "" {
		cfgFile = DefaultPath
	}
	v.SetConfigFile(cfgFile)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvPrefix("SIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

// Save renders cfg as YAML to path, creating parent directories as needed.
// The file is written via a temp file and rename, and restricted to owner
// access since it carries controller credentials. This is the charm's
// render path, so the emitted document must stay loadable by Load.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".collector-*.yaml")
	if err != nil {
		return fmt.Errorf("creating temp config: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing config: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("restricting config permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp config: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

// ModelNames returns the distinct Juju model names referenced by the
// targets, in first-seen order.
func (c *Config) ModelNames() []string {
	var names []string
	seen := make(map[string]bool)
	for _, t := range c.Targets {
		if t.Model == "" || seen[t.Model] {
			continue
		}
		seen[t.Model] = true
		names = append(names, t.Model)
	}
	return names
}

// TargetsForModel returns the targets that belong to the given model.
func (c *Config) TargetsForModel(model string) []Target {
	var out []Target
	for _, t := range c.Targets {
		if t.Model == model {
			out = append(out, t)
		}
	}
	return out
}
