// Package config loads and validates the easmirror YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration loaded from YAML. The
// server URL and account are not configured here; they are entered once via
// `easmirror connect` and kept in the encrypted credential store.
type Config struct {
	// DeviceType is reported to the server as the client device class.
	// Defaults to "easmirror".
	DeviceType string `yaml:"device_type"`

	// Schedule is the cron expression driving periodic sync in daemon mode
	// (standard five-field syntax). Defaults to "*/5 * * * *".
	Schedule string `yaml:"schedule"`

	// Listen is the host:port the status API binds to in daemon mode.
	// Defaults to "127.0.0.1:8322".
	Listen string `yaml:"listen"`

	// StateDBPath overrides the sync state database location.
	// Defaults to ~/.local/share/easmirror/state.db.
	StateDBPath string `yaml:"state_db_path"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "easmirror".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/easmirror/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "easmirror", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path. A
// missing file is not an error: every field has a workable default.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		cfg := &Config{}
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DeviceType == "" {
		c.DeviceType = "easmirror"
	}
	if c.Schedule == "" {
		c.Schedule = "*/5 * * * *"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8322"
	}
}

// validate checks that all fields are well-formed.
func (c *Config) validate() error {
	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("schedule %q is not a valid cron expression: %w", c.Schedule, err)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
