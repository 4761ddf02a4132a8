// Package config provides configuration parsing and validation for the
// SKDP daemon.
package config

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Role selects which side of the protocol this process runs.
const (
	RoleServer = "server"
	RoleDevice = "device"
)

// Config represents the complete daemon configuration.
type Config struct {
	Role      string          `yaml:"role"`
	Address   string          `yaml:"address"`
	Transport TransportConfig `yaml:"transport"`
	Keys      KeysConfig      `yaml:"keys"`
	KeepAlive KeepAliveConfig `yaml:"keepalive"`
	Limits    LimitsConfig    `yaml:"limits"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// TransportConfig selects the byte transport carrying the protocol.
type TransportConfig struct {
	// Kind is one of tcp, ws, quic. SKDP authenticates and encrypts
	// itself, so tcp and ws need no TLS; when TLS settings are given,
	// tcp and ws wrap the connection in TLS. quic always uses TLS.
	Kind string `yaml:"kind"`

	TLS TLSConfig `yaml:"tls"`
}

// TLSConfig carries optional transport-level TLS material. QUIC always
// requires a certificate on the listening side.
type TLSConfig struct {
	Cert string `yaml:"cert"` // certificate file path
	Key  string `yaml:"key"`  // private key file path
	CA   string `yaml:"ca"`   // CA bundle for peer verification

	// Insecure skips certificate verification when dialing.
	// Development only.
	Insecure bool `yaml:"insecure"`
}

// KeysConfig points at the key records used by each role.
type KeysConfig struct {
	Server string `yaml:"server"` // server key record path
	Device string `yaml:"device"` // device key record path
}

// KeepAliveConfig paces tunnel liveness probes.
type KeepAliveConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// LimitsConfig bounds inbound exchange attempts on the listener.
type LimitsConfig struct {
	// AcceptRate is the sustained accepted connections per second.
	// Zero disables limiting.
	AcceptRate float64 `yaml:"accept_rate"`

	// AcceptBurst is the burst allowance above the sustained rate.
	AcceptBurst int `yaml:"accept_burst"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig exposes Prometheus metrics when Listen is set.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns a configuration with the documented defaults applied.
func Default() *Config {
	return &Config{
		Role: RoleServer,
		Transport: TransportConfig{
			Kind: "tcp",
		},
		KeepAlive: KeepAliveConfig{
			Interval: 30 * time.Second,
			Timeout:  60 * time.Second,
		},
		Limits: LimitsConfig{
			AcceptRate:  10,
			AcceptBurst: 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write persists the configuration to path with owner-only permissions.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the configuration for consistency, naming the
// offending field in every error.
func (c *Config) Validate() error {
	switch c.Role {
	case RoleServer, RoleDevice:
	default:
		return fmt.Errorf("role: must be %q or %q, got %q", RoleServer, RoleDevice, c.Role)
	}

	if c.Address == "" {
		return fmt.Errorf("address: required")
	}
	if _, _, err := net.SplitHostPort(c.Address); err != nil {
		return fmt.Errorf("address: %w", err)
	}

	switch c.Transport.Kind {
	case "tcp", "ws", "quic":
	default:
		return fmt.Errorf("transport.kind: must be tcp, ws or quic, got %q", c.Transport.Kind)
	}
	if c.Transport.Kind == "quic" && c.Role == RoleServer && c.Transport.TLS.Cert == "" {
		return fmt.Errorf("transport.tls.cert: required for a quic listener")
	}

	switch c.Role {
	case RoleServer:
		if c.Keys.Server == "" {
			return fmt.Errorf("keys.server: required for role server")
		}
	case RoleDevice:
		if c.Keys.Device == "" {
			return fmt.Errorf("keys.device: required for role device")
		}
	}

	if c.KeepAlive.Interval < 0 {
		return fmt.Errorf("keepalive.interval: must not be negative")
	}
	if c.KeepAlive.Timeout < 0 {
		return fmt.Errorf("keepalive.timeout: must not be negative")
	}
	if c.KeepAlive.Interval > 0 && c.KeepAlive.Timeout > 0 && c.KeepAlive.Timeout < c.KeepAlive.Interval {
		return fmt.Errorf("keepalive.timeout: must be at least the interval")
	}

	if c.Limits.AcceptRate < 0 {
		return fmt.Errorf("limits.accept_rate: must not be negative")
	}
	if c.Limits.AcceptBurst < 0 {
		return fmt.Errorf("limits.accept_burst: must not be negative")
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format)
	}

	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen: %w", err)
		}
	}
	return nil
}
