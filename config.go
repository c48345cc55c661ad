// config.go: runtime configuration with validation and defaults
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Endpoint networks.
const (
	NetworkUnix = "unix"
	NetworkTCP  = "tcp"
)

// EndpointConfig configures one control endpoint.
//
// A unix endpoint listens on the abstract address "@Name" when Abstract is
// set, otherwise on SocketDir/Name.sock. Address overrides both and is the
// only way to place a TCP endpoint.
type EndpointConfig struct {
	Name      string `json:"name" yaml:"name"`
	Network   string `json:"network" yaml:"network"`
	Address   string `json:"address,omitempty" yaml:"address,omitempty"`
	Abstract  bool   `json:"abstract" yaml:"abstract"`
	SocketDir string `json:"socket_dir,omitempty" yaml:"socket_dir,omitempty"`

	// Exclusive accepts only peers running as the endpoint's own uid or root.
	Exclusive bool `json:"exclusive" yaml:"exclusive"`

	RequestTimeout   time.Duration `json:"request_timeout" yaml:"request_timeout"`
	BroadcastTimeout time.Duration `json:"broadcast_timeout" yaml:"broadcast_timeout"`
	// DrainTimeout bounds how long Stop waits for running handlers.
	DrainTimeout time.Duration `json:"drain_timeout" yaml:"drain_timeout"`
	MaxPeers     int           `json:"max_peers" yaml:"max_peers"`
}

func (c *EndpointConfig) applyDefaults() {
	if c.Network == "" {
		c.Network = NetworkUnix
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.BroadcastTimeout <= 0 {
		c.BroadcastTimeout = 2 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = c.RequestTimeout
	}
	if c.Network == NetworkUnix && c.SocketDir == "" && c.Address == "" && !c.Abstract {
		c.SocketDir = os.TempDir()
	}
}

// ListenAddress returns the network and address the endpoint binds.
func (c EndpointConfig) ListenAddress() (network, address string) {
	network = c.Network
	if network == "" {
		network = NetworkUnix
	}
	if c.Address != "" {
		return network, c.Address
	}
	if network != NetworkUnix {
		return network, "127.0.0.1:0"
	}
	if c.Abstract {
		return network, "@" + c.Name
	}
	dir := c.SocketDir
	if dir == "" {
		dir = os.TempDir()
	}
	return network, filepath.Join(dir, c.Name+".sock")
}

// Validate checks the endpoint settings.
func (c EndpointConfig) Validate() error {
	if c.Name == "" {
		return NewConfigValidationError("endpoint name cannot be empty", nil)
	}
	if strings.ContainsAny(c.Name, "/\x00") {
		return NewConfigValidationError(fmt.Sprintf("invalid endpoint name %q", c.Name), nil)
	}
	switch c.Network {
	case "", NetworkUnix:
	case NetworkTCP:
		if c.Address == "" {
			return NewConfigValidationError("tcp endpoint requires an address", nil)
		}
	default:
		return NewConfigValidationError(fmt.Sprintf("unsupported endpoint network %q", c.Network), nil)
	}
	if c.MaxPeers < 0 {
		return NewConfigValidationError("max_peers cannot be negative", nil)
	}
	return nil
}

// GatewayConfig enables remote access to the endpoint over gRPC.
type GatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Address string `json:"address" yaml:"address"`
}

// InterceptConfig seeds the intercept filter and its rules file.
type InterceptConfig struct {
	InterceptAll bool          `json:"intercept_all" yaml:"intercept_all"`
	Rules        []string      `json:"rules,omitempty" yaml:"rules,omitempty"`
	RulesFile    string        `json:"rules_file,omitempty" yaml:"rules_file,omitempty"`
	Watch        bool          `json:"watch" yaml:"watch"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"`
	CacheSize    int           `json:"cache_size" yaml:"cache_size"`
}

// BinderConfig selects layout variants by platform version.
type BinderConfig struct {
	PlatformVersion string          `json:"platform_version" yaml:"platform_version"`
	Variants        []LayoutVariant `json:"variants,omitempty" yaml:"variants,omitempty"`
}

// RegistryConfig locates the application-creation entry point.
type RegistryConfig struct {
	ApplicationTarget Target `json:"application_target" yaml:"application_target"`
	ApplicationArg    int    `json:"application_arg" yaml:"application_arg"`
}

// MetricsConfig selects the metrics backend.
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// JournalConfig places the controller-side event journal.
type JournalConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Config is the complete runtime configuration.
type Config struct {
	Endpoint  EndpointConfig  `json:"endpoint" yaml:"endpoint"`
	Gateway   GatewayConfig   `json:"gateway" yaml:"gateway"`
	Intercept InterceptConfig `json:"intercept" yaml:"intercept"`
	Binder    BinderConfig    `json:"binder" yaml:"binder"`
	Registry  RegistryConfig  `json:"registry" yaml:"registry"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
}

// DefaultConfig returns a configuration for the system-management endpoint.
func DefaultConfig() Config {
	cfg := Config{
		Endpoint: EndpointConfig{
			Name:      SystemServerName,
			Network:   NetworkUnix,
			Exclusive: true,
		},
		Gateway: GatewayConfig{Address: "127.0.0.1:7420"},
		Intercept: InterceptConfig{
			PollInterval: 2 * time.Second,
			CacheSize:    256,
		},
		Registry: RegistryConfig{
			ApplicationTarget: DefaultApplicationTarget,
		},
		Metrics:  MetricsConfig{Namespace: "albatross"},
		LogLevel: "info",
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Endpoint.Name == "" {
		c.Endpoint.Name = SystemServerName
	}
	c.Endpoint.applyDefaults()
	if c.Gateway.Enabled && c.Gateway.Address == "" {
		c.Gateway.Address = "127.0.0.1:7420"
	}
	if c.Intercept.PollInterval <= 0 {
		c.Intercept.PollInterval = 2 * time.Second
	}
	if c.Intercept.CacheSize <= 0 {
		c.Intercept.CacheSize = 256
	}
	if c.Registry.ApplicationTarget == (Target{}) {
		c.Registry.ApplicationTarget = DefaultApplicationTarget
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "albatross"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if err := c.Endpoint.Validate(); err != nil {
		return err
	}
	if c.Endpoint.RequestTimeout < 0 || c.Endpoint.BroadcastTimeout < 0 || c.Endpoint.DrainTimeout < 0 {
		return NewConfigValidationError("endpoint timeouts cannot be negative", nil)
	}
	if c.Gateway.Enabled && c.Gateway.Address == "" {
		return NewConfigValidationError("gateway enabled without an address", nil)
	}
	if c.Intercept.Watch && c.Intercept.RulesFile == "" {
		return NewConfigValidationError("intercept.watch requires intercept.rules_file", nil)
	}
	if c.Registry.ApplicationArg < 0 {
		return NewConfigValidationError("registry.application_arg cannot be negative", nil)
	}
	for i, v := range c.Binder.Variants {
		if v.Tag == "" {
			return NewConfigValidationError(fmt.Sprintf("binder variant %d has no tag", i), nil)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return NewConfigValidationError(fmt.Sprintf("unknown log level %q", c.LogLevel), nil)
	}
	return nil
}
