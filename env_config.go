// env_config.go: environment variable expansion and overrides for Config
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment variable the runtime reads.
const EnvPrefix = "ALBATROSS_"

// EnvConfigOptions configures environment variable processing.
type EnvConfigOptions struct {
	// Prefix is tried before the bare variable name.
	Prefix string `json:"prefix" yaml:"prefix"`

	// FailOnMissing turns an unresolved ${VAR} into an error.
	FailOnMissing bool `json:"fail_on_missing" yaml:"fail_on_missing"`

	// ValidateValues rejects values with NUL or control characters.
	ValidateValues bool `json:"validate_values" yaml:"validate_values"`

	// AllowOverrides applies PREFIX_SECTION_FIELD variables over the file.
	AllowOverrides bool `json:"allow_overrides" yaml:"allow_overrides"`

	Defaults  map[string]string `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Overrides map[string]string `json:"overrides,omitempty" yaml:"overrides,omitempty"`
}

// DefaultEnvConfigOptions returns the options LoadConfigFromFile uses.
func DefaultEnvConfigOptions() EnvConfigOptions {
	return EnvConfigOptions{
		Prefix:         EnvPrefix,
		ValidateValues: true,
		AllowOverrides: true,
		Defaults:       make(map[string]string),
		Overrides:      make(map[string]string),
	}
}

var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// ExpandEnvironmentVariables expands ${VAR} and ${VAR:-default} in input.
//
// Resolution order: prefixed variable, bare variable, configured override,
// inline default, configured default.
func ExpandEnvironmentVariables(input string, options EnvConfigOptions) (string, error) {
	if input == "" || !strings.Contains(input, "${") {
		return input, nil
	}

	var firstErr error
	result := variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := variablePattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		inlineDefault := ""
		if len(sub) >= 4 {
			inlineDefault = sub[3]
		}
		expanded, err := expandSingleEnvironmentVariable(sub[1], inlineDefault, options)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return expanded
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func expandSingleEnvironmentVariable(varName, inlineDefault string, options EnvConfigOptions) (string, error) {
	prefixedName := options.Prefix + varName
	if value := os.Getenv(prefixedName); value != "" {
		return validateAndSanitizeValue(value, options)
	}
	if value := os.Getenv(varName); value != "" {
		return validateAndSanitizeValue(value, options)
	}
	if value, ok := options.Overrides[varName]; ok {
		return validateAndSanitizeValue(value, options)
	}
	if inlineDefault != "" {
		return validateAndSanitizeValue(inlineDefault, options)
	}
	if value, ok := options.Defaults[varName]; ok {
		return validateAndSanitizeValue(value, options)
	}
	if options.FailOnMissing {
		return "", NewConfigValidationError(fmt.Sprintf("required environment variable not found: %s (also tried %s)", varName, prefixedName), nil)
	}
	return "", nil
}

func validateAndSanitizeValue(value string, options EnvConfigOptions) (string, error) {
	if !options.ValidateValues {
		return value, nil
	}
	if strings.Contains(value, "\x00") {
		return "", NewConfigValidationError("environment variable value contains null byte", nil)
	}
	const maxLength = 4096
	if len(value) > maxLength {
		return "", NewConfigValidationError(fmt.Sprintf("environment variable value too long: %d bytes (max %d)", len(value), maxLength), nil)
	}
	for i, r := range value {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return "", NewConfigValidationError(fmt.Sprintf("environment variable contains control character at position %d", i), nil)
		}
	}
	return value, nil
}

// ProcessConfigurationWithEnv expands ${VAR} references in the string fields
// of cfg, then applies PREFIX_* overrides when allowed.
func ProcessConfigurationWithEnv(cfg *Config, options EnvConfigOptions) error {
	fields := []*string{
		&cfg.Endpoint.Name,
		&cfg.Endpoint.Network,
		&cfg.Endpoint.Address,
		&cfg.Endpoint.SocketDir,
		&cfg.Gateway.Address,
		&cfg.Intercept.RulesFile,
		&cfg.Binder.PlatformVersion,
		&cfg.Metrics.Namespace,
		&cfg.Journal.Path,
		&cfg.LogLevel,
	}
	for _, f := range fields {
		v, err := ExpandEnvironmentVariables(*f, options)
		if err != nil {
			return err
		}
		*f = v
	}
	for i := range cfg.Intercept.Rules {
		v, err := ExpandEnvironmentVariables(cfg.Intercept.Rules[i], options)
		if err != nil {
			return err
		}
		cfg.Intercept.Rules[i] = v
	}
	if options.AllowOverrides {
		return applyEnvOverrides(cfg, options)
	}
	return nil
}

type envOverride struct {
	name  string
	apply func(cfg *Config, value string) error
}

func stringOverride(name string, get func(*Config) *string) envOverride {
	return envOverride{name: name, apply: func(cfg *Config, v string) error {
		*get(cfg) = v
		return nil
	}}
}

func boolOverride(name string, get func(*Config) *bool) envOverride {
	return envOverride{name: name, apply: func(cfg *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return NewConfigValidationError(fmt.Sprintf("invalid boolean for %s: %q", name, v), err)
		}
		*get(cfg) = b
		return nil
	}}
}

func durationOverride(name string, get func(*Config) *time.Duration) envOverride {
	return envOverride{name: name, apply: func(cfg *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return NewConfigValidationError(fmt.Sprintf("invalid duration for %s: %q", name, v), err)
		}
		*get(cfg) = d
		return nil
	}}
}

var envOverrides = []envOverride{
	stringOverride("ENDPOINT_NAME", func(c *Config) *string { return &c.Endpoint.Name }),
	stringOverride("ENDPOINT_NETWORK", func(c *Config) *string { return &c.Endpoint.Network }),
	stringOverride("ENDPOINT_ADDRESS", func(c *Config) *string { return &c.Endpoint.Address }),
	stringOverride("SOCKET_DIR", func(c *Config) *string { return &c.Endpoint.SocketDir }),
	boolOverride("ENDPOINT_EXCLUSIVE", func(c *Config) *bool { return &c.Endpoint.Exclusive }),
	durationOverride("REQUEST_TIMEOUT", func(c *Config) *time.Duration { return &c.Endpoint.RequestTimeout }),
	durationOverride("BROADCAST_TIMEOUT", func(c *Config) *time.Duration { return &c.Endpoint.BroadcastTimeout }),
	boolOverride("GATEWAY_ENABLED", func(c *Config) *bool { return &c.Gateway.Enabled }),
	stringOverride("GATEWAY_ADDRESS", func(c *Config) *string { return &c.Gateway.Address }),
	boolOverride("INTERCEPT_ALL", func(c *Config) *bool { return &c.Intercept.InterceptAll }),
	stringOverride("RULES_FILE", func(c *Config) *string { return &c.Intercept.RulesFile }),
	stringOverride("PLATFORM_VERSION", func(c *Config) *string { return &c.Binder.PlatformVersion }),
	boolOverride("METRICS_ENABLED", func(c *Config) *bool { return &c.Metrics.Enabled }),
	stringOverride("JOURNAL_PATH", func(c *Config) *string { return &c.Journal.Path }),
	stringOverride("LOG_LEVEL", func(c *Config) *string { return &c.LogLevel }),
}

func applyEnvOverrides(cfg *Config, options EnvConfigOptions) error {
	for _, o := range envOverrides {
		v := os.Getenv(options.Prefix + o.name)
		if v == "" {
			continue
		}
		v, err := validateAndSanitizeValue(v, options)
		if err != nil {
			return err
		}
		if err := o.apply(cfg, v); err != nil {
			return err
		}
	}
	return nil
}
