// config_loader.go: configuration file loading with format detection
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package albatross

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

const maxConfigFileSize = 1 << 20

// LoadConfigFromFile reads a JSON or YAML configuration, expands environment
// references, applies ALBATROSS_* overrides and defaults, then validates.
//
//	cfg, err := albatross.LoadConfigFromFile("/etc/albatross/config.yaml")
//	if err != nil {
//	    log.Fatalf("Failed to load config: %v", err)
//	}
func LoadConfigFromFile(path string) (Config, error) {
	return LoadConfigFromFileWithOptions(path, DefaultEnvConfigOptions())
}

// LoadConfigFromFileWithOptions is LoadConfigFromFile with explicit env options.
func LoadConfigFromFileWithOptions(path string, options EnvConfigOptions) (Config, error) {
	var cfg Config

	data, err := readConfigFile(path)
	if err != nil {
		return cfg, err
	}
	if err := parseConfig(data, argus.DetectFormat(path), &cfg); err != nil {
		return cfg, NewConfigParseError(path, err)
	}
	if err := ProcessConfigurationWithEnv(&cfg, options); err != nil {
		return cfg, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func readConfigFile(path string) ([]byte, error) {
	if path == "" {
		return nil, NewConfigFileError(path, fmt.Errorf("empty path"))
	}
	clean := filepath.Clean(path)
	if strings.Contains(filepath.ToSlash(path), "../") {
		return nil, NewConfigFileError(path, fmt.Errorf("path traversal not allowed"))
	}
	fi, err := os.Stat(clean)
	if err != nil {
		return nil, NewConfigFileError(path, err)
	}
	if fi.IsDir() {
		return nil, NewConfigFileError(path, fmt.Errorf("is a directory"))
	}
	if fi.Size() > maxConfigFileSize {
		return nil, NewConfigFileError(path, fmt.Errorf("file too large: %d bytes", fi.Size()))
	}
	data, err := os.ReadFile(clean) // #nosec G304 -- path validated above
	if err != nil {
		return nil, NewConfigFileError(path, err)
	}
	return data, nil
}

// parseConfig uses yaml.v3 for YAML and argus for the other formats, binding
// argus maps through JSON.
func parseConfig(data []byte, format argus.ConfigFormat, out any) error {
	switch format {
	case argus.FormatYAML:
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
		return nil
	case argus.FormatJSON:
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
		return nil
	default:
		m, err := argus.ParseConfig(data, format)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, out)
	}
}
