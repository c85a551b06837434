// Package config holds the unified transport configuration: YAML files
// with ${VAR} expansion, QOLLECTIVE_* environment overrides, defaults and
// validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/qollective/qollective-go/pkg/utils"
)

// EnvPrefix namespaces environment overrides: QOLLECTIVE_<SECTION>_<FIELD>.
const EnvPrefix = "QOLLECTIVE"

// Load reads configuration from a YAML file. A missing file is not an
// error: defaults plus environment overrides apply.
func Load(path string, logger *logrus.Logger) (*TransportConfig, error) {
	if logger == nil {
		logger = logrus.New()
	}
	cfg := DefaultTransportConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		logger.Warnf("Configuration file %s not found, using defaults", path)
		if err := applyEnvOverrides(cfg); err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid configuration: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := utils.ExpandEnvVars(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func Save(cfg *TransportConfig, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvOverrides lets QOLLECTIVE_<SECTION>_<FIELD> variables win over
// file values, e.g. QOLLECTIVE_NATS_CONNECTION_URL.
func applyEnvOverrides(cfg *TransportConfig) error {
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}
