// Package config loads a sqgraph.Config from a YAML or TOML file and the
// SQGRAPH_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/liliang-cn/sqgraph"
)

// DefaultPath is used when no config file is given
const DefaultPath = "sqgraph.yaml"

// Load starts from sqgraph.DefaultConfig, applies the file at path (if it
// exists) and then the environment. The result is validated.
func Load(path string) (*sqgraph.Config, error) {
	cfg := sqgraph.DefaultConfig("./data")

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err) && path == DefaultPath:
			// optional default file
		case err != nil:
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		default:
			if err := decode(path, data, &cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *sqgraph.Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (use .yaml or .toml)", filepath.Ext(path))
	}
	return nil
}

// Save writes cfg as YAML or TOML depending on the extension of path
func Save(path string, cfg *sqgraph.Config) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		data, err = toml.Marshal(cfg)
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		return fmt.Errorf("unsupported config format %q (use .yaml or .toml)", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}
