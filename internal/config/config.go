// Package config defines the necessary types to configure the application.
// Values come from config.yaml, overridable through the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
)

// EnvPrefix marks the environment variables that override file values,
// e.g. HOSTELMATE_BACKEND_BASEURL.
const EnvPrefix = "HOSTELMATE_"

const (
	StoreBackendFile   = "file"
	StoreBackendValkey = "valkey"
)

type Config struct {
	Application Application `yaml:"application"`
	Logger      Logger      `yaml:"logger"`

	IdentityProvider IdentityProvider `yaml:"identityProvider"`
	Backend          Backend          `yaml:"backend"`
	TokenStore       TokenStore       `yaml:"tokenStore"`
}

type Application struct {
	Name        string `yaml:"name" default:"session-manager"`
	Environment string `yaml:"environment" default:"production"`
}

type Logger struct {
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"json"`
}

type IdentityProvider struct {
	BaseURL      string        `yaml:"baseURL"`
	APIKey       string        `yaml:"apiKey"`
	ClientID     string        `yaml:"clientID"`
	CallbackAddr string        `yaml:"callbackAddr" default:"127.0.0.1:0"`
	Timeout      time.Duration `yaml:"timeout" default:"15s"`
}

type Backend struct {
	BaseURL string        `yaml:"baseURL" default:"https://exp-v9z4.onrender.com"`
	Timeout time.Duration `yaml:"timeout" default:"15s"`
}

type TokenStore struct {
	Backend string `yaml:"backend" default:"file"`
	// Path of the file backend; empty means the per-user default under
	// the OS config directory.
	Path   string `yaml:"path"`
	Valkey Valkey `yaml:"valkey"`
}

type Valkey struct {
	Address string `yaml:"address" default:"127.0.0.1:6379"`
	Prefix  string `yaml:"prefix" default:"hostelmate"`
}

// Load builds the configuration from defaults, the first config.yaml
// found in paths, and HOSTELMATE_* environment overrides, in that order.
func Load(paths ...string) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		file := filepath.Join(path, "config.yaml")
		data, err := os.ReadFile(file)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", file, err)
		}
		break
	}

	if err := applyEnv(cfg, os.Environ()); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.TokenStore.Backend {
	case StoreBackendFile, StoreBackendValkey:
	default:
		return fmt.Errorf("unknown token store backend %q", c.TokenStore.Backend)
	}

	return nil
}

// applyEnv overlays HOSTELMATE_* variables on the config. The variable
// name after the prefix mirrors the yaml structure with underscores,
// matched case-insensitively: HOSTELMATE_IDENTITYPROVIDER_BASEURL.
func applyEnv(cfg *Config, environ []string) error {
	overlay := map[string]any{}

	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}

		parts := strings.Split(strings.ToLower(strings.TrimPrefix(name, EnvPrefix)), "_")
		node := overlay
		for _, part := range parts[:len(parts)-1] {
			child, ok := node[part].(map[string]any)
			if !ok {
				child = map[string]any{}
				node[part] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = value
	}

	if len(overlay) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		TagName:          "yaml",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return fmt.Errorf("creating override decoder: %w", err)
	}

	return decoder.Decode(overlay)
}
