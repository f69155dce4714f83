package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "LETHE_"
	// Delimiter is the key delimiter for nested config.
	Delimiter = "."
)

// Loader layers configuration sources.
type Loader struct {
	k *koanf.Koanf
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{k: koanf.New(Delimiter)}
}

// Load merges, lowest priority first: defaults, the config file (when
// path is set), LETHE_* environment variables, then overrides keyed by
// dotted name. The result is validated.
func (l *Loader) Load(path string, overrides map[string]any) (*Config, error) {
	if err := l.k.Load(confmap.Provider(Default().flatten(), Delimiter), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := l.loadFile(path); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := l.k.Load(env.Provider(EnvPrefix, Delimiter, envKey), nil); err != nil {
		return nil, fmt.Errorf("load env vars: %w", err)
	}

	if len(overrides) > 0 {
		if err := l.k.Load(confmap.Provider(overrides, Delimiter), nil); err != nil {
			return nil, fmt.Errorf("apply overrides: %w", err)
		}
	}

	var cfg Config
	if err := l.k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "mapstructure"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := ValidateWithDetails(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (l *Loader) loadFile(path string) error {
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return l.k.Load(file.Provider(path), parser)
}

// envKey maps LETHE_ENGINE_POLICY_PATH to engine.policy_path: the first
// underscore separates the section, the rest belong to the field name.
func envKey(s string) string {
	return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "_", Delimiter, 1)
}

// Load is a convenience wrapper around a fresh Loader.
func Load(path string, overrides map[string]any) (*Config, error) {
	return NewLoader().Load(path, overrides)
}
