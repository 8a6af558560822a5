// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Layered configuration: built-in defaults, then an optional YAML file, then
// CONTEXTSHARE_* environment variables, then explicit overrides (CLI flags).

package control

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix selects the environment variables read by Load.
// CONTEXTSHARE_LOG_LEVEL maps to log.level.
const EnvPrefix = "CONTEXTSHARE_"

// LogConfig selects logger verbosity and encoding.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text or json
}

// Config holds everything a contextshare program reads at startup.
type Config struct {
	Workers       int           `koanf:"workers"`
	ShmDir        string        `koanf:"shmdir"`
	StopTimeout   time.Duration `koanf:"stoptimeout"`
	MaxFrameBytes int           `koanf:"maxframebytes"`
	CPUAffinity   bool          `koanf:"cpuaffinity"`
	Progress      bool          `koanf:"progress"`
	Log           LogConfig     `koanf:"log"`
}

// Defaults returns the built-in configuration layer.
func Defaults() map[string]any {
	return map[string]any{
		"workers":       4,
		"shmdir":        "",
		"stoptimeout":   "5s",
		"maxframebytes": 64 << 20,
		"cpuaffinity":   false,
		"progress":      false,
		"log": map[string]any{
			"level":  "info",
			"format": "text",
		},
	}
}

// mapProvider feeds a plain map into koanf.
type mapProvider map[string]any

func (m mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("control: map provider has no byte form")
}

func (m mapProvider) Read() (map[string]any, error) {
	return m, nil
}

// Load builds a Config. path may be empty; overrides are shaped like Defaults
// (nested maps for sections) and win over every other layer.
func Load(path string, overrides map[string]any) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(mapProvider(Defaults()), nil); err != nil {
		return nil, fmt.Errorf("control: load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("control: load config file %s: %w", path, err)
		}
	}
	transform := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "_", ".")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", transform), nil); err != nil {
		return nil, fmt.Errorf("control: load env: %w", err)
	}
	if len(overrides) > 0 {
		if err := k.Load(mapProvider(overrides), nil); err != nil {
			return nil, fmt.Errorf("control: load overrides: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("control: unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no session could run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.StopTimeout < 0 {
		errs = append(errs, fmt.Errorf("stoptimeout must not be negative, got %v", c.StopTimeout))
	}
	if c.MaxFrameBytes < 0 {
		errs = append(errs, fmt.Errorf("maxframebytes must not be negative, got %d", c.MaxFrameBytes))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("control: invalid config: %w", err)
	}
	return nil
}
