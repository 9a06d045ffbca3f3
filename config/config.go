// Package config handles lama.toml VM tuning configuration: stack
// sizing, frame depth, and verification-cache location.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds the VM tuning knobs a lama.toml file can override.
type Config struct {
	Stack Stack `toml:"stack"`
	Cache Cache `toml:"cache"`
	Trace Trace `toml:"trace"`
}

// Stack configures the interpreter's unified call/operand stack.
type Stack struct {
	InitialSize int `toml:"initial-size"`
	MaxFrames   int `toml:"max-frames"`
}

// Cache configures the on-disk verification cache.
type Cache struct {
	Dir     string `toml:"dir"`
	Disable bool   `toml:"disable"`
}

// Trace configures the default structured-logging level.
type Trace struct {
	DefaultOn bool `toml:"default-on"`
}

// Default returns the tuning used when no lama.toml is present or a
// field is left unset.
func Default() *Config {
	return &Config{
		Stack: Stack{InitialSize: 1 << 20, MaxFrames: 1 << 16},
		Cache: Cache{Dir: defaultCacheDir()},
	}
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return dir + "/lama"
	}
	return ".lama-cache"
}

// Load reads path and overlays it onto Default(). A missing file is
// not an error; a present but malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse error in %s: %w", path, err)
	}
	if cfg.Stack.InitialSize <= 0 {
		cfg.Stack.InitialSize = 1 << 20
	}
	if cfg.Stack.MaxFrames <= 0 {
		cfg.Stack.MaxFrames = 1 << 16
	}
	if cfg.Cache.Dir == "" {
		cfg.Cache.Dir = defaultCacheDir()
	}
	return cfg, nil
}
