// Package config loads the Lattice open-configuration record:
// { path, inMemory?, vectorMetricDefault? }, plus engine-internal
// tunables (statement cache size, mutation buffer size, log path).
//
// Resolution order: project .lattice/config.yaml found by walking up
// from the working directory, falling back to the user config dir,
// falling back to the home directory, with LATTICE_-prefixed
// environment variables taking precedence over all of them.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/latticedb/lattice/internal/types"
)

// Config is the resolved configuration for opening a store.
type Config struct {
	// Path is the store file path. Ignored when InMemory is true.
	Path string

	// InMemory resolves Path to an ephemeral store; shutdown discards it.
	InMemory bool

	// VectorMetricDefault is used by nearest(vectorColumn, ...) queries
	// that don't specify a metric explicitly.
	VectorMetricDefault types.VectorMetric

	// StmtCacheSize bounds the Storage Kernel's prepared statement cache.
	StmtCacheSize int

	// MutationBufferSize is loaded and defaulted here but not read by
	// the Store or the Observation Bus, which has no per-table mutation
	// channel; a Dispatch context's queue depth is the argument given to
	// NewDispatch.
	MutationBufferSize int

	// LogPath is passed to internal/logging.Configure. Empty means stderr.
	LogPath string
}

// Default returns the configuration used when none is supplied.
func Default() *Config {
	return &Config{
		VectorMetricDefault: types.MetricL2,
		StmtCacheSize:       256,
		MutationBufferSize:  512,
	}
}

// Load resolves configuration via a project directory walk-up, then
// user config dir, then home directory, with environment overrides
// always applied.
func Load(explicitPath string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")

	configFileSet := false
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
		configFileSet = true
	}

	if !configFileSet {
		if cwd, err := os.Getwd(); err == nil {
			for dir := cwd; dir != filepath.Dir(dir); dir = filepath.Dir(dir) {
				candidate := filepath.Join(dir, ".lattice", "config.yaml")
				if _, statErr := os.Stat(candidate); statErr == nil {
					v.SetConfigFile(candidate)
					configFileSet = true
					break
				}
			}
		}
	}

	if !configFileSet {
		if dir, err := os.UserConfigDir(); err == nil {
			candidate := filepath.Join(dir, "lattice", "config.yaml")
			if _, statErr := os.Stat(candidate); statErr == nil {
				v.SetConfigFile(candidate)
				configFileSet = true
			}
		}
	}

	if !configFileSet {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".lattice", "config.yaml")
			if _, statErr := os.Stat(candidate); statErr == nil {
				v.SetConfigFile(candidate)
				configFileSet = true
			}
		}
	}

	v.SetEnvPrefix("LATTICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("path", cfg.Path)
	v.SetDefault("in-memory", cfg.InMemory)
	v.SetDefault("vector-metric-default", string(cfg.VectorMetricDefault))
	v.SetDefault("stmt-cache-size", cfg.StmtCacheSize)
	v.SetDefault("mutation-buffer-size", cfg.MutationBufferSize)
	v.SetDefault("log-path", cfg.LogPath)

	if configFileSet {
		if err := v.ReadInConfig(); err != nil {
			return nil, types.Wrap(types.KindOpenFailed, "read config file", err)
		}
	}

	cfg.Path = v.GetString("path")
	cfg.InMemory = v.GetBool("in-memory")
	if m := v.GetString("vector-metric-default"); m != "" {
		cfg.VectorMetricDefault = types.VectorMetric(m)
	}
	if n := v.GetInt("stmt-cache-size"); n > 0 {
		cfg.StmtCacheSize = n
	}
	if n := v.GetInt("mutation-buffer-size"); n > 0 {
		cfg.MutationBufferSize = n
	}
	cfg.LogPath = v.GetString("log-path")

	return cfg, nil
}
