// Package config loads runtime.Options from environment variables and an
// optional YAML file via spf13/viper, the same loader shape the rest of
// the corpus uses for its own server configuration.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrInvalidWorkerCount = errors.New("worker_count must be positive")
	ErrInvalidDebounce    = errors.New("debounce_ms must be non-negative")
	ErrInvalidStatsMode   = errors.New("stats_mode must be one of off, small, full")
	ErrInvalidHashBits    = errors.New("cell_hash_bits must be 64 or 128")
)

const (
	defaultDebounceMS = 10
	defaultHashBits   = 128
	// DefaultEnvPrefix is the single prefix spec.md §6 calls for: "a
	// single prefix, parsed once at Runtime::new".
	DefaultEnvPrefix = "TASKGRAPH"
)

// Config mirrors the Options enumerated in spec.md §6, plus the ambient
// logging/metrics knobs every embedder library in this corpus exposes
// alongside its domain options.
type Config struct {
	WorkerCount    int    `mapstructure:"worker_count"`
	DebounceMS     int    `mapstructure:"debounce_ms"`
	StatsMode      string `mapstructure:"stats_mode"`
	CellHashBits   int    `mapstructure:"cell_hash_bits"`
	LogLevel       string `mapstructure:"log_level"`
	LogFormat      string `mapstructure:"log_format"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("worker_count", 0) // 0 means "CPU count", resolved by pkg/scheduler.
	v.SetDefault("debounce_ms", defaultDebounceMS)
	v.SetDefault("stats_mode", "full")
	v.SetDefault("cell_hash_bits", defaultHashBits)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("metrics_enabled", false)
}

// Load reads configuration from an optional YAML file at path (ignored
// if empty or not found) and from environment variables under prefix,
// unmarshals it into a Config, and validates it. Unknown environment
// variable names under the prefix are ignored — viper only binds names
// the struct declares (spec.md §6: "unknown names are ignored").
func Load(path, prefix string) (Config, error) {
	if prefix == "" {
		prefix = DefaultEnvPrefix
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix(prefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid: %w", err)
	}

	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.WorkerCount < 0 {
		return ErrInvalidWorkerCount
	}

	if cfg.DebounceMS < 0 {
		return ErrInvalidDebounce
	}

	switch cfg.StatsMode {
	case "off", "small", "full":
	default:
		return ErrInvalidStatsMode
	}

	if cfg.CellHashBits != 64 && cfg.CellHashBits != 128 {
		return ErrInvalidHashBits
	}

	return nil
}
