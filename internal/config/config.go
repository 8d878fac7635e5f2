// Package config carries the runtime-settable tunables of the DLM client
// engine. It mirrors the lock package's configuration pattern: a plain
// struct with mapstructure/yaml tags, loadable via viper, plus a
// DefaultConfig constructor supplying the values the engine ships with.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// NamespaceConfig holds the per-namespace tunables named in the engine's
// tunables table: idle-age and unused-count ceilings feeding the LRU
// policies, the seed pool values a namespace starts with before the server
// ever pushes an update, and whether that namespace honors adaptive timing.
type NamespaceConfig struct {
	// MaxAge is ns_max_age: locks idle past this are cancelled by the aged
	// and lrur policies regardless of local value.
	// Default: 20m
	MaxAge time.Duration `mapstructure:"ns_max_age" yaml:"ns_max_age"`

	// MaxUnused is ns_max_unused: the unused-LRU list is trimmed toward this
	// count whenever it is exceeded.
	// Default: 2500
	MaxUnused int `mapstructure:"ns_max_unused" yaml:"ns_max_unused"`

	// PoolSLV seeds the namespace pool's server lock volume before the
	// first server-pushed update arrives.
	// Default: 0 (unset; treated as "no SLV-based eviction yet")
	PoolSLV uint64 `mapstructure:"ns_pool_slv" yaml:"ns_pool_slv"`

	// PoolLVF seeds the namespace pool's lock-volume factor.
	// Default: 1
	PoolLVF uint64 `mapstructure:"ns_pool_lvf" yaml:"ns_pool_lvf"`

	// AdaptiveTimeout turns the per-namespace at_get/at_measured estimator
	// on. When false, completion waits use ObdTimeout instead of
	// 3*adaptive_estimate.
	// Default: true
	AdaptiveTimeout bool `mapstructure:"adaptive_timeout" yaml:"adaptive_timeout"`
}

// Config is the top-level tunable set for the DLM client engine.
type Config struct {
	// EnqueueMin is enqueue_min: the floor under the completion timeout,
	// regardless of what the adaptive estimator reports.
	// Default: 6s
	EnqueueMin time.Duration `mapstructure:"enqueue_min" yaml:"enqueue_min"`

	// ObdTimeout is the fixed completion timeout used when a namespace has
	// adaptive timing disabled.
	// Default: 100s
	ObdTimeout time.Duration `mapstructure:"obd_timeout" yaml:"obd_timeout"`

	// CancelUnusedLocksBeforeReplay toggles the pre-replay LRU sweep: when
	// true, replay_locks cancels everything still sitting unused in the
	// LRU before re-enqueueing what's left.
	// Default: true
	CancelUnusedLocksBeforeReplay bool `mapstructure:"cancel_unused_locks_before_replay" yaml:"cancel_unused_locks_before_replay"`

	// NamespaceDumpThrottle bounds how often a namespace's lock table is
	// logged in full while a completion wait is stuck.
	// Default: 300s
	NamespaceDumpThrottle time.Duration `mapstructure:"namespace_dump_throttle" yaml:"namespace_dump_throttle"`

	// Namespace holds the defaults new namespaces are created with; callers
	// may override per-namespace afterward.
	Namespace NamespaceConfig `mapstructure:"namespace" yaml:"namespace"`
}

// DefaultConfig returns a Config with the values the engine ships with.
func DefaultConfig() Config {
	return Config{
		EnqueueMin:                    6 * time.Second,
		ObdTimeout:                    100 * time.Second,
		CancelUnusedLocksBeforeReplay: true,
		NamespaceDumpThrottle:         300 * time.Second,
		Namespace: NamespaceConfig{
			MaxAge:          20 * time.Minute,
			MaxUnused:       2500,
			PoolSLV:         0,
			PoolLVF:         1,
			AdaptiveTimeout: true,
		},
	}
}

// Load reads tunables from configPath (if non-empty and present) and falls
// back to DefaultConfig for anything the file leaves unset. A DLMCLIENT_*
// environment variable overrides only a key the config file itself sets;
// when no config file is found, Load returns DefaultConfig unchanged and
// does not consult the environment.
//
// Precedence (highest to lowest) for a key the file sets: environment
// variable, config file. Keys the file omits keep their defaults.
func Load(configPath string) (Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return Config{}, err
	}

	cfg := DefaultConfig()
	if !found {
		return cfg, nil
	}

	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("DLMCLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}

	v.AddConfigPath(configDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// durationDecodeHook lets config files use human-readable durations like
// "30s", "5m", "1h" for every time.Duration field.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

func configDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dlmclient")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dlmclient")
}
