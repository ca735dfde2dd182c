// Package config loads this module's runtime configuration, grounded on
// dittofs's pkg/config: viper for layered sources (env > file > defaults),
// mapstructure decode hooks for human-friendly durations, and
// yaml.Marshal for round-tripping a config back to disk.
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
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a devd instance: where it
// keeps cached blocks, how it talks to other devd peers, how it resolves
// the block→server manifest, and its ambient logging/metrics settings.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Cache    CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Local    LocalConfig    `mapstructure:"local" yaml:"local"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Manifest ManifestConfig `mapstructure:"manifest" yaml:"manifest"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls internal/logger.New.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// CacheConfig mirrors blockcache.Config's tunable thresholds.
type CacheConfig struct {
	DirtyLimit      int64 `mapstructure:"dirty_limit" yaml:"dirty_limit"`
	WritebackThresh int64 `mapstructure:"writeback_thresh" yaml:"writeback_thresh"`
	SetLimit        int   `mapstructure:"set_limit" yaml:"set_limit"`
}

// LocalConfig configures the local direct-I/O transport. Enabled is false
// when this devd instance serves blocks purely over the network transport.
type LocalConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	DevicePath string `mapstructure:"device_path" yaml:"device_path"`
	QueueDepth int    `mapstructure:"queue_depth" yaml:"queue_depth"`
}

// NetworkConfig configures the messaging substrate: where this instance
// listens for incoming peer connections, if at all.
type NetworkConfig struct {
	ListenAddress string        `mapstructure:"listen_address" yaml:"listen_address"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	QueueDepth    int           `mapstructure:"queue_depth" yaml:"queue_depth"`
}

// ManifestConfig configures block→server resolution. A static server list
// is the only source this module ships; Refresh re-derives a Snapshot from
// whatever manifest.Source was constructed around it.
type ManifestConfig struct {
	Servers []ManifestServer `mapstructure:"servers" yaml:"servers"`
}

// ManifestServer is one entry of a static manifest.
type ManifestServer struct {
	Index   int    `mapstructure:"index" yaml:"index"`
	Address string `mapstructure:"address" yaml:"address"`
}

// MetricsConfig controls the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address"`
}

// Default returns the zero-configuration defaults: a local transport
// against ./devd.img, no network listener, metrics disabled.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "INFO", Format: "text", Output: "stdout"},
		Cache:   CacheConfig{DirtyLimit: 1024, WritebackThresh: 256, SetLimit: 64},
		Local:   LocalConfig{Enabled: true, DevicePath: "./devd.img", QueueDepth: 31},
		Network: NetworkConfig{ListenAddress: "", DialTimeout: 5 * time.Second, QueueDepth: 64},
		Metrics: MetricsConfig{Enabled: false, ListenAddress: "127.0.0.1:9090"},
	}
}

// Load layers defaults, the file at configPath (or ./corefs.yaml when
// configPath is empty), and environment variables prefixed COREFS_, in that
// order of increasing precedence. Environment variables override only keys
// present in the file; when no file is found, Load returns Default()
// unchanged.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return Default(), nil
	}

	cfg := Default()
	if err := v.Unmarshal(cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// MustLoad loads configPath, or Default() if configPath is empty and no
// default-location file exists.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("config: file not found: %s", configPath)
		}
	}
	return Load(configPath)
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: mkdir: %w", err)
		}
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate rejects configurations that cannot produce a working devd: no
// transport enabled, or an enabled network transport with neither a
// listener nor any manifest server to dial.
func Validate(cfg *Config) error {
	if !cfg.Local.Enabled && cfg.Network.ListenAddress == "" && len(cfg.Manifest.Servers) == 0 {
		return fmt.Errorf("config: no transport configured: enable local, listen on network, or list manifest servers")
	}
	if cfg.Cache.SetLimit <= 0 {
		return fmt.Errorf("config: cache.set_limit must be > 0")
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("COREFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(".")
	v.SetConfigName("corefs")
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
		return false, fmt.Errorf("config: read: %w", err)
	}
	return true, nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		if s, ok := data.(string); ok {
			return time.ParseDuration(s)
		}
		return data, nil
	}
}
