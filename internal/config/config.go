package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/whatevermarch/Cauldron/internal/gpu"
)

// Config represents the application configuration
type Config struct {
	Pool    PoolConfig    `mapstructure:"pool"`
	Device  DeviceConfig  `mapstructure:"device"`
	Stress  StressConfig  `mapstructure:"stress"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type PoolConfig struct {
	Name     string `mapstructure:"name" toml:"name"`
	Capacity uint32 `mapstructure:"capacity" toml:"capacity"`
	Mode     string `mapstructure:"mode" toml:"mode"`
}

// UsageMode parses Mode
func (p PoolConfig) UsageMode() (gpu.UsageMode, error) {
	return gpu.ParseUsageMode(p.Mode)
}

type DeviceConfig struct {
	Strategy     string `mapstructure:"strategy"`
	HostHeapMB   int    `mapstructure:"host_heap_mb"`
	DeviceHeapMB int    `mapstructure:"device_heap_mb"`
}

type StressConfig struct {
	Workers   int    `mapstructure:"workers"`
	Requests  int    `mapstructure:"requests"`
	MaxCount  uint32 `mapstructure:"max_count"`
	MaxStride uint32 `mapstructure:"max_stride"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"`
	Console bool   `mapstructure:"console"`
	JSON    bool   `mapstructure:"json"`
}

// DefaultConfig returns configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			Name:     "BufferPool",
			Capacity: 16 << 20,
			Mode:     gpu.UsageHostStagingToDevice.String(),
		},
		Device: DeviceConfig{
			Strategy:     "managed",
			HostHeapMB:   256,
			DeviceHeapMB: 256,
		},
		Stress: StressConfig{
			Workers:   8,
			Requests:  1000,
			MaxCount:  64,
			MaxStride: 64,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: true,
		},
	}
}

// Dir returns the per-user configuration directory
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "finding home directory")
	}
	return filepath.Join(home, ".cauldron"), nil
}

// Load loads configuration from file, environment, and defaults
func Load(cfgFile string) (*Config, error) {
	return LoadWith(viper.New(), cfgFile)
}

// LoadWith is Load on a caller-supplied viper instance, so command flags
// bound to v take precedence over the file.
func LoadWith(v *viper.Viper, cfgFile string) (*Config, error) {
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		dir, err := Dir()
		if err != nil {
			return nil, err
		}
		v.AddConfigPath(dir)
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("CAULDRON")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errors.Wrap(err, "reading config")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}

	cfg.Logging.File = expandPath(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Pool.Capacity == 0 {
		return errors.New("pool.capacity must be positive")
	}
	if _, err := c.Pool.UsageMode(); err != nil {
		return errors.Wrap(err, "pool.mode")
	}

	validStrategies := []string{"managed", "raw"}
	if !contains(validStrategies, strings.ToLower(c.Device.Strategy)) {
		return errors.Newf("device.strategy must be one of: %v", validStrategies)
	}
	if c.Device.HostHeapMB <= 0 || c.Device.DeviceHeapMB <= 0 {
		return errors.New("device heap sizes must be positive")
	}

	if c.Stress.Workers < 1 {
		return errors.New("stress.workers must be at least 1")
	}
	if c.Stress.Requests < 0 {
		return errors.New("stress.requests must not be negative")
	}
	if c.Stress.MaxCount == 0 || c.Stress.MaxStride == 0 {
		return errors.New("stress.max_count and stress.max_stride must be positive")
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, c.Logging.Level) {
		return errors.Newf("logging.level must be one of: %v", validLevels)
	}
	return nil
}

// HeapBytes returns the device and host heap budgets in bytes
func (d DeviceConfig) HeapBytes() (device, host uint64) {
	return uint64(d.DeviceHeapMB) << 20, uint64(d.HostHeapMB) << 20
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("pool.name", cfg.Pool.Name)
	v.SetDefault("pool.capacity", cfg.Pool.Capacity)
	v.SetDefault("pool.mode", cfg.Pool.Mode)

	v.SetDefault("device.strategy", cfg.Device.Strategy)
	v.SetDefault("device.host_heap_mb", cfg.Device.HostHeapMB)
	v.SetDefault("device.device_heap_mb", cfg.Device.DeviceHeapMB)

	v.SetDefault("stress.workers", cfg.Stress.Workers)
	v.SetDefault("stress.requests", cfg.Stress.Requests)
	v.SetDefault("stress.max_count", cfg.Stress.MaxCount)
	v.SetDefault("stress.max_stride", cfg.Stress.MaxStride)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.json", cfg.Logging.JSON)
}
