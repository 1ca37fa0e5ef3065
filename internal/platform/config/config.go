// Package config loads econd configuration from an optional YAML file plus
// ECOND_* environment overrides.
package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/viper"

	"github.com/wizardbeardstudio/open-economy-go/internal/platform/money"
)

// DefaultCurrency seeds the primary currency created when the registry
// loads an empty store.
type DefaultCurrency struct {
	Identifier        string `mapstructure:"identifier"`
	Name              string `mapstructure:"name"`
	Symbol            string `mapstructure:"symbol"`
	DecimalPlaces     int32  `mapstructure:"decimal-places"`
	DefaultMaxBalance int64  `mapstructure:"default-max-balance"`
	ConsoleLog        bool   `mapstructure:"console-log"`
}

type Async struct {
	Workers             int `mapstructure:"workers"`
	QueueSize           int `mapstructure:"queue-size"`
	ShutdownWaitSeconds int `mapstructure:"shutdown-wait-seconds"`
}

type Backup struct {
	MaxSnapshots int `mapstructure:"max-snapshots"`
}

type Config struct {
	DatabaseURL     string          `mapstructure:"database-url"`
	HTTPAddr        string          `mapstructure:"http-addr"`
	RoundingMode    string          `mapstructure:"rounding-mode"`
	DefaultCurrency DefaultCurrency `mapstructure:"default-currency"`
	Async           Async           `mapstructure:"async"`
	Backup          Backup          `mapstructure:"backup"`
}

// Rounding returns the validated rounding mode.
func (c Config) Rounding() (money.RoundingMode, error) {
	return money.ParseRoundingMode(c.RoundingMode)
}

// Load reads configuration from path (optional; empty means defaults plus
// environment only) and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ECOND")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database-url", "")
	v.SetDefault("http-addr", ":8080")
	v.SetDefault("rounding-mode", string(money.Down))
	v.SetDefault("default-currency.identifier", "coin")
	v.SetDefault("default-currency.name", "Coin")
	v.SetDefault("default-currency.symbol", "$")
	v.SetDefault("default-currency.decimal-places", 2)
	v.SetDefault("default-currency.default-max-balance", -1)
	v.SetDefault("default-currency.console-log", false)
	v.SetDefault("async.workers", runtime.GOMAXPROCS(0))
	v.SetDefault("async.queue-size", 1024)
	v.SetDefault("async.shutdown-wait-seconds", 10)
	v.SetDefault("backup.max-snapshots", 50)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if _, err := cfg.Rounding(); err != nil {
		return Config{}, err
	}
	if cfg.DefaultCurrency.Identifier == "" {
		return Config{}, fmt.Errorf("default-currency.identifier must not be empty")
	}
	cfg.DefaultCurrency.Identifier = strings.ToLower(cfg.DefaultCurrency.Identifier)
	cfg.DefaultCurrency.DecimalPlaces = money.ClampPlaces(cfg.DefaultCurrency.DecimalPlaces)
	if cfg.Async.Workers < 1 {
		cfg.Async.Workers = runtime.GOMAXPROCS(0)
	}
	if cfg.Async.QueueSize < 1 {
		cfg.Async.QueueSize = 1024
	}
	if cfg.Backup.MaxSnapshots < 1 {
		cfg.Backup.MaxSnapshots = 50
	}
	return cfg, nil
}
