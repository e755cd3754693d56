/*
Package config loads application configuration from an optional config
file (TOML or YAML, via viper) layered under SETTLE_-prefixed environment
variables, with defaults matching the four built-in rails.
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config aggregates all tunables.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Database  DatabaseConfig            `mapstructure:"database"`
	Engine    EngineConfig              `mapstructure:"engine"`
	Scheduler SchedulerConfig           `mapstructure:"scheduler"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Rails     map[string]RailSettings   `mapstructure:"rails"`
}

// ServerConfig governs the HTTP server.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig locates the sqlite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig tunes the state machine.
type EngineConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	ExpireAfter    time.Duration `mapstructure:"expire_after"`
	AdapterTimeout time.Duration `mapstructure:"adapter_timeout"`
}

// SchedulerConfig tunes the reconciliation loop.
type SchedulerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MinAge      time.Duration `mapstructure:"min_age"`
	Concurrency int           `mapstructure:"concurrency"`
	ItemTimeout time.Duration `mapstructure:"item_timeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text|json
}

// RailSettings describes one rail: settlement parameters plus the adapter
// endpoint and credentials.
type RailSettings struct {
	Family          string `mapstructure:"family"` // blockchain | mobile_money
	Currency        string `mapstructure:"currency"`
	Precision       int32  `mapstructure:"precision"`
	MinAmount       string `mapstructure:"min_amount"`
	MaxAmount       string `mapstructure:"max_amount"`
	WithdrawalFee   string `mapstructure:"withdrawal_fee"`
	PlatformAddress string `mapstructure:"platform_address"`
	Endpoint        string `mapstructure:"endpoint"`
	APIKey          string `mapstructure:"api_key"`
	APISecret       string `mapstructure:"api_secret"`
	MerchantID      string `mapstructure:"merchant_id"`
}

// Load reads configuration from path (optional; empty means defaults +
// environment only).
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SETTLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("database.path", "settlement.db")

	v.SetDefault("engine.max_retries", 10)
	v.SetDefault("engine.expire_after", "24h")
	v.SetDefault("engine.adapter_timeout", "30s")

	v.SetDefault("scheduler.interval", "30s")
	v.SetDefault("scheduler.min_age", "1m")
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("scheduler.item_timeout", "45s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	// Built-in rails; override per deployment.
	v.SetDefault("rails.TRC20", map[string]any{
		"family": "blockchain", "currency": "USDT", "precision": 6,
		"min_amount": "10", "max_amount": "100000", "withdrawal_fee": "1",
	})
	v.SetDefault("rails.BEP20", map[string]any{
		"family": "blockchain", "currency": "USDT", "precision": 18,
		"min_amount": "10", "max_amount": "100000", "withdrawal_fee": "0.5",
	})
	v.SetDefault("rails.MTN", map[string]any{
		"family": "mobile_money", "currency": "XAF", "precision": 0,
		"min_amount": "100", "max_amount": "500000", "withdrawal_fee": "50",
	})
	v.SetDefault("rails.ORANGE", map[string]any{
		"family": "mobile_money", "currency": "XAF", "precision": 0,
		"min_amount": "100", "max_amount": "500000", "withdrawal_fee": "50",
	})
}
