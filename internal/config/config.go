// Package config loads service configuration from an optional YAML file
// and FRIENDSMARKET_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/friendsmarket/market-engine/internal/market"
)

// EnvPrefix prefixes every environment override, e.g.
// FRIENDSMARKET_DATABASE_URL for database.url.
const EnvPrefix = "FRIENDSMARKET"

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Market   MarketConfig   `mapstructure:"market"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the store. An empty URL runs in memory.
type DatabaseConfig struct {
	URL     string `mapstructure:"url"`
	Migrate bool   `mapstructure:"migrate"`
}

// RedisConfig enables the read-through cache in front of PostgreSQL.
type RedisConfig struct {
	URL string        `mapstructure:"url"`
	TTL time.Duration `mapstructure:"ttl"`
}

// MarketConfig holds the deployment-wide market parameters.
type MarketConfig struct {
	LiquidityB      float64       `mapstructure:"liquidity_b"`
	Seed            float64       `mapstructure:"seed"`
	Stake           float64       `mapstructure:"stake"`
	StartingBalance float64       `mapstructure:"starting_balance"`
	LockLow         float64       `mapstructure:"lock_low"`
	LockHigh        float64       `mapstructure:"lock_high"`
	BetWindow       time.Duration `mapstructure:"bet_window"`
}

type AdminConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from path, if given, and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("database.url", "")
	v.SetDefault("database.migrate", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.ttl", "30s")

	v.SetDefault("market.liquidity_b", 5.0)
	v.SetDefault("market.seed", 10.0)
	v.SetDefault("market.stake", 1.0)
	v.SetDefault("market.starting_balance", 50.0)
	v.SetDefault("market.lock_low", 0.10)
	v.SetDefault("market.lock_high", 0.90)
	v.SetDefault("market.bet_window", "5s")

	v.SetDefault("admin.username", "admin")
	v.SetDefault("admin.password", "admin")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}
	if c.Redis.URL != "" && c.Database.URL == "" {
		return fmt.Errorf("redis.url requires database.url")
	}
	if c.Redis.URL != "" && c.Redis.TTL <= 0 {
		return fmt.Errorf("redis.ttl must be positive")
	}

	m := c.Market
	if m.LiquidityB <= 0 {
		return fmt.Errorf("market.liquidity_b must be positive")
	}
	if m.Seed <= 0 {
		return fmt.Errorf("market.seed must be positive")
	}
	if m.Stake <= 0 {
		return fmt.Errorf("market.stake must be positive")
	}
	if m.StartingBalance < 0 {
		return fmt.Errorf("market.starting_balance must not be negative")
	}
	if !(m.LockLow > 0 && m.LockLow < m.LockHigh && m.LockHigh < 1) {
		return fmt.Errorf("market lock band must satisfy 0 < lock_low < lock_high < 1")
	}
	if m.BetWindow < 0 {
		return fmt.Errorf("market.bet_window must not be negative")
	}

	if c.Admin.Username == "" || c.Admin.Password == "" {
		return fmt.Errorf("admin.username and admin.password are required")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}

// Engine converts the market section into engine parameters.
func (m MarketConfig) Engine() market.Config {
	return market.Config{
		LiquidityB:      decimal.NewFromFloat(m.LiquidityB),
		Seed:            decimal.NewFromFloat(m.Seed),
		Stake:           decimal.NewFromFloat(m.Stake),
		StartingBalance: decimal.NewFromFloat(m.StartingBalance),
		LockLow:         decimal.NewFromFloat(m.LockLow),
		LockHigh:        decimal.NewFromFloat(m.LockHigh),
		BetWindow:       m.BetWindow,
	}
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}
