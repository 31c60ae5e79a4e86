// Package config defines all configuration for the order book feed.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via BOOK_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"cryptobook/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Exchange  string          `mapstructure:"exchange"`
	Markets   []MarketConfig  `mapstructure:"markets"`
	Timeout   time.Duration   `mapstructure:"timeout"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Preflight bool            `mapstructure:"preflight"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// MarketConfig names one market to replicate.
type MarketConfig struct {
	Base  string `mapstructure:"base"`
	Quote string `mapstructure:"quote"`
}

// HeartbeatConfig tunes the freshness check queries apply.
type HeartbeatConfig struct {
	Window time.Duration `mapstructure:"window"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text or json
}

// Load reads config from a YAML file with env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("timeout", 10*time.Second)
	v.SetDefault("heartbeat.window", 10*time.Second)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Exchange {
	case "bitfinex", "poloniex":
	default:
		return fmt.Errorf("exchange must be one of: bitfinex, poloniex (got %q)", c.Exchange)
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("at least one market is required")
	}
	for i, m := range c.Markets {
		if m.Base == "" || m.Quote == "" {
			return fmt.Errorf("markets[%d]: base and quote are required", i)
		}
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be > 0")
	}
	if c.Heartbeat.Window <= 0 {
		return fmt.Errorf("heartbeat.window must be > 0")
	}
	return nil
}

// Pairs returns the configured markets as normalized pairs.
func (c *Config) Pairs() []types.Pair {
	pairs := make([]types.Pair, len(c.Markets))
	for i, m := range c.Markets {
		pairs[i] = types.NewPair(m.Base, m.Quote)
	}
	return pairs
}
