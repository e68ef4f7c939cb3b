// Package config defines all configuration for the exchange.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via ATLAS_* environment variables.
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"atlasx-exchange/internal/bus"
	"atlasx-exchange/internal/idempotency"
	"atlasx-exchange/internal/marketdata"
	"atlasx-exchange/internal/outbox"
	"atlasx-exchange/internal/risk"
	"atlasx-exchange/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Server      ServerConfig            `mapstructure:"server"`
	Risk        risk.Config             `mapstructure:"risk"`
	Idempotency idempotency.Config      `mapstructure:"idempotency"`
	Outbox      outbox.PublisherConfig  `mapstructure:"outbox"`
	MarketData  marketdata.Config       `mapstructure:"marketdata"`
	Bus         bus.RabbitConfig        `mapstructure:"bus"`
	Logging     LoggingConfig           `mapstructure:"logging"`
	Symbols     []types.SymbolSpec      `mapstructure:"symbols"`
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides
// (e.g. ATLAS_SERVER_PORT, ATLAS_BUS_URL).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ATLAS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// decodeHooks keeps viper's stock string conversions and adds exact
// decimal parsing, so money-typed limits given as quoted strings or
// integers are never routed through floats. A value that YAML already
// parsed as a float is converted with decimal.NewFromFloat.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToDecimalHookFunc(),
	)
}

func stringToDecimalHookFunc() mapstructure.DecodeHookFunc {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(_, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(v)
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		}
		return data, nil
	}
}

// applyDefaults fills in the values the exchange cannot run without when
// the file leaves them out.
func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Idempotency.TTL == 0 {
		c.Idempotency.TTL = 10 * time.Minute
	}
	if c.Outbox.PollInterval == 0 {
		c.Outbox.PollInterval = 200 * time.Millisecond
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 50
	}
	if c.Outbox.LeaseDuration == 0 {
		c.Outbox.LeaseDuration = 30 * time.Second
	}
	if c.Outbox.MaxParallelism == 0 {
		c.Outbox.MaxParallelism = 4
	}
	if c.Outbox.MaxAttempts == 0 {
		c.Outbox.MaxAttempts = 8
	}
	if c.Outbox.BaseDelay == 0 {
		c.Outbox.BaseDelay = 500 * time.Millisecond
	}
	if c.Outbox.MaxDelay == 0 {
		c.Outbox.MaxDelay = time.Minute
	}
	if c.MarketData.BatchWindow == 0 {
		c.MarketData.BatchWindow = 50 * time.Millisecond
	}
	if c.MarketData.HeartbeatInterval == 0 {
		c.MarketData.HeartbeatInterval = 30 * time.Second
	}
	if c.MarketData.SendTimeout == 0 {
		c.MarketData.SendTimeout = time.Second
	}
	if c.MarketData.DefaultDepth == 0 {
		c.MarketData.DefaultDepth = 20
	}
	if c.Bus.Exchange == "" {
		c.Bus.Exchange = "atlasx.events"
	}
	if c.Bus.ConfirmTimeout == 0 {
		c.Bus.ConfirmTimeout = 5 * time.Second
	}
	if c.Bus.ChannelPool == 0 {
		c.Bus.ChannelPool = 4
	}
	if c.Bus.ReconnectMin == 0 {
		c.Bus.ReconnectMin = time.Second
	}
	if c.Bus.ReconnectMax == 0 {
		c.Bus.ReconnectMax = 30 * time.Second
	}
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("at least one symbol is required")
	}
	seen := make(map[string]bool)
	for _, s := range c.Symbols {
		if s.Symbol == "" || s.Base == "" || s.Quote == "" {
			return fmt.Errorf("symbol entries need symbol, base and quote (got %+v)", s)
		}
		if seen[s.Symbol] {
			return fmt.Errorf("duplicate symbol %q", s.Symbol)
		}
		seen[s.Symbol] = true
	}
	if c.Risk.MaxQuantityPerOrder.IsNegative() {
		return fmt.Errorf("risk.max_quantity_per_order must not be negative")
	}
	if c.Risk.PriceBandPercent.IsNegative() {
		return fmt.Errorf("risk.price_band_percent must not be negative")
	}
	if c.Idempotency.MaxTotal < 0 || c.Idempotency.MaxPerClient < 0 {
		return fmt.Errorf("idempotency caps must not be negative")
	}
	if c.Outbox.MaxAttempts < 1 {
		return fmt.Errorf("outbox.max_attempts must be at least 1")
	}
	if c.Outbox.BaseDelay > c.Outbox.MaxDelay {
		return fmt.Errorf("outbox.base_delay must not exceed outbox.max_delay")
	}
	return nil
}
