// Package config loads the margin engine's settings from defaults, an
// optional YAML file and the environment, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds every runtime setting.
type Config struct {
	Port string `mapstructure:"port"`

	// Storage: Postgres when DatabaseURL is set (optionally behind Redis),
	// else SQLite when SQLitePath is set, else in memory.
	DatabaseURL   string        `mapstructure:"database_url"`
	RedisURL      string        `mapstructure:"redis_url"`
	RedisCacheTTL time.Duration `mapstructure:"redis_cache_ttl"`
	SQLitePath    string        `mapstructure:"sqlite_path"`

	// Events go to Kafka when brokers are set.
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`

	// Risk parameters.
	LTVMax                decimal.Decimal `mapstructure:"ltv_max"`
	InterestRatePerSecond decimal.Decimal `mapstructure:"interest_rate_per_second"`
	MinExecutionFee       decimal.Decimal `mapstructure:"min_execution_fee"`
	MinDelay              time.Duration   `mapstructure:"min_delay"`
	MaxDelay              time.Duration   `mapstructure:"max_delay"`

	// Exposure limits; zero disables a limit.
	MaxLeverage        decimal.Decimal `mapstructure:"max_leverage"`
	MaxPositionSize    decimal.Decimal `mapstructure:"max_position_size"`
	MaxAccountExposure decimal.Decimal `mapstructure:"max_account_exposure"`

	// Roles.
	GovAccount string   `mapstructure:"gov_account"`
	Keepers    []string `mapstructure:"keepers"`

	// Simulated venue marks, e.g. "ETH-USD=2000,BTC-USD=60000".
	VenuePrices map[string]decimal.Decimal `mapstructure:"venue_prices"`
	VenueSpread decimal.Decimal            `mapstructure:"venue_spread"`

	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads .env (if present), defaults, the YAML file named by
// CONFIG_FILE (if set) and environment variables.
func Load() (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()
	return load(os.Getenv("CONFIG_FILE"))
}

func load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	v.AutomaticEnv()

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook,
		priceMapHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.KafkaBrokers = trimAll(cfg.KafkaBrokers)
	cfg.Keepers = trimAll(cfg.Keepers)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_cache_ttl", "30s")
	v.SetDefault("sqlite_path", "")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("kafka_topic", "margin-events")

	v.SetDefault("ltv_max", "0.5")
	// 0.001% per hour.
	v.SetDefault("interest_rate_per_second", "0.0000000027777")
	v.SetDefault("min_execution_fee", "0")
	v.SetDefault("min_delay", "30s")
	v.SetDefault("max_delay", "5m")

	v.SetDefault("max_leverage", "0")
	v.SetDefault("max_position_size", "0")
	v.SetDefault("max_account_exposure", "0")

	v.SetDefault("gov_account", "gov")
	v.SetDefault("keepers", "")

	v.SetDefault("venue_prices", "ETH-USD=2000,BTC-USD=60000")
	v.SetDefault("venue_spread", "0.001")

	v.SetDefault("rate_limit_rps", 20)
	v.SetDefault("rate_limit_burst", 50)

	v.SetDefault("log_level", "info")
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if !c.LTVMax.IsPositive() || c.LTVMax.GreaterThan(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("ltv_max must be in (0, 1], got %s", c.LTVMax))
	}
	if c.InterestRatePerSecond.IsNegative() {
		errs = append(errs, fmt.Errorf("interest_rate_per_second is negative: %s", c.InterestRatePerSecond))
	}
	if c.MinExecutionFee.IsNegative() {
		errs = append(errs, fmt.Errorf("min_execution_fee is negative: %s", c.MinExecutionFee))
	}
	if c.MinDelay < 0 {
		errs = append(errs, fmt.Errorf("min_delay is negative: %s", c.MinDelay))
	}
	if c.MaxDelay <= c.MinDelay {
		errs = append(errs, fmt.Errorf("max_delay %s must exceed min_delay %s", c.MaxDelay, c.MinDelay))
	}
	for name, d := range map[string]decimal.Decimal{
		"max_leverage":         c.MaxLeverage,
		"max_position_size":    c.MaxPositionSize,
		"max_account_exposure": c.MaxAccountExposure,
	} {
		if d.IsNegative() {
			errs = append(errs, fmt.Errorf("%s is negative: %s", name, d))
		}
	}
	if c.VenueSpread.IsNegative() || c.VenueSpread.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, fmt.Errorf("venue_spread must be in [0, 1), got %s", c.VenueSpread))
	}
	for inst, p := range c.VenuePrices {
		if !p.IsPositive() {
			errs = append(errs, fmt.Errorf("venue price for %s must be positive, got %s", inst, p))
		}
	}
	if c.GovAccount == "" {
		errs = append(errs, errors.New("gov_account is required"))
	}
	if c.KafkaTopic == "" && len(c.KafkaBrokers) > 0 {
		errs = append(errs, errors.New("kafka_topic is required with kafka_brokers"))
	}
	return errors.Join(errs...)
}

var (
	decimalType  = reflect.TypeOf(decimal.Decimal{})
	priceMapType = reflect.TypeOf(map[string]decimal.Decimal{})
)

// decimalHook decodes strings and numbers into decimal.Decimal.
func decimalHook(from, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, nil
		}
		return decimal.NewFromString(strings.TrimSpace(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	}
	return data, nil
}

// priceMapHook decodes "INST=PRICE,INST=PRICE" into a price map. Maps from
// a config file pass through to decimalHook per value.
func priceMapHook(from, to reflect.Type, data any) (any, error) {
	if to != priceMapType || from.Kind() != reflect.String {
		return data, nil
	}
	return ParsePrices(data.(string))
}

// ParsePrices parses "ETH-USD=2000,BTC-USD=60000".
func ParsePrices(s string) (map[string]decimal.Decimal, error) {
	out := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		inst, price, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("venue price %q: want INSTRUMENT=PRICE", pair)
		}
		p, err := decimal.NewFromString(strings.TrimSpace(price))
		if err != nil {
			return nil, fmt.Errorf("venue price %q: %w", pair, err)
		}
		out[strings.ToUpper(strings.TrimSpace(inst))] = p
	}
	return out, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
