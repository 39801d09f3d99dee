package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.LTVMax.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, 30*time.Second, cfg.MinDelay)
	assert.Equal(t, 5*time.Minute, cfg.MaxDelay)
	assert.Equal(t, 30*time.Second, cfg.RedisCacheTTL)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Empty(t, cfg.Keepers)
	assert.Equal(t, "gov", cfg.GovAccount)
	require.Contains(t, cfg.VenuePrices, "ETH-USD")
	assert.True(t, cfg.VenuePrices["ETH-USD"].Equal(decimal.NewFromInt(2000)))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LTV_MAX", "0.8")
	t.Setenv("MIN_DELAY", "1m")
	t.Setenv("MAX_DELAY", "10m")
	t.Setenv("KEEPERS", "bot-1, bot-2")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("VENUE_PRICES", "sol-usd=150")
	t.Setenv("RATE_LIMIT_RPS", "5")

	cfg, err := load("")
	require.NoError(t, err)

	assert.True(t, cfg.LTVMax.Equal(decimal.RequireFromString("0.8")))
	assert.Equal(t, time.Minute, cfg.MinDelay)
	assert.Equal(t, 10*time.Minute, cfg.MaxDelay)
	assert.Equal(t, []string{"bot-1", "bot-2"}, cfg.Keepers)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Len(t, cfg.VenuePrices, 1)
	assert.True(t, cfg.VenuePrices["SOL-USD"].Equal(decimal.NewFromInt(150)))
	assert.Equal(t, 5.0, cfg.RateLimitRPS)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "margin.yaml")
	yaml := "ltv_max: 0.25\nmin_execution_fee: \"1.5\"\ngov_account: dao\nmax_leverage: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := load(path)
	require.NoError(t, err)

	assert.True(t, cfg.LTVMax.Equal(decimal.RequireFromString("0.25")))
	assert.True(t, cfg.MinExecutionFee.Equal(decimal.RequireFromString("1.5")))
	assert.True(t, cfg.MaxLeverage.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "dao", cfg.GovAccount)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := load("")
	require.NoError(t, err)

	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{"ltv zero", func(c *Config) { c.LTVMax = decimal.Zero }},
		{"ltv above one", func(c *Config) { c.LTVMax = decimal.RequireFromString("1.01") }},
		{"negative rate", func(c *Config) { c.InterestRatePerSecond = decimal.NewFromInt(-1) }},
		{"negative fee", func(c *Config) { c.MinExecutionFee = decimal.NewFromInt(-1) }},
		{"max below min", func(c *Config) { c.MaxDelay = c.MinDelay }},
		{"negative leverage", func(c *Config) { c.MaxLeverage = decimal.NewFromInt(-2) }},
		{"spread of one", func(c *Config) { c.VenueSpread = decimal.NewFromInt(1) }},
		{"zero venue price", func(c *Config) { c.VenuePrices = map[string]decimal.Decimal{"ETH-USD": decimal.Zero} }},
		{"no gov", func(c *Config) { c.GovAccount = "" }},
		{"no port", func(c *Config) { c.Port = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mod(&c)
			assert.Error(t, c.Validate())
		})
	}

	assert.NoError(t, base.Validate())
}

func TestParsePrices(t *testing.T) {
	prices, err := ParsePrices(" eth-usd = 2000 , BTC-USD=60000,")
	require.NoError(t, err)
	assert.Len(t, prices, 2)
	assert.True(t, prices["ETH-USD"].Equal(decimal.NewFromInt(2000)))

	_, err = ParsePrices("ETH-USD")
	assert.Error(t, err)
	_, err = ParsePrices("ETH-USD=abc")
	assert.Error(t, err)
}
