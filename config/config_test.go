package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
)

const sample = `
environment: STAGING
strategy_id: grid-1
logging:
  level: debug
  format: text
telemetry:
  enabled: true
  otlp_endpoint: collector:4318
  metric_interval: 5s
exchanges:
  OKX:
    enabled: true
    account_type: demo
    credentials:
      api_key: k
      api_secret: s
      passphrase: p
    settle_delay: 200ms
    max_reconnect_interval: 30s
    markets:
      - {id: BTC-USDT-SWAP, symbol: "BTC/USDT:USDT", kind: linear}
  binance:
    enabled: true
    account_type: usdm_future
    rate_limit: {count: 5, per: 1s}
streams:
  - {exchange: okx, channel: BookL1, symbols: [" BTC/USDT:USDT "]}
  - {exchange: okx, channel: orders}
  - {exchange: binance, channel: kline, symbols: [BTC/USDT], interval: 1m}
redis:
  addr: localhost:6379
postgres:
  dsn: postgres://localhost/tradegate
  auto_migrate: true
api_server:
  addr: ":8880"
`

func TestParseLayersOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	require.NoError(t, err)

	assert.Equal(t, EnvStaging, cfg.Environment)
	assert.Equal(t, "grid-1", cfg.StrategyID)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 100, cfg.Logging.MaxSizeMB)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Telemetry.MetricInterval)
	assert.Equal(t, "tradegate", cfg.Telemetry.ServiceName)
	assert.Equal(t, time.Minute, cfg.Redis.TTL)
	assert.True(t, cfg.Postgres.AutoMigrate)
	assert.Equal(t, "db/migrations", cfg.Postgres.MigrationsDir)
	assert.Equal(t, ":8880", cfg.APIServer.Addr)

	okx, ok := cfg.Exchange("OKX")
	require.True(t, ok)
	assert.Equal(t, "demo", okx.AccountType)
	assert.Equal(t, "p", okx.Credentials.Passphrase)
	assert.Equal(t, 200*time.Millisecond, okx.SettleDelay)
	require.Len(t, okx.Markets, 1)
	assert.Equal(t, schema.MarketLinear, okx.Markets[0].Kind)

	assert.Equal(t, []Exchange{ExchangeOKX, ExchangeBinance}, cfg.EnabledExchanges())

	require.Len(t, cfg.Streams, 3)
	assert.Equal(t, ChannelBookL1, cfg.Streams[0].Channel)
	assert.Equal(t, []string{"BTC/USDT:USDT"}, cfg.Streams[0].Symbols)
	assert.True(t, cfg.Streams[1].Private())
	assert.False(t, cfg.Streams[2].Private())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"environment":   "environment: qa",
		"exchange":      "exchanges: {kraken: {enabled: true}}",
		"account type":  "exchanges: {okx: {account_type: spot}}",
		"reconnect":     "exchanges: {bybit: {min_reconnect_interval: 5s, max_reconnect_interval: 1s}}",
		"rate limit":    "exchanges: {bybit: {rate_limit: {count: 3}}}",
		"market":        "exchanges: {bybit: {markets: [{id: BTCUSDT}]}}",
		"channel":       "exchanges: {okx: {enabled: true}}\nstreams: [{exchange: okx, channel: depth, symbols: [x]}]",
		"symbols":       "exchanges: {okx: {enabled: true}}\nstreams: [{exchange: okx, channel: trade}]",
		"interval":      "exchanges: {okx: {enabled: true}}\nstreams: [{exchange: okx, channel: kline, symbols: [x]}]",
		"disabled":      "exchanges: {okx: {enabled: false}}\nstreams: [{exchange: okx, channel: orders}]",
		"unconfigured":  "streams: [{exchange: bybit, channel: orders}]",
		"missing venue": "streams: [{channel: orders}]",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.CodeInvalid), err)
		})
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("exchanges: ["))
	require.Error(t, err)
}

func TestLoadAppliesEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tradegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("exchanges: {bybit: {enabled: true}}\n"), 0o600))

	t.Setenv("TRADEGATE_ENV", "DEV")
	t.Setenv("TRADEGATE_STRATEGY_ID", "env-strategy")
	t.Setenv("BYBIT_API_KEY", "key")
	t.Setenv("BYBIT_API_SECRET", "secret")
	t.Setenv("BYBIT_ACCOUNT_TYPE", "LINEAR_TESTNET")
	t.Setenv("DATABASE_URL", "postgres://db/tradegate")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, EnvDev, cfg.Environment)
	assert.Equal(t, "env-strategy", cfg.StrategyID)
	assert.Equal(t, "postgres://db/tradegate", cfg.Postgres.DSN)

	bybit, ok := cfg.Exchange(ExchangeBybit)
	require.True(t, ok)
	assert.True(t, bybit.Enabled)
	assert.Equal(t, "linear_testnet", bybit.AccountType)
	assert.Equal(t, "key", bybit.Credentials.APIKey)
	assert.Equal(t, "secret", bybit.Credentials.APISecret)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("TRADEGATE_CONFIG", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, EnvProd, cfg.Environment)
	assert.Empty(t, cfg.EnabledExchanges())
}

func TestLoadDotEnvKeepsProcessValues(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(file, []byte("TRADEGATE_TEST_A=from-file\nTRADEGATE_TEST_B=from-file\n"), 0o600))
	t.Setenv("TRADEGATE_TEST_A", "from-process")
	t.Setenv("TRADEGATE_TEST_B", "")
	require.NoError(t, os.Unsetenv("TRADEGATE_TEST_B"))

	require.NoError(t, LoadDotEnv(file, filepath.Join(dir, "missing.env")))
	assert.Equal(t, "from-process", os.Getenv("TRADEGATE_TEST_A"))
	assert.Equal(t, "from-file", os.Getenv("TRADEGATE_TEST_B"))
}

func TestExchangeReturnsCopy(t *testing.T) {
	cfg := Default()
	cfg.Exchanges[ExchangeOKX] = ExchangeSettings{Markets: []schema.Market{{ID: "BTC-USDT", Symbol: "BTC/USDT", Kind: schema.MarketSpot}}}
	okx, ok := cfg.Exchange(ExchangeOKX)
	require.True(t, ok)
	okx.Markets[0].Symbol = "mutated"
	again, _ := cfg.Exchange(ExchangeOKX)
	assert.Equal(t, "BTC/USDT", again.Markets[0].Symbol)

	_, ok = cfg.Exchange(ExchangeBinance)
	assert.False(t, ok)
}

func TestBundledConfigIsValid(t *testing.T) {
	cfg, err := Load("tradegate.yaml")
	require.NoError(t, err)
	assert.Equal(t, EnvDev, cfg.Environment)
	assert.ElementsMatch(t, []Exchange{ExchangeOKX, ExchangeBybit, ExchangeBinance}, cfg.EnabledExchanges())
	require.Len(t, cfg.Streams, 5)
	binance, ok := cfg.Exchange(ExchangeBinance)
	require.True(t, ok)
	assert.Equal(t, schema.MarketLinear, binance.Markets[0].Kind)
}
