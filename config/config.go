// Package config centralises runtime configuration for tradegate services.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/tradegate/errs"
	"github.com/coachpo/tradegate/internal/domain/schema"
)

// Environment identifies the runtime environment.
type Environment string

// Exchange names a supported exchange integration.
type Exchange string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

const (
	ExchangeOKX     Exchange = "okx"
	ExchangeBybit   Exchange = "bybit"
	ExchangeBinance Exchange = "binance"
)

// DefaultPath is read when Load receives an empty path and TRADEGATE_CONFIG is unset.
const DefaultPath = "config/tradegate.yaml"

var knownExchanges = []Exchange{ExchangeOKX, ExchangeBybit, ExchangeBinance}

var accountTypes = map[Exchange][]string{
	ExchangeOKX:   {"live", "aws", "demo"},
	ExchangeBybit: {"spot", "linear", "inverse", "spot_testnet", "linear_testnet", "inverse_testnet"},
	ExchangeBinance: {"spot", "margin", "isolated_margin", "usdm_future", "coinm_future", "portfolio_margin",
		"spot_testnet", "usdm_future_testnet", "coinm_future_testnet"},
}

// Credentials captures API credentials used for private streams.
type Credentials struct {
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Passphrase string `yaml:"passphrase"`
}

// RateLimit overrides the control frame budget of a venue.
type RateLimit struct {
	Count int           `yaml:"count"`
	Per   time.Duration `yaml:"per"`
	Burst int           `yaml:"burst"`
}

// ExchangeSettings configures one venue connector.
type ExchangeSettings struct {
	Enabled     bool        `yaml:"enabled"`
	AccountType string      `yaml:"account_type"`
	Credentials Credentials `yaml:"credentials"`
	RateLimit   RateLimit   `yaml:"rate_limit"`
	// BookDepth selects the venue depth channel; zero keeps the connector default.
	BookDepth            int           `yaml:"book_depth"`
	MarkPriceInterval    string        `yaml:"mark_price_interval"`
	QueueSize            int           `yaml:"queue_size"`
	SettleDelay          time.Duration `yaml:"settle_delay"`
	MinReconnectInterval time.Duration `yaml:"min_reconnect_interval"`
	MaxReconnectInterval time.Duration `yaml:"max_reconnect_interval"`
	WriteTimeout         time.Duration `yaml:"write_timeout"`
	// ListenKey feeds the Binance user data stream; it is issued over REST by an external process.
	ListenKey string          `yaml:"listen_key"`
	Markets   []schema.Market `yaml:"markets"`
}

// LoggingSettings configures the logrus backend.
type LoggingSettings struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
	MaxBackups int    `yaml:"max_backups"`
	Compress   bool   `yaml:"compress"`
}

// TelemetrySettings configures the OTLP metric exporter.
type TelemetrySettings struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlp_endpoint"`
	OTLPInsecure   bool          `yaml:"otlp_insecure"`
	MetricInterval time.Duration `yaml:"metric_interval"`
	ServiceName    string        `yaml:"service_name"`
}

// RedisSettings configures the market-data snapshot mirror. An empty address disables it.
type RedisSettings struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// PostgresSettings configures the position snapshot store. An empty DSN disables it.
type PostgresSettings struct {
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrations_dir"`
	// AutoMigrate applies the embedded migrations before the store is used.
	AutoMigrate bool `yaml:"auto_migrate"`
}

// APIServerSettings configures the read-only status API. An empty address disables it.
type APIServerSettings struct {
	Addr string `yaml:"addr"`
}

// Settings is the tradegate configuration tree.
type Settings struct {
	Environment Environment                   `yaml:"environment"`
	StrategyID  string                        `yaml:"strategy_id"`
	Logging     LoggingSettings               `yaml:"logging"`
	Telemetry   TelemetrySettings             `yaml:"telemetry"`
	Exchanges   map[Exchange]ExchangeSettings `yaml:"exchanges"`
	Streams     []StreamSettings              `yaml:"streams"`
	Redis       RedisSettings                 `yaml:"redis"`
	Postgres    PostgresSettings              `yaml:"postgres"`
	APIServer   APIServerSettings             `yaml:"api_server"`
	// ShutdownTimeout bounds graceful shutdown of connectors and stores.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		StrategyID:  "default",
		Logging: LoggingSettings{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxAgeDays: 7,
			MaxBackups: 5,
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint:   "http://localhost:4318",
			MetricInterval: 30 * time.Second,
			ServiceName:    "tradegate",
		},
		Exchanges: make(map[Exchange]ExchangeSettings),
		Redis:     RedisSettings{TTL: time.Minute},
		Postgres:  PostgresSettings{MigrationsDir: "db/migrations"},

		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads the YAML file at path over the defaults, then applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (Settings, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("TRADEGATE_CONFIG"))
	}
	if path == "" {
		path = DefaultPath
	}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return Settings{}, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := cfg.merge(raw); err != nil {
			return Settings{}, fmt.Errorf("config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults without consulting the environment.
func Parse(raw []byte) (Settings, error) {
	cfg := Default()
	if err := cfg.merge(raw); err != nil {
		return Settings{}, err
	}
	return cfg, cfg.Validate()
}

func (s *Settings) merge(raw []byte) error {
	var overlay Settings
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("unmarshal yaml: %w", err)
	}
	if overlay.Environment != "" {
		s.Environment = Environment(strings.ToLower(string(overlay.Environment)))
	}
	if v := strings.TrimSpace(overlay.StrategyID); v != "" {
		s.StrategyID = v
	}
	s.Logging = mergeLogging(s.Logging, overlay.Logging)
	s.Telemetry = mergeTelemetry(s.Telemetry, overlay.Telemetry)
	for name, ex := range overlay.Exchanges {
		s.Exchanges[Exchange(normalizeExchangeName(string(name)))] = ex
	}
	if len(overlay.Streams) > 0 {
		s.Streams = overlay.Streams
		for i := range s.Streams {
			s.Streams[i].normalize()
		}
	}
	if overlay.Redis.Addr != "" {
		ttl := s.Redis.TTL
		s.Redis = overlay.Redis
		if s.Redis.TTL <= 0 {
			s.Redis.TTL = ttl
		}
	}
	if overlay.Postgres.DSN != "" {
		s.Postgres.DSN = overlay.Postgres.DSN
	}
	s.Postgres.AutoMigrate = overlay.Postgres.AutoMigrate
	if overlay.Postgres.MigrationsDir != "" {
		s.Postgres.MigrationsDir = overlay.Postgres.MigrationsDir
	}
	if overlay.APIServer.Addr != "" {
		s.APIServer.Addr = overlay.APIServer.Addr
	}
	if overlay.ShutdownTimeout > 0 {
		s.ShutdownTimeout = overlay.ShutdownTimeout
	}
	return nil
}

func mergeLogging(base, overlay LoggingSettings) LoggingSettings {
	if overlay.Level != "" {
		base.Level = overlay.Level
	}
	if overlay.Format != "" {
		base.Format = overlay.Format
	}
	if overlay.File != "" {
		base.File = overlay.File
	}
	if overlay.MaxSizeMB > 0 {
		base.MaxSizeMB = overlay.MaxSizeMB
	}
	if overlay.MaxAgeDays > 0 {
		base.MaxAgeDays = overlay.MaxAgeDays
	}
	if overlay.MaxBackups > 0 {
		base.MaxBackups = overlay.MaxBackups
	}
	base.Compress = base.Compress || overlay.Compress
	return base
}

func mergeTelemetry(base, overlay TelemetrySettings) TelemetrySettings {
	base.Enabled = overlay.Enabled
	base.OTLPInsecure = overlay.OTLPInsecure
	if overlay.OTLPEndpoint != "" {
		base.OTLPEndpoint = overlay.OTLPEndpoint
	}
	if overlay.MetricInterval > 0 {
		base.MetricInterval = overlay.MetricInterval
	}
	if overlay.ServiceName != "" {
		base.ServiceName = overlay.ServiceName
	}
	return base
}

// FromEnv returns the defaults with environment overrides applied. A .env file in the working
// directory is loaded first; variables already set in the process win.
func FromEnv() Settings {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadDotEnv loads the given .env files, or ./.env when none are named. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("load env files: %w", err)
	}
	return nil
}

func (s *Settings) applyEnv() {
	_ = LoadDotEnv()

	if v := env("TRADEGATE_ENV"); v != "" {
		s.Environment = Environment(strings.ToLower(v))
	}
	if v := env("TRADEGATE_STRATEGY_ID"); v != "" {
		s.StrategyID = v
	}
	if v := env("TRADEGATE_LOG_LEVEL"); v != "" {
		s.Logging.Level = v
	}
	if v := env("TRADEGATE_LOG_FORMAT"); v != "" {
		s.Logging.Format = v
	}
	if v := env("TRADEGATE_LOG_FILE"); v != "" {
		s.Logging.File = v
	}
	if v := env("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		s.Telemetry.OTLPEndpoint = v
		s.Telemetry.Enabled = true
	}
	if v := env("REDIS_ADDR"); v != "" {
		s.Redis.Addr = v
	}
	if v := env("REDIS_PASSWORD"); v != "" {
		s.Redis.Password = v
	}
	if v := env("DATABASE_URL"); v != "" {
		s.Postgres.DSN = v
	}
	if v := env("TRADEGATE_API_ADDR"); v != "" {
		s.APIServer.Addr = v
	}

	for _, name := range knownExchanges {
		prefix := strings.ToUpper(string(name)) + "_"
		key, secret, pass := env(prefix+"API_KEY"), env(prefix+"API_SECRET"), env(prefix+"API_PASSPHRASE")
		account, listenKey := env(prefix+"ACCOUNT_TYPE"), env(prefix+"LISTEN_KEY")
		if key == "" && secret == "" && pass == "" && account == "" && listenKey == "" {
			continue
		}
		ex := s.Exchanges[name]
		if key != "" {
			ex.Credentials.APIKey = key
		}
		if secret != "" {
			ex.Credentials.APISecret = secret
		}
		if pass != "" {
			ex.Credentials.Passphrase = pass
		}
		if account != "" {
			ex.AccountType = strings.ToLower(account)
		}
		if listenKey != "" {
			ex.ListenKey = listenKey
		}
		s.Exchanges[name] = ex
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Exchange returns the settings of name if configured.
func (s Settings) Exchange(name Exchange) (ExchangeSettings, bool) {
	cfg, ok := s.Exchanges[Exchange(normalizeExchangeName(string(name)))]
	if !ok {
		return ExchangeSettings{}, false
	}
	cfg.Markets = slices.Clone(cfg.Markets)
	return cfg, true
}

// EnabledExchanges lists the enabled exchanges in a stable order.
func (s Settings) EnabledExchanges() []Exchange {
	var out []Exchange
	for _, name := range knownExchanges {
		if ex, ok := s.Exchanges[name]; ok && ex.Enabled {
			out = append(out, name)
		}
	}
	return out
}

// Validate reports configuration mistakes as errs.CodeInvalid errors.
func (s Settings) Validate() error {
	invalid := func(format string, args ...any) error {
		return errs.New("", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf(format, args...)))
	}
	switch s.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return invalid("unknown environment %q", s.Environment)
	}
	if strings.TrimSpace(s.StrategyID) == "" {
		return invalid("strategy_id required")
	}
	for name, ex := range s.Exchanges {
		allowed, ok := accountTypes[name]
		if !ok {
			return invalid("unsupported exchange %q", name)
		}
		if ex.AccountType != "" && !slices.Contains(allowed, ex.AccountType) {
			return invalid("%s: unsupported account type %q", name, ex.AccountType)
		}
		if ex.QueueSize < 0 || ex.BookDepth < 0 {
			return invalid("%s: queue_size and book_depth must not be negative", name)
		}
		if ex.MinReconnectInterval > 0 && ex.MaxReconnectInterval > 0 && ex.MaxReconnectInterval < ex.MinReconnectInterval {
			return invalid("%s: max_reconnect_interval below min_reconnect_interval", name)
		}
		if ex.RateLimit.Count < 0 || (ex.RateLimit.Count > 0 && ex.RateLimit.Per <= 0) {
			return invalid("%s: rate_limit needs a positive count and period", name)
		}
		for _, m := range ex.Markets {
			if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.Symbol) == "" {
				return invalid("%s: market entries need id and symbol", name)
			}
		}
	}
	for i, st := range s.Streams {
		if err := st.validate(); err != nil {
			return invalid("streams[%d]: %v", i, err)
		}
		if ex, ok := s.Exchanges[st.Exchange]; !ok || !ex.Enabled {
			return invalid("streams[%d]: exchange %q is not enabled", i, st.Exchange)
		}
	}
	if s.Redis.Addr != "" && s.Redis.TTL <= 0 {
		return invalid("redis ttl must be positive")
	}
	return nil
}

func normalizeExchangeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
