package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"cap-rebalancer/internal/domain"
	"cap-rebalancer/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Universe   UniverseConfig   `mapstructure:"universe"`
	History    HistoryConfig    `mapstructure:"history"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
	// Timezone drives the cron trigger.
	Timezone string `mapstructure:"timezone"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. An empty DSN runs without persistence.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema"`
}

// SchedulerConfig governs the cron trigger.
type SchedulerConfig struct {
	Spec            string `mapstructure:"spec"`
	Enabled         bool   `mapstructure:"enabled"`
	AdvisoryLockKey int64  `mapstructure:"advisory_lock_key"`
}

// BrokerConfig covers brokerage API access.
type BrokerConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	AppKey             string        `mapstructure:"app_key"`
	AppSecret          string        `mapstructure:"app_secret"`
	AccountNumber      string        `mapstructure:"account_number"`
	AccountProductCode string        `mapstructure:"account_product_code"`
	OrderExchange      string        `mapstructure:"order_exchange"`
	QuoteExchange      string        `mapstructure:"quote_exchange"`
	IndexMarketCode    string        `mapstructure:"index_market_code"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	CallInterval       time.Duration `mapstructure:"call_interval"`
	UserAgent          string        `mapstructure:"user_agent"`
	// ExchangeTimezone decides which session date is "today" for history and panic rules.
	ExchangeTimezone string `mapstructure:"exchange_timezone"`
}

// UniverseConfig bounds the market-cap screen.
type UniverseConfig struct {
	SeedMarketCap    float64 `mapstructure:"seed_market_cap"`
	MaxCapMultiplier float64 `mapstructure:"max_cap_multiplier"`
}

// HistoryConfig controls price history collection.
type HistoryConfig struct {
	StartDate string `mapstructure:"start_date"`
	// IndexTicker is the panic reference index.
	IndexTicker string `mapstructure:"index_ticker"`
	// IndexTickers are the indices synced and summarised, as TICKER or TICKER:MARKETCODE.
	IndexTickers []string `mapstructure:"index_tickers"`
	FetchWorkers int      `mapstructure:"fetch_workers"`
	Tickers      []string `mapstructure:"tickers"`
}

// IndexSpec is one configured index and the chart market code it is quoted under.
type IndexSpec struct {
	Ticker     string
	MarketCode string
}

// SettlementConfig is the sell-settlement polling policy.
type SettlementConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
}

// AlertingConfig defines run summary routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 通知参数。
type TelegramConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	BotToken string        `mapstructure:"bot_token"`
	ChatID   string        `mapstructure:"chat_id"`
	APIBase  string        `mapstructure:"api_base"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// HTTPConfig controls the control API.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	// .env is optional and never overrides variables already set in the environment.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("REBALANCER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "cap-rebalancer")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.timezone", "Asia/Seoul")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("scheduler.spec", "0 55 4 * * MON-FRI")
	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63617062))

	v.SetDefault("broker.base_url", "https://openapi.koreainvestment.com:9443")
	v.SetDefault("broker.app_key", "")
	v.SetDefault("broker.app_secret", "")
	v.SetDefault("broker.account_number", "")
	v.SetDefault("broker.account_product_code", "01")
	v.SetDefault("broker.order_exchange", "NASD")
	v.SetDefault("broker.quote_exchange", "NAS")
	v.SetDefault("broker.index_market_code", "N")
	v.SetDefault("broker.request_timeout", "10s")
	v.SetDefault("broker.call_interval", "100ms")
	v.SetDefault("broker.user_agent", "")
	v.SetDefault("broker.exchange_timezone", "America/New_York")

	v.SetDefault("universe.seed_market_cap", 2_700_000_000.0)
	v.SetDefault("universe.max_cap_multiplier", 10.0)

	v.SetDefault("history.start_date", "20080102")
	v.SetDefault("history.index_ticker", "COMP")
	v.SetDefault("history.index_tickers", []string{".DJI", "COMP", "SPX", "FX@KRW:X"})
	v.SetDefault("history.fetch_workers", 4)
	v.SetDefault("history.tickers", []string{})

	v.SetDefault("settlement.attempts", 10)
	v.SetDefault("settlement.interval", "3s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.timeout", "10s")

	v.SetDefault("http.enabled", true)
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if strings.TrimSpace(c.Scheduler.Spec) == "" {
		return fmt.Errorf("scheduler.spec is required")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := c.ExchangeLocation(); err != nil {
		return err
	}
	if _, err := c.HistoryStart(); err != nil {
		return err
	}
	if c.Universe.SeedMarketCap <= 0 {
		return fmt.Errorf("universe.seed_market_cap must be greater than zero")
	}
	if c.Universe.MaxCapMultiplier < 1 {
		return fmt.Errorf("universe.max_cap_multiplier must be at least 1")
	}
	if c.Settlement.Attempts <= 0 {
		return fmt.Errorf("settlement.attempts must be greater than zero")
	}
	if c.Settlement.Interval <= 0 {
		return fmt.Errorf("settlement.interval must be greater than zero")
	}
	if c.History.FetchWorkers <= 0 {
		return fmt.Errorf("history.fetch_workers must be greater than zero")
	}
	if strings.TrimSpace(c.History.IndexTicker) == "" {
		return fmt.Errorf("history.index_ticker is required")
	}
	if _, err := c.Indices(); err != nil {
		return err
	}
	if c.Broker.CallInterval < 0 {
		return fmt.Errorf("broker.call_interval cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ValidateTrading checks the settings only needed when talking to the brokerage.
func (c *Config) ValidateTrading() error {
	if c.Broker.AppKey == "" || c.Broker.AppSecret == "" {
		return fmt.Errorf("broker.app_key and broker.app_secret are required")
	}
	if c.Broker.AccountNumber == "" {
		return fmt.Errorf("broker.account_number is required")
	}
	return nil
}

// Location resolves app.timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := c.App.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("app.timezone %q: %w", tz, err)
	}
	return loc, nil
}

// ExchangeLocation resolves broker.exchange_timezone.
func (c *Config) ExchangeLocation() (*time.Location, error) {
	tz := c.Broker.ExchangeTimezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("broker.exchange_timezone %q: %w", tz, err)
	}
	return loc, nil
}

// Indices parses history.index_tickers. The panic reference index is always included.
func (c *Config) Indices() ([]IndexSpec, error) {
	panicTicker := strings.ToUpper(strings.TrimSpace(c.History.IndexTicker))
	seen := make(map[string]struct{}, len(c.History.IndexTickers)+1)
	out := make([]IndexSpec, 0, len(c.History.IndexTickers)+1)
	for _, raw := range c.History.IndexTickers {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		spec := IndexSpec{Ticker: entry}
		if i := strings.LastIndex(entry, ":"); i >= 0 {
			spec.Ticker = strings.TrimSpace(entry[:i])
			spec.MarketCode = strings.ToUpper(strings.TrimSpace(entry[i+1:]))
			if spec.Ticker == "" || spec.MarketCode == "" {
				return nil, fmt.Errorf("history.index_tickers entry %q: want TICKER or TICKER:MARKETCODE", raw)
			}
		}
		spec.Ticker = strings.ToUpper(spec.Ticker)
		if _, dup := seen[spec.Ticker]; dup {
			continue
		}
		seen[spec.Ticker] = struct{}{}
		out = append(out, spec)
	}
	if _, ok := seen[panicTicker]; !ok && panicTicker != "" {
		out = append(out, IndexSpec{Ticker: panicTicker})
	}
	return out, nil
}

// HistoryStart parses history.start_date (yyyyMMdd).
func (c *Config) HistoryStart() (time.Time, error) {
	start, err := domain.ParseDate(strings.TrimSpace(c.History.StartDate))
	if err != nil {
		return time.Time{}, fmt.Errorf("history.start_date %q: %w", c.History.StartDate, err)
	}
	return start, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
