package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration. It is built once at startup,
// validated, and treated as immutable afterwards.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Trading      TradingConfig      `mapstructure:"trading"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Feeds        FeedsConfig        `mapstructure:"feeds"`
	Oracle       OracleConfig       `mapstructure:"oracle"`
	Venue        VenueConfig        `mapstructure:"venue"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Safety       SafetyConfig       `mapstructure:"safety"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
	Alerts       AlertsConfig       `mapstructure:"alerts"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// TradingConfig contains mode and capital settings
type TradingConfig struct {
	Mode            string  `mapstructure:"mode"`         // "PAPER" or "LIVE"
	ConfirmLive     bool    `mapstructure:"confirm_live"` // must be true for LIVE
	StartingCapital float64 `mapstructure:"starting_capital"`
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	URL                string `mapstructure:"url"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMin int    `mapstructure:"max_conn_lifetime_min"`
	MaxConnIdleTimeMin int    `mapstructure:"max_conn_idle_time_min"`
	HealthCheckSec     int    `mapstructure:"health_check_sec"`
	QueryTimeoutMS     int    `mapstructure:"query_timeout_ms"`
	TickSampleSec      int    `mapstructure:"tick_sample_sec"` // sampled tick persistence cadence
}

// FeedsConfig contains price-feed subscriber settings
type FeedsConfig struct {
	ExchangeSymbols  map[string]string `mapstructure:"exchange_symbols"` // engine symbol -> exchange stream symbol
	BackoffInitialMS int               `mapstructure:"backoff_initial_ms"`
	BackoffMaxMS     int               `mapstructure:"backoff_max_ms"`
	BufferSize       int               `mapstructure:"buffer_size"`
	StaleAfterMS     int               `mapstructure:"stale_after_ms"`
	SSEURL           string            `mapstructure:"sse_url"`
}

// OracleConfig contains on-chain oracle settings
type OracleConfig struct {
	RPCURL      string `mapstructure:"rpc_url"`
	FeedAddress string `mapstructure:"feed_address"` // Chainlink aggregator proxy
	PollMS      int    `mapstructure:"poll_ms"`
	Decimals    int    `mapstructure:"decimals"`
}

// VenueConfig contains prediction-market venue settings and credentials
type VenueConfig struct {
	ClobBaseURL   string  `mapstructure:"clob_base_url"`
	GammaBaseURL  string  `mapstructure:"gamma_base_url"`
	WSBaseURL     string  `mapstructure:"ws_base_url"`
	ChainID       int64   `mapstructure:"chain_id"`
	APIKey        string  `mapstructure:"api_key"`
	APISecret     string  `mapstructure:"api_secret"`
	Passphrase    string  `mapstructure:"passphrase"`
	PrivateKey    string  `mapstructure:"private_key"`
	FunderAddress string  `mapstructure:"funder_address"`
	SignatureType int     `mapstructure:"signature_type"` // 0 EOA, 1 proxy, 2 gnosis safe
	MinOrderSize  float64 `mapstructure:"min_order_size"`
	FeeRateBps    int     `mapstructure:"fee_rate_bps"`
}

// OrchestratorConfig contains window-clock and evaluation settings
type OrchestratorConfig struct {
	TickIntervalMS      int `mapstructure:"tick_interval_ms"`
	MinTimeRemainingMS  int `mapstructure:"min_time_remaining_ms"` // near-expiry threshold
	InflightTimeoutMS   int `mapstructure:"inflight_timeout_ms"`
	SettlementGraceMS   int `mapstructure:"settlement_grace_ms"`
	ModuleInitTimeoutMS int `mapstructure:"module_init_timeout_ms"`
	EvalWorkers         int `mapstructure:"eval_workers"`
}

// SafetyConfig contains auto-stop and kill-switch settings
type SafetyConfig struct {
	MaxDailyLoss          float64 `mapstructure:"max_daily_loss"`   // dollars
	MaxDrawdownPct        float64 `mapstructure:"max_drawdown_pct"` // fraction of high-water mark
	RefreshIntervalMS     int     `mapstructure:"refresh_interval_ms"`
	StateFile             string  `mapstructure:"state_file"`
	StateUpdateIntervalMS int     `mapstructure:"state_update_interval_ms"`
	GracefulTimeoutMS     int     `mapstructure:"graceful_timeout_ms"`
	ForcefulCeilingMS     int     `mapstructure:"forceful_ceiling_ms"`
	PidFile               string  `mapstructure:"pid_file"`
}

// MonitoringConfig contains metrics server settings
type MonitoringConfig struct {
	MetricsPort   int  `mapstructure:"metrics_port"`
	EnableMetrics bool `mapstructure:"enable_metrics"`
}

// AlertsConfig contains Telegram alerting settings
type AlertsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	TelegramToken string `mapstructure:"telegram_token"`
	TelegramChat  int64  `mapstructure:"telegram_chat"`
}

// Load loads configuration from an optional file plus environment
// variables, applies defaults, and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("strikebot")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	bindEnv(v)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file; defaults and environment only.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Trading.Mode = strings.ToUpper(cfg.Trading.Mode)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindEnv maps the documented environment variables onto config keys.
// These names are the external contract; the nested keys are not.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("trading.mode", "TRADING_MODE")
	_ = v.BindEnv("trading.confirm_live", "CONFIRM_LIVE_TRADING")
	_ = v.BindEnv("trading.starting_capital", "STARTING_CAPITAL")
	_ = v.BindEnv("database.url", "DATABASE_URL")
	_ = v.BindEnv("venue.api_key", "POLYMARKET_API_KEY")
	_ = v.BindEnv("venue.api_secret", "POLYMARKET_API_SECRET")
	_ = v.BindEnv("venue.passphrase", "POLYMARKET_PASSPHRASE")
	_ = v.BindEnv("venue.private_key", "POLYMARKET_PRIVATE_KEY")
	_ = v.BindEnv("venue.funder_address", "POLYMARKET_FUNDER_ADDRESS")
	_ = v.BindEnv("app.log_level", "LOG_LEVEL")
	_ = v.BindEnv("oracle.rpc_url", "ORACLE_RPC_URL")
	_ = v.BindEnv("alerts.telegram_token", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("alerts.telegram_chat", "TELEGRAM_CHAT_ID")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "strikebot")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Trading defaults
	v.SetDefault("trading.mode", "PAPER")
	v.SetDefault("trading.confirm_live", false)
	v.SetDefault("trading.starting_capital", 1000.0)

	// Database defaults
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime_min", 30)
	v.SetDefault("database.max_conn_idle_time_min", 5)
	v.SetDefault("database.health_check_sec", 30)
	v.SetDefault("database.query_timeout_ms", 5000)
	v.SetDefault("database.tick_sample_sec", 10)

	// Feed defaults
	v.SetDefault("feeds.exchange_symbols", map[string]string{
		"btc": "BTCUSDT",
		"eth": "ETHUSDT",
	})
	v.SetDefault("feeds.backoff_initial_ms", 500)
	v.SetDefault("feeds.backoff_max_ms", 5000)
	v.SetDefault("feeds.buffer_size", 1024)
	v.SetDefault("feeds.stale_after_ms", 10000)
	v.SetDefault("feeds.sse_url", "")

	// Oracle defaults (Chainlink BTC/USD on Polygon)
	v.SetDefault("oracle.rpc_url", "https://polygon-rpc.com")
	v.SetDefault("oracle.feed_address", "0xc907E116054Ad103354f2D350FD2514433D57F6f")
	v.SetDefault("oracle.poll_ms", 1000)
	v.SetDefault("oracle.decimals", 8)

	// Venue defaults
	v.SetDefault("venue.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("venue.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("venue.ws_base_url", "wss://ws-subscriptions-clob.polymarket.com/ws")
	v.SetDefault("venue.chain_id", 137)
	v.SetDefault("venue.signature_type", 0)
	v.SetDefault("venue.min_order_size", 5.0)
	v.SetDefault("venue.fee_rate_bps", 0)

	// Orchestrator defaults
	v.SetDefault("orchestrator.tick_interval_ms", 1000)
	v.SetDefault("orchestrator.min_time_remaining_ms", 60000)
	v.SetDefault("orchestrator.inflight_timeout_ms", 10000)
	v.SetDefault("orchestrator.settlement_grace_ms", 30000)
	v.SetDefault("orchestrator.module_init_timeout_ms", 15000)
	v.SetDefault("orchestrator.eval_workers", 4)

	// Safety defaults
	v.SetDefault("safety.max_daily_loss", 100.0)
	v.SetDefault("safety.max_drawdown_pct", 0.20)
	v.SetDefault("safety.refresh_interval_ms", 5000)
	v.SetDefault("safety.state_file", "state/last_known_state.json")
	v.SetDefault("safety.state_update_interval_ms", 10000)
	v.SetDefault("safety.graceful_timeout_ms", 3000)
	v.SetDefault("safety.forceful_ceiling_ms", 5000)
	v.SetDefault("safety.pid_file", "state/strikebot.pid")

	// Monitoring defaults
	v.SetDefault("monitoring.metrics_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)

	// Alerts defaults
	v.SetDefault("alerts.enabled", false)
}

// IsLive reports whether the engine is configured for live trading.
func (c *Config) IsLive() bool {
	return c.Trading.Mode == "LIVE"
}

// QueryTimeout returns the per-query statement timeout.
func (c *DatabaseConfig) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutMS) * time.Millisecond
}

// TickInterval returns the orchestrator tick cadence.
func (c *OrchestratorConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// MinTimeRemaining returns the near-expiry threshold.
func (c *OrchestratorConfig) MinTimeRemaining() time.Duration {
	return time.Duration(c.MinTimeRemainingMS) * time.Millisecond
}

// InflightTimeout returns the order-acknowledgement deadline.
func (c *OrchestratorConfig) InflightTimeout() time.Duration {
	return time.Duration(c.InflightTimeoutMS) * time.Millisecond
}

// SettlementGrace returns how long settlement waits for the oracle print.
func (c *OrchestratorConfig) SettlementGrace() time.Duration {
	return time.Duration(c.SettlementGraceMS) * time.Millisecond
}

// RefreshInterval returns the auto-stop evaluation cadence.
func (c *SafetyConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalMS) * time.Millisecond
}

// StateUpdateInterval returns the last-known-state write cadence.
func (c *SafetyConfig) StateUpdateInterval() time.Duration {
	return time.Duration(c.StateUpdateIntervalMS) * time.Millisecond
}

// GracefulTimeout returns the graceful shutdown budget.
func (c *SafetyConfig) GracefulTimeout() time.Duration {
	return time.Duration(c.GracefulTimeoutMS) * time.Millisecond
}

// ForcefulCeiling returns the hard wall-clock bound on forceful kill.
func (c *SafetyConfig) ForcefulCeiling() time.Duration {
	return time.Duration(c.ForcefulCeilingMS) * time.Millisecond
}
