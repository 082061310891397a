package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/errs"
)

// ValidationError names one offending variable and the corrective action.
type ValidationError struct {
	Field   string
	Message string
	Code    errs.Code
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (ve ValidationErrors) String() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("configuration validation failed with %d error(s):", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf(" [%d] %s: %s;", i+1, err.Field, err.Message))
	}
	return strings.TrimSuffix(sb.String(), ";")
}

// Validate checks the full configuration and returns a coded error
// naming every offending variable. Startup must not proceed past a
// validation failure.
func (c *Config) Validate() error {
	var ve ValidationErrors

	ve = append(ve, c.validateApp()...)
	ve = append(ve, c.validateTrading()...)
	ve = append(ve, c.validateDatabase()...)
	ve = append(ve, c.validateVenue()...)
	ve = append(ve, c.validateFeeds()...)
	ve = append(ve, c.validateOracle()...)
	ve = append(ve, c.validateOrchestrator()...)
	ve = append(ve, c.validateSafety()...)
	ve = append(ve, c.validateMonitoring()...)

	if len(ve) == 0 {
		return nil
	}

	code := errs.ConfigInvalid
	if ve.onlyCredentials() {
		code = errs.CredentialsMissing
	}
	return errs.New(code, ve.String())
}

// onlyCredentials reports whether every failure is a missing credential,
// so the caller sees CredentialsMissing rather than the generic code.
func (ve ValidationErrors) onlyCredentials() bool {
	for _, e := range ve {
		if e.Code != errs.CredentialsMissing {
			return false
		}
	}
	return len(ve) > 0
}

func invalid(field, message string) ValidationError {
	return ValidationError{Field: field, Message: message, Code: errs.ConfigInvalid}
}

func missingCredential(field string) ValidationError {
	return ValidationError{
		Field:   field,
		Message: "required for live trading; set it in the environment",
		Code:    errs.CredentialsMissing,
	}
}

func (c *Config) validateApp() ValidationErrors {
	var ve ValidationErrors

	if c.App.Name == "" {
		ve = append(ve, invalid("app.name", "application name is required"))
	}

	switch c.App.Environment {
	case "development", "staging", "production":
	default:
		ve = append(ve, invalid("app.environment",
			fmt.Sprintf("invalid environment %q; must be development, staging, or production", c.App.Environment)))
	}

	if _, err := zerolog.ParseLevel(strings.ToLower(c.App.LogLevel)); err != nil {
		ve = append(ve, invalid("LOG_LEVEL",
			fmt.Sprintf("invalid log level %q; must be trace, debug, info, warn, or error", c.App.LogLevel)))
	}

	switch c.App.LogFormat {
	case "json", "console":
	default:
		ve = append(ve, invalid("app.log_format",
			fmt.Sprintf("invalid log format %q; must be json or console", c.App.LogFormat)))
	}

	return ve
}

func (c *Config) validateTrading() ValidationErrors {
	var ve ValidationErrors

	switch c.Trading.Mode {
	case "PAPER", "LIVE":
	default:
		ve = append(ve, invalid("TRADING_MODE",
			fmt.Sprintf("invalid trading mode %q; must be PAPER or LIVE", c.Trading.Mode)))
	}

	if c.IsLive() && !c.Trading.ConfirmLive {
		ve = append(ve, invalid("CONFIRM_LIVE_TRADING",
			"live trading requires explicit confirmation; set CONFIRM_LIVE_TRADING=true"))
	}

	if c.Trading.StartingCapital < 0 {
		ve = append(ve, invalid("STARTING_CAPITAL",
			fmt.Sprintf("starting capital must be >= 0, got %.2f", c.Trading.StartingCapital)))
	}

	return ve
}

func (c *Config) validateDatabase() ValidationErrors {
	var ve ValidationErrors

	if c.Database.URL == "" {
		ve = append(ve, invalid("DATABASE_URL", "database URL is required"))
		return ve
	}

	// Never echo the URL back; it can carry a password.
	u, err := url.Parse(c.Database.URL)
	if err != nil {
		ve = append(ve, invalid("DATABASE_URL", "database URL is not a valid URL"))
		return ve
	}

	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		ve = append(ve, invalid("DATABASE_URL",
			fmt.Sprintf("unsupported scheme %q; must be postgres:// or postgresql://", u.Scheme)))
	}

	if c.IsLive() && !hasSecureSSL(u) {
		ve = append(ve, invalid("DATABASE_URL",
			"live trading requires TLS to the database; set sslmode=require, verify-ca, or verify-full"))
	}

	if c.Database.MaxConns < 1 {
		ve = append(ve, invalid("database.max_conns", "pool size must be at least 1"))
	}
	if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
		ve = append(ve, invalid("database.min_conns", "must be between 0 and database.max_conns"))
	}
	if c.Database.QueryTimeoutMS < 1 {
		ve = append(ve, invalid("database.query_timeout_ms", "query timeout must be positive"))
	}

	return ve
}

// hasSecureSSL reports whether the connection string demands an
// encrypted transport: sslmode of require, verify-ca, or verify-full,
// or the generic ssl=true flag.
func hasSecureSSL(u *url.URL) bool {
	q := u.Query()
	switch q.Get("sslmode") {
	case "require", "verify-ca", "verify-full":
		return true
	}
	return strings.EqualFold(q.Get("ssl"), "true")
}

func (c *Config) validateVenue() ValidationErrors {
	var ve ValidationErrors

	if c.Venue.ClobBaseURL == "" {
		ve = append(ve, invalid("venue.clob_base_url", "CLOB base URL is required"))
	}
	if c.Venue.GammaBaseURL == "" {
		ve = append(ve, invalid("venue.gamma_base_url", "Gamma base URL is required"))
	}
	if c.Venue.MinOrderSize <= 0 {
		ve = append(ve, invalid("venue.min_order_size", "minimum order size must be positive"))
	}
	if c.Venue.ChainID <= 0 {
		ve = append(ve, invalid("venue.chain_id", "chain ID must be positive"))
	}

	// Paper mode runs with no venue credentials at all.
	if !c.IsLive() {
		return ve
	}

	if c.Venue.APIKey == "" {
		ve = append(ve, missingCredential("POLYMARKET_API_KEY"))
	}
	if c.Venue.APISecret == "" {
		ve = append(ve, missingCredential("POLYMARKET_API_SECRET"))
	}
	if c.Venue.Passphrase == "" {
		ve = append(ve, missingCredential("POLYMARKET_PASSPHRASE"))
	}
	if c.Venue.FunderAddress == "" {
		ve = append(ve, missingCredential("POLYMARKET_FUNDER_ADDRESS"))
	} else if !common.IsHexAddress(c.Venue.FunderAddress) {
		ve = append(ve, invalid("POLYMARKET_FUNDER_ADDRESS", "must be a valid hex address"))
	}
	if c.Venue.PrivateKey == "" {
		ve = append(ve, missingCredential("POLYMARKET_PRIVATE_KEY"))
	} else if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.Venue.PrivateKey, "0x")); err != nil {
		ve = append(ve, invalid("POLYMARKET_PRIVATE_KEY", "must be a hex-encoded secp256k1 private key"))
	}

	return ve
}

func (c *Config) validateFeeds() ValidationErrors {
	var ve ValidationErrors

	if c.Feeds.BackoffInitialMS < 1 {
		ve = append(ve, invalid("feeds.backoff_initial_ms", "reconnect backoff must be positive"))
	}
	if c.Feeds.BackoffMaxMS < c.Feeds.BackoffInitialMS {
		ve = append(ve, invalid("feeds.backoff_max_ms", "must be >= feeds.backoff_initial_ms"))
	}
	if c.Feeds.BufferSize < 1 {
		ve = append(ve, invalid("feeds.buffer_size", "tick buffer must hold at least one tick"))
	}
	if c.Feeds.StaleAfterMS < 1 {
		ve = append(ve, invalid("feeds.stale_after_ms", "staleness threshold must be positive"))
	}

	return ve
}

func (c *Config) validateOracle() ValidationErrors {
	var ve ValidationErrors

	if c.Oracle.PollMS < 1 {
		ve = append(ve, invalid("oracle.poll_ms", "poll interval must be positive"))
	}
	if c.Oracle.Decimals < 0 {
		ve = append(ve, invalid("oracle.decimals", "decimals must be non-negative"))
	}
	if c.Oracle.FeedAddress != "" && !common.IsHexAddress(c.Oracle.FeedAddress) {
		ve = append(ve, invalid("oracle.feed_address", "must be a valid hex contract address"))
	}

	return ve
}

func (c *Config) validateOrchestrator() ValidationErrors {
	var ve ValidationErrors

	if c.Orchestrator.TickIntervalMS < 1 {
		ve = append(ve, invalid("orchestrator.tick_interval_ms", "tick interval must be positive"))
	}
	if c.Orchestrator.MinTimeRemainingMS < 1 || c.Orchestrator.MinTimeRemainingMS >= 900000 {
		ve = append(ve, invalid("orchestrator.min_time_remaining_ms",
			"near-expiry threshold must be positive and inside the 15-minute window"))
	}
	if c.Orchestrator.InflightTimeoutMS < 1 {
		ve = append(ve, invalid("orchestrator.inflight_timeout_ms", "in-flight timeout must be positive"))
	}
	if c.Orchestrator.EvalWorkers < 1 {
		ve = append(ve, invalid("orchestrator.eval_workers", "at least one evaluation worker is required"))
	}

	return ve
}

func (c *Config) validateSafety() ValidationErrors {
	var ve ValidationErrors

	if c.Safety.MaxDailyLoss <= 0 {
		ve = append(ve, invalid("safety.max_daily_loss", "daily loss limit must be positive"))
	}
	if c.Safety.MaxDrawdownPct <= 0 || c.Safety.MaxDrawdownPct > 1 {
		ve = append(ve, invalid("safety.max_drawdown_pct", "drawdown limit must be in (0, 1]"))
	}
	if c.Safety.ForcefulCeilingMS < 1 || c.Safety.ForcefulCeilingMS > 5000 {
		ve = append(ve, invalid("safety.forceful_ceiling_ms", "kill ceiling must be in (0, 5000] ms"))
	}
	if c.Safety.GracefulTimeoutMS < 1 || c.Safety.GracefulTimeoutMS > c.Safety.ForcefulCeilingMS {
		ve = append(ve, invalid("safety.graceful_timeout_ms",
			"graceful window must be positive and within safety.forceful_ceiling_ms"))
	}
	if c.Safety.StateFile == "" {
		ve = append(ve, invalid("safety.state_file", "last-known-state path is required"))
	}
	if c.Safety.StateUpdateIntervalMS < 1 {
		ve = append(ve, invalid("safety.state_update_interval_ms", "state update interval must be positive"))
	}

	return ve
}

func (c *Config) validateMonitoring() ValidationErrors {
	var ve ValidationErrors

	if c.Monitoring.EnableMetrics && (c.Monitoring.MetricsPort < 1 || c.Monitoring.MetricsPort > 65535) {
		ve = append(ve, invalid("monitoring.metrics_port",
			fmt.Sprintf("invalid port %d; must be between 1-65535", c.Monitoring.MetricsPort)))
	}

	return ve
}
