package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/errs"
)

// PoolInterface defines the interface for database pool operations
type PoolInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Circuit breaker thresholds for the database path
const (
	dbConsecutiveFailures = 5
	dbOpenTimeout         = 15 * time.Second
	dbHalfOpenMaxReqs     = 3
	dbCountInterval       = 10 * time.Second
)

// Gateway is the single persistence entry point. It owns two pools:
// the primary pool serves the order path, the telemetry pool serves
// tick samples and outcome aggregation, so bulk writes can never
// starve an order-path query. All access funnels through a shared
// circuit breaker and bounded retry.
type Gateway struct {
	primary   PoolInterface
	telemetry PoolInterface
	breaker   *gobreaker.CircuitBreaker
	retry     RetryConfig
	timeout   time.Duration
	logger    zerolog.Logger
}

// New creates the gateway and verifies connectivity on both pools.
func New(ctx context.Context, cfg config.DatabaseConfig) (*Gateway, error) {
	logger := config.NewLogger("db")

	primary, err := newPool(ctx, cfg, cfg.MaxConns, cfg.MinConns)
	if err != nil {
		return nil, errs.Wrap(errs.DatabaseFatal, err, "failed to create primary pool")
	}

	telemetryMax := cfg.MaxConns / 2
	if telemetryMax < 2 {
		telemetryMax = 2
	}
	telemetry, err := newPool(ctx, cfg, telemetryMax, 1)
	if err != nil {
		primary.Close()
		return nil, errs.Wrap(errs.DatabaseFatal, err, "failed to create telemetry pool")
	}

	g := NewWithPools(primary, telemetry, cfg.QueryTimeout())

	if err := g.Ping(ctx); err != nil {
		g.Close()
		return nil, err
	}

	logger.Info().
		Int32("primary_max_conns", cfg.MaxConns).
		Int32("telemetry_max_conns", telemetryMax).
		Msg("Database pools created")

	return g, nil
}

// NewWithPools builds a gateway over existing pools. Tests inject
// pgxmock pools through this constructor.
func NewWithPools(primary, telemetry PoolInterface, queryTimeout time.Duration) *Gateway {
	logger := config.NewLogger("db")

	g := &Gateway{
		primary:   primary,
		telemetry: telemetry,
		retry:     DefaultRetryConfig(),
		timeout:   queryTimeout,
		logger:    logger,
	}

	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "database",
		MaxRequests: dbHalfOpenMaxReqs,
		Interval:    dbCountInterval,
		Timeout:     dbOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= dbConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// Constraint hits and no-rows results say nothing about
			// database health; only transport-level failures count.
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Database circuit breaker state change")
			observeBreakerState(to)
		},
	})

	return g
}

func newPool(ctx context.Context, cfg config.DatabaseConfig, maxConns, minConns int32) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pc.MaxConns = maxConns
	pc.MinConns = minConns
	pc.MaxConnLifetime = time.Duration(cfg.MaxConnLifetimeMin) * time.Minute
	pc.MaxConnIdleTime = time.Duration(cfg.MaxConnIdleTimeMin) * time.Minute
	pc.HealthCheckPeriod = time.Duration(cfg.HealthCheckSec) * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return pool, nil
}

// Close closes both connection pools
func (g *Gateway) Close() {
	if g.primary != nil {
		g.primary.Close()
	}
	if g.telemetry != nil {
		g.telemetry.Close()
	}
	g.logger.Info().Msg("Database pools closed")
}

// Ping checks connectivity on both pools
func (g *Gateway) Ping(ctx context.Context) error {
	if err := g.primary.Ping(ctx); err != nil {
		return errs.Wrap(Classify(err), err, "primary pool ping failed")
	}
	if err := g.telemetry.Ping(ctx); err != nil {
		return errs.Wrap(Classify(err), err, "telemetry pool ping failed")
	}
	return nil
}

// Health checks database connectivity (readiness probe hook)
func (g *Gateway) Health(ctx context.Context) error {
	return g.Ping(ctx)
}

// run executes op with the breaker, a per-attempt statement timeout,
// and bounded retry on transient failures. op binds whichever pool it
// needs. The returned error always carries a taxonomy code.
func (g *Gateway) run(ctx context.Context, name string, op func(ctx context.Context) error) error {
	attempt := func() error {
		qctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()

		_, err := g.breaker.Execute(func() (any, error) {
			return nil, op(qctx)
		})
		return err
	}

	if err := withRetry(ctx, g.retry, g.logger, name, attempt); err != nil {
		return coded(err, name)
	}
	return nil
}

// coded wraps err with its taxonomy code unless it already carries one.
func coded(err error, op string) error {
	if err == nil {
		return nil
	}
	if errs.CodeOf(err) != "" {
		return err
	}
	e := errs.Wrap(Classify(err), err, fmt.Sprintf("database operation %s failed", op))
	return e.With("op", op)
}
