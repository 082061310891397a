package db

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/strikebot/strikebot/internal/errs"
)

// RetryConfig configures retry behavior for database operations
type RetryConfig struct {
	MaxAttempts    int           // Total attempts including the first
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	BackoffFactor  float64       // Multiplier for exponential backoff
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// IsTransient reports whether err is a transport- or contention-level
// failure that a later attempt could succeed on. Constraint
// violations, syntax errors, and missing rows are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P03": // cannot_connect_now
			return true
		}
		if len(pgErr.Code) >= 2 {
			switch pgErr.Code[:2] {
			case "08", // connection exception
				"53": // insufficient resources
				return true
			}
		}
		return false
	}

	return pgconn.SafeToRetry(err)
}

// Classify maps err onto the persistence error codes.
func Classify(err error) errs.Code {
	if IsTransient(err) {
		return errs.DatabaseTransient
	}
	return errs.DatabaseFatal
}

// isRetryable gates the in-gateway retry loop. An open breaker is a
// transient condition, but retrying against it would just burn the
// backoff budget, so it fails fast.
func isRetryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	return IsTransient(err)
}

// withRetry executes an operation with exponential backoff retry
func withRetry(ctx context.Context, cfg RetryConfig, logger zerolog.Logger, name string, op func() error) error {
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.DatabaseTransient, ctx.Err(), "operation cancelled")
		default:
		}

		err := op()
		if err == nil {
			if attempt > 1 {
				logger.Info().
					Str("op", name).
					Int("attempt", attempt).
					Msg("Database operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return err
		}

		observeRetry(name)

		// Don't sleep after the last attempt.
		if attempt == cfg.MaxAttempts {
			break
		}

		logger.Warn().
			Err(err).
			Str("op", name).
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Database operation failed, retrying with backoff")

		select {
		case <-ctx.Done():
			return errs.Wrap(errs.DatabaseTransient, ctx.Err(), "operation cancelled during backoff")
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	return lastErr
}
