// Package outcome closes the loop on persisted signals. When a window
// settles it stamps final price, settlement outcome, correctness and
// binary pnl onto every signal row for that window, and a background
// sweep catches up rows whose settlement write was missed across a
// crash or restart.
package outcome

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/db"
	"github.com/strikebot/strikebot/internal/window"
)

// Store is the persistence surface the logger needs. db.Gateway
// satisfies it.
type Store interface {
	SignalsForWindow(ctx context.Context, windowID string) ([]*db.Signal, error)
	ApplyOutcome(ctx context.Context, signalID uuid.UUID, finalOraclePrice float64, outcome string, correct int16, exitPrice, pnl float64, settledAt time.Time) (bool, error)
	UnsettledSignalsBefore(ctx context.Context, closeEpoch int64) ([]*db.Signal, error)
	GetWindow(ctx context.Context, windowID string) (*db.WindowRecord, error)
	AggregateSignals(ctx context.Context) (*db.SignalAggregate, error)
	RecentSettledSignals(ctx context.Context, limit int) ([]*db.Signal, error)
}

// sweepInterval is the cadence of the catch-up sweep.
const sweepInterval = time.Minute

// sweepSlack keeps the sweep clear of windows the live settlement path
// is still working on.
const sweepSlack = 30 * time.Second

// Logger records settlement outcomes onto signal rows and answers
// attribution queries over them.
type Logger struct {
	store  Store
	grace  time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewLogger builds the outcome logger. cfg supplies the settlement
// grace period the sweep stays behind.
func NewLogger(store Store, cfg config.OrchestratorConfig) *Logger {
	return &Logger{
		store:  store,
		grace:  cfg.SettlementGrace(),
		logger: config.NewLogger("outcome"),
		now:    time.Now,
	}
}

// SettleWindow stamps the settlement outcome onto every signal logged
// for the window and returns how many rows were updated. A window with
// no signals is a debug-level non-event. Rows whose write fails stay
// pending; the sweep retries them.
func (l *Logger) SettleWindow(ctx context.Context, w window.Window, finalOraclePrice float64) (int, error) {
	signals, err := l.store.SignalsForWindow(ctx, w.ID)
	if err != nil {
		return 0, fmt.Errorf("loading signals for %s: %w", w.ID, err)
	}
	if len(signals) == 0 {
		l.logger.Debug().
			Str("window_id", w.ID).
			Msg("No signals logged for window")
		return 0, nil
	}
	return l.apply(ctx, signals, w.Strike, finalOraclePrice)
}

// apply writes the computed outcome onto each unsettled signal.
func (l *Logger) apply(ctx context.Context, signals []*db.Signal, strike, final float64) (int, error) {
	outcome := "down"
	if final >= strike {
		outcome = "up"
	}
	settledAt := l.now().UTC()

	updated := 0
	var lastErr error
	for _, sig := range signals {
		if sig.Settled() {
			continue
		}

		correct := int16(0)
		if Correct(sig.Direction, outcome) {
			correct = 1
		}
		entry := 0.5
		if sig.EntryPrice != nil {
			entry = *sig.EntryPrice
		} else {
			// Even-odds fallback; the pnl on this row is an estimate.
			l.logger.Warn().
				Str("signal_id", sig.ID.String()).
				Str("window_id", sig.WindowID).
				Msg("Signal has no recorded entry price, assuming even odds")
		}
		payout := 0.0
		if correct == 1 {
			payout = 1.0
		}
		pnl := (payout - entry) * sig.Size

		ok, err := l.store.ApplyOutcome(ctx, sig.ID, final, outcome, correct, payout, pnl, settledAt)
		if err != nil {
			lastErr = err
			l.logger.Error().
				Err(err).
				Str("signal_id", sig.ID.String()).
				Str("window_id", sig.WindowID).
				Msg("Outcome write failed, row stays pending")
			continue
		}
		if !ok {
			// Settled by a concurrent writer; nothing to record.
			continue
		}
		updated++

		result := "loss"
		if correct == 1 {
			result = "win"
		}
		settledTotal.WithLabelValues(result).Inc()
		l.logger.Debug().
			Str("signal_id", sig.ID.String()).
			Str("window_id", sig.WindowID).
			Str("outcome", outcome).
			Int16("correct", correct).
			Float64("pnl", pnl).
			Msg("Signal outcome recorded")
	}
	return updated, lastErr
}

// Correct reports whether a signal direction called the outcome:
// fading the up move pays when the window settles down, and the other
// way around.
func Correct(direction, outcome string) bool {
	switch direction {
	case "fade_up":
		return outcome == "down"
	case "fade_down":
		return outcome == "up"
	default:
		return false
	}
}

// Run drives the catch-up sweep until ctx is cancelled. One pass runs
// immediately so a restart heals pending rows without waiting out the
// first interval.
func (l *Logger) Run(ctx context.Context) error {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	l.logger.Info().
		Dur("interval", sweepInterval).
		Msg("Outcome sweep running")

	l.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Outcome sweep stopped")
			return ctx.Err()
		case <-ticker.C:
			l.sweep(ctx)
		}
	}
}

// sweep settles pending signal rows whose window already carries a
// recorded final print. It heals the gap between window settlement and
// the outcome write, whichever side of a crash it happened on. Rows
// whose window never got a print stay pending.
func (l *Logger) sweep(ctx context.Context) {
	cutoff := l.now().Add(-l.grace - sweepSlack).Unix()
	pending, err := l.store.UnsettledSignalsBefore(ctx, cutoff)
	if err != nil {
		l.logger.Warn().Err(err).Msg("Pending-signal sweep failed")
		return
	}
	pendingGauge.Set(float64(len(pending)))
	if len(pending) == 0 {
		return
	}

	byWindow := make(map[string][]*db.Signal)
	for _, sig := range pending {
		byWindow[sig.WindowID] = append(byWindow[sig.WindowID], sig)
	}

	recovered := 0
	for windowID, signals := range byWindow {
		rec, err := l.store.GetWindow(ctx, windowID)
		if err != nil {
			l.logger.Warn().
				Err(err).
				Str("window_id", windowID).
				Msg("Window lookup failed during sweep")
			continue
		}
		if rec == nil || rec.FinalPrice == nil || rec.StrikePrice == nil {
			// No settlement print on record to settle against.
			continue
		}
		n, err := l.apply(ctx, signals, *rec.StrikePrice, *rec.FinalPrice)
		if err != nil {
			continue
		}
		recovered += n
	}
	if recovered > 0 {
		sweepRecovered.Add(float64(recovered))
		l.logger.Info().
			Int("signals", recovered).
			Msg("Recovered missed signal outcomes")
	}
}
