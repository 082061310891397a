// Package safety holds the capital-protection layer: the auto-stop
// breaker that blocks new entries when loss limits are breached, the
// last-known-state file written for post-mortem after a hard kill,
// and the kill switch itself.
package safety

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/db"
	"github.com/strikebot/strikebot/internal/market"
)

// Trip reasons recorded in the safety ledger.
const (
	ReasonDailyLoss = "daily_loss_limit"
	ReasonDrawdown  = "drawdown_limit"
)

const persistTimeout = 3 * time.Second

// Store is the persistence surface the breaker needs. *db.Gateway
// satisfies it.
type Store interface {
	SaveAutoStop(ctx context.Context, row *db.AutoStopRow) error
	LoadAutoStop(ctx context.Context) (*db.AutoStopRow, error)
	TotalOpenExposure(ctx context.Context) (float64, error)
	RealizedPnLSince(ctx context.Context, cutoff time.Time) (float64, error)
	GetOpenPositions(ctx context.Context) ([]*db.Position, error)
}

// Quotes prices open positions for the unrealized leg. *market.State
// satisfies it.
type Quotes interface {
	Quote(tokenID string) (market.BookTop, bool)
}

// Notifier raises operator alerts on trips and kills. The Telegram
// alerter satisfies it; nil disables alerting.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// State is a point-in-time copy of the safety ledger.
type State struct {
	TotalExposure    float64   `json:"total_exposure"`
	RealizedPnLToday float64   `json:"realized_pnl_today"`
	UnrealizedPnL    float64   `json:"unrealized_pnl"`
	HighWaterMark    float64   `json:"high_water_mark"`
	DrawdownFromHWM  float64   `json:"drawdown_from_hwm"`
	Tripped          bool      `json:"tripped"`
	TrippedReason    string    `json:"tripped_reason,omitempty"`
	PnLDay           string    `json:"pnl_day"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func (s State) row() *db.AutoStopRow {
	row := &db.AutoStopRow{
		TotalExposure:    s.TotalExposure,
		RealizedPnLToday: s.RealizedPnLToday,
		UnrealizedPnL:    s.UnrealizedPnL,
		HighWaterMark:    s.HighWaterMark,
		DrawdownFromHWM:  s.DrawdownFromHWM,
		Tripped:          s.Tripped,
		PnLDay:           s.PnLDay,
	}
	if s.TrippedReason != "" {
		reason := s.TrippedReason
		row.TrippedReason = &reason
	}
	return row
}

// AutoStop re-evaluates the daily-loss and drawdown thresholds on a
// fixed cadence and blocks new entries while either is breached. It
// is the single writer of the persisted safety ledger.
//
// The trip state mirrors the thresholds: a daily-loss trip clears
// when the UTC day rolls over, a drawdown trip clears when equity
// recovers above the threshold. Open positions keep settling either
// way.
type AutoStop struct {
	cfg             config.SafetyConfig
	startingCapital float64

	store    Store
	quotes   Quotes
	notifier Notifier

	logger zerolog.Logger
	now    func() time.Time

	mu    sync.RWMutex
	state State
}

// New builds the breaker. It holds no goroutines until Run.
func New(cfg *config.Config, store Store, quotes Quotes, notifier Notifier) *AutoStop {
	return &AutoStop{
		cfg:             cfg.Safety,
		startingCapital: cfg.Trading.StartingCapital,
		store:           store,
		quotes:          quotes,
		notifier:        notifier,
		logger:          config.NewLogger("safety"),
		now:             time.Now,
	}
}

// Run restores the persisted ledger, then re-evaluates the thresholds
// every refresh interval until ctx is cancelled. A cron job zeroes the
// daily accumulator at UTC midnight.
func (a *AutoStop) Run(ctx context.Context) error {
	a.restore(ctx)
	a.refresh(ctx)

	sched := cron.New(cron.WithLocation(time.UTC))
	if _, err := sched.AddFunc("0 0 * * *", func() {
		resetCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		a.resetDaily(resetCtx)
	}); err != nil {
		return fmt.Errorf("scheduling daily reset: %w", err)
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	interval := a.cfg.RefreshInterval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info().Dur("interval", interval).Msg("Auto-stop running")
	for {
		select {
		case <-ctx.Done():
			a.logger.Info().Msg("Auto-stop stopped")
			return ctx.Err()
		case <-ticker.C:
			a.refresh(ctx)
		}
	}
}

// Tripped reports whether the breaker currently blocks new entries.
func (a *AutoStop) Tripped() (bool, string) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Tripped, a.state.TrippedReason
}

// Snapshot returns a copy of the safety ledger.
func (a *AutoStop) Snapshot() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// RecordRealized folds a just-closed position's P&L into the daily
// accumulator ahead of the next refresh, so a burst of losses trips
// the breaker between passes.
func (a *AutoStop) RecordRealized(pnl float64) {
	a.mu.Lock()
	a.state.RealizedPnLToday += pnl
	limit := a.cfg.MaxDailyLoss
	fresh := !a.state.Tripped && limit > 0 && a.state.RealizedPnLToday <= -limit
	if fresh {
		a.state.Tripped = true
		a.state.TrippedReason = ReasonDailyLoss
		a.state.UpdatedAt = a.now().UTC()
	}
	snap := a.state
	a.mu.Unlock()

	observeState(snap)
	if fresh {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		a.trip(ctx, snap)
		a.persist(ctx, snap)
	}
}

// restore adopts the persisted ledger so a restart does not forget a
// trip or the high-water mark. Realized P&L carries over only when
// the UTC day matches; a daily-loss trip from a previous day clears.
func (a *AutoStop) restore(ctx context.Context) {
	today := day(a.now().UTC())

	a.mu.Lock()
	defer a.mu.Unlock()
	a.state.HighWaterMark = a.startingCapital
	a.state.PnLDay = today

	row, err := a.store.LoadAutoStop(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Safety ledger load failed, starting fresh")
		return
	}
	if row == nil {
		return
	}

	a.state.TotalExposure = row.TotalExposure
	a.state.UnrealizedPnL = row.UnrealizedPnL
	a.state.DrawdownFromHWM = row.DrawdownFromHWM
	a.state.Tripped = row.Tripped
	if row.TrippedReason != nil {
		a.state.TrippedReason = *row.TrippedReason
	}
	if row.HighWaterMark > a.state.HighWaterMark {
		a.state.HighWaterMark = row.HighWaterMark
	}
	if row.PnLDay == today {
		a.state.RealizedPnLToday = row.RealizedPnLToday
	} else if a.state.TrippedReason == ReasonDailyLoss {
		// The day rolled over while the process was down.
		a.state.Tripped = false
		a.state.TrippedReason = ""
	}
	a.logger.Info().
		Bool("tripped", a.state.Tripped).
		Str("pnl_day", a.state.PnLDay).
		Float64("high_water_mark", a.state.HighWaterMark).
		Msg("Safety ledger restored")
}

// refresh recomputes the ledger from the database and live quotes,
// re-evaluates the thresholds, and persists the result. Any query
// failure skips the pass; the previous state stands.
func (a *AutoStop) refresh(ctx context.Context) {
	now := a.now().UTC()

	exposure, err := a.store.TotalOpenExposure(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Exposure query failed, safety pass skipped")
		return
	}
	realizedToday, err := a.store.RealizedPnLSince(ctx, midnightUTC(now))
	if err != nil {
		a.logger.Warn().Err(err).Msg("Daily P&L query failed, safety pass skipped")
		return
	}
	realizedTotal, err := a.store.RealizedPnLSince(ctx, time.Time{})
	if err != nil {
		a.logger.Warn().Err(err).Msg("Lifetime P&L query failed, safety pass skipped")
		return
	}
	unrealized, err := a.unrealized(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("Open-position query failed, safety pass skipped")
		return
	}

	a.mu.Lock()
	st := &a.state
	st.TotalExposure = exposure
	st.RealizedPnLToday = realizedToday
	st.UnrealizedPnL = unrealized
	st.PnLDay = day(now)

	equity := a.startingCapital + realizedTotal + unrealized
	if equity > st.HighWaterMark {
		st.HighWaterMark = equity
	}
	st.DrawdownFromHWM = 0
	if st.HighWaterMark > 0 {
		st.DrawdownFromHWM = (st.HighWaterMark - equity) / st.HighWaterMark
	}

	wasTripped, wasReason := st.Tripped, st.TrippedReason
	reason := a.thresholdReason(st)
	st.Tripped = reason != ""
	st.TrippedReason = reason
	st.UpdatedAt = now
	snap := *st
	a.mu.Unlock()

	observeState(snap)
	switch {
	case snap.Tripped && (!wasTripped || wasReason != reason):
		a.trip(ctx, snap)
	case wasTripped && !snap.Tripped:
		a.logger.Info().Str("was", wasReason).Msg("Auto-stop cleared, entries resume")
		a.alert(ctx, "Auto-stop cleared", fmt.Sprintf("previous reason: %s", wasReason))
	}
	a.persist(ctx, snap)
}

func (a *AutoStop) thresholdReason(st *State) string {
	if limit := a.cfg.MaxDailyLoss; limit > 0 && st.RealizedPnLToday <= -limit {
		return ReasonDailyLoss
	}
	if limit := a.cfg.MaxDrawdownPct; limit > 0 && st.DrawdownFromHWM >= limit {
		return ReasonDrawdown
	}
	return ""
}

// unrealized marks open positions at the current bid. A token without
// a bid carries at entry and contributes zero.
func (a *AutoStop) unrealized(ctx context.Context) (float64, error) {
	positions, err := a.store.GetOpenPositions(ctx)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, pos := range positions {
		top, ok := a.quotes.Quote(pos.TokenID)
		if !ok || top.BestBid <= 0 {
			continue
		}
		total += (top.BestBid - pos.EntryPrice) * pos.Size
	}
	return total, nil
}

// resetDaily zeroes the daily accumulator at UTC midnight. A
// daily-loss trip clears with the fresh budget; a drawdown trip holds
// until equity recovers.
func (a *AutoStop) resetDaily(ctx context.Context) {
	a.mu.Lock()
	a.state.RealizedPnLToday = 0
	a.state.PnLDay = day(a.now().UTC())
	if a.state.TrippedReason == ReasonDailyLoss {
		a.state.Tripped = false
		a.state.TrippedReason = ""
	}
	a.state.UpdatedAt = a.now().UTC()
	snap := a.state
	a.mu.Unlock()

	a.logger.Info().Str("pnl_day", snap.PnLDay).Msg("Daily P&L accumulator reset")
	observeState(snap)
	a.persist(ctx, snap)
}

func (a *AutoStop) trip(ctx context.Context, snap State) {
	tripsTotal.WithLabelValues(snap.TrippedReason).Inc()
	a.logger.Warn().
		Str("reason", snap.TrippedReason).
		Float64("realized_today", snap.RealizedPnLToday).
		Float64("drawdown", snap.DrawdownFromHWM).
		Float64("exposure", snap.TotalExposure).
		Msg("Auto-stop tripped, new entries blocked")
	a.alert(ctx, "Auto-stop tripped", fmt.Sprintf(
		"reason=%s realized_today=%.2f drawdown=%.1f%% exposure=%.2f",
		snap.TrippedReason, snap.RealizedPnLToday, snap.DrawdownFromHWM*100, snap.TotalExposure))
}

func (a *AutoStop) alert(ctx context.Context, title, message string) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Notify(ctx, title, message); err != nil {
		a.logger.Warn().Err(err).Msg("Safety alert delivery failed")
	}
}

func (a *AutoStop) persist(ctx context.Context, snap State) {
	if err := a.store.SaveAutoStop(ctx, snap.row()); err != nil {
		a.logger.Error().Err(err).Msg("Safety ledger write failed")
	}
}

func midnightUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
