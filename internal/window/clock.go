package window

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
)

// Phase is a window's lifecycle stage.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseDiscovering Phase = "discovering"
	PhaseActive      Phase = "active"
	PhaseNearExpiry  Phase = "near_expiry"
	PhaseSettling    Phase = "settling"
	PhaseSettled     Phase = "settled"
)

// Transition is one lifecycle step for one window. The clock emits every
// step exactly once and in order; when it enters discovering, Window is
// the newly targeted window.
type Transition struct {
	Window Window
	From   Phase
	To     Phase
	At     time.Time
}

// Discoverer resolves a window's contract metadata from the venue.
// ErrContractNotReady means the event is not listed or priced yet and
// the attempt should be retried.
type Discoverer interface {
	Discover(ctx context.Context, symbol string, openEpoch int64) (*Contract, error)
}

// SettlementSource supplies the oracle print a closing window settles
// against: the first observation at or after closeEpoch.
type SettlementSource interface {
	SettlementPrice(symbol string, closeEpoch int64) (float64, bool)
}

// discoveryRetryInterval spaces venue lookups while a window is still
// unlisted.
const discoveryRetryInterval = 2 * time.Second

// Clock drives one symbol's windows through
// idle -> discovering -> active -> near_expiry -> settling -> settled,
// then back to discovering at the next epoch. A single goroutine owns
// all transitions, so events are ordered and exactly-once; if the
// process stalls across a boundary the next tick walks the machine
// through every missed transition before resting.
type Clock struct {
	symbol     string
	tick       time.Duration
	nearExpiry time.Duration
	grace      time.Duration
	discoverer Discoverer
	oracle     SettlementSource
	logger     zerolog.Logger
	now        func() time.Time

	events      chan Transition
	lastAttempt time.Time

	mu      sync.RWMutex
	phase   Phase
	current Window
}

// NewClock builds the clock for one symbol. The symbol is normalized to
// the lowercase kebab form window ids use.
func NewClock(symbol string, cfg config.OrchestratorConfig, discoverer Discoverer, oracle SettlementSource) (*Clock, error) {
	symbol = strings.ToLower(symbol)
	if !symbolPattern.MatchString(symbol) {
		return nil, fmt.Errorf("invalid window symbol %q", symbol)
	}
	tick := cfg.TickInterval()
	if tick <= 0 {
		tick = time.Second
	}
	return &Clock{
		symbol:     symbol,
		tick:       tick,
		nearExpiry: cfg.MinTimeRemaining(),
		grace:      cfg.SettlementGrace(),
		discoverer: discoverer,
		oracle:     oracle,
		logger:     config.NewLogger("window").With().Str("symbol", symbol).Logger(),
		now:        time.Now,
		phase:      PhaseIdle,
		events:     make(chan Transition, 16),
	}, nil
}

// Events delivers lifecycle transitions. The channel is never closed;
// consumers stop with the clock's context.
func (c *Clock) Events() <-chan Transition {
	return c.events
}

// Current returns the window under management and its phase.
func (c *Clock) Current() (Window, Phase) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.phase
}

// Symbol returns the symbol this clock manages.
func (c *Clock) Symbol() string {
	return c.symbol
}

// Run executes the state machine until ctx is cancelled.
func (c *Clock) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	c.advance(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.advance(ctx)
		}
	}
}

// advance applies every transition the current time mandates, one step
// at a time so intermediate phases are never skipped.
func (c *Clock) advance(ctx context.Context) {
	for c.step(ctx) {
		if ctx.Err() != nil {
			return
		}
	}
}

func (c *Clock) step(ctx context.Context) bool {
	now := c.now()

	switch c.phase {
	case PhaseIdle:
		c.transition(ctx, At(c.symbol, now), PhaseDiscovering, now)
		return true

	case PhaseDiscovering:
		if now.Unix() >= c.current.CloseEpoch {
			c.logger.Warn().
				Str("window_id", c.current.ID).
				Msg("Window expired before contract discovery, retargeting")
			c.lastAttempt = time.Time{}
			c.setWindow(At(c.symbol, now))
			return true
		}
		if !c.lastAttempt.IsZero() && now.Sub(c.lastAttempt) < discoveryRetryInterval {
			return false
		}
		c.lastAttempt = now

		contract, err := c.discoverer.Discover(ctx, c.symbol, c.current.OpenEpoch)
		if err != nil {
			if errors.Is(err, ErrContractNotReady) {
				c.logger.Debug().
					Str("window_id", c.current.ID).
					Msg("Window contract not listed yet")
			} else {
				c.logger.Warn().
					Err(err).
					Str("window_id", c.current.ID).
					Msg("Window discovery failed")
				discoveryFailures.WithLabelValues(c.symbol).Inc()
			}
			return false
		}

		w := c.current
		w.Strike = contract.Strike
		w.UpTokenID = contract.UpTokenID
		w.DownTokenID = contract.DownTokenID
		c.logger.Info().
			Str("window_id", w.ID).
			Float64("strike", w.Strike).
			Str("up_token", w.UpTokenID).
			Str("down_token", w.DownTokenID).
			Msg("Window contract resolved")
		c.transition(ctx, w, PhaseActive, now)
		return true

	case PhaseActive:
		if !now.Before(c.current.CloseTime().Add(-c.nearExpiry)) {
			c.transition(ctx, c.current, PhaseNearExpiry, now)
			return true
		}
		return false

	case PhaseNearExpiry:
		if !now.Before(c.current.CloseTime()) {
			c.transition(ctx, c.current, PhaseSettling, now)
			return true
		}
		return false

	case PhaseSettling:
		if price, ok := c.oracle.SettlementPrice(c.symbol, c.current.CloseEpoch); ok {
			w := c.current
			w.FinalPrice = &price
			c.logger.Info().
				Str("window_id", w.ID).
				Float64("final_price", price).
				Msg("Settlement print received")
			c.transition(ctx, w, PhaseSettled, now)
			return true
		}
		if now.Sub(c.current.CloseTime()) >= c.grace {
			c.logger.Warn().
				Str("window_id", c.current.ID).
				Dur("grace", c.grace).
				Msg("Settlement grace expired without oracle print")
			c.transition(ctx, c.current, PhaseSettled, now)
			return true
		}
		return false

	case PhaseSettled:
		if now.Unix() >= c.current.CloseEpoch {
			c.lastAttempt = time.Time{}
			c.transition(ctx, At(c.symbol, now), PhaseDiscovering, now)
			return true
		}
		return false
	}
	return false
}

func (c *Clock) transition(ctx context.Context, w Window, to Phase, at time.Time) {
	c.mu.Lock()
	from := c.phase
	c.phase = to
	c.current = w
	c.mu.Unlock()

	transitionsTotal.WithLabelValues(c.symbol, string(to)).Inc()
	phaseGauge.WithLabelValues(c.symbol).Set(phaseOrdinal(to))

	c.logger.Info().
		Str("window_id", w.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Window transition")

	select {
	case c.events <- Transition{Window: w, From: from, To: to, At: at}:
	case <-ctx.Done():
	}
}

func (c *Clock) setWindow(w Window) {
	c.mu.Lock()
	c.current = w
	c.mu.Unlock()
}

func phaseOrdinal(p Phase) float64 {
	switch p {
	case PhaseIdle:
		return 0
	case PhaseDiscovering:
		return 1
	case PhaseActive:
		return 2
	case PhaseNearExpiry:
		return 3
	case PhaseSettling:
		return 4
	case PhaseSettled:
		return 5
	}
	return -1
}
