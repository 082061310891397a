package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/db"
	"github.com/strikebot/strikebot/internal/window"
)

// windowStore is the windows-table slice of the gateway.
type windowStore interface {
	InsertWindow(ctx context.Context, w *db.WindowRecord) error
	ResolveWindow(ctx context.Context, windowID string, strike float64, upTokenID, downTokenID string) error
	SetWindowState(ctx context.Context, windowID, state string) error
	SettleWindow(ctx context.Context, windowID string, finalPrice float64, outcome string, settledAt time.Time) error
}

// tokenActivator binds a window's token pair to its symbol in market
// state. *market.State satisfies it.
type tokenActivator interface {
	SetActiveTokens(symbol, upTokenID, downTokenID string)
}

// tokenSwapper retargets a book subscription to a new token pair.
// *feed.ClobFeed satisfies it.
type tokenSwapper interface {
	SetTokens(upToken, downToken string) error
}

// transitionRouter sits between one symbol's window clock and the
// orchestrator. Every transition is persisted and, for newly active
// windows, the token pair is bound to market state and the book feed;
// the event is then forwarded. Persistence failures are logged and
// never withhold the event: the orchestrator still needs settlements,
// and an unpersisted window blocks entries on its own through the
// signals table.
type transitionRouter struct {
	windows windowStore
	markets tokenActivator
	books   tokenSwapper
	out     chan<- window.Transition
	logger  zerolog.Logger
}

// routeTransitions drives one clock's events through a router into
// the orchestrator's merged event stream.
func (e *Engine) routeTransitions(ctx context.Context, clock *window.Clock) error {
	r := &transitionRouter{
		windows: e.store,
		markets: e.state,
		out:     e.events,
		logger:  e.logger.With().Str("symbol", clock.Symbol()).Logger(),
	}
	if clob, found := e.clobs[clock.Symbol()]; found {
		r.books = clob
	}
	return r.run(ctx, clock.Events())
}

func (r *transitionRouter) run(ctx context.Context, events <-chan window.Transition) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tr := <-events:
			r.apply(ctx, tr)
			select {
			case r.out <- tr:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// apply mirrors one lifecycle step into the windows table and, on
// activation, points market state and the book subscription at the
// window's token pair.
func (r *transitionRouter) apply(ctx context.Context, tr window.Transition) {
	w := tr.Window
	var err error

	switch tr.To {
	case window.PhaseDiscovering:
		err = r.windows.InsertWindow(ctx, &db.WindowRecord{
			WindowID:   w.ID,
			Symbol:     w.Symbol,
			OpenEpoch:  w.OpenEpoch,
			CloseEpoch: w.CloseEpoch,
			State:      string(window.PhaseDiscovering),
			CreatedAt:  tr.At,
		})

	case window.PhaseActive:
		r.markets.SetActiveTokens(w.Symbol, w.UpTokenID, w.DownTokenID)
		if r.books != nil {
			if swapErr := r.books.SetTokens(w.UpTokenID, w.DownTokenID); swapErr != nil {
				r.logger.Warn().
					Err(swapErr).
					Str("window_id", w.ID).
					Msg("Book subscription swap failed")
			}
		}
		err = r.windows.ResolveWindow(ctx, w.ID, w.Strike, w.UpTokenID, w.DownTokenID)

	case window.PhaseNearExpiry:
		err = r.windows.SetWindowState(ctx, w.ID, string(window.PhaseNearExpiry))

	case window.PhaseSettling:
		err = r.windows.SetWindowState(ctx, w.ID, string(window.PhaseSettling))

	case window.PhaseSettled:
		if w.FinalPrice == nil {
			err = r.windows.SetWindowState(ctx, w.ID, string(window.PhaseSettled))
			break
		}
		outcome := "down"
		if *w.FinalPrice >= w.Strike {
			outcome = "up"
		}
		err = r.windows.SettleWindow(ctx, w.ID, *w.FinalPrice, outcome, tr.At)
	}

	if err != nil {
		r.logger.Error().
			Err(err).
			Str("window_id", w.ID).
			Str("state", string(tr.To)).
			Msg("Window persistence failed")
	}
}
