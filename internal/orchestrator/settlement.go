package orchestrator

import (
	"context"
	"fmt"

	"github.com/strikebot/strikebot/internal/db"
	"github.com/strikebot/strikebot/internal/window"
)

// settler is implemented by the paper adapter, which redeems expired
// winners for cash inside its own ledger.
type settler interface {
	Settle(tokenID string, won bool) (qty, proceeds float64)
}

// settle pays out every position held in a settled window. Payout is
// binary: a contract on the winning side redeems for a dollar, the
// losing side for nothing. Outcomes flow to the signal logger and the
// safety circuit afterwards.
func (o *Orchestrator) settle(ctx context.Context, w window.Window) {
	positions, err := o.store.OpenPositionsForWindow(ctx, w.ID)
	if err != nil {
		o.logger.Error().
			Err(err).
			Str("window_id", w.ID).
			Msg("Failed to load positions at settlement")
		positions = nil
	}

	if w.FinalPrice == nil {
		o.settleWithoutOracle(ctx, w, positions)
		return
	}
	final := *w.FinalPrice

	outcome := "down"
	if final >= w.Strike {
		outcome = "up"
	}
	winning := w.TokenFor(outcome)

	realized := 0.0
	for _, pos := range positions {
		payout := 0.0
		if pos.TokenID == winning {
			payout = 1.0
		}
		pnl := (payout - pos.EntryPrice) * pos.Size
		if err := o.store.ClosePosition(ctx, pos.ID, payout, "settlement", pnl); err != nil {
			o.logger.Error().
				Err(err).
				Str("position_id", pos.ID.String()).
				Msg("Failed to close position at settlement")
			continue
		}
		realized += pnl
		o.releaseSlot(slotKey{strategyID: pos.StrategyID, windowID: pos.WindowID})
	}

	if s, ok := o.adapter.(settler); ok {
		s.Settle(w.UpTokenID, outcome == "up")
		s.Settle(w.DownTokenID, outcome == "down")
	}

	if o.outcomes != nil {
		updated, err := o.outcomes.SettleWindow(ctx, w, final)
		if err != nil {
			o.logger.Error().
				Err(err).
				Str("window_id", w.ID).
				Msg("Signal outcome update failed")
		} else if updated > 0 {
			o.logger.Debug().
				Str("window_id", w.ID).
				Int("signals", updated).
				Msg("Signal outcomes recorded")
		}
	}
	if o.guard != nil {
		o.guard.RecordRealized(realized)
	}

	settlementsTotal.WithLabelValues(outcome).Inc()
	o.logger.Info().
		Str("window_id", w.ID).
		Str("outcome", outcome).
		Float64("final_price", final).
		Float64("strike", w.Strike).
		Int("positions", len(positions)).
		Float64("realized_pnl", realized).
		Msg("Window settled")
}

// settleWithoutOracle closes held positions flat when the grace
// period passed without a settlement print. The signal rows stay
// unsettled so a later sweep can record the true outcome.
func (o *Orchestrator) settleWithoutOracle(ctx context.Context, w window.Window, positions []*db.Position) {
	for _, pos := range positions {
		if err := o.store.ClosePosition(ctx, pos.ID, pos.EntryPrice, "oracle_missing", 0); err != nil {
			o.logger.Error().
				Err(err).
				Str("position_id", pos.ID.String()).
				Msg("Failed to close position after missing oracle print")
			continue
		}
		o.releaseSlot(slotKey{strategyID: pos.StrategyID, windowID: pos.WindowID})
	}

	settlementsTotal.WithLabelValues("none").Inc()
	o.logger.Warn().
		Str("window_id", w.ID).
		Int("positions", len(positions)).
		Msg("Window settled without oracle print, positions closed flat")

	if o.alerts != nil {
		msg := fmt.Sprintf("window %s expired without an oracle print; %d positions closed flat",
			w.ID, len(positions))
		if err := o.alerts.Notify(ctx, "Settlement anomaly", msg); err != nil {
			o.logger.Error().
				Err(err).
				Str("window_id", w.ID).
				Msg("Anomaly alert failed")
		}
	}
}
