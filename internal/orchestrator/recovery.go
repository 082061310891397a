package orchestrator

import (
	"context"
	"fmt"

	"github.com/strikebot/strikebot/internal/db"
	"github.com/strikebot/strikebot/internal/window"
)

// recoverPositions re-binds every open position from the store before
// the first tick. Positions held by strategies that are gone or
// inactive are marked for graceful exit; positions whose window
// already closed while the process was down are closed flat, since
// their market no longer exists (the signal row keeps the true
// outcome once the settlement sweep reaches it).
func (o *Orchestrator) recoverPositions(ctx context.Context) error {
	positions, err := o.store.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("recovering open positions: %w", err)
	}

	now := o.now()
	rebound, orphans, stale := 0, 0, 0
	for _, pos := range positions {
		key := slotKey{strategyID: pos.StrategyID, windowID: pos.WindowID}

		symbol, openEpoch, parseErr := window.ParseID(pos.WindowID)
		expired := parseErr != nil || openEpoch+window.IntervalSeconds <= now.Unix()
		if expired {
			stale++
			if err := o.store.ClosePosition(ctx, pos.ID, pos.EntryPrice, "stale_recovery", 0); err != nil {
				o.logger.Error().
					Err(err).
					Str("position_id", pos.ID.String()).
					Msg("Failed to close stale recovered position")
				continue
			}
			o.logger.Warn().
				Str("position_id", pos.ID.String()).
				Str("window_id", pos.WindowID).
				Msg("Recovered position outlived its window, closed flat")
			continue
		}

		o.bindSlot(pos)
		inst, ok := o.evals.Get(pos.StrategyID)
		if ok && inst.Active {
			rebound++
			o.logger.Info().
				Str("position_id", pos.ID.String()).
				Str("strategy", inst.Name).
				Str("window_id", pos.WindowID).
				Str("symbol", symbol).
				Msg("Re-bound open position")
			continue
		}

		orphans++
		if pos.Status == db.PositionOpen {
			if err := o.store.MarkClosing(ctx, pos.ID); err != nil {
				o.logger.Error().
					Err(err).
					Str("position_id", pos.ID.String()).
					Msg("Failed to mark orphan position closing")
				continue
			}
			o.markSlotClosing(key)
		}
		o.logger.Warn().
			Str("position_id", pos.ID.String()).
			Str("strategy_id", pos.StrategyID.String()).
			Str("window_id", pos.WindowID).
			Msg("Orphan position marked for graceful exit")
	}

	o.logger.Info().
		Int("positions", len(positions)).
		Int("rebound", rebound).
		Int("orphans", orphans).
		Int("stale", stale).
		Msg("Position recovery complete")
	return nil
}
