package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// AutoStopRow is the persisted safety ledger. One row per process
// deployment; the safety task is its single writer.
type AutoStopRow struct {
	TotalExposure    float64   `db:"total_exposure"`
	RealizedPnLToday float64   `db:"realized_pnl_today"`
	UnrealizedPnL    float64   `db:"unrealized_pnl"`
	HighWaterMark    float64   `db:"high_water_mark"`
	DrawdownFromHWM  float64   `db:"drawdown_from_hwm"`
	Tripped          bool      `db:"tripped"`
	TrippedReason    *string   `db:"tripped_reason"`
	PnLDay           string    `db:"pnl_day"` // YYYY-MM-DD in UTC
	UpdatedAt        time.Time `db:"updated_at"`
}

// SaveAutoStop upserts the singleton safety row.
func (g *Gateway) SaveAutoStop(ctx context.Context, row *AutoStopRow) error {
	query := `
		INSERT INTO auto_stop_state (
			id, total_exposure, realized_pnl_today, unrealized_pnl,
			high_water_mark, drawdown_from_hwm, tripped, tripped_reason,
			pnl_day, updated_at
		) VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			total_exposure = EXCLUDED.total_exposure,
			realized_pnl_today = EXCLUDED.realized_pnl_today,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			high_water_mark = EXCLUDED.high_water_mark,
			drawdown_from_hwm = EXCLUDED.drawdown_from_hwm,
			tripped = EXCLUDED.tripped,
			tripped_reason = EXCLUDED.tripped_reason,
			pnl_day = EXCLUDED.pnl_day,
			updated_at = EXCLUDED.updated_at
	`

	row.UpdatedAt = time.Now().UTC()

	return g.run(ctx, "save_auto_stop", func(ctx context.Context) error {
		_, err := g.primary.Exec(ctx, query,
			row.TotalExposure,
			row.RealizedPnLToday,
			row.UnrealizedPnL,
			row.HighWaterMark,
			row.DrawdownFromHWM,
			row.Tripped,
			row.TrippedReason,
			row.PnLDay,
			row.UpdatedAt,
		)
		return err
	})
}

// LoadAutoStop returns the persisted safety ledger, or nil when the
// process has never run against this database.
func (g *Gateway) LoadAutoStop(ctx context.Context) (*AutoStopRow, error) {
	query := `
		SELECT
			total_exposure, realized_pnl_today, unrealized_pnl,
			high_water_mark, drawdown_from_hwm, tripped, tripped_reason,
			pnl_day, updated_at
		FROM auto_stop_state
		WHERE id = 1
	`

	var row *AutoStopRow
	err := g.run(ctx, "load_auto_stop", func(ctx context.Context) error {
		var r AutoStopRow
		scanErr := g.primary.QueryRow(ctx, query).Scan(
			&r.TotalExposure,
			&r.RealizedPnLToday,
			&r.UnrealizedPnL,
			&r.HighWaterMark,
			&r.DrawdownFromHWM,
			&r.Tripped,
			&r.TrippedReason,
			&r.PnLDay,
			&r.UpdatedAt,
		)
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				row = nil
				return nil
			}
			return scanErr
		}
		row = &r
		return nil
	})
	return row, err
}
