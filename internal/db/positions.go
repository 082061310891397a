package db

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/strikebot/strikebot/internal/errs"
)

// PositionStatus represents the lifecycle state of a position
type PositionStatus string

const (
	PositionOpen    PositionStatus = "open"
	PositionClosing PositionStatus = "closing"
	PositionClosed  PositionStatus = "closed"
)

// Position is a held stake in one window's binary contract. At most
// one open position exists per (strategy_id, window_id); a partial
// unique index backs the invariant.
type Position struct {
	ID          uuid.UUID      `db:"id"`
	StrategyID  uuid.UUID      `db:"strategy_id"`
	WindowID    string         `db:"window_id"`
	TokenID     string         `db:"token_id"`
	Side        string         `db:"side"` // buy | sell
	Size        float64        `db:"size"`
	EntryPrice  float64        `db:"entry_price"`
	EntryTime   time.Time      `db:"entry_time"`
	Status      PositionStatus `db:"status"`
	Mode        string         `db:"mode"` // PAPER | LIVE
	ExitPrice   *float64       `db:"exit_price"`
	ExitReason  *string        `db:"exit_reason"`
	RealizedPnL *float64       `db:"realized_pnl"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

// Cost returns the dollar cost of the position at entry.
func (p *Position) Cost() float64 {
	return p.EntryPrice * p.Size
}

// CreatePosition inserts a new open position
func (g *Gateway) CreatePosition(ctx context.Context, position *Position) error {
	query := `
		INSERT INTO positions (
			id, strategy_id, window_id, token_id, side, size, entry_price,
			entry_time, status, mode, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
	`

	if position.ID == uuid.Nil {
		position.ID = uuid.New()
	}
	now := time.Now().UTC()
	if position.CreatedAt.IsZero() {
		position.CreatedAt = now
	}
	if position.UpdatedAt.IsZero() {
		position.UpdatedAt = now
	}
	if position.Status == "" {
		position.Status = PositionOpen
	}

	return g.run(ctx, "create_position", func(ctx context.Context) error {
		_, err := g.primary.Exec(ctx, query,
			position.ID,
			position.StrategyID,
			position.WindowID,
			position.TokenID,
			position.Side,
			position.Size,
			position.EntryPrice,
			position.EntryTime,
			position.Status,
			position.Mode,
			position.CreatedAt,
			position.UpdatedAt,
		)
		return err
	})
}

// GetOpenPosition returns the open or closing position for the given
// strategy and window, or nil when none exists.
func (g *Gateway) GetOpenPosition(ctx context.Context, strategyID uuid.UUID, windowID string) (*Position, error) {
	query := selectPosition + `
		WHERE strategy_id = $1 AND window_id = $2 AND status IN ('open', 'closing')
	`

	var position *Position
	err := g.run(ctx, "get_open_position", func(ctx context.Context) error {
		p, err := scanPosition(g.primary.QueryRow(ctx, query, strategyID, windowID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				position = nil
				return nil
			}
			return err
		}
		position = p
		return nil
	})
	return position, err
}

// GetOpenPositions returns every open or closing position. Used for
// crash recovery before the first tick is accepted.
func (g *Gateway) GetOpenPositions(ctx context.Context) ([]*Position, error) {
	query := selectPosition + `
		WHERE status IN ('open', 'closing')
		ORDER BY entry_time ASC
	`

	var positions []*Position
	err := g.run(ctx, "get_open_positions", func(ctx context.Context) error {
		rows, err := g.primary.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		positions = positions[:0]
		for rows.Next() {
			p, err := scanPosition(rows)
			if err != nil {
				return err
			}
			positions = append(positions, p)
		}
		return rows.Err()
	})
	return positions, err
}

// OpenPositionsForWindow returns open/closing positions held in one
// window. Used at settlement.
func (g *Gateway) OpenPositionsForWindow(ctx context.Context, windowID string) ([]*Position, error) {
	query := selectPosition + `
		WHERE window_id = $1 AND status IN ('open', 'closing')
		ORDER BY entry_time ASC
	`

	var positions []*Position
	err := g.run(ctx, "open_positions_for_window", func(ctx context.Context) error {
		rows, err := g.primary.Query(ctx, query, windowID)
		if err != nil {
			return err
		}
		defer rows.Close()

		positions = positions[:0]
		for rows.Next() {
			p, err := scanPosition(rows)
			if err != nil {
				return err
			}
			positions = append(positions, p)
		}
		return rows.Err()
	})
	return positions, err
}

// MarkClosing transitions a position from open to closing
func (g *Gateway) MarkClosing(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE positions
		SET status = 'closing', updated_at = $2
		WHERE id = $1 AND status = 'open'
	`

	return g.run(ctx, "mark_closing", func(ctx context.Context) error {
		tag, err := g.primary.Exec(ctx, query, id, time.Now().UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.Newf(errs.DatabaseFatal, "position %s is not open", id)
		}
		return nil
	})
}

// ClosePosition finalizes a position with its exit fill and realized
// P&L. Legal from both open and closing.
func (g *Gateway) ClosePosition(ctx context.Context, id uuid.UUID, exitPrice float64, exitReason string, pnl float64) error {
	query := `
		UPDATE positions
		SET status = 'closed', exit_price = $2, exit_reason = $3,
		    realized_pnl = $4, updated_at = $5
		WHERE id = $1 AND status IN ('open', 'closing')
	`

	return g.run(ctx, "close_position", func(ctx context.Context) error {
		tag, err := g.primary.Exec(ctx, query, id, exitPrice, exitReason, pnl, time.Now().UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return errs.Newf(errs.DatabaseFatal, "position %s is not open or closing", id)
		}
		return nil
	})
}

// TotalOpenExposure returns the summed entry cost of all open and
// closing positions. Seeds the safety layer on restart.
func (g *Gateway) TotalOpenExposure(ctx context.Context) (float64, error) {
	query := `
		SELECT COALESCE(SUM(size * entry_price), 0)
		FROM positions
		WHERE status IN ('open', 'closing')
	`

	var exposure float64
	err := g.run(ctx, "total_open_exposure", func(ctx context.Context) error {
		return g.primary.QueryRow(ctx, query).Scan(&exposure)
	})
	return exposure, err
}

// RealizedPnLSince sums realized P&L of positions closed at or after
// the cutoff. Seeds the daily-loss accumulator on restart.
func (g *Gateway) RealizedPnLSince(ctx context.Context, cutoff time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(realized_pnl), 0)
		FROM positions
		WHERE status = 'closed' AND updated_at >= $1
	`

	var pnl float64
	err := g.run(ctx, "realized_pnl_since", func(ctx context.Context) error {
		return g.primary.QueryRow(ctx, query, cutoff).Scan(&pnl)
	})
	return pnl, err
}

const selectPosition = `
	SELECT
		id, strategy_id, window_id, token_id, side, size, entry_price,
		entry_time, status, mode, exit_price, exit_reason, realized_pnl,
		created_at, updated_at
	FROM positions
`

func scanPosition(row pgx.Row) (*Position, error) {
	var p Position
	err := row.Scan(
		&p.ID,
		&p.StrategyID,
		&p.WindowID,
		&p.TokenID,
		&p.Side,
		&p.Size,
		&p.EntryPrice,
		&p.EntryTime,
		&p.Status,
		&p.Mode,
		&p.ExitPrice,
		&p.ExitReason,
		&p.RealizedPnL,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}
