package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// WindowRecord is the durable row for one 15-minute window. The core
// identity fields are immutable after creation; contract metadata and
// settlement fields arrive later in the lifecycle.
type WindowRecord struct {
	WindowID    string     `db:"window_id"`
	Symbol      string     `db:"symbol"`
	OpenEpoch   int64      `db:"open_epoch"`
	CloseEpoch  int64      `db:"close_epoch"`
	StrikePrice *float64   `db:"strike_price"`
	UpTokenID   *string    `db:"up_token_id"`
	DownTokenID *string    `db:"down_token_id"`
	State       string     `db:"state"`
	FinalPrice  *float64   `db:"final_oracle_price"`
	Outcome     *string    `db:"outcome"` // up | down
	CreatedAt   time.Time  `db:"created_at"`
	SettledAt   *time.Time `db:"settled_at"`
}

// InsertWindow creates the row the first time a window is observed.
// Re-inserting the same window_id is a no-op.
func (g *Gateway) InsertWindow(ctx context.Context, w *WindowRecord) error {
	query := `
		INSERT INTO windows (window_id, symbol, open_epoch, close_epoch, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (window_id) DO NOTHING
	`

	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	if w.State == "" {
		w.State = "discovering"
	}

	return g.run(ctx, "insert_window", func(ctx context.Context) error {
		_, err := g.primary.Exec(ctx, query,
			w.WindowID, w.Symbol, w.OpenEpoch, w.CloseEpoch, w.State, w.CreatedAt,
		)
		return err
	})
}

// ResolveWindow stores the discovered contract metadata and flips the
// row to active.
func (g *Gateway) ResolveWindow(ctx context.Context, windowID string, strike float64, upTokenID, downTokenID string) error {
	query := `
		UPDATE windows
		SET strike_price = $2, up_token_id = $3, down_token_id = $4, state = 'active'
		WHERE window_id = $1
	`

	return g.run(ctx, "resolve_window", func(ctx context.Context) error {
		_, err := g.primary.Exec(ctx, query, windowID, strike, upTokenID, downTokenID)
		return err
	})
}

// SetWindowState records a lifecycle transition.
func (g *Gateway) SetWindowState(ctx context.Context, windowID, state string) error {
	query := `UPDATE windows SET state = $2 WHERE window_id = $1`

	return g.run(ctx, "set_window_state", func(ctx context.Context) error {
		_, err := g.primary.Exec(ctx, query, windowID, state)
		return err
	})
}

// SettleWindow finalizes a window with the settlement print.
func (g *Gateway) SettleWindow(ctx context.Context, windowID string, finalPrice float64, outcome string, settledAt time.Time) error {
	query := `
		UPDATE windows
		SET final_oracle_price = $2, outcome = $3, settled_at = $4, state = 'settled'
		WHERE window_id = $1
	`

	return g.run(ctx, "settle_window", func(ctx context.Context) error {
		_, err := g.primary.Exec(ctx, query, windowID, finalPrice, outcome, settledAt)
		return err
	})
}

// GetWindow returns one window row, or nil when unknown.
func (g *Gateway) GetWindow(ctx context.Context, windowID string) (*WindowRecord, error) {
	query := selectWindow + ` WHERE window_id = $1`

	var window *WindowRecord
	err := g.run(ctx, "get_window", func(ctx context.Context) error {
		w, err := scanWindow(g.primary.QueryRow(ctx, query, windowID))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				window = nil
				return nil
			}
			return err
		}
		window = w
		return nil
	})
	return window, err
}

// RecentWindows returns windows newest-first, clamped to [1, 1000].
func (g *Gateway) RecentWindows(ctx context.Context, limit int) ([]*WindowRecord, error) {
	limit = ClampLimit(limit)

	query := selectWindow + `
		ORDER BY open_epoch DESC
		LIMIT $1
	`

	var windows []*WindowRecord
	err := g.run(ctx, "recent_windows", func(ctx context.Context) error {
		rows, err := g.telemetry.Query(ctx, query, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		windows = windows[:0]
		for rows.Next() {
			w, err := scanWindow(rows)
			if err != nil {
				return err
			}
			windows = append(windows, w)
		}
		return rows.Err()
	})
	return windows, err
}

const selectWindow = `
	SELECT
		window_id, symbol, open_epoch, close_epoch, strike_price,
		up_token_id, down_token_id, state, final_oracle_price, outcome,
		created_at, settled_at
	FROM windows
`

func scanWindow(row pgx.Row) (*WindowRecord, error) {
	var w WindowRecord
	err := row.Scan(
		&w.WindowID,
		&w.Symbol,
		&w.OpenEpoch,
		&w.CloseEpoch,
		&w.StrikePrice,
		&w.UpTokenID,
		&w.DownTokenID,
		&w.State,
		&w.FinalPrice,
		&w.Outcome,
		&w.CreatedAt,
		&w.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
