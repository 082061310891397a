package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// SignalInputs is the market context captured at signal time.
type SignalInputs struct {
	TimeRemainingMS   int64   `json:"time_remaining_ms"`
	MarketPrice       float64 `json:"market_price"`
	UIPrice           float64 `json:"ui_price"`
	OraclePrice       float64 `json:"oracle_price"`
	OracleStalenessMS int64   `json:"oracle_staleness_ms"`
	SpreadPct         float64 `json:"spread_pct"`
	Strike            float64 `json:"strike"`
	StalenessScore    float64 `json:"staleness_score"`
}

// Signal is one entry decision, persisted before the order goes out.
// Settlement later augments the same row with outcome fields.
type Signal struct {
	ID          uuid.UUID    `db:"id"`
	StrategyID  uuid.UUID    `db:"strategy_id"`
	WindowID    string       `db:"window_id"`
	Symbol      string       `db:"symbol"`
	Direction   string       `db:"direction"` // fade_up | fade_down
	Confidence  float64      `db:"confidence"`
	TokenID     string       `db:"token_id"`
	Side        string       `db:"side"` // buy | sell
	Size        float64      `db:"size"`
	EntryPrice  *float64     `db:"entry_price"`
	Inputs      SignalInputs `db:"inputs"`
	GeneratedAt time.Time    `db:"generated_at"`

	// Outcome fields, null until the window settles.
	FinalOraclePrice  *float64   `db:"final_oracle_price"`
	SettlementOutcome *string    `db:"settlement_outcome"` // up | down
	SignalCorrect     *int16     `db:"signal_correct"`     // 0 | 1
	ExitPrice         *float64   `db:"exit_price"`
	PnL               *float64   `db:"pnl"`
	SettledAt         *time.Time `db:"settled_at"`
}

// Settled reports whether the outcome fields have been filled in.
func (s *Signal) Settled() bool {
	return s.SettledAt != nil
}

// InsertSignal persists a signal. Idempotent on (strategy_id,
// window_id): a second insert for the same pair is a no-op and
// reports inserted=false.
func (g *Gateway) InsertSignal(ctx context.Context, signal *Signal) (bool, error) {
	query := `
		INSERT INTO signals (
			id, strategy_id, window_id, symbol, direction, confidence,
			token_id, side, size, entry_price, inputs, generated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (strategy_id, window_id) DO NOTHING
	`

	if signal.ID == uuid.Nil {
		signal.ID = uuid.New()
	}
	if signal.GeneratedAt.IsZero() {
		signal.GeneratedAt = time.Now().UTC()
	}

	inputs, err := json.Marshal(signal.Inputs)
	if err != nil {
		return false, fmt.Errorf("failed to encode signal inputs: %w", err)
	}

	var inserted bool
	err = g.run(ctx, "insert_signal", func(ctx context.Context) error {
		tag, err := g.primary.Exec(ctx, query,
			signal.ID,
			signal.StrategyID,
			signal.WindowID,
			signal.Symbol,
			signal.Direction,
			signal.Confidence,
			signal.TokenID,
			signal.Side,
			signal.Size,
			signal.EntryPrice,
			inputs,
			signal.GeneratedAt,
		)
		if err != nil {
			return err
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

// SignalsForWindow returns all signals logged for one window.
func (g *Gateway) SignalsForWindow(ctx context.Context, windowID string) ([]*Signal, error) {
	query := selectSignal + `
		WHERE window_id = $1
		ORDER BY generated_at ASC
	`

	var signals []*Signal
	err := g.run(ctx, "signals_for_window", func(ctx context.Context) error {
		rows, err := g.primary.Query(ctx, query, windowID)
		if err != nil {
			return err
		}
		defer rows.Close()

		signals = signals[:0]
		for rows.Next() {
			s, err := scanSignal(rows)
			if err != nil {
				return err
			}
			signals = append(signals, s)
		}
		return rows.Err()
	})
	return signals, err
}

// ApplyOutcome writes settlement results onto a signal row. Returns
// false when the row is already settled or does not exist.
func (g *Gateway) ApplyOutcome(ctx context.Context, signalID uuid.UUID, finalOraclePrice float64, outcome string, correct int16, exitPrice, pnl float64, settledAt time.Time) (bool, error) {
	query := `
		UPDATE signals
		SET final_oracle_price = $2, settlement_outcome = $3,
		    signal_correct = $4, exit_price = $5, pnl = $6, settled_at = $7
		WHERE id = $1 AND settled_at IS NULL
	`

	var updated bool
	err := g.run(ctx, "apply_outcome", func(ctx context.Context) error {
		tag, err := g.primary.Exec(ctx, query,
			signalID, finalOraclePrice, outcome, correct, exitPrice, pnl, settledAt,
		)
		if err != nil {
			return err
		}
		updated = tag.RowsAffected() > 0
		return nil
	})
	return updated, err
}

// SignalAggregate is the headline rollup over all logged signals.
type SignalAggregate struct {
	Total         int64
	WithOutcome   int64
	Pending       int64
	Wins          int64
	TotalPnL      float64
	AvgConfidence float64
}

// AggregateSignals computes the headline rollup on the telemetry pool.
func (g *Gateway) AggregateSignals(ctx context.Context) (*SignalAggregate, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(settled_at),
			COUNT(*) - COUNT(settled_at),
			COALESCE(SUM(CASE WHEN signal_correct = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(pnl), 0),
			COALESCE(AVG(confidence), 0)
		FROM signals
	`

	var agg SignalAggregate
	err := g.run(ctx, "aggregate_signals", func(ctx context.Context) error {
		return g.telemetry.QueryRow(ctx, query).Scan(
			&agg.Total,
			&agg.WithOutcome,
			&agg.Pending,
			&agg.Wins,
			&agg.TotalPnL,
			&agg.AvgConfidence,
		)
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// RecentSettledSignals returns settled signals newest-first. The limit
// is clamped to [1, 1000].
func (g *Gateway) RecentSettledSignals(ctx context.Context, limit int) ([]*Signal, error) {
	limit = ClampLimit(limit)

	query := selectSignal + `
		WHERE settled_at IS NOT NULL
		ORDER BY settled_at DESC
		LIMIT $1
	`

	var signals []*Signal
	err := g.run(ctx, "recent_settled_signals", func(ctx context.Context) error {
		rows, err := g.telemetry.Query(ctx, query, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		signals = signals[:0]
		for rows.Next() {
			s, err := scanSignal(rows)
			if err != nil {
				return err
			}
			signals = append(signals, s)
		}
		return rows.Err()
	})
	return signals, err
}

// ClampLimit bounds a caller-supplied row limit to [1, 1000].
func ClampLimit(limit int) int {
	if limit < 1 {
		return 1
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

const selectSignal = `
	SELECT
		id, strategy_id, window_id, symbol, direction, confidence,
		token_id, side, size, entry_price, inputs, generated_at,
		final_oracle_price, settlement_outcome, signal_correct,
		exit_price, pnl, settled_at
	FROM signals
`

func scanSignal(row pgx.Row) (*Signal, error) {
	var (
		s      Signal
		inputs []byte
	)
	err := row.Scan(
		&s.ID,
		&s.StrategyID,
		&s.WindowID,
		&s.Symbol,
		&s.Direction,
		&s.Confidence,
		&s.TokenID,
		&s.Side,
		&s.Size,
		&s.EntryPrice,
		&inputs,
		&s.GeneratedAt,
		&s.FinalOraclePrice,
		&s.SettlementOutcome,
		&s.SignalCorrect,
		&s.ExitPrice,
		&s.PnL,
		&s.SettledAt,
	)
	if err != nil {
		return nil, err
	}
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &s.Inputs); err != nil {
			return nil, fmt.Errorf("failed to decode signal inputs: %w", err)
		}
	}
	return &s, nil
}

// UnsettledSignalsBefore returns signals still pending whose window
// closed before the cutoff epoch. Recovery uses it to catch up on
// settlements missed across a restart.
func (g *Gateway) UnsettledSignalsBefore(ctx context.Context, closeEpoch int64) ([]*Signal, error) {
	query := selectSignal + `
		WHERE settled_at IS NULL
		  AND window_id IN (SELECT window_id FROM windows WHERE close_epoch <= $1)
		ORDER BY generated_at ASC
	`

	var signals []*Signal
	err := g.run(ctx, "unsettled_signals_before", func(ctx context.Context) error {
		rows, err := g.primary.Query(ctx, query, closeEpoch)
		if err != nil {
			return err
		}
		defer rows.Close()

		signals = signals[:0]
		for rows.Next() {
			s, err := scanSignal(rows)
			if err != nil {
				return err
			}
			signals = append(signals, s)
		}
		return rows.Err()
	})
	return signals, err
}
