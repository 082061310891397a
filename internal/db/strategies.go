package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// StrategyRecord is the durable form of a strategy instance. The
// in-memory snapshot store in the strategy package is rebuilt from
// these rows at startup.
type StrategyRecord struct {
	ID             uuid.UUID         `db:"id"`
	Name           string            `db:"name"`
	BaseStrategyID *uuid.UUID        `db:"base_strategy_id"`
	Components     map[string]string `db:"components"` // slot -> version_id
	Config         map[string]any    `db:"config"`
	Active         bool              `db:"active"`
	CreatedAt      time.Time         `db:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at"`
}

// InsertStrategy persists a newly composed strategy.
func (g *Gateway) InsertStrategy(ctx context.Context, rec *StrategyRecord) error {
	query := `
		INSERT INTO strategies (
			id, name, base_strategy_id, components, config, active,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	components, config, err := encodeStrategyJSON(rec)
	if err != nil {
		return err
	}

	return g.run(ctx, "insert_strategy", func(ctx context.Context) error {
		_, err := g.primary.Exec(ctx, query,
			rec.ID, rec.Name, rec.BaseStrategyID, components, config,
			rec.Active, rec.CreatedAt, rec.UpdatedAt,
		)
		return err
	})
}

// GetStrategy returns one strategy row, or nil when unknown.
func (g *Gateway) GetStrategy(ctx context.Context, id uuid.UUID) (*StrategyRecord, error) {
	query := selectStrategy + ` WHERE id = $1`

	var rec *StrategyRecord
	err := g.run(ctx, "get_strategy", func(ctx context.Context) error {
		r, err := scanStrategy(g.primary.QueryRow(ctx, query, id))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				rec = nil
				return nil
			}
			return err
		}
		rec = r
		return nil
	})
	return rec, err
}

// ListStrategies returns all strategy rows, optionally active only.
func (g *Gateway) ListStrategies(ctx context.Context, activeOnly bool) ([]*StrategyRecord, error) {
	query := selectStrategy
	if activeOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY created_at ASC`

	var recs []*StrategyRecord
	err := g.run(ctx, "list_strategies", func(ctx context.Context) error {
		rows, err := g.primary.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		recs = recs[:0]
		for rows.Next() {
			r, err := scanStrategy(rows)
			if err != nil {
				return err
			}
			recs = append(recs, r)
		}
		return rows.Err()
	})
	return recs, err
}

// UpdateStrategyComponents rewrites the component slots of an active
// strategy in one statement.
func (g *Gateway) UpdateStrategyComponents(ctx context.Context, id uuid.UUID, components map[string]string) error {
	query := `
		UPDATE strategies
		SET components = $2, updated_at = $3
		WHERE id = $1 AND active
	`

	encoded, err := json.Marshal(components)
	if err != nil {
		return fmt.Errorf("failed to encode components: %w", err)
	}

	return g.run(ctx, "update_strategy_components", func(ctx context.Context) error {
		tag, err := g.primary.Exec(ctx, query, id, encoded, time.Now().UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}

// UpdateStrategyConfig replaces the stored config of an active strategy.
func (g *Gateway) UpdateStrategyConfig(ctx context.Context, id uuid.UUID, config map[string]any) error {
	query := `
		UPDATE strategies
		SET config = $2, updated_at = $3
		WHERE id = $1 AND active
	`

	encoded, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return g.run(ctx, "update_strategy_config", func(ctx context.Context) error {
		tag, err := g.primary.Exec(ctx, query, id, encoded, time.Now().UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}

// DeactivateStrategy soft-deletes a strategy.
func (g *Gateway) DeactivateStrategy(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE strategies
		SET active = FALSE, updated_at = $2
		WHERE id = $1 AND active
	`

	return g.run(ctx, "deactivate_strategy", func(ctx context.Context) error {
		tag, err := g.primary.Exec(ctx, query, id, time.Now().UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return pgx.ErrNoRows
		}
		return nil
	})
}

func encodeStrategyJSON(rec *StrategyRecord) ([]byte, []byte, error) {
	components, err := json.Marshal(rec.Components)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode components: %w", err)
	}
	config, err := json.Marshal(rec.Config)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return components, config, nil
}

const selectStrategy = `
	SELECT
		id, name, base_strategy_id, components, config, active,
		created_at, updated_at
	FROM strategies
`

func scanStrategy(row pgx.Row) (*StrategyRecord, error) {
	var (
		rec        StrategyRecord
		components []byte
		config     []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.Name,
		&rec.BaseStrategyID,
		&components,
		&config,
		&rec.Active,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(components) > 0 {
		if err := json.Unmarshal(components, &rec.Components); err != nil {
			return nil, fmt.Errorf("failed to decode components: %w", err)
		}
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &rec.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}
	return &rec, nil
}
