package db

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strikebot/strikebot/internal/errs"
)

func testStrategyRecord() *StrategyRecord {
	return &StrategyRecord{
		Name: "baseline-fade",
		Components: map[string]string{
			"probability": "prob-time-decay-v2",
			"entry":       "entry-fade-extreme-v1",
			"sizing":      "sizing-fixed-fraction-v1",
			"exit":        "exit-hold-to-expiry-v1",
		},
		Config: map[string]any{
			"entry": map[string]any{"minEdge": 0.05},
		},
		Active: true,
	}
}

// TestInsertStrategy tests persisting a newly composed strategy
func TestInsertStrategy(t *testing.T) {
	g, primary, _ := newTestGateway(t)

	primary.ExpectExec("INSERT INTO strategies").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	rec := testStrategyRecord()
	err := g.InsertStrategy(context.Background(), rec)

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, rec.ID)
	assert.False(t, rec.CreatedAt.IsZero())
	require.NoError(t, primary.ExpectationsWereMet())
}

// TestGetStrategyDecodesJSON tests the components/config round trip
func TestGetStrategyDecodesJSON(t *testing.T) {
	g, primary, _ := newTestGateway(t)

	want := testStrategyRecord()
	want.ID = uuid.New()
	components, err := json.Marshal(want.Components)
	require.NoError(t, err)
	config, err := json.Marshal(want.Config)
	require.NoError(t, err)

	rows := pgxmock.NewRows([]string{
		"id", "name", "base_strategy_id", "components", "config", "active",
		"created_at", "updated_at",
	}).AddRow(
		want.ID, want.Name, nil, components, config, want.Active,
		time.Now().UTC(), time.Now().UTC(),
	)

	primary.ExpectQuery("SELECT(.+)FROM strategies").
		WithArgs(want.ID).
		WillReturnRows(rows)

	got, err := g.GetStrategy(context.Background(), want.ID)

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.Components, got.Components)
	assert.Equal(t, "prob-time-decay-v2", got.Components["probability"])
	assert.Nil(t, got.BaseStrategyID)
	require.NoError(t, primary.ExpectationsWereMet())
}

// TestGetStrategyUnknown tests that an unknown id maps to nil
func TestGetStrategyUnknown(t *testing.T) {
	g, primary, _ := newTestGateway(t)

	id := uuid.New()
	primary.ExpectQuery("SELECT(.+)FROM strategies").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "name", "base_strategy_id", "components", "config", "active",
			"created_at", "updated_at",
		}))

	got, err := g.GetStrategy(context.Background(), id)

	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, primary.ExpectationsWereMet())
}

// TestUpdateStrategyComponentsRequiresActive tests the active-row guard
func TestUpdateStrategyComponentsRequiresActive(t *testing.T) {
	g, primary, _ := newTestGateway(t)

	id := uuid.New()
	primary.ExpectExec("UPDATE strategies").
		WithArgs(id, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := g.UpdateStrategyComponents(context.Background(), id, map[string]string{
		"probability": "prob-time-decay-v3",
	})

	require.Error(t, err)
	assert.Equal(t, errs.DatabaseFatal, errs.CodeOf(err))
	require.NoError(t, primary.ExpectationsWereMet())
}

// TestDeactivateStrategy tests the soft delete
func TestDeactivateStrategy(t *testing.T) {
	g, primary, _ := newTestGateway(t)

	id := uuid.New()
	primary.ExpectExec("UPDATE strategies").
		WithArgs(id, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := g.DeactivateStrategy(context.Background(), id)

	require.NoError(t, err)
	require.NoError(t, primary.ExpectationsWereMet())
}
