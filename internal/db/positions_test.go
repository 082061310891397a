package db

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strikebot/strikebot/internal/errs"
)

func positionRow(p *Position) *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "strategy_id", "window_id", "token_id", "side", "size",
		"entry_price", "entry_time", "status", "mode", "exit_price",
		"exit_reason", "realized_pnl", "created_at", "updated_at",
	}).AddRow(
		p.ID, p.StrategyID, p.WindowID, p.TokenID, p.Side, p.Size,
		p.EntryPrice, p.EntryTime, p.Status, p.Mode, p.ExitPrice,
		p.ExitReason, p.RealizedPnL, p.CreatedAt, p.UpdatedAt,
	)
}

// TestCreatePositionDefaults tests that ID, status, and timestamps are filled in
func TestCreatePositionDefaults(t *testing.T) {
	g, primary, _ := newTestGateway(t)

	primary.ExpectExec("INSERT INTO positions").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	position := testPosition()
	err := g.CreatePosition(context.Background(), position)

	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, position.ID)
	assert.Equal(t, PositionOpen, position.Status)
	assert.False(t, position.CreatedAt.IsZero())
	assert.False(t, position.UpdatedAt.IsZero())
	require.NoError(t, primary.ExpectationsWereMet())
}

// TestGetOpenPosition tests fetching the open position for a strategy/window pair
func TestGetOpenPosition(t *testing.T) {
	g, primary, _ := newTestGateway(t)

	want := testPosition()
	want.ID = uuid.New()
	want.Status = PositionOpen
	want.CreatedAt = time.Now().UTC()
	want.UpdatedAt = want.CreatedAt

	primary.ExpectQuery("SELECT(.+)FROM positions").
		WithArgs(want.StrategyID, want.WindowID).
		WillReturnRows(positionRow(want))

	got, err := g.GetOpenPosition(context.Background(), want.StrategyID, want.WindowID)

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.WindowID, got.WindowID)
	assert.Equal(t, 0.42, got.EntryPrice)
	assert.Equal(t, 4.2, got.Cost())
	assert.Nil(t, got.ExitPrice)
	require.NoError(t, primary.ExpectationsWereMet())
}

// TestGetOpenPositionNone tests that a missing row maps to nil, not an error
func TestGetOpenPositionNone(t *testing.T) {
	g, primary, _ := newTestGateway(t)

	strategyID := uuid.New()
	primary.ExpectQuery("SELECT(.+)FROM positions").
		WithArgs(strategyID, "BTC-updown-15m-1755907200").
		WillReturnError(pgx.ErrNoRows)

	got, err := g.GetOpenPosition(context.Background(), strategyID, "BTC-updown-15m-1755907200")

	require.NoError(t, err)
	assert.Nil(t, got)
	require.NoError(t, primary.ExpectationsWereMet())
}

// TestGetOpenPositionsForRecovery tests the startup scan of held positions
func TestGetOpenPositionsForRecovery(t *testing.T) {
	g, primary, _ := newTestGateway(t)

	first := testPosition()
	first.ID = uuid.New()
	first.Status = PositionOpen
	second := testPosition()
	second.ID = uuid.New()
	second.Status = PositionClosing
	second.WindowID = "ETH-updown-15m-1755907200"

	rows := positionRow(first)
	rows.AddRow(
		second.ID, second.StrategyID, second.WindowID, second.TokenID,
		second.Side, second.Size, second.EntryPrice, second.EntryTime,
		second.Status, second.Mode, second.ExitPrice, second.ExitReason,
		second.RealizedPnL, second.CreatedAt, second.UpdatedAt,
	)

	primary.ExpectQuery("SELECT(.+)FROM positions").WillReturnRows(rows)

	got, err := g.GetOpenPositions(context.Background())

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, PositionOpen, got[0].Status)
	assert.Equal(t, PositionClosing, got[1].Status)
	require.NoError(t, primary.ExpectationsWereMet())
}

// TestMarkClosing tests the open -> closing transition
func TestMarkClosing(t *testing.T) {
	g, primary, _ := newTestGateway(t)

	id := uuid.New()
	primary.ExpectExec("UPDATE positions").
		WithArgs(id, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := g.MarkClosing(context.Background(), id)

	require.NoError(t, err)
	require.NoError(t, primary.ExpectationsWereMet())
}

// TestMarkClosingNotOpen tests that closing a non-open position fails
func TestMarkClosingNotOpen(t *testing.T) {
	g, primary, _ := newTestGateway(t)

	id := uuid.New()
	primary.ExpectExec("UPDATE positions").
		WithArgs(id, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := g.MarkClosing(context.Background(), id)

	require.Error(t, err)
	assert.Equal(t, errs.DatabaseFatal, errs.CodeOf(err))
	assert.Contains(t, err.Error(), "not open")
	require.NoError(t, primary.ExpectationsWereMet())
}

// TestClosePosition tests finalizing a position with its exit fill
func TestClosePosition(t *testing.T) {
	g, primary, _ := newTestGateway(t)

	id := uuid.New()
	primary.ExpectExec("UPDATE positions").
		WithArgs(id, 1.0, "settlement", 5.8, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	err := g.ClosePosition(context.Background(), id, 1.0, "settlement", 5.8)

	require.NoError(t, err)
	require.NoError(t, primary.ExpectationsWereMet())
}

// TestTotalOpenExposure tests summing entry cost across held positions
func TestTotalOpenExposure(t *testing.T) {
	g, primary, _ := newTestGateway(t)

	primary.ExpectQuery("SELECT COALESCE").
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(42.5))

	exposure, err := g.TotalOpenExposure(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 42.5, exposure)
	require.NoError(t, primary.ExpectationsWereMet())
}

// TestRealizedPnLSince tests the daily-loss seed query
func TestRealizedPnLSince(t *testing.T) {
	g, primary, _ := newTestGateway(t)

	cutoff := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	primary.ExpectQuery("SELECT COALESCE").
		WithArgs(cutoff).
		WillReturnRows(pgxmock.NewRows([]string{"coalesce"}).AddRow(-12.75))

	pnl, err := g.RealizedPnLSince(context.Background(), cutoff)

	require.NoError(t, err)
	assert.Equal(t, -12.75, pnl)
	require.NoError(t, primary.ExpectationsWereMet())
}
