package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strikebot/strikebot/internal/db"
	"github.com/strikebot/strikebot/internal/window"
)

func storedPosition(h *harness, strategyID uuid.UUID, windowID string) *db.Position {
	return &db.Position{
		ID:         uuid.New(),
		StrategyID: strategyID,
		WindowID:   windowID,
		TokenID:    upToken,
		Side:       "buy",
		Size:       100,
		EntryPrice: 0.40,
		EntryTime:  h.now.Add(-time.Minute),
		Status:     db.PositionOpen,
		Mode:       "PAPER",
	}
}

func TestRecoveryRebindsHeldPositions(t *testing.T) {
	h := newHarness(t)
	pos := storedPosition(h, h.inst.ID, h.win.ID)
	h.store.open = []*db.Position{pos}

	require.NoError(t, h.o.recoverPositions(context.Background()))

	bound := h.o.slot(slotKey{strategyID: h.inst.ID, windowID: h.win.ID})
	require.NotNil(t, bound)
	assert.Equal(t, pos.ID, bound.ID)
	assert.Equal(t, db.PositionOpen, bound.Status)
	assert.Empty(t, h.store.closing)
	assert.Empty(t, h.store.closed)
}

func TestRecoveryMarksOrphans(t *testing.T) {
	h := newHarness(t)
	gone := storedPosition(h, uuid.New(), h.win.ID)
	h.store.open = []*db.Position{gone}

	require.NoError(t, h.o.recoverPositions(context.Background()))

	require.Equal(t, []uuid.UUID{gone.ID}, h.store.closing)
	bound := h.o.slot(slotKey{strategyID: gone.StrategyID, windowID: h.win.ID})
	require.NotNil(t, bound, "orphans stay bound so the exit retry can liquidate them")
	assert.Equal(t, db.PositionClosing, bound.Status)
}

func TestRecoveryMarksInactiveStrategyOrphan(t *testing.T) {
	h := newHarness(t)
	h.inst.Active = false
	pos := storedPosition(h, h.inst.ID, h.win.ID)
	h.store.open = []*db.Position{pos}

	require.NoError(t, h.o.recoverPositions(context.Background()))

	assert.Equal(t, []uuid.UUID{pos.ID}, h.store.closing)
}

func TestRecoveryClosesStalePositions(t *testing.T) {
	h := newHarness(t)
	oldID := window.ID("btc", h.win.OpenEpoch-2*window.IntervalSeconds)
	pos := storedPosition(h, h.inst.ID, oldID)
	h.store.open = []*db.Position{pos}

	require.NoError(t, h.o.recoverPositions(context.Background()))

	closed, ok := h.store.closed[pos.ID]
	require.True(t, ok)
	assert.Equal(t, 0.40, closed.price, "stale positions close flat at entry")
	assert.Equal(t, "stale_recovery", closed.reason)
	assert.Zero(t, closed.pnl)
	assert.Nil(t, h.o.slot(slotKey{strategyID: h.inst.ID, windowID: oldID}))
}

func TestRecoveryClosesUnparseableWindow(t *testing.T) {
	h := newHarness(t)
	pos := storedPosition(h, h.inst.ID, "not-a-window-id")
	h.store.open = []*db.Position{pos}

	require.NoError(t, h.o.recoverPositions(context.Background()))

	closed, ok := h.store.closed[pos.ID]
	require.True(t, ok)
	assert.Equal(t, "stale_recovery", closed.reason)
}

func TestRecoveryStoreError(t *testing.T) {
	h := newHarness(t)
	h.store.openErr = errors.New("connection refused")

	err := h.o.recoverPositions(context.Background())

	require.Error(t, err)
	assert.ErrorContains(t, err, "recovering open positions")
}

func TestOrphanLiquidatedAsOrphaned(t *testing.T) {
	h := newHarness(t)
	gone := storedPosition(h, uuid.New(), h.win.ID)
	h.store.open = []*db.Position{gone}
	require.NoError(t, h.o.recoverPositions(context.Background()))

	// First tick after recovery sells the orphan at the bid.
	h.runTick(t)

	closed, ok := h.store.closed[gone.ID]
	require.True(t, ok)
	assert.Equal(t, "orphaned", closed.reason)
	assert.Equal(t, 0.38, closed.price)
}
