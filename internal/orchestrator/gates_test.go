package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strikebot/strikebot/internal/window"
)

func TestEntryGates(t *testing.T) {
	cases := []struct {
		name string
		// setup mutates the harness and returns the window state the
		// entry is attempted against.
		setup     func(h *harness) windowState
		cost      float64
		contracts float64
		gate      string
	}{
		{
			name: "near-expiry window refuses entries",
			setup: func(h *harness) windowState {
				return windowState{window: h.win, phase: window.PhaseNearExpiry}
			},
			cost: 50, contracts: 125,
			gate: gateNearExpiry,
		},
		{
			name: "strategy not in manifest",
			setup: func(h *harness) windowState {
				h.inst.Name = "not-listed"
				return windowState{window: h.win, phase: window.PhaseActive}
			},
			cost: 50, contracts: 125,
			gate: gateManifest,
		},
		{
			name: "auto-stop veto",
			setup: func(h *harness) windowState {
				h.guard.tripped = true
				h.guard.reason = "daily_loss_limit"
				return windowState{window: h.win, phase: window.PhaseActive}
			},
			cost: 50, contracts: 125,
			gate: gateAutoStop,
		},
		{
			name: "exposure read failure fails closed",
			setup: func(h *harness) windowState {
				h.store.exposErr = errors.New("read timeout")
				return windowState{window: h.win, phase: window.PhaseActive}
			},
			cost: 50, contracts: 125,
			gate: gateExposure,
		},
		{
			name: "open exposure plus cost over the cap",
			setup: func(h *harness) windowState {
				h.store.exposure = 460
				return windowState{window: h.win, phase: window.PhaseActive}
			},
			cost: 50, contracts: 125,
			gate: gateExposure,
		},
		{
			name: "in-flight cost counts toward the cap",
			setup: func(h *harness) windowState {
				h.store.exposure = 400
				h.o.inflight.track(uuid.New(), h.win.ID, uuid.New(), upToken, 60, h.now.Add(time.Minute))
				return windowState{window: h.win, phase: window.PhaseActive}
			},
			cost: 50, contracts: 125,
			gate: gateExposure,
		},
		{
			name: "held slot blocks re-entry",
			setup: func(h *harness) windowState {
				h.heldPosition(100, 0.40)
				return windowState{window: h.win, phase: window.PhaseActive}
			},
			cost: 50, contracts: 125,
			gate: gateSlot,
		},
		{
			name: "adapter mode mismatch",
			setup: func(h *harness) windowState {
				h.adapter.mode = "LIVE"
				return windowState{window: h.win, phase: window.PhaseActive}
			},
			cost: 50, contracts: 125,
			gate: gateMode,
		},
		{
			name: "order below venue minimum",
			setup: func(h *harness) windowState {
				return windowState{window: h.win, phase: window.PhaseActive}
			},
			cost: 1.96, contracts: 4.9,
			gate: gateMinSize,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ws := tc.setup(h)

			gate, ok := h.o.entryGate(context.Background(), h.inst, ws, tc.cost, tc.contracts)

			assert.False(t, ok)
			assert.Equal(t, tc.gate, gate)
		})
	}
}

func TestEntryGatePasses(t *testing.T) {
	h := newHarness(t)
	h.store.exposure = 400
	ws := windowState{window: h.win, phase: window.PhaseActive}

	gate, ok := h.o.entryGate(context.Background(), h.inst, ws, 50, 125)

	require.True(t, ok)
	assert.Empty(t, gate)
}

func TestEntryGateExactCapAllowed(t *testing.T) {
	h := newHarness(t)
	h.store.exposure = 450
	ws := windowState{window: h.win, phase: window.PhaseActive}

	// 450 held plus 50 new sits exactly at the 500 cap.
	_, ok := h.o.entryGate(context.Background(), h.inst, ws, 50, 125)

	assert.True(t, ok)
}

func TestEntryGateWithoutGuard(t *testing.T) {
	h := newHarness(t)
	h.o.guard = nil
	ws := windowState{window: h.win, phase: window.PhaseActive}

	_, ok := h.o.entryGate(context.Background(), h.inst, ws, 50, 125)

	assert.True(t, ok, "a nil guard never vetoes")
}
