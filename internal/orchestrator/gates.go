package orchestrator

import (
	"context"

	"github.com/strikebot/strikebot/internal/strategy"
	"github.com/strikebot/strikebot/internal/window"
)

// Gate identifiers, in evaluation order. The first failing gate names
// the block in logs and metrics.
const (
	gateNearExpiry = "near_expiry"
	gateManifest   = "manifest"
	gateAutoStop   = "auto_stop"
	gateExposure   = "exposure"
	gateSlot       = "open_position"
	gateMode       = "mode"
	gateMinSize    = "min_size"
)

// moder is implemented by both execution adapters; it reports which
// trading mode the adapter serves.
type moder interface {
	Mode() string
}

// entryGate checks every condition an entry must clear. cost is the
// order's dollar cost, contracts its size. It returns the first
// failing gate's name, or ok.
func (o *Orchestrator) entryGate(ctx context.Context, inst *strategy.Instance, ws windowState, cost, contracts float64) (string, bool) {
	if ws.phase != window.PhaseActive {
		return gateNearExpiry, false
	}
	if !o.manifest.Lists(inst.Name) {
		return gateManifest, false
	}
	if o.guard != nil {
		if tripped, reason := o.guard.Tripped(); tripped {
			o.logger.Warn().
				Str("reason", reason).
				Str("strategy", inst.Name).
				Msg("Auto-stop tripped, entry refused")
			return gateAutoStop, false
		}
	}

	exposure, err := o.store.TotalOpenExposure(ctx)
	if err != nil {
		// Unknown exposure fails closed.
		o.logger.Warn().
			Err(err).
			Msg("Exposure read failed, entry refused")
		return gateExposure, false
	}
	pending := o.inflight.pendingCost()
	exposureGauge.Set(exposure + pending)
	if exposure+pending+cost > o.manifest.MaxExposureDollars {
		return gateExposure, false
	}

	if o.slot(slotKey{strategyID: inst.ID, windowID: ws.window.ID}) != nil {
		return gateSlot, false
	}
	if m, ok := o.adapter.(moder); !ok || m.Mode() != o.mode {
		return gateMode, false
	}
	if contracts < o.minSize {
		return gateMinSize, false
	}
	return "", true
}
