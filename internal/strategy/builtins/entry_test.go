package builtins

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strikebot/strikebot/internal/strategy"
)

func probResult(p, conf float64) map[strategy.Type]strategy.Result {
	return map[strategy.Type]strategy.Result{
		strategy.TypeProbability: {"probability": p, "confidence": conf},
	}
}

// TestThresholdDirections tests the symmetric band: clear above buys
// up, clear below buys down, the middle stays flat.
func TestThresholdDirections(t *testing.T) {
	ec := evalCtx(newSnap().snap(), 50_000, 1_000)

	cases := []struct {
		name      string
		p         float64
		enter     bool
		direction string
	}{
		{"strong up", 0.70, true, "up"},
		{"at threshold", 0.65, true, "up"},
		{"strong down", 0.30, true, "down"},
		{"at mirror", 0.35, true, "down"},
		{"inside band high", 0.60, false, ""},
		{"inside band low", 0.40, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := evaluate(t, Threshold{}, ec, nil, probResult(tc.p, 0.9))

			assert.Equal(t, tc.enter, result.Bool("shouldEnter"))
			direction, _ := result.String("direction")
			assert.Equal(t, tc.direction, direction)
		})
	}
}

// TestThresholdConfidenceFloor tests that weak signals stay flat and
// that a missing confidence passes.
func TestThresholdConfidenceFloor(t *testing.T) {
	ec := evalCtx(newSnap().snap(), 50_000, 1_000)

	result := evaluate(t, Threshold{}, ec, nil, probResult(0.9, 0.2))
	assert.False(t, result.Bool("shouldEnter"))
	reason, _ := result.String("reason")
	assert.Equal(t, "low confidence", reason)

	prev := map[strategy.Type]strategy.Result{
		strategy.TypeProbability: {"probability": 0.9},
	}
	result = evaluate(t, Threshold{}, ec, nil, prev)
	assert.True(t, result.Bool("shouldEnter"))
}

// TestThresholdNoProbability tests the flat fallback when the
// probability stage produced nothing usable.
func TestThresholdNoProbability(t *testing.T) {
	ec := evalCtx(newSnap().snap(), 50_000, 1_000)

	result := evaluate(t, Threshold{}, ec, nil, map[strategy.Type]strategy.Result{})

	assert.False(t, result.Bool("shouldEnter"))
	reason, _ := result.String("reason")
	assert.Equal(t, "no probability", reason)
}

// TestThresholdHoldsOpenPosition tests that an open position blocks a
// second entry no matter the signal.
func TestThresholdHoldsOpenPosition(t *testing.T) {
	ec := evalCtx(newSnap().snap(), 50_000, 1_000)
	ec.Position = &strategy.PositionState{Side: "up", Size: 50, EntryPrice: 0.55}

	result := evaluate(t, Threshold{}, ec, nil, probResult(0.95, 1.0))

	assert.False(t, result.Bool("shouldEnter"))
	reason, _ := result.String("reason")
	assert.Equal(t, "position open", reason)
}

// TestThresholdCustomBand tests that the band follows the configured
// threshold.
func TestThresholdCustomBand(t *testing.T) {
	ec := evalCtx(newSnap().snap(), 50_000, 1_000)
	config := map[string]any{"threshold": 0.8}

	result := evaluate(t, Threshold{}, ec, config, probResult(0.75, 0.9))
	assert.False(t, result.Bool("shouldEnter"))

	result = evaluate(t, Threshold{}, ec, config, probResult(0.81, 0.9))
	assert.True(t, result.Bool("shouldEnter"))
}

// TestThresholdValidateConfig tests band and floor validation.
func TestThresholdValidateConfig(t *testing.T) {
	assert.NoError(t, Threshold{}.ValidateConfig(nil))
	assert.NoError(t, Threshold{}.ValidateConfig(map[string]any{"threshold": 0.7, "min_confidence": 0.0}))
	assert.Error(t, Threshold{}.ValidateConfig(map[string]any{"threshold": 0.5}))
	assert.Error(t, Threshold{}.ValidateConfig(map[string]any{"threshold": 1.0}))
	assert.Error(t, Threshold{}.ValidateConfig(map[string]any{"min_confidence": -0.1}))
	assert.Error(t, Threshold{}.ValidateConfig(map[string]any{"min_confidence": 1.1}))
	assert.Error(t, Threshold{}.ValidateConfig(map[string]any{"threshold": "tight"}))
}

// TestSpreadGuardPassesTightBook tests that a tight two-sided book
// lets the threshold decision through untouched.
func TestSpreadGuardPassesTightBook(t *testing.T) {
	snap := newSnap().books(0.55, 0.57, 0.41, 0.43).snap()
	ec := evalCtx(snap, 50_000, 1_000)

	result := evaluate(t, SpreadGuard{}, ec, nil, probResult(0.70, 0.9))

	assert.True(t, result.Bool("shouldEnter"))
	direction, _ := result.String("direction")
	assert.Equal(t, "up", direction)
}

// TestSpreadGuardBlocksWideSpread tests the max_spread_pct gate.
func TestSpreadGuardBlocksWideSpread(t *testing.T) {
	snap := newSnap().books(0.40, 0.60, 0.41, 0.43).snap()
	ec := evalCtx(snap, 50_000, 1_000)

	result := evaluate(t, SpreadGuard{}, ec, nil, probResult(0.70, 0.9))

	assert.False(t, result.Bool("shouldEnter"))
	reason, _ := result.String("reason")
	assert.Equal(t, "spread too wide", reason)
	spread, ok := result.Float64("spreadPct")
	require.True(t, ok)
	assert.InDelta(t, 0.4, spread, 1e-9)
}

// TestSpreadGuardBlocksEmptyBook tests that a one-sided or missing
// book refuses entry.
func TestSpreadGuardBlocksEmptyBook(t *testing.T) {
	t.Run("no books", func(t *testing.T) {
		ec := evalCtx(newSnap().snap(), 50_000, 1_000)
		result := evaluate(t, SpreadGuard{}, ec, nil, probResult(0.70, 0.9))

		assert.False(t, result.Bool("shouldEnter"))
		reason, _ := result.String("reason")
		assert.Equal(t, "book one-sided or empty", reason)
	})

	t.Run("ask only", func(t *testing.T) {
		snap := newSnap().books(0, 0.57, 0.41, 0.43).snap()
		result := evaluate(t, SpreadGuard{}, evalCtx(snap, 50_000, 1_000), nil, probResult(0.70, 0.9))

		assert.False(t, result.Bool("shouldEnter"))
	})
}

// TestSpreadGuardChecksChosenSide tests that the guard inspects the
// book it would actually cross.
func TestSpreadGuardChecksChosenSide(t *testing.T) {
	snap := newSnap().books(0.55, 0.57, 0, 0).snap()

	up := evaluate(t, SpreadGuard{}, evalCtx(snap, 50_000, 1_000), nil, probResult(0.70, 0.9))
	assert.True(t, up.Bool("shouldEnter"))

	down := evaluate(t, SpreadGuard{}, evalCtx(snap, 50_000, 1_000), nil, probResult(0.30, 0.9))
	assert.False(t, down.Bool("shouldEnter"))
	reason, _ := down.String("reason")
	assert.Equal(t, "book one-sided or empty", reason)
}

// TestSpreadGuardFlatSkipsBookChecks tests that a flat threshold
// decision passes through without touching the book.
func TestSpreadGuardFlatSkipsBookChecks(t *testing.T) {
	ec := evalCtx(newSnap().snap(), 50_000, 1_000)

	result := evaluate(t, SpreadGuard{}, ec, nil, probResult(0.60, 0.9))

	assert.False(t, result.Bool("shouldEnter"))
	reason, _ := result.String("reason")
	assert.Equal(t, "inside threshold band", reason)
}

// TestSpreadGuardValidateConfig tests the spread bound on top of the
// shared entry validation.
func TestSpreadGuardValidateConfig(t *testing.T) {
	assert.NoError(t, SpreadGuard{}.ValidateConfig(nil))
	assert.NoError(t, SpreadGuard{}.ValidateConfig(map[string]any{"max_spread_pct": 0.05}))
	assert.Error(t, SpreadGuard{}.ValidateConfig(map[string]any{"max_spread_pct": 0.0}))
	assert.Error(t, SpreadGuard{}.ValidateConfig(map[string]any{"max_spread_pct": 1.5}))
	assert.Error(t, SpreadGuard{}.ValidateConfig(map[string]any{"threshold": 0.4}))
}
