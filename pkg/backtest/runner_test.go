package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strikebot/strikebot/internal/strategy"
	"github.com/strikebot/strikebot/internal/strategy/builtins"
)

var _ Evaluator = (*strategy.Composer)(nil)

const (
	testOpen  = int64(1748779200)
	testClose = testOpen + 900
)

// scriptedEvals feeds a fixed decision sequence into the runner, one
// decision per evaluation call in ledger order, holding once the
// script runs out.
type scriptedEvals struct {
	insts []*strategy.Instance
	queue []strategy.Decision
	ctxs  []strategy.EvalContext
}

func newScriptedEvals(decisions ...strategy.Decision) *scriptedEvals {
	return &scriptedEvals{
		insts: []*strategy.Instance{{ID: uuid.New(), Name: "scripted", Active: true}},
		queue: decisions,
	}
}

func (s *scriptedEvals) Execute(_ context.Context, id uuid.UUID, ec strategy.EvalContext) (*strategy.Evaluation, error) {
	s.ctxs = append(s.ctxs, ec)
	d := strategy.Decision{Action: strategy.ActionHold}
	if len(s.queue) > 0 {
		d = s.queue[0]
		s.queue = s.queue[1:]
	}
	return &strategy.Evaluation{StrategyID: id, Decision: d}, nil
}

func (s *scriptedEvals) List(bool) []*strategy.Instance {
	return s.insts
}

func enterUp(stake float64) strategy.Decision {
	return strategy.Decision{Action: strategy.ActionEnter, Direction: "up", Size: stake}
}

func testParams() Params {
	return Params{
		StartingCapital: 1000,
		PositionSize:    100,
		MaxExposure:     500,
		MinOrderSize:    5,
		EntryLock:       time.Minute,
		StaleAfter:      30 * time.Second,
	}
}

// replayTick is a full recorded step with both books quoted. Up trades
// at 0.48/0.50, down at 0.46/0.48.
func replayTick(offset int64, spot, oracle float64) RecordedTick {
	return RecordedTick{
		OffsetMS: offset,
		Spot:     spot,
		Oracle:   oracle,
		UpBid:    0.48,
		UpAsk:    0.50,
		DownBid:  0.46,
		DownAsk:  0.48,
	}
}

func recordingWithFinal(final float64, ticks ...RecordedTick) WindowRecording {
	return WindowRecording{
		WindowID:   "btc-updown-15m-1748779200",
		Symbol:     "btc",
		OpenEpoch:  testOpen,
		CloseEpoch: testClose,
		Strike:     104000,
		FinalPrice: final,
		Ticks:      ticks,
	}
}

func TestRunSettlementArithmetic(t *testing.T) {
	tests := []struct {
		name       string
		final      float64
		wantEquity float64
		wantPnL    float64
		wantWins   int
		wantLosses int
	}{
		{"up wins above strike", 104100, 1100, 100, 1, 0},
		{"up wins at strike", 104000, 1100, 100, 1, 0},
		{"down wins below strike", 103900, 900, -100, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evals := newScriptedEvals(enterUp(100))
			runner := NewRunner(evals, testParams())

			rec := recordingWithFinal(tt.final,
				replayTick(0, 103990, 103985),
				replayTick(60_000, 104020, 104010),
			)
			report, err := runner.Run(context.Background(), []WindowRecording{rec})
			require.NoError(t, err)
			require.Len(t, report.Results, 1)

			m := report.Results[0].Metrics
			assert.Equal(t, 1, m.Trades)
			assert.Equal(t, tt.wantWins, m.Wins)
			assert.Equal(t, tt.wantLosses, m.Losses)
			assert.InDelta(t, tt.wantPnL, m.TotalPnL, 1e-9)
			assert.InDelta(t, tt.wantEquity, m.FinalEquity, 1e-9)

			trades := report.Results[0].Trades
			require.Len(t, trades, 1)
			tr := trades[0]
			assert.Equal(t, "settlement", tr.Reason)
			assert.Equal(t, "up", tr.Direction)
			assert.InDelta(t, 0.50, tr.EntryPrice, 1e-9)
			assert.InDelta(t, 200.0, tr.Size, 1e-9)
			assert.Equal(t, time.Unix(testOpen, 0).UTC(), tr.EnteredAt)
			assert.Equal(t, time.Unix(testClose, 0).UTC(), tr.ExitedAt)
		})
	}
}

func TestRunEntersDownToken(t *testing.T) {
	evals := newScriptedEvals(strategy.Decision{Action: strategy.ActionEnter, Direction: "down", Size: 100})
	runner := NewRunner(evals, testParams())

	tick := replayTick(0, 103990, 103985)
	tick.DownAsk = 0.50
	rec := recordingWithFinal(103900, tick)

	report, err := runner.Run(context.Background(), []WindowRecording{rec})
	require.NoError(t, err)

	trades := report.Results[0].Trades
	require.Len(t, trades, 1)
	assert.Equal(t, "down", trades[0].Direction)
	assert.InDelta(t, 0.50, trades[0].EntryPrice, 1e-9)
	assert.InDelta(t, 100.0, trades[0].PnL, 1e-9)
	assert.InDelta(t, 1100.0, report.Results[0].Metrics.FinalEquity, 1e-9)
}

func TestRunStrategyExitClosesAtBid(t *testing.T) {
	evals := newScriptedEvals(
		enterUp(100),
		strategy.Decision{Action: strategy.ActionExit},
	)
	runner := NewRunner(evals, testParams())

	exitTick := RecordedTick{
		OffsetMS: 120_000,
		Spot:     104100,
		Oracle:   104090,
		UpBid:    0.60,
		UpAsk:    0.62,
		DownBid:  0.35,
		DownAsk:  0.38,
	}
	rec := recordingWithFinal(103900, replayTick(0, 103990, 103985), exitTick)

	report, err := runner.Run(context.Background(), []WindowRecording{rec})
	require.NoError(t, err)

	trades := report.Results[0].Trades
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.Equal(t, "strategy_exit", tr.Reason)
	assert.InDelta(t, 0.60, tr.ExitPrice, 1e-9)
	assert.InDelta(t, 20.0, tr.PnL, 1e-9)
	assert.Equal(t, time.Unix(testOpen+120, 0).UTC(), tr.ExitedAt)

	// The window later settles down; having exited early, the ledger
	// keeps the sale proceeds.
	assert.InDelta(t, 1020.0, report.Results[0].Metrics.FinalEquity, 1e-9)
}

func TestRunEntryLockBlocksLateEntries(t *testing.T) {
	evals := newScriptedEvals(enterUp(100))
	runner := NewRunner(evals, testParams())

	// 30s remaining is inside the 60s entry lock.
	rec := recordingWithFinal(104100, replayTick(870_000, 104050, 104040))

	report, err := runner.Run(context.Background(), []WindowRecording{rec})
	require.NoError(t, err)

	m := report.Results[0].Metrics
	assert.Zero(t, m.Trades)
	assert.InDelta(t, 1000.0, m.FinalEquity, 1e-9)
	require.Len(t, report.Results[0].Curve, 1)
	assert.InDelta(t, 1000.0, report.Results[0].Curve[0].Equity, 1e-9)
}

func TestRunHoldsOneSlotPerStrategy(t *testing.T) {
	evals := newScriptedEvals(enterUp(100), enterUp(100), enterUp(100))
	runner := NewRunner(evals, testParams())

	rec := recordingWithFinal(104100,
		replayTick(0, 103990, 103985),
		replayTick(60_000, 104000, 103995),
		replayTick(120_000, 104010, 104005),
	)
	report, err := runner.Run(context.Background(), []WindowRecording{rec})
	require.NoError(t, err)

	require.Len(t, report.Results[0].Trades, 1)

	// Later evaluations see the held position.
	require.Len(t, evals.ctxs, 3)
	assert.Nil(t, evals.ctxs[0].Position)
	require.NotNil(t, evals.ctxs[1].Position)
	assert.Equal(t, "up", evals.ctxs[1].Position.Side)
	assert.InDelta(t, 0.50, evals.ctxs[1].Position.EntryPrice, 1e-9)
}

func TestRunEntryGates(t *testing.T) {
	tests := []struct {
		name     string
		decision strategy.Decision
		params   func(Params) Params
	}{
		{
			name:     "no direction",
			decision: strategy.Decision{Action: strategy.ActionEnter, Size: 100},
		},
		{
			name:     "zero stake",
			decision: strategy.Decision{Action: strategy.ActionEnter, Direction: "up"},
		},
		{
			// 2 dollars at the 0.50 ask is 4 contracts, under the
			// 5-contract venue minimum.
			name:     "below venue minimum",
			decision: enterUp(2),
		},
		{
			name:     "exposure cap",
			decision: enterUp(100),
			params: func(p Params) Params {
				p.MaxExposure = 50
				return p
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := testParams()
			if tt.params != nil {
				params = tt.params(params)
			}
			evals := newScriptedEvals(tt.decision)
			runner := NewRunner(evals, params)

			rec := recordingWithFinal(104100, replayTick(0, 103990, 103985))
			report, err := runner.Run(context.Background(), []WindowRecording{rec})
			require.NoError(t, err)

			assert.Zero(t, report.Results[0].Metrics.Trades)
			assert.InDelta(t, 1000.0, report.Results[0].Metrics.FinalEquity, 1e-9)
		})
	}
}

func TestRunReplaysWindowsInOrder(t *testing.T) {
	evals := newScriptedEvals(enterUp(100), enterUp(100))
	runner := NewRunner(evals, testParams())

	first := recordingWithFinal(104100, replayTick(0, 103990, 103985))
	second := recordingWithFinal(103900, replayTick(0, 104010, 104000))
	second.WindowID = "btc-updown-15m-1748780100"
	second.OpenEpoch = testClose
	second.CloseEpoch = testClose + 900

	report, err := runner.Run(context.Background(), []WindowRecording{first, second})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Windows)
	res := report.Results[0]
	require.Len(t, res.Trades, 2)
	require.Len(t, res.Curve, 2)
	assert.InDelta(t, 1100.0, res.Curve[0].Equity, 1e-9)
	assert.InDelta(t, 1000.0, res.Curve[1].Equity, 1e-9)
	assert.Equal(t, 2, res.Metrics.Windows)
	assert.InDelta(t, 50.0, res.Metrics.HitRate, 1e-9)
	assert.InDelta(t, 100.0, res.Metrics.MaxDrawdown, 1e-9)
}

func TestRunKeepsLedgersIndependent(t *testing.T) {
	evals := newScriptedEvals(enterUp(100), strategy.Decision{Action: strategy.ActionHold})
	evals.insts = append(evals.insts, &strategy.Instance{ID: uuid.New(), Name: "second", Active: true})
	runner := NewRunner(evals, testParams())

	rec := recordingWithFinal(104100, replayTick(0, 103990, 103985))
	report, err := runner.Run(context.Background(), []WindowRecording{rec})
	require.NoError(t, err)

	require.Len(t, report.Results, 2)
	assert.Equal(t, 1, report.Results[0].Metrics.Trades)
	assert.InDelta(t, 1100.0, report.Results[0].Metrics.FinalEquity, 1e-9)
	assert.Zero(t, report.Results[1].Metrics.Trades)
	assert.InDelta(t, 1000.0, report.Results[1].Metrics.FinalEquity, 1e-9)
}

func TestRunRejectsUnknownStrategyName(t *testing.T) {
	params := testParams()
	params.Strategies = []string{"no-such-strategy"}
	runner := NewRunner(newScriptedEvals(), params)

	rec := recordingWithFinal(104100, replayTick(0, 103990, 103985))
	_, err := runner.Run(context.Background(), []WindowRecording{rec})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-strategy")
}

func TestRunValidatesRecordings(t *testing.T) {
	runner := NewRunner(newScriptedEvals(), testParams())

	_, err := runner.Run(context.Background(), nil)
	require.Error(t, err)

	missingFinal := recordingWithFinal(0, replayTick(0, 103990, 103985))
	_, err = runner.Run(context.Background(), []WindowRecording{missingFinal})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "final_price")
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := NewRunner(newScriptedEvals(), testParams())
	rec := recordingWithFinal(104100, replayTick(0, 103990, 103985))

	_, err := runner.Run(ctx, []WindowRecording{rec})
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunThroughComposedStrategy(t *testing.T) {
	cat := strategy.NewCatalog()
	registered, rejected := builtins.Register(cat)
	require.Empty(t, rejected)
	require.Positive(t, registered)
	composer := strategy.NewComposer(cat, strategy.NopPersister{})

	_, err := composer.Create(context.Background(), "spot-follow",
		map[strategy.Type]string{
			strategy.TypeProbability: "prob-spot-lag-v1",
			strategy.TypeEntry:       "entry-threshold-v1",
			strategy.TypeSizing:      "sizing-fixed-v1",
			strategy.TypeExit:        "exit-hold-v1",
		},
		map[string]any{"threshold": 0.55, "min_confidence": 0.2, "size_dollars": 100.0})
	require.NoError(t, err)

	params := testParams()
	params.Strategies = []string{"spot-follow"}
	runner := NewRunner(composer, params)

	// Spot well above the strike drives the logistic model near
	// certainty; the fresh oracle print carries the confidence.
	rec := recordingWithFinal(104500,
		replayTick(0, 104500, 104480),
		replayTick(60_000, 104520, 104500),
		replayTick(120_000, 104510, 104495),
	)
	report, err := runner.Run(context.Background(), []WindowRecording{rec})
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	m := report.Results[0].Metrics
	assert.Equal(t, "spot-follow", m.Strategy)
	require.Equal(t, 1, m.Trades)
	assert.Equal(t, 1, m.Wins)
	assert.InDelta(t, 1100.0, m.FinalEquity, 1e-9)

	trades := report.Results[0].Trades
	assert.Equal(t, "up", trades[0].Direction)
	assert.Equal(t, "settlement", trades[0].Reason)
}
