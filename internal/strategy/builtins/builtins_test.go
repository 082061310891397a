package builtins

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strikebot/strikebot/internal/market"
	"github.com/strikebot/strikebot/internal/strategy"
)

const testSymbol = "BTC-USD"

// snapBuilder assembles market snapshots through a real state so
// freshness scoring, history and book tops behave exactly as they do
// live.
type snapBuilder struct {
	st *market.State
}

func newSnap() *snapBuilder {
	return &snapBuilder{st: market.NewState(5 * time.Second)}
}

func (b *snapBuilder) spot(price float64) *snapBuilder {
	return b.spotAt(price, time.Now())
}

func (b *snapBuilder) spotAt(price float64, at time.Time) *snapBuilder {
	b.st.ApplyTick(market.Tick{
		Source:     market.SourceExchange,
		Symbol:     testSymbol,
		Price:      price,
		Timestamp:  at,
		ReceivedAt: at,
	})
	return b
}

func (b *snapBuilder) oracle(price float64) *snapBuilder {
	now := time.Now()
	b.st.ApplyTick(market.Tick{
		Source:     market.SourceOraclePush,
		Symbol:     testSymbol,
		Price:      price,
		Timestamp:  now,
		ReceivedAt: now,
	})
	return b
}

func (b *snapBuilder) history(prices ...float64) *snapBuilder {
	for _, p := range prices {
		b.spot(p)
	}
	return b
}

// books installs single-level books for both tokens. A zero price
// leaves that side of the book empty.
func (b *snapBuilder) books(upBid, upAsk, downBid, downAsk float64) *snapBuilder {
	b.st.SetActiveTokens(testSymbol, "tok-up", "tok-down")
	now := time.Now()
	apply := func(tokenID string, bid, ask float64) {
		snap := market.BookSnapshot{TokenID: tokenID, Timestamp: now.UnixMilli(), ReceivedAt: now}
		if bid > 0 {
			snap.Bids = []market.Level{{Price: bid, Size: 100}}
		}
		if ask > 0 {
			snap.Asks = []market.Level{{Price: ask, Size: 100}}
		}
		b.st.ApplyBookSnapshot(snap)
	}
	apply("tok-up", upBid, upAsk)
	apply("tok-down", downBid, downAsk)
	return b
}

func (b *snapBuilder) snap() market.Snapshot {
	return b.st.Snapshot(testSymbol)
}

func evalCtx(snap market.Snapshot, strike, balance float64) strategy.EvalContext {
	return strategy.EvalContext{
		WindowID:      "w-test",
		Symbol:        testSymbol,
		Strike:        strike,
		TimeRemaining: 10 * time.Minute,
		Market:        snap,
		Balance:       balance,
	}
}

// ascending returns n strictly rising prices, enough to saturate RSI.
func ascending(n int) []float64 {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = 100 + float64(i)
	}
	return prices
}

func descending(n int) []float64 {
	prices := make([]float64, n)
	for i := range prices {
		prices[i] = 100 + float64(n-i)
	}
	return prices
}

// TestAllCoversEveryType tests that the stock set ships two components
// per pipeline slot under the documented version ids.
func TestAllCoversEveryType(t *testing.T) {
	comps := All()
	require.Len(t, comps, 8)

	ids := make(map[string]bool, len(comps))
	byType := make(map[strategy.Type]int)
	for _, c := range comps {
		meta := c.Metadata()
		id, err := strategy.GenerateVersionID(meta.Type, meta.Name, meta.Version)
		require.NoError(t, err)
		ids[id] = true
		byType[meta.Type]++
	}

	for _, id := range []string{
		"prob-spot-lag-v1", "prob-momentum-v1",
		"entry-threshold-v1", "entry-spread-guard-v1",
		"sizing-fixed-v1", "sizing-kelly-v1",
		"exit-hold-v1", "exit-stop-take-v1",
	} {
		assert.True(t, ids[id], "missing %s", id)
	}
	for _, typ := range strategy.PipelineOrder() {
		assert.Equal(t, 2, byType[typ], "slot %s", typ)
	}
}

// TestRegister tests that every stock component survives catalog
// discovery.
func TestRegister(t *testing.T) {
	cat := strategy.NewCatalog()

	added, errs := Register(cat)
	assert.Equal(t, 8, added)
	assert.Empty(t, errs)
	assert.Equal(t, 8, cat.View().Len())
}

// TestStockPipeline tests a full evaluation through real stock
// components: spot above strike, tight book, flat Kelly-free sizing.
func TestStockPipeline(t *testing.T) {
	cat := strategy.NewCatalog()
	_, errs := Register(cat)
	require.Empty(t, errs)

	composer := strategy.NewComposer(cat, nil)
	inst, err := composer.Create(context.Background(), "follow-spot", map[strategy.Type]string{
		strategy.TypeProbability: "prob-spot-lag-v1",
		strategy.TypeEntry:       "entry-spread-guard-v1",
		strategy.TypeSizing:      "sizing-fixed-v1",
		strategy.TypeExit:        "exit-hold-v1",
	}, map[string]any{"size_dollars": 25.0})
	require.NoError(t, err)

	snap := newSnap().
		spot(50_400).
		oracle(50_400).
		books(0.60, 0.62, 0.37, 0.39).
		snap()

	eval, err := composer.Execute(context.Background(), inst.ID, evalCtx(snap, 50_000, 1_000))
	require.NoError(t, err)

	assert.Equal(t, strategy.ActionEnter, eval.Decision.Action)
	assert.Equal(t, "up", eval.Decision.Direction)
	assert.Equal(t, 25.0, eval.Decision.Size)
	require.NotNil(t, eval.Decision.Probability)
	assert.Greater(t, *eval.Decision.Probability, 0.9)
	assert.Len(t, eval.Results, 4)
}
