package market

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tick(source Source, symbol string, price float64, receivedAt time.Time) Tick {
	return Tick{
		Source:     source,
		Symbol:     symbol,
		Price:      price,
		Timestamp:  receivedAt,
		ReceivedAt: receivedAt,
	}
}

// TestApplyTickAndSnapshot tests that the latest price per source is visible
func TestApplyTickAndSnapshot(t *testing.T) {
	state := NewState(10 * time.Second)
	now := time.Now()

	state.ApplyTick(tick(SourceExchange, "BTC", 65000.0, now))
	state.ApplyTick(tick(SourceExchange, "BTC", 65007.5, now))
	state.ApplyTick(tick(SourceOraclePush, "BTC", 65001.2, now))
	state.ApplyTick(tick(SourceExchange, "ETH", 3400.0, now))

	snap := state.Snapshot("BTC")

	price, ok := snap.Price(SourceExchange)
	require.True(t, ok)
	assert.Equal(t, 65007.5, price)

	price, ok = snap.Price(SourceOraclePush)
	require.True(t, ok)
	assert.Equal(t, 65001.2, price)

	_, ok = snap.Price(SourceOracleSSE)
	assert.False(t, ok)

	// Other symbols never bleed in.
	_, ok = state.Snapshot("ETH").Price(SourceOraclePush)
	assert.False(t, ok)
}

// TestSnapshotIsCopy tests that later writes never mutate a taken snapshot
func TestSnapshotIsCopy(t *testing.T) {
	state := NewState(10 * time.Second)
	now := time.Now()

	state.ApplyTick(tick(SourceExchange, "BTC", 65000.0, now))
	snap := state.Snapshot("BTC")

	state.ApplyTick(tick(SourceExchange, "BTC", 99999.0, now.Add(time.Second)))

	price, ok := snap.Price(SourceExchange)
	require.True(t, ok)
	assert.Equal(t, 65000.0, price)
}

// TestStaleness tests age derivation against the staleness bound
func TestStaleness(t *testing.T) {
	state := NewState(time.Second)

	assert.True(t, state.Stale(SourceExchange, "BTC"))

	state.ApplyTick(tick(SourceExchange, "BTC", 65000.0, time.Now()))
	assert.False(t, state.Stale(SourceExchange, "BTC"))

	state.ApplyTick(tick(SourceOraclePush, "BTC", 65000.0, time.Now().Add(-5*time.Second)))
	assert.True(t, state.Stale(SourceOraclePush, "BTC"))

	age, ok := state.Age(SourceOraclePush, "BTC")
	require.True(t, ok)
	assert.Greater(t, age, 4*time.Second)
}

// TestSnapshotFreshness tests the per-source freshness flag on snapshots
func TestSnapshotFreshness(t *testing.T) {
	state := NewState(time.Second)
	state.ApplyTick(tick(SourceExchange, "BTC", 65000.0, time.Now()))
	state.ApplyTick(tick(SourceOraclePush, "BTC", 65000.0, time.Now().Add(-3*time.Second)))

	snap := state.Snapshot("BTC")

	assert.True(t, snap.Fresh(SourceExchange))
	assert.False(t, snap.Fresh(SourceOraclePush))
	assert.False(t, snap.Fresh(SourceOracleSSE))
}

// TestOraclePrefersFreshest tests the push/SSE oracle merge
func TestOraclePrefersFreshest(t *testing.T) {
	state := NewState(10 * time.Second)
	now := time.Now()

	state.ApplyTick(tick(SourceOraclePush, "BTC", 65000.0, now.Add(-2*time.Second)))
	state.ApplyTick(tick(SourceOracleSSE, "BTC", 65002.0, now))

	oracle, ok := state.Snapshot("BTC").Oracle()
	require.True(t, ok)
	assert.Equal(t, 65002.0, oracle.Price)

	// Push wins when it is the fresher one.
	state.ApplyTick(tick(SourceOraclePush, "BTC", 65005.0, now.Add(time.Second)))
	oracle, ok = state.Snapshot("BTC").Oracle()
	require.True(t, ok)
	assert.Equal(t, 65005.0, oracle.Price)

	_, ok = state.Snapshot("ETH").Oracle()
	assert.False(t, ok)
}

// TestSettlementPrice tests resolving the oracle print that settles a window
func TestSettlementPrice(t *testing.T) {
	state := NewState(10 * time.Second)
	closeEpoch := int64(1756100700)
	boundary := time.Unix(closeEpoch, 0)

	_, ok := state.SettlementPrice("BTC", closeEpoch)
	assert.False(t, ok)

	// A print from before the boundary cannot settle the window.
	state.ApplyTick(Tick{
		Source: SourceOraclePush, Symbol: "BTC", Price: 64990.0,
		Timestamp: boundary.Add(-2 * time.Second), ReceivedAt: time.Now(),
	})
	_, ok = state.SettlementPrice("BTC", closeEpoch)
	assert.False(t, ok)

	// The event stream crosses the boundary first.
	state.ApplyTick(Tick{
		Source: SourceOracleSSE, Symbol: "BTC", Price: 65001.0,
		Timestamp: boundary.Add(time.Second), ReceivedAt: time.Now(),
	})
	price, ok := state.SettlementPrice("BTC", closeEpoch)
	require.True(t, ok)
	assert.Equal(t, 65001.0, price)

	// Once the push feed crosses, exactly at the boundary, it wins.
	state.ApplyTick(Tick{
		Source: SourceOraclePush, Symbol: "BTC", Price: 65002.0,
		Timestamp: boundary, ReceivedAt: time.Now(),
	})
	price, ok = state.SettlementPrice("BTC", closeEpoch)
	require.True(t, ok)
	assert.Equal(t, 65002.0, price)

	_, ok = state.SettlementPrice("ETH", closeEpoch)
	assert.False(t, ok)
}

// TestSnapshotHistory tests the exchange print ring feeding indicators
func TestSnapshotHistory(t *testing.T) {
	state := NewState(10 * time.Second)
	now := time.Now()

	assert.Empty(t, state.Snapshot("BTC").History)

	for i := 0; i < 5; i++ {
		state.ApplyTick(tick(SourceExchange, "BTC", 65000+float64(i), now))
	}
	// Oracle prints never enter the indicator series.
	state.ApplyTick(tick(SourceOraclePush, "BTC", 1.0, now))

	history := state.Snapshot("BTC").History
	require.Len(t, history, 5)
	assert.Equal(t, []float64{65000, 65001, 65002, 65003, 65004}, history)

	// Past capacity the oldest prints fall off and order is preserved.
	for i := 0; i < historyDepth+10; i++ {
		state.ApplyTick(tick(SourceExchange, "ETH", float64(i), now))
	}
	history = state.Snapshot("ETH").History
	require.Len(t, history, historyDepth)
	assert.Equal(t, float64(10), history[0])
	assert.Equal(t, float64(historyDepth+9), history[historyDepth-1])

	// The snapshot owns its copy.
	history[0] = -1
	assert.Equal(t, float64(10), state.Snapshot("ETH").History[0])
}

// TestStalenessScore tests the [0, 1] freshness mapping
func TestStalenessScore(t *testing.T) {
	state := NewState(10 * time.Second)

	// No oracle data at all.
	assert.Equal(t, 0.0, state.Snapshot("BTC").StalenessScore())

	state.ApplyTick(tick(SourceOraclePush, "BTC", 65000.0, time.Now()))
	assert.InDelta(t, 1.0, state.Snapshot("BTC").StalenessScore(), 0.05)

	state.ApplyTick(tick(SourceOraclePush, "BTC", 65000.0, time.Now().Add(-5*time.Second)))
	assert.InDelta(t, 0.5, state.Snapshot("BTC").StalenessScore(), 0.05)

	state.ApplyTick(tick(SourceOraclePush, "BTC", 65000.0, time.Now().Add(-time.Minute)))
	assert.Equal(t, 0.0, state.Snapshot("BTC").StalenessScore())
}

// TestBookSnapshotAndTop tests full book replacement and top-of-book derivation
func TestBookSnapshotAndTop(t *testing.T) {
	state := NewState(10 * time.Second)
	state.SetActiveTokens("BTC", "up-token", "down-token")

	state.ApplyBookSnapshot(BookSnapshot{
		TokenID: "up-token",
		Bids: []Level{
			{Price: 0.61, Size: 120},
			{Price: 0.62, Size: 80},
			{Price: 0.60, Size: 500},
		},
		Asks: []Level{
			{Price: 0.65, Size: 90},
			{Price: 0.64, Size: 40},
		},
		Timestamp:  1000,
		ReceivedAt: time.Now(),
	})

	snap := state.Snapshot("BTC")

	assert.Equal(t, "up-token", snap.UpBook.TokenID)
	assert.Equal(t, 0.62, snap.UpBook.BestBid)
	assert.Equal(t, 80.0, snap.UpBook.BidSize)
	assert.Equal(t, 0.64, snap.UpBook.BestAsk)
	assert.Equal(t, 40.0, snap.UpBook.AskSize)
	assert.InDelta(t, 0.63, snap.UpBook.Mid, 1e-9)
	assert.InDelta(t, 0.63, snap.UIPrice(), 1e-9)
	assert.False(t, snap.UpBook.Crossed())

	// Down token has no data yet: zero top but the id is bound.
	assert.Equal(t, "down-token", snap.DownBook.TokenID)
	assert.Equal(t, 0.0, snap.DownBook.BestBid)
	assert.Equal(t, int64(-1), snap.DownBook.AgeMS)
}

func TestQuote(t *testing.T) {
	state := NewState(10 * time.Second)
	state.SetActiveTokens("BTC", "up-token", "down-token")

	_, ok := state.Quote("up-token")
	assert.False(t, ok, "no snapshot applied yet")

	state.ApplyBookSnapshot(BookSnapshot{
		TokenID:    "up-token",
		Bids:       []Level{{Price: 0.55, Size: 200}},
		Asks:       []Level{{Price: 0.57, Size: 150}},
		Timestamp:  1000,
		ReceivedAt: time.Now(),
	})

	top, ok := state.Quote("up-token")
	require.True(t, ok)
	assert.Equal(t, "up-token", top.TokenID)
	assert.Equal(t, 0.55, top.BestBid)
	assert.Equal(t, 0.57, top.BestAsk)
	assert.InDelta(t, 0.56, top.Mid, 1e-9)

	_, ok = state.Quote("unknown-token")
	assert.False(t, ok)
}

// TestBookDeltaApplication tests level mutation and removal
func TestBookDeltaApplication(t *testing.T) {
	state := NewState(10 * time.Second)
	state.SetActiveTokens("BTC", "up-token", "down-token")

	state.ApplyBookSnapshot(BookSnapshot{
		TokenID:    "up-token",
		Bids:       []Level{{Price: 0.62, Size: 80}},
		Asks:       []Level{{Price: 0.64, Size: 40}},
		Timestamp:  1000,
		ReceivedAt: time.Now(),
	})

	state.ApplyBookDelta(BookDelta{
		TokenID: "up-token",
		Changes: []LevelChange{
			{Side: "BUY", Price: 0.63, Size: 25},  // new best bid
			{Side: "SELL", Price: 0.64, Size: 0},  // remove best ask
			{Side: "SELL", Price: 0.66, Size: 10}, // new ask level
		},
		Timestamp:  1001,
		ReceivedAt: time.Now(),
	})

	top := state.Snapshot("BTC").UpBook
	assert.Equal(t, 0.63, top.BestBid)
	assert.Equal(t, 25.0, top.BidSize)
	assert.Equal(t, 0.66, top.BestAsk)
	assert.Equal(t, 10.0, top.AskSize)
}

// TestOutOfOrderDeltaDropped tests that stale deltas never regress the book
func TestOutOfOrderDeltaDropped(t *testing.T) {
	state := NewState(10 * time.Second)
	state.SetActiveTokens("BTC", "up-token", "down-token")

	state.ApplyBookSnapshot(BookSnapshot{
		TokenID:    "up-token",
		Bids:       []Level{{Price: 0.62, Size: 80}},
		Asks:       []Level{{Price: 0.64, Size: 40}},
		Timestamp:  2000,
		ReceivedAt: time.Now(),
	})

	// Older than the snapshot: dropped.
	state.ApplyBookDelta(BookDelta{
		TokenID:    "up-token",
		Changes:    []LevelChange{{Side: "BUY", Price: 0.99, Size: 1}},
		Timestamp:  1500,
		ReceivedAt: time.Now(),
	})

	top := state.Snapshot("BTC").UpBook
	assert.Equal(t, 0.62, top.BestBid)

	// Delta for an unseen token: dropped, never panics.
	state.ApplyBookDelta(BookDelta{
		TokenID:    "phantom-token",
		Changes:    []LevelChange{{Side: "BUY", Price: 0.5, Size: 1}},
		Timestamp:  3000,
		ReceivedAt: time.Now(),
	})
}

// TestSnapshotResync tests that a fresh snapshot always replaces the book
func TestSnapshotResync(t *testing.T) {
	state := NewState(10 * time.Second)
	state.SetActiveTokens("BTC", "up-token", "down-token")

	state.ApplyBookSnapshot(BookSnapshot{
		TokenID:    "up-token",
		Bids:       []Level{{Price: 0.62, Size: 80}},
		Asks:       []Level{{Price: 0.64, Size: 40}},
		Timestamp:  2000,
		ReceivedAt: time.Now(),
	})

	// Venue-initiated resync with a regressed timestamp still wins.
	state.ApplyBookSnapshot(BookSnapshot{
		TokenID:    "up-token",
		Bids:       []Level{{Price: 0.55, Size: 10}},
		Asks:       []Level{{Price: 0.57, Size: 12}},
		Timestamp:  1800,
		ReceivedAt: time.Now(),
	})

	top := state.Snapshot("BTC").UpBook
	assert.Equal(t, 0.55, top.BestBid)
	assert.Equal(t, 0.57, top.BestAsk)
}

// TestSetActiveTokensPrunesOldBooks tests window rotation cleanup
func TestSetActiveTokensPrunesOldBooks(t *testing.T) {
	state := NewState(10 * time.Second)
	state.SetActiveTokens("BTC", "old-up", "old-down")

	state.ApplyBookSnapshot(BookSnapshot{
		TokenID:    "old-up",
		Bids:       []Level{{Price: 0.62, Size: 80}},
		Asks:       []Level{{Price: 0.64, Size: 40}},
		Timestamp:  1000,
		ReceivedAt: time.Now(),
	})

	state.SetActiveTokens("BTC", "new-up", "new-down")

	state.mu.RLock()
	_, kept := state.books["old-up"]
	state.mu.RUnlock()
	assert.False(t, kept)
}

// TestConcurrentReadersAndWriters tests that snapshots stay consistent under load
func TestConcurrentReadersAndWriters(t *testing.T) {
	state := NewState(10 * time.Second)
	state.SetActiveTokens("BTC", "up-token", "down-token")

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for _, source := range Sources() {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				state.ApplyTick(tick(src, "BTC", 65000+float64(i), time.Now()))
			}
		}(source)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			state.ApplyBookSnapshot(BookSnapshot{
				TokenID:    "up-token",
				Bids:       []Level{{Price: 0.62, Size: float64(i + 1)}},
				Asks:       []Level{{Price: 0.64, Size: float64(i + 1)}},
				Timestamp:  int64(i),
				ReceivedAt: time.Now(),
			})
		}
	}()

	for i := 0; i < 1000; i++ {
		snap := state.Snapshot("BTC")
		// A book with both sides present always has a mid between them.
		if snap.UpBook.BestBid > 0 && snap.UpBook.BestAsk > 0 {
			assert.GreaterOrEqual(t, snap.UpBook.Mid, snap.UpBook.BestBid)
			assert.LessOrEqual(t, snap.UpBook.Mid, snap.UpBook.BestAsk)
		}
	}

	close(stop)
	wg.Wait()
}
