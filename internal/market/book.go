package market

import "time"

// tokenBook mirrors one token's order book. Levels are keyed by price;
// tops are recomputed on read, which is cheap at prediction-market
// depth (prices are tick-quantized to at most a few hundred levels).
type tokenBook struct {
	bids      map[float64]float64
	asks      map[float64]float64
	lastTS    int64 // venue ms of the newest applied message
	updatedAt time.Time
}

func newTokenBook() *tokenBook {
	return &tokenBook{
		bids: make(map[float64]float64),
		asks: make(map[float64]float64),
	}
}

// applySnapshot replaces both sides. Snapshots always win, even when
// the venue timestamp regresses: a fresh snapshot is the venue telling
// us to resync.
func (b *tokenBook) applySnapshot(snap BookSnapshot) {
	b.bids = make(map[float64]float64, len(snap.Bids))
	for _, lvl := range snap.Bids {
		if lvl.Size > 0 {
			b.bids[lvl.Price] = lvl.Size
		}
	}
	b.asks = make(map[float64]float64, len(snap.Asks))
	for _, lvl := range snap.Asks {
		if lvl.Size > 0 {
			b.asks[lvl.Price] = lvl.Size
		}
	}
	b.lastTS = snap.Timestamp
	b.updatedAt = snap.ReceivedAt
}

// applyDelta mutates individual levels. Returns false when the delta
// is older than the newest applied message; the caller drops it.
func (b *tokenBook) applyDelta(delta BookDelta) bool {
	if delta.Timestamp < b.lastTS {
		return false
	}

	for _, ch := range delta.Changes {
		side := b.asks
		if ch.Side == "BUY" {
			side = b.bids
		}
		if ch.Size <= 0 {
			delete(side, ch.Price)
		} else {
			side[ch.Price] = ch.Size
		}
	}
	b.lastTS = delta.Timestamp
	b.updatedAt = delta.ReceivedAt
	return true
}

// top returns the current best bid/ask with sizes and the derived mid.
func (b *tokenBook) top(now time.Time) BookTop {
	top := BookTop{}

	for price, size := range b.bids {
		if price > top.BestBid {
			top.BestBid = price
			top.BidSize = size
		}
	}
	for price, size := range b.asks {
		if top.BestAsk == 0 || price < top.BestAsk {
			top.BestAsk = price
			top.AskSize = size
		}
	}
	if top.BestBid > 0 && top.BestAsk > 0 {
		top.Mid = (top.BestBid + top.BestAsk) / 2
	}
	if !b.updatedAt.IsZero() {
		top.AgeMS = now.Sub(b.updatedAt).Milliseconds()
	} else {
		top.AgeMS = -1
	}
	return top
}

// BookTop is the top of one token's book at snapshot time. AgeMS is -1
// when no book message has arrived yet.
type BookTop struct {
	TokenID string
	BestBid float64
	BidSize float64
	BestAsk float64
	AskSize float64
	Mid     float64
	AgeMS   int64
}

// Crossed reports a bid at or above the ask, which means the local
// mirror is out of sync and due for a resync snapshot.
func (t BookTop) Crossed() bool {
	return t.BestBid > 0 && t.BestAsk > 0 && t.BestBid >= t.BestAsk
}

// SpreadPct returns the relative spread against the mid, or 0 when
// either side is empty.
func (t BookTop) SpreadPct() float64 {
	if t.Mid <= 0 {
		return 0
	}
	return (t.BestAsk - t.BestBid) / t.Mid
}
