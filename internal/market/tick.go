// Package market holds the transient in-memory view of every price
// source. Feed subscribers write ticks and book updates; everything
// downstream reads point-in-time snapshots.
package market

import "time"

// Source identifies which feed produced an update.
type Source string

const (
	SourceExchange   Source = "exchange"    // spot exchange trade stream
	SourceOraclePush Source = "oracle_push" // on-chain oracle polling
	SourceOracleSSE  Source = "oracle_sse"  // venue oracle event stream
	SourceClobBook   Source = "clob_book"   // venue order book stream
)

// Sources lists every feed source in a stable order.
func Sources() []Source {
	return []Source{SourceExchange, SourceOraclePush, SourceOracleSSE, SourceClobBook}
}

// Tick is one normalized price observation. Subscribers produce them;
// only the market state consumes them.
type Tick struct {
	Source     Source
	Symbol     string
	Price      float64
	Timestamp  time.Time // upstream event time, when the venue provides one
	ReceivedAt time.Time // local receive time; staleness is derived from this
}

// Level is one order-book price level.
type Level struct {
	Price float64
	Size  float64
}

// BookSnapshot replaces one token's book wholesale.
type BookSnapshot struct {
	TokenID    string
	Bids       []Level
	Asks       []Level
	Timestamp  int64 // venue milliseconds, orders snapshot vs delta
	ReceivedAt time.Time
}

// LevelChange mutates a single book level. Size zero removes the level.
type LevelChange struct {
	Side  string // BUY | SELL
	Price float64
	Size  float64
}

// BookDelta applies incremental level changes to one token's book.
type BookDelta struct {
	TokenID    string
	Changes    []LevelChange
	Timestamp  int64
	ReceivedAt time.Time
}
