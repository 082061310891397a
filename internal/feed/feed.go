// Package feed implements the price-feed subscribers.
//
// Each subscriber owns one upstream connection and runs as a long-lived
// task: connect, subscribe, normalize every upstream message into a
// market.Tick (or book snapshot/delta for the CLOB feed), and hand it to
// the Sink. The Manager supervises subscribers, reconnecting with
// exponential backoff after a disconnect, and pumps normalized data into
// market state through bounded channels. When a channel is full the
// oldest entry is dropped and counted; the newest data always lands.
package feed

import (
	"context"
	"time"

	"github.com/strikebot/strikebot/internal/market"
)

// Subscriber is one upstream price source. Run owns a single connection
// lifetime: it returns when the connection drops or ctx is cancelled.
// The Manager handles reconnection and backoff.
type Subscriber interface {
	Source() market.Source
	Run(ctx context.Context) error
}

// Sink receives normalized market data from subscribers. Connected must
// be called once per established connection, after the subscription is
// in place; the Manager uses it to emit feed-up events and reset backoff.
type Sink interface {
	PublishTick(t market.Tick)
	PublishBookSnapshot(s market.BookSnapshot)
	PublishBookDelta(d market.BookDelta)
	Connected(source market.Source)
}

// Applier consumes the pump's output in arrival order. *market.State
// satisfies it; the engine wraps it to tap ticks for persistence.
type Applier interface {
	ApplyTick(t market.Tick)
	ApplyBookSnapshot(s market.BookSnapshot)
	ApplyBookDelta(d market.BookDelta)
}

// StatusEvent signals a feed coming up or going down.
type StatusEvent struct {
	Source market.Source
	Up     bool
	Err    error
	At     time.Time
}
