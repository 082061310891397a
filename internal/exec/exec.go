// Package exec places and cancels orders on the contract venue.
//
// Two Adapter implementations share one contract: Paper simulates fills
// deterministically against the in-process order books, Live talks to
// the CLOB REST API with EIP-712 / HMAC authentication and per-category
// rate limits. The orchestrator never knows which one it holds.
package exec

import (
	"context"
	"time"

	"github.com/strikebot/strikebot/internal/errs"
)

// Side is the order direction in venue vocabulary.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType selects the venue's time-in-force handling.
type OrderType string

const (
	// FOK fills the whole order immediately or places nothing. The
	// default: a partial position in a 15-minute contract is worse
	// than no position.
	FOK OrderType = "FOK"
	// GTC rests on the book until filled or cancelled.
	GTC OrderType = "GTC"
)

// OrderStatus is the venue's view of an accepted order.
type OrderStatus string

const (
	StatusMatched   OrderStatus = "matched"
	StatusLive      OrderStatus = "live"
	StatusDelayed   OrderStatus = "delayed"
	StatusUnmatched OrderStatus = "unmatched"
	StatusCancelled OrderStatus = "cancelled"
)

// OrderRequest describes one order against a single outcome token.
// Price is the limit in probability units and Size the contract
// quantity; the caller converts dollar stakes to contracts before
// calling the adapter.
type OrderRequest struct {
	TokenID string
	Side    Side
	Price   float64
	Size    float64
	Type    OrderType
}

// normalized returns the request with defaults applied.
func (r OrderRequest) normalized() OrderRequest {
	if r.Type == "" {
		r.Type = FOK
	}
	return r
}

func (r OrderRequest) validate() error {
	r = r.normalized()
	switch {
	case r.TokenID == "":
		return errs.New(errs.OrderRejected, "order has no token id")
	case r.Side != Buy && r.Side != Sell:
		return errs.Newf(errs.OrderRejected, "invalid side %q", r.Side)
	case r.Price <= 0 || r.Price >= 1:
		return errs.Newf(errs.OrderRejected, "limit price %.4f outside (0, 1)", r.Price)
	case r.Size <= 0:
		return errs.Newf(errs.OrderRejected, "non-positive size %.4f", r.Size)
	case r.Type != FOK && r.Type != GTC:
		return errs.Newf(errs.OrderRejected, "unsupported order type %q", r.Type)
	}
	return nil
}

// OrderResult reports an accepted order. Making is the amount given up
// (USDC for buys, contracts for sells), Taking the amount received.
type OrderResult struct {
	OrderID  string
	Status   OrderStatus
	Making   float64
	Taking   float64
	TxHashes []string
}

// Adapter is the execution surface the orchestrator drives. Balance
// with an empty token id reports collateral (USDC); with a token id it
// reports the holding in that outcome token.
type Adapter interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	Cancel(ctx context.Context, orderID string) error
	Balance(ctx context.Context, tokenID string) (float64, error)
}

// Fill is one simulated execution, offered to a FillRecorder for
// persistence.
type Fill struct {
	OrderID  string
	TokenID  string
	Side     Side
	Price    float64
	Size     float64
	Fee      float64
	FilledAt time.Time
}

// FillRecorder persists simulated fills. Recording is best effort:
// the paper adapter logs and continues when it fails.
type FillRecorder interface {
	RecordFill(ctx context.Context, fill Fill) error
}
