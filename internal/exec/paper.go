package exec

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/errs"
	"github.com/strikebot/strikebot/internal/market"
)

// QuoteSource supplies the current top of book for a token. Satisfied
// by market.State.
type QuoteSource interface {
	Quote(tokenID string) (market.BookTop, bool)
}

// PaperParams tunes the paper adapter's fill model.
type PaperParams struct {
	// BaseSlippage is always paid; MarketImpact adds to it per $1000
	// of notional, capped at MaxSlippage.
	BaseSlippage float64
	MarketImpact float64
	MaxSlippage  float64
	FeeBps       int
}

// DefaultPaperParams returns the fill model used when config supplies
// nothing better.
func DefaultPaperParams() PaperParams {
	return PaperParams{
		BaseSlippage: 0.0005,
		MarketImpact: 0.0001,
		MaxSlippage:  0.003,
	}
}

// Paper simulates executions against the live order books without
// touching the venue. Fills are deterministic: a buy is marketable
// when the best ask is at or under the limit and fills at the worse of
// ask-plus-slippage or the limit, a sell mirrors that against the bid.
// The adapter keeps a cash and holdings ledger so balances behave like
// a real account across a session.
type Paper struct {
	quotes   QuoteSource
	params   PaperParams
	recorder FillRecorder
	logger   zerolog.Logger

	mu       sync.Mutex
	cash     float64
	holdings map[string]float64
	resting  map[string]OrderRequest
}

// NewPaper creates a paper adapter seeded with startingCapital USDC.
func NewPaper(quotes QuoteSource, startingCapital float64, params PaperParams) *Paper {
	return &Paper{
		quotes:   quotes,
		params:   params,
		logger:   config.NewLogger("exec"),
		cash:     startingCapital,
		holdings: make(map[string]float64),
		resting:  make(map[string]OrderRequest),
	}
}

// SetRecorder installs a sink for simulated fills. Persistence stays
// best effort; a failing recorder never blocks trading.
func (p *Paper) SetRecorder(rec FillRecorder) {
	p.recorder = rec
}

// Mode reports the trading mode this adapter serves.
func (p *Paper) Mode() string {
	return "PAPER"
}

// PlaceOrder simulates one order. Fill-or-kill orders that are not
// immediately marketable are rejected; good-til-cancelled orders rest
// until cancelled (resting orders never fill retroactively, the
// orchestrator re-evaluates each tick instead).
func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	req = req.normalized()
	if err := req.validate(); err != nil {
		ordersRejected.WithLabelValues("paper", "invalid").Inc()
		return OrderResult{}, err
	}

	quote, ok := p.quotes.Quote(req.TokenID)
	if !ok {
		ordersRejected.WithLabelValues("paper", "no_book").Inc()
		return OrderResult{}, errs.New(errs.OrderRejected, "no order book for token").
			With("token_id", req.TokenID)
	}

	fill, marketable := p.fillPrice(req, quote)
	if !marketable {
		if req.Type == GTC {
			id := uuid.NewString()
			p.mu.Lock()
			p.resting[id] = req
			p.mu.Unlock()
			ordersPlaced.WithLabelValues("paper", string(req.Side), string(StatusLive)).Inc()
			return OrderResult{OrderID: id, Status: StatusLive}, nil
		}
		ordersRejected.WithLabelValues("paper", "unmarketable").Inc()
		return OrderResult{}, errs.Newf(errs.OrderRejected,
			"fill or kill order not marketable at %.4f", req.Price).
			With("token_id", req.TokenID).
			With("best_bid", quote.BestBid).
			With("best_ask", quote.BestAsk)
	}

	notional := fill * req.Size
	fee := notional * float64(p.params.FeeBps) / 10_000

	p.mu.Lock()
	var result OrderResult
	switch req.Side {
	case Buy:
		cost := notional + fee
		if cost > p.cash {
			p.mu.Unlock()
			ordersRejected.WithLabelValues("paper", "insufficient_balance").Inc()
			return OrderResult{}, errs.Newf(errs.OrderRejected,
				"insufficient balance: need %.2f, have %.2f", cost, p.cash)
		}
		p.cash -= cost
		p.holdings[req.TokenID] += req.Size
		result = OrderResult{Status: StatusMatched, Making: cost, Taking: req.Size}
	case Sell:
		if p.holdings[req.TokenID] < req.Size-1e-9 {
			held := p.holdings[req.TokenID]
			p.mu.Unlock()
			ordersRejected.WithLabelValues("paper", "insufficient_holdings").Inc()
			return OrderResult{}, errs.Newf(errs.OrderRejected,
				"insufficient holdings: selling %.2f, hold %.2f", req.Size, held)
		}
		proceeds := notional - fee
		p.cash += proceeds
		p.holdings[req.TokenID] -= req.Size
		if p.holdings[req.TokenID] <= 1e-9 {
			delete(p.holdings, req.TokenID)
		}
		result = OrderResult{Status: StatusMatched, Making: req.Size, Taking: proceeds}
	}
	p.mu.Unlock()

	result.OrderID = uuid.NewString()
	ordersPlaced.WithLabelValues("paper", string(req.Side), string(result.Status)).Inc()

	p.logger.Info().
		Str("order_id", result.OrderID).
		Str("token_id", req.TokenID).
		Str("side", string(req.Side)).
		Float64("limit", req.Price).
		Float64("fill", fill).
		Float64("size", req.Size).
		Float64("fee", fee).
		Msg("Paper fill")

	if p.recorder != nil {
		rec := Fill{
			OrderID:  result.OrderID,
			TokenID:  req.TokenID,
			Side:     req.Side,
			Price:    fill,
			Size:     req.Size,
			Fee:      fee,
			FilledAt: time.Now(),
		}
		if err := p.recorder.RecordFill(ctx, rec); err != nil {
			// Paper trading keeps going when persistence is down.
			p.logger.Warn().Err(err).Str("order_id", result.OrderID).
				Msg("Fill persistence failed, continuing")
		}
	}

	return result, nil
}

// fillPrice returns the simulated execution price and whether the
// order is marketable at its limit.
func (p *Paper) fillPrice(req OrderRequest, quote market.BookTop) (float64, bool) {
	slip := p.slippage(req.Price * req.Size)
	switch req.Side {
	case Buy:
		if quote.BestAsk <= 0 || quote.BestAsk > req.Price {
			return 0, false
		}
		fill := quote.BestAsk * (1 + slip)
		if fill > req.Price {
			fill = req.Price
		}
		return fill, true
	case Sell:
		if quote.BestBid <= 0 || quote.BestBid < req.Price {
			return 0, false
		}
		fill := quote.BestBid * (1 - slip)
		if fill < req.Price {
			fill = req.Price
		}
		return fill, true
	}
	return 0, false
}

// slippage grows with notional: base plus impact per $1000, capped.
func (p *Paper) slippage(notional float64) float64 {
	slip := p.params.BaseSlippage + p.params.MarketImpact*(notional/1000)
	if slip > p.params.MaxSlippage {
		slip = p.params.MaxSlippage
	}
	return slip
}

// Cancel removes a resting order. Matched orders cannot be cancelled.
func (p *Paper) Cancel(ctx context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.resting[orderID]; !ok {
		return errs.New(errs.OrderRejected, "unknown or already executed order").
			With("order_id", orderID)
	}
	delete(p.resting, orderID)
	cancels.WithLabelValues("paper").Inc()
	return nil
}

// Balance reports cash for an empty token id, otherwise the holding
// in that token.
func (p *Paper) Balance(ctx context.Context, tokenID string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if tokenID == "" {
		return p.cash, nil
	}
	return p.holdings[tokenID], nil
}

// Settle clears the holding in an expired token. A winning token pays
// one dollar per contract into cash; a losing one pays nothing.
// Returns the quantity cleared and the cash credited.
func (p *Paper) Settle(tokenID string, won bool) (qty, proceeds float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	qty = p.holdings[tokenID]
	if qty == 0 {
		return 0, 0
	}
	delete(p.holdings, tokenID)
	if won {
		proceeds = qty
		p.cash += proceeds
	}

	p.logger.Info().
		Str("token_id", tokenID).
		Bool("won", won).
		Float64("qty", qty).
		Float64("proceeds", proceeds).
		Msg("Paper settlement")
	return qty, proceeds
}
