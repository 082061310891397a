package feed

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/market"
)

// BinanceFeed streams aggregated trades for one symbol from the Binance
// WebSocket API. Every trade becomes an exchange tick.
type BinanceFeed struct {
	symbol       string // engine symbol, e.g. "BTC"
	streamSymbol string // venue stream symbol, e.g. "BTCUSDT"
	graceful     time.Duration
	sink         Sink
	logger       zerolog.Logger
}

// NewBinanceFeed creates the exchange subscriber for one symbol.
func NewBinanceFeed(symbol, streamSymbol string, graceful time.Duration, sink Sink) *BinanceFeed {
	return &BinanceFeed{
		symbol:       symbol,
		streamSymbol: streamSymbol,
		graceful:     graceful,
		sink:         sink,
		logger:       config.NewLogger("feed_exchange"),
	}
}

// Source identifies this subscriber as the exchange feed.
func (f *BinanceFeed) Source() market.Source {
	return market.SourceExchange
}

// Run serves one connection lifetime of the aggregate trade stream.
func (f *BinanceFeed) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	errHandler := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	doneC, stopC, err := binance.WsAggTradeServe(f.streamSymbol, f.handleTrade, errHandler)
	if err != nil {
		return fmt.Errorf("failed to open aggregate trade stream for %s: %w", f.streamSymbol, err)
	}

	f.sink.Connected(market.SourceExchange)

	select {
	case <-ctx.Done():
		close(stopC)
		f.awaitClose(doneC)
		return ctx.Err()
	case err := <-errCh:
		close(stopC)
		f.awaitClose(doneC)
		return fmt.Errorf("aggregate trade stream for %s failed: %w", f.streamSymbol, err)
	case <-doneC:
		return errors.New("aggregate trade stream closed by server")
	}
}

// handleTrade normalizes one aggregate trade into an exchange tick.
func (f *BinanceFeed) handleTrade(event *binance.WsAggTradeEvent) {
	price, err := strconv.ParseFloat(event.Price, 64)
	if err != nil || price <= 0 {
		f.logger.Warn().Str("raw", event.Price).Msg("Unparseable trade price, skipping")
		return
	}
	f.sink.PublishTick(market.Tick{
		Source:     market.SourceExchange,
		Symbol:     f.symbol,
		Price:      price,
		Timestamp:  time.UnixMilli(event.TradeTime),
		ReceivedAt: time.Now(),
	})
}

// awaitClose waits for the stream goroutine to exit, bounded by the
// graceful shutdown budget.
func (f *BinanceFeed) awaitClose(doneC chan struct{}) {
	select {
	case <-doneC:
	case <-time.After(f.graceful):
		f.logger.Warn().Msg("Trade stream did not close within the graceful timeout")
	}
}
