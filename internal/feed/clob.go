package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/market"
)

const (
	clobPingInterval = 50 * time.Second // keep-alive cadence the venue expects
	clobReadTimeout  = 90 * time.Second // ~2 missed pings triggers reconnect
	clobWriteTimeout = 10 * time.Second
)

// ClobFeed subscribes to the venue's market WebSocket channel for the
// active window's up/down tokens. "book" events become full snapshots,
// "price_change" events become deltas. Token ids rotate every window;
// SetTokens swaps the subscription without dropping the connection.
type ClobFeed struct {
	url    string
	sink   Sink
	logger zerolog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	tokensMu sync.RWMutex
	tokens   []string
}

// wsPriceLevel carries one book level. Prices and sizes are strings on
// the wire to preserve decimal precision.
type wsPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type wsBookEvent struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Timestamp string         `json:"timestamp"`
	Hash      string         `json:"hash"`
	Buys      []wsPriceLevel `json:"buys"`
	Sells     []wsPriceLevel `json:"sells"`
}

type wsPriceChange struct {
	AssetID string `json:"asset_id"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Side    string `json:"side"` // "BUY" or "SELL"
	Hash    string `json:"hash"`
}

type wsPriceChangeEvent struct {
	EventType    string          `json:"event_type"`
	Market       string          `json:"market"`
	Timestamp    string          `json:"timestamp"`
	PriceChanges []wsPriceChange `json:"price_changes"`
}

type wsSubscribeMsg struct {
	Type     string   `json:"type"`
	AssetIDs []string `json:"assets_ids,omitempty"`
}

type wsUpdateMsg struct {
	AssetIDs  []string `json:"assets_ids,omitempty"`
	Operation string   `json:"operation"` // "subscribe" or "unsubscribe"
}

// NewClobFeed creates the clob_book subscriber.
func NewClobFeed(wsURL string, sink Sink) *ClobFeed {
	return &ClobFeed{
		url:    wsURL,
		sink:   sink,
		logger: config.NewLogger("feed_clob_book"),
	}
}

// Source identifies this subscriber as the CLOB book feed.
func (f *ClobFeed) Source() market.Source {
	return market.SourceClobBook
}

// SetTokens swaps the subscription to a new window's token pair. Safe
// to call while disconnected; the next connection subscribes to the
// latest set.
func (f *ClobFeed) SetTokens(upToken, downToken string) error {
	f.tokensMu.Lock()
	old := f.tokens
	f.tokens = []string{upToken, downToken}
	f.tokensMu.Unlock()

	f.connMu.Lock()
	connected := f.conn != nil
	f.connMu.Unlock()
	if !connected {
		return nil
	}

	if len(old) > 0 {
		if err := f.writeJSON(wsUpdateMsg{Operation: "unsubscribe", AssetIDs: old}); err != nil {
			return fmt.Errorf("failed to unsubscribe old tokens: %w", err)
		}
	}
	if err := f.writeJSON(wsUpdateMsg{Operation: "subscribe", AssetIDs: []string{upToken, downToken}}); err != nil {
		return fmt.Errorf("failed to subscribe new tokens: %w", err)
	}

	f.logger.Info().
		Str("up_token", upToken).
		Str("down_token", downToken).
		Msg("Book subscription rotated")
	return nil
}

// Run serves one connection lifetime.
func (f *ClobFeed) Run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial market websocket: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.tokensMu.RLock()
	tokens := append([]string(nil), f.tokens...)
	f.tokensMu.RUnlock()

	if len(tokens) > 0 {
		if err := f.writeJSON(wsSubscribeMsg{Type: "market", AssetIDs: tokens}); err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
	}

	f.sink.Connected(market.SourceClobBook)

	// The read loop blocks in ReadMessage; closing the connection is
	// what unblocks it on shutdown.
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(clobReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("market websocket read failed: %w", err)
		}
		f.dispatch(msg)
	}
}

// dispatch routes one raw frame. The venue sends a JSON array on the
// initial subscription dump and single objects afterwards.
func (f *ClobFeed) dispatch(data []byte) {
	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		batch = []json.RawMessage{json.RawMessage(data)}
	}
	for _, raw := range batch {
		f.dispatchOne(raw)
	}
}

func (f *ClobFeed) dispatchOne(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug().Str("data", string(data)).Msg("Ignoring non-json ws message")
		return
	}

	switch envelope.EventType {
	case "book":
		var evt wsBookEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error().Err(err).Msg("Failed to unmarshal book event")
			return
		}
		f.sink.PublishBookSnapshot(market.BookSnapshot{
			TokenID:    evt.AssetID,
			Bids:       parseLevels(evt.Buys),
			Asks:       parseLevels(evt.Sells),
			Timestamp:  parseVenueMillis(evt.Timestamp),
			ReceivedAt: time.Now(),
		})

	case "price_change":
		var evt wsPriceChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error().Err(err).Msg("Failed to unmarshal price_change event")
			return
		}
		ts := parseVenueMillis(evt.Timestamp)
		now := time.Now()
		for tokenID, changes := range groupChanges(evt.PriceChanges) {
			f.sink.PublishBookDelta(market.BookDelta{
				TokenID:    tokenID,
				Changes:    changes,
				Timestamp:  ts,
				ReceivedAt: now,
			})
		}

	case "last_trade_price", "tick_size_change", "best_bid_ask", "new_market", "market_resolved":
		// informational events the book does not need

	default:
		f.logger.Debug().Str("type", envelope.EventType).Msg("Unknown ws event type")
	}
}

func (f *ClobFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(clobPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}

func (f *ClobFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errors.New("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(clobWriteTimeout))
	return f.conn.WriteJSON(v)
}

func (f *ClobFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return errors.New("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(clobWriteTimeout))
	return f.conn.WriteMessage(msgType, data)
}

// parseLevels converts wire levels to numeric ones. Unparseable levels
// are skipped rather than poisoning the whole snapshot.
func parseLevels(levels []wsPriceLevel) []market.Level {
	out := make([]market.Level, 0, len(levels))
	for _, l := range levels {
		price, err1 := strconv.ParseFloat(l.Price, 64)
		size, err2 := strconv.ParseFloat(l.Size, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, market.Level{Price: price, Size: size})
	}
	return out
}

// groupChanges splits a price_change event by token. A single event can
// carry changes for both sides of a market.
func groupChanges(changes []wsPriceChange) map[string][]market.LevelChange {
	out := make(map[string][]market.LevelChange)
	for _, c := range changes {
		price, err1 := strconv.ParseFloat(c.Price, 64)
		size, err2 := strconv.ParseFloat(c.Size, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out[c.AssetID] = append(out[c.AssetID], market.LevelChange{
			Side:  c.Side,
			Price: price,
			Size:  size,
		})
	}
	return out
}

// parseVenueMillis parses the venue's string millisecond timestamp.
// Zero means unknown; book ordering then falls back to arrival order.
func parseVenueMillis(s string) int64 {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return ms
}
