package market

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
)

// State is the per-source price store. Each feed subscriber is the
// sole writer for its source; readers get point-in-time copies and
// never observe a half-applied update.
type State struct {
	staleAfter time.Duration
	logger     zerolog.Logger

	mu      sync.RWMutex
	prices  map[Source]map[string]pricePoint
	books   map[string]*tokenBook
	active  map[string]tokenPair
	history map[string]*priceRing
}

type pricePoint struct {
	price      float64
	timestamp  time.Time
	receivedAt time.Time
}

type tokenPair struct {
	up   string
	down string
}

// NewState creates the store. staleAfter bounds how old a source's
// last update may be before it is reported stale.
func NewState(staleAfter time.Duration) *State {
	return &State{
		staleAfter: staleAfter,
		logger:     config.NewLogger("market"),
		prices:     make(map[Source]map[string]pricePoint),
		books:      make(map[string]*tokenBook),
		active:     make(map[string]tokenPair),
		history:    make(map[string]*priceRing),
	}
}

// ApplyTick records the latest price for the tick's source and symbol.
func (s *State) ApplyTick(tick Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySymbol, ok := s.prices[tick.Source]
	if !ok {
		bySymbol = make(map[string]pricePoint)
		s.prices[tick.Source] = bySymbol
	}
	bySymbol[tick.Symbol] = pricePoint{
		price:      tick.Price,
		timestamp:  tick.Timestamp,
		receivedAt: tick.ReceivedAt,
	}
	if tick.Source == SourceExchange {
		ring, ok := s.history[tick.Symbol]
		if !ok {
			ring = newPriceRing(historyDepth)
			s.history[tick.Symbol] = ring
		}
		ring.push(tick.Price)
	}
	ticksApplied.WithLabelValues(string(tick.Source)).Inc()
}

// ApplyBookSnapshot replaces the book for one token.
func (s *State) ApplyBookSnapshot(snap BookSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.books[snap.TokenID]
	if !ok {
		book = newTokenBook()
		s.books[snap.TokenID] = book
	}
	book.applySnapshot(snap)
	ticksApplied.WithLabelValues(string(SourceClobBook)).Inc()
}

// ApplyBookDelta applies incremental level changes. Deltas older than
// the newest applied message are dropped with a warning; deltas for a
// token with no snapshot yet are dropped too, since there is nothing
// consistent to mutate.
func (s *State) ApplyBookDelta(delta BookDelta) {
	s.mu.Lock()
	defer s.mu.Unlock()

	book, ok := s.books[delta.TokenID]
	if !ok {
		s.logger.Warn().
			Str("token_id", delta.TokenID).
			Msg("Book delta before snapshot, dropping")
		bookDeltasDropped.Inc()
		return
	}
	if !book.applyDelta(delta) {
		s.logger.Warn().
			Str("token_id", delta.TokenID).
			Int64("delta_ts", delta.Timestamp).
			Int64("book_ts", book.lastTS).
			Msg("Out-of-order book delta dropped")
		bookDeltasDropped.Inc()
	}
}

// SetActiveTokens binds a symbol to its current window's token pair
// and prunes books no active window references.
func (s *State) SetActiveTokens(symbol, upTokenID, downTokenID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active[symbol] = tokenPair{up: upTokenID, down: downTokenID}

	referenced := make(map[string]bool, 2*len(s.active))
	for _, pair := range s.active {
		referenced[pair.up] = true
		referenced[pair.down] = true
	}
	for tokenID := range s.books {
		if !referenced[tokenID] {
			delete(s.books, tokenID)
		}
	}
}

// Snapshot returns a consistent point-in-time view for one symbol.
func (s *State) Snapshot(symbol string) Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	snap := Snapshot{
		Symbol:     symbol,
		TakenAt:    now,
		staleAfter: s.staleAfter,
		Sources:    make(map[Source]PricePoint, len(s.prices)),
	}

	for source, bySymbol := range s.prices {
		point, ok := bySymbol[symbol]
		if !ok {
			continue
		}
		snap.Sources[source] = PricePoint{
			Price:     point.price,
			Timestamp: point.timestamp,
			UpdatedAt: point.receivedAt,
			AgeMS:     now.Sub(point.receivedAt).Milliseconds(),
		}
	}

	if pair, ok := s.active[symbol]; ok {
		if book, ok := s.books[pair.up]; ok {
			snap.UpBook = book.top(now)
		}
		snap.UpBook.TokenID = pair.up
		if book, ok := s.books[pair.down]; ok {
			snap.DownBook = book.top(now)
		}
		snap.DownBook.TokenID = pair.down
	}

	if ring, ok := s.history[symbol]; ok {
		snap.History = ring.series()
	}

	return snap
}

// Quote returns the current top of book for one token, or false when
// no snapshot has arrived for it.
func (s *State) Quote(tokenID string) (BookTop, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[tokenID]
	if !ok {
		return BookTop{}, false
	}
	top := book.top(time.Now())
	top.TokenID = tokenID
	return top, true
}

// SettlementPrice returns an oracle observation usable to settle the
// window closing at closeEpoch: the latest oracle print whose event
// timestamp is at or past the boundary. The push feed wins over the
// event stream when both qualify.
func (s *State) SettlementPrice(symbol string, closeEpoch int64) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	boundary := time.Unix(closeEpoch, 0)
	for _, source := range []Source{SourceOraclePush, SourceOracleSSE} {
		bySymbol, ok := s.prices[source]
		if !ok {
			continue
		}
		point, ok := bySymbol[symbol]
		if !ok {
			continue
		}
		if !point.timestamp.Before(boundary) {
			return point.price, true
		}
	}
	return 0, false
}

// Age returns how long ago the source last updated the symbol, or
// false when it never has.
func (s *State) Age(source Source, symbol string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bySymbol, ok := s.prices[source]
	if !ok {
		return 0, false
	}
	point, ok := bySymbol[symbol]
	if !ok {
		return 0, false
	}
	return time.Since(point.receivedAt), true
}

// Stale reports whether the source has no data for the symbol or its
// last update is older than the staleness bound.
func (s *State) Stale(source Source, symbol string) bool {
	age, ok := s.Age(source, symbol)
	return !ok || age > s.staleAfter
}

// PricePoint is one source's contribution to a snapshot.
type PricePoint struct {
	Price     float64
	Timestamp time.Time
	UpdatedAt time.Time
	AgeMS     int64
}

// Snapshot is the consistent view handed to strategy evaluation. All
// fields are copies; mutating the live state never tears one.
type Snapshot struct {
	Symbol   string
	TakenAt  time.Time
	Sources  map[Source]PricePoint
	UpBook   BookTop
	DownBook BookTop

	// History holds recent exchange prints oldest first, enough for
	// indicator warm-up.
	History []float64

	staleAfter time.Duration
}

// Price returns the last price from one source.
func (s Snapshot) Price(source Source) (float64, bool) {
	point, ok := s.Sources[source]
	if !ok {
		return 0, false
	}
	return point.Price, true
}

// Fresh reports whether the source updated within the staleness bound.
func (s Snapshot) Fresh(source Source) bool {
	point, ok := s.Sources[source]
	if !ok {
		return false
	}
	return point.AgeMS >= 0 && time.Duration(point.AgeMS)*time.Millisecond <= s.staleAfter
}

// Oracle returns the freshest oracle observation, preferring the push
// feed and falling back to the event stream.
func (s Snapshot) Oracle() (PricePoint, bool) {
	push, havePush := s.Sources[SourceOraclePush]
	sse, haveSSE := s.Sources[SourceOracleSSE]

	switch {
	case havePush && haveSSE:
		if sse.AgeMS < push.AgeMS {
			return sse, true
		}
		return push, true
	case havePush:
		return push, true
	case haveSSE:
		return sse, true
	default:
		return PricePoint{}, false
	}
}

// UIPrice is the venue-displayed probability for the up contract,
// derived from the up token's book mid.
func (s Snapshot) UIPrice() float64 {
	return s.UpBook.Mid
}

// SpreadPct is the relative spread on the up token's book.
func (s Snapshot) SpreadPct() float64 {
	return s.UpBook.SpreadPct()
}

// StalenessScore maps the oracle's age onto [0, 1]: 1 is a fresh
// print, 0 means at or past the staleness bound (or no data at all).
func (s Snapshot) StalenessScore() float64 {
	oracle, ok := s.Oracle()
	if !ok || s.staleAfter <= 0 {
		return 0
	}
	age := float64(oracle.AgeMS)
	bound := float64(s.staleAfter.Milliseconds())
	if age >= bound {
		return 0
	}
	if age < 0 {
		age = 0
	}
	return 1 - age/bound
}
