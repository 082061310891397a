package feed

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/market"
)

// Manager supervises the feed subscribers and pumps their output into
// market state. One pump goroutine applies everything, so ticks from a
// single source reach the state in arrival order.
type Manager struct {
	subs   []Subscriber
	state  Applier
	logger zerolog.Logger

	initialBackoff time.Duration
	maxBackoff     time.Duration

	ticks  chan market.Tick
	books  chan market.BookSnapshot
	deltas chan market.BookDelta
	status chan StatusEvent

	mu sync.Mutex
	up map[market.Source]bool
}

// NewManager creates a feed manager pumping into state. Subscribers are
// supervised independently: one dying never stalls the others.
func NewManager(cfg config.FeedsConfig, state Applier, subs ...Subscriber) *Manager {
	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1024
	}

	return &Manager{
		subs:           subs,
		state:          state,
		logger:         config.NewLogger("feeds"),
		initialBackoff: time.Duration(cfg.BackoffInitialMS) * time.Millisecond,
		maxBackoff:     time.Duration(cfg.BackoffMaxMS) * time.Millisecond,
		ticks:          make(chan market.Tick, buffer),
		books:          make(chan market.BookSnapshot, buffer/4+1),
		deltas:         make(chan market.BookDelta, buffer),
		status:         make(chan StatusEvent, 16),
		up:             make(map[market.Source]bool),
	}
}

// Subscribe adds subscribers. Subscribers need the manager as their
// sink, so they are built after it and attached here, before Run.
func (m *Manager) Subscribe(subs ...Subscriber) {
	m.subs = append(m.subs, subs...)
}

// Events returns feed up/down transitions. The channel is buffered and
// lossy; consumers that fall behind miss events, not data.
func (m *Manager) Events() <-chan StatusEvent {
	return m.status
}

// Up reports whether the given source currently has a connection.
func (m *Manager) Up(source market.Source) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up[source]
}

// Run starts the pump and all subscribers and blocks until ctx is
// cancelled.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return m.pump(ctx)
	})

	for _, s := range m.subs {
		sub := s
		g.Go(func() error {
			return m.supervise(ctx, sub)
		})
	}

	return g.Wait()
}

// pump is the single writer into market state.
func (m *Manager) pump(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-m.ticks:
			m.state.ApplyTick(t)
		case s := <-m.books:
			m.state.ApplyBookSnapshot(s)
		case d := <-m.deltas:
			m.state.ApplyBookDelta(d)
		}
	}
}

// supervise runs one subscriber in a reconnect loop. Backoff doubles
// from the configured initial to the cap and resets after any session
// that reached the connected state.
func (m *Manager) supervise(ctx context.Context, s Subscriber) error {
	source := s.Source()
	backoff := m.initialBackoff

	for {
		err := s.Run(ctx)
		if ctx.Err() != nil {
			m.markDown(source, nil)
			return ctx.Err()
		}

		if m.wasUp(source) {
			backoff = m.initialBackoff
		}
		m.markDown(source, err)
		reconnects.WithLabelValues(string(source)).Inc()

		m.logger.Warn().
			Err(err).
			Str("source", string(source)).
			Dur("backoff", backoff).
			Msg("Feed disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > m.maxBackoff {
			backoff = m.maxBackoff
		}
	}
}

// PublishTick enqueues a tick, evicting the oldest buffered tick when
// the channel is full.
func (m *Manager) PublishTick(t market.Tick) {
	for {
		select {
		case m.ticks <- t:
			return
		default:
		}
		select {
		case old := <-m.ticks:
			ticksDropped.WithLabelValues(string(old.Source)).Inc()
		default:
		}
	}
}

// PublishBookSnapshot enqueues a book snapshot, evicting the oldest
// buffered snapshot when the channel is full. A newer snapshot always
// supersedes an older one for the same token, so eviction is safe.
func (m *Manager) PublishBookSnapshot(s market.BookSnapshot) {
	for {
		select {
		case m.books <- s:
			return
		default:
		}
		select {
		case <-m.books:
			ticksDropped.WithLabelValues(string(market.SourceClobBook)).Inc()
		default:
		}
	}
}

// PublishBookDelta enqueues a book delta, evicting the oldest buffered
// delta when the channel is full. Dropped deltas surface downstream as
// out-of-order rejections until the next snapshot resyncs the book.
func (m *Manager) PublishBookDelta(d market.BookDelta) {
	for {
		select {
		case m.deltas <- d:
			return
		default:
		}
		select {
		case <-m.deltas:
			ticksDropped.WithLabelValues(string(market.SourceClobBook)).Inc()
		default:
		}
	}
}

// Connected records a feed coming up.
func (m *Manager) Connected(source market.Source) {
	m.mu.Lock()
	m.up[source] = true
	m.mu.Unlock()

	feedUp.WithLabelValues(string(source)).Set(1)
	m.logger.Info().Str("source", string(source)).Msg("Feed up")
	m.emit(StatusEvent{Source: source, Up: true, At: time.Now()})
}

func (m *Manager) markDown(source market.Source, err error) {
	m.mu.Lock()
	m.up[source] = false
	m.mu.Unlock()

	feedUp.WithLabelValues(string(source)).Set(0)
	m.emit(StatusEvent{Source: source, Up: false, Err: err, At: time.Now()})
}

func (m *Manager) wasUp(source market.Source) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up[source]
}

func (m *Manager) emit(evt StatusEvent) {
	select {
	case m.status <- evt:
	default:
	}
}
