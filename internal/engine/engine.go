// Package engine assembles the trading process: database, feeds,
// window clocks, strategies, execution, orchestrator, safety layer,
// telemetry and the ops server, built from one validated config and
// supervised as a single task tree. A fatal error in any task stops
// the engine.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/strikebot/strikebot/internal/alerts"
	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/db"
	"github.com/strikebot/strikebot/internal/errs"
	"github.com/strikebot/strikebot/internal/exec"
	"github.com/strikebot/strikebot/internal/feed"
	"github.com/strikebot/strikebot/internal/market"
	"github.com/strikebot/strikebot/internal/metrics"
	"github.com/strikebot/strikebot/internal/orchestrator"
	"github.com/strikebot/strikebot/internal/outcome"
	"github.com/strikebot/strikebot/internal/safety"
	"github.com/strikebot/strikebot/internal/strategy"
	"github.com/strikebot/strikebot/internal/strategy/builtins"
	"github.com/strikebot/strikebot/internal/window"
)

// transitionBuffer absorbs window-clock bursts (a process stalled
// across phase boundaries emits every missed step at once) without
// blocking the clocks on the orchestrator.
const transitionBuffer = 64

// Engine owns every long-lived component of the trading process.
type Engine struct {
	cfg      *config.Config
	manifest *config.Manifest

	store    *db.Gateway
	alerts   *alerts.Manager
	state    *market.State
	sampler  *db.TickSampler
	feeds    *feed.Manager
	clocks   []*window.Clock
	clobs    map[string]*feed.ClobFeed
	catalog  *strategy.Catalog
	composer *strategy.Composer
	adapter  exec.Adapter
	orch     *orchestrator.Orchestrator
	outcomes *outcome.Logger
	guard    *safety.AutoStop
	states   *safety.StateWriter
	ops      *metrics.Server

	events chan window.Transition
	logger zerolog.Logger
}

// New connects the database, restores durable state, and wires every
// component. It performs all the work that can fail before trading
// starts: credential checks, catalog registration, manifest strategy
// resolution. The returned engine is inert until Run.
func New(ctx context.Context, cfg *config.Config, manifest *config.Manifest) (*Engine, error) {
	store, err := db.New(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			store.Close()
		}
	}()

	notifier, err := alerts.New(cfg.Alerts)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		manifest: manifest,
		store:    store,
		alerts:   notifier,
		state:    market.NewState(time.Duration(cfg.Feeds.StaleAfterMS) * time.Millisecond),
		events:   make(chan window.Transition, transitionBuffer),
		logger:   config.NewLogger("engine"),
	}

	if cfg.Database.TickSampleSec > 0 {
		e.sampler = db.NewTickSampler(store, time.Duration(cfg.Database.TickSampleSec)*time.Second)
	}

	if err := e.buildFeeds(); err != nil {
		return nil, err
	}
	if err := e.buildClocks(); err != nil {
		return nil, err
	}
	if err := e.buildStrategies(ctx); err != nil {
		return nil, err
	}
	if err := e.buildAdapter(ctx); err != nil {
		return nil, err
	}

	e.outcomes = outcome.NewLogger(store, cfg.Orchestrator)
	e.guard = safety.New(cfg, store, e.state, notifier)

	orch, err := orchestrator.New(cfg, manifest, orchestrator.Deps{
		Store:    store,
		Adapter:  e.adapter,
		Evals:    e.composer,
		Markets:  e.state,
		Guard:    e.guard,
		Outcomes: e.outcomes,
		Alerts:   notifier,
		Events:   e.events,
	})
	if err != nil {
		return nil, err
	}
	e.orch = orch

	e.states = safety.NewStateWriter(cfg, manifest, store, orch, e.state, e.guard)

	handlers := metrics.NewHandlers(cfg, manifest, metrics.Deps{
		Store:      store,
		Stats:      e.outcomes,
		Safety:     e.guard,
		Inflight:   orch,
		Windows:    windowSources(e.clocks),
		Strategies: e.composer,
		Markets:    e.state,
	})
	e.ops = metrics.NewServer(cfg, handlers)

	ok = true
	return e, nil
}

// Run starts every task and blocks until ctx is cancelled or a task
// fails. Shutdown is orderly: the state writer and tick sampler each
// flush once more on their way out.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().
		Str("version", config.GetVersion()).
		Str("mode", e.cfg.Trading.Mode).
		Strs("symbols", e.manifest.Symbols).
		Strs("strategies", e.manifest.Strategies).
		Msg("Engine starting")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.feeds.Run(ctx) })
	for _, c := range e.clocks {
		clock := c
		g.Go(func() error { return clock.Run(ctx) })
		g.Go(func() error { return e.routeTransitions(ctx, clock) })
	}
	g.Go(func() error { return e.orch.Run(ctx) })
	g.Go(func() error { return e.outcomes.Run(ctx) })
	g.Go(func() error { return e.guard.Run(ctx) })
	g.Go(func() error { return e.states.Run(ctx) })
	g.Go(func() error { return e.ops.Run(ctx) })
	if e.sampler != nil {
		g.Go(func() error { return e.sampler.Run(ctx) })
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error().Err(err).Msg("Engine stopped on error")
		return err
	}
	e.logger.Info().Msg("Engine stopped")
	return nil
}

// Close releases the database pools. Call after Run returns.
func (e *Engine) Close() {
	e.store.Close()
}

// buildFeeds assembles the feed manager: per-symbol exchange and CLOB
// book subscribers, plus the oracle pair on the primary symbol. Ticks
// pass through the sampler tap when tick sampling is enabled.
func (e *Engine) buildFeeds() error {
	var applier feed.Applier = e.state
	if e.sampler != nil {
		applier = sampledState{State: e.state, sampler: e.sampler}
	}
	mgr := feed.NewManager(e.cfg.Feeds, applier)

	graceful := e.cfg.Safety.GracefulTimeout()
	subs := make([]feed.Subscriber, 0, 2*len(e.manifest.Symbols)+2)
	e.clobs = make(map[string]*feed.ClobFeed, len(e.manifest.Symbols))

	for _, symbol := range e.manifest.Symbols {
		stream, found := e.cfg.Feeds.ExchangeSymbols[symbol]
		if !found {
			return errs.Newf(errs.ConfigInvalid, "no exchange stream mapped for symbol %q", symbol)
		}
		subs = append(subs, feed.NewBinanceFeed(symbol, stream, graceful, mgr))

		clob := feed.NewClobFeed(e.cfg.Venue.WSBaseURL, mgr)
		e.clobs[symbol] = clob
		subs = append(subs, clob)
	}

	// The oracle config carries one aggregator, so the push and SSE
	// subscribers track the primary (first) manifest symbol.
	primary := e.manifest.Symbols[0]
	if len(e.manifest.Symbols) > 1 {
		e.logger.Warn().
			Str("symbol", primary).
			Msg("Oracle feeds cover the primary symbol only")
	}
	if e.cfg.Oracle.RPCURL != "" {
		subs = append(subs, feed.NewChainlinkFeed(e.cfg.Oracle, primary, mgr))
	}
	if e.cfg.Feeds.SSEURL != "" {
		subs = append(subs, feed.NewSSEFeed(e.cfg.Feeds.SSEURL, primary, mgr))
	}

	mgr.Subscribe(subs...)
	e.feeds = mgr
	return nil
}

// buildClocks creates one window clock per manifest symbol, all
// discovering contracts through the same venue client and settling
// against oracle prints in market state.
func (e *Engine) buildClocks() error {
	gamma := window.NewGammaClient(e.cfg.Venue)
	e.clocks = make([]*window.Clock, 0, len(e.manifest.Symbols))
	for _, symbol := range e.manifest.Symbols {
		clock, err := window.NewClock(symbol, e.cfg.Orchestrator, gamma, e.state)
		if err != nil {
			return err
		}
		e.clocks = append(e.clocks, clock)
	}
	return nil
}

// buildAdapter picks the execution adapter for the configured mode.
// The live adapter proves its credentials with a balance round-trip
// before it is accepted.
func (e *Engine) buildAdapter(ctx context.Context) error {
	if e.cfg.IsLive() {
		live, err := exec.NewLive(ctx, e.cfg.Venue)
		if err != nil {
			return err
		}
		e.adapter = live
		return nil
	}

	params := exec.DefaultPaperParams()
	params.FeeBps = e.cfg.Venue.FeeRateBps
	paper := exec.NewPaper(e.state, e.cfg.Trading.StartingCapital, params)
	paper.SetRecorder(fillLog{logger: config.NewLogger("fills")})
	e.adapter = paper
	return nil
}

// buildStrategies registers the stock components, restores persisted
// strategy instances, composes any stock strategy the manifest lists
// that does not exist yet, and verifies every manifest entry resolves.
func (e *Engine) buildStrategies(ctx context.Context) error {
	e.catalog = strategy.NewCatalog()
	registered, errsFound := builtins.Register(e.catalog)
	for _, err := range errsFound {
		e.logger.Error().Err(err).Msg("Component rejected at registration")
	}
	e.logger.Info().Int("components", registered).Msg("Component catalog ready")

	e.composer = strategy.NewComposer(e.catalog, strategyStore{gw: e.store})

	if err := e.restoreStrategies(ctx); err != nil {
		return err
	}
	if err := e.seedStrategies(ctx); err != nil {
		return err
	}

	return e.manifest.CheckStrategies(func(name string) bool {
		return e.strategyByName(name) != nil
	})
}

// windowSources widens the clock list for the ops handlers.
func windowSources(clocks []*window.Clock) []metrics.WindowSource {
	out := make([]metrics.WindowSource, len(clocks))
	for i, c := range clocks {
		out[i] = c
	}
	return out
}

// sampledState forwards market data to the in-memory state and taps
// ticks for the database sampler. The pump stays the single writer.
type sampledState struct {
	*market.State
	sampler *db.TickSampler
}

func (s sampledState) ApplyTick(t market.Tick) {
	s.State.ApplyTick(t)
	s.sampler.Record(db.TickSample{
		Source:     string(t.Source),
		Symbol:     t.Symbol,
		Price:      t.Price,
		ObservedAt: t.Timestamp,
	})
}

// fillLog records simulated fills as structured log lines. Entry and
// exit economics already land in the positions table, so the paper
// blotter keeps no table of its own.
type fillLog struct {
	logger zerolog.Logger
}

func (f fillLog) RecordFill(_ context.Context, fill exec.Fill) error {
	f.logger.Info().
		Str("order_id", fill.OrderID).
		Str("token_id", fill.TokenID).
		Str("side", string(fill.Side)).
		Float64("price", fill.Price).
		Float64("size", fill.Size).
		Float64("fee", fill.Fee).
		Msg("Paper fill")
	return nil
}
