// Package orchestrator drives every active strategy once per tick
// against the current window, enforces the entry gates, and owns each
// position from signal to settlement. It is the only component that
// talks to the execution adapter.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/db"
	"github.com/strikebot/strikebot/internal/exec"
	"github.com/strikebot/strikebot/internal/market"
	"github.com/strikebot/strikebot/internal/strategy"
	"github.com/strikebot/strikebot/internal/window"
)

// Store is the persistence surface the orchestrator needs. db.Gateway
// satisfies it.
type Store interface {
	InsertSignal(ctx context.Context, signal *db.Signal) (bool, error)
	CreatePosition(ctx context.Context, position *db.Position) error
	GetOpenPositions(ctx context.Context) ([]*db.Position, error)
	OpenPositionsForWindow(ctx context.Context, windowID string) ([]*db.Position, error)
	MarkClosing(ctx context.Context, id uuid.UUID) error
	ClosePosition(ctx context.Context, id uuid.UUID, exitPrice float64, exitReason string, pnl float64) error
	TotalOpenExposure(ctx context.Context) (float64, error)
}

// Evaluator runs composed strategy pipelines. *strategy.Composer
// satisfies it.
type Evaluator interface {
	Execute(ctx context.Context, strategyID uuid.UUID, ec strategy.EvalContext) (*strategy.Evaluation, error)
	Get(id uuid.UUID) (*strategy.Instance, bool)
	List(activeOnly bool) []*strategy.Instance
}

// Markets supplies evaluation snapshots and top-of-book quotes.
// *market.State satisfies it.
type Markets interface {
	Snapshot(symbol string) market.Snapshot
	Quote(tokenID string) (market.BookTop, bool)
}

// Guard is the safety circuit's veto. New entries stop while it
// reports tripped; realized results are pushed to it as windows
// settle so it re-evaluates without waiting for its next sweep.
type Guard interface {
	Tripped() (bool, string)
	RecordRealized(pnl float64)
}

// Outcomes closes the loop on persisted signals once a window has a
// final oracle print.
type Outcomes interface {
	SettleWindow(ctx context.Context, w window.Window, finalOraclePrice float64) (int, error)
}

// Notifier raises operator alerts for settlement anomalies. The
// alerts manager satisfies it; nil disables alerting.
type Notifier interface {
	Notify(ctx context.Context, title, message string) error
}

// Deps wires the orchestrator to its collaborators. Guard, Outcomes
// and Alerts may be nil; everything else is required.
type Deps struct {
	Store    Store
	Adapter  exec.Adapter
	Evals    Evaluator
	Markets  Markets
	Guard    Guard
	Outcomes Outcomes
	Alerts   Notifier
	Events   <-chan window.Transition
}

// balanceTimeout caps the per-tick collateral read so a slow venue
// cannot stall the tick loop for longer than one interval.
const balanceTimeout = 3 * time.Second

// cancelTimeout bounds the cancel call issued for an expired
// in-flight order.
const cancelTimeout = 5 * time.Second

// windowState is the orchestrator's view of one symbol's current
// window, updated from clock transitions.
type windowState struct {
	window window.Window
	phase  window.Phase
}

// slotKey identifies the one position slot a strategy has per window.
type slotKey struct {
	strategyID uuid.UUID
	windowID   string
}

// Orchestrator runs the per-tick evaluation loop. All maps except
// slots and locks are touched only by the Run goroutine; slots and
// locks are shared with evaluation workers and guarded by mu.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	mode     string
	minSize  float64
	manifest *config.Manifest

	store    Store
	adapter  exec.Adapter
	evals    Evaluator
	markets  Markets
	guard    Guard
	outcomes Outcomes
	alerts   Notifier
	events   <-chan window.Transition

	logger zerolog.Logger
	now    func() time.Time

	tickEvery time.Duration
	pool      *errgroup.Group

	windows     map[string]windowState
	lastBalance float64

	mu    sync.Mutex
	slots map[slotKey]*db.Position
	locks map[slotKey]struct{}

	inflight *inflightRegistry
}

// New builds the orchestrator. The manifest is the launch manifest,
// already validated; cfg supplies tick cadence, timeouts and the
// venue minimum.
func New(cfg *config.Config, manifest *config.Manifest, deps Deps) (*Orchestrator, error) {
	if manifest == nil {
		return nil, fmt.Errorf("orchestrator requires a launch manifest")
	}
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("orchestrator requires a store")
	case deps.Adapter == nil:
		return nil, fmt.Errorf("orchestrator requires an execution adapter")
	case deps.Evals == nil:
		return nil, fmt.Errorf("orchestrator requires an evaluator")
	case deps.Markets == nil:
		return nil, fmt.Errorf("orchestrator requires market state")
	case deps.Events == nil:
		return nil, fmt.Errorf("orchestrator requires a window event source")
	}

	tick := cfg.Orchestrator.TickInterval()
	if tick <= 0 {
		tick = time.Second
	}
	workers := cfg.Orchestrator.EvalWorkers
	if workers <= 0 {
		workers = 4
	}
	pool := new(errgroup.Group)
	pool.SetLimit(workers)

	return &Orchestrator{
		cfg:       cfg.Orchestrator,
		mode:      cfg.Trading.Mode,
		minSize:   cfg.Venue.MinOrderSize,
		manifest:  manifest,
		store:     deps.Store,
		adapter:   deps.Adapter,
		evals:     deps.Evals,
		markets:   deps.Markets,
		guard:     deps.Guard,
		outcomes:  deps.Outcomes,
		alerts:    deps.Alerts,
		events:    deps.Events,
		logger:    config.NewLogger("orchestrator"),
		now:       time.Now,
		tickEvery: tick,
		pool:      pool,
		windows:   make(map[string]windowState),
		slots:     make(map[slotKey]*db.Position),
		locks:     make(map[slotKey]struct{}),
		inflight:  newInflightRegistry(),
	}, nil
}

// Run recovers open positions, then consumes window transitions and
// ticks until ctx is cancelled. Outstanding evaluations are drained
// before it returns.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.recoverPositions(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(o.tickEvery)
	defer ticker.Stop()

	o.logger.Info().
		Str("mode", o.mode).
		Dur("tick", o.tickEvery).
		Msg("Orchestrator running")

	for {
		select {
		case <-ctx.Done():
			_ = o.pool.Wait()
			o.logger.Info().Msg("Orchestrator stopped")
			return ctx.Err()
		case tr := <-o.events:
			o.handleTransition(ctx, tr)
		case <-ticker.C:
			o.tick(ctx)
		}
	}
}

// handleTransition records the symbol's new phase and reacts to the
// two transitions that carry work: settled windows are paid out, and
// newly active windows are logged with their contract binding.
func (o *Orchestrator) handleTransition(ctx context.Context, tr window.Transition) {
	o.windows[tr.Window.Symbol] = windowState{window: tr.Window, phase: tr.To}

	switch tr.To {
	case window.PhaseActive:
		o.logger.Info().
			Str("window_id", tr.Window.ID).
			Float64("strike", tr.Window.Strike).
			Msg("Window open for trading")
	case window.PhaseNearExpiry:
		o.logger.Debug().
			Str("window_id", tr.Window.ID).
			Msg("Window near expiry, entries locked")
	case window.PhaseSettled:
		o.settle(ctx, tr.Window)
	}
}

// tick runs one evaluation pass: sweep the in-flight registry, retry
// liquidations still pending from earlier ticks, then fan out one
// evaluation per active strategy per tradable window. Closing out runs
// before new evaluations. Evaluations run on the bounded pool and the
// tick never blocks on them; a key whose previous evaluation is still
// running is skipped.
func (o *Orchestrator) tick(ctx context.Context) {
	ticksTotal.Inc()
	now := o.now()

	o.sweepInflight(ctx, now)
	o.retryClosing(ctx)

	balance := o.refreshBalance(ctx)
	active := o.activeStrategies()

	for _, ws := range o.windows {
		if ws.phase != window.PhaseActive && ws.phase != window.PhaseNearExpiry {
			continue
		}
		if !ws.window.Resolved() {
			continue
		}
		snap := o.markets.Snapshot(ws.window.Symbol)
		for _, inst := range active {
			key := slotKey{strategyID: inst.ID, windowID: ws.window.ID}
			if !o.tryLock(key) {
				evalSkips.WithLabelValues("busy").Inc()
				continue
			}
			started := o.pool.TryGo(func() error {
				defer o.unlock(key)
				o.evaluate(ctx, inst, ws, snap, balance, now)
				return nil
			})
			if !started {
				o.unlock(key)
				evalSkips.WithLabelValues("pool_full").Inc()
			}
		}
	}
}

// InflightOrders returns a copy of every order attempt awaiting
// venue acknowledgement.
func (o *Orchestrator) InflightOrders() []InflightOrder {
	return o.inflight.snapshot()
}

// activeStrategies returns the active instances the manifest lists.
func (o *Orchestrator) activeStrategies() []*strategy.Instance {
	all := o.evals.List(true)
	out := all[:0]
	for _, inst := range all {
		if o.manifest.Lists(inst.Name) {
			out = append(out, inst)
		}
	}
	return out
}

// evaluate runs one strategy against one window and acts on the
// decision. A held position restricts the run to exit handling; a
// pipeline failure drops the evaluation and never propagates.
func (o *Orchestrator) evaluate(ctx context.Context, inst *strategy.Instance, ws windowState, snap market.Snapshot, balance float64, now time.Time) {
	key := slotKey{strategyID: inst.ID, windowID: ws.window.ID}
	held := o.slot(key)

	ec := strategy.EvalContext{
		WindowID:      ws.window.ID,
		Symbol:        ws.window.Symbol,
		Strike:        ws.window.Strike,
		TimeRemaining: ws.window.TimeRemaining(now),
		Market:        snap,
		Balance:       balance,
	}
	if held != nil {
		ec.Position = &strategy.PositionState{
			Side:       positionDirection(held, ws.window),
			Size:       held.Size,
			EntryPrice: held.EntryPrice,
		}
	}

	eval, err := o.evals.Execute(ctx, inst.ID, ec)
	if err != nil {
		evalFailures.WithLabelValues(inst.Name).Inc()
		o.logger.Warn().
			Err(err).
			Str("strategy", inst.Name).
			Str("window_id", ws.window.ID).
			Msg("Strategy evaluation failed, dropping")
		return
	}

	switch eval.Decision.Action {
	case strategy.ActionEnter:
		if held != nil {
			return
		}
		o.enter(ctx, inst, ws, snap, eval, now)
	case strategy.ActionExit:
		if held == nil || held.Status != db.PositionOpen {
			return
		}
		o.exit(ctx, key, held, "strategy_exit")
	}
}

// enter turns an enter decision into a persisted signal and a taker
// order. The signal row always lands before the order goes out, so a
// crash between the two leaves an auditable intent, never a naked
// fill.
func (o *Orchestrator) enter(ctx context.Context, inst *strategy.Instance, ws windowState, snap market.Snapshot, eval *strategy.Evaluation, now time.Time) {
	d := eval.Decision
	if d.Direction != "up" && d.Direction != "down" {
		o.logger.Debug().
			Str("strategy", inst.Name).
			Str("direction", d.Direction).
			Msg("Enter decision without usable direction")
		return
	}
	stake := d.Size
	if stake <= 0 {
		return
	}
	if stake > o.manifest.PositionSizeDollars {
		stake = o.manifest.PositionSizeDollars
	}

	tokenID := ws.window.UpTokenID
	if d.Direction == "down" {
		tokenID = ws.window.DownTokenID
	}

	quote, ok := o.markets.Quote(tokenID)
	if !ok || quote.BestAsk <= 0 || quote.BestAsk >= 1 {
		o.logger.Debug().
			Str("token_id", tokenID).
			Str("window_id", ws.window.ID).
			Msg("No marketable ask, skipping entry")
		return
	}
	price := quote.BestAsk
	contracts := truncContracts(stake / price)
	cost := price * contracts

	if gate, ok := o.entryGate(ctx, inst, ws, cost, contracts); !ok {
		gateBlocks.WithLabelValues(gate).Inc()
		o.logger.Debug().
			Str("strategy", inst.Name).
			Str("window_id", ws.window.ID).
			Str("gate", gate).
			Msg("Entry blocked")
		return
	}

	confidence := 0.0
	if d.Confidence != nil {
		confidence = clamp01(*d.Confidence)
	}
	sig := &db.Signal{
		ID:          uuid.New(),
		StrategyID:  inst.ID,
		WindowID:    ws.window.ID,
		Symbol:      ws.window.Symbol,
		Direction:   fadeDirection(d.Direction),
		Confidence:  confidence,
		TokenID:     tokenID,
		Side:        "buy",
		Size:        contracts,
		EntryPrice:  &price,
		Inputs:      buildInputs(ws.window, snap, now),
		GeneratedAt: now,
	}
	inserted, err := o.store.InsertSignal(ctx, sig)
	if err != nil {
		o.logger.Error().
			Err(err).
			Str("window_id", ws.window.ID).
			Str("strategy", inst.Name).
			Msg("Signal persistence failed, order not sent")
		return
	}
	if !inserted {
		// Another run of this strategy already signalled the window.
		return
	}

	reqKey := o.inflight.track(inst.ID, ws.window.ID, uuid.New(), tokenID, cost, now.Add(o.cfg.InflightTimeout()))
	inflightGauge.Set(float64(o.inflight.size()))

	octx, cancel := context.WithTimeout(ctx, o.cfg.InflightTimeout())
	defer cancel()
	res, err := o.adapter.PlaceOrder(octx, exec.OrderRequest{
		TokenID: tokenID,
		Side:    exec.Buy,
		Price:   price,
		Size:    contracts,
		Type:    exec.FOK,
	})
	if err != nil {
		o.inflight.resolve(reqKey)
		o.logger.Warn().
			Err(err).
			Str("window_id", ws.window.ID).
			Str("strategy", inst.Name).
			Float64("price", price).
			Float64("contracts", contracts).
			Msg("Entry order failed")
		return
	}

	switch res.Status {
	case exec.StatusMatched:
	case exec.StatusLive, exec.StatusDelayed:
		// Acknowledged but unfilled. Keep it tracked; the sweep
		// cancels it at the deadline.
		o.inflight.bind(reqKey, res.OrderID)
		o.logger.Warn().
			Str("order_id", res.OrderID).
			Str("status", string(res.Status)).
			Str("window_id", ws.window.ID).
			Msg("Entry order resting, awaiting fill or expiry")
		return
	default:
		o.inflight.resolve(reqKey)
		o.logger.Warn().
			Str("order_id", res.OrderID).
			Str("status", string(res.Status)).
			Str("window_id", ws.window.ID).
			Msg("Entry order not filled")
		return
	}

	filled := contracts
	entryPrice := price
	if res.Taking > 0 {
		filled = res.Taking
		if res.Making > 0 {
			entryPrice = res.Making / res.Taking
		}
	}
	pos := &db.Position{
		ID:         uuid.New(),
		StrategyID: inst.ID,
		WindowID:   ws.window.ID,
		TokenID:    tokenID,
		Side:       "buy",
		Size:       filled,
		EntryPrice: entryPrice,
		EntryTime:  o.now(),
		Status:     db.PositionOpen,
		Mode:       o.mode,
	}
	if err := o.store.CreatePosition(ctx, pos); err != nil {
		o.logger.Error().
			Err(err).
			Str("order_id", res.OrderID).
			Str("window_id", ws.window.ID).
			Msg("Position persistence failed after fill")
	}
	o.bindSlot(pos)
	o.inflight.resolve(reqKey)
	inflightGauge.Set(float64(o.inflight.size()))

	entriesTotal.WithLabelValues(ws.window.Symbol, d.Direction).Inc()
	o.logger.Info().
		Str("strategy", inst.Name).
		Str("window_id", ws.window.ID).
		Str("direction", d.Direction).
		Float64("entry_price", entryPrice).
		Float64("contracts", filled).
		Float64("cost", entryPrice*filled).
		Str("order_id", res.OrderID).
		Msg("Position opened")
}

// exit marks the position closing and makes the first liquidation
// attempt. An unmarketable book leaves it in closing; retryClosing
// picks it up on the following ticks.
func (o *Orchestrator) exit(ctx context.Context, key slotKey, pos *db.Position, reason string) {
	if err := o.store.MarkClosing(ctx, pos.ID); err != nil {
		o.logger.Error().
			Err(err).
			Str("position_id", pos.ID.String()).
			Msg("Failed to mark position closing")
		return
	}
	o.markSlotClosing(key)
	o.liquidate(ctx, key, pos, reason)
}

// liquidate sells the held token at the current bid. It reports
// whether the position was closed.
func (o *Orchestrator) liquidate(ctx context.Context, key slotKey, pos *db.Position, reason string) bool {
	quote, ok := o.markets.Quote(pos.TokenID)
	if !ok || quote.BestBid <= 0 || quote.BestBid >= 1 {
		o.logger.Debug().
			Str("position_id", pos.ID.String()).
			Str("token_id", pos.TokenID).
			Msg("No marketable bid, liquidation deferred")
		return false
	}
	price := quote.BestBid

	octx, cancel := context.WithTimeout(ctx, o.cfg.InflightTimeout())
	defer cancel()
	res, err := o.adapter.PlaceOrder(octx, exec.OrderRequest{
		TokenID: pos.TokenID,
		Side:    exec.Sell,
		Price:   price,
		Size:    pos.Size,
		Type:    exec.FOK,
	})
	if err != nil {
		o.logger.Warn().
			Err(err).
			Str("position_id", pos.ID.String()).
			Msg("Liquidation order failed, will retry")
		return false
	}
	if res.Status != exec.StatusMatched {
		o.logger.Warn().
			Str("position_id", pos.ID.String()).
			Str("status", string(res.Status)).
			Msg("Liquidation not filled, will retry")
		return false
	}

	exitPrice := price
	if res.Making > 0 && res.Taking > 0 {
		// Sells give contracts and take collateral.
		exitPrice = res.Taking / res.Making
	}
	pnl := (exitPrice - pos.EntryPrice) * pos.Size
	if err := o.store.ClosePosition(ctx, pos.ID, exitPrice, reason, pnl); err != nil {
		o.logger.Error().
			Err(err).
			Str("position_id", pos.ID.String()).
			Msg("Failed to persist position close")
	}
	o.releaseSlot(key)

	exitsTotal.WithLabelValues(reason).Inc()
	o.logger.Info().
		Str("position_id", pos.ID.String()).
		Str("window_id", pos.WindowID).
		Str("reason", reason).
		Float64("exit_price", exitPrice).
		Float64("pnl", pnl).
		Msg("Position closed")
	return true
}

// retryClosing re-attempts liquidation for every position stuck in
// closing, skipping keys whose evaluation or earlier attempt still
// holds the lock.
func (o *Orchestrator) retryClosing(ctx context.Context) {
	o.mu.Lock()
	pending := make(map[slotKey]*db.Position)
	for key, pos := range o.slots {
		if pos.Status == db.PositionClosing {
			pending[key] = pos
		}
	}
	o.mu.Unlock()

	for key, pos := range pending {
		symbol, _, err := window.ParseID(pos.WindowID)
		if err != nil {
			continue
		}
		ws, ok := o.windows[symbol]
		if !ok || ws.window.ID != pos.WindowID {
			// The market for this window is gone; settlement will
			// close it.
			continue
		}
		if ws.phase != window.PhaseActive && ws.phase != window.PhaseNearExpiry {
			continue
		}
		if !o.tryLock(key) {
			continue
		}
		reason := "strategy_exit"
		if inst, ok := o.evals.Get(pos.StrategyID); !ok || !inst.Active {
			reason = "orphaned"
		}
		o.liquidate(ctx, key, pos, reason)
		o.unlock(key)
	}
}

// sweepInflight cancels orders whose acknowledgement deadline passed
// and drops their registry records.
func (o *Orchestrator) sweepInflight(ctx context.Context, now time.Time) {
	for _, ord := range o.inflight.expired(now) {
		if ord.orderID != "" {
			cctx, cancel := context.WithTimeout(ctx, cancelTimeout)
			err := o.adapter.Cancel(cctx, ord.orderID)
			cancel()
			if err != nil {
				o.logger.Warn().
					Err(err).
					Str("order_id", ord.orderID).
					Msg("Cancel of expired in-flight order failed")
			}
		}
		o.inflight.resolve(ord.key)
		inflightExpired.Inc()
		o.logger.Warn().
			Str("order_id", ord.orderID).
			Str("window_id", ord.key.windowID).
			Msg("In-flight order expired without acknowledgement")
	}
	inflightGauge.Set(float64(o.inflight.size()))
}

// refreshBalance reads the collateral balance, falling back to the
// last known value when the venue read fails.
func (o *Orchestrator) refreshBalance(ctx context.Context) float64 {
	bctx, cancel := context.WithTimeout(ctx, balanceTimeout)
	defer cancel()
	bal, err := o.adapter.Balance(bctx, "")
	if err != nil {
		o.logger.Warn().
			Err(err).
			Float64("last_known", o.lastBalance).
			Msg("Balance refresh failed, using last known")
		return o.lastBalance
	}
	o.lastBalance = bal
	return bal
}

// slot returns the cached open or closing position for a key.
func (o *Orchestrator) slot(key slotKey) *db.Position {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.slots[key]
}

func (o *Orchestrator) bindSlot(pos *db.Position) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.slots[slotKey{strategyID: pos.StrategyID, windowID: pos.WindowID}] = pos
}

func (o *Orchestrator) markSlotClosing(key slotKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if pos, ok := o.slots[key]; ok {
		pos.Status = db.PositionClosing
	}
}

func (o *Orchestrator) releaseSlot(key slotKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.slots, key)
}

// tryLock claims the per-(strategy, window) evaluation lock. Work for
// the same key never runs concurrently; a claimed key is skipped, not
// queued.
func (o *Orchestrator) tryLock(key slotKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, held := o.locks[key]; held {
		return false
	}
	o.locks[key] = struct{}{}
	return true
}

func (o *Orchestrator) unlock(key slotKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.locks, key)
}

// positionDirection names the side a held token bets on, which is
// the vocabulary exit components reason in. Orders are always buys,
// so the token id, not the order side, carries the direction.
func positionDirection(pos *db.Position, w window.Window) string {
	if pos.TokenID == w.DownTokenID {
		return "down"
	}
	return "up"
}

// fadeDirection translates the entry vocabulary, where "up" and
// "down" name the token being bought, into signal terms: buying the
// down token fades the up move and vice versa.
func fadeDirection(direction string) string {
	if direction == "up" {
		return "fade_down"
	}
	return "fade_up"
}

// truncContracts truncates a contract quantity to the venue's two
// decimal places, never rounding up past the stake.
func truncContracts(qty float64) float64 {
	return float64(int64(qty*100)) / 100
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// buildInputs captures the market evidence behind a signal, straight
// from the snapshot the decision saw.
func buildInputs(w window.Window, snap market.Snapshot, now time.Time) db.SignalInputs {
	inputs := db.SignalInputs{
		TimeRemainingMS: w.TimeRemaining(now).Milliseconds(),
		UIPrice:         snap.UIPrice(),
		SpreadPct:       snap.SpreadPct(),
		Strike:          w.Strike,
		StalenessScore:  snap.StalenessScore(),
	}
	if px, ok := snap.Price(market.SourceExchange); ok {
		inputs.MarketPrice = px
	}
	if oracle, ok := snap.Oracle(); ok {
		inputs.OraclePrice = oracle.Price
		inputs.OracleStalenessMS = oracle.AgeMS
	}
	return inputs
}
