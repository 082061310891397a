package backtest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/exec"
	"github.com/strikebot/strikebot/internal/market"
	"github.com/strikebot/strikebot/internal/strategy"
	"github.com/strikebot/strikebot/internal/window"
)

// Evaluator runs composed strategy pipelines and enumerates the
// instances available for replay. *strategy.Composer satisfies it.
type Evaluator interface {
	Execute(ctx context.Context, strategyID uuid.UUID, ec strategy.EvalContext) (*strategy.Evaluation, error)
	List(activeOnly bool) []*strategy.Instance
}

// Params tunes one replay run. The risk knobs carry the same meaning
// they have live: PositionSize caps the per-entry stake, MaxExposure
// the total open cost, MinOrderSize the venue's contract minimum, and
// EntryLock blocks entries once less than that remains in the window.
type Params struct {
	// Strategies names the composed instances to replay. Empty replays
	// every active instance.
	Strategies []string

	StartingCapital float64
	PositionSize    float64
	MaxExposure     float64
	MinOrderSize    float64
	FeeBps          int
	EntryLock       time.Duration
	StaleAfter      time.Duration
}

// normalized fills the gaps a caller left with the engine defaults.
func (p Params) normalized() Params {
	if p.StartingCapital <= 0 {
		p.StartingCapital = 1000
	}
	if p.PositionSize <= 0 {
		p.PositionSize = 100
	}
	if p.MaxExposure <= 0 {
		p.MaxExposure = p.StartingCapital
	}
	if p.EntryLock <= 0 {
		p.EntryLock = 60 * time.Second
	}
	if p.StaleAfter <= 0 {
		p.StaleAfter = 30 * time.Second
	}
	return p
}

// replayDepth is the synthetic size attached to every recorded book
// level. Strategies price off the top of book and never read depth, so
// a constant keeps recordings small without changing any decision.
const replayDepth = 1000.0

// Runner replays recorded windows through composed strategies. Each
// strategy trades its own paper account against a shared market state,
// so one run yields directly comparable per-strategy results.
type Runner struct {
	evals  Evaluator
	params Params
	logger zerolog.Logger
}

// NewRunner builds a runner over an evaluator, normally a composer
// with the stock components registered and instances restored.
func NewRunner(evals Evaluator, params Params) *Runner {
	return &Runner{
		evals:  evals,
		params: params.normalized(),
		logger: config.NewLogger("backtest"),
	}
}

// openPosition is a held replay position, one at most per ledger. The
// runner owns position state itself; the paper wallet only keeps the
// cash and contract balances honest.
type openPosition struct {
	windowID   string
	tokenID    string
	direction  string
	size       float64
	entryPrice float64
	cost       float64
	enteredAt  time.Time
}

// ledger is one strategy's replayed account.
type ledger struct {
	inst   *strategy.Instance
	wallet *exec.Paper
	open   *openPosition
	trades []Trade
	curve  []EquityPoint
}

// Trade is one completed round trip: a strategy entry closed either by
// its own exit or by window settlement.
type Trade struct {
	Strategy   string    `json:"strategy"`
	WindowID   string    `json:"window_id"`
	Symbol     string    `json:"symbol"`
	Direction  string    `json:"direction"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	PnL        float64   `json:"pnl"`
	Reason     string    `json:"reason"`
	EnteredAt  time.Time `json:"entered_at"`
	ExitedAt   time.Time `json:"exited_at"`
}

// EquityPoint samples a strategy's cash once its window has settled.
// With every contract redeemed or worthless, cash is total equity.
type EquityPoint struct {
	WindowID string    `json:"window_id"`
	At       time.Time `json:"at"`
	Equity   float64   `json:"equity"`
}

// Run replays the recordings in order and reports per-strategy
// results. Recordings are validated up front; a bad one fails the run
// before any window replays.
func (r *Runner) Run(ctx context.Context, recordings []WindowRecording) (*Report, error) {
	if len(recordings) == 0 {
		return nil, fmt.Errorf("no recordings to replay")
	}
	for i := range recordings {
		if err := recordings[i].Validate(); err != nil {
			return nil, err
		}
	}

	// One market state for the whole run: indicator history spans
	// window boundaries exactly as it does live.
	state := market.NewState(r.params.StaleAfter)
	ledgers, err := r.ledgersFor(state)
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Int("windows", len(recordings)).
		Int("strategies", len(ledgers)).
		Float64("starting_capital", r.params.StartingCapital).
		Msg("Replay starting")

	for _, rec := range recordings {
		if err := r.replayWindow(ctx, state, ledgers, rec); err != nil {
			return nil, err
		}
	}

	report := buildReport(r.params, ledgers, len(recordings))
	r.logger.Info().
		Int("windows", report.Windows).
		Int("strategies", len(report.Results)).
		Msg("Replay finished")
	return report, nil
}

// ledgersFor resolves the requested strategies against the evaluator
// and opens a paper account for each. The fill model matches the live
// paper adapter so replayed and paper-traded results line up.
func (r *Runner) ledgersFor(state *market.State) ([]*ledger, error) {
	active := r.evals.List(true)
	byName := make(map[string]*strategy.Instance, len(active))
	for _, inst := range active {
		byName[inst.Name] = inst
	}

	picked := active
	if len(r.params.Strategies) > 0 {
		picked = make([]*strategy.Instance, 0, len(r.params.Strategies))
		for _, name := range r.params.Strategies {
			inst, ok := byName[name]
			if !ok {
				return nil, fmt.Errorf("strategy %q is not composed or not active", name)
			}
			picked = append(picked, inst)
		}
	}
	if len(picked) == 0 {
		return nil, fmt.Errorf("no active strategies to replay")
	}

	fills := exec.DefaultPaperParams()
	fills.FeeBps = r.params.FeeBps

	ledgers := make([]*ledger, 0, len(picked))
	for _, inst := range picked {
		ledgers = append(ledgers, &ledger{
			inst:   inst,
			wallet: exec.NewPaper(state, r.params.StartingCapital, fills),
		})
	}
	return ledgers, nil
}

// replayWindow feeds one recording through the market state tick by
// tick, evaluating every ledger at each step, then settles the window
// against its final oracle price.
func (r *Runner) replayWindow(ctx context.Context, state *market.State, ledgers []*ledger, rec WindowRecording) error {
	w := window.Window{
		ID:          rec.WindowID,
		Symbol:      rec.Symbol,
		OpenEpoch:   rec.OpenEpoch,
		CloseEpoch:  rec.CloseEpoch,
		Strike:      rec.Strike,
		UpTokenID:   rec.WindowID + ":up",
		DownTokenID: rec.WindowID + ":down",
	}
	state.SetActiveTokens(w.Symbol, w.UpTokenID, w.DownTokenID)

	for _, tk := range rec.Ticks {
		if err := ctx.Err(); err != nil {
			return err
		}
		at := w.OpenTime().Add(time.Duration(tk.OffsetMS) * time.Millisecond)
		r.applyTick(state, w, tk, at)

		phase := window.PhaseActive
		if w.TimeRemaining(at) <= r.params.EntryLock {
			phase = window.PhaseNearExpiry
		}

		snap := state.Snapshot(w.Symbol)
		for _, led := range ledgers {
			r.evaluateTick(ctx, state, led, w, phase, snap, at)
		}
	}

	r.settleWindow(ctx, ledgers, w, rec.FinalPrice)
	return nil
}

// applyTick replays one recorded step into the market state. Receipt
// times are stamped now so every recorded print is fresh at its step,
// the same view a live evaluation has of a print that just arrived.
func (r *Runner) applyTick(state *market.State, w window.Window, tk RecordedTick, at time.Time) {
	received := time.Now()

	if tk.Spot > 0 {
		state.ApplyTick(market.Tick{
			Source:     market.SourceExchange,
			Symbol:     w.Symbol,
			Price:      tk.Spot,
			Timestamp:  at,
			ReceivedAt: received,
		})
	}
	if tk.Oracle > 0 {
		state.ApplyTick(market.Tick{
			Source:     market.SourceOraclePush,
			Symbol:     w.Symbol,
			Price:      tk.Oracle,
			Timestamp:  at,
			ReceivedAt: received,
		})
	}
	if snap, ok := bookSnapshot(w.UpTokenID, tk.UpBid, tk.UpAsk, at, received); ok {
		state.ApplyBookSnapshot(snap)
	}
	if snap, ok := bookSnapshot(w.DownTokenID, tk.DownBid, tk.DownAsk, at, received); ok {
		state.ApplyBookSnapshot(snap)
	}
}

// bookSnapshot builds a single-level book from a recorded top. Zero on
// both sides means the recording had no book at this step.
func bookSnapshot(tokenID string, bid, ask float64, at, received time.Time) (market.BookSnapshot, bool) {
	if bid <= 0 && ask <= 0 {
		return market.BookSnapshot{}, false
	}
	snap := market.BookSnapshot{
		TokenID:    tokenID,
		Timestamp:  at.UnixMilli(),
		ReceivedAt: received,
	}
	if bid > 0 {
		snap.Bids = []market.Level{{Price: bid, Size: replayDepth}}
	}
	if ask > 0 {
		snap.Asks = []market.Level{{Price: ask, Size: replayDepth}}
	}
	return snap, true
}

// evaluateTick runs one strategy against one replay step and acts on
// the decision, mirroring the live tick loop: a held position limits
// the run to exit handling, a failed pipeline drops the evaluation.
func (r *Runner) evaluateTick(ctx context.Context, state *market.State, led *ledger, w window.Window, phase window.Phase, snap market.Snapshot, at time.Time) {
	balance, err := led.wallet.Balance(ctx, "")
	if err != nil {
		return
	}

	ec := strategy.EvalContext{
		WindowID:      w.ID,
		Symbol:        w.Symbol,
		Strike:        w.Strike,
		TimeRemaining: w.TimeRemaining(at),
		Market:        snap,
		Balance:       balance,
	}
	if led.open != nil {
		ec.Position = &strategy.PositionState{
			Side:       led.open.direction,
			Size:       led.open.size,
			EntryPrice: led.open.entryPrice,
		}
	}

	eval, err := r.evals.Execute(ctx, led.inst.ID, ec)
	if err != nil {
		r.logger.Debug().
			Err(err).
			Str("strategy", led.inst.Name).
			Str("window_id", w.ID).
			Msg("Replay evaluation failed, dropping")
		return
	}

	switch eval.Decision.Action {
	case strategy.ActionEnter:
		if led.open != nil || phase != window.PhaseActive {
			return
		}
		r.enter(ctx, state, led, w, eval.Decision, at)
	case strategy.ActionExit:
		if led.open == nil {
			return
		}
		r.exit(ctx, state, led, w, at)
	}
}

// enter opens a position from an enter decision, applying the same
// gates the live path applies: usable direction, stake cap, marketable
// ask, exposure cap and venue minimum, then a FOK buy.
func (r *Runner) enter(ctx context.Context, state *market.State, led *ledger, w window.Window, d strategy.Decision, at time.Time) {
	if d.Direction != "up" && d.Direction != "down" {
		return
	}
	stake := d.Size
	if stake <= 0 {
		return
	}
	if stake > r.params.PositionSize {
		stake = r.params.PositionSize
	}

	tokenID := w.UpTokenID
	if d.Direction == "down" {
		tokenID = w.DownTokenID
	}
	quote, ok := state.Quote(tokenID)
	if !ok || quote.BestAsk <= 0 || quote.BestAsk >= 1 {
		return
	}
	price := quote.BestAsk
	contracts := truncContracts(stake / price)
	cost := price * contracts

	if cost > r.params.MaxExposure {
		return
	}
	if contracts < r.params.MinOrderSize {
		return
	}

	res, err := led.wallet.PlaceOrder(ctx, exec.OrderRequest{
		TokenID: tokenID,
		Side:    exec.Buy,
		Price:   price,
		Size:    contracts,
		Type:    exec.FOK,
	})
	if err != nil || res.Status != exec.StatusMatched {
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
	led.open = &openPosition{
		windowID:   w.ID,
		tokenID:    tokenID,
		direction:  d.Direction,
		size:       filled,
		entryPrice: entryPrice,
		cost:       res.Making,
		enteredAt:  at,
	}
	r.logger.Debug().
		Str("strategy", led.inst.Name).
		Str("window_id", w.ID).
		Str("direction", d.Direction).
		Float64("entry_price", entryPrice).
		Float64("contracts", filled).
		Msg("Replay entry")
}

// exit sells the held token at the bid with a FOK. An unmarketable or
// unfilled exit leaves the position held; settlement catches it at the
// window close, exactly as the live retry loop would.
func (r *Runner) exit(ctx context.Context, state *market.State, led *ledger, w window.Window, at time.Time) {
	pos := led.open
	quote, ok := state.Quote(pos.tokenID)
	if !ok || quote.BestBid <= 0 || quote.BestBid >= 1 {
		return
	}
	price := quote.BestBid

	res, err := led.wallet.PlaceOrder(ctx, exec.OrderRequest{
		TokenID: pos.tokenID,
		Side:    exec.Sell,
		Price:   price,
		Size:    pos.size,
		Type:    exec.FOK,
	})
	if err != nil || res.Status != exec.StatusMatched {
		return
	}

	exitPrice := price
	if res.Making > 0 && res.Taking > 0 {
		// Sells give contracts and take collateral.
		exitPrice = res.Taking / res.Making
	}
	led.trades = append(led.trades, Trade{
		Strategy:   led.inst.Name,
		WindowID:   pos.windowID,
		Symbol:     w.Symbol,
		Direction:  pos.direction,
		Size:       pos.size,
		EntryPrice: pos.entryPrice,
		ExitPrice:  exitPrice,
		PnL:        (exitPrice - pos.entryPrice) * pos.size,
		Reason:     "strategy_exit",
		EnteredAt:  pos.enteredAt,
		ExitedAt:   at,
	})
	led.open = nil
}

// settleWindow pays out the window against its final oracle price.
// Payout is binary: the winning token redeems for a dollar, the loser
// for nothing. Every ledger gets an equity point here, traded or not,
// so curves stay aligned across strategies.
func (r *Runner) settleWindow(ctx context.Context, ledgers []*ledger, w window.Window, final float64) {
	at := w.CloseTime()
	outcome := "down"
	if final >= w.Strike {
		outcome = "up"
	}
	winning := w.TokenFor(outcome)

	for _, led := range ledgers {
		if pos := led.open; pos != nil {
			payout := 0.0
			if pos.tokenID == winning {
				payout = 1.0
			}
			led.trades = append(led.trades, Trade{
				Strategy:   led.inst.Name,
				WindowID:   pos.windowID,
				Symbol:     w.Symbol,
				Direction:  pos.direction,
				Size:       pos.size,
				EntryPrice: pos.entryPrice,
				ExitPrice:  payout,
				PnL:        (payout - pos.entryPrice) * pos.size,
				Reason:     "settlement",
				EnteredAt:  pos.enteredAt,
				ExitedAt:   at,
			})
			led.open = nil
		}

		led.wallet.Settle(w.UpTokenID, outcome == "up")
		led.wallet.Settle(w.DownTokenID, outcome == "down")

		equity, err := led.wallet.Balance(ctx, "")
		if err != nil {
			continue
		}
		led.curve = append(led.curve, EquityPoint{WindowID: w.ID, At: at, Equity: equity})
	}

	r.logger.Debug().
		Str("window_id", w.ID).
		Str("outcome", outcome).
		Float64("final_price", final).
		Float64("strike", w.Strike).
		Msg("Replay window settled")
}

// truncContracts truncates a contract quantity to the venue's two
// decimal places, never rounding up past the stake.
func truncContracts(qty float64) float64 {
	return float64(int64(qty*100)) / 100
}
