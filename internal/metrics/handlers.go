package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/db"
	"github.com/strikebot/strikebot/internal/errs"
	"github.com/strikebot/strikebot/internal/market"
	"github.com/strikebot/strikebot/internal/orchestrator"
	"github.com/strikebot/strikebot/internal/outcome"
	"github.com/strikebot/strikebot/internal/safety"
	"github.com/strikebot/strikebot/internal/strategy"
	"github.com/strikebot/strikebot/internal/window"
)

const (
	pingTimeout  = 2 * time.Second
	defaultStats = 200
)

// Store is the read-only persistence surface the ops endpoints use.
// *db.Gateway satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	GetOpenPositions(ctx context.Context) ([]*db.Position, error)
}

// StatsSource produces the signal attribution rollup. The outcome
// logger satisfies it.
type StatsSource interface {
	Stats(ctx context.Context, limit int) (*outcome.Stats, error)
}

// SafetySource exposes the breaker ledger. *safety.AutoStop
// satisfies it.
type SafetySource interface {
	Snapshot() safety.State
}

// InflightSource counts order attempts awaiting acknowledgement.
// *orchestrator.Orchestrator satisfies it.
type InflightSource interface {
	InflightOrders() []orchestrator.InflightOrder
}

// WindowSource reports one symbol's current window and phase.
// *window.Clock satisfies it.
type WindowSource interface {
	Symbol() string
	Current() (window.Window, window.Phase)
}

// StrategySource lists registered strategy instances.
// *strategy.Composer satisfies it.
type StrategySource interface {
	List(activeOnly bool) []*strategy.Instance
}

// FreshnessSource reports feed staleness per symbol. *market.State
// satisfies it.
type FreshnessSource interface {
	Stale(source market.Source, symbol string) bool
}

// Deps wires the handlers to the running engine. Every field except
// Store may be nil; absent sources simply drop out of the payloads.
type Deps struct {
	Store      Store
	Stats      StatsSource
	Safety     SafetySource
	Inflight   InflightSource
	Windows    []WindowSource
	Strategies StrategySource
	Markets    FreshnessSource
}

// Handlers implements the ops endpoints.
type Handlers struct {
	cfg      *config.Config
	manifest *config.Manifest
	deps     Deps

	startedAt time.Time
	logger    zerolog.Logger
	now       func() time.Time
}

// NewHandlers builds the endpoint set. startedAt feeds the uptime
// field of the status payload.
func NewHandlers(cfg *config.Config, manifest *config.Manifest, deps Deps) *Handlers {
	return &Handlers{
		cfg:       cfg,
		manifest:  manifest,
		deps:      deps,
		startedAt: time.Now(),
		logger:    config.NewLogger("metrics"),
		now:       time.Now,
	}
}

func (h *Handlers) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type readinessCheck struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// handleReadiness reports whether the engine can trade: the database
// answers and each traded symbol has a fresh exchange print.
func (h *Handlers) handleReadiness(w http.ResponseWriter, r *http.Request) {
	var checks []readinessCheck
	ready := true

	if h.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := h.deps.Store.Ping(ctx)
		cancel()
		check := readinessCheck{Name: "database", OK: err == nil}
		if err != nil {
			check.Error = errs.Redact(err.Error())
			ready = false
		}
		checks = append(checks, check)
	}
	if h.deps.Markets != nil {
		for _, symbol := range h.manifest.Symbols {
			check := readinessCheck{Name: "feed:" + symbol, OK: !h.deps.Markets.Stale(market.SourceExchange, symbol)}
			if !check.OK {
				check.Error = "exchange feed stale"
				ready = false
			}
			checks = append(checks, check)
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]any{"ready": ready, "checks": checks})
}

type windowStatus struct {
	Symbol         string  `json:"symbol"`
	WindowID       string  `json:"window_id,omitempty"`
	Phase          string  `json:"phase"`
	Strike         float64 `json:"strike,omitempty"`
	SecondsToClose float64 `json:"seconds_to_close,omitempty"`
}

type strategyStatus struct {
	ID     uuid.UUID `json:"id"`
	Name   string    `json:"name"`
	Active bool      `json:"active"`
	Listed bool      `json:"listed"`
}

type statusResponse struct {
	App            string           `json:"app"`
	Version        string           `json:"version"`
	Environment    string           `json:"environment"`
	Mode           string           `json:"mode"`
	StartedAt      time.Time        `json:"started_at"`
	UptimeSeconds  float64          `json:"uptime_seconds"`
	Windows        []windowStatus   `json:"windows"`
	Strategies     []strategyStatus `json:"strategies"`
	Safety         *safety.State    `json:"safety,omitempty"`
	InflightOrders int              `json:"inflight_orders"`
	System         systemStatus     `json:"system"`
}

func (h *Handlers) handleStatus(w http.ResponseWriter, _ *http.Request) {
	now := h.now()
	resp := statusResponse{
		App:           h.cfg.App.Name,
		Version:       config.Version,
		Environment:   h.cfg.App.Environment,
		Mode:          h.cfg.Trading.Mode,
		StartedAt:     h.startedAt.UTC(),
		UptimeSeconds: now.Sub(h.startedAt).Seconds(),
		System:        systemSnapshot(),
	}

	for _, src := range h.deps.Windows {
		win, phase := src.Current()
		ws := windowStatus{Symbol: src.Symbol(), Phase: string(phase)}
		if win.ID != "" {
			ws.WindowID = win.ID
			ws.Strike = win.Strike
			if remaining := win.TimeRemaining(now); remaining > 0 {
				ws.SecondsToClose = remaining.Seconds()
			}
		}
		resp.Windows = append(resp.Windows, ws)
	}
	if h.deps.Strategies != nil {
		for _, inst := range h.deps.Strategies.List(false) {
			resp.Strategies = append(resp.Strategies, strategyStatus{
				ID:     inst.ID,
				Name:   inst.Name,
				Active: inst.Active,
				Listed: h.manifest.Lists(inst.Name),
			})
		}
	}
	if h.deps.Safety != nil {
		st := h.deps.Safety.Snapshot()
		resp.Safety = &st
	}
	if h.deps.Inflight != nil {
		resp.InflightOrders = len(h.deps.Inflight.InflightOrders())
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type positionView struct {
	ID         uuid.UUID `json:"id"`
	StrategyID uuid.UUID `json:"strategy_id"`
	WindowID   string    `json:"window_id"`
	TokenID    string    `json:"token_id"`
	Side       string    `json:"side"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
	EntryTime  time.Time `json:"entry_time"`
	Status     string    `json:"status"`
	Mode       string    `json:"mode"`
	Cost       float64   `json:"cost"`
}

func (h *Handlers) handlePositions(w http.ResponseWriter, r *http.Request) {
	if h.deps.Store == nil {
		h.writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	positions, err := h.deps.Store.GetOpenPositions(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("Open-position query failed")
		h.writeError(w, http.StatusInternalServerError, "querying positions")
		return
	}

	views := make([]positionView, 0, len(positions))
	for _, pos := range positions {
		views = append(views, positionView{
			ID:         pos.ID,
			StrategyID: pos.StrategyID,
			WindowID:   pos.WindowID,
			TokenID:    pos.TokenID,
			Side:       pos.Side,
			Size:       pos.Size,
			EntryPrice: pos.EntryPrice,
			EntryTime:  pos.EntryTime,
			Status:     string(pos.Status),
			Mode:       pos.Mode,
			Cost:       pos.Cost(),
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"count": len(views), "positions": views})
}

func (h *Handlers) handleStats(w http.ResponseWriter, r *http.Request) {
	if h.deps.Stats == nil {
		h.writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	limit := defaultStats
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	stats, err := h.deps.Stats.Stats(r.Context(), limit)
	if err != nil {
		h.logger.Error().Err(err).Msg("Stats rollup failed")
		h.writeError(w, http.StatusInternalServerError, "computing stats")
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn().Err(err).Msg("Response encoding failed")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}
