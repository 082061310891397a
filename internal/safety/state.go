package safety

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/db"
	"github.com/strikebot/strikebot/internal/market"
	"github.com/strikebot/strikebot/internal/orchestrator"
)

// OpenPosition is the state-file rendering of one open book entry.
type OpenPosition struct {
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
}

// LastTick is one source's freshest print for a symbol.
type LastTick struct {
	Source string  `json:"source"`
	Price  float64 `json:"price"`
	AgeMS  int64   `json:"age_ms"`
}

// LastKnownState is what operators read after a crash or kill, when
// the process can no longer be asked.
type LastKnownState struct {
	WrittenAt      time.Time                    `json:"written_at"`
	OpenPositions  []OpenPosition               `json:"open_positions"`
	InflightOrders []orchestrator.InflightOrder `json:"inflight_orders"`
	LastTicks      map[string][]LastTick        `json:"last_ticks"`
	AutoStop       State                        `json:"auto_stop_state"`
	Errors         []string                     `json:"errors,omitempty"`
}

// PositionSource supplies the open book. *db.Gateway satisfies it.
type PositionSource interface {
	GetOpenPositions(ctx context.Context) ([]*db.Position, error)
}

// InflightSource reports order attempts awaiting venue
// acknowledgement. *orchestrator.Orchestrator satisfies it.
type InflightSource interface {
	InflightOrders() []orchestrator.InflightOrder
}

// TickSource supplies per-symbol market snapshots. *market.State
// satisfies it.
type TickSource interface {
	Snapshot(symbol string) market.Snapshot
}

// StateWriter rewrites a JSON file of the engine's last known state
// on a fixed cadence: open positions, in-flight orders, the freshest
// prints per symbol, and the safety ledger.
type StateWriter struct {
	path    string
	every   time.Duration
	symbols []string

	positions PositionSource
	inflight  InflightSource
	ticks     TickSource
	autostop  *AutoStop

	logger zerolog.Logger
	now    func() time.Time
}

// NewStateWriter builds the writer. inflight, ticks, and autostop may
// be nil when the engine runs without those components.
func NewStateWriter(cfg *config.Config, manifest *config.Manifest, positions PositionSource, inflight InflightSource, ticks TickSource, autostop *AutoStop) *StateWriter {
	return &StateWriter{
		path:      cfg.Safety.StateFile,
		every:     cfg.Safety.StateUpdateInterval(),
		symbols:   manifest.Symbols,
		positions: positions,
		inflight:  inflight,
		ticks:     ticks,
		autostop:  autostop,
		logger:    config.NewLogger("state"),
		now:       time.Now,
	}
}

// Run rewrites the state file on the configured cadence, and once
// more on shutdown so the file reflects the world at exit.
func (w *StateWriter) Run(ctx context.Context) error {
	every := w.every
	if every <= 0 {
		every = 10 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	w.logger.Info().Str("path", w.path).Dur("interval", every).Msg("State writer running")
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), persistTimeout)
			if err := w.WriteNow(final); err != nil {
				w.logger.Error().Err(err).Msg("Final state write failed")
			}
			cancel()
			return ctx.Err()
		case <-ticker.C:
			if err := w.WriteNow(ctx); err != nil {
				w.logger.Warn().Err(err).Msg("State write failed")
			}
		}
	}
}

// WriteNow collects and writes the state file once. A source that
// cannot be read degrades the file rather than blocking it; whatever
// failed is named in the errors field.
func (w *StateWriter) WriteNow(ctx context.Context) error {
	state := w.collect(ctx)

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		stateWrites.WithLabelValues("error").Inc()
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := writeFileAtomic(w.path, data); err != nil {
		stateWrites.WithLabelValues("error").Inc()
		return err
	}
	stateWrites.WithLabelValues("ok").Inc()
	return nil
}

func (w *StateWriter) collect(ctx context.Context) *LastKnownState {
	state := &LastKnownState{
		WrittenAt:      w.now().UTC(),
		OpenPositions:  []OpenPosition{},
		InflightOrders: []orchestrator.InflightOrder{},
		LastTicks:      make(map[string][]LastTick, len(w.symbols)),
	}

	positions, err := w.positions.GetOpenPositions(ctx)
	if err != nil {
		state.Errors = append(state.Errors, fmt.Sprintf("open positions: %v", err))
	}
	for _, pos := range positions {
		state.OpenPositions = append(state.OpenPositions, OpenPosition{
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
		})
	}

	if w.inflight != nil {
		state.InflightOrders = w.inflight.InflightOrders()
	}
	if w.ticks != nil {
		for _, symbol := range w.symbols {
			snap := w.ticks.Snapshot(symbol)
			ticks := make([]LastTick, 0, len(snap.Sources))
			for source, point := range snap.Sources {
				ticks = append(ticks, LastTick{
					Source: string(source),
					Price:  point.Price,
					AgeMS:  point.AgeMS,
				})
			}
			sort.Slice(ticks, func(i, j int) bool { return ticks[i].Source < ticks[j].Source })
			state.LastTicks[symbol] = ticks
		}
	}
	if w.autostop != nil {
		state.AutoStop = w.autostop.Snapshot()
	}
	return state
}

// writeFileAtomic writes via a sibling temp file and rename, so a
// crash mid-write never leaves a torn file.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
