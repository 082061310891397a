package db

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
)

// TickSample is one persisted price observation. Ticks are transient
// by design; only the latest per (source, symbol) survives each
// sampling interval.
type TickSample struct {
	Source     string    `db:"source"`
	Symbol     string    `db:"symbol"`
	Price      float64   `db:"price"`
	ObservedAt time.Time `db:"observed_at"`
}

// InsertTickSamples writes a batch of samples on the telemetry pool
// inside one transaction.
func (g *Gateway) InsertTickSamples(ctx context.Context, samples []TickSample) error {
	if len(samples) == 0 {
		return nil
	}

	query := `
		INSERT INTO ticks (source, symbol, price, observed_at)
		VALUES ($1, $2, $3, $4)
	`

	return g.run(ctx, "insert_tick_samples", func(ctx context.Context) error {
		tx, err := g.telemetry.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		for _, s := range samples {
			if _, err := tx.Exec(ctx, query, s.Source, s.Symbol, s.Price, s.ObservedAt); err != nil {
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
		ticksSampledTotal.Add(float64(len(samples)))
		return nil
	})
}

// TickSampler keeps the most recent tick per (source, symbol) and
// flushes the kept set to the database on a fixed cadence. Record
// never blocks the feed path.
type TickSampler struct {
	gateway  *Gateway
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	latest map[string]TickSample // keyed by source + "/" + symbol
}

// NewTickSampler creates a sampler flushing every interval.
func NewTickSampler(gateway *Gateway, interval time.Duration) *TickSampler {
	return &TickSampler{
		gateway:  gateway,
		interval: interval,
		logger:   config.NewLogger("tick_sampler"),
		latest:   make(map[string]TickSample),
	}
}

// Record notes a tick. Only the newest per (source, symbol) is kept.
func (s *TickSampler) Record(sample TickSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := sample.Source + "/" + sample.Symbol
	if prev, ok := s.latest[key]; ok && prev.ObservedAt.After(sample.ObservedAt) {
		return
	}
	s.latest[key] = sample
}

// Run flushes until ctx is cancelled, then performs one final flush
// so the last observed prices survive shutdown.
func (s *TickSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), s.interval)
			defer cancel()
			s.flush(flushCtx)
			return ctx.Err()
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

func (s *TickSampler) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.latest) == 0 {
		s.mu.Unlock()
		return
	}
	samples := make([]TickSample, 0, len(s.latest))
	for _, sample := range s.latest {
		samples = append(samples, sample)
	}
	s.latest = make(map[string]TickSample)
	s.mu.Unlock()

	if err := s.gateway.InsertTickSamples(ctx, samples); err != nil {
		s.logger.Warn().Err(err).Int("samples", len(samples)).Msg("Tick sample flush failed")
	}
}
