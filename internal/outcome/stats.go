package outcome

import (
	"context"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/strikebot/strikebot/internal/db"
)

// Stats is the headline rollup plus attribution buckets computed over
// the most recent settled signals.
type Stats struct {
	Aggregate db.SignalAggregate `json:"aggregate"`
	// Sampled is how many settled rows fed the buckets.
	Sampled      int      `json:"sampled"`
	ByExpiry     []Bucket `json:"by_expiry"`
	ByStaleness  []Bucket `json:"by_staleness"`
	ByConfidence []Bucket `json:"by_confidence"`
	BySymbol     []Bucket `json:"by_symbol"`
}

// Bucket summarizes the settled signals falling into one attribution
// band.
type Bucket struct {
	Label         string  `json:"label"`
	Signals       int     `json:"signals"`
	Wins          int     `json:"wins"`
	HitRate       float64 `json:"hit_rate"`
	TotalPnL      float64 `json:"total_pnl"`
	MeanPnL       float64 `json:"mean_pnl"`
	StddevPnL     float64 `json:"stddev_pnl"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// Stats computes the rollup and attribution buckets from the limit
// most recent settled signals. The limit is clamped to [1, 1000].
func (l *Logger) Stats(ctx context.Context, limit int) (*Stats, error) {
	agg, err := l.store.AggregateSignals(ctx)
	if err != nil {
		return nil, fmt.Errorf("aggregating signals: %w", err)
	}
	settled, err := l.store.RecentSettledSignals(ctx, db.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("loading settled signals: %w", err)
	}

	return &Stats{
		Aggregate:    *agg,
		Sampled:      len(settled),
		ByExpiry:     bucketize(settled, expiryBucket, expiryOrder),
		ByStaleness:  bucketize(settled, stalenessBucket, quartileOrder),
		ByConfidence: bucketize(settled, confidenceBucket, quartileOrder),
		BySymbol:     bucketize(settled, symbolBucket, nil),
	}, nil
}

var expiryOrder = []string{"0-3m", "3-6m", "6-9m", "9-12m", "12-15m"}

var quartileOrder = []string{"0.00-0.25", "0.25-0.50", "0.50-0.75", "0.75-1.00"}

// expiryBucket bands the time that remained on the window when the
// signal fired.
func expiryBucket(sig *db.Signal) string {
	minutes := sig.Inputs.TimeRemainingMS / 60_000
	switch {
	case minutes < 3:
		return expiryOrder[0]
	case minutes < 6:
		return expiryOrder[1]
	case minutes < 9:
		return expiryOrder[2]
	case minutes < 12:
		return expiryOrder[3]
	default:
		return expiryOrder[4]
	}
}

func stalenessBucket(sig *db.Signal) string {
	return quartile(sig.Inputs.StalenessScore)
}

func confidenceBucket(sig *db.Signal) string {
	return quartile(sig.Confidence)
}

func symbolBucket(sig *db.Signal) string {
	return sig.Symbol
}

func quartile(v float64) string {
	switch {
	case v < 0.25:
		return quartileOrder[0]
	case v < 0.5:
		return quartileOrder[1]
	case v < 0.75:
		return quartileOrder[2]
	default:
		return quartileOrder[3]
	}
}

// bucketize groups settled signals by label and summarizes each group.
// With a fixed order, buckets come back in that order and empty bands
// are skipped; without one, labels sort lexically.
func bucketize(signals []*db.Signal, label func(*db.Signal) string, order []string) []Bucket {
	type group struct {
		pnls        []float64
		confidences []float64
		wins        int
	}
	groups := make(map[string]*group)
	for _, sig := range signals {
		key := label(sig)
		g, ok := groups[key]
		if !ok {
			g = &group{}
			groups[key] = g
		}
		pnl := 0.0
		if sig.PnL != nil {
			pnl = *sig.PnL
		}
		g.pnls = append(g.pnls, pnl)
		g.confidences = append(g.confidences, sig.Confidence)
		if sig.SignalCorrect != nil && *sig.SignalCorrect == 1 {
			g.wins++
		}
	}

	labels := order
	if labels == nil {
		labels = make([]string, 0, len(groups))
		for key := range groups {
			labels = append(labels, key)
		}
		sort.Strings(labels)
	}

	out := make([]Bucket, 0, len(groups))
	for _, key := range labels {
		g, ok := groups[key]
		if !ok {
			continue
		}
		b := Bucket{
			Label:         key,
			Signals:       len(g.pnls),
			Wins:          g.wins,
			HitRate:       float64(g.wins) / float64(len(g.pnls)),
			TotalPnL:      floats.Sum(g.pnls),
			MeanPnL:       stat.Mean(g.pnls, nil),
			AvgConfidence: stat.Mean(g.confidences, nil),
		}
		if len(g.pnls) > 1 {
			b.StddevPnL = stat.StdDev(g.pnls, nil)
		}
		out = append(out, b)
	}
	return out
}
