package builtins

import (
	"context"

	"github.com/strikebot/strikebot/internal/strategy"
)

const (
	defaultSizeDollars   = 50.0
	defaultKellyFraction = 0.25
	defaultKellyCap      = 0.25
)

// FixedSize stakes a flat dollar amount. When the balance cannot cover
// it, the stake is clamped down and reported as adjustedSize.
type FixedSize struct{}

func (FixedSize) Metadata() strategy.Metadata {
	return strategy.Metadata{
		Name:        "fixed",
		Version:     1,
		Type:        strategy.TypeSizing,
		Description: "Flat dollar stake clamped to the available balance",
		Author:      "strikebot",
	}
}

func (FixedSize) ValidateConfig(config map[string]any) error {
	size, err := strategy.ConfigFloat(config, "size_dollars", defaultSizeDollars)
	if err != nil {
		return err
	}
	if size <= 0 {
		return strategy.ValidationError{Field: "size_dollars", Message: "must be positive"}
	}
	return nil
}

func (FixedSize) Evaluate(_ context.Context, ec strategy.EvalContext, config map[string]any, prev map[strategy.Type]strategy.Result) (strategy.Result, error) {
	size, err := strategy.ConfigFloat(config, "size_dollars", defaultSizeDollars)
	if err != nil {
		return nil, err
	}
	if !prev[strategy.TypeEntry].Bool("shouldEnter") {
		return strategy.Result{"size": 0.0}, nil
	}

	result := strategy.Result{"size": size}
	if size > ec.Balance {
		adjusted := ec.Balance
		if adjusted < 0 {
			adjusted = 0
		}
		result["adjustedSize"] = adjusted
	}
	return result, nil
}

// Kelly stakes a fraction of the Kelly-optimal bet for a binary
// contract. Buying a side at price c pays (1-c)/c per dollar on a win,
// so with win probability p the optimal balance fraction is
// f* = (p*b - q) / b for b = (1-c)/c. Fractional Kelly plus a hard cap
// keeps the stake survivable when the model is miscalibrated; no edge
// means no trade.
type Kelly struct{}

func (Kelly) Metadata() strategy.Metadata {
	return strategy.Metadata{
		Name:        "kelly",
		Version:     1,
		Type:        strategy.TypeSizing,
		Description: "Fractional Kelly stake from the model edge against the book price",
		Author:      "strikebot",
	}
}

func (Kelly) ValidateConfig(config map[string]any) error {
	fraction, err := strategy.ConfigFloat(config, "fraction", defaultKellyFraction)
	if err != nil {
		return err
	}
	if fraction <= 0 || fraction > 1 {
		return strategy.ValidationError{Field: "fraction", Message: "must be in (0, 1]"}
	}
	capPct, err := strategy.ConfigFloat(config, "cap", defaultKellyCap)
	if err != nil {
		return err
	}
	if capPct <= 0 || capPct > 1 {
		return strategy.ValidationError{Field: "cap", Message: "must be in (0, 1]"}
	}
	return nil
}

func (Kelly) Evaluate(_ context.Context, ec strategy.EvalContext, config map[string]any, prev map[strategy.Type]strategy.Result) (strategy.Result, error) {
	fraction, err := strategy.ConfigFloat(config, "fraction", defaultKellyFraction)
	if err != nil {
		return nil, err
	}
	capPct, err := strategy.ConfigFloat(config, "cap", defaultKellyCap)
	if err != nil {
		return nil, err
	}

	entry := prev[strategy.TypeEntry]
	if !entry.Bool("shouldEnter") {
		return strategy.Result{"size": 0.0}, nil
	}

	p, ok := prev[strategy.TypeProbability].Float64("probability")
	if !ok {
		return strategy.Result{"size": 0.0, "reason": "no probability"}, nil
	}

	direction, _ := entry.String("direction")
	if direction == "" {
		direction, _ = entry.String("side")
	}
	if direction == "down" {
		p = 1 - p
	}

	price := sideAsk(ec, direction)
	if price <= 0 || price >= 1 {
		return strategy.Result{"size": 0.0, "reason": "no book price"}, nil
	}

	b := (1 - price) / price
	kelly := (p*b - (1 - p)) / b
	if kelly <= 0 {
		return strategy.Result{"size": 0.0, "kelly": kelly, "reason": "no edge"}, nil
	}

	stake := kelly * fraction
	if stake > capPct {
		stake = capPct
	}
	size := stake * ec.Balance
	if size < 0 {
		size = 0
	}
	return strategy.Result{
		"size":  size,
		"kelly": kelly,
		"stake": stake,
		"price": price,
	}, nil
}

// sideAsk is the cost of entering a side right now: that side's best
// ask, or its mid when the ask is empty.
func sideAsk(ec strategy.EvalContext, direction string) float64 {
	book := ec.Market.UpBook
	if direction == "down" {
		book = ec.Market.DownBook
	}
	if book.BestAsk > 0 {
		return book.BestAsk
	}
	return book.Mid
}
