package builtins

import (
	"context"

	"github.com/strikebot/strikebot/internal/strategy"
)

const (
	defaultThreshold     = 0.65
	defaultMinConfidence = 0.5
	defaultMaxSpreadPct  = 0.08
)

// Threshold enters when the modeled probability clears a symmetric
// band: at or above the threshold it buys up, at or below the mirror
// it buys down. A confidence floor keeps weak signals flat, and an
// already-open position always holds.
type Threshold struct{}

func (Threshold) Metadata() strategy.Metadata {
	return strategy.Metadata{
		Name:        "threshold",
		Version:     1,
		Type:        strategy.TypeEntry,
		Description: "Symmetric probability threshold with a confidence floor",
		Author:      "strikebot",
	}
}

func (Threshold) ValidateConfig(config map[string]any) error {
	return validateEntryConfig(config)
}

func (Threshold) Evaluate(_ context.Context, ec strategy.EvalContext, config map[string]any, prev map[strategy.Type]strategy.Result) (strategy.Result, error) {
	return evaluateThreshold(ec, config, prev)
}

func validateEntryConfig(config map[string]any) error {
	threshold, err := strategy.ConfigFloat(config, "threshold", defaultThreshold)
	if err != nil {
		return err
	}
	if threshold <= 0.5 || threshold >= 1 {
		return strategy.ValidationError{Field: "threshold", Message: "must be between 0.5 and 1 exclusive"}
	}
	minConf, err := strategy.ConfigFloat(config, "min_confidence", defaultMinConfidence)
	if err != nil {
		return err
	}
	if minConf < 0 || minConf > 1 {
		return strategy.ValidationError{Field: "min_confidence", Message: "must be between 0 and 1"}
	}
	return nil
}

// evaluateThreshold is the shared band decision: read the probability
// stage, pick a side or stay flat. A missing confidence passes the
// floor; a present one has to clear it.
func evaluateThreshold(ec strategy.EvalContext, config map[string]any, prev map[strategy.Type]strategy.Result) (strategy.Result, error) {
	threshold, err := strategy.ConfigFloat(config, "threshold", defaultThreshold)
	if err != nil {
		return nil, err
	}
	minConf, err := strategy.ConfigFloat(config, "min_confidence", defaultMinConfidence)
	if err != nil {
		return nil, err
	}

	if ec.Position != nil {
		return strategy.Result{"shouldEnter": false, "reason": "position open"}, nil
	}

	prob := prev[strategy.TypeProbability]
	p, ok := prob.Float64("probability")
	if !ok {
		return strategy.Result{"shouldEnter": false, "reason": "no probability"}, nil
	}
	if conf, ok := prob.Float64("confidence"); ok && conf < minConf {
		return strategy.Result{"shouldEnter": false, "reason": "low confidence"}, nil
	}

	switch {
	case p >= threshold:
		return strategy.Result{"shouldEnter": true, "direction": "up", "threshold": threshold}, nil
	case p <= 1-threshold:
		return strategy.Result{"shouldEnter": true, "direction": "down", "threshold": threshold}, nil
	default:
		return strategy.Result{"shouldEnter": false, "reason": "inside threshold band"}, nil
	}
}

// SpreadGuard is Threshold plus microstructure guards: however good
// the model looks, it refuses to cross a one-sided book or pay a
// spread wider than max_spread_pct on the side it would buy.
type SpreadGuard struct{}

func (SpreadGuard) Metadata() strategy.Metadata {
	return strategy.Metadata{
		Name:        "spread-guard",
		Version:     1,
		Type:        strategy.TypeEntry,
		Description: "Threshold entry gated on book presence and spread",
		Author:      "strikebot",
	}
}

func (SpreadGuard) ValidateConfig(config map[string]any) error {
	if err := validateEntryConfig(config); err != nil {
		return err
	}
	maxSpread, err := strategy.ConfigFloat(config, "max_spread_pct", defaultMaxSpreadPct)
	if err != nil {
		return err
	}
	if maxSpread <= 0 || maxSpread > 1 {
		return strategy.ValidationError{Field: "max_spread_pct", Message: "must be in (0, 1]"}
	}
	return nil
}

func (SpreadGuard) Evaluate(_ context.Context, ec strategy.EvalContext, config map[string]any, prev map[strategy.Type]strategy.Result) (strategy.Result, error) {
	result, err := evaluateThreshold(ec, config, prev)
	if err != nil || !result.Bool("shouldEnter") {
		return result, err
	}
	maxSpread, err := strategy.ConfigFloat(config, "max_spread_pct", defaultMaxSpreadPct)
	if err != nil {
		return nil, err
	}

	direction, _ := result.String("direction")
	book := ec.Market.UpBook
	if direction == "down" {
		book = ec.Market.DownBook
	}

	if book.BestBid <= 0 || book.BestAsk <= 0 {
		return strategy.Result{"shouldEnter": false, "reason": "book one-sided or empty"}, nil
	}
	if spread := book.SpreadPct(); spread > maxSpread {
		return strategy.Result{"shouldEnter": false, "reason": "spread too wide", "spreadPct": spread}, nil
	}
	return result, nil
}
