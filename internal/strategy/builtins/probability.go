package builtins

import (
	"context"
	"math"

	"github.com/cinar/indicator/v2/momentum"

	"github.com/strikebot/strikebot/internal/market"
	"github.com/strikebot/strikebot/internal/strategy"
)

const (
	defaultGain      = 600.0
	defaultRSIPeriod = 14
	defaultStrength  = 1.0
)

// neutral is the no-signal probability result: an even coin at zero
// confidence, which no entry rule with a confidence floor acts on.
func neutral(reason string) strategy.Result {
	return strategy.Result{"probability": 0.5, "confidence": 0.0, "reason": reason}
}

// SpotLag estimates the up probability from how far spot sits above or
// below the strike, on the premise that the venue quote lags the spot
// move inside a window. The logistic gain sets how fast distance
// saturates toward certainty; confidence tracks oracle freshness
// because settlement follows the oracle.
type SpotLag struct{}

func (SpotLag) Metadata() strategy.Metadata {
	return strategy.Metadata{
		Name:        "spot-lag",
		Version:     1,
		Type:        strategy.TypeProbability,
		Description: "Logistic up-probability from the spot price's distance to the strike",
		Author:      "strikebot",
	}
}

func (SpotLag) ValidateConfig(config map[string]any) error {
	gain, err := strategy.ConfigFloat(config, "gain", defaultGain)
	if err != nil {
		return err
	}
	if gain <= 0 {
		return strategy.ValidationError{Field: "gain", Message: "must be positive"}
	}
	return nil
}

func (SpotLag) Evaluate(_ context.Context, ec strategy.EvalContext, config map[string]any, _ map[strategy.Type]strategy.Result) (strategy.Result, error) {
	gain, err := strategy.ConfigFloat(config, "gain", defaultGain)
	if err != nil {
		return nil, err
	}
	if ec.Strike <= 0 {
		return neutral("no strike"), nil
	}

	spot, ok := ec.Market.Price(market.SourceExchange)
	if !ok || !ec.Market.Fresh(market.SourceExchange) {
		oracle, haveOracle := ec.Market.Oracle()
		if !haveOracle {
			return neutral("no spot price"), nil
		}
		spot = oracle.Price
	}
	if spot <= 0 {
		return neutral("no spot price"), nil
	}

	z := (spot - ec.Strike) / ec.Strike
	p := 1 / (1 + math.Exp(-gain*z))

	result := strategy.Result{
		"probability": p,
		"confidence":  ec.Market.StalenessScore(),
		"spot":        spot,
	}
	if implied := ec.Market.UIPrice(); implied > 0 {
		result["implied"] = implied
		result["edge"] = p - implied
	}
	return result, nil
}

// Momentum maps short-horizon RSI onto an up probability: overbought
// momentum pushes above an even coin, oversold below. With fewer
// prints than the RSI warm-up needs it stays neutral rather than
// guessing.
type Momentum struct{}

func (Momentum) Metadata() strategy.Metadata {
	return strategy.Metadata{
		Name:        "momentum",
		Version:     1,
		Type:        strategy.TypeProbability,
		Description: "RSI momentum mapped onto an up probability",
		Author:      "strikebot",
	}
}

func (Momentum) ValidateConfig(config map[string]any) error {
	period, err := strategy.ConfigInt(config, "period", defaultRSIPeriod)
	if err != nil {
		return err
	}
	if period < 2 {
		return strategy.ValidationError{Field: "period", Message: "must be at least 2"}
	}
	strength, err := strategy.ConfigFloat(config, "strength", defaultStrength)
	if err != nil {
		return err
	}
	if strength <= 0 || strength > 2 {
		return strategy.ValidationError{Field: "strength", Message: "must be in (0, 2]"}
	}
	return nil
}

func (Momentum) Evaluate(_ context.Context, ec strategy.EvalContext, config map[string]any, _ map[strategy.Type]strategy.Result) (strategy.Result, error) {
	period, err := strategy.ConfigInt(config, "period", defaultRSIPeriod)
	if err != nil {
		return nil, err
	}
	strength, err := strategy.ConfigFloat(config, "strength", defaultStrength)
	if err != nil {
		return nil, err
	}

	rsi, ok := lastRSI(ec.Market.History, period)
	if !ok {
		return neutral("insufficient history"), nil
	}

	confidence := math.Abs(rsi-50) / 50
	if confidence > 1 {
		confidence = 1
	}
	return strategy.Result{
		"probability": clamp01(0.5 + (rsi-50)/100*strength),
		"confidence":  confidence,
		"rsi":         rsi,
	}, nil
}

// lastRSI streams the price history through the RSI indicator and
// keeps the most recent value. The indicator needs period+1 prices
// before it emits anything.
func lastRSI(prices []float64, period int) (float64, bool) {
	if period < 1 || len(prices) <= period {
		return 0, false
	}

	pricesChan := make(chan float64, len(prices))
	for _, p := range prices {
		pricesChan <- p
	}
	close(pricesChan)

	rsi := momentum.NewRsiWithPeriod[float64](period)

	var last float64
	seen := false
	for v := range rsi.Compute(pricesChan) {
		last = v
		seen = true
	}
	return last, seen
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
