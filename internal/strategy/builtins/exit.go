package builtins

import (
	"context"

	"github.com/strikebot/strikebot/internal/strategy"
)

// Hold never exits early; the position rides to settlement.
type Hold struct{}

func (Hold) Metadata() strategy.Metadata {
	return strategy.Metadata{
		Name:        "hold",
		Version:     1,
		Type:        strategy.TypeExit,
		Description: "Hold to settlement",
		Author:      "strikebot",
	}
}

func (Hold) ValidateConfig(map[string]any) error { return nil }

func (Hold) Evaluate(context.Context, strategy.EvalContext, map[string]any, map[strategy.Type]strategy.Result) (strategy.Result, error) {
	return strategy.Result{"shouldExit": false}, nil
}

// StopTake exits an open position when the held side's book mid
// crosses a stop or take level in contract-price space. Either level
// can be disabled by leaving it at zero. The configured levels ride
// along in the result so order placement can attach them.
type StopTake struct{}

func (StopTake) Metadata() strategy.Metadata {
	return strategy.Metadata{
		Name:        "stop-take",
		Version:     1,
		Type:        strategy.TypeExit,
		Description: "Stop-loss / take-profit on the held side's mark",
		Author:      "strikebot",
	}
}

func (StopTake) ValidateConfig(config map[string]any) error {
	stop, err := strategy.ConfigFloat(config, "stop_loss", 0)
	if err != nil {
		return err
	}
	take, err := strategy.ConfigFloat(config, "take_profit", 0)
	if err != nil {
		return err
	}
	if stop != 0 && (stop < 0 || stop >= 1) {
		return strategy.ValidationError{Field: "stop_loss", Message: "must be between 0 and 1 exclusive"}
	}
	if take != 0 && (take < 0 || take >= 1) {
		return strategy.ValidationError{Field: "take_profit", Message: "must be between 0 and 1 exclusive"}
	}
	if stop > 0 && take > 0 && stop >= take {
		return strategy.ValidationError{Field: "stop_loss", Message: "must be below take_profit"}
	}
	return nil
}

func (StopTake) Evaluate(_ context.Context, ec strategy.EvalContext, config map[string]any, _ map[strategy.Type]strategy.Result) (strategy.Result, error) {
	stop, err := strategy.ConfigFloat(config, "stop_loss", 0)
	if err != nil {
		return nil, err
	}
	take, err := strategy.ConfigFloat(config, "take_profit", 0)
	if err != nil {
		return nil, err
	}

	result := strategy.Result{"shouldExit": false}
	if stop > 0 {
		result["stopLoss"] = strategy.Result{"price": stop}
	}
	if take > 0 {
		result["takeProfit"] = strategy.Result{"price": take}
	}
	if ec.Position == nil {
		return result, nil
	}

	mark := sideMark(ec, ec.Position.Side)
	if mark <= 0 {
		result["reason"] = "no mark"
		return result, nil
	}
	result["mark"] = mark

	switch {
	case stop > 0 && mark <= stop:
		result["shouldExit"] = true
		result["reason"] = "stop loss"
	case take > 0 && mark >= take:
		result["shouldExit"] = true
		result["reason"] = "take profit"
	}
	return result, nil
}

// sideMark values a held side at its book mid.
func sideMark(ec strategy.EvalContext, side string) float64 {
	if side == "down" {
		return ec.Market.DownBook.Mid
	}
	return ec.Market.UpBook.Mid
}
