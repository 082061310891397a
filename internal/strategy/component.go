package strategy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/strikebot/strikebot/internal/market"
)

// Type classifies a component by the pipeline slot it fills. The four
// values double as the slot names in a strategy's component map and as
// the stage keys of prior results during execution.
type Type string

const (
	TypeProbability Type = "probability"
	TypeEntry       Type = "entry"
	TypeSizing      Type = "sizing"
	TypeExit        Type = "exit"
)

// PipelineOrder is the fixed evaluation order of the four slots.
func PipelineOrder() []Type {
	return []Type{TypeProbability, TypeEntry, TypeSizing, TypeExit}
}

// ValidType reports whether t is one of the four slot types.
func ValidType(t Type) bool {
	switch t {
	case TypeProbability, TypeEntry, TypeSizing, TypeExit:
		return true
	}
	return false
}

// Metadata identifies a component version. Name, Version and Type
// together determine the version id.
type Metadata struct {
	Name        string
	Version     int
	Type        Type
	Description string
	Author      string
	CreatedAt   time.Time
}

// Result is a component's evaluation output. Keys form a small shared
// vocabulary read by the decision mapping: probability components emit
// "probability" and "confidence"; entry components "shouldEnter" and
// "direction" (or "side"); sizing components "size" and optionally
// "adjustedSize"; exit components "shouldExit" and optionally
// "stopLoss"/"takeProfit" objects carrying a "price".
type Result map[string]any

// Float64 reads a numeric value, tolerating the integer and
// json.Number forms a config or replayed result may carry.
func (r Result) Float64(key string) (float64, bool) {
	v, ok := r[key]
	if !ok {
		return 0, false
	}
	return asFloat(v)
}

// Bool reads a boolean value; absent or non-boolean reads as false.
func (r Result) Bool(key string) bool {
	v, ok := r[key].(bool)
	return ok && v
}

// String reads a string value.
func (r Result) String(key string) (string, bool) {
	v, ok := r[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Nested reads an object value as a Result, accepting both the live
// and the JSON-decoded map forms.
func (r Result) Nested(key string) (Result, bool) {
	switch v := r[key].(type) {
	case Result:
		return v, true
	case map[string]any:
		return Result(v), true
	default:
		return nil, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// PositionState describes the strategy's open position in the window
// under evaluation, when one exists. Side is the direction the held
// token bets on, "up" or "down".
type PositionState struct {
	Side       string
	Size       float64
	EntryPrice float64
}

// EvalContext is the read-only world state handed to every component
// in one pipeline run. All fields are copies; components never reach
// back into live engine state.
type EvalContext struct {
	WindowID      string
	Symbol        string
	Strike        float64
	TimeRemaining time.Duration
	Market        market.Snapshot
	Balance       float64
	Position      *PositionState
}

// Component is one versioned unit of strategy logic. Evaluate must be
// deterministic for a given context, config and prior results, must
// not mutate any of them, and must perform no I/O.
type Component interface {
	Metadata() Metadata
	Evaluate(ctx context.Context, ec EvalContext, config map[string]any, prev map[Type]Result) (Result, error)
	ValidateConfig(config map[string]any) error
}
