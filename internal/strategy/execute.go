package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/strikebot/strikebot/internal/errs"
)

// Action is the aggregate decision of one pipeline run.
type Action string

const (
	ActionEnter Action = "enter"
	ActionExit  Action = "exit"
	ActionHold  Action = "hold"
)

// Decision is the pipeline's aggregate output. Entry wins over exit:
// a run that signals both enters. Pointer fields are nil when the
// producing stage did not emit them.
type Decision struct {
	Action      Action
	Direction   string
	Size        float64
	StopLoss    *float64
	TakeProfit  *float64
	Probability *float64
	Confidence  *float64
}

// Evaluation bundles a pipeline run's decision with the per-stage
// results that produced it. When the run failed partway the results
// hold the stages that completed before the failure.
type Evaluation struct {
	StrategyID uuid.UUID
	Decision   Decision
	Results    map[Type]Result
	Duration   time.Duration
}

// Execute runs one strategy's pipeline against an evaluation context:
// probability, then entry, then sizing, then exit, each stage seeing
// its predecessors' results. The catalog view is pinned once for the
// whole run, so a concurrent registration never mixes component sets.
// A stage error or nil result stops the pipeline; the returned
// evaluation then carries the partial results alongside the error.
func (c *Composer) Execute(ctx context.Context, strategyID uuid.UUID, ec EvalContext) (*Evaluation, error) {
	set := *c.instances.Load()
	inst, ok := set[strategyID]
	if !ok {
		return nil, errs.Newf(errs.StrategyNotFound, "strategy %s not found", strategyID)
	}
	if !inst.Active {
		return nil, errs.Newf(errs.StrategyInactive, "strategy %s is inactive", strategyID)
	}

	view := c.catalog.View()
	resolved, err := view.resolveSlots(inst.Components)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	eval := &Evaluation{
		StrategyID: strategyID,
		Results:    make(map[Type]Result, 4),
	}
	for _, slot := range PipelineOrder() {
		if err := ctx.Err(); err != nil {
			eval.Duration = time.Since(started)
			return eval, err
		}

		id := inst.Components[slot]
		result, err := resolved[slot].Evaluate(ctx, ec, inst.Config, eval.Results)
		if err != nil {
			componentFailures.WithLabelValues(id).Inc()
			eval.Duration = time.Since(started)
			return eval, errs.Wrap(errs.ComponentExecutionFailed, err,
				fmt.Sprintf("stage %s (%s)", slot, id)).
				With("slot", string(slot)).
				With("version_id", id)
		}
		if result == nil {
			componentFailures.WithLabelValues(id).Inc()
			eval.Duration = time.Since(started)
			return eval, errs.Newf(errs.ComponentOutputInvalid,
				"stage %s (%s) returned no result", slot, id).
				With("slot", string(slot)).
				With("version_id", id)
		}
		eval.Results[slot] = result
	}

	eval.Decision = mapDecision(eval.Results)
	eval.Duration = time.Since(started)

	evaluationsTotal.WithLabelValues(string(eval.Decision.Action)).Inc()
	evaluationSeconds.Observe(eval.Duration.Seconds())
	return eval, nil
}

// mapDecision folds the four stage results into one decision using
// the shared result vocabulary.
func mapDecision(results map[Type]Result) Decision {
	var d Decision

	entry := results[TypeEntry]
	exit := results[TypeExit]
	switch {
	case entry.Bool("shouldEnter"):
		d.Action = ActionEnter
	case exit.Bool("shouldExit"):
		d.Action = ActionExit
	default:
		d.Action = ActionHold
	}

	if dir, ok := entry.String("direction"); ok {
		d.Direction = dir
	} else if side, ok := entry.String("side"); ok {
		d.Direction = side
	}

	sizing := results[TypeSizing]
	if adjusted, ok := sizing.Float64("adjustedSize"); ok {
		d.Size = adjusted
	} else if size, ok := sizing.Float64("size"); ok {
		d.Size = size
	}

	if stop, ok := exit.Nested("stopLoss"); ok {
		if price, ok := stop.Float64("price"); ok {
			d.StopLoss = &price
		}
	}
	if take, ok := exit.Nested("takeProfit"); ok {
		if price, ok := take.Float64("price"); ok {
			d.TakeProfit = &price
		}
	}

	prob := results[TypeProbability]
	if p, ok := prob.Float64("probability"); ok {
		d.Probability = &p
	}
	if conf, ok := prob.Float64("confidence"); ok {
		d.Confidence = &conf
	}
	return d
}
