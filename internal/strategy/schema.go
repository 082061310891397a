package strategy

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError pins one validation failure to the slot and config
// field that caused it. Either location part may be empty.
type ValidationError struct {
	Slot    Type
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	switch {
	case e.Slot != "" && e.Field != "":
		return fmt.Sprintf("%s: %s: %s", e.Slot, e.Field, e.Message)
	case e.Slot != "":
		return fmt.Sprintf("%s: %s", e.Slot, e.Message)
	case e.Field != "":
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	default:
		return e.Message
	}
}

// ValidationErrors collects every issue found in one validation pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// firstSlot returns the slot of the first recorded failure.
func (e ValidationErrors) firstSlot() Type {
	if len(e) == 0 {
		return ""
	}
	return e[0].Slot
}

// resolvedComponents binds each slot to a live catalog entry for one
// validation pass or pipeline run.
type resolvedComponents map[Type]Component

// validateConfig runs the config through every resolved component's
// validator in pipeline order, tagging each reported issue with the
// slot it came from.
func validateConfig(resolved resolvedComponents, config map[string]any) ValidationErrors {
	var out ValidationErrors
	for _, slot := range PipelineOrder() {
		comp, ok := resolved[slot]
		if !ok {
			continue
		}
		err := comp.ValidateConfig(config)
		if err == nil {
			continue
		}
		var ve ValidationErrors
		if errors.As(err, &ve) {
			for _, e := range ve {
				e.Slot = slot
				out = append(out, e)
			}
			continue
		}
		var single ValidationError
		if errors.As(err, &single) {
			single.Slot = slot
			out = append(out, single)
			continue
		}
		out = append(out, ValidationError{Slot: slot, Message: err.Error()})
	}
	return out
}

// ConfigFloat reads a numeric config key, falling back when absent. A
// present value of the wrong type is an error, so a typo fails
// validation instead of silently reverting to the default.
func ConfigFloat(config map[string]any, key string, fallback float64) (float64, error) {
	v, ok := config[key]
	if !ok {
		return fallback, nil
	}
	f, ok := asFloat(v)
	if !ok {
		return 0, ValidationError{Field: key, Message: fmt.Sprintf("expected number, got %T", v)}
	}
	return f, nil
}

// ConfigInt reads an integral config key the same way.
func ConfigInt(config map[string]any, key string, fallback int) (int, error) {
	v, ok := config[key]
	if !ok {
		return fallback, nil
	}
	f, ok := asFloat(v)
	if !ok || f != float64(int(f)) {
		return 0, ValidationError{Field: key, Message: fmt.Sprintf("expected integer, got %v", v)}
	}
	return int(f), nil
}
