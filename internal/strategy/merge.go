package strategy

import "reflect"

// DeepMerge combines two config maps without mutating either. Nested
// objects merge key by key, arrays replace wholesale, and scalars from
// override win. The result shares no memory with its inputs, so a
// published config can never be changed through a retained reference.
func DeepMerge(base, override map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		merged[k] = cloneValue(v)
	}
	for k, v := range override {
		baseChild, baseOK := merged[k].(map[string]any)
		overChild, overOK := v.(map[string]any)
		if baseOK && overOK {
			merged[k] = DeepMerge(baseChild, overChild)
			continue
		}
		merged[k] = cloneValue(v)
	}
	return merged
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = cloneValue(child)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, child := range val {
			out[i] = cloneValue(child)
		}
		return out
	default:
		return v
	}
}

func cloneConfig(config map[string]any) map[string]any {
	if config == nil {
		return map[string]any{}
	}
	return cloneValue(config).(map[string]any)
}

// ConfigDiff reports how two configs differ at the top level.
type ConfigDiff struct {
	Added   map[string]any
	Removed map[string]any
	Changed map[string]ValueChange
}

// ValueChange records a key present in both configs with different
// values.
type ValueChange struct {
	From any
	To   any
}

// Empty reports whether the diff carries no differences.
func (d ConfigDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// DiffConfigs compares two configs key by key. Values are compared
// deeply; a nested difference surfaces as a change of its top-level
// key.
func DiffConfigs(a, b map[string]any) ConfigDiff {
	diff := ConfigDiff{
		Added:   map[string]any{},
		Removed: map[string]any{},
		Changed: map[string]ValueChange{},
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			diff.Removed[k] = cloneValue(av)
			continue
		}
		if !reflect.DeepEqual(av, bv) {
			diff.Changed[k] = ValueChange{From: cloneValue(av), To: cloneValue(bv)}
		}
	}
	for k, bv := range b {
		if _, ok := a[k]; !ok {
			diff.Added[k] = cloneValue(bv)
		}
	}
	return diff
}
