package strategy

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/errs"
)

// Catalog is the process-wide registry of component versions. Reads go
// through immutable views swapped atomically on mutation, so an
// in-flight evaluation keeps one consistent component set for its
// whole pipeline run even while registration proceeds.
type Catalog struct {
	logger zerolog.Logger

	mu   sync.Mutex // serializes writers
	view atomic.Pointer[View]
}

// View is one immutable catalog snapshot. A view never changes after
// it is returned; mutations publish a new one.
type View struct {
	byID   map[string]Component
	byType map[Type][]string
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	c := &Catalog{logger: config.NewLogger("catalog")}
	c.view.Store(&View{
		byID:   map[string]Component{},
		byType: map[Type][]string{},
	})
	return c
}

// View returns the current snapshot.
func (c *Catalog) View() *View {
	return c.view.Load()
}

// Get looks a version id up in the current snapshot.
func (c *Catalog) Get(id string) (Component, bool) {
	return c.View().Get(id)
}

// Register adds one component version. It fails on a contract
// violation, an unknown type, or a version id collision, and the
// catalog is unchanged on failure.
func (c *Catalog) Register(candidate any) error {
	comp, err := checkCandidate(candidate)
	if err != nil {
		return err
	}
	meta := comp.Metadata()
	id, err := versionID(meta)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.view.Load()
	if _, exists := old.byID[id]; exists {
		return errs.Newf(errs.ComponentVersionExists, "component %s already registered", id).
			With("version_id", id)
	}

	next := old.clone()
	next.byID[id] = comp
	next.byType[meta.Type] = append(next.byType[meta.Type], id)
	sort.Strings(next.byType[meta.Type])
	c.view.Store(next)

	catalogComponents.WithLabelValues(string(meta.Type)).Set(float64(len(next.byType[meta.Type])))
	c.logger.Info().
		Str("version_id", id).
		Str("type", string(meta.Type)).
		Msg("Component registered")
	return nil
}

// Discover registers a batch of candidates. Each invalid candidate is
// rejected with a structured error and discovery continues with the
// rest; the returned count is how many registered.
func (c *Catalog) Discover(candidates ...any) (int, []error) {
	var rejected []error
	added := 0
	for _, candidate := range candidates {
		if err := c.Register(candidate); err != nil {
			c.logger.Warn().Err(err).Msg("Component candidate rejected")
			rejected = append(rejected, err)
			continue
		}
		added++
	}
	return added, rejected
}

// Get returns the component registered under a version id.
func (v *View) Get(id string) (Component, bool) {
	comp, ok := v.byID[id]
	return comp, ok
}

// OfType lists the version ids of one type in lexical order.
func (v *View) OfType(t Type) []string {
	ids := v.byType[t]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Len returns the number of registered versions.
func (v *View) Len() int {
	return len(v.byID)
}

// resolveSlots binds each of the four slots to a catalog entry,
// checking presence, existence and slot/type agreement. The first
// offending slot in pipeline order stops resolution.
func (v *View) resolveSlots(components map[Type]string) (resolvedComponents, error) {
	resolved := make(resolvedComponents, len(components))
	for _, slot := range PipelineOrder() {
		id, ok := components[slot]
		if !ok || id == "" {
			return nil, errs.Newf(errs.StrategyValidationFailed, "missing %s component", slot).
				With("slot", string(slot))
		}
		comp, ok := v.Get(id)
		if !ok {
			return nil, errs.Newf(errs.ComponentNotFound, "component %s not in catalog", id).
				With("slot", string(slot)).
				With("version_id", id)
		}
		if typ := comp.Metadata().Type; typ != slot {
			return nil, errs.Newf(errs.ComponentTypeMismatch,
				"component %s has type %s, slot requires %s", id, typ, slot).
				With("slot", string(slot)).
				With("version_id", id)
		}
		resolved[slot] = comp
	}
	if len(components) != len(resolved) {
		for slot := range components {
			if !ValidType(slot) {
				return nil, errs.Newf(errs.StrategyValidationFailed, "unknown slot %q", slot).
					With("slot", string(slot))
			}
		}
	}
	return resolved, nil
}

type metadataProvider interface {
	Metadata() Metadata
}

type evaluator interface {
	Evaluate(ctx context.Context, ec EvalContext, config map[string]any, prev map[Type]Result) (Result, error)
}

type configValidator interface {
	ValidateConfig(config map[string]any) error
}

func checkCandidate(candidate any) (Component, error) {
	if candidate == nil {
		return nil, errs.New(errs.ComponentInterfaceInvalid, "nil component candidate")
	}
	if _, ok := candidate.(metadataProvider); !ok {
		return nil, errs.Newf(errs.ComponentInterfaceInvalid, "%T does not implement Metadata", candidate)
	}
	if _, ok := candidate.(evaluator); !ok {
		return nil, errs.Newf(errs.ComponentInterfaceInvalid, "%T does not implement Evaluate", candidate)
	}
	if _, ok := candidate.(configValidator); !ok {
		return nil, errs.Newf(errs.ComponentInterfaceInvalid, "%T does not implement ValidateConfig", candidate)
	}
	comp := candidate.(Component)
	if typ := comp.Metadata().Type; !ValidType(typ) {
		return nil, errs.Newf(errs.ComponentTypeMismatch, "%T reports unknown type %q", candidate, typ)
	}
	return comp, nil
}

func (v *View) clone() *View {
	next := &View{
		byID:   make(map[string]Component, len(v.byID)+1),
		byType: make(map[Type][]string, len(v.byType)),
	}
	for id, comp := range v.byID {
		next.byID[id] = comp
	}
	for typ, ids := range v.byType {
		next.byType[typ] = append([]string(nil), ids...)
	}
	return next
}
