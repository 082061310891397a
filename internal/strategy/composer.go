package strategy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/errs"
)

// Persister stores strategy instances durably. The composer treats its
// in-memory snapshot as authoritative for reads and writes through
// before publishing, so a crash never leaves memory ahead of disk.
type Persister interface {
	InsertStrategy(ctx context.Context, inst *Instance) error
	UpdateComponents(ctx context.Context, id uuid.UUID, components map[Type]string) error
	UpdateConfig(ctx context.Context, id uuid.UUID, config map[string]any) error
	DeactivateStrategy(ctx context.Context, id uuid.UUID) error
}

// NopPersister satisfies Persister without storing anything. Backtests
// compose throwaway strategies through it.
type NopPersister struct{}

func (NopPersister) InsertStrategy(context.Context, *Instance) error { return nil }
func (NopPersister) UpdateComponents(context.Context, uuid.UUID, map[Type]string) error {
	return nil
}
func (NopPersister) UpdateConfig(context.Context, uuid.UUID, map[string]any) error { return nil }
func (NopPersister) DeactivateStrategy(context.Context, uuid.UUID) error           { return nil }

type instanceSet map[uuid.UUID]*Instance

// Composer owns the live set of strategy instances and every operation
// over them. Lookups are lock-free against an immutable snapshot;
// mutations serialize on a writer lock, validate fully, persist, and
// only then publish a new snapshot.
type Composer struct {
	catalog   *Catalog
	persister Persister
	logger    zerolog.Logger

	mu        sync.Mutex
	instances atomic.Pointer[instanceSet]
}

// NewComposer builds a composer over a catalog. A nil persister keeps
// instances in memory only.
func NewComposer(catalog *Catalog, persister Persister) *Composer {
	if persister == nil {
		persister = NopPersister{}
	}
	c := &Composer{
		catalog:   catalog,
		persister: persister,
		logger:    config.NewLogger("composer"),
	}
	set := make(instanceSet)
	c.instances.Store(&set)
	return c
}

// Restore seeds the in-memory snapshot from persisted rows at startup,
// replacing whatever the composer held.
func (c *Composer) Restore(instances []*Instance) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := make(instanceSet, len(instances))
	for _, inst := range instances {
		set[inst.ID] = inst.clone()
	}
	c.instances.Store(&set)
	c.logger.Info().Int("count", len(set)).Msg("Strategy snapshot restored")
}

// Get returns a copy of one instance.
func (c *Composer) Get(id uuid.UUID) (*Instance, bool) {
	set := *c.instances.Load()
	inst, ok := set[id]
	if !ok {
		return nil, false
	}
	return inst.clone(), true
}

// List returns copies of all instances in creation order, optionally
// active only.
func (c *Composer) List(activeOnly bool) []*Instance {
	set := *c.instances.Load()
	out := make([]*Instance, 0, len(set))
	for _, inst := range set {
		if activeOnly && !inst.Active {
			continue
		}
		out = append(out, inst.clone())
	}
	sortInstances(out)
	return out
}

// Create composes and persists a new strategy. All four slots must
// resolve, each to a component of the slot's type, and the config must
// pass every component's validator. Nothing is stored on failure.
func (c *Composer) Create(ctx context.Context, name string, components map[Type]string, cfg map[string]any) (*Instance, error) {
	if name == "" {
		return nil, errs.New(errs.StrategyValidationFailed, "strategy name required")
	}

	view := c.catalog.View()
	resolved, err := view.resolveSlots(components)
	if err != nil {
		return nil, err
	}
	cfg = cloneConfig(cfg)
	if ve := validateConfig(resolved, cfg); len(ve) > 0 {
		return nil, configError(ve)
	}

	now := time.Now().UTC()
	inst := &Instance{
		ID:         uuid.New(),
		Name:       name,
		Components: copySlots(components),
		Config:     cfg,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.persister.InsertStrategy(ctx, inst); err != nil {
		return nil, err
	}
	c.publish(inst)

	c.logger.Info().
		Str("strategy_id", inst.ID.String()).
		Str("name", name).
		Msg("Strategy created")
	return inst.clone(), nil
}

// ForkOptions override parts of the parent when forking. Components
// replace slot by slot; Config deep-merges over the parent's.
type ForkOptions struct {
	Components map[Type]string
	Config     map[string]any
}

// Fork derives a new strategy from an active parent. Unspecified slots
// inherit the parent's components; the config is the parent's with the
// overrides deep-merged on top. The fork revalidates in full, so a
// parent that has drifted from the current catalog cannot propagate.
func (c *Composer) Fork(ctx context.Context, parentID uuid.UUID, name string, opts ForkOptions) (*Instance, error) {
	if name == "" {
		return nil, errs.New(errs.StrategyValidationFailed, "strategy name required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	set := *c.instances.Load()
	parent, ok := set[parentID]
	if !ok {
		return nil, errs.Newf(errs.ForkParentNotFound, "parent strategy %s not found", parentID)
	}
	if !parent.Active {
		return nil, errs.Newf(errs.ForkParentInactive, "parent strategy %s is inactive", parentID)
	}

	components := copySlots(parent.Components)
	for slot, id := range opts.Components {
		components[slot] = id
	}
	merged := DeepMerge(parent.Config, opts.Config)

	view := c.catalog.View()
	resolved, err := view.resolveSlots(components)
	if err != nil {
		return nil, err
	}
	if ve := validateConfig(resolved, merged); len(ve) > 0 {
		return nil, configError(ve)
	}

	now := time.Now().UTC()
	base := parent.ID
	inst := &Instance{
		ID:             uuid.New(),
		Name:           name,
		BaseStrategyID: &base,
		Components:     components,
		Config:         merged,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := c.persister.InsertStrategy(ctx, inst); err != nil {
		return nil, err
	}
	c.publish(inst)

	c.logger.Info().
		Str("strategy_id", inst.ID.String()).
		Str("parent_id", parentID.String()).
		Str("name", name).
		Msg("Strategy forked")
	return inst.clone(), nil
}

// LineageEntry is one ancestor hop; depth 0 is the strategy itself.
type LineageEntry struct {
	ID        uuid.UUID
	Name      string
	CreatedAt time.Time
	Depth     int
}

// Lineage walks base links from the strategy to its root. A visited
// set guards the walk, so a corrupted cycle terminates after covering
// each reachable ancestor once instead of erroring or spinning.
func (c *Composer) Lineage(id uuid.UUID) ([]LineageEntry, error) {
	set := *c.instances.Load()
	inst, ok := set[id]
	if !ok {
		return nil, errs.Newf(errs.StrategyNotFound, "strategy %s not found", id)
	}

	var lineage []LineageEntry
	visited := make(map[uuid.UUID]bool)
	for depth := 0; inst != nil && !visited[inst.ID]; depth++ {
		visited[inst.ID] = true
		lineage = append(lineage, LineageEntry{
			ID:        inst.ID,
			Name:      inst.Name,
			CreatedAt: inst.CreatedAt,
			Depth:     depth,
		})
		if inst.BaseStrategyID == nil {
			break
		}
		inst = set[*inst.BaseStrategyID]
	}
	return lineage, nil
}

// Forks returns the direct children of a strategy, oldest first.
func (c *Composer) Forks(parentID uuid.UUID, activeOnly bool) ([]*Instance, error) {
	set := *c.instances.Load()
	if _, ok := set[parentID]; !ok {
		return nil, errs.Newf(errs.StrategyNotFound, "strategy %s not found", parentID)
	}

	var out []*Instance
	for _, inst := range set {
		if inst.BaseStrategyID == nil || *inst.BaseStrategyID != parentID {
			continue
		}
		if activeOnly && !inst.Active {
			continue
		}
		out = append(out, inst.clone())
	}
	sortInstances(out)
	return out, nil
}

// SlotDiff compares one slot across two strategies. A and B are set
// only when the slot differs.
type SlotDiff struct {
	Match bool
	A, B  string
}

// Diff is the full comparison of two strategies.
type Diff struct {
	Components map[Type]SlotDiff
	Config     ConfigDiff
	SameBase   bool
}

// DiffStrategies compares two strategies slot by slot and config key
// by key. SameBase reports whether both descend from the same root
// ancestor.
func (c *Composer) DiffStrategies(aID, bID uuid.UUID) (*Diff, error) {
	set := *c.instances.Load()
	a, ok := set[aID]
	if !ok {
		return nil, errs.Newf(errs.StrategyNotFound, "strategy %s not found", aID)
	}
	b, ok := set[bID]
	if !ok {
		return nil, errs.Newf(errs.StrategyNotFound, "strategy %s not found", bID)
	}

	diff := &Diff{Components: make(map[Type]SlotDiff, 4)}
	for _, slot := range PipelineOrder() {
		av, bv := a.Components[slot], b.Components[slot]
		if av == bv {
			diff.Components[slot] = SlotDiff{Match: true}
		} else {
			diff.Components[slot] = SlotDiff{A: av, B: bv}
		}
	}
	diff.Config = DiffConfigs(a.Config, b.Config)
	diff.SameBase = rootOf(set, a) == rootOf(set, b)
	return diff, nil
}

// UpgradeComponent swaps one slot of an active strategy to a new
// component version after revalidating the strategy's config against
// it. The slot rewrite is atomic; the previous version id is returned.
func (c *Composer) UpgradeComponent(ctx context.Context, strategyID uuid.UUID, slot Type, newVersionID string) (string, error) {
	if !ValidType(slot) {
		return "", errs.Newf(errs.UpgradeValidationFailed, "unknown slot %q", slot)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	set := *c.instances.Load()
	inst, ok := set[strategyID]
	if !ok {
		return "", errs.Newf(errs.StrategyNotFound, "strategy %s not found", strategyID)
	}
	if !inst.Active {
		return "", errs.Newf(errs.StrategyInactive, "strategy %s is inactive", strategyID)
	}

	comp, ok := c.catalog.Get(newVersionID)
	if !ok {
		return "", errs.Newf(errs.ComponentNotFound, "component %s not in catalog", newVersionID)
	}
	if typ := comp.Metadata().Type; typ != slot {
		return "", errs.Newf(errs.ComponentTypeMismatch,
			"component %s has type %s, slot requires %s", newVersionID, typ, slot)
	}
	if err := comp.ValidateConfig(inst.Config); err != nil {
		return "", errs.Wrap(errs.UpgradeValidationFailed, err,
			fmt.Sprintf("config incompatible with %s", newVersionID)).
			With("slot", string(slot)).
			With("version_id", newVersionID)
	}

	previous := inst.Components[slot]
	next := inst.clone()
	next.Components[slot] = newVersionID
	next.UpdatedAt = time.Now().UTC()

	if err := c.persister.UpdateComponents(ctx, next.ID, next.Components); err != nil {
		return "", err
	}
	c.publish(next)

	c.logger.Info().
		Str("strategy_id", strategyID.String()).
		Str("slot", string(slot)).
		Str("from", previous).
		Str("to", newVersionID).
		Msg("Component upgraded")
	return previous, nil
}

// UpgradePreview reports what an upgrade would change without
// persisting anything. Hard lookup failures error; everything the
// upgrade itself would reject lands in Errors with Valid false.
type UpgradePreview struct {
	StrategyID uuid.UUID
	Slot       Type
	From       string
	To         string
	Valid      bool
	Errors     ValidationErrors
}

// PreviewUpgrade runs the upgrade validation against live state and
// reports the outcome.
func (c *Composer) PreviewUpgrade(strategyID uuid.UUID, slot Type, newVersionID string) (*UpgradePreview, error) {
	if !ValidType(slot) {
		return nil, errs.Newf(errs.UpgradeValidationFailed, "unknown slot %q", slot)
	}
	set := *c.instances.Load()
	inst, ok := set[strategyID]
	if !ok {
		return nil, errs.Newf(errs.StrategyNotFound, "strategy %s not found", strategyID)
	}
	comp, ok := c.catalog.Get(newVersionID)
	if !ok {
		return nil, errs.Newf(errs.ComponentNotFound, "component %s not in catalog", newVersionID)
	}

	preview := &UpgradePreview{
		StrategyID: strategyID,
		Slot:       slot,
		From:       inst.Components[slot],
		To:         newVersionID,
	}
	if !inst.Active {
		preview.Errors = append(preview.Errors, ValidationError{
			Slot: slot, Message: "strategy is inactive",
		})
	}
	if typ := comp.Metadata().Type; typ != slot {
		preview.Errors = append(preview.Errors, ValidationError{
			Slot:    slot,
			Message: fmt.Sprintf("component %s has type %s, slot requires %s", newVersionID, typ, slot),
		})
	} else {
		preview.Errors = append(preview.Errors, validateConfig(resolvedComponents{slot: comp}, inst.Config)...)
	}
	preview.Valid = len(preview.Errors) == 0
	return preview, nil
}

// BatchOptions scope a batch component upgrade. With no explicit ids
// every strategy whose slot currently binds the old version is a
// target; ActiveOnly then restricts selection to active ones.
type BatchOptions struct {
	ActiveOnly  bool
	StrategyIDs []uuid.UUID
}

// BatchUpgradeResult is the per-strategy outcome of a batch upgrade.
type BatchUpgradeResult struct {
	StrategyID uuid.UUID
	Previous   string
	Err        error
}

// BatchUpgradeReport aggregates a batch upgrade run.
type BatchUpgradeReport struct {
	Total        int
	SuccessCount int
	FailCount    int
	Results      []BatchUpgradeResult
}

// BatchUpgrade rebinds every selected strategy from one component
// version to another. The slot comes from the old id's prefix; each
// strategy succeeds or fails independently and the report carries
// both sides.
func (c *Composer) BatchUpgrade(ctx context.Context, oldVersionID, newVersionID string, opts BatchOptions) (*BatchUpgradeReport, error) {
	slot, _, _, err := ParseVersionID(oldVersionID)
	if err != nil {
		return nil, err
	}
	if _, _, _, err := ParseVersionID(newVersionID); err != nil {
		return nil, err
	}

	targets := opts.StrategyIDs
	if len(targets) == 0 {
		for _, inst := range c.List(opts.ActiveOnly) {
			if inst.Components[slot] == oldVersionID {
				targets = append(targets, inst.ID)
			}
		}
	}

	report := &BatchUpgradeReport{Total: len(targets)}
	for _, id := range targets {
		res := BatchUpgradeResult{StrategyID: id}

		if inst, ok := c.Get(id); ok && inst.Components[slot] != oldVersionID {
			res.Err = errs.Newf(errs.UpgradeValidationFailed,
				"strategy %s does not use %s", id, oldVersionID)
		} else {
			res.Previous, res.Err = c.UpgradeComponent(ctx, id, slot, newVersionID)
		}

		if res.Err != nil {
			report.FailCount++
		} else {
			report.SuccessCount++
		}
		report.Results = append(report.Results, res)
	}

	c.logger.Info().
		Str("from", oldVersionID).
		Str("to", newVersionID).
		Int("total", report.Total).
		Int("succeeded", report.SuccessCount).
		Int("failed", report.FailCount).
		Msg("Batch component upgrade finished")
	return report, nil
}

// UpdateConfig replaces or merges a strategy's config. The candidate
// is validated against all four current components before anything is
// stored; on failure the strategy is untouched.
func (c *Composer) UpdateConfig(ctx context.Context, id uuid.UUID, newConfig map[string]any, merge bool) (*Instance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := *c.instances.Load()
	inst, ok := set[id]
	if !ok {
		return nil, errs.Newf(errs.StrategyNotFound, "strategy %s not found", id)
	}
	if !inst.Active {
		return nil, errs.Newf(errs.StrategyInactive, "strategy %s is inactive", id)
	}

	var candidate map[string]any
	if merge {
		candidate = DeepMerge(inst.Config, newConfig)
	} else {
		candidate = cloneConfig(newConfig)
	}

	view := c.catalog.View()
	resolved, err := view.resolveSlots(inst.Components)
	if err != nil {
		return nil, err
	}
	if ve := validateConfig(resolved, candidate); len(ve) > 0 {
		return nil, configError(ve)
	}

	next := inst.clone()
	next.Config = candidate
	next.UpdatedAt = time.Now().UTC()

	if err := c.persister.UpdateConfig(ctx, next.ID, next.Config); err != nil {
		return nil, err
	}
	c.publish(next)

	c.logger.Info().
		Str("strategy_id", id.String()).
		Bool("merge", merge).
		Msg("Strategy config updated")
	return next.clone(), nil
}

// Deactivate soft-deletes a strategy. Inactive strategies stay
// readable for lineage and diffing but reject execution, forking and
// upgrades.
func (c *Composer) Deactivate(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	set := *c.instances.Load()
	inst, ok := set[id]
	if !ok {
		return errs.Newf(errs.StrategyNotFound, "strategy %s not found", id)
	}
	if !inst.Active {
		return nil
	}

	next := inst.clone()
	next.Active = false
	next.UpdatedAt = time.Now().UTC()

	if err := c.persister.DeactivateStrategy(ctx, id); err != nil {
		return err
	}
	c.publish(next)

	c.logger.Info().Str("strategy_id", id.String()).Msg("Strategy deactivated")
	return nil
}

// publish swaps in a snapshot with one instance added or replaced.
// Callers hold the writer lock.
func (c *Composer) publish(inst *Instance) {
	old := *c.instances.Load()
	next := make(instanceSet, len(old)+1)
	for id, existing := range old {
		next[id] = existing
	}
	next[inst.ID] = inst
	c.instances.Store(&next)
}

// rootOf follows base links to the oldest reachable ancestor, with the
// same cycle guard as Lineage.
func rootOf(set instanceSet, inst *Instance) uuid.UUID {
	visited := make(map[uuid.UUID]bool)
	for {
		visited[inst.ID] = true
		if inst.BaseStrategyID == nil {
			return inst.ID
		}
		parent := set[*inst.BaseStrategyID]
		if parent == nil || visited[parent.ID] {
			return inst.ID
		}
		inst = parent
	}
}

func configError(ve ValidationErrors) error {
	return errs.Wrap(errs.ConfigValidationFailed, ve, "config rejected").
		With("slot", string(ve.firstSlot())).
		With("error_count", len(ve))
}

func copySlots(components map[Type]string) map[Type]string {
	out := make(map[Type]string, len(components))
	for slot, id := range components {
		out[slot] = id
	}
	return out
}

func sortInstances(out []*Instance) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}
