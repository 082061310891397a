package strategy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strikebot/strikebot/internal/errs"
)

func TestComposerCreate(t *testing.T) {
	persister := &recordingPersister{}
	c := NewComposer(newTestCatalog(t), persister)

	inst, err := c.Create(context.Background(), "baseline", defaultSlots(), map[string]any{"threshold": 0.7})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, inst.ID)
	assert.Equal(t, "baseline", inst.Name)
	assert.Nil(t, inst.BaseStrategyID)
	assert.True(t, inst.Active)
	assert.Equal(t, defaultSlots(), inst.Components)
	assert.Equal(t, 1, persister.inserts)

	got, ok := c.Get(inst.ID)
	require.True(t, ok)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, 0.7, got.Config["threshold"])
}

func TestComposerCreateValidation(t *testing.T) {
	persister := &recordingPersister{}
	c := NewComposer(newTestCatalog(t), persister)
	ctx := context.Background()

	_, err := c.Create(ctx, "", defaultSlots(), nil)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.StrategyValidationFailed))

	slots := defaultSlots()
	delete(slots, TypeExit)
	_, err = c.Create(ctx, "no-exit", slots, nil)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.StrategyValidationFailed))

	// Config the entry component's validator rejects. The error names
	// the offending slot.
	_, err = c.Create(ctx, "bad-config", defaultSlots(), map[string]any{"threshold": 1.5})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.ConfigValidationFailed))
	var e *errs.E
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "entry", e.Context["slot"])

	// Nothing was stored by any failed attempt.
	assert.Zero(t, persister.inserts)
	assert.Empty(t, c.List(false))
}

func TestComposerCreatePersistFailure(t *testing.T) {
	persister := &recordingPersister{fail: errors.New("db down")}
	c := NewComposer(newTestCatalog(t), persister)

	_, err := c.Create(context.Background(), "doomed", defaultSlots(), nil)
	require.Error(t, err)
	assert.Empty(t, c.List(false))
}

func TestComposerList(t *testing.T) {
	c := newTestComposer(t)
	ctx := context.Background()

	a := mustCreate(t, c, "a", nil)
	b := mustCreate(t, c, "b", nil)
	require.NoError(t, c.Deactivate(ctx, b.ID))

	all := c.List(false)
	require.Len(t, all, 2)

	active := c.List(true)
	require.Len(t, active, 1)
	assert.Equal(t, a.ID, active[0].ID)
}

func TestComposerListOrder(t *testing.T) {
	c := newTestComposer(t)
	now := time.Now().UTC()
	older := &Instance{ID: uuid.New(), Name: "older", Components: defaultSlots(), Active: true, CreatedAt: now.Add(-time.Hour)}
	newer := &Instance{ID: uuid.New(), Name: "newer", Components: defaultSlots(), Active: true, CreatedAt: now}
	c.Restore([]*Instance{newer, older})

	all := c.List(false)
	require.Len(t, all, 2)
	assert.Equal(t, "older", all[0].Name)
	assert.Equal(t, "newer", all[1].Name)
}

// TestComposerFork tests slot inheritance and config deep-merge
func TestComposerFork(t *testing.T) {
	c := newTestComposer(t)
	ctx := context.Background()

	parent, err := c.Create(ctx, "parent", defaultSlots(), map[string]any{
		"threshold": 0.7,
		"nested":    map[string]any{"a": 1, "b": 2},
	})
	require.NoError(t, err)

	fork, err := c.Fork(ctx, parent.ID, "fork", ForkOptions{
		Components: map[Type]string{TypeSizing: "sizing-kelly-v1"},
		Config: map[string]any{
			"threshold": 0.8,
			"nested":    map[string]any{"b": 20, "c": 30},
		},
	})
	require.NoError(t, err)

	require.NotNil(t, fork.BaseStrategyID)
	assert.Equal(t, parent.ID, *fork.BaseStrategyID)

	// Unspecified slots inherit, overridden ones replace.
	assert.Equal(t, parent.Components[TypeProbability], fork.Components[TypeProbability])
	assert.Equal(t, parent.Components[TypeEntry], fork.Components[TypeEntry])
	assert.Equal(t, "sizing-kelly-v1", fork.Components[TypeSizing])

	// Nested objects merge, override scalars win.
	assert.Equal(t, 0.8, fork.Config["threshold"])
	nested := fork.Config["nested"].(map[string]any)
	assert.Equal(t, 1, nested["a"])
	assert.Equal(t, 20, nested["b"])
	assert.Equal(t, 30, nested["c"])

	// Parent untouched.
	got, ok := c.Get(parent.ID)
	require.True(t, ok)
	assert.Equal(t, 0.7, got.Config["threshold"])
	assert.Equal(t, "sizing-fixed-v1", got.Components[TypeSizing])
}

func TestComposerForkRejections(t *testing.T) {
	c := newTestComposer(t)
	ctx := context.Background()

	parent := mustCreate(t, c, "parent", nil)

	_, err := c.Fork(ctx, uuid.New(), "orphan", ForkOptions{})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.ForkParentNotFound))

	_, err = c.Fork(ctx, parent.ID, "mismatched", ForkOptions{
		Components: map[Type]string{TypeEntry: "sizing-kelly-v1"},
	})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.ComponentTypeMismatch))

	_, err = c.Fork(ctx, parent.ID, "bad-config", ForkOptions{
		Config: map[string]any{"threshold": -1},
	})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.ConfigValidationFailed))

	require.NoError(t, c.Deactivate(ctx, parent.ID))
	_, err = c.Fork(ctx, parent.ID, "late", ForkOptions{})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.ForkParentInactive))
}

func TestComposerLineage(t *testing.T) {
	c := newTestComposer(t)
	ctx := context.Background()

	root := mustCreate(t, c, "root", nil)
	child, err := c.Fork(ctx, root.ID, "child", ForkOptions{})
	require.NoError(t, err)
	grandchild, err := c.Fork(ctx, child.ID, "grandchild", ForkOptions{})
	require.NoError(t, err)

	lineage, err := c.Lineage(grandchild.ID)
	require.NoError(t, err)
	require.Len(t, lineage, 3)

	assert.Equal(t, grandchild.ID, lineage[0].ID)
	assert.Equal(t, 0, lineage[0].Depth)
	assert.Equal(t, child.ID, lineage[1].ID)
	assert.Equal(t, 1, lineage[1].Depth)
	assert.Equal(t, root.ID, lineage[2].ID)
	assert.Equal(t, 2, lineage[2].Depth)

	_, err = c.Lineage(uuid.New())
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.StrategyNotFound))
}

// TestComposerLineageTerminatesOnCycle tests that a corrupted base-link
// cycle ends the walk instead of spinning
func TestComposerLineageTerminatesOnCycle(t *testing.T) {
	c := newTestComposer(t)

	aID, bID := uuid.New(), uuid.New()
	a := &Instance{ID: aID, Name: "a", BaseStrategyID: &bID, Components: defaultSlots(), Active: true}
	b := &Instance{ID: bID, Name: "b", BaseStrategyID: &aID, Components: defaultSlots(), Active: true}
	c.Restore([]*Instance{a, b})

	lineage, err := c.Lineage(aID)
	require.NoError(t, err)
	require.Len(t, lineage, 2)
	assert.Equal(t, aID, lineage[0].ID)
	assert.Equal(t, bID, lineage[1].ID)
}

func TestComposerLineageDanglingParent(t *testing.T) {
	c := newTestComposer(t)

	missing := uuid.New()
	orphan := &Instance{ID: uuid.New(), Name: "orphan", BaseStrategyID: &missing, Components: defaultSlots(), Active: true}
	c.Restore([]*Instance{orphan})

	lineage, err := c.Lineage(orphan.ID)
	require.NoError(t, err)
	require.Len(t, lineage, 1)
	assert.Equal(t, 0, lineage[0].Depth)
}

func TestComposerForks(t *testing.T) {
	c := newTestComposer(t)
	ctx := context.Background()

	parent := mustCreate(t, c, "parent", nil)
	f1, err := c.Fork(ctx, parent.ID, "fork-1", ForkOptions{})
	require.NoError(t, err)
	f2, err := c.Fork(ctx, parent.ID, "fork-2", ForkOptions{})
	require.NoError(t, err)
	_, err = c.Fork(ctx, f1.ID, "nested", ForkOptions{})
	require.NoError(t, err)

	// Only direct children count.
	forks, err := c.Forks(parent.ID, false)
	require.NoError(t, err)
	require.Len(t, forks, 2)

	require.NoError(t, c.Deactivate(ctx, f2.ID))
	active, err := c.Forks(parent.ID, true)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, f1.ID, active[0].ID)

	_, err = c.Forks(uuid.New(), false)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.StrategyNotFound))
}

func TestComposerDiffStrategies(t *testing.T) {
	c := newTestComposer(t)
	ctx := context.Background()

	parent, err := c.Create(ctx, "parent", defaultSlots(), map[string]any{"threshold": 0.7, "gain": 600})
	require.NoError(t, err)
	fork, err := c.Fork(ctx, parent.ID, "fork", ForkOptions{
		Components: map[Type]string{TypeEntry: "entry-threshold-v2"},
		Config:     map[string]any{"threshold": 0.8, "fraction": 0.25},
	})
	require.NoError(t, err)

	diff, err := c.DiffStrategies(parent.ID, fork.ID)
	require.NoError(t, err)

	assert.True(t, diff.Components[TypeProbability].Match)
	assert.True(t, diff.Components[TypeSizing].Match)
	assert.True(t, diff.Components[TypeExit].Match)

	entry := diff.Components[TypeEntry]
	assert.False(t, entry.Match)
	assert.Equal(t, "entry-threshold-v1", entry.A)
	assert.Equal(t, "entry-threshold-v2", entry.B)

	assert.Equal(t, map[string]any{"fraction": 0.25}, diff.Config.Added)
	assert.Empty(t, diff.Config.Removed)
	assert.Equal(t, ValueChange{From: 0.7, To: 0.8}, diff.Config.Changed["threshold"])
	assert.True(t, diff.SameBase)
}

func TestComposerDiffSeparateRoots(t *testing.T) {
	c := newTestComposer(t)

	a := mustCreate(t, c, "a", nil)
	b := mustCreate(t, c, "b", nil)

	diff, err := c.DiffStrategies(a.ID, b.ID)
	require.NoError(t, err)
	assert.False(t, diff.SameBase)
	assert.True(t, diff.Config.Empty())
	for _, slot := range PipelineOrder() {
		assert.True(t, diff.Components[slot].Match)
	}

	self, err := c.DiffStrategies(a.ID, a.ID)
	require.NoError(t, err)
	assert.True(t, self.SameBase)
	assert.True(t, self.Config.Empty())

	_, err = c.DiffStrategies(a.ID, uuid.New())
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.StrategyNotFound))
}

func TestComposerUpgradeComponent(t *testing.T) {
	persister := &recordingPersister{}
	c := NewComposer(newTestCatalog(t), persister)
	ctx := context.Background()

	inst, err := c.Create(ctx, "live", defaultSlots(), map[string]any{"threshold": 0.7})
	require.NoError(t, err)

	previous, err := c.UpgradeComponent(ctx, inst.ID, TypeEntry, "entry-threshold-v2")
	require.NoError(t, err)
	assert.Equal(t, "entry-threshold-v1", previous)
	assert.Equal(t, 1, persister.components)

	got, ok := c.Get(inst.ID)
	require.True(t, ok)
	assert.Equal(t, "entry-threshold-v2", got.Components[TypeEntry])
	assert.Equal(t, "prob-spot-lag-v1", got.Components[TypeProbability])
}

func TestComposerUpgradeRejections(t *testing.T) {
	c := newTestComposer(t)
	ctx := context.Background()
	inst := mustCreate(t, c, "live", nil)

	_, err := c.UpgradeComponent(ctx, uuid.New(), TypeEntry, "entry-threshold-v2")
	assert.True(t, errs.HasCode(err, errs.StrategyNotFound))

	_, err = c.UpgradeComponent(ctx, inst.ID, Type("momentum"), "entry-threshold-v2")
	assert.True(t, errs.HasCode(err, errs.UpgradeValidationFailed))

	_, err = c.UpgradeComponent(ctx, inst.ID, TypeEntry, "entry-threshold-v99")
	assert.True(t, errs.HasCode(err, errs.ComponentNotFound))

	_, err = c.UpgradeComponent(ctx, inst.ID, TypeEntry, "sizing-kelly-v1")
	assert.True(t, errs.HasCode(err, errs.ComponentTypeMismatch))

	require.NoError(t, c.Deactivate(ctx, inst.ID))
	_, err = c.UpgradeComponent(ctx, inst.ID, TypeEntry, "entry-threshold-v2")
	assert.True(t, errs.HasCode(err, errs.StrategyInactive))
}

func TestComposerUpgradeIncompatibleConfig(t *testing.T) {
	cat := newTestCatalog(t)
	strict := stub(TypeEntry, "strict", 1)
	strict.validate = func(config map[string]any) error {
		if _, ok := config["min_confidence"]; !ok {
			return ValidationError{Field: "min_confidence", Message: "required"}
		}
		return nil
	}
	require.NoError(t, cat.Register(strict))

	c := NewComposer(cat, nil)
	ctx := context.Background()
	inst, err := c.Create(ctx, "live", defaultSlots(), map[string]any{"threshold": 0.7})
	require.NoError(t, err)

	_, err = c.UpgradeComponent(ctx, inst.ID, TypeEntry, "entry-strict-v1")
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.UpgradeValidationFailed))

	// Slot binding unchanged after the rejection.
	got, _ := c.Get(inst.ID)
	assert.Equal(t, "entry-threshold-v1", got.Components[TypeEntry])
}

// TestComposerBatchUpgrade tests independent per-strategy outcomes
func TestComposerBatchUpgrade(t *testing.T) {
	cat := newTestCatalog(t)
	strict := stub(TypeEntry, "strict", 1)
	strict.validate = func(config map[string]any) error {
		if _, ok := config["min_confidence"]; !ok {
			return ValidationError{Field: "min_confidence", Message: "required"}
		}
		return nil
	}
	require.NoError(t, cat.Register(strict))

	c := NewComposer(cat, nil)
	ctx := context.Background()

	ready, err := c.Create(ctx, "ready", defaultSlots(), map[string]any{"min_confidence": 0.5})
	require.NoError(t, err)
	missing := mustCreate(t, c, "missing", nil)

	report, err := c.BatchUpgrade(ctx, "entry-threshold-v1", "entry-strict-v1", BatchOptions{})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.SuccessCount)
	assert.Equal(t, 1, report.FailCount)
	require.Len(t, report.Results, 2)

	byID := make(map[uuid.UUID]BatchUpgradeResult, 2)
	for _, res := range report.Results {
		byID[res.StrategyID] = res
	}
	require.NoError(t, byID[ready.ID].Err)
	assert.Equal(t, "entry-threshold-v1", byID[ready.ID].Previous)
	assert.True(t, errs.HasCode(byID[missing.ID].Err, errs.UpgradeValidationFailed))

	// The failure left its strategy on the old version.
	got, _ := c.Get(ready.ID)
	assert.Equal(t, "entry-strict-v1", got.Components[TypeEntry])
	got, _ = c.Get(missing.ID)
	assert.Equal(t, "entry-threshold-v1", got.Components[TypeEntry])
}

func TestComposerBatchUpgradeSelection(t *testing.T) {
	c := newTestComposer(t)
	ctx := context.Background()

	onOld := mustCreate(t, c, "on-old", nil)
	onNew := mustCreate(t, c, "on-new", nil)
	_, err := c.UpgradeComponent(ctx, onNew.ID, TypeEntry, "entry-threshold-v2")
	require.NoError(t, err)
	inactive := mustCreate(t, c, "inactive", nil)
	require.NoError(t, c.Deactivate(ctx, inactive.ID))

	// Implicit selection takes active strategies bound to the old
	// version: not the already-upgraded one, not the inactive one.
	report, err := c.BatchUpgrade(ctx, "entry-threshold-v1", "entry-threshold-v2", BatchOptions{ActiveOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.SuccessCount)
	got, _ := c.Get(onOld.ID)
	assert.Equal(t, "entry-threshold-v2", got.Components[TypeEntry])

	// An explicit target not bound to the old version fails without
	// being modified.
	report, err = c.BatchUpgrade(ctx, "entry-threshold-v1", "entry-threshold-v2", BatchOptions{
		StrategyIDs: []uuid.UUID{onNew.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Equal(t, 1, report.FailCount)
	assert.True(t, errs.HasCode(report.Results[0].Err, errs.UpgradeValidationFailed))
}

func TestComposerBatchUpgradeRejectsMalformedIDs(t *testing.T) {
	c := newTestComposer(t)
	ctx := context.Background()

	_, err := c.BatchUpgrade(ctx, "nonsense", "entry-threshold-v2", BatchOptions{})
	assert.True(t, errs.HasCode(err, errs.ComponentInterfaceInvalid))

	_, err = c.BatchUpgrade(ctx, "entry-threshold-v1", "nonsense", BatchOptions{})
	assert.True(t, errs.HasCode(err, errs.ComponentInterfaceInvalid))
}

func TestComposerPreviewUpgrade(t *testing.T) {
	persister := &recordingPersister{}
	c := NewComposer(newTestCatalog(t), persister)
	ctx := context.Background()

	inst, err := c.Create(ctx, "live", defaultSlots(), map[string]any{"threshold": 0.7})
	require.NoError(t, err)
	insertsBefore := persister.inserts
	componentsBefore := persister.components

	preview, err := c.PreviewUpgrade(inst.ID, TypeEntry, "entry-threshold-v2")
	require.NoError(t, err)
	assert.True(t, preview.Valid)
	assert.Empty(t, preview.Errors)
	assert.Equal(t, "entry-threshold-v1", preview.From)
	assert.Equal(t, "entry-threshold-v2", preview.To)

	// Preview persists nothing and changes nothing.
	assert.Equal(t, insertsBefore, persister.inserts)
	assert.Equal(t, componentsBefore, persister.components)
	got, _ := c.Get(inst.ID)
	assert.Equal(t, "entry-threshold-v1", got.Components[TypeEntry])
}

func TestComposerPreviewUpgradeSoftFailures(t *testing.T) {
	c := newTestComposer(t)
	ctx := context.Background()
	inst := mustCreate(t, c, "live", nil)

	// Wrong component type is a reported failure, not an error.
	preview, err := c.PreviewUpgrade(inst.ID, TypeEntry, "sizing-kelly-v1")
	require.NoError(t, err)
	assert.False(t, preview.Valid)
	require.NotEmpty(t, preview.Errors)

	require.NoError(t, c.Deactivate(ctx, inst.ID))
	preview, err = c.PreviewUpgrade(inst.ID, TypeEntry, "entry-threshold-v2")
	require.NoError(t, err)
	assert.False(t, preview.Valid)
	assert.Contains(t, preview.Errors.Error(), "inactive")

	// Hard lookup failures still error.
	_, err = c.PreviewUpgrade(uuid.New(), TypeEntry, "entry-threshold-v2")
	assert.True(t, errs.HasCode(err, errs.StrategyNotFound))
	_, err = c.PreviewUpgrade(inst.ID, TypeEntry, "entry-threshold-v99")
	assert.True(t, errs.HasCode(err, errs.ComponentNotFound))
}

func TestComposerUpdateConfig(t *testing.T) {
	persister := &recordingPersister{}
	c := NewComposer(newTestCatalog(t), persister)
	ctx := context.Background()

	inst, err := c.Create(ctx, "live", defaultSlots(), map[string]any{
		"threshold": 0.7,
		"nested":    map[string]any{"a": 1},
	})
	require.NoError(t, err)

	// Merge keeps untouched keys.
	updated, err := c.UpdateConfig(ctx, inst.ID, map[string]any{"nested": map[string]any{"b": 2}}, true)
	require.NoError(t, err)
	assert.Equal(t, 0.7, updated.Config["threshold"])
	nested := updated.Config["nested"].(map[string]any)
	assert.Equal(t, 1, nested["a"])
	assert.Equal(t, 2, nested["b"])
	assert.Equal(t, 1, persister.configs)

	// Replace drops them.
	updated, err = c.UpdateConfig(ctx, inst.ID, map[string]any{"threshold": 0.9}, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"threshold": 0.9}, updated.Config)
}

func TestComposerUpdateConfigRejected(t *testing.T) {
	c := newTestComposer(t)
	ctx := context.Background()
	inst, err := c.Create(ctx, "live", defaultSlots(), map[string]any{"threshold": 0.7})
	require.NoError(t, err)

	_, err = c.UpdateConfig(ctx, inst.ID, map[string]any{"threshold": 2.0}, true)
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.ConfigValidationFailed))

	// Failed update leaves the stored config untouched.
	got, _ := c.Get(inst.ID)
	assert.Equal(t, 0.7, got.Config["threshold"])

	_, err = c.UpdateConfig(ctx, uuid.New(), nil, true)
	assert.True(t, errs.HasCode(err, errs.StrategyNotFound))

	require.NoError(t, c.Deactivate(ctx, inst.ID))
	_, err = c.UpdateConfig(ctx, inst.ID, map[string]any{"threshold": 0.5}, true)
	assert.True(t, errs.HasCode(err, errs.StrategyInactive))
}

func TestComposerDeactivate(t *testing.T) {
	persister := &recordingPersister{}
	c := NewComposer(newTestCatalog(t), persister)
	ctx := context.Background()

	inst, err := c.Create(ctx, "live", defaultSlots(), nil)
	require.NoError(t, err)

	require.NoError(t, c.Deactivate(ctx, inst.ID))
	got, ok := c.Get(inst.ID)
	require.True(t, ok)
	assert.False(t, got.Active)
	assert.Equal(t, 1, persister.deactivates)

	// Repeat deactivation is a no-op.
	require.NoError(t, c.Deactivate(ctx, inst.ID))
	assert.Equal(t, 1, persister.deactivates)

	assert.True(t, errs.HasCode(c.Deactivate(ctx, uuid.New()), errs.StrategyNotFound))
}

func TestComposerRestore(t *testing.T) {
	c := newTestComposer(t)
	live := mustCreate(t, c, "live", nil)

	restored := &Instance{
		ID:         uuid.New(),
		Name:       "from-disk",
		Components: defaultSlots(),
		Config:     map[string]any{"threshold": 0.7},
		Active:     true,
		CreatedAt:  time.Now().UTC(),
	}
	c.Restore([]*Instance{restored})

	_, ok := c.Get(live.ID)
	assert.False(t, ok, "restore replaces the whole snapshot")
	got, ok := c.Get(restored.ID)
	require.True(t, ok)
	assert.Equal(t, "from-disk", got.Name)

	// The composer holds its own copy of restored instances.
	restored.Config["threshold"] = 0.1
	got, _ = c.Get(restored.ID)
	assert.Equal(t, 0.7, got.Config["threshold"])
}

func TestComposerConcurrentReadsDuringWrites(t *testing.T) {
	c := newTestComposer(t)
	ctx := context.Background()
	seed := mustCreate(t, c, "seed", nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				_, err := c.Fork(ctx, seed.ID, fmt.Sprintf("fork-%d-%d", n, j), ForkOptions{})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 100; j++ {
			c.List(true)
			c.Get(seed.ID)
		}
	}()
	wg.Wait()

	assert.Len(t, c.List(false), 101)
}
