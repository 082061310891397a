package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/strikebot/strikebot/internal/config"
	"github.com/strikebot/strikebot/internal/db"
	"github.com/strikebot/strikebot/internal/errs"
	"github.com/strikebot/strikebot/internal/strategy"
	"github.com/strikebot/strikebot/internal/strategy/builtins"
)

// stockStrategies are the compositions the engine can create on first
// boot. A manifest may list these names before any strategy exists;
// anything else must already be in the database.
var stockStrategies = map[string]map[strategy.Type]string{
	"spot-follow": {
		strategy.TypeProbability: "prob-spot-lag-v1",
		strategy.TypeEntry:       "entry-threshold-v1",
		strategy.TypeSizing:      "sizing-fixed-v1",
		strategy.TypeExit:        "exit-hold-v1",
	},
	"momentum-guarded": {
		strategy.TypeProbability: "prob-momentum-v1",
		strategy.TypeEntry:       "entry-spread-guard-v1",
		strategy.TypeSizing:      "sizing-kelly-v1",
		strategy.TypeExit:        "exit-stop-take-v1",
	},
}

// IsStockStrategy reports whether the engine can compose the named
// strategy on first boot without a database row.
func IsStockStrategy(name string) bool {
	_, ok := stockStrategies[name]
	return ok
}

// strategyStore adapts the database gateway to the composer's
// persister contract.
type strategyStore struct {
	gw *db.Gateway
}

func (s strategyStore) InsertStrategy(ctx context.Context, inst *strategy.Instance) error {
	return s.gw.InsertStrategy(ctx, recordFromInstance(inst))
}

func (s strategyStore) UpdateComponents(ctx context.Context, id uuid.UUID, components map[strategy.Type]string) error {
	return s.gw.UpdateStrategyComponents(ctx, id, slotStrings(components))
}

func (s strategyStore) UpdateConfig(ctx context.Context, id uuid.UUID, config map[string]any) error {
	return s.gw.UpdateStrategyConfig(ctx, id, config)
}

func (s strategyStore) DeactivateStrategy(ctx context.Context, id uuid.UUID) error {
	return s.gw.DeactivateStrategy(ctx, id)
}

// restoreStrategies seeds the composer's snapshot from the strategies
// table, inactive rows included so lineage walks stay complete.
func (e *Engine) restoreStrategies(ctx context.Context) error {
	rows, err := e.store.ListStrategies(ctx, false)
	if err != nil {
		return err
	}

	instances := make([]*strategy.Instance, 0, len(rows))
	for _, rec := range rows {
		instances = append(instances, instanceFromRecord(rec))
	}
	e.composer.Restore(instances)
	return nil
}

// seedStrategies composes any manifest-listed stock strategy that the
// restore pass did not produce. First boot on an empty database lands
// here; every later boot finds the rows and composes nothing.
func (e *Engine) seedStrategies(ctx context.Context) error {
	for _, name := range e.manifest.Strategies {
		if e.strategyByName(name) != nil {
			continue
		}
		components, stock := stockStrategies[name]
		if !stock {
			continue
		}
		inst, err := e.composer.Create(ctx, name, components, map[string]any{})
		if err != nil {
			return err
		}
		e.logger.Info().
			Str("strategy_id", inst.ID.String()).
			Str("name", name).
			Msg("Stock strategy composed")
	}
	return nil
}

// strategyByName finds a registered instance by manifest name.
func (e *Engine) strategyByName(name string) *strategy.Instance {
	return instanceNamed(e.composer, name)
}

func instanceNamed(c *strategy.Composer, name string) *strategy.Instance {
	for _, inst := range c.List(false) {
		if inst.Name == name {
			return inst
		}
	}
	return nil
}

// ComposeOffline builds a composer holding the stock compositions for
// the given manifest names, persisted nowhere. Backtests evaluate
// through it without a database, so names that are not stock
// compositions cannot be resolved and are rejected.
func ComposeOffline(ctx context.Context, names []string) (*strategy.Composer, error) {
	logger := config.NewLogger("engine")

	catalog := strategy.NewCatalog()
	registered, errsFound := builtins.Register(catalog)
	for _, err := range errsFound {
		logger.Error().Err(err).Msg("Component rejected at registration")
	}
	logger.Debug().Int("components", registered).Msg("Component catalog ready")

	composer := strategy.NewComposer(catalog, strategy.NopPersister{})
	for _, name := range names {
		if instanceNamed(composer, name) != nil {
			continue
		}
		components, stock := stockStrategies[name]
		if !stock {
			return nil, errs.Newf(errs.ManifestUnknownStrategy,
				"strategy %q is not a stock composition and cannot be restored without a database", name)
		}
		if _, err := composer.Create(ctx, name, components, map[string]any{}); err != nil {
			return nil, err
		}
	}
	return composer, nil
}

func recordFromInstance(inst *strategy.Instance) *db.StrategyRecord {
	return &db.StrategyRecord{
		ID:             inst.ID,
		Name:           inst.Name,
		BaseStrategyID: inst.BaseStrategyID,
		Components:     slotStrings(inst.Components),
		Config:         inst.Config,
		Active:         inst.Active,
		CreatedAt:      inst.CreatedAt,
		UpdatedAt:      inst.UpdatedAt,
	}
}

func instanceFromRecord(rec *db.StrategyRecord) *strategy.Instance {
	components := make(map[strategy.Type]string, len(rec.Components))
	for slot, versionID := range rec.Components {
		components[strategy.Type(slot)] = versionID
	}
	return &strategy.Instance{
		ID:             rec.ID,
		Name:           rec.Name,
		BaseStrategyID: rec.BaseStrategyID,
		Components:     components,
		Config:         rec.Config,
		Active:         rec.Active,
		CreatedAt:      rec.CreatedAt,
		UpdatedAt:      rec.UpdatedAt,
	}
}

func slotStrings(components map[strategy.Type]string) map[string]string {
	out := make(map[string]string, len(components))
	for slot, versionID := range components {
		out[string(slot)] = versionID
	}
	return out
}
