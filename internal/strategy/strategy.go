// Package strategy holds the versioned component catalog and the
// composition engine that assembles, forks, diffs, upgrades and
// executes trading strategies. A strategy binds one component version
// to each of the four pipeline slots (probability, entry, sizing,
// exit) plus a shared config map. Instances and catalog views are
// immutable once published; every mutation validates fully, persists,
// and then swaps a fresh snapshot in, so readers never observe
// partial state.
package strategy

import (
	"time"

	"github.com/google/uuid"
)

// Instance is one composed strategy. Published instances are
// immutable: the composer hands out deep copies and replaces its
// snapshot wholesale on every mutation.
type Instance struct {
	ID             uuid.UUID
	Name           string
	BaseStrategyID *uuid.UUID
	Components     map[Type]string
	Config         map[string]any
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// clone returns an independent deep copy sharing no memory with the
// receiver.
func (in *Instance) clone() *Instance {
	out := *in
	out.Components = make(map[Type]string, len(in.Components))
	for slot, id := range in.Components {
		out.Components[slot] = id
	}
	out.Config = cloneConfig(in.Config)
	if in.BaseStrategyID != nil {
		base := *in.BaseStrategyID
		out.BaseStrategyID = &base
	}
	return &out
}
