// Package builtins holds the stock component versions every build
// ships with: two probability models, two entry rules, two sizers and
// two exits. Together they cover the plain follow/fade setups on
// 15-minute binary windows and double as working references for the
// component contract.
package builtins

import (
	"github.com/strikebot/strikebot/internal/strategy"
)

// All returns one instance of every stock component, in pipeline
// order.
func All() []strategy.Component {
	return []strategy.Component{
		SpotLag{},
		Momentum{},
		Threshold{},
		SpreadGuard{},
		FixedSize{},
		Kelly{},
		Hold{},
		StopTake{},
	}
}

// Register adds the stock components to a catalog via discovery, so
// callers get the same per-candidate error reporting as any other
// registration path.
func Register(cat *strategy.Catalog) (int, []error) {
	comps := All()
	candidates := make([]any, len(comps))
	for i, c := range comps {
		candidates[i] = c
	}
	return cat.Discover(candidates...)
}
