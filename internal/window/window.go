// Package window aligns wall-clock time to the 15-minute epoch grid and
// drives each window through its lifecycle: contract discovery, active
// trading, near-expiry lockout, settlement. The window id doubles as the
// venue's event slug, so naming is a wire-level contract.
package window

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// IntervalSeconds is the width of one window on the epoch grid.
const IntervalSeconds int64 = 900

// Interval is the window width as a duration.
const Interval = time.Duration(IntervalSeconds) * time.Second

var idPattern = regexp.MustCompile(`^([a-z0-9]+(?:-[a-z0-9]+)*)-updown-15m-([1-9][0-9]*)$`)

var symbolPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// Window is one 15-minute contract window. Identity fields are fixed at
// creation; Strike and token ids arrive with discovery, FinalPrice with
// settlement.
type Window struct {
	ID         string
	Symbol     string
	OpenEpoch  int64
	CloseEpoch int64

	Strike      float64
	UpTokenID   string
	DownTokenID string

	FinalPrice *float64
}

// ID renders the canonical window identifier,
// "<symbol>-updown-15m-<open_epoch>".
func ID(symbol string, openEpoch int64) string {
	return strings.ToLower(symbol) + "-updown-15m-" + strconv.FormatInt(openEpoch, 10)
}

// ParseID recovers the symbol and open epoch from a window id. It
// accepts exactly the ids ID produces: lowercase kebab symbol, epoch on
// the 15-minute grid.
func ParseID(id string) (symbol string, openEpoch int64, err error) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return "", 0, fmt.Errorf("malformed window id %q", id)
	}
	openEpoch, err = strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed window id %q: %w", id, err)
	}
	if openEpoch%IntervalSeconds != 0 {
		return "", 0, fmt.Errorf("window id %q epoch not on the %ds grid", id, IntervalSeconds)
	}
	return m[1], openEpoch, nil
}

// OpenEpochAt returns the open epoch of the window containing t.
func OpenEpochAt(t time.Time) int64 {
	return (t.Unix() / IntervalSeconds) * IntervalSeconds
}

// New builds the window for one open epoch, validating the symbol and
// grid alignment.
func New(symbol string, openEpoch int64) (Window, error) {
	symbol = strings.ToLower(symbol)
	if !symbolPattern.MatchString(symbol) {
		return Window{}, fmt.Errorf("invalid window symbol %q", symbol)
	}
	if openEpoch <= 0 || openEpoch%IntervalSeconds != 0 {
		return Window{}, fmt.Errorf("open epoch %d not on the %ds grid", openEpoch, IntervalSeconds)
	}
	return Window{
		ID:         ID(symbol, openEpoch),
		Symbol:     symbol,
		OpenEpoch:  openEpoch,
		CloseEpoch: openEpoch + IntervalSeconds,
	}, nil
}

// At returns the window containing t. The symbol must already be
// normalized lowercase kebab, as New enforces.
func At(symbol string, t time.Time) Window {
	epoch := OpenEpochAt(t)
	return Window{
		ID:         ID(symbol, epoch),
		Symbol:     symbol,
		OpenEpoch:  epoch,
		CloseEpoch: epoch + IntervalSeconds,
	}
}

// OpenTime is the window's opening boundary.
func (w Window) OpenTime() time.Time {
	return time.Unix(w.OpenEpoch, 0).UTC()
}

// CloseTime is the window's closing boundary.
func (w Window) CloseTime() time.Time {
	return time.Unix(w.CloseEpoch, 0).UTC()
}

// TimeRemaining returns how long until the window closes, negative once
// it has.
func (w Window) TimeRemaining(t time.Time) time.Duration {
	return w.CloseTime().Sub(t)
}

// Resolved reports whether discovery has bound the contract metadata.
func (w Window) Resolved() bool {
	return w.UpTokenID != "" && w.DownTokenID != "" && w.Strike > 0
}

// TokenFor maps a settlement outcome to the token that pays on it.
func (w Window) TokenFor(outcome string) string {
	if outcome == "up" {
		return w.UpTokenID
	}
	return w.DownTokenID
}
