package orchestrator

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// requestKey identifies one order attempt: a strategy acting on a
// window, disambiguated by request id so a retry never collides with
// the attempt it replaces.
type requestKey struct {
	strategyID uuid.UUID
	windowID   string
	requestID  uuid.UUID
}

// inflightOrder tracks one submitted order until the venue gives it a
// terminal status or the deadline passes. orderID stays empty until
// the venue acknowledges.
type inflightOrder struct {
	key      requestKey
	tokenID  string
	cost     float64
	orderID  string
	deadline time.Time
}

// inflightRegistry holds every order awaiting acknowledgement. Its
// pending cost counts toward the exposure gate, so a burst of entries
// cannot overshoot the cap while responses are outstanding.
type inflightRegistry struct {
	mu     sync.Mutex
	orders map[requestKey]*inflightOrder
}

func newInflightRegistry() *inflightRegistry {
	return &inflightRegistry{orders: make(map[requestKey]*inflightOrder)}
}

// track registers an attempt before its order goes out.
func (r *inflightRegistry) track(strategyID uuid.UUID, windowID string, requestID uuid.UUID, tokenID string, cost float64, deadline time.Time) requestKey {
	key := requestKey{strategyID: strategyID, windowID: windowID, requestID: requestID}
	r.mu.Lock()
	r.orders[key] = &inflightOrder{
		key:      key,
		tokenID:  tokenID,
		cost:     cost,
		deadline: deadline,
	}
	r.mu.Unlock()
	return key
}

// bind records the venue's order id once an acknowledgement names one.
func (r *inflightRegistry) bind(key requestKey, orderID string) {
	r.mu.Lock()
	if ord, ok := r.orders[key]; ok {
		ord.orderID = orderID
	}
	r.mu.Unlock()
}

// resolve drops a record on any terminal outcome. Resolving an
// already-dropped key is a no-op, so the sweep and the submitting
// goroutine can race safely.
func (r *inflightRegistry) resolve(key requestKey) {
	r.mu.Lock()
	delete(r.orders, key)
	r.mu.Unlock()
}

// pendingCost sums the dollar cost of everything still tracked.
func (r *inflightRegistry) pendingCost() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0.0
	for _, ord := range r.orders {
		total += ord.cost
	}
	return total
}

func (r *inflightRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

// expired returns copies of every record past its deadline at now.
func (r *inflightRegistry) expired(now time.Time) []*inflightOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*inflightOrder
	for _, ord := range r.orders {
		if !now.Before(ord.deadline) {
			copied := *ord
			out = append(out, &copied)
		}
	}
	return out
}

// InflightOrder is a point-in-time copy of one tracked order attempt,
// exposed for the status API and the last-known-state file.
type InflightOrder struct {
	StrategyID uuid.UUID `json:"strategy_id"`
	WindowID   string    `json:"window_id"`
	TokenID    string    `json:"token_id"`
	OrderID    string    `json:"order_id,omitempty"`
	Cost       float64   `json:"cost"`
	Deadline   time.Time `json:"deadline"`
}

func (r *inflightRegistry) snapshot() []InflightOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]InflightOrder, 0, len(r.orders))
	for _, ord := range r.orders {
		out = append(out, InflightOrder{
			StrategyID: ord.key.strategyID,
			WindowID:   ord.key.windowID,
			TokenID:    ord.tokenID,
			OrderID:    ord.orderID,
			Cost:       ord.cost,
			Deadline:   ord.deadline,
		})
	}
	return out
}
