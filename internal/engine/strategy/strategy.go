// Package strategy selects one handler from an eligible pool.
package strategy

import (
	"errors"
	"fmt"

	"casedesk/internal/domain"
)

var ErrUnknownStrategy = errors.New("unknown strategy")

// Pick is the outcome of a selection. Score and Reasons are only set by
// strategies that compute them.
type Pick struct {
	Handler domain.Handler
	Score   *float64
	Reasons []string
}

// Strategy picks one handler from a non-empty, already gated pool.
type Strategy interface {
	Kind() domain.StrategyKind
	Pick(pool []domain.Handler, attrs domain.CaseAttrs) (Pick, bool)
}

// Filter narrows the pool before selection. Nil fields do not filter.
type Filter struct {
	Role      *string
	HandlerID *int64
}

// Eligible returns the handlers that are active, available, pass the filter
// and sit below their capacity. Input order is preserved.
func Eligible(handlers []domain.Handler, f Filter) []domain.Handler {
	var out []domain.Handler
	for _, h := range handlers {
		if !h.IsActive || !h.IsAvailable {
			continue
		}
		if f.Role != nil && *f.Role != "" && h.Role != *f.Role {
			continue
		}
		if f.HandlerID != nil && h.ID != *f.HandlerID {
			continue
		}
		if !h.HasCapacity() {
			continue
		}
		out = append(out, h)
	}
	return out
}

// Registry maps strategy kinds to implementations.
type Registry struct {
	strategies map[domain.StrategyKind]Strategy
}

func NewRegistry(strategies ...Strategy) *Registry {
	r := &Registry{strategies: make(map[domain.StrategyKind]Strategy, len(strategies))}
	for _, s := range strategies {
		r.Register(s)
	}
	return r
}

// Default registers the four built-in strategies. intn drives RANDOM.
func Default(intn func(n int) int) *Registry {
	return NewRegistry(RoundRobin{}, LeastLoaded{}, Random{Intn: intn}, Specialized{})
}

func (r *Registry) Register(s Strategy) {
	r.strategies[s.Kind()] = s
}

func (r *Registry) Lookup(kind domain.StrategyKind) (Strategy, error) {
	s, ok := r.strategies[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, kind)
	}
	return s, nil
}

// Assign gates the handlers and dispatches to the strategy for kind.
// An empty pool is not an error: it reports ok=false.
func (r *Registry) Assign(kind domain.StrategyKind, attrs domain.CaseAttrs, handlers []domain.Handler, f Filter) (Pick, bool, error) {
	s, err := r.Lookup(kind)
	if err != nil {
		return Pick{}, false, err
	}
	pool := Eligible(handlers, f)
	if len(pool) == 0 {
		return Pick{}, false, nil
	}
	p, ok := s.Pick(pool, attrs)
	return p, ok, nil
}
