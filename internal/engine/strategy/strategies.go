package strategy

import (
	"math/rand"

	"casedesk/internal/domain"
)

// RoundRobin picks the handler assigned least recently. Handlers never
// assigned come first.
type RoundRobin struct{}

func (RoundRobin) Kind() domain.StrategyKind { return domain.StrategyRoundRobin }

func (RoundRobin) Pick(pool []domain.Handler, _ domain.CaseAttrs) (Pick, bool) {
	if len(pool) == 0 {
		return Pick{}, false
	}
	best := 0
	for i := 1; i < len(pool); i++ {
		if assignedBefore(pool[i].LastAssignedAt, pool[best].LastAssignedAt) {
			best = i
		}
	}
	return Pick{Handler: pool[best]}, true
}

// assignedBefore reports whether a is strictly older than b. Nil is oldest.
// Timestamps are RFC3339 UTC so they compare lexically.
func assignedBefore(a, b *string) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a == nil:
		return true
	case b == nil:
		return false
	default:
		return *a < *b
	}
}

// LeastLoaded picks the handler with the fewest open cases; the first one
// wins ties.
type LeastLoaded struct{}

func (LeastLoaded) Kind() domain.StrategyKind { return domain.StrategyLeastLoaded }

func (LeastLoaded) Pick(pool []domain.Handler, _ domain.CaseAttrs) (Pick, bool) {
	if len(pool) == 0 {
		return Pick{}, false
	}
	best := 0
	for i := 1; i < len(pool); i++ {
		if pool[i].CurrentCaseCount < pool[best].CurrentCaseCount {
			best = i
		}
	}
	return Pick{Handler: pool[best]}, true
}

// Random picks uniformly. Intn defaults to math/rand.
type Random struct {
	Intn func(n int) int
}

func (Random) Kind() domain.StrategyKind { return domain.StrategyRandom }

func (r Random) Pick(pool []domain.Handler, _ domain.CaseAttrs) (Pick, bool) {
	if len(pool) == 0 {
		return Pick{}, false
	}
	intn := r.Intn
	if intn == nil {
		intn = rand.Intn
	}
	i := intn(len(pool))
	if i < 0 || i >= len(pool) {
		i = 0
	}
	return Pick{Handler: pool[i]}, true
}

// Specialized picks the highest Score; the first one wins ties.
type Specialized struct{}

func (Specialized) Kind() domain.StrategyKind { return domain.StrategySpecialized }

func (Specialized) Pick(pool []domain.Handler, attrs domain.CaseAttrs) (Pick, bool) {
	if len(pool) == 0 {
		return Pick{}, false
	}
	best := 0
	bestScore := Score(pool[0], attrs)
	for i := 1; i < len(pool); i++ {
		s := Score(pool[i], attrs)
		if s.Value > bestScore.Value {
			best, bestScore = i, s
		}
	}
	v := bestScore.Value
	return Pick{Handler: pool[best], Score: &v, Reasons: bestScore.Reasons}, true
}
