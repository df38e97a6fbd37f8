package strategy_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casedesk/internal/domain"
	"casedesk/internal/engine/strategy"
)

func handler(id int64, load, capacity int) domain.Handler {
	return domain.Handler{
		ID:                 id,
		Name:               "h",
		Role:               "agent",
		IsActive:           true,
		IsAvailable:        true,
		CurrentCaseCount:   load,
		MaxConcurrentCases: capacity,
	}
}

func ts(v string) *string { return &v }

func TestEligibleGates(t *testing.T) {
	inactive := handler(1, 0, 5)
	inactive.IsActive = false
	away := handler(2, 0, 5)
	away.IsAvailable = false
	full := handler(3, 5, 5)
	lead := handler(4, 1, 5)
	lead.Role = "lead"
	ok := handler(5, 1, 5)

	pool := strategy.Eligible([]domain.Handler{inactive, away, full, lead, ok}, strategy.Filter{})
	require.Len(t, pool, 2)
	assert.Equal(t, int64(4), pool[0].ID)
	assert.Equal(t, int64(5), pool[1].ID)

	role := "lead"
	pool = strategy.Eligible([]domain.Handler{lead, ok}, strategy.Filter{Role: &role})
	require.Len(t, pool, 1)
	assert.Equal(t, int64(4), pool[0].ID)

	id := int64(5)
	pool = strategy.Eligible([]domain.Handler{lead, ok}, strategy.Filter{HandlerID: &id})
	require.Len(t, pool, 1)
	assert.Equal(t, int64(5), pool[0].ID)
}

func TestLeastLoadedStableTies(t *testing.T) {
	pool := []domain.Handler{handler(1, 3, 10), handler(2, 1, 10), handler(3, 1, 10)}
	p, ok := strategy.LeastLoaded{}.Pick(pool, domain.CaseAttrs{})
	require.True(t, ok)
	assert.Equal(t, int64(2), p.Handler.ID)
}

func TestLeastLoadedNeverPicksFullHandler(t *testing.T) {
	reg := strategy.Default(nil)
	for load := 0; load <= 12; load++ {
		full := handler(1, 10, 10)
		other := handler(2, load, 10)
		p, ok, err := reg.Assign(domain.StrategyLeastLoaded, domain.CaseAttrs{}, []domain.Handler{full, other}, strategy.Filter{})
		require.NoError(t, err)
		if load >= 10 {
			assert.False(t, ok, "load %d", load)
			continue
		}
		require.True(t, ok)
		assert.Equal(t, int64(2), p.Handler.ID)
		assert.Less(t, p.Handler.CurrentCaseCount, p.Handler.MaxConcurrentCases)
	}
}

func TestRoundRobinPrefersNeverAssigned(t *testing.T) {
	a := handler(1, 0, 5)
	a.LastAssignedAt = ts("2024-01-01T10:00:00Z")
	b := handler(2, 0, 5)
	b.LastAssignedAt = ts("2024-01-01T09:00:00Z")
	c := handler(3, 0, 5)

	p, ok := strategy.RoundRobin{}.Pick([]domain.Handler{a, b, c}, domain.CaseAttrs{})
	require.True(t, ok)
	assert.Equal(t, int64(3), p.Handler.ID)

	p, ok = strategy.RoundRobin{}.Pick([]domain.Handler{a, b}, domain.CaseAttrs{})
	require.True(t, ok)
	assert.Equal(t, int64(2), p.Handler.ID)
}

func TestRandomUsesInjectedSource(t *testing.T) {
	pool := []domain.Handler{handler(1, 0, 5), handler(2, 0, 5), handler(3, 0, 5)}
	var gotN int
	r := strategy.Random{Intn: func(n int) int { gotN = n; return 2 }}
	p, ok := r.Pick(pool, domain.CaseAttrs{})
	require.True(t, ok)
	assert.Equal(t, 3, gotN)
	assert.Equal(t, int64(3), p.Handler.ID)
}

func TestScore(t *testing.T) {
	h := handler(1, 2, 10)
	h.CarrierSpecialties = []string{"FEDEX"}
	h.IssueTypeSpecialties = []string{"damage"}
	h.SuccessRate = 90

	s := strategy.Score(h, domain.CaseAttrs{Carrier: "FEDEX", IssueType: "damage"})
	// 40 + 30 + 0.2*(100-20) + 0.1*90
	assert.InDelta(t, 40+30+16+9, s.Value, 1e-9)
	assert.Equal(t, []string{
		strategy.ReasonCarrier,
		strategy.ReasonIssueType,
		strategy.ReasonLowWorkload,
		strategy.ReasonStrongRecord,
	}, s.Reasons)

	mixed := strategy.Score(h, domain.CaseAttrs{Carrier: "FedEx", IssueType: "Damage"})
	assert.InDelta(t, 16+9, mixed.Value, 1e-9, "specialties compare exactly")

	busy := handler(2, 10, 10)
	s = strategy.Score(busy, domain.CaseAttrs{Carrier: "UPS"})
	assert.InDelta(t, 0, s.Value, 1e-9)
	assert.Empty(t, s.Reasons)
}

func TestSpecializedExcludesFullBestMatch(t *testing.T) {
	star := handler(1, 10, 10)
	star.CarrierSpecialties = []string{"FEDEX"}
	star.IssueTypeSpecialties = []string{"damage"}
	star.SuccessRate = 100
	plain := handler(2, 5, 10)

	reg := strategy.Default(nil)
	attrs := domain.CaseAttrs{Carrier: "FEDEX", IssueType: "damage"}
	for _, kind := range domain.StrategyKinds {
		p, ok, err := reg.Assign(kind, attrs, []domain.Handler{star, plain}, strategy.Filter{})
		require.NoError(t, err)
		require.True(t, ok, string(kind))
		assert.Equal(t, int64(2), p.Handler.ID, string(kind))
	}
}

func TestSpecializedReportsScore(t *testing.T) {
	a := handler(1, 0, 10)
	b := handler(2, 0, 10)
	b.CarrierSpecialties = []string{"UPS"}
	p, ok := strategy.Specialized{}.Pick([]domain.Handler{a, b}, domain.CaseAttrs{Carrier: "UPS"})
	require.True(t, ok)
	assert.Equal(t, int64(2), p.Handler.ID)
	require.NotNil(t, p.Score)
	assert.InDelta(t, 60, *p.Score, 1e-9)
	assert.Contains(t, p.Reasons, strategy.ReasonCarrier)
}

func TestAssignUnknownStrategy(t *testing.T) {
	reg := strategy.Default(nil)
	_, _, err := reg.Assign("FASTEST", domain.CaseAttrs{}, []domain.Handler{handler(1, 0, 1)}, strategy.Filter{})
	assert.True(t, errors.Is(err, strategy.ErrUnknownStrategy))
}

type firstOnly struct{}

func (firstOnly) Kind() domain.StrategyKind { return "FIRST" }
func (firstOnly) Pick(pool []domain.Handler, _ domain.CaseAttrs) (strategy.Pick, bool) {
	return strategy.Pick{Handler: pool[0]}, true
}

func TestRegisterCustomStrategy(t *testing.T) {
	reg := strategy.Default(nil)
	reg.Register(firstOnly{})
	p, ok, err := reg.Assign("FIRST", domain.CaseAttrs{}, []domain.Handler{handler(9, 3, 4), handler(8, 0, 4)}, strategy.Filter{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(9), p.Handler.ID)
}
