package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casedesk/internal/domain"
	"casedesk/internal/engine"
)

func f(v float64) *float64 { return &v }

func TestMatchRuleOrderAndCriteria(t *testing.T) {
	rules := []domain.AssignmentRule{
		{ID: 3, Name: "big fedex", Priority: 20, IsActive: true, Carrier: strPtr("FEDEX"), AmountMin: f(1000), Strategy: domain.StrategySpecialized},
		{ID: 1, Name: "fedex", Priority: 10, IsActive: true, Carrier: strPtr("FEDEX"), Strategy: domain.StrategyLeastLoaded},
		{ID: 2, Name: "fedex dup", Priority: 10, IsActive: true, Carrier: strPtr("fedex"), Strategy: domain.StrategyRandom},
		{ID: 4, Name: "catch all", Priority: 0, IsActive: true, Carrier: strPtr("ALL"), PriorityLevel: strPtr("ALL"), Strategy: domain.StrategyRoundRobin},
	}

	cases := []struct {
		name  string
		attrs domain.CaseAttrs
		want  int64
	}{
		{"amount above min hits higher priority", domain.CaseAttrs{Carrier: "FEDEX", ClaimedAmount: 1500}, 3},
		{"lower case value matches its own rule only", domain.CaseAttrs{Carrier: "fedex", ClaimedAmount: 1500}, 2},
		{"values compare exactly", domain.CaseAttrs{Carrier: "FedEx", ClaimedAmount: 1500}, 4},
		{"amount at bound is inclusive", domain.CaseAttrs{Carrier: "FEDEX", ClaimedAmount: 1000}, 3},
		{"equal priority falls to lower id", domain.CaseAttrs{Carrier: "FEDEX", ClaimedAmount: 10}, 1},
		{"wildcards match anything", domain.CaseAttrs{Carrier: "UPS", Priority: "urgent"}, 4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := engine.MatchRule(rules, tc.attrs)
			require.NotNil(t, got)
			assert.Equal(t, tc.want, got.ID)
		})
	}
}

func TestMatchRuleSkipsInactiveAndRanges(t *testing.T) {
	rules := []domain.AssignmentRule{
		{ID: 1, Priority: 9, IsActive: false, Strategy: domain.StrategyRandom},
		{ID: 2, Priority: 5, IsActive: true, IssueType: strPtr("damage"), AmountMax: f(200), Strategy: domain.StrategyRandom},
	}
	assert.Nil(t, engine.MatchRule(rules, domain.CaseAttrs{IssueType: "damage", ClaimedAmount: 250}))
	assert.Nil(t, engine.MatchRule(rules, domain.CaseAttrs{IssueType: "loss", ClaimedAmount: 50}))
	assert.Nil(t, engine.MatchRule(rules, domain.CaseAttrs{IssueType: "DAMAGE", ClaimedAmount: 200}))
	got := engine.MatchRule(rules, domain.CaseAttrs{IssueType: "damage", ClaimedAmount: 200})
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.ID)
	assert.Nil(t, engine.MatchRule(nil, domain.CaseAttrs{}))
}

func TestMatchRuleDeterministic(t *testing.T) {
	rules := []domain.AssignmentRule{
		{ID: 1, Priority: 1, IsActive: true, Strategy: domain.StrategyRandom},
		{ID: 2, Priority: 1, IsActive: true, Strategy: domain.StrategyRandom},
	}
	attrs := domain.CaseAttrs{Carrier: "DHL"}
	first := engine.MatchRule(rules, attrs)
	require.NotNil(t, first)
	for i := 0; i < 50; i++ {
		got := engine.MatchRule(rules, attrs)
		require.NotNil(t, got)
		assert.Equal(t, first.ID, got.ID)
	}
}

func TestValidateRule(t *testing.T) {
	ok := domain.AssignmentRule{Name: "ok", Strategy: domain.StrategyLeastLoaded, AmountMin: f(1), AmountMax: f(1)}
	assert.NoError(t, engine.ValidateRule(ok))

	bad := []domain.AssignmentRule{
		{Strategy: domain.StrategyLeastLoaded},
		{Name: "x", Strategy: "BEST"},
		{Name: "x", Strategy: domain.StrategyRandom, AmountMin: f(-1)},
		{Name: "x", Strategy: domain.StrategyRandom, Carrier: strPtr(" ")},
	}
	for _, ru := range bad {
		var invalid engine.InvalidRuleError
		assert.ErrorAs(t, engine.ValidateRule(ru), &invalid)
	}
}
