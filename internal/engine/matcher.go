package engine

import (
	"context"
	"strings"

	"casedesk/internal/domain"
)

// MatchRule returns the first active rule, in slice order, whose criteria all
// hold for attrs. rules must already be ordered by priority descending then id.
func MatchRule(rules []domain.AssignmentRule, attrs domain.CaseAttrs) *domain.AssignmentRule {
	for i := range rules {
		ru := rules[i]
		if !ru.IsActive {
			continue
		}
		if !criterionHolds(ru.Carrier, attrs.Carrier) {
			continue
		}
		if !criterionHolds(ru.IssueType, attrs.IssueType) {
			continue
		}
		if !criterionHolds(ru.PriorityLevel, attrs.Priority) {
			continue
		}
		if ru.AmountMin != nil && attrs.ClaimedAmount < *ru.AmountMin {
			continue
		}
		if ru.AmountMax != nil && attrs.ClaimedAmount > *ru.AmountMax {
			continue
		}
		return &ru
	}
	return nil
}

// criterionHolds compares values exactly: "FedEx" does not satisfy "FEDEX".
func criterionHolds(want *string, got string) bool {
	if want == nil || *want == "" || *want == domain.MatchAll {
		return true
	}
	return *want == got
}

// MatchRule loads the active rules and matches attrs against them.
func (e Engine) MatchRule(ctx context.Context, attrs domain.CaseAttrs) (*domain.AssignmentRule, error) {
	rules, err := e.Repo.ListRules(ctx, true)
	if err != nil {
		return nil, err
	}
	return MatchRule(rules, attrs), nil
}

// ValidateRule checks a rule definition before it is stored.
func ValidateRule(ru domain.AssignmentRule) error {
	if strings.TrimSpace(ru.Name) == "" {
		return InvalidRuleError{Field: "name", Reason: "is required"}
	}
	if !ru.Strategy.Valid() {
		return InvalidRuleError{Field: "strategy", Reason: "must be one of ROUND_ROBIN, LEAST_LOADED, SPECIALIZED, RANDOM"}
	}
	if ru.AmountMin != nil && *ru.AmountMin < 0 {
		return InvalidRuleError{Field: "amount_min", Reason: "must be >= 0"}
	}
	if ru.AmountMax != nil && *ru.AmountMax < 0 {
		return InvalidRuleError{Field: "amount_max", Reason: "must be >= 0"}
	}
	if ru.AmountMin != nil && ru.AmountMax != nil && *ru.AmountMin > *ru.AmountMax {
		return InvalidRuleError{Field: "amount_min", Reason: "must not exceed amount_max"}
	}
	criteria := []struct {
		field string
		value *string
	}{
		{"carrier", ru.Carrier},
		{"issue_type", ru.IssueType},
		{"priority_level", ru.PriorityLevel},
	}
	for _, c := range criteria {
		if c.value != nil && strings.TrimSpace(*c.value) == "" {
			return InvalidRuleError{Field: c.field, Reason: "must not be blank; omit it or use ALL"}
		}
	}
	if ru.AssignToHandlerID != nil && *ru.AssignToHandlerID <= 0 {
		return InvalidRuleError{Field: "assign_to_handler_id", Reason: "must be a positive id"}
	}
	return nil
}
