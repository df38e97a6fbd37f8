package strategy

import (
	"slices"

	"casedesk/internal/domain"
)

const (
	carrierWeight     = 40.0
	issueTypeWeight   = 30.0
	workloadWeight    = 0.2
	performanceWeight = 0.1

	lowWorkloadLabelAt   = 10.0
	strongSuccessLabelAt = 80.0
)

const (
	ReasonCarrier      = "Carrier specialist"
	ReasonIssueType    = "Issue type specialist"
	ReasonLowWorkload  = "Low workload"
	ReasonStrongRecord = "Strong success rate"
)

// ScoreResult is a handler's fitness for a case, at most 100, with the labels
// of the components that contributed.
type ScoreResult struct {
	Value   float64
	Reasons []string
}

// Score rates h for attrs: 40 for a carrier specialty, 30 for an issue type
// specialty, up to 20 for spare capacity and up to 10 for success rate.
func Score(h domain.Handler, attrs domain.CaseAttrs) ScoreResult {
	var res ScoreResult
	if hasSpecialty(h.CarrierSpecialties, attrs.Carrier) {
		res.Value += carrierWeight
		res.Reasons = append(res.Reasons, ReasonCarrier)
	}
	if hasSpecialty(h.IssueTypeSpecialties, attrs.IssueType) {
		res.Value += issueTypeWeight
		res.Reasons = append(res.Reasons, ReasonIssueType)
	}
	workload := workloadWeight * (100 - h.Utilization())
	if workload < 0 {
		workload = 0
	}
	res.Value += workload
	if workload >= lowWorkloadLabelAt {
		res.Reasons = append(res.Reasons, ReasonLowWorkload)
	}
	res.Value += performanceWeight * h.SuccessRate
	if h.SuccessRate >= strongSuccessLabelAt {
		res.Reasons = append(res.Reasons, ReasonStrongRecord)
	}
	return res
}

func hasSpecialty(list []string, v string) bool {
	return v != "" && slices.Contains(list, v)
}
