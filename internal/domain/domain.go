package domain

// StrategyKind names a handler selection policy.
type StrategyKind string

const (
	StrategyRoundRobin  StrategyKind = "ROUND_ROBIN"
	StrategyLeastLoaded StrategyKind = "LEAST_LOADED"
	StrategySpecialized StrategyKind = "SPECIALIZED"
	StrategyRandom      StrategyKind = "RANDOM"
)

// StrategyKinds lists every known strategy in a stable order.
var StrategyKinds = []StrategyKind{StrategyRoundRobin, StrategyLeastLoaded, StrategySpecialized, StrategyRandom}

func (k StrategyKind) Valid() bool {
	for _, s := range StrategyKinds {
		if s == k {
			return true
		}
	}
	return false
}

const (
	MethodAuto      = "AUTO"
	MethodManual    = "MANUAL"
	MethodRuleBased = "RULE_BASED"
)

const (
	StatusActive     = "ACTIVE"
	StatusCompleted  = "COMPLETED"
	StatusReassigned = "REASSIGNED"
)

// MatchAll is the wildcard criterion value.
const MatchAll = "ALL"

type Handler struct {
	ID                   int64    `json:"id"`
	Name                 string   `json:"name"`
	Email                string   `json:"email,omitempty"`
	Role                 string   `json:"role"`
	IsActive             bool     `json:"is_active"`
	IsAvailable          bool     `json:"is_available"`
	MaxConcurrentCases   int      `json:"max_concurrent_cases"`
	CurrentCaseCount     int      `json:"current_case_count"`
	CarrierSpecialties   []string `json:"carrier_specialties"`
	IssueTypeSpecialties []string `json:"issue_type_specialties"`
	SuccessRate          float64  `json:"success_rate"`
	LastAssignedAt       *string  `json:"last_assigned_at,omitempty" format:"date-time"`
	TotalCasesHandled    int      `json:"total_cases_handled"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
	UpdatedAt            string   `json:"updated_at" format:"date-time"`
}

// Utilization returns the handler's load as a percentage of capacity.
func (h Handler) Utilization() float64 {
	if h.MaxConcurrentCases <= 0 {
		return 100
	}
	return float64(h.CurrentCaseCount) / float64(h.MaxConcurrentCases) * 100
}

// HasCapacity reports whether one more case fits under the handler's limit.
func (h Handler) HasCapacity() bool {
	return h.CurrentCaseCount < h.MaxConcurrentCases
}

type AssignmentRule struct {
	ID                int64        `json:"id"`
	Name              string       `json:"name"`
	Priority          int          `json:"priority"`
	IsActive          bool         `json:"is_active"`
	Carrier           *string      `json:"carrier,omitempty"`
	IssueType         *string      `json:"issue_type,omitempty"`
	PriorityLevel     *string      `json:"priority_level,omitempty"`
	AmountMin         *float64     `json:"amount_min,omitempty"`
	AmountMax         *float64     `json:"amount_max,omitempty"`
	Strategy          StrategyKind `json:"strategy" enum:"ROUND_ROBIN,LEAST_LOADED,SPECIALIZED,RANDOM"`
	AssignToRole      *string      `json:"assign_to_role,omitempty"`
	AssignToHandlerID *int64       `json:"assign_to_handler_id,omitempty"`
	AssignmentCount   int          `json:"assignment_count"`
	CreatedAt         string       `json:"created_at" format:"date-time"`
	UpdatedAt         string       `json:"updated_at" format:"date-time"`
}

type Assignment struct {
	ID             int64    `json:"id"`
	CaseID         int64    `json:"case_id"`
	AssignedTo     int64    `json:"assigned_to"`
	Method         string   `json:"assignment_method" enum:"AUTO,MANUAL,RULE_BASED"`
	RuleID         *int64   `json:"assignment_rule_id,omitempty"`
	AssignedBy     *int64   `json:"assigned_by,omitempty"`
	Status         string   `json:"status" enum:"ACTIVE,COMPLETED,REASSIGNED"`
	Score          *float64 `json:"score,omitempty"`
	Reasons        []string `json:"reasons,omitempty"`
	AssignedAt     string   `json:"assigned_at" format:"date-time"`
	CompletedAt    *string  `json:"completed_at,omitempty" format:"date-time"`
	TimeToComplete *int     `json:"time_to_complete,omitempty"`
}

type Case struct {
	ID                    int64   `json:"id"`
	Reference             string  `json:"reference,omitempty"`
	Carrier               string  `json:"carrier"`
	IssueType             string  `json:"issue_type"`
	Priority              string  `json:"priority"`
	ClaimedAmount         float64 `json:"claimed_amount"`
	AssignedTo            *int64  `json:"assigned_to,omitempty"`
	NeedsManualAssignment bool    `json:"needs_manual_assignment"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
	UpdatedAt             string  `json:"updated_at" format:"date-time"`
}

// CaseAttrs is the subset of a case the assignment engine reads.
type CaseAttrs struct {
	Carrier       string  `json:"carrier"`
	IssueType     string  `json:"issue_type"`
	Priority      string  `json:"priority"`
	ClaimedAmount float64 `json:"claimed_amount"`
}

func (c Case) Attrs() CaseAttrs {
	return CaseAttrs{
		Carrier:       c.Carrier,
		IssueType:     c.IssueType,
		Priority:      c.Priority,
		ClaimedAmount: c.ClaimedAmount,
	}
}

type HandlerWorkload struct {
	Handler
	Utilization       float64 `json:"utilization"`
	ActiveAssignments int     `json:"active_assignments"`
}

// LoadDrift reports a handler whose stored counter disagrees with its ACTIVE assignments.
type LoadDrift struct {
	HandlerID int64 `json:"handler_id"`
	Stored    int   `json:"stored"`
	Derived   int   `json:"derived"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    *int64 `json:"actor_id,omitempty"`
	Payload    string `json:"payload_json"`
}
