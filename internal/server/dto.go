package server

import (
	"encoding/json"

	"casedesk/internal/domain"
	"casedesk/internal/engine"
)

// Request payloads

type CreateHandlerRequest struct {
	Name                 string   `json:"name"`
	Email                string   `json:"email,omitempty"`
	Role                 string   `json:"role,omitempty"`
	IsActive             *bool    `json:"is_active,omitempty"`
	IsAvailable          *bool    `json:"is_available,omitempty"`
	MaxConcurrentCases   int      `json:"max_concurrent_cases" minimum:"0"`
	CarrierSpecialties   []string `json:"carrier_specialties,omitempty"`
	IssueTypeSpecialties []string `json:"issue_type_specialties,omitempty"`
	SuccessRate          *float64 `json:"success_rate,omitempty" minimum:"0" maximum:"100"`
}

type UpdateHandlerRequest struct {
	Name                 *string   `json:"name,omitempty"`
	Email                *string   `json:"email,omitempty"`
	Role                 *string   `json:"role,omitempty"`
	IsActive             *bool     `json:"is_active,omitempty"`
	IsAvailable          *bool     `json:"is_available,omitempty"`
	MaxConcurrentCases   *int      `json:"max_concurrent_cases,omitempty" minimum:"0"`
	CarrierSpecialties   *[]string `json:"carrier_specialties,omitempty"`
	IssueTypeSpecialties *[]string `json:"issue_type_specialties,omitempty"`
	SuccessRate          *float64  `json:"success_rate,omitempty" minimum:"0" maximum:"100"`
}

type CreateRuleRequest struct {
	Name              string   `json:"name"`
	Priority          int      `json:"priority,omitempty"`
	IsActive          *bool    `json:"is_active,omitempty"`
	Carrier           *string  `json:"carrier,omitempty"`
	IssueType         *string  `json:"issue_type,omitempty"`
	PriorityLevel     *string  `json:"priority_level,omitempty"`
	AmountMin         *float64 `json:"amount_min,omitempty"`
	AmountMax         *float64 `json:"amount_max,omitempty"`
	Strategy          string   `json:"strategy" enum:"ROUND_ROBIN,LEAST_LOADED,SPECIALIZED,RANDOM"`
	AssignToRole      *string  `json:"assign_to_role,omitempty"`
	AssignToHandlerID *int64   `json:"assign_to_handler_id,omitempty"`
}

type UpdateRuleRequest struct {
	IsActive bool `json:"is_active"`
}

type CreateCaseRequest struct {
	Reference     string  `json:"reference,omitempty"`
	Carrier       string  `json:"carrier"`
	IssueType     string  `json:"issue_type,omitempty"`
	Priority      string  `json:"priority,omitempty"`
	ClaimedAmount float64 `json:"claimed_amount,omitempty" minimum:"0"`
	// AutoAssign runs the assignment engine right after the case is stored.
	AutoAssign bool `json:"auto_assign,omitempty"`
}

type AssignRequest struct {
	HandlerID int64 `json:"handler_id"`
}

// ReassignRequest moves a case. ExpectedAssignmentID is the active assignment
// id the caller last read; a mismatch is answered with 409 assignment_conflict.
type ReassignRequest struct {
	HandlerID            int64  `json:"handler_id"`
	ExpectedAssignmentID *int64 `json:"expected_assignment_id,omitempty"`
}

// Response payloads

type CaseResponse struct {
	domain.Case
	ActiveAssignment *domain.Assignment `json:"active_assignment,omitempty"`
}

type AutoAssignResponse struct {
	CaseID                int64  `json:"case_id"`
	HandlerID             *int64 `json:"handler_id"`
	NeedsManualAssignment bool   `json:"needs_manual_assignment"`
}

type CompleteResponse struct {
	CaseID    int64 `json:"case_id"`
	Completed bool  `json:"completed"`
}

type BalanceResponse struct {
	RebalancedCount int           `json:"rebalanced_count"`
	Skipped         int           `json:"skipped"`
	Moves           []engine.Move `json:"moves"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    *int64         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func (r CreateHandlerRequest) toDomain() domain.Handler {
	h := domain.Handler{
		Name:                 r.Name,
		Email:                r.Email,
		Role:                 r.Role,
		IsActive:             true,
		IsAvailable:          true,
		MaxConcurrentCases:   r.MaxConcurrentCases,
		CarrierSpecialties:   r.CarrierSpecialties,
		IssueTypeSpecialties: r.IssueTypeSpecialties,
	}
	if r.IsActive != nil {
		h.IsActive = *r.IsActive
	}
	if r.IsAvailable != nil {
		h.IsAvailable = *r.IsAvailable
	}
	if r.SuccessRate != nil {
		h.SuccessRate = *r.SuccessRate
	}
	return h
}

func (r UpdateHandlerRequest) toUpdate() engine.HandlerUpdate {
	return engine.HandlerUpdate{
		Name:                 r.Name,
		Email:                r.Email,
		Role:                 r.Role,
		IsActive:             r.IsActive,
		IsAvailable:          r.IsAvailable,
		MaxConcurrentCases:   r.MaxConcurrentCases,
		CarrierSpecialties:   r.CarrierSpecialties,
		IssueTypeSpecialties: r.IssueTypeSpecialties,
		SuccessRate:          r.SuccessRate,
	}
}

func (r CreateRuleRequest) toDomain() domain.AssignmentRule {
	ru := domain.AssignmentRule{
		Name:              r.Name,
		Priority:          r.Priority,
		IsActive:          true,
		Carrier:           r.Carrier,
		IssueType:         r.IssueType,
		PriorityLevel:     r.PriorityLevel,
		AmountMin:         r.AmountMin,
		AmountMax:         r.AmountMax,
		Strategy:          domain.StrategyKind(r.Strategy),
		AssignToRole:      r.AssignToRole,
		AssignToHandlerID: r.AssignToHandlerID,
	}
	if r.IsActive != nil {
		ru.IsActive = *r.IsActive
	}
	return ru
}

func (r CreateCaseRequest) toDomain() domain.Case {
	return domain.Case{
		Reference:     r.Reference,
		Carrier:       r.Carrier,
		IssueType:     r.IssueType,
		Priority:      r.Priority,
		ClaimedAmount: r.ClaimedAmount,
	}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := map[string]any{}
	if evt.Payload != "" {
		_ = json.Unmarshal([]byte(evt.Payload), &payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}
