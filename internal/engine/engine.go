package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"casedesk/internal/config"
	"casedesk/internal/domain"
	"casedesk/internal/engine/strategy"
	"casedesk/internal/events"
	"casedesk/internal/repo"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Config     *config.Config
	Now        func() time.Time
	Logger     zerolog.Logger
	Strategies *strategy.Registry
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:         db,
		Repo:       repo.Repo{DB: db},
		Events:     events.Writer{DB: db},
		Config:     cfg,
		Now:        time.Now,
		Logger:     log.Logger,
		Strategies: strategy.Default(nil),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowString() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return e.Repo.InTx(ctx, fn)
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, typ, kind string, id int64, actorID *int64, payload events.EventPayload) error {
	w := e.Events
	w.Now = e.now
	entityID := ""
	if id > 0 {
		entityID = strconv.FormatInt(id, 10)
	}
	return w.Append(ctx, tx, typ, kind, entityID, actorID, payload)
}

func (e Engine) getCase(ctx context.Context, tx *sql.Tx, id int64) (domain.Case, error) {
	c, err := e.Repo.GetCase(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return c, caseNotFound(id)
	}
	return c, err
}

func (e Engine) getHandler(ctx context.Context, tx *sql.Tx, id int64) (domain.Handler, error) {
	h, err := e.Repo.GetHandler(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return h, handlerNotFound(id)
	}
	return h, err
}

func validateHandler(h domain.Handler) error {
	if strings.TrimSpace(h.Name) == "" {
		return ValidationError{Field: "name", Reason: "is required"}
	}
	if h.MaxConcurrentCases <= 0 {
		return ValidationError{Field: "max_concurrent_cases", Reason: "must be > 0"}
	}
	if h.SuccessRate < 0 || h.SuccessRate > 100 {
		return ValidationError{Field: "success_rate", Reason: "must be between 0 and 100"}
	}
	return nil
}

// CreateHandler adds a team member. Load counters always start at zero.
func (e Engine) CreateHandler(ctx context.Context, h domain.Handler, actorID *int64) (domain.Handler, error) {
	if err := validateHandler(h); err != nil {
		return domain.Handler{}, err
	}
	now := e.nowString()
	h.ID = 0
	h.CurrentCaseCount = 0
	h.TotalCasesHandled = 0
	h.LastAssignedAt = nil
	h.CreatedAt = now
	h.UpdatedAt = now
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		id, err := e.Repo.InsertHandler(ctx, tx, h)
		if err != nil {
			return fmt.Errorf("insert handler: %w", err)
		}
		h.ID = id
		return e.appendEvent(ctx, tx, events.HandlerCreated, "handler", id, actorID, events.EventPayload{
			"name": h.Name, "role": h.Role, "max_concurrent_cases": h.MaxConcurrentCases,
		})
	})
	if err != nil {
		return domain.Handler{}, err
	}
	return h, nil
}

// HandlerUpdate carries the directory fields to change. Nil fields are kept.
type HandlerUpdate struct {
	Name                 *string
	Email                *string
	Role                 *string
	IsActive             *bool
	IsAvailable          *bool
	MaxConcurrentCases   *int
	CarrierSpecialties   *[]string
	IssueTypeSpecialties *[]string
	SuccessRate          *float64
}

func (e Engine) UpdateHandler(ctx context.Context, id int64, upd HandlerUpdate, actorID *int64) (domain.Handler, error) {
	var out domain.Handler
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		h, err := e.getHandler(ctx, tx, id)
		if err != nil {
			return err
		}
		changed := []string{}
		if upd.Name != nil {
			h.Name = *upd.Name
			changed = append(changed, "name")
		}
		if upd.Email != nil {
			h.Email = *upd.Email
			changed = append(changed, "email")
		}
		if upd.Role != nil {
			h.Role = *upd.Role
			changed = append(changed, "role")
		}
		if upd.IsActive != nil {
			h.IsActive = *upd.IsActive
			changed = append(changed, "is_active")
		}
		if upd.IsAvailable != nil {
			h.IsAvailable = *upd.IsAvailable
			changed = append(changed, "is_available")
		}
		if upd.MaxConcurrentCases != nil {
			h.MaxConcurrentCases = *upd.MaxConcurrentCases
			changed = append(changed, "max_concurrent_cases")
		}
		if upd.CarrierSpecialties != nil {
			h.CarrierSpecialties = *upd.CarrierSpecialties
			changed = append(changed, "carrier_specialties")
		}
		if upd.IssueTypeSpecialties != nil {
			h.IssueTypeSpecialties = *upd.IssueTypeSpecialties
			changed = append(changed, "issue_type_specialties")
		}
		if upd.SuccessRate != nil {
			h.SuccessRate = *upd.SuccessRate
			changed = append(changed, "success_rate")
		}
		if err := validateHandler(h); err != nil {
			return err
		}
		h.UpdatedAt = e.nowString()
		if err := e.Repo.UpdateHandlerProfile(ctx, tx, h); err != nil {
			return fmt.Errorf("update handler: %w", err)
		}
		out = h
		return e.appendEvent(ctx, tx, events.HandlerUpdated, "handler", id, actorID, events.EventPayload{"fields": changed})
	})
	if err != nil {
		return domain.Handler{}, err
	}
	return out, nil
}

// CreateRule validates and stores an assignment rule.
func (e Engine) CreateRule(ctx context.Context, ru domain.AssignmentRule, actorID *int64) (domain.AssignmentRule, error) {
	if err := ValidateRule(ru); err != nil {
		return domain.AssignmentRule{}, err
	}
	now := e.nowString()
	ru.ID = 0
	ru.AssignmentCount = 0
	ru.CreatedAt = now
	ru.UpdatedAt = now
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if ru.AssignToHandlerID != nil {
			if _, err := e.getHandler(ctx, tx, *ru.AssignToHandlerID); err != nil {
				if errors.Is(err, ErrHandlerNotFound) {
					return InvalidRuleError{Field: "assign_to_handler_id", Reason: "does not reference a handler"}
				}
				return err
			}
		}
		id, err := e.Repo.InsertRule(ctx, tx, ru)
		if err != nil {
			return fmt.Errorf("insert rule: %w", err)
		}
		ru.ID = id
		return e.appendEvent(ctx, tx, events.RuleCreated, "rule", id, actorID, events.EventPayload{
			"name": ru.Name, "priority": ru.Priority, "strategy": ru.Strategy,
		})
	})
	if err != nil {
		return domain.AssignmentRule{}, err
	}
	return ru, nil
}

func (e Engine) SetRuleActive(ctx context.Context, id int64, active bool, actorID *int64) (domain.AssignmentRule, error) {
	var out domain.AssignmentRule
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.SetRuleActive(ctx, tx, id, active, e.nowString()); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return fmt.Errorf("%w: %d", ErrRuleNotFound, id)
			}
			return err
		}
		ru, err := e.Repo.GetRule(ctx, tx, id)
		if err != nil {
			return err
		}
		out = ru
		return e.appendEvent(ctx, tx, events.RuleToggled, "rule", id, actorID, events.EventPayload{"is_active": active})
	})
	return out, err
}

// CreateCase stores a case in the local case table.
func (e Engine) CreateCase(ctx context.Context, c domain.Case, actorID *int64) (domain.Case, error) {
	if strings.TrimSpace(c.Carrier) == "" {
		return domain.Case{}, ValidationError{Field: "carrier", Reason: "is required"}
	}
	if c.ClaimedAmount < 0 {
		return domain.Case{}, ValidationError{Field: "claimed_amount", Reason: "must be >= 0"}
	}
	now := e.nowString()
	c.ID = 0
	c.AssignedTo = nil
	c.NeedsManualAssignment = false
	c.CreatedAt = now
	c.UpdatedAt = now
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		id, err := e.Repo.InsertCase(ctx, tx, c)
		if err != nil {
			return fmt.Errorf("insert case: %w", err)
		}
		c.ID = id
		return e.appendEvent(ctx, tx, events.CaseCreated, "case", id, actorID, events.EventPayload{
			"carrier": c.Carrier, "issue_type": c.IssueType, "priority": c.Priority, "claimed_amount": c.ClaimedAmount,
		})
	})
	if err != nil {
		return domain.Case{}, err
	}
	return c, nil
}

// GetTeamWorkload returns every active handler with its utilization.
func (e Engine) GetTeamWorkload(ctx context.Context) ([]domain.HandlerWorkload, error) {
	handlers, err := e.Repo.ListHandlers(ctx, repo.HandlerFilters{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	counts, err := e.Repo.ActiveCounts(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]domain.HandlerWorkload, 0, len(handlers))
	for _, h := range handlers {
		res = append(res, domain.HandlerWorkload{
			Handler:           h,
			Utilization:       h.Utilization(),
			ActiveAssignments: counts[h.ID],
		})
	}
	return res, nil
}

// RecountLoads rewrites drifted handler counters from the assignment table and
// returns the drift it repaired.
func (e Engine) RecountLoads(ctx context.Context) ([]domain.LoadDrift, error) {
	var drift []domain.LoadDrift
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		drift, err = e.Repo.LoadDrift(ctx, tx)
		if err != nil {
			return err
		}
		if len(drift) == 0 {
			return nil
		}
		if _, err := e.Repo.RecountLoads(ctx, tx, e.nowString()); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, events.WorkloadRecounted, "workload", 0, nil, events.EventPayload{"handlers": len(drift)})
	})
	if err != nil {
		return nil, err
	}
	for _, d := range drift {
		e.Logger.Warn().Int64("handler_id", d.HandlerID).Int("stored", d.Stored).Int("derived", d.Derived).Msg("load counter repaired")
	}
	return drift, nil
}
