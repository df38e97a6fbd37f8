package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"casedesk/internal/domain"
	"casedesk/internal/events"
	"casedesk/internal/repo"
)

// CreateOptions describe a new ACTIVE assignment.
type CreateOptions struct {
	CaseID     int64
	HandlerID  int64
	Method     string
	RuleID     *int64
	AssignedBy *int64
	// EnforceCapacity makes the counter increment fail with ErrCapacityExceeded
	// when the handler is already full.
	EnforceCapacity bool
	Score           *float64
	Reasons         []string
}

// ReassignOptions describe moving a case to another handler.
type ReassignOptions struct {
	CaseID    int64
	HandlerID int64
	ActorID   *int64
	Method    string
	// ExpectedAssignmentID, when set, must be the case's current ACTIVE
	// assignment or the move is rejected with ErrAssignmentConflict.
	ExpectedAssignmentID *int64
	EnforceCapacity      bool
}

// Transfer is the persisted outcome of a reassignment. From is nil when the
// case had no ACTIVE assignment.
type Transfer struct {
	Assignment domain.Assignment `json:"assignment"`
	From       *domain.Handler   `json:"from,omitempty"`
	To         domain.Handler    `json:"to"`
}

// CreateAssignment records a new ACTIVE assignment. A prior ACTIVE assignment
// for the case is closed as REASSIGNED in the same transaction.
func (e Engine) CreateAssignment(ctx context.Context, opts CreateOptions) (domain.Assignment, error) {
	var out domain.Assignment
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.getCase(ctx, tx, opts.CaseID); err != nil {
			return err
		}
		if _, err := e.getHandler(ctx, tx, opts.HandlerID); err != nil {
			return err
		}
		prev, err := e.Repo.GetActiveAssignment(ctx, tx, opts.CaseID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return err
		default:
			if _, err := e.closeActive(ctx, tx, prev); err != nil {
				return err
			}
		}
		a, _, err := e.insertActive(ctx, tx, opts)
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return domain.Assignment{}, err
	}
	return out, nil
}

// ReassignCase closes the case's ACTIVE assignment as REASSIGNED and opens a
// new one for opts.HandlerID. With no ACTIVE assignment it is a plain create.
func (e Engine) ReassignCase(ctx context.Context, opts ReassignOptions) (Transfer, error) {
	if opts.Method == "" {
		opts.Method = domain.MethodManual
	}
	var out Transfer
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.getCase(ctx, tx, opts.CaseID); err != nil {
			return err
		}
		if _, err := e.getHandler(ctx, tx, opts.HandlerID); err != nil {
			return err
		}
		cur, err := e.Repo.GetActiveAssignment(ctx, tx, opts.CaseID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			if opts.ExpectedAssignmentID != nil {
				return fmt.Errorf("%w: case %d has no active assignment", ErrAssignmentConflict, opts.CaseID)
			}
		case err != nil:
			return err
		default:
			if opts.ExpectedAssignmentID != nil && *opts.ExpectedAssignmentID != cur.ID {
				return fmt.Errorf("%w: case %d active assignment is %d, expected %d", ErrAssignmentConflict, opts.CaseID, cur.ID, *opts.ExpectedAssignmentID)
			}
			from, err := e.closeActive(ctx, tx, cur)
			if err != nil {
				return err
			}
			out.From = &from
		}
		a, to, err := e.insertActive(ctx, tx, CreateOptions{
			CaseID:          opts.CaseID,
			HandlerID:       opts.HandlerID,
			Method:          opts.Method,
			AssignedBy:      opts.ActorID,
			EnforceCapacity: opts.EnforceCapacity,
		})
		if err != nil {
			return err
		}
		out.Assignment = a
		out.To = to
		if out.From == nil {
			return nil
		}
		return e.appendEvent(ctx, tx, events.AssignmentReassigned, "case", opts.CaseID, opts.ActorID, events.EventPayload{
			"from_handler_id": out.From.ID,
			"to_handler_id":   to.ID,
			"assignment_id":   a.ID,
			"method":          opts.Method,
		})
	})
	if err != nil {
		return Transfer{}, err
	}
	return out, nil
}

// CompleteAssignment closes the case's ACTIVE assignment as COMPLETED. It
// reports false, with no error, when there was nothing to complete.
func (e Engine) CompleteAssignment(ctx context.Context, caseID int64) (bool, error) {
	completed := false
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := e.getCase(ctx, tx, caseID); err != nil {
			return err
		}
		cur, err := e.Repo.GetActiveAssignment(ctx, tx, caseID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		now := e.now().UTC()
		nowStr := now.Format(time.RFC3339)
		minutes := minutesSince(cur.AssignedAt, now)
		ok, err := e.Repo.CloseAssignment(ctx, tx, cur.ID, domain.StatusCompleted, &nowStr, &minutes)
		if err != nil {
			return fmt.Errorf("complete assignment: %w", err)
		}
		if !ok {
			return nil
		}
		if err := e.Repo.DecrementLoad(ctx, tx, cur.AssignedTo, nowStr, true); err != nil {
			return fmt.Errorf("release handler %d: %w", cur.AssignedTo, err)
		}
		completed = true
		return e.appendEvent(ctx, tx, events.AssignmentCompleted, "case", caseID, nil, events.EventPayload{
			"assignment_id":    cur.ID,
			"handler_id":       cur.AssignedTo,
			"time_to_complete": minutes,
		})
	})
	if err != nil {
		return false, err
	}
	return completed, nil
}

// closeActive marks cur REASSIGNED and releases its handler, returning the
// handler as persisted afterwards.
func (e Engine) closeActive(ctx context.Context, tx *sql.Tx, cur domain.Assignment) (domain.Handler, error) {
	now := e.nowString()
	ok, err := e.Repo.CloseAssignment(ctx, tx, cur.ID, domain.StatusReassigned, nil, nil)
	if err != nil {
		return domain.Handler{}, fmt.Errorf("close assignment %d: %w", cur.ID, err)
	}
	if !ok {
		return domain.Handler{}, fmt.Errorf("%w: assignment %d is no longer active", ErrAssignmentConflict, cur.ID)
	}
	if err := e.Repo.DecrementLoad(ctx, tx, cur.AssignedTo, now, false); err != nil {
		return domain.Handler{}, fmt.Errorf("release handler %d: %w", cur.AssignedTo, err)
	}
	return e.getHandler(ctx, tx, cur.AssignedTo)
}

// insertActive assumes the case has no ACTIVE assignment left.
func (e Engine) insertActive(ctx context.Context, tx *sql.Tx, opts CreateOptions) (domain.Assignment, domain.Handler, error) {
	if opts.Method == "" {
		opts.Method = domain.MethodAuto
	}
	now := e.nowString()
	if err := e.Repo.IncrementLoad(ctx, tx, opts.HandlerID, now, opts.EnforceCapacity); err != nil {
		if errors.Is(err, repo.ErrAtCapacity) {
			return domain.Assignment{}, domain.Handler{}, fmt.Errorf("%w: handler %d", ErrCapacityExceeded, opts.HandlerID)
		}
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Assignment{}, domain.Handler{}, handlerNotFound(opts.HandlerID)
		}
		return domain.Assignment{}, domain.Handler{}, fmt.Errorf("reserve handler %d: %w", opts.HandlerID, err)
	}
	a := domain.Assignment{
		CaseID:     opts.CaseID,
		AssignedTo: opts.HandlerID,
		Method:     opts.Method,
		RuleID:     opts.RuleID,
		AssignedBy: opts.AssignedBy,
		Status:     domain.StatusActive,
		Score:      opts.Score,
		Reasons:    opts.Reasons,
		AssignedAt: now,
	}
	id, err := e.Repo.InsertAssignment(ctx, tx, a)
	if err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.Assignment{}, domain.Handler{}, fmt.Errorf("%w: case %d already has an active assignment", ErrAssignmentConflict, opts.CaseID)
		}
		return domain.Assignment{}, domain.Handler{}, fmt.Errorf("insert assignment: %w", err)
	}
	a.ID = id
	handlerID := opts.HandlerID
	if err := e.Repo.SetCaseAssignee(ctx, tx, opts.CaseID, &handlerID, now); err != nil {
		return domain.Assignment{}, domain.Handler{}, fmt.Errorf("set case assignee: %w", err)
	}
	if opts.RuleID != nil {
		if err := e.Repo.IncrementRuleCount(ctx, tx, *opts.RuleID); err != nil {
			return domain.Assignment{}, domain.Handler{}, fmt.Errorf("count rule %d: %w", *opts.RuleID, err)
		}
	}
	payload := events.EventPayload{
		"assignment_id": id,
		"handler_id":    opts.HandlerID,
		"method":        opts.Method,
	}
	if opts.RuleID != nil {
		payload["rule_id"] = *opts.RuleID
	}
	if opts.Score != nil {
		payload["score"] = *opts.Score
		payload["reasons"] = opts.Reasons
	}
	if err := e.appendEvent(ctx, tx, events.AssignmentCreated, "case", opts.CaseID, opts.AssignedBy, payload); err != nil {
		return domain.Assignment{}, domain.Handler{}, err
	}
	h, err := e.getHandler(ctx, tx, opts.HandlerID)
	if err != nil {
		return domain.Assignment{}, domain.Handler{}, err
	}
	return a, h, nil
}

func minutesSince(assignedAt string, now time.Time) int {
	t, err := time.Parse(time.RFC3339, assignedAt)
	if err != nil {
		return 0
	}
	m := int(now.Sub(t).Minutes())
	if m < 0 {
		return 0
	}
	return m
}
