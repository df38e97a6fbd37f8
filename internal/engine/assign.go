package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"casedesk/internal/domain"
	"casedesk/internal/engine/strategy"
	"casedesk/internal/events"
	"casedesk/internal/repo"
)

const autoAssignAttempts = 2

func (e Engine) defaultStrategy() domain.StrategyKind {
	if e.Config != nil && e.Config.Assignment.DefaultStrategy.Valid() {
		return e.Config.Assignment.DefaultStrategy
	}
	return domain.StrategyLeastLoaded
}

// AutoAssign picks a handler for the case through the rule matcher and the
// selected strategy. It returns nil, and flags the case for manual
// assignment, when no handler is eligible.
func (e Engine) AutoAssign(ctx context.Context, caseID int64) (*int64, error) {
	c, err := e.getCase(ctx, nil, caseID)
	if err != nil {
		return nil, err
	}
	attrs := c.Attrs()
	rule, err := e.MatchRule(ctx, attrs)
	if err != nil {
		return nil, fmt.Errorf("match rule: %w", err)
	}
	kind := e.defaultStrategy()
	method := domain.MethodAuto
	var filter strategy.Filter
	var ruleID *int64
	if rule != nil {
		kind = rule.Strategy
		method = domain.MethodRuleBased
		filter = strategy.Filter{Role: rule.AssignToRole, HandlerID: rule.AssignToHandlerID}
		id := rule.ID
		ruleID = &id
	}
	logger := e.Logger.With().Int64("case_id", caseID).Str("strategy", string(kind)).Logger()

	for attempt := 1; attempt <= autoAssignAttempts; attempt++ {
		handlers, err := e.Repo.ListHandlers(ctx, repo.HandlerFilters{ActiveOnly: true})
		if err != nil {
			return nil, err
		}
		pick, ok, err := e.Strategies.Assign(kind, attrs, handlers, filter)
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		a, err := e.CreateAssignment(ctx, CreateOptions{
			CaseID:          caseID,
			HandlerID:       pick.Handler.ID,
			Method:          method,
			RuleID:          ruleID,
			EnforceCapacity: true,
			Score:           pick.Score,
			Reasons:         pick.Reasons,
		})
		if errors.Is(err, ErrCapacityExceeded) {
			logger.Debug().Int64("handler_id", pick.Handler.ID).Int("attempt", attempt).Msg("handler filled up before assignment, retrying")
			continue
		}
		if err != nil {
			return nil, err
		}
		logger.Info().Int64("handler_id", a.AssignedTo).Str("method", method).Msg("case assigned")
		handlerID := a.AssignedTo
		return &handlerID, nil
	}

	if err := e.markNeedsManual(ctx, caseID, kind, ruleID); err != nil {
		return nil, err
	}
	logger.Warn().Msg("no eligible handler, case needs manual assignment")
	return nil, nil
}

func (e Engine) markNeedsManual(ctx context.Context, caseID int64, kind domain.StrategyKind, ruleID *int64) error {
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.MarkNeedsManual(ctx, tx, caseID, e.nowString()); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return caseNotFound(caseID)
			}
			return err
		}
		payload := events.EventPayload{"strategy": kind, "reason": ErrNoEligibleHandler.Error()}
		if ruleID != nil {
			payload["rule_id"] = *ruleID
		}
		return e.appendEvent(ctx, tx, events.CaseNeedsManual, "case", caseID, nil, payload)
	})
}

// ManualAssign binds the case to handlerID on behalf of actorID. Capacity is
// advisory for operators and is not enforced here.
func (e Engine) ManualAssign(ctx context.Context, caseID, handlerID int64, actorID *int64) (domain.Assignment, error) {
	return e.CreateAssignment(ctx, CreateOptions{
		CaseID:     caseID,
		HandlerID:  handlerID,
		Method:     domain.MethodManual,
		AssignedBy: actorID,
	})
}

// Reassign moves the case to handlerID on behalf of actorID.
// expectedAssignmentID is the ACTIVE assignment the caller last saw. When nil,
// the assignment active at call time stands in for it. Either way a concurrent
// reassignment of the same case makes this call fail with ErrAssignmentConflict.
func (e Engine) Reassign(ctx context.Context, caseID, handlerID int64, expectedAssignmentID, actorID *int64) (Transfer, error) {
	expected := expectedAssignmentID
	if expected == nil {
		cur, err := e.Repo.GetActiveAssignment(ctx, nil, caseID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
		case err != nil:
			return Transfer{}, err
		default:
			expected = &cur.ID
		}
	}
	return e.ReassignCase(ctx, ReassignOptions{
		CaseID:               caseID,
		HandlerID:            handlerID,
		ActorID:              actorID,
		Method:               domain.MethodManual,
		ExpectedAssignmentID: expected,
	})
}
