package engine

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"casedesk/internal/domain"
	"casedesk/internal/events"
	"casedesk/internal/repo"
)

const (
	defaultOverloaded  = 90.0
	defaultUnderloaded = 50.0
	defaultBatchSize   = 5
)

type Move struct {
	CaseID       int64 `json:"case_id"`
	AssignmentID int64 `json:"assignment_id"`
	From         int64 `json:"from_handler_id"`
	To           int64 `json:"to_handler_id"`
}

type BalanceResult struct {
	RebalancedCount int    `json:"rebalanced_count"`
	Moves           []Move `json:"moves"`
	Skipped         int    `json:"skipped"`
}

func (e Engine) balancerLimits() (over, under float64, batch int) {
	over, under, batch = defaultOverloaded, defaultUnderloaded, defaultBatchSize
	if e.Config == nil {
		return
	}
	b := e.Config.Balancer
	if b.OverloadedThreshold > 0 {
		over = b.OverloadedThreshold
	}
	if b.UnderloadedThreshold > 0 {
		under = b.UnderloadedThreshold
	}
	if b.BatchSize > 0 {
		batch = b.BatchSize
	}
	return
}

// BalanceWorkload makes one bounded pass moving the oldest ACTIVE cases of
// overloaded handlers to the least utilized underloaded ones. A failed move
// is logged and skipped; the pass keeps going.
func (e Engine) BalanceWorkload(ctx context.Context) (BalanceResult, error) {
	overAt, underAt, batch := e.balancerLimits()
	handlers, err := e.Repo.ListHandlers(ctx, repo.HandlerFilters{ActiveOnly: true})
	if err != nil {
		return BalanceResult{}, err
	}
	var overloaded, underloaded []domain.Handler
	for _, h := range handlers {
		u := h.Utilization()
		switch {
		case u > overAt:
			overloaded = append(overloaded, h)
		case u < underAt && h.IsAvailable:
			underloaded = append(underloaded, h)
		}
	}
	res := BalanceResult{Moves: []Move{}}
	if len(overloaded) == 0 || len(underloaded) == 0 {
		return res, nil
	}
	sort.SliceStable(overloaded, func(i, j int) bool {
		return overloaded[i].Utilization() > overloaded[j].Utilization()
	})
	sortByUtilization(underloaded)

	for _, src := range overloaded {
		if len(underloaded) == 0 {
			break
		}
		log := e.Logger.With().Int64("from_handler_id", src.ID).Logger()
		batchRows, err := e.Repo.OldestActiveByHandler(ctx, src.ID, batch)
		if err != nil {
			log.Error().Err(err).Msg("balance: load assignments failed")
			res.Skipped++
			continue
		}
		for _, a := range batchRows {
			if len(underloaded) == 0 {
				break
			}
			target := underloaded[0]
			expected := a.ID
			tr, err := e.ReassignCase(ctx, ReassignOptions{
				CaseID:               a.CaseID,
				HandlerID:            target.ID,
				Method:               domain.MethodAuto,
				ExpectedAssignmentID: &expected,
				EnforceCapacity:      true,
			})
			if err != nil {
				log.Warn().Err(err).Int64("case_id", a.CaseID).Int64("to_handler_id", target.ID).Msg("balance: move skipped")
				res.Skipped++
				if errors.Is(err, ErrCapacityExceeded) || errors.Is(err, ErrHandlerNotFound) {
					underloaded = underloaded[1:]
				}
				continue
			}
			res.Moves = append(res.Moves, Move{CaseID: a.CaseID, AssignmentID: tr.Assignment.ID, From: src.ID, To: target.ID})
			underloaded[0] = tr.To
			if tr.To.Utilization() >= underAt {
				underloaded = underloaded[1:]
			}
			sortByUtilization(underloaded)
		}
	}
	res.RebalancedCount = len(res.Moves)
	if res.RebalancedCount == 0 {
		return res, nil
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		return e.appendEvent(ctx, tx, events.WorkloadBalanced, "workload", 0, nil, events.EventPayload{
			"rebalanced_count": res.RebalancedCount,
			"skipped":          res.Skipped,
			"moves":            res.Moves,
		})
	})
	if err != nil {
		return res, err
	}
	e.Logger.Info().Int("rebalanced", res.RebalancedCount).Int("skipped", res.Skipped).Msg("workload balanced")
	return res, nil
}

// sortByUtilization orders ascending by utilization, then id.
func sortByUtilization(hs []domain.Handler) {
	sort.SliceStable(hs, func(i, j int) bool {
		ui, uj := hs[i].Utilization(), hs[j].Utilization()
		if ui != uj {
			return ui < uj
		}
		return hs[i].ID < hs[j].ID
	})
}
