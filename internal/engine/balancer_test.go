package engine_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casedesk/internal/domain"
	"casedesk/internal/repo"
)

func (env testEnv) totalLoad(t *testing.T) int {
	t.Helper()
	hs, err := env.Engine.Repo.ListHandlers(env.Ctx, repo.HandlerFilters{})
	require.NoError(t, err)
	sum := 0
	for _, h := range hs {
		sum += h.CurrentCaseCount
		assert.LessOrEqual(t, h.Utilization(), 100.0, "handler %d over capacity", h.ID)
	}
	return sum
}

func TestBalanceMovesOldestCasesToLeastUtilized(t *testing.T) {
	env := newTestEnv(t)
	busy := env.handler(t, "busy", 10)
	idle := env.handler(t, "idle", 10)
	half := env.handler(t, "some", 10)
	moved := env.fill(t, busy.ID, 10)
	env.fill(t, half.ID, 4)
	before := env.totalLoad(t)

	res, err := env.Engine.BalanceWorkload(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.RebalancedCount)
	assert.Zero(t, res.Skipped)
	for i, m := range res.Moves {
		assert.Equal(t, moved[i], m.CaseID, "oldest cases move first")
		assert.Equal(t, busy.ID, m.From)
		// idle stays the least utilized until it reaches 50%.
		assert.Equal(t, idle.ID, m.To)
	}
	assert.Equal(t, 5, env.getHandler(t, busy.ID).CurrentCaseCount)
	assert.Equal(t, 5, env.getHandler(t, idle.ID).CurrentCaseCount)
	assert.Equal(t, 4, env.getHandler(t, half.ID).CurrentCaseCount)
	assert.Equal(t, before, env.totalLoad(t))

	rows, err := env.Engine.Repo.ListAssignments(env.Ctx, repo.AssignmentFilters{CaseID: &moved[0]})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, r := range rows {
		if r.Status == domain.StatusActive {
			assert.Equal(t, domain.MethodAuto, r.Method)
		}
	}
	env.assertLedgerConsistent(t)
}

func TestBalanceStopsWhenTargetsFillUp(t *testing.T) {
	env := newTestEnv(t)
	over := env.handler(t, "over", 3)
	small := env.handler(t, "small", 2)
	env.fill(t, over.ID, 3)
	before := env.totalLoad(t)

	res, err := env.Engine.BalanceWorkload(env.Ctx)
	require.NoError(t, err)
	// One move takes small to 50%, which removes it from the target set.
	assert.Equal(t, 1, res.RebalancedCount)
	assert.Equal(t, 1, env.getHandler(t, small.ID).CurrentCaseCount)
	assert.Equal(t, before, env.totalLoad(t))
	env.assertLedgerConsistent(t)
}

func TestBalanceNoopWithoutBothSides(t *testing.T) {
	env := newTestEnv(t)
	a := env.handler(t, "a", 4)
	env.handler(t, "b", 4)
	env.fill(t, a.ID, 3)

	res, err := env.Engine.BalanceWorkload(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, res.RebalancedCount)
	assert.Empty(t, res.Moves)
}

func TestBalanceSkipsUnavailableTargets(t *testing.T) {
	env := newTestEnv(t)
	over := env.handler(t, "over", 2)
	env.handler(t, "away", 10, func(h *domain.Handler) { h.IsAvailable = false })
	env.fill(t, over.ID, 2)

	res, err := env.Engine.BalanceWorkload(env.Ctx)
	require.NoError(t, err)
	assert.Zero(t, res.RebalancedCount)
}

func TestBalanceSkipsFailedMoveAndContinues(t *testing.T) {
	env := newTestEnv(t)
	busy := env.handler(t, "busy", 10)
	idle := env.handler(t, "idle", 10)
	cases := env.fill(t, busy.ID, 10)

	// Simulate a concurrent writer holding the first case.
	_, err := env.Engine.DB.ExecContext(env.Ctx, fmt.Sprintf(`CREATE TRIGGER block_case BEFORE UPDATE ON assignments
WHEN OLD.case_id = %d BEGIN SELECT RAISE(ABORT, 'case locked'); END`, cases[0]))
	require.NoError(t, err)
	before := env.totalLoad(t)

	res, err := env.Engine.BalanceWorkload(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 4, res.RebalancedCount)
	for _, m := range res.Moves {
		assert.NotEqual(t, cases[0], m.CaseID)
		assert.Equal(t, idle.ID, m.To)
	}
	assert.Equal(t, 6, env.getHandler(t, busy.ID).CurrentCaseCount)
	assert.Equal(t, before, env.totalLoad(t))
	env.assertLedgerConsistent(t)
}
