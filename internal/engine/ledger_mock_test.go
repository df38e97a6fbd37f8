package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casedesk/internal/config"
	"casedesk/internal/engine"
)

func newMockEngine(t *testing.T) (engine.Engine, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	eng.Logger = zerolog.Nop()
	return eng, mock
}

func caseRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "reference", "carrier", "issue_type", "priority", "claimed_amount", "assigned_to", "needs_manual_assignment", "created_at", "updated_at"}).
		AddRow(int64(1), nil, "FEDEX", "damage", "high", 250.0, nil, int64(0), "2024-05-01T10:00:00Z", "2024-05-01T10:00:00Z")
}

func handlerRow() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "email", "role", "is_active", "is_available", "max_concurrent_cases", "current_case_count",
		"carrier_specialties_json", "issue_type_specialties_json", "success_rate", "last_assigned_at", "total_cases_handled", "created_at", "updated_at"}).
		AddRow(int64(2), "alice", nil, "agent", int64(1), int64(1), int64(5), int64(1), `["FEDEX"]`, `[]`, 80.0, nil, int64(3), "2024-01-01T00:00:00Z", "2024-01-01T00:00:00Z")
}

func TestCreateAssignmentRollsBackOnCounterFailure(t *testing.T) {
	eng, mock := newMockEngine(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM cases WHERE id=\?`).WithArgs(int64(1)).WillReturnRows(caseRow())
	mock.ExpectQuery(`FROM handlers WHERE id=\?`).WithArgs(int64(2)).WillReturnRows(handlerRow())
	mock.ExpectQuery(`FROM assignments WHERE case_id=\? AND status='ACTIVE'`).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`UPDATE handlers SET current_case_count=current_case_count\+1`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(2)).
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	_, err := eng.CreateAssignment(context.Background(), engine.CreateOptions{CaseID: 1, HandlerID: 2, EnforceCapacity: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteAssignmentRollsBackOnEventFailure(t *testing.T) {
	eng, mock := newMockEngine(t)
	assignmentCols := []string{"id", "case_id", "assigned_to", "assignment_method", "assignment_rule_id", "assigned_by", "status", "score", "reasons_json", "assigned_at", "completed_at", "time_to_complete"}
	mock.ExpectBegin()
	mock.ExpectQuery(`FROM cases WHERE id=\?`).WithArgs(int64(1)).WillReturnRows(caseRow())
	mock.ExpectQuery(`FROM assignments WHERE case_id=\? AND status='ACTIVE'`).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(assignmentCols).
			AddRow(int64(9), int64(1), int64(2), "AUTO", nil, nil, "ACTIVE", nil, nil, "2024-05-01T11:00:00Z", nil, nil))
	mock.ExpectExec(`UPDATE assignments SET status=\?`).
		WithArgs("COMPLETED", "2024-05-01T12:00:00Z", 60, int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`total_cases_handled=total_cases_handled\+1`).
		WithArgs("2024-05-01T12:00:00Z", int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO events`).WillReturnError(errors.New("database is locked"))
	mock.ExpectRollback()

	done, err := eng.CompleteAssignment(context.Background(), 1)
	require.Error(t, err)
	assert.False(t, done)
	assert.NoError(t, mock.ExpectationsWereMet())
}
