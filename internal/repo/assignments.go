package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"casedesk/internal/domain"
)

const assignmentColumns = `id,case_id,assigned_to,assignment_method,assignment_rule_id,assigned_by,status,score,reasons_json,assigned_at,completed_at,time_to_complete`

func scanAssignment(row rowScanner) (domain.Assignment, error) {
	var a domain.Assignment
	var ruleID, assignedBy, ttc sql.NullInt64
	var score sql.NullFloat64
	var reasons, completedAt sql.NullString
	err := row.Scan(&a.ID, &a.CaseID, &a.AssignedTo, &a.Method, &ruleID, &assignedBy, &a.Status, &score, &reasons, &a.AssignedAt, &completedAt, &ttc)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.RuleID = int64Ptr(ruleID)
	a.AssignedBy = int64Ptr(assignedBy)
	a.Score = floatPtr(score)
	a.CompletedAt = stringPtr(completedAt)
	if reasons.Valid && reasons.String != "" {
		_ = json.Unmarshal([]byte(reasons.String), &a.Reasons)
	}
	if ttc.Valid {
		v := int(ttc.Int64)
		a.TimeToComplete = &v
	}
	return a, nil
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) (int64, error) {
	var reasons any
	if len(a.Reasons) > 0 {
		b, err := json.Marshal(a.Reasons)
		if err != nil {
			return 0, err
		}
		reasons = string(b)
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO assignments(case_id,assigned_to,assignment_method,assignment_rule_id,assigned_by,status,score,reasons_json,assigned_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.CaseID, a.AssignedTo, a.Method, nullableInt64Ptr(a.RuleID), nullableInt64Ptr(a.AssignedBy), a.Status, nullableFloatPtr(a.Score), reasons, a.AssignedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetActiveAssignment returns the case's ACTIVE assignment or ErrNotFound.
func (r Repo) GetActiveAssignment(ctx context.Context, tx *sql.Tx, caseID int64) (domain.Assignment, error) {
	return scanAssignment(r.q(tx).QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE case_id=? AND status='ACTIVE'`, caseID))
}

// CloseAssignment moves an ACTIVE assignment to a terminal status. It reports
// false when the row was no longer ACTIVE.
func (r Repo) CloseAssignment(ctx context.Context, tx *sql.Tx, id int64, status string, completedAt *string, timeToComplete *int) (bool, error) {
	var ttc any
	if timeToComplete != nil {
		ttc = *timeToComplete
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE assignments SET status=?, completed_at=?, time_to_complete=? WHERE id=? AND status='ACTIVE'`,
		status, nullableStringPtr(completedAt), ttc, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type AssignmentFilters struct {
	CaseID    *int64
	HandlerID *int64
	Status    string
	Limit     int
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
	var clauses []string
	var args []any
	if f.CaseID != nil {
		clauses = append(clauses, "case_id=?")
		args = append(args, *f.CaseID)
	}
	if f.HandlerID != nil {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, *f.HandlerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + assignmentColumns + ` FROM assignments ` + where + ` ORDER BY assigned_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryAssignments(ctx, query, args...)
}

// OldestActiveByHandler returns up to limit ACTIVE assignments of a handler,
// oldest assigned first.
func (r Repo) OldestActiveByHandler(ctx context.Context, handlerID int64, limit int) ([]domain.Assignment, error) {
	return r.queryAssignments(ctx, `SELECT `+assignmentColumns+` FROM assignments WHERE assigned_to=? AND status='ACTIVE' ORDER BY assigned_at ASC, id ASC LIMIT ?`, handlerID, limit)
}

// ActiveCounts returns the number of ACTIVE assignments per handler.
func (r Repo) ActiveCounts(ctx context.Context) (map[int64]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT assigned_to, COUNT(*) FROM assignments WHERE status='ACTIVE' GROUP BY assigned_to`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[int64]int{}
	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		res[id] = n
	}
	return res, rows.Err()
}

func (r Repo) queryAssignments(ctx context.Context, query string, args ...any) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
