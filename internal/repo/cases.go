package repo

import (
	"context"
	"database/sql"
	"strings"

	"casedesk/internal/domain"
)

const caseColumns = `id,reference,carrier,issue_type,priority,claimed_amount,assigned_to,needs_manual_assignment,created_at,updated_at`

func scanCase(row rowScanner) (domain.Case, error) {
	var c domain.Case
	var ref sql.NullString
	var assigned sql.NullInt64
	err := row.Scan(&c.ID, &ref, &c.Carrier, &c.IssueType, &c.Priority, &c.ClaimedAmount, &assigned, &c.NeedsManualAssignment, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if ref.Valid {
		c.Reference = ref.String
	}
	c.AssignedTo = int64Ptr(assigned)
	return c, nil
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.Case) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO cases(reference,carrier,issue_type,priority,claimed_amount,assigned_to,needs_manual_assignment,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		nullable(c.Reference), c.Carrier, c.IssueType, c.Priority, c.ClaimedAmount, nullableInt64Ptr(c.AssignedTo), c.NeedsManualAssignment, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetCase(ctx context.Context, tx *sql.Tx, id int64) (domain.Case, error) {
	return scanCase(r.q(tx).QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

type CaseFilters struct {
	AssignedTo  *int64
	NeedsManual bool
	Unassigned  bool
	Limit       int
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	var clauses []string
	var args []any
	if f.AssignedTo != nil {
		clauses = append(clauses, "assigned_to=?")
		args = append(args, *f.AssignedTo)
	}
	if f.NeedsManual {
		clauses = append(clauses, "needs_manual_assignment=1")
	}
	if f.Unassigned {
		clauses = append(clauses, "assigned_to IS NULL")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseColumns + ` FROM cases ` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// SetCaseAssignee updates the denormalized assignee pointer and clears the
// manual-assignment flag when a handler is set.
func (r Repo) SetCaseAssignee(ctx context.Context, tx *sql.Tx, caseID int64, handlerID *int64, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE cases SET assigned_to=?, needs_manual_assignment=CASE WHEN ? IS NULL THEN needs_manual_assignment ELSE 0 END, updated_at=? WHERE id=?`,
		nullableInt64Ptr(handlerID), nullableInt64Ptr(handlerID), now, caseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkNeedsManual flags a case for operator attention.
func (r Repo) MarkNeedsManual(ctx context.Context, tx *sql.Tx, caseID int64, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE cases SET needs_manual_assignment=1, updated_at=? WHERE id=?`, now, caseID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
