package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"casedesk/internal/domain"
)

const handlerColumns = `id,name,email,role,is_active,is_available,max_concurrent_cases,current_case_count,carrier_specialties_json,issue_type_specialties_json,success_rate,last_assigned_at,total_cases_handled,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHandler(row rowScanner) (domain.Handler, error) {
	var h domain.Handler
	var email, carriers, issues, lastAssigned sql.NullString
	err := row.Scan(&h.ID, &h.Name, &email, &h.Role, &h.IsActive, &h.IsAvailable, &h.MaxConcurrentCases, &h.CurrentCaseCount,
		&carriers, &issues, &h.SuccessRate, &lastAssigned, &h.TotalCasesHandled, &h.CreatedAt, &h.UpdatedAt)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	if email.Valid {
		h.Email = email.String
	}
	h.CarrierSpecialties = unmarshalStrings(carriers)
	h.IssueTypeSpecialties = unmarshalStrings(issues)
	h.LastAssignedAt = stringPtr(lastAssigned)
	return h, nil
}

func (r Repo) InsertHandler(ctx context.Context, tx *sql.Tx, h domain.Handler) (int64, error) {
	carriers, err := marshalStrings(h.CarrierSpecialties)
	if err != nil {
		return 0, err
	}
	issues, err := marshalStrings(h.IssueTypeSpecialties)
	if err != nil {
		return 0, err
	}
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO handlers(name,email,role,is_active,is_available,max_concurrent_cases,current_case_count,carrier_specialties_json,issue_type_specialties_json,success_rate,last_assigned_at,total_cases_handled,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		h.Name, nullable(h.Email), h.Role, h.IsActive, h.IsAvailable, h.MaxConcurrentCases, h.CurrentCaseCount,
		carriers, issues, h.SuccessRate, nullableStringPtr(h.LastAssignedAt), h.TotalCasesHandled, h.CreatedAt, h.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetHandler(ctx context.Context, tx *sql.Tx, id int64) (domain.Handler, error) {
	return scanHandler(r.q(tx).QueryRowContext(ctx, `SELECT `+handlerColumns+` FROM handlers WHERE id=?`, id))
}

type HandlerFilters struct {
	ActiveOnly bool
	Role       string
}

func (r Repo) ListHandlers(ctx context.Context, f HandlerFilters) ([]domain.Handler, error) {
	return r.ListHandlersTx(ctx, nil, f)
}

// ListHandlersTx returns handlers ordered by id, which is the stable input
// order the selection strategies break ties on.
func (r Repo) ListHandlersTx(ctx context.Context, tx *sql.Tx, f HandlerFilters) ([]domain.Handler, error) {
	var clauses []string
	var args []any
	if f.ActiveOnly {
		clauses = append(clauses, "is_active=1")
	}
	if f.Role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, f.Role)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+handlerColumns+` FROM handlers `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Handler
	for rows.Next() {
		h, err := scanHandler(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// UpdateHandlerProfile writes the directory fields of a handler. Load counters
// are owned by the ledger and never written here.
func (r Repo) UpdateHandlerProfile(ctx context.Context, tx *sql.Tx, h domain.Handler) error {
	carriers, err := marshalStrings(h.CarrierSpecialties)
	if err != nil {
		return err
	}
	issues, err := marshalStrings(h.IssueTypeSpecialties)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE handlers SET name=?, email=?, role=?, is_active=?, is_available=?, max_concurrent_cases=?, carrier_specialties_json=?, issue_type_specialties_json=?, success_rate=?, updated_at=? WHERE id=?`,
		h.Name, nullable(h.Email), h.Role, h.IsActive, h.IsAvailable, h.MaxConcurrentCases, carriers, issues, h.SuccessRate, h.UpdatedAt, h.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementLoad atomically adds one case to the handler's counter and stamps
// last_assigned_at. With enforceCapacity the update only applies while the
// handler is below its limit; a miss on an existing handler yields ErrAtCapacity.
func (r Repo) IncrementLoad(ctx context.Context, tx *sql.Tx, handlerID int64, now string, enforceCapacity bool) error {
	query := `UPDATE handlers SET current_case_count=current_case_count+1, last_assigned_at=?, updated_at=? WHERE id=?`
	if enforceCapacity {
		query += ` AND current_case_count < max_concurrent_cases`
	}
	res, err := r.q(tx).ExecContext(ctx, query, now, now, handlerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetHandler(ctx, tx, handlerID); err != nil {
			return err
		}
		return ErrAtCapacity
	}
	return nil
}

// DecrementLoad atomically removes one case from the handler's counter,
// flooring at zero. completed also bumps total_cases_handled.
func (r Repo) DecrementLoad(ctx context.Context, tx *sql.Tx, handlerID int64, now string, completed bool) error {
	query := `UPDATE handlers SET current_case_count=MAX(current_case_count-1,0), updated_at=? WHERE id=?`
	if completed {
		query = `UPDATE handlers SET current_case_count=MAX(current_case_count-1,0), total_cases_handled=total_cases_handled+1, updated_at=? WHERE id=?`
	}
	res, err := r.q(tx).ExecContext(ctx, query, now, handlerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadDrift lists handlers whose stored counter differs from the number of
// ACTIVE assignments pointing at them.
func (r Repo) LoadDrift(ctx context.Context, tx *sql.Tx) ([]domain.LoadDrift, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT h.id, h.current_case_count, COUNT(a.id)
FROM handlers h
LEFT JOIN assignments a ON a.assigned_to=h.id AND a.status='ACTIVE'
GROUP BY h.id, h.current_case_count
HAVING h.current_case_count != COUNT(a.id)
ORDER BY h.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LoadDrift
	for rows.Next() {
		var d domain.LoadDrift
		if err := rows.Scan(&d.HandlerID, &d.Stored, &d.Derived); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

// RecountLoads rewrites every handler counter from the assignment table.
func (r Repo) RecountLoads(ctx context.Context, tx *sql.Tx, now string) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE handlers SET current_case_count=(
	SELECT COUNT(*) FROM assignments a WHERE a.assigned_to=handlers.id AND a.status='ACTIVE'
), updated_at=?
WHERE current_case_count != (
	SELECT COUNT(*) FROM assignments a WHERE a.assigned_to=handlers.id AND a.status='ACTIVE'
)`, now)
	if err != nil {
		return 0, fmt.Errorf("recount loads: %w", err)
	}
	return res.RowsAffected()
}
