package repo

import (
	"context"
	"database/sql"

	"casedesk/internal/domain"
)

const ruleColumns = `id,name,priority,is_active,carrier,issue_type,priority_level,amount_min,amount_max,strategy,assign_to_role,assign_to_handler_id,assignment_count,created_at,updated_at`

func scanRule(row rowScanner) (domain.AssignmentRule, error) {
	var ru domain.AssignmentRule
	var carrier, issueType, level, role sql.NullString
	var amountMin, amountMax sql.NullFloat64
	var target sql.NullInt64
	var strategy string
	err := row.Scan(&ru.ID, &ru.Name, &ru.Priority, &ru.IsActive, &carrier, &issueType, &level, &amountMin, &amountMax,
		&strategy, &role, &target, &ru.AssignmentCount, &ru.CreatedAt, &ru.UpdatedAt)
	if err == sql.ErrNoRows {
		return ru, ErrNotFound
	}
	if err != nil {
		return ru, err
	}
	ru.Strategy = domain.StrategyKind(strategy)
	ru.Carrier = stringPtr(carrier)
	ru.IssueType = stringPtr(issueType)
	ru.PriorityLevel = stringPtr(level)
	ru.AmountMin = floatPtr(amountMin)
	ru.AmountMax = floatPtr(amountMax)
	ru.AssignToRole = stringPtr(role)
	ru.AssignToHandlerID = int64Ptr(target)
	return ru, nil
}

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, ru domain.AssignmentRule) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO assignment_rules(name,priority,is_active,carrier,issue_type,priority_level,amount_min,amount_max,strategy,assign_to_role,assign_to_handler_id,assignment_count,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ru.Name, ru.Priority, ru.IsActive, nullableStringPtr(ru.Carrier), nullableStringPtr(ru.IssueType), nullableStringPtr(ru.PriorityLevel),
		nullableFloatPtr(ru.AmountMin), nullableFloatPtr(ru.AmountMax), string(ru.Strategy), nullableStringPtr(ru.AssignToRole),
		nullableInt64Ptr(ru.AssignToHandlerID), ru.AssignmentCount, ru.CreatedAt, ru.UpdatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetRule(ctx context.Context, tx *sql.Tx, id int64) (domain.AssignmentRule, error) {
	return scanRule(r.q(tx).QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM assignment_rules WHERE id=?`, id))
}

// ListRules returns rules in evaluation order: priority descending, then id.
func (r Repo) ListRules(ctx context.Context, activeOnly bool) ([]domain.AssignmentRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM assignment_rules`
	if activeOnly {
		query += ` WHERE is_active=1`
	}
	query += ` ORDER BY priority DESC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AssignmentRule
	for rows.Next() {
		ru, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ru)
	}
	return res, rows.Err()
}

func (r Repo) SetRuleActive(ctx context.Context, tx *sql.Tx, id int64, active bool, now string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE assignment_rules SET is_active=?, updated_at=? WHERE id=?`, active, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRuleCount records that a rule fired.
func (r Repo) IncrementRuleCount(ctx context.Context, tx *sql.Tx, id int64) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE assignment_rules SET assignment_count=assignment_count+1 WHERE id=?`, id)
	return err
}
