package repo

import (
	"context"
	"database/sql"

	"missioncontrol/internal/domain"
)

const ruleColumns = `id,name,rule_type,agent_id,work_type,priority,max_per_run,condition,description,active,created_by,created_at,updated_at`

func scanRule(row rowScanner) (domain.GovernanceRule, error) {
	var (
		g                                domain.GovernanceRule
		agent, workType, condition, desc sql.NullString
		maxPerRun                        sql.NullInt64
	)
	err := row.Scan(&g.ID, &g.Name, &g.RuleType, &agent, &workType, &g.Priority, &maxPerRun, &condition, &desc, &g.Active, &g.CreatedBy, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.AgentID = strPtr(agent)
	g.WorkType = strPtr(workType)
	g.MaxPerRun = amountPtr(maxPerRun)
	g.Condition = strPtr(condition)
	g.Description = strPtr(desc)
	return g, nil
}

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, g domain.GovernanceRule) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO governance_rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		g.ID, g.Name, g.RuleType, nullableStringPtr(g.AgentID), nullableStringPtr(g.WorkType), g.Priority, nullableAmount(g.MaxPerRun),
		nullableStringPtr(g.Condition), nullableStringPtr(g.Description), g.Active, g.CreatedBy, g.CreatedAt, g.UpdatedAt)
	return err
}

func (r Repo) GetRule(ctx context.Context, tx *sql.Tx, id string) (domain.GovernanceRule, error) {
	return scanRule(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+ruleColumns+` FROM governance_rules WHERE id=?`), id))
}

// ListRules returns rules in evaluation order.
func (r Repo) ListRules(ctx context.Context, tx *sql.Tx, activeOnly bool) ([]domain.GovernanceRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM governance_rules`
	var args []any
	if activeOnly {
		query += ` WHERE active=?`
		args = append(args, true)
	}
	query += ` ORDER BY priority ASC, id ASC`
	rows, err := r.on(tx).QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.GovernanceRule
	for rows.Next() {
		g, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) DeactivateRule(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE governance_rules SET active=?, updated_at=? WHERE id=?`), false, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
