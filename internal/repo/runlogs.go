package repo

import (
	"context"
	"database/sql"
	"strings"

	"missioncontrol/internal/domain"
	"missioncontrol/internal/money"
)

const runLogColumns = `id,execution_id,work_order_id,agent_id,work_type,model,status,prompt,input_json,output_text,snapshot_digest,
	input_tokens,output_tokens,estimated_cost,actual_cost,token_variance_pct,cost_variance_pct,duration_ms,error,
	requires_human_review,review_status,reviewed_by,reviewed_at,review_notes,modified_output,created_at`

func scanRunLog(row rowScanner) (domain.RunLog, error) {
	var (
		l                                                domain.RunLog
		output, errText, status, by, at, notes, modified sql.NullString
		tokenVar, costVar                                sql.NullFloat64
	)
	err := row.Scan(&l.ID, &l.ExecutionID, &l.WorkOrderID, &l.AgentID, &l.WorkType, &l.Model, &l.Status, &l.Prompt, &l.InputJSON, &output, &l.SnapshotDigest,
		&l.InputTokens, &l.OutputTokens, &l.EstimatedCost, &l.ActualCost, &tokenVar, &costVar, &l.DurationMS, &errText,
		&l.RequiresHumanReview, &status, &by, &at, &notes, &modified, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	l.OutputText = strPtr(output)
	l.TokenVariancePct = floatPtr(tokenVar)
	l.CostVariancePct = floatPtr(costVar)
	l.Error = strPtr(errText)
	l.ReviewStatus = strPtr(status)
	l.ReviewedBy = strPtr(by)
	l.ReviewedAt = strPtr(at)
	l.ReviewNotes = strPtr(notes)
	l.ModifiedOutput = strPtr(modified)
	return l, nil
}

// InsertRunLog appends an audit entry.
func (r Repo) InsertRunLog(ctx context.Context, tx *sql.Tx, l domain.RunLog) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO run_logs(id,execution_id,work_order_id,agent_id,work_type,model,status,prompt,input_json,
		output_text,snapshot_digest,input_tokens,output_tokens,estimated_cost,actual_cost,token_variance_pct,cost_variance_pct,duration_ms,error,
		requires_human_review,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		l.ID, l.ExecutionID, l.WorkOrderID, l.AgentID, l.WorkType, l.Model, l.Status, l.Prompt, l.InputJSON,
		nullableStringPtr(l.OutputText), l.SnapshotDigest, l.InputTokens, l.OutputTokens, l.EstimatedCost, l.ActualCost,
		nullableFloat(l.TokenVariancePct), nullableFloat(l.CostVariancePct), l.DurationMS, nullableStringPtr(l.Error),
		l.RequiresHumanReview, l.CreatedAt)
	return err
}

func (r Repo) GetRunLog(ctx context.Context, tx *sql.Tx, id string) (domain.RunLog, error) {
	return scanRunLog(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+runLogColumns+` FROM run_logs WHERE id=?`), id))
}

// ReviewRunLog sets the reviewer fields once. A second review returns ErrConflict.
func (r Repo) ReviewRunLog(ctx context.Context, tx *sql.Tx, id, status, reviewer, notes string, modified *string, at string) error {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE run_logs SET review_status=?,reviewed_by=?,reviewed_at=?,review_notes=?,modified_output=?
		WHERE id=? AND review_status IS NULL`),
		status, reviewer, at, nullable(notes), nullableStringPtr(modified), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := r.GetRunLog(ctx, tx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

type RunLogFilters struct {
	AgentID         string
	WorkOrderID     string
	Status          string
	ReviewStatus    string
	NeedsReview     *bool
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (f RunLogFilters) where() ([]string, []any) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		where = append(where, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.WorkOrderID != "" {
		where = append(where, "work_order_id=?")
		args = append(args, f.WorkOrderID)
	}
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	switch f.ReviewStatus {
	case "":
	case "pending":
		where = append(where, "review_status IS NULL")
	default:
		where = append(where, "review_status=?")
		args = append(args, f.ReviewStatus)
	}
	if f.NeedsReview != nil {
		where = append(where, "requires_human_review=?")
		args = append(args, *f.NeedsReview)
	}
	return where, args
}

func (r Repo) ListRunLogs(ctx context.Context, f RunLogFilters) ([]domain.RunLog, error) {
	where, args := f.where()
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + runLogColumns + ` FROM run_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunLog
	for rows.Next() {
		l, err := scanRunLog(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// RunLogStats aggregates over the run logs matching f. Cursor and limit are ignored.
func (r Repo) RunLogStats(ctx context.Context, f RunLogFilters) (domain.RunLogStats, error) {
	where, args := f.where()
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	stats := domain.RunLogStats{ByStatus: map[string]int64{}}
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT status, COUNT(*) FROM run_logs`+clause+` GROUP BY status`), args...)
	if err != nil {
		return stats, err
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return stats, err
		}
		stats.ByStatus[status] = n
		stats.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}
	var (
		avg    sql.NullFloat64
		tokens sql.NullInt64
		cost   money.Amount
	)
	err = r.DB.QueryRowContext(ctx, r.q(`SELECT AVG(duration_ms), SUM(input_tokens + output_tokens), COALESCE(SUM(actual_cost), 0) FROM run_logs`+clause), args...).
		Scan(&avg, &tokens, &cost)
	if err != nil {
		return stats, err
	}
	stats.AvgDurationMS = avg.Float64
	stats.TotalTokens = tokens.Int64
	stats.TotalCost = cost
	pendingWhere := append(append([]string{}, where...), "requires_human_review=?", "review_status IS NULL")
	pendingArgs := append(append([]any{}, args...), true)
	err = r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM run_logs WHERE `+strings.Join(pendingWhere, " AND ")), pendingArgs...).Scan(&stats.PendingReviews)
	return stats, err
}
