package repo

import (
	"context"
	"database/sql"

	"missioncontrol/internal/domain"
)

const executionColumns = `id,work_order_id,estimate_id,agent_id,work_type,model,day,status,reserved_cost,estimated_tokens,estimated_cost,
	input_tokens,output_tokens,actual_cost,charged_cost,token_variance_pct,cost_variance_pct,billable,error,run_log_id,
	created_by,started_at,finished_at,duration_ms`

func scanExecution(row rowScanner) (domain.Execution, error) {
	var (
		x                         domain.Execution
		in, out, actual, duration sql.NullInt64
		tokenVar, costVar         sql.NullFloat64
		errText, runLog, finished sql.NullString
	)
	err := row.Scan(&x.ID, &x.WorkOrderID, &x.EstimateID, &x.AgentID, &x.WorkType, &x.Model, &x.Day, &x.Status, &x.ReservedCost, &x.EstimatedTokens, &x.EstimatedCost,
		&in, &out, &actual, &x.ChargedCost, &tokenVar, &costVar, &x.Billable, &errText, &runLog,
		&x.CreatedBy, &x.StartedAt, &finished, &duration)
	if err == sql.ErrNoRows {
		return x, ErrNotFound
	}
	if err != nil {
		return x, err
	}
	x.InputTokens = int64Ptr(in)
	x.OutputTokens = int64Ptr(out)
	x.ActualCost = amountPtr(actual)
	x.TokenVariancePct = floatPtr(tokenVar)
	x.CostVariancePct = floatPtr(costVar)
	x.Error = strPtr(errText)
	x.RunLogID = strPtr(runLog)
	x.FinishedAt = strPtr(finished)
	x.DurationMS = int64Ptr(duration)
	return x, nil
}

// InsertExecution records a dispatched execution holding a reservation.
func (r Repo) InsertExecution(ctx context.Context, tx *sql.Tx, x domain.Execution) error {
	_, err := r.on(tx).ExecContext(ctx, r.q(`INSERT INTO executions(id,work_order_id,estimate_id,agent_id,work_type,model,day,status,
		reserved_cost,estimated_tokens,estimated_cost,created_by,started_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		x.ID, x.WorkOrderID, x.EstimateID, x.AgentID, x.WorkType, x.Model, x.Day, x.Status,
		x.ReservedCost, x.EstimatedTokens, x.EstimatedCost, x.CreatedBy, x.StartedAt)
	return err
}

// FinishExecution writes the outcome of a dispatched execution. It only
// matches rows still dispatched, so an execution is finalised once.
func (r Repo) FinishExecution(ctx context.Context, tx *sql.Tx, x domain.Execution) error {
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE executions SET status=?,input_tokens=?,output_tokens=?,actual_cost=?,charged_cost=?,
		token_variance_pct=?,cost_variance_pct=?,billable=?,error=?,run_log_id=?,finished_at=?,duration_ms=?
		WHERE id=? AND status=?`),
		x.Status, nullableInt64(x.InputTokens), nullableInt64(x.OutputTokens), nullableAmount(x.ActualCost), x.ChargedCost,
		nullableFloat(x.TokenVariancePct), nullableFloat(x.CostVariancePct), x.Billable, nullableStringPtr(x.Error), nullableStringPtr(x.RunLogID),
		nullableStringPtr(x.FinishedAt), nullableInt64(x.DurationMS),
		x.ID, domain.ExecutionDispatched)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) GetExecution(ctx context.Context, tx *sql.Tx, id string) (domain.Execution, error) {
	return scanExecution(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+executionColumns+` FROM executions WHERE id=?`), id))
}

// ListExecutions returns a work order's executions, newest first.
func (r Repo) ListExecutions(ctx context.Context, workOrderID string) ([]domain.Execution, error) {
	return r.queryExecutions(ctx, r.DB, `SELECT `+executionColumns+` FROM executions
		WHERE work_order_id=? ORDER BY started_at DESC, id DESC`, workOrderID)
}

// ListDispatchedBefore returns executions still holding a reservation that
// started before the given timestamp.
func (r Repo) ListDispatchedBefore(ctx context.Context, before string) ([]domain.Execution, error) {
	return r.queryExecutions(ctx, r.DB, `SELECT `+executionColumns+` FROM executions
		WHERE status=? AND started_at < ? ORDER BY started_at ASC, id ASC`, domain.ExecutionDispatched, before)
}

func (r Repo) CountDispatched(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(*) FROM executions WHERE status=?`), domain.ExecutionDispatched).Scan(&n)
	return n, err
}

func (r Repo) queryExecutions(ctx context.Context, q querier, query string, args ...any) ([]domain.Execution, error) {
	rows, err := q.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Execution
	for rows.Next() {
		x, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, x)
	}
	return res, rows.Err()
}
