package repo

import (
	"context"
	"database/sql"

	"missioncontrol/internal/domain"
)

const estimateColumns = `id,work_order_id,model,tokenizer,prompt_chars,raw_input_tokens,input_tokens,output_tokens,total_tokens,
	max_output_tokens,expected_turns,max_turns,safety_margin,cost,worst_case_output_tokens,worst_case_cost,
	can_proceed,reasons,budget_status,daily_remaining,created_by,created_at`

func scanEstimate(row rowScanner) (domain.Estimate, error) {
	var (
		e       domain.Estimate
		reasons string
	)
	err := row.Scan(&e.ID, &e.WorkOrderID, &e.Model, &e.Tokenizer, &e.PromptChars, &e.RawInputTokens, &e.InputTokens, &e.OutputTokens, &e.TotalTokens,
		&e.MaxOutputTokens, &e.ExpectedTurns, &e.MaxTurns, &e.SafetyMargin, &e.Cost, &e.WorstCaseOutputTokens, &e.WorstCaseCost,
		&e.CanProceed, &reasons, &e.BudgetStatus, &e.DailyRemaining, &e.CreatedBy, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Reasons, err = decodeReasons(reasons)
	return e, err
}

// InsertEstimate stores an estimate. Estimates are never updated.
func (r Repo) InsertEstimate(ctx context.Context, tx *sql.Tx, e domain.Estimate) error {
	reasons, err := encodeReasons(e.Reasons)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, r.q(`INSERT INTO estimates(`+estimateColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		e.ID, e.WorkOrderID, e.Model, e.Tokenizer, e.PromptChars, e.RawInputTokens, e.InputTokens, e.OutputTokens, e.TotalTokens,
		e.MaxOutputTokens, e.ExpectedTurns, e.MaxTurns, e.SafetyMargin, e.Cost, e.WorstCaseOutputTokens, e.WorstCaseCost,
		e.CanProceed, reasons, e.BudgetStatus, e.DailyRemaining, e.CreatedBy, e.CreatedAt)
	return err
}

func (r Repo) GetEstimate(ctx context.Context, tx *sql.Tx, id string) (domain.Estimate, error) {
	return scanEstimate(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+estimateColumns+` FROM estimates WHERE id=?`), id))
}

// LatestEstimate returns the newest estimate for a work order.
func (r Repo) LatestEstimate(ctx context.Context, tx *sql.Tx, workOrderID string) (domain.Estimate, error) {
	return scanEstimate(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+estimateColumns+` FROM estimates
		WHERE work_order_id=? ORDER BY created_at DESC, id DESC LIMIT 1`), workOrderID))
}

// ListEstimates returns a work order's estimates, newest first.
func (r Repo) ListEstimates(ctx context.Context, workOrderID string) ([]domain.Estimate, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+estimateColumns+` FROM estimates
		WHERE work_order_id=? ORDER BY created_at DESC, id DESC`), workOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Estimate
	for rows.Next() {
		e, err := scanEstimate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
