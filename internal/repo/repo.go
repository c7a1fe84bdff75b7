package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"missioncontrol/internal/db"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/money"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("concurrent modification")
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// on returns tx when set. SQLite runs behind a single connection, so reads
// made while a transaction is open must go through it.
func (r Repo) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

// TimeFormat is fixed width so that stored timestamps sort as text.
const TimeFormat = "2006-01-02T15:04:05.000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// NextWorkOrderNumber allocates WO-YYYY-NNNNN from the per-year sequence.
func (r Repo) NextWorkOrderNumber(ctx context.Context, tx *sql.Tx, year int) (string, error) {
	var n int64
	err := tx.QueryRowContext(ctx, r.q(`INSERT INTO work_order_sequences(year, last) VALUES (?, 1)
		ON CONFLICT(year) DO UPDATE SET last = work_order_sequences.last + 1
		RETURNING last`), year).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("allocate work order number: %w", err)
	}
	return fmt.Sprintf("WO-%04d-%05d", year, n), nil
}

const workOrderColumns = `id,number,agent_id,work_type,title,status,input_json,context_snippet,model,
	requested_cost_cap,cost_cap,estimated_input_tokens,estimated_output_tokens,estimated_cost,worst_case_cost,
	latest_estimate_id,actual_input_tokens,actual_output_tokens,actual_cost,blocking_reasons,approval_required_reason,
	approved_by,approved_at,approval_notes,error,retry_of,attempt,created_by,version,created_at,updated_at,completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkOrder(row rowScanner) (domain.WorkOrder, error) {
	var (
		w                                       domain.WorkOrder
		model, latestEst, approvalReason        sql.NullString
		approvedBy, approvedAt, notes, errText  sql.NullString
		retryOf, completedAt                    sql.NullString
		reqCap, costCap, estIn, estOut, estCost sql.NullInt64
		worstCost, actIn, actOut, actCost       sql.NullInt64
		reasons                                 string
	)
	err := row.Scan(&w.ID, &w.Number, &w.AgentID, &w.WorkType, &w.Title, &w.Status, &w.InputJSON, &w.ContextSnippet, &model,
		&reqCap, &costCap, &estIn, &estOut, &estCost, &worstCost,
		&latestEst, &actIn, &actOut, &actCost, &reasons, &approvalReason,
		&approvedBy, &approvedAt, &notes, &errText, &retryOf, &w.Attempt, &w.CreatedBy, &w.Version, &w.CreatedAt, &w.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Model = strPtr(model)
	w.RequestedCostCap = amountPtr(reqCap)
	w.CostCap = amountPtr(costCap)
	w.EstimatedInputTokens = int64Ptr(estIn)
	w.EstimatedOutputTokens = int64Ptr(estOut)
	w.EstimatedCost = amountPtr(estCost)
	w.WorstCaseCost = amountPtr(worstCost)
	w.LatestEstimateID = strPtr(latestEst)
	w.ActualInputTokens = int64Ptr(actIn)
	w.ActualOutputTokens = int64Ptr(actOut)
	w.ActualCost = amountPtr(actCost)
	w.ApprovalRequiredReason = strPtr(approvalReason)
	w.ApprovedBy = strPtr(approvedBy)
	w.ApprovedAt = strPtr(approvedAt)
	w.ApprovalNotes = strPtr(notes)
	w.Error = strPtr(errText)
	w.RetryOf = strPtr(retryOf)
	w.CompletedAt = strPtr(completedAt)
	w.BlockingReasons, err = decodeReasons(reasons)
	return w, err
}

func (r Repo) InsertWorkOrder(ctx context.Context, tx *sql.Tx, w domain.WorkOrder) error {
	reasons, err := encodeReasons(w.BlockingReasons)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, r.q(`INSERT INTO work_orders(id,number,agent_id,work_type,title,status,input_json,context_snippet,
		requested_cost_cap,blocking_reasons,retry_of,attempt,created_by,version,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
		w.ID, w.Number, w.AgentID, w.WorkType, w.Title, w.Status, w.InputJSON, w.ContextSnippet,
		nullableAmount(w.RequestedCostCap), reasons, nullableStringPtr(w.RetryOf), w.Attempt, w.CreatedBy, w.Version, w.CreatedAt, w.UpdatedAt)
	return err
}

func (r Repo) GetWorkOrder(ctx context.Context, tx *sql.Tx, id string) (domain.WorkOrder, error) {
	return scanWorkOrder(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+workOrderColumns+` FROM work_orders WHERE id=? OR number=?`), id, id))
}

// UpdateWorkOrder writes every mutable column if the stored version still
// matches w.Version, then bumps w.Version. A lost race returns ErrConflict.
func (r Repo) UpdateWorkOrder(ctx context.Context, tx *sql.Tx, w *domain.WorkOrder) error {
	reasons, err := encodeReasons(w.BlockingReasons)
	if err != nil {
		return err
	}
	res, err := r.on(tx).ExecContext(ctx, r.q(`UPDATE work_orders SET status=?,model=?,cost_cap=?,
		estimated_input_tokens=?,estimated_output_tokens=?,estimated_cost=?,worst_case_cost=?,latest_estimate_id=?,
		actual_input_tokens=?,actual_output_tokens=?,actual_cost=?,blocking_reasons=?,approval_required_reason=?,
		approved_by=?,approved_at=?,approval_notes=?,error=?,updated_at=?,completed_at=?,version=version+1
		WHERE id=? AND version=?`),
		w.Status, nullableStringPtr(w.Model), nullableAmount(w.CostCap),
		nullableInt64(w.EstimatedInputTokens), nullableInt64(w.EstimatedOutputTokens), nullableAmount(w.EstimatedCost), nullableAmount(w.WorstCaseCost), nullableStringPtr(w.LatestEstimateID),
		nullableInt64(w.ActualInputTokens), nullableInt64(w.ActualOutputTokens), nullableAmount(w.ActualCost), reasons, nullableStringPtr(w.ApprovalRequiredReason),
		nullableStringPtr(w.ApprovedBy), nullableStringPtr(w.ApprovedAt), nullableStringPtr(w.ApprovalNotes), nullableStringPtr(w.Error), w.UpdatedAt, nullableStringPtr(w.CompletedAt),
		w.ID, w.Version)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := r.GetWorkOrder(ctx, tx, w.ID); errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	w.Version++
	return nil
}

type WorkOrderFilters struct {
	Status          string
	AgentID         string
	WorkType        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListWorkOrders(ctx context.Context, f WorkOrderFilters) ([]domain.WorkOrder, error) {
	query := `SELECT ` + workOrderColumns + ` FROM work_orders`
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status=?")
		args = append(args, f.Status)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.WorkType != "" {
		where = append(where, "work_type=?")
		args = append(args, f.WorkType)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		where = append(where, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
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
	var res []domain.WorkOrder
	for rows.Next() {
		w, err := scanWorkOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) CountWorkOrdersByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func encodeReasons(reasons []domain.Reason) (string, error) {
	if reasons == nil {
		reasons = []domain.Reason{}
	}
	data, err := json.Marshal(reasons)
	if err != nil {
		return "", fmt.Errorf("encode reasons: %w", err)
	}
	return string(data), nil
}

func decodeReasons(s string) ([]domain.Reason, error) {
	reasons := []domain.Reason{}
	if strings.TrimSpace(s) == "" {
		return reasons, nil
	}
	if err := json.Unmarshal([]byte(s), &reasons); err != nil {
		return nil, fmt.Errorf("decode reasons: %w", err)
	}
	return reasons, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableAmount(v *money.Amount) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func strPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func amountPtr(v sql.NullInt64) *money.Amount {
	if !v.Valid {
		return nil
	}
	a := money.Amount(v.Int64)
	return &a
}
