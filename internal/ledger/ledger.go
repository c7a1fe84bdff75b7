// Package ledger owns the per-day budget aggregate. Admission is a single
// conditional UPDATE, so concurrent executions can never reserve more than
// the daily cap between them.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"missioncontrol/internal/db"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/estimator"
	"missioncontrol/internal/money"
)

var ErrDayNotOpen = errors.New("budget day not opened")

// Ledger is the budget store used by the engine. Methods taking a *sql.Tx run
// inside the caller's transaction; a nil tx uses the database directly.
type Ledger interface {
	EnsureDay(ctx context.Context, tx *sql.Tx, day string, limit money.Amount, threshold float64) error
	TryReserve(ctx context.Context, tx *sql.Tx, day string, amount money.Amount) (bool, error)
	Settle(ctx context.Context, tx *sql.Tx, day string, reserved, charged money.Amount) error
	Get(ctx context.Context, tx *sql.Tx, day string) (domain.DailyBudget, error)
	SpendToday(ctx context.Context, tx *sql.Tx, day string) (money.Amount, error)
	SpendTodayByAgent(ctx context.Context, tx *sql.Tx, day, agentID string) (money.Amount, error)
	SpendByWorkType(ctx context.Context, day string) ([]domain.WorkTypeSpend, error)
	TopAgents(ctx context.Context, day string, limit int) ([]domain.AgentSpend, error)
	History(ctx context.Context, until string, days int) ([]domain.DailyBudget, error)
}

// SQL implements Ledger on the daily_budgets and executions tables.
type SQL struct {
	DB      *sql.DB
	Dialect db.Dialect
	Now     func() time.Time
}

func New(conn *sql.DB, dialect db.Dialect) *SQL {
	return &SQL{DB: conn, Dialect: dialect, Now: time.Now}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQL) on(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return s.DB
}

func (s *SQL) now() string {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	return now().UTC().Format("2006-01-02T15:04:05.000000Z")
}

// EnsureDay opens the aggregate for day. An existing row keeps its spend and
// picks up the configured cap and threshold.
func (s *SQL) EnsureDay(ctx context.Context, tx *sql.Tx, day string, limit money.Amount, threshold float64) error {
	_, err := s.on(tx).ExecContext(ctx, s.Dialect.Rebind(`INSERT INTO daily_budgets(day, daily_cap, warning_threshold, actual, reserved, execution_count, updated_at)
		VALUES (?,?,?,0,0,0,?)
		ON CONFLICT(day) DO UPDATE SET daily_cap=excluded.daily_cap, warning_threshold=excluded.warning_threshold`),
		day, limit, threshold, s.now())
	if err != nil {
		return fmt.Errorf("open budget day %s: %w", day, err)
	}
	return nil
}

// TryReserve holds amount against the day's cap. It reports false, without
// changing anything, when actual + reserved + amount would exceed the cap.
func (s *SQL) TryReserve(ctx context.Context, tx *sql.Tx, day string, amount money.Amount) (bool, error) {
	if amount < 0 {
		return false, fmt.Errorf("negative reservation %s", amount)
	}
	res, err := s.on(tx).ExecContext(ctx, s.Dialect.Rebind(`UPDATE daily_budgets SET reserved = reserved + ?, updated_at = ?
		WHERE day = ? AND actual + reserved + ? <= daily_cap`),
		amount, s.now(), day, amount)
	if err != nil {
		return false, fmt.Errorf("reserve budget: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Settle converts a reservation into actual spend.
func (s *SQL) Settle(ctx context.Context, tx *sql.Tx, day string, reserved, charged money.Amount) error {
	res, err := s.on(tx).ExecContext(ctx, s.Dialect.Rebind(`UPDATE daily_budgets
		SET reserved = CASE WHEN reserved >= ? THEN reserved - ? ELSE 0 END,
			actual = actual + ?, execution_count = execution_count + 1, updated_at = ?
		WHERE day = ?`),
		reserved, reserved, charged, s.now(), day)
	if err != nil {
		return fmt.Errorf("settle budget: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDayNotOpen
	}
	return nil
}

// Get returns the aggregate for day. A day that was never opened reads as zero.
func (s *SQL) Get(ctx context.Context, tx *sql.Tx, day string) (domain.DailyBudget, error) {
	b := domain.DailyBudget{Day: day}
	err := s.on(tx).QueryRowContext(ctx, s.Dialect.Rebind(`SELECT daily_cap, warning_threshold, actual, reserved, execution_count, updated_at
		FROM daily_budgets WHERE day = ?`), day).
		Scan(&b.DailyCap, &b.WarningThreshold, &b.Actual, &b.Reserved, &b.ExecutionCount, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, nil
	}
	return b, err
}

// SpendToday is the settled spend for day.
func (s *SQL) SpendToday(ctx context.Context, tx *sql.Tx, day string) (money.Amount, error) {
	var spent money.Amount
	err := s.on(tx).QueryRowContext(ctx, s.Dialect.Rebind(`SELECT COALESCE(SUM(charged_cost), 0) FROM executions WHERE day = ? AND status <> ?`),
		day, domain.ExecutionDispatched).Scan(&spent)
	return spent, err
}

// SpendTodayByAgent is the settled spend of one agent for day.
func (s *SQL) SpendTodayByAgent(ctx context.Context, tx *sql.Tx, day, agentID string) (money.Amount, error) {
	var spent money.Amount
	err := s.on(tx).QueryRowContext(ctx, s.Dialect.Rebind(`SELECT COALESCE(SUM(charged_cost), 0) FROM executions
		WHERE day = ? AND agent_id = ? AND status <> ?`),
		day, agentID, domain.ExecutionDispatched).Scan(&spent)
	return spent, err
}

func (s *SQL) SpendByWorkType(ctx context.Context, day string) ([]domain.WorkTypeSpend, error) {
	rows, err := s.DB.QueryContext(ctx, s.Dialect.Rebind(`SELECT work_type, COALESCE(SUM(charged_cost), 0), COUNT(*) FROM executions
		WHERE day = ? AND status <> ? GROUP BY work_type ORDER BY 2 DESC, work_type ASC`),
		day, domain.ExecutionDispatched)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.WorkTypeSpend{}
	for rows.Next() {
		var w domain.WorkTypeSpend
		if err := rows.Scan(&w.WorkType, &w.Spent, &w.ExecutionCount); err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (s *SQL) TopAgents(ctx context.Context, day string, limit int) ([]domain.AgentSpend, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.DB.QueryContext(ctx, s.Dialect.Rebind(`SELECT agent_id, COALESCE(SUM(charged_cost), 0), COUNT(*) FROM executions
		WHERE day = ? AND status <> ? GROUP BY agent_id ORDER BY 2 DESC, agent_id ASC LIMIT ?`),
		day, domain.ExecutionDispatched, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.AgentSpend{}
	for rows.Next() {
		var a domain.AgentSpend
		if err := rows.Scan(&a.AgentID, &a.Spent, &a.ExecutionCount); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// History returns up to days aggregates ending at until, newest first.
func (s *SQL) History(ctx context.Context, until string, days int) ([]domain.DailyBudget, error) {
	if days <= 0 {
		days = 7
	}
	rows, err := s.DB.QueryContext(ctx, s.Dialect.Rebind(`SELECT day, daily_cap, warning_threshold, actual, reserved, execution_count, updated_at
		FROM daily_budgets WHERE day <= ? ORDER BY day DESC LIMIT ?`), until, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.DailyBudget{}
	for rows.Next() {
		var b domain.DailyBudget
		if err := rows.Scan(&b.Day, &b.DailyCap, &b.WarningThreshold, &b.Actual, &b.Reserved, &b.ExecutionCount, &b.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// Snapshot derives remaining, utilization and status from an aggregate.
// Remaining excludes money held by open reservations.
func Snapshot(b domain.DailyBudget, limit money.Amount, threshold float64) domain.BudgetSnapshot {
	if b.DailyCap == 0 && b.UpdatedAt == "" {
		b.DailyCap = limit
		b.WarningThreshold = threshold
	}
	status, pct := estimator.Status(b.Actual, b.DailyCap, b.WarningThreshold)
	return domain.BudgetSnapshot{
		DailyBudget:    b,
		Remaining:      money.Remaining(b.DailyCap, b.Actual+b.Reserved),
		UtilizationPct: pct,
		Status:         status,
		Message:        estimator.WarningMessage(b.Actual, b.DailyCap, b.WarningThreshold),
	}
}
