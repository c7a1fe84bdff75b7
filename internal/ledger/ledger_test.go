package ledger_test

import (
	"context"
	"database/sql"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncontrol/internal/db"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/ledger"
	"missioncontrol/internal/migrate"
	"missioncontrol/internal/money"
)

const day = "2025-03-01"

func newLedger(t *testing.T) (*ledger.SQL, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	l := ledger.New(conn, db.SQLite)
	l.Now = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }
	return l, context.Background()
}

func TestReserveAndSettle(t *testing.T) {
	l, ctx := newLedger(t)
	require.NoError(t, l.EnsureDay(ctx, nil, day, money.FromFloat(5), 0.8))

	ok, err := l.TryReserve(ctx, nil, day, money.FromFloat(3))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.TryReserve(ctx, nil, day, money.FromFloat(2.5))
	require.NoError(t, err)
	assert.False(t, ok, "3.00 reserved + 2.50 exceeds 5.00")

	require.NoError(t, l.Settle(ctx, nil, day, money.FromFloat(3), money.FromFloat(2.75)))
	b, err := l.Get(ctx, nil, day)
	require.NoError(t, err)
	assert.Equal(t, money.FromFloat(2.75), b.Actual)
	assert.Equal(t, money.Amount(0), b.Reserved)
	assert.Equal(t, int64(1), b.ExecutionCount)

	ok, err = l.TryReserve(ctx, nil, day, money.FromFloat(2.25))
	require.NoError(t, err)
	assert.True(t, ok, "exactly reaching the cap is allowed")

	assert.ErrorIs(t, l.Settle(ctx, nil, "2025-03-02", 0, 0), ledger.ErrDayNotOpen)
}

func TestEnsureDayKeepsSpend(t *testing.T) {
	l, ctx := newLedger(t)
	require.NoError(t, l.EnsureDay(ctx, nil, day, money.FromFloat(5), 0.8))
	ok, err := l.TryReserve(ctx, nil, day, money.FromFloat(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, l.EnsureDay(ctx, nil, day, money.FromFloat(10), 0.9))

	b, err := l.Get(ctx, nil, day)
	require.NoError(t, err)
	assert.Equal(t, money.FromFloat(10), b.DailyCap)
	assert.Equal(t, 0.9, b.WarningThreshold)
	assert.Equal(t, money.FromFloat(1), b.Reserved)
}

func TestConcurrentReservationsNeverOverspend(t *testing.T) {
	l, ctx := newLedger(t)
	require.NoError(t, l.EnsureDay(ctx, nil, day, money.FromFloat(1), 0.8))

	var (
		wg       sync.WaitGroup
		accepted atomic.Int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := l.DB.BeginTx(ctx, nil)
			if err != nil {
				t.Error(err)
				return
			}
			defer tx.Rollback()
			ok, err := l.TryReserve(ctx, tx, day, money.FromFloat(0.15))
			if err != nil {
				t.Error(err)
				return
			}
			if !ok {
				return
			}
			if err := l.Settle(ctx, tx, day, money.FromFloat(0.15), money.FromFloat(0.15)); err != nil {
				t.Error(err)
				return
			}
			if err := tx.Commit(); err != nil {
				t.Error(err)
				return
			}
			accepted.Add(1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(6), accepted.Load())
	b, err := l.Get(ctx, nil, day)
	require.NoError(t, err)
	assert.Equal(t, money.FromFloat(0.90), b.Actual)
	assert.LessOrEqual(t, int64(b.Actual), int64(b.DailyCap))
}

func TestReservationsStayUnderCap(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("actual + reserved never exceeds the cap", prop.ForAll(
		func(limit int64, costs []int64) bool {
			l, ctx := newLedger(t)
			if err := l.EnsureDay(ctx, nil, day, money.Amount(limit), 0.8); err != nil {
				return false
			}
			for i, c := range costs {
				ok, err := l.TryReserve(ctx, nil, day, money.Amount(c))
				if err != nil {
					return false
				}
				if ok && i%2 == 0 {
					if err := l.Settle(ctx, nil, day, money.Amount(c), money.Amount(c)); err != nil {
						return false
					}
				}
				b, err := l.Get(ctx, nil, day)
				if err != nil || b.Actual+b.Reserved > b.DailyCap {
					return false
				}
			}
			return true
		},
		gen.Int64Range(0, 100000),
		gen.SliceOf(gen.Int64Range(0, 30000)),
	))

	properties.TestingRun(t)
}

func TestSpendAggregatesOverFinishedExecutions(t *testing.T) {
	l, ctx := newLedger(t)
	_, err := l.DB.Exec(`PRAGMA foreign_keys=OFF`)
	require.NoError(t, err)
	seed := []struct {
		id, agent, workType, status string
		charged                     int64
	}{
		{"ex-1", "agent-a", "lead_scoring", domain.ExecutionCompleted, 300},
		{"ex-2", "agent-a", "proposal_draft", domain.ExecutionCompleted, 1200},
		{"ex-3", "agent-b", "lead_scoring", domain.ExecutionFailed, 0},
		{"ex-4", "agent-b", "lead_scoring", domain.ExecutionDispatched, 0},
	}
	for _, s := range seed {
		_, err = l.DB.ExecContext(ctx, `INSERT INTO executions(id,work_order_id,estimate_id,agent_id,work_type,model,day,status,
			reserved_cost,estimated_tokens,estimated_cost,charged_cost,created_by,started_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			s.id, "wo", "est", s.agent, s.workType, "m", day, s.status, 500, 100, 500, s.charged, "tester", "2025-03-01T09:00:00.000000Z")
		require.NoError(t, err)
	}
	total, err := l.SpendToday(ctx, nil, day)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(1500), total)

	agent, err := l.SpendTodayByAgent(ctx, nil, day, "agent-b")
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), agent)

	byType, err := l.SpendByWorkType(ctx, day)
	require.NoError(t, err)
	require.Len(t, byType, 2)
	assert.Equal(t, "proposal_draft", byType[0].WorkType)
	assert.Equal(t, int64(2), byType[1].ExecutionCount)

	top, err := l.TopAgents(ctx, day, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "agent-a", top[0].AgentID)
}

func TestHistoryNewestFirst(t *testing.T) {
	l, ctx := newLedger(t)
	for _, d := range []string{"2025-02-27", "2025-02-28", "2025-03-01", "2025-03-02"} {
		require.NoError(t, l.EnsureDay(ctx, nil, d, money.FromFloat(5), 0.8))
	}
	hist, err := l.History(ctx, day, 2)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "2025-03-01", hist[0].Day)
	assert.Equal(t, "2025-02-28", hist[1].Day)
}

func TestSnapshotStatus(t *testing.T) {
	limit := money.FromFloat(5)
	cases := []struct {
		spent  float64
		status string
	}{
		{3.99, domain.BudgetHealthy},
		{4.00, domain.BudgetWarning},
		{5.01, domain.BudgetExceeded},
	}
	for _, tc := range cases {
		b := domain.DailyBudget{Day: day, DailyCap: limit, WarningThreshold: 0.8, Actual: money.FromFloat(tc.spent), UpdatedAt: "x"}
		snap := ledger.Snapshot(b, limit, 0.8)
		assert.Equal(t, tc.status, snap.Status, "spent %.2f", tc.spent)
	}

	empty := ledger.Snapshot(domain.DailyBudget{Day: day}, limit, 0.8)
	assert.Equal(t, limit, empty.DailyCap)
	assert.Equal(t, limit, empty.Remaining)
	assert.Equal(t, domain.BudgetHealthy, empty.Status)
	assert.Nil(t, empty.Message)

	held := ledger.Snapshot(domain.DailyBudget{Day: day, DailyCap: limit, WarningThreshold: 0.8, Actual: money.FromFloat(3), Reserved: money.FromFloat(2.5), UpdatedAt: "x"}, limit, 0.8)
	assert.Equal(t, money.Amount(0), held.Remaining)
}

func TestPostgresReserveStatement(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	l := ledger.New(conn, db.Postgres)
	l.Now = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE daily_budgets SET reserved = reserved + $1, updated_at = $2`)).
		WithArgs(int64(2500), "2025-03-01T09:00:00.000000Z", day, int64(2500)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err := l.TryReserve(ctx, nil, day, 2500)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE daily_budgets SET reserved = reserved + $1`)).
		WithArgs(int64(9000), sqlmock.AnyArg(), day, int64(9000)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = l.TryReserve(ctx, nil, day, 9000)
	require.NoError(t, err)
	assert.False(t, ok)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM daily_budgets WHERE day = $1`)).
		WithArgs(day).
		WillReturnError(sql.ErrNoRows)
	b, err := l.Get(ctx, nil, day)
	require.NoError(t, err)
	assert.Equal(t, day, b.Day)

	assert.NoError(t, mock.ExpectationsWereMet())
}
