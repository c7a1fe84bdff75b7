package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncontrol/internal/db"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/migrate"
	"missioncontrol/internal/money"
	"missioncontrol/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	return repo.Repo{DB: conn, Dialect: db.SQLite}, context.Background()
}

func insertOrder(t *testing.T, r repo.Repo, ctx context.Context, id, agent, createdAt string) domain.WorkOrder {
	t.Helper()
	tx, err := r.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()
	number, err := r.NextWorkOrderNumber(ctx, tx, 2025)
	require.NoError(t, err)
	w := domain.WorkOrder{
		ID: id, Number: number, AgentID: agent, WorkType: "lead_scoring", Status: domain.StatusPending,
		InputJSON: `{"name":"Acme"}`, CreatedBy: "tester", Version: 1, Attempt: 1,
		CreatedAt: createdAt, UpdatedAt: createdAt,
	}
	require.NoError(t, r.InsertWorkOrder(ctx, tx, w))
	require.NoError(t, tx.Commit())
	return w
}

func TestWorkOrderNumbersAreSequential(t *testing.T) {
	r, ctx := newTestRepo(t)
	a := insertOrder(t, r, ctx, "wo-a", "agent-1", "2025-01-01T00:00:00.000000Z")
	b := insertOrder(t, r, ctx, "wo-b", "agent-1", "2025-01-01T00:00:01.000000Z")
	assert.Equal(t, "WO-2025-00001", a.Number)
	assert.Equal(t, "WO-2025-00002", b.Number)

	got, err := r.GetWorkOrder(ctx, nil, "WO-2025-00002")
	require.NoError(t, err)
	assert.Equal(t, "wo-b", got.ID)
	assert.Empty(t, got.BlockingReasons)

	_, err = r.GetWorkOrder(ctx, nil, "missing")
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestUpdateWorkOrderDetectsStaleVersion(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertOrder(t, r, ctx, "wo-a", "agent-1", "2025-01-01T00:00:00.000000Z")

	first, err := r.GetWorkOrder(ctx, nil, "wo-a")
	require.NoError(t, err)
	second := first

	first.Status = domain.StatusReady
	first.BlockingReasons = []domain.Reason{{Code: domain.ReasonDailyCap, Message: "over"}}
	require.NoError(t, r.UpdateWorkOrder(ctx, nil, &first))
	assert.Equal(t, int64(2), first.Version)

	second.Status = domain.StatusCancelled
	assert.ErrorIs(t, r.UpdateWorkOrder(ctx, nil, &second), repo.ErrConflict)

	stored, err := r.GetWorkOrder(ctx, nil, "wo-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, stored.Status)
	assert.Equal(t, []domain.Reason{{Code: domain.ReasonDailyCap, Message: "over"}}, stored.BlockingReasons)

	ghost := domain.WorkOrder{ID: "ghost", Version: 1}
	assert.ErrorIs(t, r.UpdateWorkOrder(ctx, nil, &ghost), repo.ErrNotFound)
}

func TestListWorkOrdersCursor(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertOrder(t, r, ctx, "wo-a", "agent-1", "2025-01-01T00:00:00.000000Z")
	insertOrder(t, r, ctx, "wo-b", "agent-2", "2025-01-01T00:00:01.000000Z")
	insertOrder(t, r, ctx, "wo-c", "agent-1", "2025-01-01T00:00:02.000000Z")

	page, err := r.ListWorkOrders(ctx, repo.WorkOrderFilters{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "wo-c", page[0].ID)
	assert.Equal(t, "wo-b", page[1].ID)

	rest, err := r.ListWorkOrders(ctx, repo.WorkOrderFilters{Limit: 2, CursorCreatedAt: page[1].CreatedAt, CursorID: page[1].ID})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "wo-a", rest[0].ID)

	byAgent, err := r.ListWorkOrders(ctx, repo.WorkOrderFilters{AgentID: "agent-1"})
	require.NoError(t, err)
	assert.Len(t, byAgent, 2)

	counts, err := r.CountWorkOrdersByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[domain.StatusPending])
}

func TestConcurrentNumberAllocation(t *testing.T) {
	r, ctx := newTestRepo(t)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := r.DB.BeginTx(ctx, nil)
			if err != nil {
				t.Error(err)
				return
			}
			defer tx.Rollback()
			n, err := r.NextWorkOrderNumber(ctx, tx, 2025)
			if err != nil {
				t.Error(err)
				return
			}
			if err := tx.Commit(); err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			seen[n] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 8)
}

func TestFinishExecutionOnlyOnce(t *testing.T) {
	r, ctx := newTestRepo(t)
	insertOrder(t, r, ctx, "wo-a", "agent-1", "2025-01-01T00:00:00.000000Z")
	est := domain.Estimate{
		ID: "est-1", WorkOrderID: "wo-a", Model: "openai/gpt-4o-mini", Tokenizer: "chars/3.5",
		InputTokens: 263, OutputTokens: 518, TotalTokens: 781, MaxOutputTokens: 450, ExpectedTurns: 1, MaxTurns: 1,
		SafetyMargin: 1.15, Cost: money.Amount(1), CanProceed: true, BudgetStatus: domain.BudgetHealthy,
		CreatedBy: "tester", CreatedAt: "2025-01-01T00:00:00.000000Z",
	}
	require.NoError(t, r.InsertEstimate(ctx, nil, est))
	x := domain.Execution{
		ID: "ex-1", WorkOrderID: "wo-a", EstimateID: "est-1", AgentID: "agent-1", WorkType: "lead_scoring",
		Model: est.Model, Day: "2025-01-01", Status: domain.ExecutionDispatched, ReservedCost: 1,
		EstimatedTokens: 781, EstimatedCost: 1, CreatedBy: "tester", StartedAt: "2025-01-01T00:00:00.000000Z",
	}
	require.NoError(t, r.InsertExecution(ctx, nil, x))

	n, err := r.CountDispatched(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stale, err := r.ListDispatchedBefore(ctx, "2025-01-01T00:10:00.000000Z")
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	x.Status = domain.ExecutionCompleted
	x.ChargedCost = 1
	x.Billable = true
	require.NoError(t, r.FinishExecution(ctx, nil, x))
	assert.ErrorIs(t, r.FinishExecution(ctx, nil, x), repo.ErrConflict)

	got, err := r.GetExecution(ctx, nil, "ex-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ExecutionCompleted, got.Status)
	assert.True(t, got.Billable)

	latest, err := r.LatestEstimate(ctx, nil, "wo-a")
	require.NoError(t, err)
	assert.Equal(t, "est-1", latest.ID)
}

func TestRunLogReviewOnce(t *testing.T) {
	r, ctx := newTestRepo(t)
	l := domain.RunLog{
		ID: "run-1", ExecutionID: "ex-1", WorkOrderID: "wo-a", AgentID: "agent-1", WorkType: "proposal_draft",
		Model: "anthropic/claude-sonnet", Status: domain.RunSuccess, Prompt: "p", InputJSON: "{}",
		SnapshotDigest: "abc", InputTokens: 10, OutputTokens: 20, EstimatedCost: 5, ActualCost: 4,
		DurationMS: 12, RequiresHumanReview: true, CreatedAt: "2025-01-01T00:00:00.000000Z",
	}
	require.NoError(t, r.InsertRunLog(ctx, nil, l))

	needs := true
	stats, err := r.RunLogStats(ctx, repo.RunLogFilters{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.PendingReviews)
	assert.Equal(t, int64(30), stats.TotalTokens)

	pending, err := r.ListRunLogs(ctx, repo.RunLogFilters{ReviewStatus: "pending", NeedsReview: &needs})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, r.ReviewRunLog(ctx, nil, "run-1", domain.ReviewApproved, "reviewer", "ok", nil, "2025-01-01T01:00:00.000000Z"))
	err = r.ReviewRunLog(ctx, nil, "run-1", domain.ReviewRejected, "reviewer", "", nil, "2025-01-01T02:00:00.000000Z")
	assert.ErrorIs(t, err, repo.ErrConflict)
	err = r.ReviewRunLog(ctx, nil, "missing", domain.ReviewRejected, "reviewer", "", nil, "2025-01-01T02:00:00.000000Z")
	assert.ErrorIs(t, err, repo.ErrNotFound)

	got, err := r.GetRunLog(ctx, nil, "run-1")
	require.NoError(t, err)
	require.NotNil(t, got.ReviewStatus)
	assert.Equal(t, domain.ReviewApproved, *got.ReviewStatus)
}

func TestRulesOrderedByPriority(t *testing.T) {
	r, ctx := newTestRepo(t)
	now := "2025-01-01T00:00:00.000000Z"
	limit := money.Amount(5000)
	require.NoError(t, r.InsertRule(ctx, nil, domain.GovernanceRule{ID: "r-2", Name: "late", RuleType: domain.RuleApprovalGate, Priority: 50, Active: true, CreatedBy: "admin", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, r.InsertRule(ctx, nil, domain.GovernanceRule{ID: "r-1", Name: "early", RuleType: domain.RuleCostLimit, Priority: 10, MaxPerRun: &limit, Active: true, CreatedBy: "admin", CreatedAt: now, UpdatedAt: now}))

	rules, err := r.ListRules(ctx, nil, true)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "r-1", rules[0].ID)
	require.NotNil(t, rules[0].MaxPerRun)
	assert.Equal(t, limit, *rules[0].MaxPerRun)

	require.NoError(t, r.DeactivateRule(ctx, nil, "r-1", now))
	rules, err = r.ListRules(ctx, nil, true)
	require.NoError(t, err)
	assert.Len(t, rules, 1)
	assert.ErrorIs(t, r.DeactivateRule(ctx, nil, "missing", now), repo.ErrNotFound)
}

func TestRolesAndAPIKeys(t *testing.T) {
	r, ctx := newTestRepo(t)
	g := domain.RoleGrant{ActorID: "alice", Role: "admin", GrantedBy: "root", CreatedAt: "2025-01-01T00:00:00.000000Z"}
	require.NoError(t, r.GrantRole(ctx, nil, g))
	require.NoError(t, r.GrantRole(ctx, nil, g))
	roles, err := r.ActorRoles(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, roles)
	require.NoError(t, r.RevokeRole(ctx, nil, "alice", "admin"))
	assert.ErrorIs(t, r.RevokeRole(ctx, nil, "alice", "admin"), repo.ErrNotFound)

	hash := repo.HashAPIKey("secret ")
	assert.Equal(t, repo.HashAPIKey("secret"), hash)
	require.NoError(t, r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "key-1", ActorID: "alice", KeyHash: hash}))
	key, err := r.GetAPIKeyByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "alice", key.ActorID)
	require.NoError(t, r.DeleteAPIKey(ctx, "key-1"))
	_, err = r.GetAPIKeyByHash(ctx, hash)
	assert.ErrorIs(t, err, repo.ErrNotFound)
}

func TestEventsPaging(t *testing.T) {
	r, ctx := newTestRepo(t)
	for i, typ := range []string{"work_order.created", "work_order.estimated", "work_order.created"} {
		_, err := r.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
			repo.FormatTime(time.Date(2025, 1, 1, 0, 0, i, 0, time.UTC)), typ, "work_order", "wo-a", "tester", `{"n":1}`)
		require.NoError(t, err)
	}
	latest, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest)

	created, err := r.LatestEvents(ctx, repo.EventFilters{Type: "work_order.created"})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, int64(3), created[0].ID)
	assert.Equal(t, map[string]any{"n": float64(1)}, created[0].Payload)

	after, err := r.EventsAfter(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, after, 2)
	assert.Equal(t, int64(2), after[0].ID)
}

func TestPostgresPlaceholders(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := repo.Repo{DB: conn, Dialect: db.Postgres}
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE governance_rules SET active=$1, updated_at=$2 WHERE id=$3`)).
		WithArgs(false, "now", "r-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, r.DeactivateRule(ctx, nil, "r-1", "now"))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT role FROM actor_roles WHERE actor_id=$1 ORDER BY role`)).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"role"}).AddRow("admin").AddRow("attorney"))
	roles, err := r.ActorRoles(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "attorney"}, roles)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT id, actor_id, COALESCE(name,''), key_hash, created_at FROM api_keys WHERE key_hash=$1 LIMIT 1`)).
		WithArgs("h").
		WillReturnError(sql.ErrNoRows)
	_, err = r.GetAPIKeyByHash(ctx, "h")
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	assert.NoError(t, mock.ExpectationsWereMet())
}
