package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncontrol/internal/config"
	"missioncontrol/internal/db"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/engine"
	"missioncontrol/internal/engine/auth"
	"missioncontrol/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, mutate ...func(*Config)) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn, db.SQLite); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, db.SQLite, config.Default())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	cfg := Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testSecret},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	handler, err := New(cfg)
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func bearer(t *testing.T, actorID string, roles ...string) map[string]string {
	t.Helper()
	token, err := signDevToken(testSecret, actorID, roles, time.Now())
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error
}

func createWorkOrder(t *testing.T, srv *testServer, headers map[string]string, body map[string]any) domain.WorkOrder {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders", body, headers)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var w domain.WorkOrder
	require.NoError(t, json.Unmarshal(data, &w))
	return w
}

func TestHealthIsOpenAndEverythingElseNeedsCredentials(t *testing.T) {
	srv := newTestServer(t)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/daily-budget", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/daily-budget", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", decodeError(t, data).Code)

	// the legacy header is ignored unless enabled
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/daily-budget", nil, map[string]string{"X-Actor-Id": "otto"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestExecuteOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	op := bearer(t, "otto", auth.RoleOperator)

	w := createWorkOrder(t, srv, op, map[string]any{
		"agent_id":  "intake",
		"work_type": "lead_scoring",
		"input": map[string]any{
			"source":        "web form",
			"practice_area": "employment",
			"summary":       "Terminated after reporting a safety issue.",
		},
	})
	assert.Equal(t, domain.StatusPending, w.Status)
	assert.Regexp(t, `^WO-\d{4}-\d{5}$`, w.Number)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+w.Number+"/preflight", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var pre PreflightResponse
	require.NoError(t, json.Unmarshal(data, &pre))
	assert.Equal(t, domain.StatusReady, pre.PreflightStatus)
	assert.True(t, pre.CanProceed)
	assert.Empty(t, pre.Reasons)
	assert.Equal(t, "openrouter/auto", pre.Estimate.Model)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+w.ID+"/execute", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out ExecutionResponse
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, domain.StatusCompleted, out.WorkOrder.Status)
	assert.Equal(t, domain.ExecutionCompleted, out.Execution.Status)
	assert.Equal(t, out.Execution.ChargedCost, out.Comparison.ActualCost)
	assert.Equal(t, pre.Estimate.Cost, out.Comparison.EstimatedCost)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/daily-budget", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var budget domain.BudgetSnapshot
	require.NoError(t, json.Unmarshal(data, &budget))
	assert.Equal(t, out.Execution.ChargedCost, budget.Actual)
	assert.Equal(t, domain.BudgetHealthy, budget.Status)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/work-orders/"+w.ID+"/executions", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var execs []domain.Execution
	require.NoError(t, json.Unmarshal(data, &execs))
	require.Len(t, execs, 1)

	// a completed order cannot run again
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+w.ID+"/execute", nil, op)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(data))
	assert.Equal(t, "invalid_transition", decodeError(t, data).Code)
}

func TestApprovalGateOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	op := bearer(t, "otto", auth.RoleOperator)
	atty := bearer(t, "atticus", auth.RoleAttorney)

	w := createWorkOrder(t, srv, op, map[string]any{
		"agent_id":  "drafting",
		"work_type": "proposal_draft",
		"input":     map[string]any{"client": "Acme"},
	})

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+w.ID+"/preflight", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var pre PreflightResponse
	require.NoError(t, json.Unmarshal(data, &pre))
	assert.Equal(t, domain.StatusAwaitingApproval, pre.PreflightStatus)
	assert.True(t, pre.RequiresApproval)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+w.ID+"/execute", nil, op)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	apiErr := decodeError(t, data)
	assert.Equal(t, "approval_required", apiErr.Code)
	assert.NotEmpty(t, apiErr.Details["summary"])
	reasons, ok := apiErr.Details["reasons"].([]any)
	require.True(t, ok, "reasons in details")
	require.NotEmpty(t, reasons)
	assert.Equal(t, domain.ReasonWorkType, reasons[0].(map[string]any)["code"])

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+w.ID+"/approve", map[string]any{"notes": "ok"}, op)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "forbidden", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+w.ID+"/approve", map[string]any{"notes": "client signed"}, atty)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var approved domain.WorkOrder
	require.NoError(t, json.Unmarshal(data, &approved))
	assert.Equal(t, domain.StatusQueued, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, "atticus", *approved.ApprovedBy)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+w.ID+"/execute", map[string]any{}, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestOptionalBodiesMayBeOmitted(t *testing.T) {
	srv := newTestServer(t)
	op := bearer(t, "otto", auth.RoleOperator)
	adm := bearer(t, "alice", auth.RoleAdmin)

	w := createWorkOrder(t, srv, op, map[string]any{"agent_id": "intake", "work_type": "ops_summary"})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+w.ID+"/preflight", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	// a supplied body is still honoured
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+w.ID+"/execute", map[string]any{"force": true}, op)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+w.ID+"/execute", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	other := createWorkOrder(t, srv, op, map[string]any{"agent_id": "intake", "work_type": "ops_summary"})
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+other.ID+"/cancel", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var cancelled domain.WorkOrder
	require.NoError(t, json.Unmarshal(data, &cancelled))
	assert.Equal(t, domain.StatusCancelled, cancelled.Status)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/executions/reconcile", nil, adm)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/api-keys", nil, op)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
}

func TestValidationAndNotFound(t *testing.T) {
	srv := newTestServer(t)
	op := bearer(t, "otto", auth.RoleOperator)
	viewer := bearer(t, "vera", auth.RoleViewer)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/work-orders/WO-2025-99999", nil, op)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(data))
	assert.Equal(t, "not_found", decodeError(t, data).Code)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders", map[string]any{
		"agent_id": "intake", "work_type": "lead_scoring",
	}, viewer)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders", map[string]any{
		"agent_id": "intake", "work_type": "lead_scoring", "cost_cap_usd": -1,
	}, op)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/work-orders?cursor=garbage", nil, op)
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))
}

func TestWorkOrderListPaginates(t *testing.T) {
	srv := newTestServer(t)
	op := bearer(t, "otto", auth.RoleOperator)
	for i := 0; i < 3; i++ {
		createWorkOrder(t, srv, op, map[string]any{"agent_id": "intake", "work_type": "ops_summary"})
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/work-orders?limit=2", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedWorkOrders
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/work-orders?limit=2&cursor="+page.NextCursor, nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rest paginatedWorkOrders
	require.NoError(t, json.Unmarshal(data, &rest))
	require.Len(t, rest.Items, 1)
	assert.Empty(t, rest.NextCursor)
	assert.NotEqual(t, page.Items[1].ID, rest.Items[0].ID)
}

func TestAPIKeyCarriesGrantedRoles(t *testing.T) {
	srv := newTestServer(t)
	adminHdr := bearer(t, "alice", auth.RoleAdmin)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/roles", map[string]any{
		"actor_id": "otto", "role": auth.RoleOperator,
	}, adminHdr)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/api-keys", map[string]any{
		"actor_id": "otto", "name": "nightly",
	}, adminHdr)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created APIKeyCreatedResponse
	require.NoError(t, json.Unmarshal(data, &created))
	require.NotEmpty(t, created.Secret)
	assert.NotContains(t, string(data), "key_hash")

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": created.Secret})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "otto", me.ActorID)
	assert.Equal(t, []string{auth.RoleOperator}, me.Roles)
	assert.Equal(t, "api_key", me.Source)

	res, _ = doJSON(t, srv.Client(), http.MethodDelete, srv.URL+"/v1/roles/otto/operator", nil, adminHdr)
	require.Equal(t, http.StatusNoContent, res.StatusCode)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": created.Secret})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Empty(t, me.Roles)

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "mc_wrong"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestGovernanceRulesOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	adminHdr := bearer(t, "alice", auth.RoleAdmin)
	op := bearer(t, "otto", auth.RoleOperator)

	rule := map[string]any{
		"name":      "intake needs sign-off",
		"rule_type": domain.RuleApprovalGate,
		"agent_id":  "intake",
		"condition": "estimate.cost >= 0.0",
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/governance-rules", rule, op)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/governance-rules", map[string]any{
		"name": "broken", "rule_type": domain.RuleApprovalGate, "condition": "estimate.cost >",
	}, adminHdr)
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/governance-rules", rule, adminHdr)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var g domain.GovernanceRule
	require.NoError(t, json.Unmarshal(data, &g))

	w := createWorkOrder(t, srv, op, map[string]any{"agent_id": "intake", "work_type": "ops_summary"})
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+w.ID+"/preflight", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var pre PreflightResponse
	require.NoError(t, json.Unmarshal(data, &pre))
	assert.Equal(t, domain.StatusAwaitingApproval, pre.PreflightStatus)
	assert.Contains(t, pre.AppliedRules, g.ID)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/governance-rules/"+g.ID+"/deactivate", nil, adminHdr)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/governance-rules?active_only=true", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var active []domain.GovernanceRule
	require.NoError(t, json.Unmarshal(data, &active))
	assert.Empty(t, active)
}

func TestEventsPaginateNewestFirst(t *testing.T) {
	srv := newTestServer(t)
	op := bearer(t, "otto", auth.RoleOperator)
	for i := 0; i < 3; i++ {
		createWorkOrder(t, srv, op, map[string]any{"agent_id": "intake", "work_type": "ops_summary"})
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?type=work_order.created&limit=2", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	assert.Greater(t, page.Items[0].ID, page.Items[1].ID)

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?type=work_order.created&limit=2&cursor="+page.NextCursor, nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 1)
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.Auth.DevLogin = true })

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/auth/dev/login", map[string]any{
		"actor_id": "atticus", "roles": []string{auth.RoleAttorney},
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var me WhoAmIResponse
	require.NoError(t, json.Unmarshal(data, &me))
	assert.Equal(t, "atticus", me.ActorID)
	assert.Equal(t, "jwt", me.Source)
}

func TestRateLimitPerPrincipal(t *testing.T) {
	srv := newTestServer(t, func(c *Config) { c.RateLimit = RateLimitConfig{RPS: 0.001, Burst: 1} })
	op := bearer(t, "otto", auth.RoleOperator)
	other := bearer(t, "atticus", auth.RoleAttorney)

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/daily-budget", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/daily-budget", nil, op)
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "rate_limited", decodeError(t, data).Code)
	assert.NotEmpty(t, res.Header.Get("Retry-After"))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/daily-budget", nil, other)
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestOpenAPIDocumentIsServed(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	paths, ok := doc["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v1/work-orders/{id}/execute")
	assert.Contains(t, paths, "/v1/daily-budget")
}

func TestWebhookDeliversMatchingEvents(t *testing.T) {
	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv := newTestServer(t)
	op := bearer(t, "otto", auth.RoleOperator)
	ctx := context.Background()

	// events before the dispatcher starts are not replayed
	createWorkOrder(t, srv, op, map[string]any{"agent_id": "intake", "work_type": "ops_summary"})
	d := newWebhookDispatcher(srv.Engine, []config.WebhookConfig{{
		URL:    hook.URL,
		Events: []string{"work_order.*"},
		Secret: "shh",
	}}, srv.Engine.Logger)
	d.dispatchAll(ctx)

	w := createWorkOrder(t, srv, op, map[string]any{"agent_id": "intake", "work_type": "ops_summary"})
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/daily-budget", nil, op)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "work_order.created", received[0].Type)
	assert.Equal(t, w.ID, received[0].EntityID)
	assert.Equal(t, "work_order.created", headers[0].Get("X-Mission-Control-Event"))
	assert.Equal(t, "shh", headers[0].Get("X-Mission-Control-Secret"))
}

func TestEventFilterMatchesFamilies(t *testing.T) {
	f := newEventFilter([]string{"budget.*", "execution.failed"})
	assert.True(t, f.match("budget.warning"))
	assert.True(t, f.match("budget.exceeded"))
	assert.True(t, f.match("execution.failed"))
	assert.False(t, f.match("execution.completed"))
	assert.True(t, newEventFilter(nil).match("anything"))
}
