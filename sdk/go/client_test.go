package missioncontrolsdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncontrol/internal/config"
	"missioncontrol/internal/db"
	"missioncontrol/internal/engine"
	"missioncontrol/internal/migrate"
	"missioncontrol/internal/server"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn, db.SQLite))
	e, err := engine.New(conn, db.SQLite, config.Default())
	require.NoError(t, err)
	handler, err := server.New(server.Config{
		Engine: e,
		Auth:   server.AuthConfig{JWTSecret: "sdk-secret", DevLogin: true},
	})
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(ts.URL)
}

func TestClientRunsAWorkOrder(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	_, err := c.DevLogin(ctx, "otto", "operator")
	require.NoError(t, err)

	w, err := c.CreateWorkOrder(ctx, CreateWorkOrderInput{AgentID: "intake", WorkType: "ops_summary"})
	require.NoError(t, err)
	assert.Equal(t, "pending", w.Status)

	pre, err := c.Preflight(ctx, w.Number)
	require.NoError(t, err)
	assert.Equal(t, "ready", pre.PreflightStatus)
	assert.Greater(t, pre.Estimate.Cost+pre.Estimate.WorstCaseCost, 0.0)

	res, err := c.Execute(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", res.WorkOrder.Status)
	assert.Equal(t, res.Execution.ChargedCost, res.Comparison.ActualCost)

	budget, err := c.DailyBudget(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Execution.ChargedCost, budget.Actual)

	evts, err := c.Events(ctx, 5)
	require.NoError(t, err)
	require.NotEmpty(t, evts)
	assert.Equal(t, "execution.completed", evts[0].Type)
}

func TestClientSurfacesGateReasons(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	_, err := c.DevLogin(ctx, "otto", "operator")
	require.NoError(t, err)

	w, err := c.CreateWorkOrder(ctx, CreateWorkOrderInput{AgentID: "drafting", WorkType: "proposal_draft"})
	require.NoError(t, err)
	pre, err := c.Preflight(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, pre.RequiresApproval)

	_, err = c.Execute(ctx, w.ID)
	require.Error(t, err)
	assert.True(t, IsGated(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "approval_required", apiErr.Code)
	require.NotEmpty(t, apiErr.Reasons())
	assert.Equal(t, "work_type_requires_approval", apiErr.Reasons()[0].Code)
}

func TestClientWithoutCredentials(t *testing.T) {
	c := newTestClient(t)
	_, err := c.DailyBudget(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "unauthorized", apiErr.Code)
	assert.False(t, IsGated(err))
}
