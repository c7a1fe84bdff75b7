package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"missioncontrol/internal/domain"
	"missioncontrol/internal/money"
)

func strPtr(s string) *string { return &s }

func amountPtr(v float64) *money.Amount {
	a := money.FromFloat(v)
	return &a
}

func subject(t *testing.T, worst float64) Subject {
	t.Helper()
	order := domain.WorkOrder{ID: "wo-1", AgentID: "agent-a", WorkType: "content_draft", Attempt: 1}
	budget := domain.BudgetSnapshot{Remaining: money.FromFloat(4), UtilizationPct: 20, Status: domain.BudgetHealthy}
	return Subject{
		AgentID:   order.AgentID,
		WorkType:  order.WorkType,
		WorstCase: money.FromFloat(worst),
		Input:     Input(order, map[string]any{"pages": int64(12)}, money.FromFloat(worst/2), money.FromFloat(worst), "openrouter/auto", budget),
	}
}

func TestCompileRejectsInvalid(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)
	assert.NoError(t, e.Compile(`order.work_type == "content_draft" && estimate.cost > 0.05`))
	assert.Error(t, e.Compile(`order.work_type ==`))
	assert.Error(t, e.Compile(`"just a string"`))
}

func TestApplyScopesAndConditions(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)
	rules := []domain.GovernanceRule{
		{ID: "r1", Name: "other agent", RuleType: domain.RuleApprovalGate, AgentID: strPtr("agent-b"), Active: true},
		{ID: "r2", Name: "big drafts", RuleType: domain.RuleApprovalGate, WorkType: strPtr("content_draft"), Condition: strPtr(`order.input.pages > 10`), Active: true},
		{ID: "r3", Name: "inactive", RuleType: domain.RuleApprovalGate, Active: false},
		{ID: "r4", Name: "small drafts", RuleType: domain.RuleApprovalGate, Condition: strPtr(`order.input.pages < 5`), Active: true},
	}
	out := e.Apply(rules, subject(t, 0.10))
	assert.True(t, out.RequiresApproval)
	assert.Equal(t, []string{"r2"}, out.Applied)
	require.Len(t, out.Reasons, 1)
	assert.Equal(t, domain.ReasonApprovalGate, out.Reasons[0].Code)
}

func TestCostLimitHighestPriorityWins(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)
	rules := []domain.GovernanceRule{
		{ID: "loose", Name: "loose", RuleType: domain.RuleCostLimit, Priority: 50, MaxPerRun: amountPtr(1.00), Active: true},
		{ID: "tight", Name: "tight", RuleType: domain.RuleCostLimit, Priority: 10, MaxPerRun: amountPtr(0.05), Active: true},
	}
	out := e.Apply(rules, subject(t, 0.10))
	assert.True(t, out.RequiresApproval)
	assert.Equal(t, []string{"tight"}, out.Applied)
	require.Len(t, out.Reasons, 1)
	assert.Equal(t, domain.ReasonCostLimit, out.Reasons[0].Code)

	out = e.Apply(rules, subject(t, 0.01))
	assert.False(t, out.RequiresApproval)
	assert.Empty(t, out.Reasons)
}

func TestEvaluationErrorFailsClosed(t *testing.T) {
	e, err := NewEvaluator()
	require.NoError(t, err)
	rules := []domain.GovernanceRule{
		{ID: "r1", Name: "missing field", RuleType: domain.RuleApprovalGate, Condition: strPtr(`order.input.missing > 1`), Active: true},
	}
	out := e.Apply(rules, subject(t, 0.10))
	assert.True(t, out.RequiresApproval)
}
