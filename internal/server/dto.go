package server

import (
	"missioncontrol/internal/domain"
	"missioncontrol/internal/engine"
	"missioncontrol/internal/money"
)

// Request payloads

type CreateWorkOrderRequest struct {
	AgentID        string         `json:"agent_id" minLength:"1"`
	WorkType       string         `json:"work_type" minLength:"1"`
	Title          string         `json:"title,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	ContextSnippet string         `json:"context_snippet,omitempty"`
	CostCapUSD     *money.Amount  `json:"cost_cap_usd,omitempty"`
}

type ExecuteRequest struct {
	Force            bool   `json:"force,omitempty"`
	OverrideApproval bool   `json:"override_approval,omitempty"`
	OverrideReason   string `json:"override_reason,omitempty"`
}

type ApproveRequest struct {
	Notes string `json:"notes,omitempty"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type CreateRuleRequest struct {
	Name         string        `json:"name" minLength:"1"`
	RuleType     string        `json:"rule_type" enum:"approval_gate,cost_limit"`
	AgentID      *string       `json:"agent_id,omitempty"`
	WorkType     *string       `json:"work_type,omitempty"`
	Priority     int           `json:"priority,omitempty"`
	MaxPerRunUSD *money.Amount `json:"max_per_run_usd,omitempty"`
	Condition    *string       `json:"condition,omitempty"`
	Description  *string       `json:"description,omitempty"`
}

type ReviewRunLogRequest struct {
	Status         string  `json:"status" enum:"approved,rejected,modified"`
	Notes          string  `json:"notes,omitempty"`
	ModifiedOutput *string `json:"modified_output,omitempty"`
}

type ReconcileRequest struct {
	OlderThanMS int64 `json:"older_than_ms,omitempty" minimum:"0"`
}

type GrantRoleRequest struct {
	ActorID string `json:"actor_id" minLength:"1"`
	Role    string `json:"role" enum:"admin,attorney,operator,viewer"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type PreflightResponse struct {
	WorkOrder        domain.WorkOrder      `json:"work_order"`
	Estimate         domain.Estimate       `json:"estimate"`
	PreflightStatus  string                `json:"preflight_status" enum:"ready,awaiting_approval,queued"`
	CanProceed       bool                  `json:"can_proceed"`
	RequiresApproval bool                  `json:"requires_approval"`
	Reasons          []domain.Reason       `json:"reasons"`
	Summary          string                `json:"summary,omitempty"`
	Budget           domain.BudgetSnapshot `json:"budget"`
	AppliedRules     []string              `json:"applied_rules"`
}

type ExecutionResponse struct {
	WorkOrder  domain.WorkOrder      `json:"work_order"`
	Execution  domain.Execution      `json:"execution"`
	Estimate   domain.Estimate       `json:"estimate"`
	RunLog     domain.RunLog         `json:"run_log"`
	Comparison engine.Comparison     `json:"comparison"`
	Budget     domain.BudgetSnapshot `json:"budget"`
}

type APIKeyCreatedResponse struct {
	Key domain.APIKey `json:"key"`
	// Secret is shown once.
	Secret string `json:"secret"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedWorkOrders struct {
	Items      []domain.WorkOrder `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type paginatedRunLogs struct {
	Items      []domain.RunLog `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func preflightResponse(res engine.PreflightResult) PreflightResponse {
	return PreflightResponse{
		WorkOrder:        res.WorkOrder,
		Estimate:         res.Estimate,
		PreflightStatus:  res.PreflightStatus,
		CanProceed:       res.Estimate.CanProceed,
		RequiresApproval: res.RequiresApproval,
		Reasons:          nonNilSlice(res.Reasons),
		Summary:          res.Summary,
		Budget:           res.Budget,
		AppliedRules:     nonNilSlice(res.AppliedRules),
	}
}

func executionResponse(res engine.ExecutionResult) ExecutionResponse {
	return ExecutionResponse{
		WorkOrder:  res.WorkOrder,
		Execution:  res.Execution,
		Estimate:   res.Estimate,
		RunLog:     res.RunLog,
		Comparison: res.Comparison,
		Budget:     res.Budget,
	}
}

func nonNilSlice[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

// optionalBody reads an optional request body, treating an omitted one as
// the zero value.
func optionalBody[T any](body *T) T {
	if body == nil {
		var zero T
		return zero
	}
	return *body
}
