package domain

import "missioncontrol/internal/money"

const (
	StatusPending          = "pending"
	StatusReady            = "ready"
	StatusAwaitingApproval = "awaiting_approval"
	StatusQueued           = "queued"
	StatusInProgress       = "in_progress"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusCancelled        = "cancelled"
)

// Terminal reports whether a work order status is final.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

const (
	ExecutionDispatched = "dispatched"
	ExecutionCompleted  = "completed"
	ExecutionFailed     = "failed"
	ExecutionReconciled = "reconciled"
)

const (
	BudgetHealthy  = "healthy"
	BudgetWarning  = "warning"
	BudgetExceeded = "exceeded"
)

const (
	ReasonDailyCap     = "daily_cap"
	ReasonWorkOrderCap = "work_order_cap"
	ReasonAgentCap     = "agent_cap"
	ReasonApprovalGate = "approval_gate"
	ReasonCostLimit    = "cost_limit"
	ReasonWorkType     = "work_type_requires_approval"
)

// Reason is one blocking condition with a machine code and a readable message.
type Reason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type WorkOrder struct {
	ID                     string        `json:"id"`
	Number                 string        `json:"number"`
	AgentID                string        `json:"agent_id"`
	WorkType               string        `json:"work_type"`
	Title                  string        `json:"title,omitempty"`
	Status                 string        `json:"status" enum:"pending,ready,awaiting_approval,queued,in_progress,completed,failed,cancelled"`
	InputJSON              string        `json:"input_json"`
	ContextSnippet         string        `json:"context_snippet,omitempty"`
	Model                  *string       `json:"model,omitempty"`
	RequestedCostCap       *money.Amount `json:"requested_cost_cap,omitempty"`
	CostCap                *money.Amount `json:"cost_cap,omitempty"`
	EstimatedInputTokens   *int64        `json:"estimated_input_tokens,omitempty"`
	EstimatedOutputTokens  *int64        `json:"estimated_output_tokens,omitempty"`
	EstimatedCost          *money.Amount `json:"estimated_cost,omitempty"`
	WorstCaseCost          *money.Amount `json:"worst_case_cost,omitempty"`
	LatestEstimateID       *string       `json:"latest_estimate_id,omitempty"`
	ActualInputTokens      *int64        `json:"actual_input_tokens,omitempty"`
	ActualOutputTokens     *int64        `json:"actual_output_tokens,omitempty"`
	ActualCost             *money.Amount `json:"actual_cost,omitempty"`
	BlockingReasons        []Reason      `json:"blocking_reasons"`
	ApprovalRequiredReason *string       `json:"approval_required_reason,omitempty"`
	ApprovedBy             *string       `json:"approved_by,omitempty"`
	ApprovedAt             *string       `json:"approved_at,omitempty" format:"date-time"`
	ApprovalNotes          *string       `json:"approval_notes,omitempty"`
	Error                  *string       `json:"error,omitempty"`
	RetryOf                *string       `json:"retry_of,omitempty"`
	Attempt                int           `json:"attempt"`
	CreatedBy              string        `json:"created_by"`
	Version                int64         `json:"version"`
	CreatedAt              string        `json:"created_at" format:"date-time"`
	UpdatedAt              string        `json:"updated_at" format:"date-time"`
	CompletedAt            *string       `json:"completed_at,omitempty" format:"date-time"`
}

// Approved reports whether an approval record exists.
func (w WorkOrder) Approved() bool {
	return w.ApprovedBy != nil && *w.ApprovedBy != "" && w.ApprovedAt != nil
}

// Estimate is immutable once stored.
type Estimate struct {
	ID                    string       `json:"id"`
	WorkOrderID           string       `json:"work_order_id"`
	Model                 string       `json:"model"`
	Tokenizer             string       `json:"tokenizer"`
	PromptChars           int          `json:"prompt_chars"`
	RawInputTokens        int64        `json:"raw_input_tokens"`
	InputTokens           int64        `json:"input_tokens"`
	OutputTokens          int64        `json:"output_tokens"`
	TotalTokens           int64        `json:"total_tokens"`
	MaxOutputTokens       int64        `json:"max_output_tokens"`
	ExpectedTurns         int          `json:"expected_turns"`
	MaxTurns              int          `json:"max_turns"`
	SafetyMargin          float64      `json:"safety_margin"`
	Cost                  money.Amount `json:"cost"`
	WorstCaseOutputTokens int64        `json:"worst_case_output_tokens"`
	WorstCaseCost         money.Amount `json:"worst_case_cost"`
	CanProceed            bool         `json:"can_proceed"`
	Reasons               []Reason     `json:"reasons"`
	BudgetStatus          string       `json:"budget_status"`
	DailyRemaining        money.Amount `json:"daily_remaining"`
	CreatedBy             string       `json:"created_by"`
	CreatedAt             string       `json:"created_at" format:"date-time"`
}

type Execution struct {
	ID               string        `json:"id"`
	WorkOrderID      string        `json:"work_order_id"`
	EstimateID       string        `json:"estimate_id"`
	AgentID          string        `json:"agent_id"`
	WorkType         string        `json:"work_type"`
	Model            string        `json:"model"`
	Day              string        `json:"day"`
	Status           string        `json:"status" enum:"dispatched,completed,failed,reconciled"`
	ReservedCost     money.Amount  `json:"reserved_cost"`
	EstimatedTokens  int64         `json:"estimated_tokens"`
	EstimatedCost    money.Amount  `json:"estimated_cost"`
	InputTokens      *int64        `json:"input_tokens,omitempty"`
	OutputTokens     *int64        `json:"output_tokens,omitempty"`
	ActualCost       *money.Amount `json:"actual_cost,omitempty"`
	ChargedCost      money.Amount  `json:"charged_cost"`
	TokenVariancePct *float64      `json:"token_variance_pct,omitempty"`
	CostVariancePct  *float64      `json:"cost_variance_pct,omitempty"`
	Billable         bool          `json:"billable"`
	Error            *string       `json:"error,omitempty"`
	RunLogID         *string       `json:"run_log_id,omitempty"`
	CreatedBy        string        `json:"created_by"`
	StartedAt        string        `json:"started_at" format:"date-time"`
	FinishedAt       *string       `json:"finished_at,omitempty" format:"date-time"`
	DurationMS       *int64        `json:"duration_ms,omitempty"`
}

// DailyBudget is the per-day contended aggregate.
type DailyBudget struct {
	Day              string       `json:"day"`
	DailyCap         money.Amount `json:"daily_cap"`
	WarningThreshold float64      `json:"warning_threshold"`
	Actual           money.Amount `json:"actual"`
	Reserved         money.Amount `json:"reserved"`
	ExecutionCount   int64        `json:"execution_count"`
	UpdatedAt        string       `json:"updated_at" format:"date-time"`
}

// BudgetSnapshot is a DailyBudget with derived figures.
type BudgetSnapshot struct {
	DailyBudget
	Remaining      money.Amount `json:"remaining"`
	UtilizationPct float64      `json:"utilization_pct"`
	Status         string       `json:"status" enum:"healthy,warning,exceeded"`
	Message        *string      `json:"message,omitempty"`
}

type AgentSpend struct {
	AgentID        string       `json:"agent_id"`
	Spent          money.Amount `json:"spent"`
	ExecutionCount int64        `json:"execution_count"`
}

type WorkTypeSpend struct {
	WorkType       string       `json:"work_type"`
	Spent          money.Amount `json:"spent"`
	ExecutionCount int64        `json:"execution_count"`
}

const (
	RuleApprovalGate = "approval_gate"
	RuleCostLimit    = "cost_limit"
)

type GovernanceRule struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	RuleType    string        `json:"rule_type" enum:"approval_gate,cost_limit"`
	AgentID     *string       `json:"agent_id,omitempty"`
	WorkType    *string       `json:"work_type,omitempty"`
	Priority    int           `json:"priority"`
	MaxPerRun   *money.Amount `json:"max_per_run,omitempty"`
	Condition   *string       `json:"condition,omitempty"`
	Description *string       `json:"description,omitempty"`
	Active      bool          `json:"active"`
	CreatedBy   string        `json:"created_by"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	UpdatedAt   string        `json:"updated_at" format:"date-time"`
}

const (
	RunSuccess    = "success"
	RunFailed     = "failed"
	RunReconciled = "reconciled"

	ReviewApproved = "approved"
	ReviewRejected = "rejected"
	ReviewModified = "modified"
)

type RunLog struct {
	ID                  string       `json:"id"`
	ExecutionID         string       `json:"execution_id"`
	WorkOrderID         string       `json:"work_order_id"`
	AgentID             string       `json:"agent_id"`
	WorkType            string       `json:"work_type"`
	Model               string       `json:"model"`
	Status              string       `json:"status" enum:"success,failed,reconciled"`
	Prompt              string       `json:"prompt"`
	InputJSON           string       `json:"input_json"`
	OutputText          *string      `json:"output_text,omitempty"`
	SnapshotDigest      string       `json:"snapshot_digest"`
	InputTokens         int64        `json:"input_tokens"`
	OutputTokens        int64        `json:"output_tokens"`
	EstimatedCost       money.Amount `json:"estimated_cost"`
	ActualCost          money.Amount `json:"actual_cost"`
	TokenVariancePct    *float64     `json:"token_variance_pct,omitempty"`
	CostVariancePct     *float64     `json:"cost_variance_pct,omitempty"`
	DurationMS          int64        `json:"duration_ms"`
	Error               *string      `json:"error,omitempty"`
	RequiresHumanReview bool         `json:"requires_human_review"`
	ReviewStatus        *string      `json:"review_status,omitempty" enum:"approved,rejected,modified"`
	ReviewedBy          *string      `json:"reviewed_by,omitempty"`
	ReviewedAt          *string      `json:"reviewed_at,omitempty" format:"date-time"`
	ReviewNotes         *string      `json:"review_notes,omitempty"`
	ModifiedOutput      *string      `json:"modified_output,omitempty"`
	CreatedAt           string       `json:"created_at" format:"date-time"`
}

type RunLogStats struct {
	Total          int64            `json:"total"`
	ByStatus       map[string]int64 `json:"by_status"`
	PendingReviews int64            `json:"pending_reviews"`
	AvgDurationMS  float64          `json:"avg_duration_ms"`
	TotalTokens    int64            `json:"total_tokens"`
	TotalCost      money.Amount     `json:"total_cost"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    any    `json:"payload"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"-"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RoleGrant struct {
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	GrantedBy string `json:"granted_by"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Dashboard struct {
	Budget           BudgetSnapshot  `json:"budget"`
	TopAgents        []AgentSpend    `json:"top_agents"`
	SpendByWorkType  []WorkTypeSpend `json:"spend_by_work_type"`
	History          []DailyBudget   `json:"history"`
	PendingApprovals int64           `json:"pending_approvals"`
	PendingReviews   int64           `json:"pending_reviews"`
	InFlight         int64           `json:"in_flight"`
}
