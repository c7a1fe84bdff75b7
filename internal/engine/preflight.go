package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"missioncontrol/internal/catalog"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/estimator"
	"missioncontrol/internal/events"
	"missioncontrol/internal/governance"
	"missioncontrol/internal/ledger"
	"missioncontrol/internal/money"
	"missioncontrol/internal/repo"
	"missioncontrol/internal/telemetry"
)

// PreflightResult is the gate decision for one work order.
type PreflightResult struct {
	WorkOrder        domain.WorkOrder
	Estimate         domain.Estimate
	PreflightStatus  string
	RequiresApproval bool
	Reasons          []domain.Reason
	Summary          string
	Budget           domain.BudgetSnapshot
	AppliedRules     []string
}

// rendered is a work order's prompt, resolved against its prompt pack.
type rendered struct {
	limits catalog.WorkTypeLimits
	model  string
	price  catalog.Price
	system string
	user   string
	input  map[string]any
}

func (e Engine) render(w domain.WorkOrder) (rendered, error) {
	limits, _ := e.Catalog.WorkType(w.WorkType)
	model, err := e.Catalog.ModelForTier(limits.Tier)
	if err != nil {
		return rendered{}, fmt.Errorf("%w: %v", ErrPricingNotFound, err)
	}
	price, err := e.Catalog.Price(model)
	if err != nil {
		return rendered{}, err
	}
	input, err := decodeInput(w.InputJSON)
	if err != nil {
		return rendered{}, err
	}
	pack, _ := e.Catalog.PromptPack(w.WorkType)
	return rendered{
		limits: limits,
		model:  model,
		price:  price,
		system: pack.SystemPrompt,
		user:   estimator.RenderUserPrompt(pack.UserPromptTemplate, w.WorkType, input),
		input:  input,
	}, nil
}

// costCap is the per-work-order cap: the one fixed at the first preflight,
// otherwise the one that preflight would fix.
func (e Engine) costCap(w domain.WorkOrder, limits catalog.WorkTypeLimits) money.Amount {
	if w.CostCap != nil {
		return *w.CostCap
	}
	c := limits.CostCap
	if w.RequestedCostCap != nil {
		c = *w.RequestedCostCap
	}
	if global := e.Catalog.Budgets.PerWorkOrderCap; global > 0 {
		c = money.Min(c, global)
	}
	return c
}

// gate estimates w and evaluates every cap and governance rule against the
// expected cost. When apply is set the decision is written to w.Status.
func (e Engine) gate(ctx context.Context, tx *sql.Tx, w *domain.WorkOrder, actorID string, apply bool) (PreflightResult, error) {
	r, err := e.render(*w)
	if err != nil {
		return PreflightResult{}, err
	}
	est, err := e.Estimator.Estimate(r.system, r.user, r.model, estimator.Options{
		ContextSnippet:  w.ContextSnippet,
		MaxOutputTokens: r.limits.MaxOutputTokens,
		ExpectedTurns:   r.limits.ExpectedTurns,
		MaxTurns:        r.limits.MaxTurns,
	})
	if err != nil {
		return PreflightResult{}, err
	}

	now := e.now()
	budgets := e.Catalog.Budgets
	day := budgets.Day(now)
	if err := e.Ledger.EnsureDay(ctx, tx, day, budgets.DailyCap, budgets.WarningThreshold); err != nil {
		return PreflightResult{}, err
	}
	daily, err := e.Ledger.Get(ctx, tx, day)
	if err != nil {
		return PreflightResult{}, err
	}
	agentSpent, err := e.Ledger.SpendTodayByAgent(ctx, tx, day, w.AgentID)
	if err != nil {
		return PreflightResult{}, err
	}
	snapshot := ledger.Snapshot(daily, budgets.DailyCap, budgets.WarningThreshold)

	orderCap := e.costCap(*w, r.limits)
	if apply {
		w.CostCap = &orderCap
	}
	approved := w.Approved()
	check := estimator.CheckBudget(est.Cost, estimator.Limits{
		DailyCap:     daily.DailyCap,
		DailySpent:   daily.Actual + daily.Reserved,
		WorkOrderCap: orderCap,
		AgentCap:     budgets.PerAgentCap,
		AgentSpent:   agentSpent,
		Approved:     approved,
	})

	rules, err := e.Repo.ListRules(ctx, tx, true)
	if err != nil {
		return PreflightResult{}, err
	}
	outcome := e.Governance.Apply(rules, governance.Subject{
		AgentID:   w.AgentID,
		WorkType:  w.WorkType,
		WorstCase: est.WorstCaseCost,
		Input:     governance.Input(*w, r.input, est.Cost, est.WorstCaseCost, r.model, snapshot),
	})

	reasons := append([]domain.Reason{}, check.Reasons...)
	if !approved {
		if r.limits.RequiresApproval {
			reasons = append(reasons, domain.Reason{
				Code:    domain.ReasonWorkType,
				Message: fmt.Sprintf("Work type %q requires approval", w.WorkType),
			})
		}
		reasons = append(reasons, outcome.Reasons...)
	}
	requiresApproval := r.limits.RequiresApproval || outcome.RequiresApproval || !check.CanProceed
	status := domain.StatusReady
	switch {
	case approved && !check.DailyBlocked:
		status = domain.StatusQueued
	case requiresApproval:
		status = domain.StatusAwaitingApproval
	}

	stored := domain.Estimate{
		ID:                    uuid.NewString(),
		WorkOrderID:           w.ID,
		Model:                 est.Model,
		Tokenizer:             est.Tokenizer,
		PromptChars:           est.PromptChars,
		RawInputTokens:        est.RawInputTokens,
		InputTokens:           est.InputTokens,
		OutputTokens:          est.OutputTokens,
		TotalTokens:           est.TotalTokens,
		MaxOutputTokens:       est.MaxOutputTokens,
		ExpectedTurns:         est.ExpectedTurns,
		MaxTurns:              est.MaxTurns,
		SafetyMargin:          est.SafetyMargin,
		Cost:                  est.Cost,
		WorstCaseOutputTokens: est.WorstCaseOutputTokens,
		WorstCaseCost:         est.WorstCaseCost,
		CanProceed:            check.CanProceed,
		Reasons:               reasons,
		BudgetStatus:          snapshot.Status,
		DailyRemaining:        check.DailyRemaining,
		CreatedBy:             actorID,
		CreatedAt:             repo.FormatTime(now),
	}
	if err := e.Repo.InsertEstimate(ctx, tx, stored); err != nil {
		return PreflightResult{}, fmt.Errorf("insert estimate: %w", err)
	}

	model := est.Model
	w.Model = &model
	w.EstimatedInputTokens = &stored.InputTokens
	w.EstimatedOutputTokens = &stored.OutputTokens
	w.EstimatedCost = &stored.Cost
	w.WorstCaseCost = &stored.WorstCaseCost
	w.LatestEstimateID = &stored.ID
	w.UpdatedAt = stored.CreatedAt
	if apply {
		if err := transition(w, status); err != nil {
			return PreflightResult{}, err
		}
		w.BlockingReasons = reasons
		if status == domain.StatusAwaitingApproval {
			summary := Summary(reasons)
			w.ApprovalRequiredReason = &summary
		}
	}
	if err := e.Repo.UpdateWorkOrder(ctx, tx, w); err != nil {
		return PreflightResult{}, err
	}

	e.Events.Record(ctx, tx, events.WorkOrderEstimated, "work_order", w.ID, actorID, events.EventPayload{
		"estimate_id":     stored.ID,
		"model":           stored.Model,
		"input_tokens":    stored.InputTokens,
		"output_tokens":   stored.OutputTokens,
		"cost":            stored.Cost,
		"worst_case_cost": stored.WorstCaseCost,
		"can_proceed":     stored.CanProceed,
	})
	return PreflightResult{
		WorkOrder:        *w,
		Estimate:         stored,
		PreflightStatus:  status,
		RequiresApproval: status == domain.StatusAwaitingApproval,
		Reasons:          reasons,
		Summary:          Summary(reasons),
		Budget:           snapshot,
		AppliedRules:     outcome.Applied,
	}, nil
}

func gateable(status string) bool {
	switch status {
	case domain.StatusPending, domain.StatusReady, domain.StatusAwaitingApproval, domain.StatusQueued:
		return true
	}
	return false
}

// EstimateWorkOrder stores a new estimate and reports the budget check
// without changing the work order's status.
func (e Engine) EstimateWorkOrder(ctx context.Context, id, actorID string) (PreflightResult, error) {
	return e.runGate(ctx, id, actorID, false)
}

// Preflight runs the gate and records the decision on the work order.
func (e Engine) Preflight(ctx context.Context, id, actorID string) (PreflightResult, error) {
	return e.runGate(ctx, id, actorID, true)
}

func (e Engine) runGate(ctx context.Context, id, actorID string, apply bool) (res PreflightResult, err error) {
	ctx, span := e.startSpan(ctx, "missioncontrol.preflight", attribute.String("work_order", id), attribute.Bool("apply", apply))
	defer func() { endSpan(span, err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return PreflightResult{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkOrder(ctx, tx, id)
	if err != nil {
		return PreflightResult{}, err
	}
	if !gateable(w.Status) {
		return PreflightResult{}, TransitionError{From: w.Status, To: domain.StatusReady}
	}
	res, err = e.gate(ctx, tx, &w, actorID, apply)
	if err != nil {
		return PreflightResult{}, err
	}
	if apply {
		payload := events.EventPayload{
			"status":      res.PreflightStatus,
			"estimate_id": res.Estimate.ID,
			"reasons":     res.Reasons,
		}
		e.Events.Record(ctx, tx, events.WorkOrderPreflight, "work_order", w.ID, actorID, payload)
		if res.RequiresApproval {
			e.Events.Record(ctx, tx, events.WorkOrderBlocked, "work_order", w.ID, actorID, payload)
		}
	}
	if err := tx.Commit(); err != nil {
		return PreflightResult{}, err
	}
	if apply && e.Metrics != nil {
		e.Metrics.Preflights.Add(ctx, 1, telemetry.Status(res.PreflightStatus))
	}
	e.logger().DebugContext(ctx, "gate evaluated", "work_order", w.Number, "status", res.PreflightStatus,
		"cost", res.Estimate.Cost.String(), "reasons", len(res.Reasons))
	return res, nil
}

// EnsureFreshEstimate returns the latest estimate while it is younger than
// the freshness window, and runs the preflight gate inline otherwise.
func (e Engine) EnsureFreshEstimate(ctx context.Context, id, actorID string) (domain.Estimate, error) {
	w, err := e.Repo.GetWorkOrder(ctx, nil, id)
	if err != nil {
		return domain.Estimate{}, err
	}
	if w.Status != domain.StatusPending {
		latest, err := e.Repo.LatestEstimate(ctx, nil, w.ID)
		switch {
		case err == nil && e.fresh(latest):
			return latest, nil
		case err != nil && !errors.Is(err, repo.ErrNotFound):
			return domain.Estimate{}, err
		}
	}
	if !gateable(w.Status) {
		return domain.Estimate{}, fmt.Errorf("%w: work order %s is %s", ErrNoRecentEstimate, w.Number, w.Status)
	}
	e.logger().InfoContext(ctx, "estimate missing or stale, running preflight", "work_order", w.Number)
	res, err := e.Preflight(ctx, w.ID, actorID)
	if err != nil {
		return domain.Estimate{}, err
	}
	return res.Estimate, nil
}

func (e Engine) fresh(est domain.Estimate) bool {
	created, err := time.Parse(repo.TimeFormat, est.CreatedAt)
	if err != nil {
		return false
	}
	return e.now().Sub(created) < e.Config.Freshness()
}

// ListEstimates returns a work order's estimates, newest first.
func (e Engine) ListEstimates(ctx context.Context, id string) ([]domain.Estimate, error) {
	w, err := e.Repo.GetWorkOrder(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListEstimates(ctx, w.ID)
}
