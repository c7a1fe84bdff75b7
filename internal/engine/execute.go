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
	"missioncontrol/internal/engine/auth"
	"missioncontrol/internal/estimator"
	"missioncontrol/internal/events"
	"missioncontrol/internal/inflight"
	"missioncontrol/internal/ledger"
	"missioncontrol/internal/money"
	"missioncontrol/internal/provider"
	"missioncontrol/internal/repo"
	"missioncontrol/internal/telemetry"
)

// Executors may dispatch work orders.
var Executors = []string{auth.RoleAdmin, auth.RoleAttorney, auth.RoleOperator}

type ExecuteOptions struct {
	ID    string
	Actor auth.Principal
	// Force lets an admin dispatch an order that is still awaiting approval.
	Force bool
	// OverrideApproval records an approval inline; OverrideReason becomes its notes.
	OverrideApproval bool
	OverrideReason   string
}

// Comparison is the actual-versus-estimate view of one execution. Nil
// variances mean the expected value was zero.
type Comparison struct {
	EstimatedTokens  int64        `json:"estimated_tokens"`
	ActualTokens     int64        `json:"actual_tokens"`
	EstimatedCost    money.Amount `json:"estimated_cost"`
	ActualCost       money.Amount `json:"actual_cost"`
	TokenVariancePct *float64     `json:"token_variance_pct"`
	CostVariancePct  *float64     `json:"cost_variance_pct"`
}

type ExecutionResult struct {
	WorkOrder  domain.WorkOrder
	Execution  domain.Execution
	Estimate   domain.Estimate
	RunLog     domain.RunLog
	Comparison Comparison
	Budget     domain.BudgetSnapshot
}

// dispatch is what the reservation transaction hands to the call and the
// settlement transaction.
type dispatch struct {
	order    domain.WorkOrder
	estimate domain.Estimate
	exec     domain.Execution
	r        rendered
	prompt   string
}

// settleTimeout bounds the settlement transaction after a dispatched call.
const settleTimeout = 30 * time.Second

type callOutcome struct {
	result   provider.Result
	err      error
	timedOut bool
	duration time.Duration
}

// Execute runs a work order against the metered provider. The daily budget is
// reserved before the call and settled with the actual cost afterwards, so the
// daily cap holds under concurrent executions.
func (e Engine) Execute(ctx context.Context, opts ExecuteOptions) (res ExecutionResult, err error) {
	if err := auth.Require(opts.Actor, "execute work orders", Executors...); err != nil {
		return ExecutionResult{}, err
	}
	if opts.Force {
		if err := auth.Require(opts.Actor, "force execution", auth.RoleAdmin); err != nil {
			return ExecutionResult{}, err
		}
	}
	if err := validOverride(opts); err != nil {
		return ExecutionResult{}, err
	}
	ctx, span := e.startSpan(ctx, "missioncontrol.execute", attribute.String("work_order", opts.ID), attribute.Bool("force", opts.Force))
	defer func() { endSpan(span, err) }()

	w, err := e.Repo.GetWorkOrder(ctx, nil, opts.ID)
	if err != nil {
		return ExecutionResult{}, err
	}
	release, err := e.Inflight.Acquire(ctx, "work_order:"+w.ID, e.Config.ExecutionTimeout()+time.Minute)
	if errors.Is(err, inflight.ErrBusy) {
		return ExecutionResult{}, fmt.Errorf("%w: work order %s is already executing", ErrConflict, w.Number)
	}
	if err != nil {
		return ExecutionResult{}, err
	}
	defer release()

	if _, err := e.EnsureFreshEstimate(ctx, w.ID, opts.Actor.ActorID); err != nil {
		return ExecutionResult{}, err
	}
	d, err := e.reserve(ctx, w.ID, opts)
	if err != nil {
		return ExecutionResult{}, err
	}
	out := e.invoke(ctx, d)
	// Settlement outlives the caller once the call is dispatched.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	return e.settle(settleCtx, d, out, opts.Actor.ActorID)
}

// reserve gates the order one last time and holds its expected cost against
// the daily budget. Nothing is dispatched when it returns an error.
func (e Engine) reserve(ctx context.Context, id string, opts ExecuteOptions) (dispatch, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return dispatch{}, err
	}
	defer tx.Rollback()

	actorID := opts.Actor.ActorID
	w, err := e.Repo.GetWorkOrder(ctx, tx, id)
	if err != nil {
		return dispatch{}, err
	}
	switch w.Status {
	case domain.StatusReady, domain.StatusQueued, domain.StatusAwaitingApproval:
	case domain.StatusInProgress:
		return dispatch{}, fmt.Errorf("%w: work order %s is already executing", ErrConflict, w.Number)
	default:
		return dispatch{}, TransitionError{From: w.Status, To: domain.StatusInProgress}
	}
	est, err := e.Repo.LatestEstimate(ctx, tx, w.ID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && !e.fresh(est)) {
		return dispatch{}, fmt.Errorf("%w: work order %s", ErrNoRecentEstimate, w.Number)
	}
	if err != nil {
		return dispatch{}, err
	}
	r, err := e.render(w)
	if err != nil {
		return dispatch{}, err
	}

	if opts.OverrideApproval && !w.Approved() {
		e.recordApproval(&w, actorID, opts.OverrideReason)
		e.Events.Record(ctx, tx, events.WorkOrderApproved, "work_order", w.ID, actorID, events.EventPayload{
			"number":   w.Number,
			"notes":    opts.OverrideReason,
			"override": true,
		})
	}
	approved := w.Approved() || opts.Force
	if w.Status == domain.StatusAwaitingApproval && !approved {
		return dispatch{}, &GateError{Kind: ErrApprovalRequired, WorkOrderID: w.ID, Status: w.Status, Reasons: w.BlockingReasons}
	}

	budgets := e.Catalog.Budgets
	day := budgets.Day(e.now())
	if err := e.Ledger.EnsureDay(ctx, tx, day, budgets.DailyCap, budgets.WarningThreshold); err != nil {
		return dispatch{}, err
	}
	daily, err := e.Ledger.Get(ctx, tx, day)
	if err != nil {
		return dispatch{}, err
	}
	agentSpent, err := e.Ledger.SpendTodayByAgent(ctx, tx, day, w.AgentID)
	if err != nil {
		return dispatch{}, err
	}
	orderCap := e.costCap(w, r.limits)
	check := estimator.CheckBudget(est.Cost, estimator.Limits{
		DailyCap:     daily.DailyCap,
		DailySpent:   daily.Actual + daily.Reserved,
		WorkOrderCap: orderCap,
		AgentCap:     budgets.PerAgentCap,
		AgentSpent:   agentSpent,
		Approved:     approved,
	})
	if soft := softReasons(check.Reasons); len(soft) > 0 {
		return dispatch{}, e.block(ctx, tx, w, actorID, ErrApprovalRequired, soft)
	}

	hold := reservation(est)
	ok, err := e.Ledger.TryReserve(ctx, tx, day, hold)
	if err != nil {
		return dispatch{}, fmt.Errorf("reserve daily budget: %w", err)
	}
	if !ok {
		reasons := dailyReasons(check.Reasons)
		if len(reasons) == 0 {
			reasons = []domain.Reason{{
				Code:    domain.ReasonDailyCap,
				Message: fmt.Sprintf("Daily budget exceeded: %s worst case cannot be held against the daily cap of %s", hold, daily.DailyCap),
			}}
		}
		return dispatch{}, e.block(ctx, tx, w, actorID, ErrBudgetExceeded, reasons)
	}

	if err := transition(&w, domain.StatusInProgress); err != nil {
		return dispatch{}, err
	}
	now := e.timestamp()
	w.BlockingReasons = []domain.Reason{}
	w.ApprovalRequiredReason = nil
	w.UpdatedAt = now
	if err := e.Repo.UpdateWorkOrder(ctx, tx, &w); err != nil {
		return dispatch{}, err
	}
	x := domain.Execution{
		ID:              uuid.NewString(),
		WorkOrderID:     w.ID,
		EstimateID:      est.ID,
		AgentID:         w.AgentID,
		WorkType:        w.WorkType,
		Model:           est.Model,
		Day:             day,
		Status:          domain.ExecutionDispatched,
		ReservedCost:    hold,
		EstimatedTokens: est.TotalTokens,
		EstimatedCost:   est.Cost,
		CreatedBy:       actorID,
		StartedAt:       now,
	}
	if err := e.Repo.InsertExecution(ctx, tx, x); err != nil {
		return dispatch{}, fmt.Errorf("insert execution: %w", err)
	}
	e.Events.Record(ctx, tx, events.ExecutionStarted, "execution", x.ID, actorID, events.EventPayload{
		"work_order_id": w.ID,
		"reserved":      x.ReservedCost,
		"model":         x.Model,
		"forced":        opts.Force && !w.Approved(),
	})
	if err := tx.Commit(); err != nil {
		return dispatch{}, err
	}
	if opts.Force && !w.Approved() {
		e.logger().WarnContext(ctx, "forced execution without approval", "work_order", w.Number, "actor", actorID)
	}
	return dispatch{
		order:    w,
		estimate: est,
		exec:     x,
		r:        r,
		prompt:   estimator.AssemblePrompt(r.system, w.ContextSnippet, r.user),
	}, nil
}

// block sends the order back to awaiting_approval with the reasons that
// stopped it and commits that decision.
func (e Engine) block(ctx context.Context, tx *sql.Tx, w domain.WorkOrder, actorID string, kind error, reasons []domain.Reason) error {
	if err := transition(&w, domain.StatusAwaitingApproval); err != nil {
		return err
	}
	summary := Summary(reasons)
	w.BlockingReasons = reasons
	w.ApprovalRequiredReason = &summary
	w.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateWorkOrder(ctx, tx, &w); err != nil {
		return err
	}
	e.Events.Record(ctx, tx, events.WorkOrderBlocked, "work_order", w.ID, actorID, events.EventPayload{
		"status":  w.Status,
		"reasons": reasons,
		"stage":   "execute",
	})
	if err := tx.Commit(); err != nil {
		return err
	}
	if errors.Is(kind, ErrBudgetExceeded) && e.Metrics != nil {
		e.Metrics.BudgetRejections.Add(ctx, 1)
	}
	e.logger().InfoContext(ctx, "execution blocked", "work_order", w.Number, "reason", summary)
	return &GateError{Kind: kind, WorkOrderID: w.ID, Status: w.Status, Reasons: reasons}
}

// reservation is the amount held against the daily budget while a call is in
// flight. It is never less than the worst case.
func reservation(est domain.Estimate) money.Amount {
	if est.WorstCaseCost > est.Cost {
		return est.WorstCaseCost
	}
	return est.Cost
}

func softReasons(reasons []domain.Reason) []domain.Reason {
	var out []domain.Reason
	for _, r := range reasons {
		if r.Code != domain.ReasonDailyCap {
			out = append(out, r)
		}
	}
	return out
}

// invoke makes the metered call. Once dispatched it runs to completion or
// timeout even if the caller goes away.
func (e Engine) invoke(ctx context.Context, d dispatch) callOutcome {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.Config.ExecutionTimeout())
	defer cancel()
	start := time.Now()
	res, err := e.Provider.Invoke(callCtx, provider.PromptSpec{
		WorkOrderID:           d.order.ID,
		WorkType:              d.order.WorkType,
		Model:                 d.estimate.Model,
		System:                d.r.system,
		User:                  d.r.user,
		Prompt:                d.prompt,
		MaxOutputTokens:       d.r.limits.MaxOutputTokens,
		EstimatedInputTokens:  d.estimate.InputTokens,
		EstimatedOutputTokens: d.estimate.OutputTokens,
	})
	out := callOutcome{result: res, err: err, duration: time.Since(start)}
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)) {
		out.timedOut = true
	}
	return out
}

// settle records the outcome of a dispatched call and moves its reservation
// into actual spend. Failures to commit leave the execution dispatched for
// Reconcile.
func (e Engine) settle(ctx context.Context, d dispatch, out callOutcome, actorID string) (ExecutionResult, error) {
	price, err := e.Catalog.Price(d.estimate.Model)
	if err != nil {
		return ExecutionResult{}, e.persistenceFailure(ctx, d, err)
	}

	status := domain.ExecutionCompleted
	runStatus := domain.RunSuccess
	var (
		in, outTokens int64
		reported      bool
		billable      bool
		errText       *string
		callErr       error
	)
	switch {
	case out.err == nil:
		in, outTokens, reported, billable = out.result.InputTokens, out.result.OutputTokens, true, true
	case out.timedOut:
		status, runStatus = domain.ExecutionFailed, domain.RunFailed
		msg := fmt.Sprintf("external call timed out after %s", e.Config.ExecutionTimeout())
		errText = &msg
		callErr = fmt.Errorf("%w: %s", ErrExternalCallTimeout, msg)
	default:
		status, runStatus = domain.ExecutionFailed, domain.RunFailed
		in, outTokens, reported = provider.Usage(out.err)
		billable = reported && e.Config.Execution.BillableOnFailure
		msg := out.err.Error()
		errText = &msg
		callErr = fmt.Errorf("%w: %v", ErrExternalCallFailed, out.err)
	}

	var actual money.Amount
	if reported {
		actual = catalog.CostFromTokens(price, in, outTokens)
	}
	charged := money.Amount(0)
	if billable {
		charged = actual
	}
	cmp := Comparison{
		EstimatedTokens: d.estimate.TotalTokens,
		ActualTokens:    in + outTokens,
		EstimatedCost:   d.estimate.Cost,
		ActualCost:      actual,
	}
	if reported {
		cmp.TokenVariancePct = variancePct(cmp.ActualTokens, cmp.EstimatedTokens)
		cmp.CostVariancePct = costVariance(actual, d.estimate.Cost)
	}

	var output *string
	if out.err == nil {
		text := out.result.Text
		output = &text
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ExecutionResult{}, e.persistenceFailure(ctx, d, err)
	}
	defer tx.Rollback()

	now := e.timestamp()
	durationMS := out.duration.Milliseconds()
	l, err := e.appendRunLog(ctx, tx, d, runStatus, output, in, outTokens, actual, cmp, durationMS, errText)
	if err != nil {
		return ExecutionResult{}, e.persistenceFailure(ctx, d, err)
	}

	x := d.exec
	x.Status = status
	x.ChargedCost = charged
	x.Billable = billable
	x.TokenVariancePct = cmp.TokenVariancePct
	x.CostVariancePct = cmp.CostVariancePct
	x.Error = errText
	x.RunLogID = &l.ID
	x.FinishedAt = &now
	x.DurationMS = &durationMS
	if reported {
		x.InputTokens, x.OutputTokens, x.ActualCost = &in, &outTokens, &actual
	}
	if err := e.Repo.FinishExecution(ctx, tx, x); err != nil {
		return ExecutionResult{}, e.persistenceFailure(ctx, d, err)
	}

	w := d.order
	woStatus := domain.StatusCompleted
	if status == domain.ExecutionFailed {
		woStatus = domain.StatusFailed
	}
	if err := transition(&w, woStatus); err != nil {
		return ExecutionResult{}, e.persistenceFailure(ctx, d, err)
	}
	if reported {
		w.ActualInputTokens, w.ActualOutputTokens = &in, &outTokens
	}
	w.ActualCost = &charged
	w.Error = errText
	w.UpdatedAt = now
	w.CompletedAt = &now
	if err := e.Repo.UpdateWorkOrder(ctx, tx, &w); err != nil {
		return ExecutionResult{}, e.persistenceFailure(ctx, d, err)
	}

	snap, err := e.settleLedger(ctx, tx, x.Day, x.ReservedCost, charged, actorID)
	if err != nil {
		return ExecutionResult{}, e.persistenceFailure(ctx, d, err)
	}

	// A provider may report more usage than was reserved. The charge is
	// recorded as billed; the day's remaining budget absorbs the difference.
	overrun := charged > x.ReservedCost
	if overrun {
		e.logger().WarnContext(ctx, "charge exceeded reservation", "work_order", w.Number, "execution", x.ID,
			"reserved", x.ReservedCost.String(), "charged", charged.String(), "day_status", snap.Status)
	}

	evt := events.ExecutionCompleted
	if status == domain.ExecutionFailed {
		evt = events.ExecutionFailed
	}
	e.Events.Record(ctx, tx, evt, "execution", x.ID, actorID, events.EventPayload{
		"work_order_id": w.ID,
		"reserved":      x.ReservedCost,
		"overrun":       overrun,
		"charged":       charged,
		"actual_cost":   actual,
		"input_tokens":  in,
		"output_tokens": outTokens,
		"billable":      billable,
		"error":         errText,
	})
	if err := tx.Commit(); err != nil {
		return ExecutionResult{}, e.persistenceFailure(ctx, d, err)
	}

	if e.Metrics != nil {
		e.Metrics.Executions.Add(ctx, 1, telemetry.Status(status))
		e.Metrics.ExecutionDuration.Record(ctx, out.duration.Seconds(), telemetry.Status(status))
		if charged > 0 {
			e.Metrics.Spend.Add(ctx, charged.Float64())
		}
	}
	e.logger().InfoContext(ctx, "execution finished", "work_order", w.Number, "status", status,
		"charged", charged.String(), "reserved", x.ReservedCost.String(), "duration_ms", durationMS)

	res := ExecutionResult{
		WorkOrder:  w,
		Execution:  x,
		Estimate:   d.estimate,
		RunLog:     l,
		Comparison: cmp,
		Budget:     snap,
	}
	return res, callErr
}

func (e Engine) appendRunLog(ctx context.Context, tx *sql.Tx, d dispatch, status string, output *string, in, out int64,
	actual money.Amount, cmp Comparison, durationMS int64, errText *string) (domain.RunLog, error) {
	l := domain.RunLog{
		ID:               uuid.NewString(),
		ExecutionID:      d.exec.ID,
		WorkOrderID:      d.order.ID,
		AgentID:          d.order.AgentID,
		WorkType:         d.order.WorkType,
		Model:            d.estimate.Model,
		Status:           status,
		Prompt:           d.prompt,
		InputJSON:        d.order.InputJSON,
		OutputText:       output,
		InputTokens:      in,
		OutputTokens:     out,
		EstimatedCost:    d.estimate.Cost,
		ActualCost:       actual,
		TokenVariancePct: cmp.TokenVariancePct,
		CostVariancePct:  cmp.CostVariancePct,
		DurationMS:       durationMS,
		Error:            errText,
		CreatedAt:        e.timestamp(),
	}
	l.RequiresHumanReview = e.needsReview(status, cmp.CostVariancePct, d.r.limits.ReviewRequired)
	digest, err := snapshot{
		WorkOrderID: l.WorkOrderID,
		ExecutionID: l.ExecutionID,
		Model:       l.Model,
		Prompt:      l.Prompt,
		Input:       d.r.input,
		Output:      output,
	}.digest()
	if err != nil {
		return domain.RunLog{}, err
	}
	l.SnapshotDigest = digest
	if err := e.Repo.InsertRunLog(ctx, tx, l); err != nil {
		return domain.RunLog{}, fmt.Errorf("insert run log: %w", err)
	}
	return l, nil
}

// settleLedger converts a reservation into spend and raises an alert when the
// day crosses into the warning or exceeded zone.
func (e Engine) settleLedger(ctx context.Context, tx *sql.Tx, day string, reserved, charged money.Amount, actorID string) (domain.BudgetSnapshot, error) {
	budgets := e.Catalog.Budgets
	before, err := e.Ledger.Get(ctx, tx, day)
	if err != nil {
		return domain.BudgetSnapshot{}, err
	}
	if err := e.Ledger.Settle(ctx, tx, day, reserved, charged); err != nil {
		return domain.BudgetSnapshot{}, fmt.Errorf("settle daily budget: %w", err)
	}
	after, err := e.Ledger.Get(ctx, tx, day)
	if err != nil {
		return domain.BudgetSnapshot{}, err
	}
	prev := ledger.Snapshot(before, budgets.DailyCap, budgets.WarningThreshold)
	snap := ledger.Snapshot(after, budgets.DailyCap, budgets.WarningThreshold)
	if snap.Status != prev.Status && snap.Status != domain.BudgetHealthy {
		evt := events.BudgetWarning
		if snap.Status == domain.BudgetExceeded {
			evt = events.BudgetExceeded
		}
		e.Events.Record(ctx, tx, evt, "daily_budget", day, actorID, events.EventPayload{
			"actual":          snap.Actual,
			"daily_cap":       snap.DailyCap,
			"utilization_pct": snap.UtilizationPct,
			"message":         snap.Message,
		})
		e.logger().WarnContext(ctx, "daily budget zone changed", "day", day, "status", snap.Status, "utilization_pct", snap.UtilizationPct)
	}
	return snap, nil
}

// persistenceFailure reports a settlement that could not be written. The
// reservation stays in place until Reconcile settles it.
func (e Engine) persistenceFailure(ctx context.Context, d dispatch, err error) error {
	e.logger().ErrorContext(ctx, "execution settlement failed, left for reconcile",
		"work_order", d.order.Number, "execution", d.exec.ID, "reserved", d.exec.ReservedCost.String(), "err", err)
	return fmt.Errorf("%w: execution %s: %v", ErrPersistence, d.exec.ID, err)
}

// ListExecutions returns a work order's executions, newest first.
func (e Engine) ListExecutions(ctx context.Context, id string) ([]domain.Execution, error) {
	w, err := e.Repo.GetWorkOrder(ctx, nil, id)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListExecutions(ctx, w.ID)
}

type ReconcileResult struct {
	Settled []domain.Execution `json:"settled"`
	Skipped int                `json:"skipped"`
}

// Reconcile settles executions left dispatched longer than olderThan at their
// reserved amount, fails their work orders and flags their run logs for
// review. A zero olderThan uses execution.reconcile_after_ms.
func (e Engine) Reconcile(ctx context.Context, olderThan time.Duration, actor auth.Principal) (ReconcileResult, error) {
	if err := auth.Require(actor, "reconcile executions", auth.RoleAdmin, auth.RoleOperator); err != nil {
		return ReconcileResult{}, err
	}
	if olderThan <= 0 {
		olderThan = time.Duration(e.Config.Execution.ReconcileAfterMS) * time.Millisecond
	}
	cutoff := repo.FormatTime(e.now().Add(-olderThan))
	stranded, err := e.Repo.ListDispatchedBefore(ctx, cutoff)
	if err != nil {
		return ReconcileResult{}, err
	}
	res := ReconcileResult{Settled: []domain.Execution{}}
	for _, x := range stranded {
		settled, err := e.reconcileOne(ctx, x, actor.ActorID)
		if errors.Is(err, repo.ErrConflict) {
			res.Skipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("reconcile execution %s: %w", x.ID, err)
		}
		res.Settled = append(res.Settled, settled)
	}
	if len(stranded) > 0 {
		e.logger().InfoContext(ctx, "reconcile finished", "settled", len(res.Settled), "skipped", res.Skipped)
	}
	return res, nil
}

func (e Engine) reconcileOne(ctx context.Context, x domain.Execution, actorID string) (domain.Execution, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Execution{}, err
	}
	defer tx.Rollback()

	x, err = e.Repo.GetExecution(ctx, tx, x.ID)
	if err != nil {
		return domain.Execution{}, err
	}
	if x.Status != domain.ExecutionDispatched {
		return domain.Execution{}, repo.ErrConflict
	}
	w, err := e.Repo.GetWorkOrder(ctx, tx, x.WorkOrderID)
	if err != nil {
		return domain.Execution{}, err
	}
	est, err := e.Repo.GetEstimate(ctx, tx, x.EstimateID)
	if err != nil {
		return domain.Execution{}, err
	}
	r, err := e.render(w)
	if err != nil {
		return domain.Execution{}, err
	}
	d := dispatch{order: w, estimate: est, exec: x, r: r, prompt: estimator.AssemblePrompt(r.system, w.ContextSnippet, r.user)}

	msg := "execution outcome was not recorded; settled at the reserved amount"
	l, err := e.appendRunLog(ctx, tx, d, domain.RunReconciled, nil, 0, 0, x.ReservedCost, Comparison{}, 0, &msg)
	if err != nil {
		return domain.Execution{}, err
	}

	now := e.timestamp()
	x.Status = domain.ExecutionReconciled
	x.ChargedCost = x.ReservedCost
	x.ActualCost = &x.ReservedCost
	x.Billable = true
	x.Error = &msg
	x.RunLogID = &l.ID
	x.FinishedAt = &now
	if err := e.Repo.FinishExecution(ctx, tx, x); err != nil {
		return domain.Execution{}, err
	}
	if w.Status == domain.StatusInProgress {
		if err := transition(&w, domain.StatusFailed); err != nil {
			return domain.Execution{}, err
		}
		w.ActualCost = &x.ReservedCost
		w.Error = &msg
		w.UpdatedAt = now
		w.CompletedAt = &now
		if err := e.Repo.UpdateWorkOrder(ctx, tx, &w); err != nil {
			return domain.Execution{}, err
		}
	}
	if _, err := e.settleLedger(ctx, tx, x.Day, x.ReservedCost, x.ReservedCost, actorID); err != nil {
		return domain.Execution{}, err
	}
	e.Events.Record(ctx, tx, events.ExecutionReconcile, "execution", x.ID, actorID, events.EventPayload{
		"work_order_id": w.ID,
		"charged":       x.ChargedCost,
	})
	if err := tx.Commit(); err != nil {
		return domain.Execution{}, err
	}
	if e.Metrics != nil {
		e.Metrics.Reconciled.Add(ctx, 1)
		e.Metrics.Spend.Add(ctx, x.ChargedCost.Float64())
	}
	e.logger().WarnContext(ctx, "stranded execution reconciled", "work_order", w.Number, "execution", x.ID, "charged", x.ChargedCost.String())
	return x, nil
}
