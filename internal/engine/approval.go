package engine

import (
	"context"
	"fmt"
	"strings"

	"missioncontrol/internal/domain"
	"missioncontrol/internal/engine/auth"
	"missioncontrol/internal/events"
)

type ApproveOptions struct {
	ID    string
	Actor auth.Principal
	Notes string
}

// Approve lifts the per-order, per-agent and governance objections on a work
// order waiting for approval. It never re-estimates, and the daily cap is
// checked again when the order executes.
func (e Engine) Approve(ctx context.Context, opts ApproveOptions) (domain.WorkOrder, error) {
	if err := auth.Require(opts.Actor, "approve work orders", auth.Approvers...); err != nil {
		return domain.WorkOrder{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkOrder(ctx, tx, opts.ID)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if w.Status != domain.StatusAwaitingApproval {
		return domain.WorkOrder{}, TransitionError{From: w.Status, To: domain.StatusQueued}
	}
	if err := transition(&w, domain.StatusQueued); err != nil {
		return domain.WorkOrder{}, err
	}
	e.recordApproval(&w, opts.Actor.ActorID, opts.Notes)
	if err := e.Repo.UpdateWorkOrder(ctx, tx, &w); err != nil {
		return domain.WorkOrder{}, err
	}
	e.Events.Record(ctx, tx, events.WorkOrderApproved, "work_order", w.ID, opts.Actor.ActorID, events.EventPayload{
		"number": w.Number,
		"notes":  opts.Notes,
	})
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	e.logger().InfoContext(ctx, "work order approved", "work_order", w.Number, "actor", opts.Actor.ActorID)
	return w, nil
}

// recordApproval writes the approval record. Only a daily cap reason can
// still block an approved order.
func (e Engine) recordApproval(w *domain.WorkOrder, actorID, notes string) {
	now := e.timestamp()
	approver := actorID
	w.ApprovedBy = &approver
	w.ApprovedAt = &now
	if n := strings.TrimSpace(notes); n != "" {
		w.ApprovalNotes = &n
	} else {
		w.ApprovalNotes = nil
	}
	w.BlockingReasons = dailyReasons(w.BlockingReasons)
	w.ApprovalRequiredReason = nil
	w.UpdatedAt = now
}

func dailyReasons(reasons []domain.Reason) []domain.Reason {
	out := []domain.Reason{}
	for _, r := range reasons {
		if r.Code == domain.ReasonDailyCap {
			out = append(out, r)
		}
	}
	return out
}

func validOverride(opts ExecuteOptions) error {
	if !opts.OverrideApproval {
		return nil
	}
	if err := auth.Require(opts.Actor, "override approval", auth.Approvers...); err != nil {
		return err
	}
	if strings.TrimSpace(opts.OverrideReason) == "" {
		return fmt.Errorf("%w: override_reason is required with override_approval", ErrInvalidInput)
	}
	return nil
}
