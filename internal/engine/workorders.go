package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"missioncontrol/internal/domain"
	"missioncontrol/internal/events"
	"missioncontrol/internal/money"
	"missioncontrol/internal/repo"
)

// transitions lists the statuses reachable from each status.
var transitions = map[string][]string{
	domain.StatusPending:          {domain.StatusReady, domain.StatusAwaitingApproval, domain.StatusQueued, domain.StatusCancelled},
	domain.StatusReady:            {domain.StatusReady, domain.StatusAwaitingApproval, domain.StatusQueued, domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusAwaitingApproval: {domain.StatusAwaitingApproval, domain.StatusReady, domain.StatusQueued, domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusQueued:           {domain.StatusQueued, domain.StatusReady, domain.StatusAwaitingApproval, domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusInProgress:       {domain.StatusCompleted, domain.StatusFailed},
}

func canTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func transition(w *domain.WorkOrder, to string) error {
	if !canTransition(w.Status, to) {
		return TransitionError{From: w.Status, To: to}
	}
	w.Status = to
	return nil
}

type CreateWorkOrderOptions struct {
	AgentID        string
	WorkType       string
	Title          string
	Input          map[string]any
	ContextSnippet string
	CostCap        *money.Amount
	ActorID        string
}

func (e Engine) CreateWorkOrder(ctx context.Context, opts CreateWorkOrderOptions) (domain.WorkOrder, error) {
	if strings.TrimSpace(opts.AgentID) == "" {
		return domain.WorkOrder{}, fmt.Errorf("%w: agent_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(opts.WorkType) == "" {
		return domain.WorkOrder{}, fmt.Errorf("%w: work_type is required", ErrInvalidInput)
	}
	if opts.CostCap != nil && *opts.CostCap < 0 {
		return domain.WorkOrder{}, fmt.Errorf("%w: cost cap must not be negative", ErrInvalidInput)
	}
	input := opts.Input
	if input == nil {
		input = map[string]any{}
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return domain.WorkOrder{}, fmt.Errorf("%w: input: %v", ErrInvalidInput, err)
	}
	if err := e.validateInput(opts.WorkType, inputJSON); err != nil {
		return domain.WorkOrder{}, err
	}
	return e.insertWorkOrder(ctx, domain.WorkOrder{
		AgentID:          opts.AgentID,
		WorkType:         opts.WorkType,
		Title:            opts.Title,
		InputJSON:        string(inputJSON),
		ContextSnippet:   opts.ContextSnippet,
		RequestedCostCap: opts.CostCap,
		Attempt:          1,
		CreatedBy:        opts.ActorID,
	}, nil)
}

func (e Engine) validateInput(workType string, inputJSON []byte) error {
	schema, ok := e.schemas[workType]
	if !ok {
		return nil
	}
	var doc any
	if err := json.Unmarshal(inputJSON, &doc); err != nil {
		return fmt.Errorf("%w: input: %v", ErrInvalidInput, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: input does not match %s schema: %v", ErrInvalidInput, workType, err)
	}
	return nil
}

func (e Engine) insertWorkOrder(ctx context.Context, w domain.WorkOrder, retried *domain.WorkOrder) (domain.WorkOrder, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()

	now := e.now()
	w.ID = uuid.NewString()
	w.Number, err = e.Repo.NextWorkOrderNumber(ctx, tx, e.localTime(now).Year())
	if err != nil {
		return domain.WorkOrder{}, err
	}
	w.Status = domain.StatusPending
	w.BlockingReasons = []domain.Reason{}
	w.Version = 1
	w.CreatedAt = repo.FormatTime(now)
	w.UpdatedAt = w.CreatedAt
	if err := e.Repo.InsertWorkOrder(ctx, tx, w); err != nil {
		return domain.WorkOrder{}, fmt.Errorf("insert work order: %w", err)
	}
	e.Events.Record(ctx, tx, events.WorkOrderCreated, "work_order", w.ID, w.CreatedBy, events.EventPayload{
		"number":    w.Number,
		"agent_id":  w.AgentID,
		"work_type": w.WorkType,
		"attempt":   w.Attempt,
	})
	if retried != nil {
		e.Events.Record(ctx, tx, events.WorkOrderRetried, "work_order", retried.ID, w.CreatedBy, events.EventPayload{
			"retry_id":     w.ID,
			"retry_number": w.Number,
			"attempt":      w.Attempt,
		})
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return w, nil
}

func (e Engine) GetWorkOrder(ctx context.Context, id string) (domain.WorkOrder, error) {
	return e.Repo.GetWorkOrder(ctx, nil, id)
}

func (e Engine) ListWorkOrders(ctx context.Context, f repo.WorkOrderFilters) ([]domain.WorkOrder, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return e.Repo.ListWorkOrders(ctx, f)
}

// CancelWorkOrder stops a work order before dispatch. A work order that is
// in progress cannot be cancelled.
func (e Engine) CancelWorkOrder(ctx context.Context, id, actorID, reason string) (domain.WorkOrder, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkOrder(ctx, tx, id)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if err := transition(&w, domain.StatusCancelled); err != nil {
		return domain.WorkOrder{}, err
	}
	now := e.timestamp()
	w.UpdatedAt = now
	w.CompletedAt = &now
	if err := e.Repo.UpdateWorkOrder(ctx, tx, &w); err != nil {
		return domain.WorkOrder{}, err
	}
	e.Events.Record(ctx, tx, events.WorkOrderCancelled, "work_order", w.ID, actorID, events.EventPayload{"reason": reason})
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return w, nil
}

// RetryWorkOrder creates a fresh attempt of a failed work order. Retries are
// never automatic and stop once max_retries is reached.
func (e Engine) RetryWorkOrder(ctx context.Context, id, actorID string) (domain.WorkOrder, error) {
	prev, err := e.Repo.GetWorkOrder(ctx, nil, id)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	if prev.Status != domain.StatusFailed {
		return domain.WorkOrder{}, fmt.Errorf("%w: only failed work orders can be retried (status %s)", ErrInvalidTransition, prev.Status)
	}
	if prev.Attempt > e.Config.Estimation.MaxRetries {
		return domain.WorkOrder{}, fmt.Errorf("%w: retry limit of %d reached", ErrInvalidTransition, e.Config.Estimation.MaxRetries)
	}
	retryOf := prev.ID
	next, err := e.insertWorkOrder(ctx, domain.WorkOrder{
		AgentID:          prev.AgentID,
		WorkType:         prev.WorkType,
		Title:            prev.Title,
		InputJSON:        prev.InputJSON,
		ContextSnippet:   prev.ContextSnippet,
		RequestedCostCap: prev.RequestedCostCap,
		RetryOf:          &retryOf,
		Attempt:          prev.Attempt + 1,
		CreatedBy:        actorID,
	}, &prev)
	return next, err
}

func decodeInput(raw string) (map[string]any, error) {
	input := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return input, nil
	}
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil, fmt.Errorf("decode work order input: %w", err)
	}
	return input, nil
}
