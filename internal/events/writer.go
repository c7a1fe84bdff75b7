package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"missioncontrol/internal/db"
)

const (
	WorkOrderCreated   = "work_order.created"
	WorkOrderEstimated = "work_order.estimated"
	WorkOrderPreflight = "work_order.preflight"
	WorkOrderApproved  = "work_order.approved"
	WorkOrderCancelled = "work_order.cancelled"
	WorkOrderRetried   = "work_order.retried"
	WorkOrderBlocked   = "work_order.blocked"
	ExecutionStarted   = "execution.started"
	ExecutionCompleted = "execution.completed"
	ExecutionFailed    = "execution.failed"
	ExecutionReconcile = "execution.reconciled"
	BudgetWarning      = "budget.warning"
	BudgetExceeded     = "budget.exceeded"
	RuleCreated        = "governance_rule.created"
	RuleDeactivated    = "governance_rule.deactivated"
	RunLogReviewed     = "run_log.reviewed"
	RoleGranted        = "role.granted"
	RoleRevoked        = "role.revoked"
)

type Writer struct {
	Dialect  db.Dialect
	Now      func() time.Time
	Logger   *slog.Logger
	Failures metric.Int64Counter
}

type EventPayload map[string]any

// Append writes an event inside tx and returns any failure.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339Nano)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, w.Dialect.Rebind(`INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`),
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

// Record appends an event without putting the surrounding transaction at
// risk: the insert runs under a savepoint and a failure is rolled back to it,
// logged and counted.
func (w Writer) Record(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) {
	err := w.recordSavepoint(ctx, tx, evtType, entityKind, entityID, actorID, payload)
	if err == nil {
		return
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "event append failed", "type", evtType, "entity_kind", entityKind, "entity_id", entityID, "err", err)
	if w.Failures != nil {
		w.Failures.Add(ctx, 1, metric.WithAttributes(attribute.String("type", evtType)))
	}
}

func (w Writer) recordSavepoint(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if _, err := tx.ExecContext(ctx, `SAVEPOINT event_append`); err != nil {
		return err
	}
	if err := w.Append(ctx, tx, evtType, entityKind, entityID, actorID, payload); err != nil {
		if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT event_append`); rbErr != nil {
			return fmt.Errorf("%w (rollback to savepoint: %v)", err, rbErr)
		}
		_, _ = tx.ExecContext(ctx, `RELEASE SAVEPOINT event_append`)
		return err
	}
	_, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT event_append`)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
