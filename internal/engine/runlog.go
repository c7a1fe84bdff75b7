package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/gowebpki/jcs"

	"missioncontrol/internal/domain"
	"missioncontrol/internal/engine/auth"
	"missioncontrol/internal/events"
	"missioncontrol/internal/money"
	"missioncontrol/internal/repo"
)

// snapshot is the audited content of one execution attempt.
type snapshot struct {
	WorkOrderID string         `json:"work_order_id"`
	ExecutionID string         `json:"execution_id"`
	Model       string         `json:"model"`
	Prompt      string         `json:"prompt"`
	Input       map[string]any `json:"input"`
	Output      *string        `json:"output"`
}

// digest is the SHA-256 of the canonical (RFC 8785) JSON form of s.
func (s snapshot) digest() (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize snapshot: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// variancePct is (actual-expected)/expected*100 rounded to two decimals.
// It is nil when expected is zero.
func variancePct(actual, expected int64) *float64 {
	if expected == 0 {
		return nil
	}
	v := float64(actual-expected) / float64(expected) * 100
	v = math.Round(v*100) / 100
	return &v
}

func costVariance(actual, expected money.Amount) *float64 {
	return variancePct(int64(actual), int64(expected))
}

// needsReview flags failed attempts, large cost variance and work types
// whose output is always reviewed.
func (e Engine) needsReview(status string, costVar *float64, reviewRequired bool) bool {
	if status != domain.RunSuccess || reviewRequired {
		return true
	}
	limit := e.Config.RunLog.ReviewVariancePct
	return costVar != nil && limit > 0 && math.Abs(*costVar) > limit
}

func (e Engine) ListRunLogs(ctx context.Context, f repo.RunLogFilters) ([]domain.RunLog, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	return e.Repo.ListRunLogs(ctx, f)
}

func (e Engine) GetRunLog(ctx context.Context, id string) (domain.RunLog, error) {
	return e.Repo.GetRunLog(ctx, nil, id)
}

func (e Engine) RunLogStats(ctx context.Context, f repo.RunLogFilters) (domain.RunLogStats, error) {
	return e.Repo.RunLogStats(ctx, f)
}

type ReviewOptions struct {
	ID             string
	Actor          auth.Principal
	Status         string
	Notes          string
	ModifiedOutput *string
}

// ReviewRunLog records a human verdict on a run log. A run log is reviewed once.
func (e Engine) ReviewRunLog(ctx context.Context, opts ReviewOptions) (domain.RunLog, error) {
	if err := auth.Require(opts.Actor, "review run logs", auth.Approvers...); err != nil {
		return domain.RunLog{}, err
	}
	switch opts.Status {
	case domain.ReviewApproved, domain.ReviewRejected:
		opts.ModifiedOutput = nil
	case domain.ReviewModified:
		if opts.ModifiedOutput == nil || strings.TrimSpace(*opts.ModifiedOutput) == "" {
			return domain.RunLog{}, fmt.Errorf("%w: modified_output is required for status modified", ErrInvalidInput)
		}
	default:
		return domain.RunLog{}, fmt.Errorf("%w: review status must be approved, rejected or modified", ErrInvalidInput)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RunLog{}, err
	}
	defer tx.Rollback()

	err = e.Repo.ReviewRunLog(ctx, tx, opts.ID, opts.Status, opts.Actor.ActorID, opts.Notes, opts.ModifiedOutput, e.timestamp())
	if errors.Is(err, repo.ErrConflict) {
		return domain.RunLog{}, fmt.Errorf("%w: run log %s already reviewed", ErrConflict, opts.ID)
	}
	if err != nil {
		return domain.RunLog{}, err
	}
	l, err := e.Repo.GetRunLog(ctx, tx, opts.ID)
	if err != nil {
		return domain.RunLog{}, err
	}
	e.Events.Record(ctx, tx, events.RunLogReviewed, "run_log", l.ID, opts.Actor.ActorID, events.EventPayload{
		"status":        opts.Status,
		"work_order_id": l.WorkOrderID,
	})
	if err := tx.Commit(); err != nil {
		return domain.RunLog{}, err
	}
	return l, nil
}
