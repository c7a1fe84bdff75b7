package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"missioncontrol/internal/domain"
	"missioncontrol/internal/engine/auth"
	"missioncontrol/internal/events"
	"missioncontrol/internal/money"
)

type CreateRuleOptions struct {
	Actor       auth.Principal
	Name        string
	RuleType    string
	AgentID     *string
	WorkType    *string
	Priority    int
	MaxPerRun   *money.Amount
	Condition   *string
	Description *string
}

func (e Engine) CreateRule(ctx context.Context, opts CreateRuleOptions) (domain.GovernanceRule, error) {
	if err := auth.Require(opts.Actor, "manage governance rules", auth.RoleAdmin); err != nil {
		return domain.GovernanceRule{}, err
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.GovernanceRule{}, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	switch opts.RuleType {
	case domain.RuleApprovalGate:
	case domain.RuleCostLimit:
		if opts.MaxPerRun == nil || *opts.MaxPerRun <= 0 {
			return domain.GovernanceRule{}, fmt.Errorf("%w: cost_limit rules need a positive max_per_run_usd", ErrInvalidInput)
		}
	default:
		return domain.GovernanceRule{}, fmt.Errorf("%w: rule_type must be approval_gate or cost_limit", ErrInvalidInput)
	}
	if opts.Condition != nil {
		if c := strings.TrimSpace(*opts.Condition); c == "" {
			opts.Condition = nil
		} else if err := e.Governance.Compile(c); err != nil {
			return domain.GovernanceRule{}, fmt.Errorf("%w: condition: %v", ErrInvalidInput, err)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GovernanceRule{}, err
	}
	defer tx.Rollback()

	now := e.timestamp()
	g := domain.GovernanceRule{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(opts.Name),
		RuleType:    opts.RuleType,
		AgentID:     blankToNil(opts.AgentID),
		WorkType:    blankToNil(opts.WorkType),
		Priority:    opts.Priority,
		MaxPerRun:   opts.MaxPerRun,
		Condition:   opts.Condition,
		Description: opts.Description,
		Active:      true,
		CreatedBy:   opts.Actor.ActorID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertRule(ctx, tx, g); err != nil {
		return domain.GovernanceRule{}, fmt.Errorf("insert rule: %w", err)
	}
	e.Events.Record(ctx, tx, events.RuleCreated, "governance_rule", g.ID, opts.Actor.ActorID, events.EventPayload{
		"name":      g.Name,
		"rule_type": g.RuleType,
		"priority":  g.Priority,
	})
	if err := tx.Commit(); err != nil {
		return domain.GovernanceRule{}, err
	}
	return g, nil
}

func (e Engine) ListRules(ctx context.Context, activeOnly bool) ([]domain.GovernanceRule, error) {
	rules, err := e.Repo.ListRules(ctx, nil, activeOnly)
	return nonNil(rules), err
}

// DeactivateRule stops a rule from applying to future preflights.
func (e Engine) DeactivateRule(ctx context.Context, id string, actor auth.Principal) (domain.GovernanceRule, error) {
	if err := auth.Require(actor, "manage governance rules", auth.RoleAdmin); err != nil {
		return domain.GovernanceRule{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.GovernanceRule{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.DeactivateRule(ctx, tx, id, e.timestamp()); err != nil {
		return domain.GovernanceRule{}, err
	}
	g, err := e.Repo.GetRule(ctx, tx, id)
	if err != nil {
		return domain.GovernanceRule{}, err
	}
	e.Events.Record(ctx, tx, events.RuleDeactivated, "governance_rule", g.ID, actor.ActorID, events.EventPayload{"name": g.Name})
	if err := tx.Commit(); err != nil {
		return domain.GovernanceRule{}, err
	}
	return g, nil
}

func blankToNil(s *string) *string {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
