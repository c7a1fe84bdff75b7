// Package governance evaluates declarative approval and cost rules. Rule
// conditions are CEL expressions over the order, estimate and budget.
package governance

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"

	"missioncontrol/internal/domain"
	"missioncontrol/internal/money"
)

type Evaluator struct {
	env    *cel.Env
	mu     sync.RWMutex
	cache  map[string]cel.Program
	logger *slog.Logger
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("order", cel.DynType),
		cel.Variable("estimate", cel.DynType),
		cel.Variable("budget", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	return &Evaluator{
		env:    env,
		cache:  make(map[string]cel.Program),
		logger: slog.Default().With("component", "governance"),
	}, nil
}

// Compile checks that expr is a valid boolean condition and caches it.
func (e *Evaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.cache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.cache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if out := ast.OutputType(); !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("condition must be boolean, got %s", ast.OutputType())
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.cache[expr] = p
	return p, nil
}

// Eval runs a condition against input.
func (e *Evaluator) Eval(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}

// Subject is what rules are evaluated against.
type Subject struct {
	AgentID   string
	WorkType  string
	WorstCase money.Amount
	Input     map[string]any
}

type Outcome struct {
	RequiresApproval bool
	Reasons          []domain.Reason
	Applied          []string
}

// Apply evaluates active rules matching the subject's scope in ascending
// priority order. Only the first matching cost_limit rule is enforced.
// A condition that cannot be evaluated counts as matching.
func (e *Evaluator) Apply(rules []domain.GovernanceRule, s Subject) Outcome {
	matching := make([]domain.GovernanceRule, 0, len(rules))
	for _, r := range rules {
		if !r.Active {
			continue
		}
		if r.AgentID != nil && *r.AgentID != s.AgentID {
			continue
		}
		if r.WorkType != nil && *r.WorkType != s.WorkType {
			continue
		}
		matching = append(matching, r)
	}
	sort.SliceStable(matching, func(i, j int) bool {
		if matching[i].Priority != matching[j].Priority {
			return matching[i].Priority < matching[j].Priority
		}
		return matching[i].ID < matching[j].ID
	})

	var out Outcome
	costLimitSeen := false
	for _, r := range matching {
		if r.Condition != nil && *r.Condition != "" {
			ok, err := e.Eval(*r.Condition, s.Input)
			if err != nil {
				e.logger.Warn("governance condition failed; applying rule", "rule_id", r.ID, "err", err)
				ok = true
			}
			if !ok {
				continue
			}
		}
		switch r.RuleType {
		case domain.RuleApprovalGate:
			out.RequiresApproval = true
			out.Applied = append(out.Applied, r.ID)
			out.Reasons = append(out.Reasons, domain.Reason{
				Code:    domain.ReasonApprovalGate,
				Message: fmt.Sprintf("Governance rule %q requires approval", r.Name),
			})
		case domain.RuleCostLimit:
			if costLimitSeen || r.MaxPerRun == nil {
				continue
			}
			costLimitSeen = true
			out.Applied = append(out.Applied, r.ID)
			if s.WorstCase > *r.MaxPerRun {
				out.RequiresApproval = true
				out.Reasons = append(out.Reasons, domain.Reason{
					Code: domain.ReasonCostLimit,
					Message: fmt.Sprintf("Governance rule %q: worst case %s exceeds per-run limit %s (requires approval)",
						r.Name, s.WorstCase, *r.MaxPerRun),
				})
			}
		}
	}
	return out
}

// Input builds the CEL activation for a work order evaluation.
func Input(order domain.WorkOrder, payload map[string]any, cost, worstCase money.Amount, model string, budget domain.BudgetSnapshot) map[string]any {
	if payload == nil {
		payload = map[string]any{}
	}
	return map[string]any{
		"order": map[string]any{
			"id":        order.ID,
			"agent_id":  order.AgentID,
			"work_type": order.WorkType,
			"attempt":   int64(order.Attempt),
			"input":     payload,
		},
		"estimate": map[string]any{
			"model":      model,
			"cost":       cost.Float64(),
			"worst_case": worstCase.Float64(),
		},
		"budget": map[string]any{
			"spent":           (budget.Actual + budget.Reserved).Float64(),
			"remaining":       budget.Remaining.Float64(),
			"utilization_pct": budget.UtilizationPct,
			"status":          budget.Status,
		},
	}
}
