package engine

import (
	"context"

	"missioncontrol/internal/domain"
	"missioncontrol/internal/ledger"
	"missioncontrol/internal/repo"
)

// DailyBudget returns today's budget with derived remaining, utilization and status.
func (e Engine) DailyBudget(ctx context.Context) (domain.BudgetSnapshot, error) {
	budgets := e.Catalog.Budgets
	b, err := e.Ledger.Get(ctx, nil, budgets.Day(e.now()))
	if err != nil {
		return domain.BudgetSnapshot{}, err
	}
	if b.Day == "" {
		b.Day = budgets.Day(e.now())
	}
	return ledger.Snapshot(b, budgets.DailyCap, budgets.WarningThreshold), nil
}

// Dashboard aggregates the operator's view of today's spend and open work.
func (e Engine) Dashboard(ctx context.Context) (domain.Dashboard, error) {
	snap, err := e.DailyBudget(ctx)
	if err != nil {
		return domain.Dashboard{}, err
	}
	day := snap.Day
	top, err := e.Ledger.TopAgents(ctx, day, 5)
	if err != nil {
		return domain.Dashboard{}, err
	}
	byType, err := e.Ledger.SpendByWorkType(ctx, day)
	if err != nil {
		return domain.Dashboard{}, err
	}
	history, err := e.Ledger.History(ctx, day, 7)
	if err != nil {
		return domain.Dashboard{}, err
	}
	counts, err := e.Repo.CountWorkOrdersByStatus(ctx)
	if err != nil {
		return domain.Dashboard{}, err
	}
	stats, err := e.Repo.RunLogStats(ctx, repo.RunLogFilters{})
	if err != nil {
		return domain.Dashboard{}, err
	}
	inFlight, err := e.Repo.CountDispatched(ctx)
	if err != nil {
		return domain.Dashboard{}, err
	}
	return domain.Dashboard{
		Budget:           snap,
		TopAgents:        nonNil(top),
		SpendByWorkType:  nonNil(byType),
		History:          nonNil(history),
		PendingApprovals: counts[domain.StatusAwaitingApproval],
		PendingReviews:   stats.PendingReviews,
		InFlight:         inFlight,
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
