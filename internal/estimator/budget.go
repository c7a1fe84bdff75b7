package estimator

import (
	"fmt"
	"math"

	"missioncontrol/internal/domain"
	"missioncontrol/internal/money"
)

// Limits is the budget state an estimate is checked against.
type Limits struct {
	DailyCap     money.Amount
	DailySpent   money.Amount
	WorkOrderCap money.Amount
	AgentCap     money.Amount
	AgentSpent   money.Amount
	// Approved lifts the per-work-order and per-agent caps. It never lifts the daily cap.
	Approved bool
}

type BudgetCheck struct {
	CanProceed     bool
	DailyBlocked   bool
	Reasons        []domain.Reason
	DailyRemaining money.Amount
	AgentRemaining money.Amount
}

// CheckBudget evaluates the daily, per-work-order and per-agent caps in that
// order and reports every violation.
func CheckBudget(cost money.Amount, l Limits) BudgetCheck {
	res := BudgetCheck{
		CanProceed:     true,
		DailyRemaining: money.Remaining(l.DailyCap, l.DailySpent),
		AgentRemaining: money.Remaining(l.AgentCap, l.AgentSpent),
	}
	if cost > res.DailyRemaining {
		res.CanProceed = false
		res.DailyBlocked = true
		res.Reasons = append(res.Reasons, domain.Reason{
			Code: domain.ReasonDailyCap,
			Message: fmt.Sprintf("Daily budget exceeded: %s estimated but only %s remaining of %s daily cap",
				cost, res.DailyRemaining, l.DailyCap),
		})
	}
	if !l.Approved && cost > l.WorkOrderCap {
		res.CanProceed = false
		res.Reasons = append(res.Reasons, domain.Reason{
			Code: domain.ReasonWorkOrderCap,
			Message: fmt.Sprintf("Work order cap exceeded: %s estimated but cap is %s (requires approval)",
				cost, l.WorkOrderCap),
		})
	}
	if !l.Approved && cost > res.AgentRemaining {
		res.CanProceed = false
		res.Reasons = append(res.Reasons, domain.Reason{
			Code: domain.ReasonAgentCap,
			Message: fmt.Sprintf("Agent daily cap exceeded: %s estimated but only %s remaining of %s agent cap (requires approval)",
				cost, res.AgentRemaining, l.AgentCap),
		})
	}
	return res
}

// Status classifies daily utilization against the warning threshold.
func Status(spent, limit money.Amount, threshold float64) (string, float64) {
	pct := money.Ratio(spent, limit) * 100
	warnAt := money.Amount(math.Round(threshold * float64(limit)))
	switch {
	case spent >= limit:
		return domain.BudgetExceeded, pct
	case spent >= warnAt:
		return domain.BudgetWarning, pct
	default:
		return domain.BudgetHealthy, pct
	}
}

// WarningMessage formats the advisory shown once utilization reaches the threshold.
func WarningMessage(spent, limit money.Amount, threshold float64) *string {
	status, pct := Status(spent, limit, threshold)
	if status == domain.BudgetHealthy {
		return nil
	}
	msg := fmt.Sprintf("Daily budget at %.1f%% (%s of %s)", pct, spent, limit)
	return &msg
}
