package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"missioncontrol/internal/domain"
	"missioncontrol/internal/engine"
	"missioncontrol/internal/repo"
)

func registerBudget(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "daily-budget",
		Method:      http.MethodGet,
		Path:        "/daily-budget",
		Summary:     "Today's budget with remaining, utilization and status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.BudgetSnapshot `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		snap, err := e.DailyBudget(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BudgetSnapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/mission-control/dashboard",
		Summary:     "Spend, open approvals and pending reviews",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Dashboard `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		d, err := e.Dashboard(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dashboard `json:"body"`
		}{Body: d}, nil
	})
}

func registerGovernance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-governance-rule",
		Method:        http.MethodPost,
		Path:          "/governance-rules",
		Summary:       "Create governance rule",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateRuleRequest `json:"body"`
	}) (*struct {
		Body domain.GovernanceRule `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		g, err := e.CreateRule(ctx, engine.CreateRuleOptions{
			Actor:       p,
			Name:        b.Name,
			RuleType:    b.RuleType,
			AgentID:     b.AgentID,
			WorkType:    b.WorkType,
			Priority:    b.Priority,
			MaxPerRun:   b.MaxPerRunUSD,
			Condition:   b.Condition,
			Description: b.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GovernanceRule `json:"body"`
		}{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-governance-rules",
		Method:      http.MethodGet,
		Path:        "/governance-rules",
		Summary:     "List governance rules in priority order",
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active_only"`
	}) (*struct {
		Body []domain.GovernanceRule `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		rules, err := e.ListRules(ctx, input.ActiveOnly)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.GovernanceRule `json:"body"`
		}{Body: rules}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deactivate-governance-rule",
		Method:      http.MethodPost,
		Path:        "/governance-rules/{id}/deactivate",
		Summary:     "Deactivate governance rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.GovernanceRule `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.DeactivateRule(ctx, input.ID, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.GovernanceRule `json:"body"`
		}{Body: g}, nil
	})
}

type runLogQuery struct {
	AgentID             string `query:"agent_id"`
	WorkOrderID         string `query:"work_order_id"`
	Status              string `query:"status" enum:"success,failed,reconciled"`
	ReviewStatus        string `query:"review_status" enum:"approved,rejected,modified"`
	RequiresHumanReview string `query:"requires_human_review" enum:"true,false"`
}

func (q runLogQuery) filters() (repo.RunLogFilters, error) {
	f := repo.RunLogFilters{
		AgentID:      q.AgentID,
		WorkOrderID:  q.WorkOrderID,
		Status:       q.Status,
		ReviewStatus: q.ReviewStatus,
	}
	if q.RequiresHumanReview != "" {
		v, err := strconv.ParseBool(q.RequiresHumanReview)
		if err != nil {
			return f, fmt.Errorf("requires_human_review: %w", err)
		}
		f.NeedsReview = &v
	}
	return f, nil
}

func registerRunLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-run-logs",
		Method:      http.MethodGet,
		Path:        "/run-logs",
		Summary:     "List run logs, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		runLogQuery
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedRunLogs `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		f, err := input.filters()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		f.Limit, f.CursorCreatedAt, f.CursorID = limit+1, ts, id
		items, err := e.ListRunLogs(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedRunLogs{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedRunLogs `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-log-stats",
		Method:      http.MethodGet,
		Path:        "/run-logs/stats",
		Summary:     "Aggregate run log figures",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *runLogQuery) (*struct {
		Body domain.RunLogStats `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		f, err := input.filters()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		stats, err := e.RunLogStats(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunLogStats `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-log",
		Method:      http.MethodGet,
		Path:        "/run-logs/{id}",
		Summary:     "Get run log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.RunLog `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		l, err := e.GetRunLog(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunLog `json:"body"`
		}{Body: l}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-run-log",
		Method:      http.MethodPost,
		Path:        "/run-logs/{id}/review",
		Summary:     "Record the human review of a run",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ReviewRunLogRequest `json:"body"`
	}) (*struct {
		Body domain.RunLog `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		l, err := e.ReviewRunLog(ctx, engine.ReviewOptions{
			ID:             input.ID,
			Actor:          p,
			Status:         input.Body.Status,
			Notes:          input.Body.Notes,
			ModifiedOutput: input.Body.ModifiedOutput,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RunLog `json:"body"`
		}{Body: l}, nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "reconcile-executions",
		Method:      http.MethodPost,
		Path:        "/executions/reconcile",
		Summary:     "Settle executions stranded in dispatched state",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body *ReconcileRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.ReconcileResult `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Reconcile(ctx, time.Duration(optionalBody(input.Body).OlderThanMS)*time.Millisecond, p)
		if err != nil {
			return nil, handleError(err)
		}
		res.Settled = nonNilSlice(res.Settled)
		return &struct {
			Body engine.ReconcileResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"work_order,execution,governance_rule,run_log,actor,daily_budget"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.ListEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Limit:      limit + 1,
			Before:     cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: nonNilSlice(items)}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
