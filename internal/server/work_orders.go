package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"missioncontrol/internal/domain"
	"missioncontrol/internal/engine"
	"missioncontrol/internal/repo"
)

type workOrderPath struct {
	ID string `path:"id" doc:"Work order id or number (WO-YYYY-NNNNN)"`
}

func registerWorkOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-work-order",
		Method:        http.MethodPost,
		Path:          "/work-orders",
		Summary:       "Create work order",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateWorkOrderRequest `json:"body"`
	}) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, authErr := requireRoles(ctx, "create work orders", engine.Executors...)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CreateWorkOrder(ctx, engine.CreateWorkOrderOptions{
			AgentID:        input.Body.AgentID,
			WorkType:       input.Body.WorkType,
			Title:          input.Body.Title,
			Input:          input.Body.Input,
			ContextSnippet: input.Body.ContextSnippet,
			CostCap:        input.Body.CostCapUSD,
			ActorID:        p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-orders",
		Method:      http.MethodGet,
		Path:        "/work-orders",
		Summary:     "List work orders, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:"pending,ready,awaiting_approval,queued,in_progress,completed,failed,cancelled"`
		AgentID  string `query:"agent_id"`
		WorkType string `query:"work_type"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedWorkOrders `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListWorkOrders(ctx, repo.WorkOrderFilters{
			Status:          input.Status,
			AgentID:         input.AgentID,
			WorkType:        input.WorkType,
			Limit:           limit + 1,
			CursorCreatedAt: ts,
			CursorID:        id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedWorkOrders{Items: nonNilSlice(items)}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.CreatedAt, last.ID)
			resp.Items = items[:limit]
		}
		return &struct {
			Body paginatedWorkOrders `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-work-order",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}",
		Summary:     "Get work order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workOrderPath) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		w, err := e.GetWorkOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-estimates",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}/estimates",
		Summary:     "Estimate history, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workOrderPath) (*struct {
		Body []domain.Estimate `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListEstimates(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Estimate `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/work-orders/{id}/executions",
		Summary:     "Execution history, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *workOrderPath) (*struct {
		Body []domain.Execution `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListExecutions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Execution `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerWorkOrderActions(api huma.API, e engine.Engine) {
	gateErrors := []int{
		http.StatusForbidden,
		http.StatusNotFound,
		http.StatusConflict,
		http.StatusUnprocessableEntity,
	}

	huma.Register(api, huma.Operation{
		OperationID: "estimate-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/estimate",
		Summary:     "Create an estimate and report the budget check",
		Errors:      gateErrors,
	}, func(ctx context.Context, input *workOrderPath) (*struct {
		Body PreflightResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.EstimateWorkOrder(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PreflightResponse `json:"body"`
		}{Body: preflightResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preflight-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/preflight",
		Summary:     "Run the preflight gate and record the decision",
		Errors:      gateErrors,
	}, func(ctx context.Context, input *workOrderPath) (*struct {
		Body PreflightResponse `json:"body"`
	}, error) {
		p, authErr := requireRoles(ctx, "preflight work orders", engine.Executors...)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Preflight(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PreflightResponse `json:"body"`
		}{Body: preflightResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "execute-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/execute",
		Summary:     "Execute a work order against the metered provider",
		Errors: append([]int{
			http.StatusBadGateway,
			http.StatusGatewayTimeout,
			http.StatusInternalServerError,
		}, gateErrors...),
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *ExecuteRequest `json:"body" required:"false"`
	}) (*struct {
		Body ExecutionResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		body := optionalBody(input.Body)
		res, err := e.Execute(ctx, engine.ExecuteOptions{
			ID:               input.ID,
			Actor:            p,
			Force:            body.Force,
			OverrideApproval: body.OverrideApproval,
			OverrideReason:   body.OverrideReason,
		})
		if err != nil {
			return nil, executeError(res, err)
		}
		return &struct {
			Body ExecutionResponse `json:"body"`
		}{Body: executionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/approve",
		Summary:     "Approve a work order awaiting approval",
		Errors:      gateErrors,
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body *ApproveRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.Approve(ctx, engine.ApproveOptions{ID: input.ID, Actor: p, Notes: optionalBody(input.Body).Notes})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-work-order",
		Method:      http.MethodPost,
		Path:        "/work-orders/{id}/cancel",
		Summary:     "Cancel a work order before dispatch",
		Errors:      gateErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body *CancelRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		p, authErr := requireRoles(ctx, "cancel work orders", engine.Executors...)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.CancelWorkOrder(ctx, input.ID, p.ActorID, optionalBody(input.Body).Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "retry-work-order",
		Method:        http.MethodPost,
		Path:          "/work-orders/{id}/retry",
		Summary:       "Create a new attempt of a failed work order",
		DefaultStatus: http.StatusCreated,
		Errors:        gateErrors,
	}, func(ctx context.Context, input *workOrderPath) (*struct {
		Body domain.WorkOrder `json:"body"`
	}, error) {
		p, authErr := requireRoles(ctx, "retry work orders", engine.Executors...)
		if authErr != nil {
			return nil, authErr
		}
		w, err := e.RetryWorkOrder(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkOrder `json:"body"`
		}{Body: w}, nil
	})
}

// executeError attaches the settled execution to failures that happened
// after dispatch.
func executeError(res engine.ExecutionResult, err error) huma.StatusError {
	se := handleError(err)
	ae, ok := se.(*apiError)
	if !ok || res.Execution.ID == "" {
		return se
	}
	if ae.Body.Details == nil {
		ae.Body.Details = map[string]any{}
	}
	ae.Body.Details["result"] = executionResponse(res)
	return ae
}
