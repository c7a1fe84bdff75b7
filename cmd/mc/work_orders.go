package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missioncontrol/internal/domain"
	"missioncontrol/internal/engine"
	"missioncontrol/internal/engine/auth"
	"missioncontrol/internal/money"
	"missioncontrol/internal/repo"
)

func workOrderCmd() *cobra.Command {
	wo := &cobra.Command{
		Use:     "work-order",
		Aliases: []string{"wo"},
		Short:   "Create, gate and execute work orders",
	}
	wo.AddCommand(workOrderCreateCmd())
	wo.AddCommand(workOrderListCmd())
	wo.AddCommand(workOrderShowCmd())
	wo.AddCommand(workOrderEstimateCmd())
	wo.AddCommand(workOrderPreflightCmd())
	wo.AddCommand(workOrderExecuteCmd())
	wo.AddCommand(workOrderApproveCmd())
	wo.AddCommand(workOrderCancelCmd())
	wo.AddCommand(workOrderRetryCmd())
	wo.AddCommand(workOrderHistoryCmd())
	return wo
}

func workOrderCreateCmd() *cobra.Command {
	var agentID, workType, title, inputJSON, inputFile, contextSnippet, costCap string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" || workType == "" {
				return fmt.Errorf("--agent and --work-type required")
			}
			input, err := readInput(inputJSON, inputFile)
			if err != nil {
				return err
			}
			var capPtr *money.Amount
			if costCap != "" {
				c, err := money.Parse(costCap)
				if err != nil {
					return fmt.Errorf("--cost-cap: %w", err)
				}
				capPtr = &c
			}
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				if err := auth.Require(p, "create work orders", engine.Executors...); err != nil {
					return err
				}
				w, err := e.CreateWorkOrder(ctx, engine.CreateWorkOrderOptions{
					AgentID:        agentID,
					WorkType:       workType,
					Title:          title,
					Input:          input,
					ContextSnippet: contextSnippet,
					CostCap:        capPtr,
					ActorID:        p.ActorID,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("Created %s (%s) for %s/%s\n", w.Number, w.ID, w.AgentID, w.WorkType)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&workType, "work-type", "", "work type")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&inputJSON, "input", "", "input as a JSON object")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "read input JSON from a file")
	cmd.Flags().StringVar(&contextSnippet, "context", "", "context snippet appended to the prompt")
	cmd.Flags().StringVar(&costCap, "cost-cap", "", "requested cost cap in USD (clamped to the work type cap)")
	return cmd
}

func readInput(inline, file string) (map[string]any, error) {
	raw := []byte(inline)
	if file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var input map[string]any
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}
	return input, nil
}

func workOrderListCmd() *cobra.Command {
	var f repo.WorkOrderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListWorkOrders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Number", "Agent", "Work type", "Status", "Estimate", "Actual", "Created"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.Number, w.AgentID, w.WorkType, w.Status, amountOrBlank(w.EstimatedCost), amountOrBlank(w.ActualCost), w.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AgentID, "agent", "", "agent filter")
	cmd.Flags().StringVar(&f.WorkType, "work-type", "", "work type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func workOrderShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id|number>",
		Short: "Show a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.GetWorkOrder(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
}

func workOrderEstimateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "estimate <id|number>",
		Short: "Estimate cost and report the budget check without changing status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				res, err := e.EstimateWorkOrder(ctx, args[0], p.ActorID)
				if err != nil {
					return err
				}
				return printPreflight(res)
			})
		},
	}
}

func workOrderPreflightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preflight <id|number>",
		Short: "Run the preflight gate and record the decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				if err := auth.Require(p, "preflight work orders", engine.Executors...); err != nil {
					return err
				}
				res, err := e.Preflight(ctx, args[0], p.ActorID)
				if err != nil {
					return err
				}
				return printPreflight(res)
			})
		},
	}
}

func printPreflight(res engine.PreflightResult) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"work_order":        res.WorkOrder,
			"estimate":          res.Estimate,
			"preflight_status":  res.PreflightStatus,
			"requires_approval": res.RequiresApproval,
			"reasons":           res.Reasons,
			"summary":           res.Summary,
			"budget":            res.Budget,
			"applied_rules":     res.AppliedRules,
		})
	}
	est := res.Estimate
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("%s %s", res.WorkOrder.Number, res.PreflightStatus)
	tw.AppendRows([]table.Row{
		{"Model", est.Model},
		{"Input tokens", est.InputTokens},
		{"Output tokens", est.OutputTokens},
		{"Estimated cost", est.Cost},
		{"Worst case", est.WorstCaseCost},
		{"Cost cap", amountOrBlank(res.WorkOrder.CostCap)},
		{"Daily remaining", res.Budget.Remaining},
		{"Budget status", res.Budget.Status},
	})
	tw.Render()
	printReasons(res.Reasons)
	return nil
}

func printReasons(reasons []domain.Reason) {
	for _, r := range reasons {
		fmt.Printf("  - [%s] %s\n", r.Code, r.Message)
	}
}

func workOrderExecuteCmd() *cobra.Command {
	var opts engine.ExecuteOptions
	cmd := &cobra.Command{
		Use:   "execute <id|number>",
		Short: "Execute against the configured provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				opts.ID = args[0]
				opts.Actor = p
				res, err := e.Execute(ctx, opts)
				var gate *engine.GateError
				if errors.As(err, &gate) {
					fmt.Printf("%s blocked (%s):\n", gate.WorkOrderID, gate.Status)
					printReasons(gate.Reasons)
					return err
				}
				if res.Execution.ID != "" {
					if perr := printExecution(res); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Force, "force", false, "dispatch an order still awaiting approval (admin)")
	cmd.Flags().BoolVar(&opts.OverrideApproval, "override-approval", false, "approve inline while executing (approver roles)")
	cmd.Flags().StringVar(&opts.OverrideReason, "override-reason", "", "notes recorded with an inline approval")
	return cmd
}

func printExecution(res engine.ExecutionResult) error {
	if viper.GetBool("json") {
		return printJSON(map[string]any{
			"work_order": res.WorkOrder,
			"execution":  res.Execution,
			"estimate":   res.Estimate,
			"run_log":    res.RunLog,
			"comparison": res.Comparison,
			"budget":     res.Budget,
		})
	}
	c := res.Comparison
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetTitle("%s %s", res.WorkOrder.Number, res.Execution.Status)
	tw.AppendHeader(table.Row{"", "Estimated", "Actual", "Variance"})
	tw.AppendRow(table.Row{"Tokens", c.EstimatedTokens, c.ActualTokens, pct(c.TokenVariancePct)})
	tw.AppendRow(table.Row{"Cost", c.EstimatedCost, c.ActualCost, pct(c.CostVariancePct)})
	tw.AppendFooter(table.Row{"Daily", res.Budget.Actual, res.Budget.Remaining, res.Budget.Status})
	tw.Render()
	if res.Execution.Error != nil {
		fmt.Println("error:", *res.Execution.Error)
	}
	return nil
}

func workOrderApproveCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "approve <id|number>",
		Short: "Approve a work order awaiting approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				w, err := e.Approve(ctx, engine.ApproveOptions{ID: args[0], Actor: p, Notes: notes})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("%s is %s\n", w.Number, w.Status)
				printReasons(w.BlockingReasons)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "approval notes")
	return cmd
}

func workOrderCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id|number>",
		Short: "Cancel a work order before dispatch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				if err := auth.Require(p, "cancel work orders", engine.Executors...); err != nil {
					return err
				}
				w, err := e.CancelWorkOrder(ctx, args[0], p.ActorID, reason)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("%s cancelled\n", w.Number)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func workOrderRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id|number>",
		Short: "Create a new attempt of a failed work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				if err := auth.Require(p, "retry work orders", engine.Executors...); err != nil {
					return err
				}
				w, err := e.RetryWorkOrder(ctx, args[0], p.ActorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(w)
				}
				fmt.Printf("Created %s (attempt %d)\n", w.Number, w.Attempt)
				return nil
			})
		},
	}
}

func workOrderHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id|number>",
		Short: "Show estimates and executions of a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ests, err := e.ListEstimates(ctx, args[0])
				if err != nil {
					return err
				}
				execs, err := e.ListExecutions(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"estimates": ests, "executions": execs})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle("Estimates")
				tw.AppendHeader(table.Row{"Created", "Model", "Tokens", "Cost", "Worst case", "Can proceed"})
				for _, est := range ests {
					tw.AppendRow(table.Row{est.CreatedAt, est.Model, est.TotalTokens, est.Cost, est.WorstCaseCost, est.CanProceed})
				}
				tw.Render()
				xw := table.NewWriter()
				xw.SetOutputMirror(os.Stdout)
				xw.SetTitle("Executions")
				xw.AppendHeader(table.Row{"Started", "Status", "Reserved", "Charged", "Cost variance"})
				for _, x := range execs {
					xw.AppendRow(table.Row{x.StartedAt, x.Status, x.ReservedCost, x.ChargedCost, pct(x.CostVariancePct)})
				}
				xw.Render()
				return nil
			})
		},
	}
}

func amountOrBlank(a *money.Amount) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func pct(p *float64) string {
	if p == nil {
		return "n/a"
	}
	return fmt.Sprintf("%+.1f%%", *p)
}
