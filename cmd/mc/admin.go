package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missioncontrol/internal/engine"
	"missioncontrol/internal/engine/auth"
	"missioncontrol/internal/money"
	"missioncontrol/internal/repo"
)

func budgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "budget",
		Short: "Show today's budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				b, err := e.DailyBudget(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(b)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.SetTitle("Budget %s", b.Day)
				tw.AppendRows([]table.Row{
					{"Cap", b.DailyCap},
					{"Spent", b.Actual},
					{"Reserved", b.Reserved},
					{"Remaining", b.Remaining},
					{"Utilization", fmt.Sprintf("%.1f%%", b.UtilizationPct)},
					{"Executions", b.ExecutionCount},
					{"Status", b.Status},
				})
				tw.Render()
				if b.Message != nil {
					fmt.Println(*b.Message)
				}
				return nil
			})
		},
	}
}

func dashboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Show spend by agent and work type with pending queues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Dashboard(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(d)
				}
				fmt.Printf("Today: %s of %s (%s), %d pending approvals, %d pending reviews, %d in flight\n",
					d.Budget.Actual, d.Budget.DailyCap, d.Budget.Status, d.PendingApprovals, d.PendingReviews, d.InFlight)
				agents := table.NewWriter()
				agents.SetOutputMirror(os.Stdout)
				agents.SetTitle("Top agents")
				agents.AppendHeader(table.Row{"Agent", "Spent", "Executions"})
				for _, a := range d.TopAgents {
					agents.AppendRow(table.Row{a.AgentID, a.Spent, a.ExecutionCount})
				}
				agents.Render()
				types := table.NewWriter()
				types.SetOutputMirror(os.Stdout)
				types.SetTitle("Spend by work type")
				types.AppendHeader(table.Row{"Work type", "Spent"})
				for _, w := range d.SpendByWorkType {
					types.AppendRow(table.Row{w.WorkType, w.Spent})
				}
				types.Render()
				hist := table.NewWriter()
				hist.SetOutputMirror(os.Stdout)
				hist.SetTitle("History")
				hist.AppendHeader(table.Row{"Day", "Spent", "Cap", "Executions"})
				for _, h := range d.History {
					hist.AppendRow(table.Row{h.Day, h.Actual, h.DailyCap, h.ExecutionCount})
				}
				hist.Render()
				return nil
			})
		},
	}
}

func reconcileCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Settle executions left dispatched by a crashed process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				res, err := e.Reconcile(ctx, olderThan, p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Settled %d, skipped %d\n", len(res.Settled), res.Skipped)
				for _, x := range res.Settled {
					fmt.Printf("  %s %s charged %s\n", x.WorkOrderID, x.ID, x.ChargedCost)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age of a dispatched execution (defaults to execution.reconcile_after_ms)")
	return cmd
}

func rulesCmd() *cobra.Command {
	rules := &cobra.Command{Use: "rules", Short: "Manage governance rules"}

	var opts engine.CreateRuleOptions
	var agentID, workType, maxPerRun, condition, description string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an approval gate or cost limit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxPerRun != "" {
				a, err := money.Parse(maxPerRun)
				if err != nil {
					return fmt.Errorf("--max-per-run: %w", err)
				}
				opts.MaxPerRun = &a
			}
			opts.AgentID = optionalString(agentID)
			opts.WorkType = optionalString(workType)
			opts.Condition = optionalString(condition)
			opts.Description = optionalString(description)
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				opts.Actor = p
				r, err := e.CreateRule(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("Created rule %s (%s)\n", r.ID, r.Name)
				return nil
			})
		},
	}
	create.Flags().StringVar(&opts.Name, "name", "", "rule name")
	create.Flags().StringVar(&opts.RuleType, "type", "approval_gate", "approval_gate or cost_limit")
	create.Flags().IntVar(&opts.Priority, "priority", 100, "lower runs first")
	create.Flags().StringVar(&agentID, "agent", "", "limit to one agent")
	create.Flags().StringVar(&workType, "work-type", "", "limit to one work type")
	create.Flags().StringVar(&maxPerRun, "max-per-run", "", "cost limit in USD")
	create.Flags().StringVar(&condition, "condition", "", "CEL condition over order, estimate and budget")
	create.Flags().StringVar(&description, "description", "", "description")

	var activeOnly bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List governance rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRules(ctx, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "Priority", "Agent", "Work type", "Max per run", "Active"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.Name, r.RuleType, r.Priority, deref(r.AgentID), deref(r.WorkType), amountOrBlank(r.MaxPerRun), r.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&activeOnly, "active", false, "only active rules")

	deactivate := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				r, err := e.DeactivateRule(ctx, args[0], p)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				fmt.Printf("Deactivated %s\n", r.ID)
				return nil
			})
		},
	}

	rules.AddCommand(create, list, deactivate)
	return rules
}

func runLogCmd() *cobra.Command {
	rl := &cobra.Command{Use: "run-logs", Short: "Inspect and review run logs"}

	var f repo.RunLogFilters
	var needsReview bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List run logs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("needs-review") {
				f.NeedsReview = &needsReview
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRunLogs(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Work type", "Status", "Cost", "Variance", "Review"})
				for _, l := range items {
					review := deref(l.ReviewStatus)
					if review == "" && l.RequiresHumanReview {
						review = "pending"
					}
					tw.AppendRow(table.Row{l.ID, l.AgentID, l.WorkType, l.Status, l.ActualCost, pct(l.CostVariancePct), review})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.AgentID, "agent", "", "agent filter")
	list.Flags().StringVar(&f.WorkOrderID, "work-order", "", "work order id filter")
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.ReviewStatus, "review-status", "", "review status filter")
	list.Flags().BoolVar(&needsReview, "needs-review", false, "only logs flagged for review")
	list.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.GetRunLog(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(l)
			})
		},
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Aggregate run log figures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RunLogStats(ctx, repo.RunLogFilters{})
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}

	var opts engine.ReviewOptions
	var modified string
	review := &cobra.Command{
		Use:   "review <id>",
		Short: "Record a review verdict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ModifiedOutput = optionalString(modified)
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				opts.Actor = p
				l, err := e.ReviewRunLog(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(l)
				}
				fmt.Printf("%s reviewed: %s\n", l.ID, deref(l.ReviewStatus))
				return nil
			})
		},
	}
	review.Flags().StringVar(&opts.Status, "status", "", "approved, rejected or modified")
	review.Flags().StringVar(&opts.Notes, "notes", "", "review notes")
	review.Flags().StringVar(&modified, "modified-output", "", "replacement output when status is modified")

	rl.AddCommand(list, show, stats, review)
	return rl
}

func rolesCmd() *cobra.Command {
	roles := &cobra.Command{Use: "roles", Short: "Grant and revoke roles"}
	var target, role string

	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				g, err := e.GrantRole(ctx, p, target, role)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(g)
				}
				fmt.Printf("Granted %s to %s\n", g.Role, g.ActorID)
				return nil
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role (admin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				return e.RevokeRole(ctx, p, target, role)
			})
		},
	}
	bootstrap := &cobra.Command{
		Use:   "bootstrap",
		Short: "Grant a role without RBAC checks (dev only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return bootstrapRole(ctx, e, target, role)
			})
		},
	}
	for _, c := range []*cobra.Command{grant, revoke, bootstrap} {
		c.Flags().StringVar(&target, "actor", "", "actor id")
		c.Flags().StringVar(&role, "role", "", "admin, attorney, operator or viewer")
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List role grants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				grants, err := e.ListRoleGrants(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(grants)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Actor", "Role", "Granted by", "Created"})
				for _, g := range grants {
					tw.AppendRow(table.Row{g.ActorID, g.Role, g.GrantedBy, g.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	roles.AddCommand(grant, revoke, bootstrap, list)
	return roles
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	var target, name string

	create := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				k, secret, err := e.CreateAPIKey(ctx, p, target, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": k, "secret": secret})
				}
				fmt.Printf("Key %s for %s\n%s\n", k.ID, k.ActorID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&target, "actor", "", "key owner (defaults to the caller)")
	create.Flags().StringVar(&name, "name", "", "label")

	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				owner := target
				if owner == "" {
					owner = p.ActorID
				}
				items, err := e.ListAPIKeys(ctx, p, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&target, "actor", "", "key owner (defaults to the caller)")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPrincipal(cmd.Context(), func(ctx context.Context, e engine.Engine, p auth.Principal) error {
				return e.DeleteAPIKey(ctx, p, args[0])
			})
		},
	}
	keys.AddCommand(create, list, del)
	return keys
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Read the event trail"}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + "/" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	lg.AddCommand(tail)
	return lg
}
