package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"missioncontrol/internal/app"
	"missioncontrol/internal/config"
	"missioncontrol/internal/db"
	"missioncontrol/internal/domain"
	"missioncontrol/internal/engine"
	"missioncontrol/internal/engine/auth"
	"missioncontrol/internal/events"
	"missioncontrol/internal/server"
	"missioncontrol/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "mc",
	Short: "Mission Control CLI",
	Long: `Mission Control gates metered LLM work behind estimates, budgets and approvals.
- Work order: one unit of agent work (agent, work type, input); moves pending -> ready | awaiting_approval -> queued -> in_progress -> completed | failed.
- Estimate: tokens and cost predicted before anything is spent; stale after estimation.freshness_hours.
- Preflight: estimate plus budget and governance checks; decides ready or awaiting_approval.
- Daily budget: one ledger row per day; executions reserve the estimate and settle the actual cost.
- Governance rules: approval gates and cost limits scoped by agent and work type, with optional CEL conditions.
- Run logs: the prompt, output and variance of every execution, with human review.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.BindEnv("db-dsn", "MC_DATABASE_DSN")
	_ = viper.BindEnv("db-driver", "MC_DATABASE_DRIVER")
	_ = viper.BindEnv("jwt-secret", "MC_JWT_SECRET")
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.String("config", "", "config file (defaults to <workspace>/"+config.FileName+")")
	pf.Bool("json", false, "output JSON")
	pf.String("actor-id", "local-user", "actor identifier")
	pf.String("db-driver", "", "database driver (sqlite or postgres)")
	pf.String("db-dsn", "", "database DSN")
	pf.String("redis-addr", "", "redis address for the in-flight marker")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "db-driver", "db-dsn", "redis-addr"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workOrderCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(rulesCmd())
	rootCmd.AddCommand(runLogCmd())
	rootCmd.AddCommand(rolesCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(logCmd())
}

func openOptions() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		DBDriver:   viper.GetString("db-driver"),
		DBDSN:      viper.GetString("db-dsn"),
		RedisAddr:  viper.GetString("redis-addr"),
	}
}

func initCmd() *cobra.Command {
	var force bool
	var admin string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace config and database",
		Long:  "Writes " + config.FileName + " with the built-in pricing, routing and budgets, then migrates the database. --admin grants the admin role without any check, for bootstrapping.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			opts := openOptions()
			opts.RequireConfig = true
			rt, err := app.Open(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()
			if admin != "" {
				if err := bootstrapRole(cmd.Context(), rt.Engine, admin, auth.RoleAdmin); err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"config": path, "database": string(rt.Dialect), "admin": admin})
			}
			fmt.Printf("Wrote %s (%s database)\n", path, rt.Dialect)
			if admin != "" {
				fmt.Printf("Granted admin to %s\n", admin)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	cmd.Flags().StringVar(&admin, "admin", "", "actor to grant the admin role")
	return cmd
}

// bootstrapRole writes a grant directly, skipping the admin check GrantRole
// enforces, so the first admin can exist.
func bootstrapRole(ctx context.Context, e engine.Engine, actorID, role string) error {
	if !auth.ValidRole(role) {
		return fmt.Errorf("unknown role %q", role)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	g := domain.RoleGrant{ActorID: actorID, Role: role, GrantedBy: "bootstrap", CreatedAt: time.Now().UTC().Format(time.RFC3339)}
	if err := e.Repo.GrantRole(ctx, tx, g); err != nil {
		return err
	}
	e.Events.Record(ctx, tx, events.RoleGranted, "actor", actorID, "bootstrap", events.EventPayload{"role": role})
	return tx.Commit()
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config (secrets omitted)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.LoadConfig(openOptions())
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := openOptions()
			opts.RequireConfig = opts.ConfigPath == ""
			_, err := app.LoadConfig(opts)
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the built-in config",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(config.GenerateDefault())
			return nil
		},
	})
	return cfg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin bool
	var reconcileEvery time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := openOptions()
			cfg, err := app.LoadConfig(opts)
			if err != nil {
				return err
			}
			logger := telemetry.NewLogger(cfg.Logging, os.Stderr)
			slog.SetDefault(logger)
			opts.Logger = logger

			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("MC_JWT_SECRET is required for bearer auth")
			}
			shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTelemetry(sctx)
			}()

			rt, err := app.OpenWithConfig(ctx, opts, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					AllowLegacyActorHeader: cfg.Server.AllowLegacyActorHeader,
					DevLogin:               devLogin,
					Logger:                 logger,
				},
				RateLimit: server.RateLimitConfig{RPS: cfg.Server.RateLimitRPS, Burst: cfg.Server.RateLimitBurst},
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			server.StartWebhooks(ctx, rt.Engine, logger)
			if reconcileEvery > 0 {
				go reconcileLoop(ctx, rt.Engine, reconcileEvery, logger)
			}

			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			logger.Info("serving Mission Control API", "addr", addr, "base_path", basePath, "dev_login", devLogin)
			fmt.Printf("Serving Mission Control API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login (development only)")
	cmd.Flags().DurationVar(&reconcileEvery, "reconcile-every", 0, "settle stale dispatched executions on this interval")
	return cmd
}

var systemPrincipal = auth.Principal{ActorID: "system", Roles: []string{auth.RoleAdmin}}

func reconcileLoop(ctx context.Context, e engine.Engine, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		res, err := e.Reconcile(ctx, 0, systemPrincipal)
		if err != nil {
			logger.ErrorContext(ctx, "reconcile failed", "err", err)
			continue
		}
		if len(res.Settled) > 0 {
			logger.InfoContext(ctx, "reconciled stale executions", "settled", len(res.Settled), "skipped", res.Skipped)
		}
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := app.Open(ctx, openOptions())
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
}

// withPrincipal resolves the CLI actor against granted roles.
func withPrincipal(ctx context.Context, fn func(context.Context, engine.Engine, auth.Principal) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		p, err := e.Auth.Resolve(ctx, viper.GetString("actor-id"), nil)
		if err != nil {
			return err
		}
		return fn(ctx, e, p)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
