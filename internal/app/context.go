package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"missioncontrol/internal/config"
	"missioncontrol/internal/db"
	"missioncontrol/internal/engine"
	"missioncontrol/internal/inflight"
	"missioncontrol/internal/migrate"
)

// Options selects the workspace and any overrides taken from flags or env.
type Options struct {
	Workspace  string
	ConfigPath string
	// RequireConfig fails when no config file exists instead of using defaults.
	RequireConfig bool
	DBDriver      string
	DBDSN         string
	RedisAddr     string
	Logger        *slog.Logger
}

// Runtime is an opened workspace: config, migrated database and engine.
type Runtime struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Dialect   db.Dialect
	Engine    engine.Engine

	closers []func() error
}

// LoadConfig resolves the config file for opts and applies overrides.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case opts.ConfigPath != "":
		cfg, err = config.FromFile(opts.ConfigPath)
	case opts.RequireConfig:
		cfg, err = config.Load(opts.Workspace)
	default:
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if opts.DBDriver != "" {
		cfg.Database.Driver = opts.DBDriver
	}
	if opts.DBDSN != "" {
		cfg.Database.DSN = opts.DBDSN
	}
	if opts.RedisAddr != "" {
		cfg.Redis.Addr = opts.RedisAddr
		cfg.Execution.Inflight = "redis"
	}
	return cfg, nil
}

// Open loads config, opens and migrates the database and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	return OpenWithConfig(ctx, opts, cfg)
}

func OpenWithConfig(ctx context.Context, opts Options, cfg *config.Config) (*Runtime, error) {
	dbCfg := db.Config{Workspace: opts.Workspace, Driver: cfg.Database.Driver, DSN: cfg.Database.DSN}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt := &Runtime{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Dialect:   dbCfg.Dialect(),
		closers:   []func() error{conn.Close},
	}
	if err := migrate.Migrate(conn, rt.Dialect); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e, err := engine.New(conn, rt.Dialect, cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	if opts.Logger != nil {
		e.Logger = opts.Logger.With("component", "engine")
		e.Events.Logger = e.Logger
	}
	if cfg.Execution.Inflight == "redis" {
		marker := inflight.Dial(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		rt.closers = append(rt.closers, marker.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := marker.Ping(pingCtx); err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		e.Inflight = marker
	}
	rt.Engine = e
	return rt, nil
}

// Close releases everything Open acquired, newest first.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}
