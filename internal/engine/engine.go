package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"missioncontrol/internal/catalog"
	"missioncontrol/internal/config"
	"missioncontrol/internal/db"
	"missioncontrol/internal/engine/auth"
	"missioncontrol/internal/estimator"
	"missioncontrol/internal/events"
	"missioncontrol/internal/governance"
	"missioncontrol/internal/inflight"
	"missioncontrol/internal/ledger"
	"missioncontrol/internal/provider"
	"missioncontrol/internal/repo"
	"missioncontrol/internal/telemetry"
)

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Ledger     ledger.Ledger
	Catalog    *catalog.Catalog
	Estimator  estimator.Estimator
	Governance *governance.Evaluator
	Provider   provider.Invoker
	Inflight   inflight.Marker
	Auth       auth.Service
	Metrics    *telemetry.Metrics
	Tracer     trace.Tracer
	Config     *config.Config
	Now        func() time.Time
	Logger     *slog.Logger

	schemas map[string]*jsonschema.Schema
}

// New wires an engine from a validated config. The provider, in-flight
// marker and metrics can be swapped on the returned value.
func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config) (Engine, error) {
	if cfg == nil {
		return Engine{}, errors.New("config not loaded")
	}
	cat, err := catalog.New(cfg)
	if err != nil {
		return Engine{}, err
	}
	evaluator, err := governance.NewEvaluator()
	if err != nil {
		return Engine{}, err
	}
	invoker, err := provider.New(cfg.Execution.Provider)
	if err != nil {
		return Engine{}, err
	}
	metrics, err := telemetry.NewMetrics(nil)
	if err != nil {
		return Engine{}, fmt.Errorf("register metrics: %w", err)
	}
	schemas, err := compileSchemas(cfg.WorkTypes)
	if err != nil {
		return Engine{}, err
	}
	logger := slog.Default().With("component", "engine")
	r := repo.Repo{DB: conn, Dialect: dialect}
	tokenizers := estimator.NewRegistry(cfg.Estimation.CharsPerToken, cfg.Estimation.Tokenizers)
	return Engine{
		DB:   conn,
		Repo: r,
		Events: events.Writer{
			Dialect:  dialect,
			Now:      time.Now,
			Logger:   logger,
			Failures: metrics.EventAppendFailures,
		},
		Ledger:     ledger.New(conn, dialect),
		Catalog:    cat,
		Estimator:  estimator.New(cat, tokenizers, cfg.Estimation.SafetyMargin),
		Governance: evaluator,
		Provider:   invoker,
		Inflight:   inflight.NewLocal(),
		Auth:       auth.Service{Repo: r},
		Metrics:    metrics,
		Tracer:     telemetry.Tracer(),
		Config:     cfg,
		Now:        time.Now,
		Logger:     logger,
		schemas:    schemas,
	}, nil
}

// WithClock returns a copy of e whose clock, ledger and event timestamps use now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	if l, ok := e.Ledger.(*ledger.SQL); ok {
		cp := *l
		cp.Now = now
		e.Ledger = &cp
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// localTime moves t into the budget timezone.
func (e Engine) localTime(t time.Time) time.Time {
	if loc := e.Catalog.Budgets.Location; loc != nil {
		return t.In(loc)
	}
	return t.UTC()
}

func (e Engine) timestamp() string {
	return repo.FormatTime(e.now())
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := e.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer()
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func compileSchemas(workTypes map[string]config.WorkType) (map[string]*jsonschema.Schema, error) {
	schemas := map[string]*jsonschema.Schema{}
	for name, wt := range workTypes {
		if strings.TrimSpace(wt.InputSchema) == "" {
			continue
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://missioncontrol.local/work-types/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(wt.InputSchema)); err != nil {
			return nil, fmt.Errorf("work type %s input schema: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("work type %s input schema: %w", name, err)
		}
		schemas[name] = compiled
	}
	return schemas, nil
}
