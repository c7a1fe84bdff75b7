// Package provider is the boundary to the metered computation. The engine
// only sees Invoker; real providers and test doubles plug in behind it.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PromptSpec is everything a provider needs to run one work order.
type PromptSpec struct {
	WorkOrderID           string
	WorkType              string
	Model                 string
	System                string
	User                  string
	Prompt                string
	MaxOutputTokens       int64
	EstimatedInputTokens  int64
	EstimatedOutputTokens int64
}

type Result struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

type Invoker interface {
	Invoke(ctx context.Context, spec PromptSpec) (Result, error)
}

// Func adapts a function to Invoker.
type Func func(ctx context.Context, spec PromptSpec) (Result, error)

func (f Func) Invoke(ctx context.Context, spec PromptSpec) (Result, error) {
	return f(ctx, spec)
}

// UsageError is a provider failure that still consumed tokens.
type UsageError struct {
	Err          error
	InputTokens  int64
	OutputTokens int64
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("%v (consumed %d input, %d output tokens)", e.Err, e.InputTokens, e.OutputTokens)
}

func (e *UsageError) Unwrap() error { return e.Err }

// Usage extracts reported consumption from a provider error.
func Usage(err error) (in, out int64, ok bool) {
	var ue *UsageError
	if errors.As(err, &ue) {
		return ue.InputTokens, ue.OutputTokens, true
	}
	return 0, 0, false
}

// Simulated is a deterministic stand-in used when no live provider is
// configured: it reports 95% of the estimated input and 80% of the
// estimated output tokens.
type Simulated struct {
	Latency time.Duration
}

func (s Simulated) Invoke(ctx context.Context, spec PromptSpec) (Result, error) {
	if s.Latency > 0 {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(s.Latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{
		Text:         fmt.Sprintf("[Simulated response for %s]", spec.WorkType),
		InputTokens:  spec.EstimatedInputTokens * 95 / 100,
		OutputTokens: spec.EstimatedOutputTokens * 80 / 100,
	}, nil
}

// New returns the invoker registered under name.
func New(name string) (Invoker, error) {
	switch name {
	case "", "simulated":
		return Simulated{}, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}
