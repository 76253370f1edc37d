package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
	"github.com/xiaot623/gogo/foodchat/internal/stream"
)

var tracer = otel.Tracer("github.com/xiaot623/gogo/foodchat/internal/workflow")

// StepFunc is the body of a step. It receives a fresh copy of its input on
// every attempt.
type StepFunc[In, Out any] func(ctx context.Context, sc *StepContext, in In) (Out, error)

// Step is a retryable, memoized unit of work.
type Step[In, Out any] struct {
	name string
	fn   StepFunc[In, Out]
}

// DefineStep declares a step. In and Out must round-trip through JSON.
func DefineStep[In, Out any](name string, fn StepFunc[In, Out]) *Step[In, Out] {
	return &Step[In, Out]{name: name, fn: fn}
}

// Name returns the step name.
func (s *Step[In, Out]) Name() string { return s.name }

// StepContext is what a step attempt sees of its run.
type StepContext struct {
	RunID string
	// Step is the 1-based position of the step in the run.
	Step int
	// Attempt is 1 for the first execution and increments on every retry.
	Attempt int

	stream *stream.Stream
}

// Write appends payload to the run's stream.
func (sc *StepContext) Write(ctx context.Context, payload domain.ChunkPayload) error {
	_, err := sc.stream.Write(ctx, payload)
	return err
}

// Run executes the step as the next step of wctx. A result already persisted
// for this position is returned without executing the body. Transient errors
// are retried with exponential backoff; fatal errors and exhausted retries
// return a fatal error.
func (s *Step[In, Out]) Run(wctx *Context, in In) (Out, error) {
	var zero Out
	r := wctx.runner
	index := wctx.allocStep()
	logger := wctx.logger.With("step", index+1, "step_name", s.name)

	raw, ok, err := r.store.GetStepResult(wctx, wctx.run.RunID, index)
	if err != nil {
		return zero, fmt.Errorf("failed to load step result: %w", err)
	}
	if ok {
		var out Out
		if err := json.Unmarshal(raw, &out); err != nil {
			return zero, domain.Fatal(fmt.Errorf("failed to decode step %s result: %w", s.name, err))
		}
		r.metrics.StepAttempt(s.name, "replayed", 0)
		logger.Debug("step replayed")
		return out, nil
	}

	encoded, err := json.Marshal(in)
	if err != nil {
		return zero, domain.Fatal(fmt.Errorf("step %s input is not serializable: %w", s.name, err))
	}

	// Attempts logged by a previous process keep their numbers.
	prior := wctx.priorAttempts[index+1]
	attempt := prior
	op := func() (Out, error) {
		attempt++
		var fresh In
		if err := json.Unmarshal(encoded, &fresh); err != nil {
			return zero, backoff.Permanent(domain.Fatal(err))
		}
		out, err := s.attempt(wctx, index, attempt, fresh)
		switch {
		case err == nil:
			return out, nil
		case wctx.Err() != nil:
			return zero, backoff.Permanent(err)
		case domain.IsFatal(err):
			return zero, backoff.Permanent(err)
		}
		return zero, err
	}

	out, err := backoff.Retry(wctx, op,
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.retry.MaxAttempts)),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warn("step attempt failed, retrying", "attempt", attempt, "backoff", d, "err", err)
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		if wctx.Err() != nil {
			return zero, err
		}
		if !domain.IsFatal(err) {
			err = domain.Fatal(fmt.Errorf("step %s failed after %d attempts: %w", s.name, attempt-prior, err))
		}
		logger.Error("step failed", "attempt", attempt, "err", err)
		return zero, err
	}

	result, err := json.Marshal(out)
	if err != nil {
		return zero, domain.Fatal(fmt.Errorf("step %s output is not serializable: %w", s.name, err))
	}
	if err := r.store.SaveStepResult(wctx, wctx.run.RunID, index, s.name, result); err != nil {
		return zero, fmt.Errorf("failed to save step result: %w", err)
	}
	return out, nil
}

func (s *Step[In, Out]) attempt(wctx *Context, index, attempt int, in In) (Out, error) {
	var zero Out
	r := wctx.runner
	sc := &StepContext{RunID: wctx.run.RunID, Step: index + 1, Attempt: attempt, stream: wctx.stream}

	ctx, span := tracer.Start(wctx, "step "+s.name, trace.WithAttributes(
		attribute.String("run.id", sc.RunID),
		attribute.Int("step.index", sc.Step),
		attribute.Int("step.attempt", attempt),
	))
	defer span.End()

	started := time.Now()
	if err := sc.Write(ctx, domain.ChunkPayload{Type: domain.ChunkTypeStartStep, Step: sc.Step, Attempt: attempt}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	out, err := s.fn(ctx, sc, in)
	switch {
	case err == nil:
		r.metrics.StepAttempt(s.name, "ok", time.Since(started))
	case domain.IsFatal(err):
		r.metrics.StepAttempt(s.name, "fatal", time.Since(started))
	default:
		r.metrics.StepAttempt(s.name, "retry", time.Since(started))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return zero, err
	}
	return out, nil
}
