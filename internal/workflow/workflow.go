// Package workflow runs durable workflows.
//
// A workflow is a plain Go function whose side-effecting work happens inside
// steps. Each step's result is persisted under (run id, step index), so a run
// re-executed after a restart replays finished steps from storage and resumes
// at the first step that never completed. Everything a run emits goes to the
// run's chunk stream.
package workflow

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
	"github.com/xiaot623/gogo/foodchat/internal/stream"
)

// WorkflowFunc is a workflow body. It must be deterministic with respect to
// the sequence of steps it runs for a given input.
type WorkflowFunc func(wctx *Context, input json.RawMessage) (any, error)

// Workflow is a named, registered workflow body.
type Workflow struct {
	name string
	fn   WorkflowFunc
}

// DefineWorkflow declares a workflow. It still has to be registered with a
// Runner before it can be started or recovered.
func DefineWorkflow(name string, fn WorkflowFunc) *Workflow {
	return &Workflow{name: name, fn: fn}
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Finisher is implemented by workflow outputs that carry a finish reason
// for the terminal chunk.
type Finisher interface {
	FinishReason() domain.FinishReason
}

// Context is handed to a running workflow body.
type Context struct {
	context.Context

	runner   *Runner
	run      *domain.Run
	stream   *stream.Stream
	nextStep int
	logger   *slog.Logger

	// priorAttempts maps a 1-based step number to the highest attempt a
	// previous process logged for it.
	priorAttempts map[int]int
}

// RunID returns the id of the executing run.
func (c *Context) RunID() string { return c.run.RunID }

// Logger returns a logger scoped to the run.
func (c *Context) Logger() *slog.Logger { return c.logger }

func (c *Context) allocStep() int {
	i := c.nextStep
	c.nextStep++
	return i
}
