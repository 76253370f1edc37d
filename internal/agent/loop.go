// Package agent drives the multi-step conversation with the model.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/xiaot623/gogo/foodchat/internal/adapter/llm"
	"github.com/xiaot623/gogo/foodchat/internal/domain"
	"github.com/xiaot623/gogo/foodchat/internal/tools"
	"github.com/xiaot623/gogo/foodchat/internal/workflow"
)

// DefaultMaxSteps bounds the loop when the caller does not.
const DefaultMaxSteps = 5

// Options configures one loop execution.
type Options struct {
	MaxSteps    int
	ToolContext domain.ToolContext
}

// Result is the accumulated output of a loop execution.
type Result struct {
	Parts        []domain.Part       `json:"parts"`
	StepCount    int                 `json:"stepCount"`
	FinishReason domain.FinishReason `json:"finishReason"`
}

// StepInput is everything one agent step needs. It is persisted with the
// step, so it must stay serializable.
type StepInput struct {
	Step        int                   `json:"step"`
	Model       string                `json:"model,omitempty"`
	System      string                `json:"system,omitempty"`
	Messages    []domain.ModelMessage `json:"messages"`
	ToolContext domain.ToolContext    `json:"toolContext"`
}

// StepOutput is the memoized result of one agent step.
type StepOutput struct {
	Parts        []domain.Part       `json:"parts"`
	FinishReason domain.FinishReason `json:"finishReason"`
}

// Loop alternates model turns and tool executions.
type Loop struct {
	invoker llm.Invoker
	tools   *tools.Registry
	model   string
	system  string
	logger  *slog.Logger
	step    *workflow.Step[StepInput, StepOutput]
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithModel sets the model name sent with every request.
func WithModel(model string) LoopOption {
	return func(l *Loop) { l.model = model }
}

// WithSystemPrompt sets the system prompt.
func WithSystemPrompt(prompt string) LoopOption {
	return func(l *Loop) { l.system = prompt }
}

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) LoopOption {
	return func(l *Loop) { l.logger = logger }
}

// NewLoop creates a loop over invoker and registry.
func NewLoop(invoker llm.Invoker, registry *tools.Registry, opts ...LoopOption) *Loop {
	l := &Loop{
		invoker: invoker,
		tools:   registry,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.step = workflow.DefineStep("agent.step", l.runStep)
	return l
}

// Run executes agent steps until the model stops asking for tools or
// opts.MaxSteps is reached. Reaching the limit is not an error.
func (l *Loop) Run(wctx *workflow.Context, history []domain.ModelMessage, opts Options) (*Result, error) {
	if opts.MaxSteps < 1 {
		return nil, domain.Fatal(fmt.Errorf("%w: max steps must be at least 1", domain.ErrInvalidInput))
	}
	if opts.ToolContext.RunID == "" {
		opts.ToolContext.RunID = wctx.RunID()
	}

	buffer := append([]domain.ModelMessage(nil), history...)
	res := &Result{}
	for res.StepCount < opts.MaxSteps {
		out, err := l.step.Run(wctx, StepInput{
			Step:        res.StepCount + 1,
			Model:       l.model,
			System:      l.system,
			Messages:    buffer,
			ToolContext: opts.ToolContext,
		})
		if err != nil {
			return nil, err
		}
		res.StepCount++
		res.Parts = append(res.Parts, out.Parts...)
		res.FinishReason = out.FinishReason
		if len(out.Parts) > 0 {
			buffer = append(buffer, domain.ModelMessage{Role: domain.RoleAssistant, Parts: out.Parts})
		}
		if out.FinishReason != domain.FinishReasonToolCalls {
			break
		}
	}
	if res.StepCount == opts.MaxSteps && res.FinishReason == domain.FinishReasonToolCalls {
		wctx.Logger().Info("agent stopped at step limit", "max_steps", opts.MaxSteps)
	}
	return res, nil
}

// runStep is one model turn: stream the response, execute tool calls as they
// arrive and record everything on the run's stream.
func (l *Loop) runStep(ctx context.Context, sc *workflow.StepContext, in StepInput) (StepOutput, error) {
	logger := l.logger.With("run_id", sc.RunID, "step", sc.Step, "attempt", sc.Attempt)

	stream, err := l.invoker.Invoke(ctx, llm.Request{
		Model:    in.Model,
		System:   in.System,
		Tools:    l.tools.Specs(),
		Messages: in.Messages,
	})
	if err != nil {
		return StepOutput{}, err
	}
	defer stream.Close()

	parts := domain.NewPartsBuilder()
	emit := func(p domain.ChunkPayload) error {
		if err := sc.Write(ctx, p); err != nil {
			return err
		}
		parts.Apply(p)
		return nil
	}

	var textID, reasoningID string
	segment := 0
	nextID := func(prefix string) string {
		segment++
		return fmt.Sprintf("%s-%d-%d-%d", prefix, sc.Step, sc.Attempt, segment)
	}

	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return StepOutput{}, err
		}

		switch ev.Type {
		case llm.EventTextDelta:
			if textID == "" {
				textID = nextID("txt")
			}
			err = emit(domain.ChunkPayload{Type: domain.ChunkTypeTextDelta, ID: textID, Delta: ev.Text})
		case llm.EventReasoningDelta:
			if reasoningID == "" {
				reasoningID = nextID("rsn")
			}
			err = emit(domain.ChunkPayload{Type: domain.ChunkTypeReasoningDelta, ID: reasoningID, Delta: ev.Text})
		case llm.EventToolCall:
			textID, reasoningID = "", ""
			err = l.callTool(ctx, in.ToolContext, ev.ToolCall, emit, logger)
		case llm.EventPart:
			if p, ok := domain.PartPayload(ev.Part); ok {
				err = emit(p)
			}
		}
		if err != nil {
			return StepOutput{}, err
		}
	}

	finish := stream.FinishReason()
	if err := emit(domain.ChunkPayload{Type: domain.ChunkTypeFinishStep, Step: sc.Step, FinishReason: finish}); err != nil {
		return StepOutput{}, err
	}
	logger.Debug("agent step finished", "finish_reason", finish)
	return StepOutput{Parts: parts.Parts(), FinishReason: finish}, nil
}

func (l *Loop) callTool(ctx context.Context, tc domain.ToolContext, call domain.ToolCall, emit func(domain.ChunkPayload) error, logger *slog.Logger) error {
	start := call
	start.Input = tools.WireInput(call.Input)
	if err := emit(domain.ToolCallStartPayload(start)); err != nil {
		return err
	}
	tc.ToolCallID = call.ID
	part := l.tools.Call(ctx, call, tc)
	if err := ctx.Err(); err != nil {
		return err
	}
	if part.State != domain.ToolStateOutputAvailable {
		logger.Info("tool call settled without output", "tool", call.Name, "state", part.State, "err", part.ErrorText)
	}
	return emit(domain.ToolCallResultPayload(part))
}
