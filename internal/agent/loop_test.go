package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/foodchat/internal/adapter/llm"
	"github.com/xiaot623/gogo/foodchat/internal/domain"
	"github.com/xiaot623/gogo/foodchat/internal/stream"
	"github.com/xiaot623/gogo/foodchat/internal/tools"
	"github.com/xiaot623/gogo/foodchat/internal/workflow"
	"github.com/xiaot623/gogo/foodchat/tests/helpers"
)

type outcome struct {
	run    *domain.Run
	result Result
	chunks []domain.Chunk
}

func execute(t *testing.T, invoker llm.Invoker, registry *tools.Registry, maxSteps int) outcome {
	t.Helper()
	db := helpers.NewTestSQLiteStore(t)
	hub := stream.NewHub(db, db, stream.WithPollInterval(5*time.Millisecond))
	runner := workflow.NewRunner(db, hub, workflow.WithRetryPolicy(workflow.RetryPolicy{
		MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond,
	}))
	t.Cleanup(func() { _ = runner.Shutdown(context.Background()) })

	loop := NewLoop(invoker, registry, WithModel("test-model"), WithSystemPrompt("You take food orders."))
	wf := workflow.DefineWorkflow("agent", func(wctx *workflow.Context, input json.RawMessage) (any, error) {
		history := []domain.ModelMessage{{Role: domain.RoleUser, Parts: []domain.Part{domain.TextPart("what is on the menu?")}}}
		return loop.Run(wctx, history, Options{MaxSteps: maxSteps, ToolContext: domain.ToolContext{GuestID: "g1", ChatID: "chat_1"}})
	})
	require.NoError(t, runner.Register(wf))

	run, reader, err := runner.Start(context.Background(), wf, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var out outcome
	for {
		c, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		out.chunks = append(out.chunks, c)
	}

	out.run, err = db.GetRun(context.Background(), run.RunID)
	require.NoError(t, err)
	if out.run.Status == domain.RunStatusCompleted {
		require.NoError(t, json.Unmarshal(out.run.Output, &out.result))
	}
	return out
}

func menuRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, r.Register(tools.Tool{
		Name:        "menu_lookup",
		Description: "List the menu",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Execute: func(ctx context.Context, input json.RawMessage, tc domain.ToolContext) (json.RawMessage, error) {
			return json.RawMessage(`{"items":["ramen"]}`), nil
		},
	}))
	require.NoError(t, r.Register(tools.Tool{
		Name:        "oven_explode",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Execute: func(ctx context.Context, input json.RawMessage, tc domain.ToolContext) (json.RawMessage, error) {
			return nil, errors.New("oven on fire")
		},
	}))
	return r
}

func countType(chunks []domain.Chunk, typ domain.ChunkType) int {
	n := 0
	for _, c := range chunks {
		if c.Type == typ {
			n++
		}
	}
	return n
}

func TestStopEndsAfterOneStep(t *testing.T) {
	invoker := llm.NewScriptedInvoker(llm.Turn{Events: []llm.Event{llm.Text("Ramen "), llm.Text("and gyoza.")}})
	out := execute(t, invoker, menuRegistry(t), 5)

	require.Equal(t, domain.RunStatusCompleted, out.run.Status)
	assert.Equal(t, 1, out.result.StepCount)
	assert.Equal(t, domain.FinishReasonStop, out.result.FinishReason)
	require.Len(t, out.result.Parts, 1)
	assert.Equal(t, "Ramen and gyoza.", out.result.Parts[0].Text)
	assert.Equal(t, out.result.Parts, domain.AssembleParts(out.chunks))

	reqs := invoker.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "test-model", reqs[0].Model)
	assert.Equal(t, "You take food orders.", reqs[0].System)
	assert.Len(t, reqs[0].Tools, 2)
}

func TestMaxStepsBoundsToolCallingModel(t *testing.T) {
	invoker := llm.NewScriptedInvoker().WithFallback(func(n int, req llm.Request) llm.Turn {
		return llm.Turn{
			Events:       []llm.Event{llm.Call("call_"+string(rune('a'+n)), "menu_lookup", `{}`)},
			FinishReason: domain.FinishReasonToolCalls,
		}
	})
	out := execute(t, invoker, menuRegistry(t), 3)

	require.Equal(t, domain.RunStatusCompleted, out.run.Status)
	assert.Equal(t, 3, out.result.StepCount)
	assert.Equal(t, domain.FinishReasonToolCalls, out.result.FinishReason)
	assert.Len(t, out.result.Parts, 3)
	assert.Equal(t, 3, countType(out.chunks, domain.ChunkTypeFinishStep))

	reqs := invoker.Requests()
	require.Len(t, reqs, 3)
	last := reqs[2].Messages
	require.Len(t, last, 3)
	assert.Equal(t, domain.RoleAssistant, last[1].Role)
	assert.Equal(t, domain.ToolStateOutputAvailable, last[1].Parts[0].State)
	assert.JSONEq(t, `{"items":["ramen"]}`, string(last[1].Parts[0].Output))
}

func TestToolThenAnswer(t *testing.T) {
	invoker := llm.NewScriptedInvoker(
		llm.Turn{
			Events:       []llm.Event{llm.Text("Let me check."), llm.Call("call_1", "menu_lookup", `{}`)},
			FinishReason: domain.FinishReasonToolCalls,
		},
		llm.Turn{Events: []llm.Event{llm.Text("We have ramen.")}},
	)
	out := execute(t, invoker, menuRegistry(t), 5)

	require.Equal(t, domain.RunStatusCompleted, out.run.Status)
	assert.Equal(t, 2, out.result.StepCount)
	require.Len(t, out.result.Parts, 3)
	assert.Equal(t, domain.PartTypeText, out.result.Parts[0].Type)
	assert.Equal(t, domain.PartTypeToolInvocation, out.result.Parts[1].Type)
	assert.Equal(t, "We have ramen.", out.result.Parts[2].Text)
	assert.Equal(t, out.result.Parts, domain.AssembleParts(out.chunks))

	var sawStart bool
	for _, c := range out.chunks {
		switch c.Type {
		case domain.ChunkTypeToolCallStart:
			sawStart = true
		case domain.ChunkTypeToolCallResult:
			assert.True(t, sawStart, "result before call")
		}
	}
}

func TestFailingToolSettlesAsOutputError(t *testing.T) {
	invoker := llm.NewScriptedInvoker(
		llm.Turn{Events: []llm.Event{llm.Call("call_1", "oven_explode", `{}`)}, FinishReason: domain.FinishReasonToolCalls},
		llm.Turn{Events: []llm.Event{llm.Text("Sorry, the kitchen has a problem.")}},
	)
	out := execute(t, invoker, menuRegistry(t), 5)

	require.Equal(t, domain.RunStatusCompleted, out.run.Status)
	tool := out.result.Parts[0]
	assert.Equal(t, domain.ToolStateOutputError, tool.State)
	assert.Equal(t, "oven on fire", tool.ErrorText)
	assert.Empty(t, tool.Output)
}

func TestTransientModelErrorIsRetried(t *testing.T) {
	invoker := llm.NewScriptedInvoker(
		llm.Turn{Events: []llm.Event{llm.Text("half an ans")}, StreamErr: domain.Transient(errors.New("stream reset"))},
		llm.Turn{Err: domain.Transient(errors.New("503"))},
		llm.Turn{Events: []llm.Event{llm.Text("A full answer.")}},
	)
	out := execute(t, invoker, menuRegistry(t), 5)

	require.Equal(t, domain.RunStatusCompleted, out.run.Status)
	assert.Equal(t, 1, out.result.StepCount)
	require.Len(t, out.result.Parts, 1)
	assert.Equal(t, "A full answer.", out.result.Parts[0].Text)
	assert.Equal(t, out.result.Parts, domain.AssembleParts(out.chunks))
	assert.Equal(t, 3, countType(out.chunks, domain.ChunkTypeStartStep))
}

func TestFatalModelErrorFailsRun(t *testing.T) {
	invoker := llm.NewScriptedInvoker(llm.Turn{Err: domain.Fatal(errors.New("invalid api key"))})
	out := execute(t, invoker, menuRegistry(t), 5)

	assert.Equal(t, domain.RunStatusFailed, out.run.Status)
	assert.Contains(t, out.run.Error, "invalid api key")
	assert.Equal(t, domain.ChunkTypeError, out.chunks[len(out.chunks)-1].Type)
	assert.Len(t, invoker.Requests(), 1)
}

func TestInvalidMaxStepsFailsRun(t *testing.T) {
	out := execute(t, llm.NewScriptedInvoker(), menuRegistry(t), 0)
	assert.Equal(t, domain.RunStatusFailed, out.run.Status)
	assert.Contains(t, out.run.Error, "max steps")
}

func TestMalformedToolArgumentsSettleAsOutputError(t *testing.T) {
	invoker := llm.NewScriptedInvoker(
		llm.Turn{Events: []llm.Event{llm.Call("call_1", "menu_lookup", `{"query":`)}, FinishReason: domain.FinishReasonToolCalls},
		llm.Turn{Events: []llm.Event{llm.Text("Could you repeat that?")}},
	)
	out := execute(t, invoker, menuRegistry(t), 5)

	require.Equal(t, domain.RunStatusCompleted, out.run.Status)
	assert.Equal(t, 2, out.result.StepCount)
	assert.Equal(t, 2, countType(out.chunks, domain.ChunkTypeStartStep), "no step was retried")

	tool := out.result.Parts[0]
	assert.Equal(t, domain.ToolStateOutputError, tool.State)
	assert.Contains(t, tool.ErrorText, "invalid input")
	assert.JSONEq(t, `"{\"query\":"`, string(tool.Input))
	assert.Equal(t, out.result.Parts, domain.AssembleParts(out.chunks))

	reqs := invoker.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, domain.ToolStateOutputError, reqs[1].Messages[1].Parts[0].State)
}
