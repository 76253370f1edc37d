package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
	"github.com/xiaot623/gogo/foodchat/internal/observability"
)

// OpenAIInvoker streams chat completions from an OpenAI-compatible endpoint
// such as a LiteLLM proxy.
type OpenAIInvoker struct {
	client  *openai.Client
	model   string
	metrics *observability.Metrics
}

// OpenAIOption configures an OpenAIInvoker.
type OpenAIOption func(*OpenAIInvoker)

// WithModelMetrics records model requests.
func WithModelMetrics(m *observability.Metrics) OpenAIOption {
	return func(o *OpenAIInvoker) { o.metrics = m }
}

// NewOpenAIInvoker creates an invoker for baseURL. An empty baseURL uses
// the OpenAI API.
func NewOpenAIInvoker(baseURL, apiKey, model string, timeout time.Duration, opts ...OpenAIOption) *OpenAIInvoker {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	o := &OpenAIInvoker{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var _ Invoker = (*OpenAIInvoker)(nil)

// Invoke starts a streaming completion.
func (o *OpenAIInvoker) Invoke(ctx context.Context, req Request) (Stream, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(req.System, req.Messages),
		Stream:   true,
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = toOpenAITools(req.Tools)
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, chatReq)
	o.metrics.ModelRequest(model, err)
	if err != nil {
		return nil, classify(fmt.Errorf("failed to start completion: %w", err))
	}
	return &openAIStream{stream: stream, calls: make(map[int]*domain.ToolCall)}, nil
}

type openAIStream struct {
	stream  *openai.ChatCompletionStream
	pending []Event
	calls   map[int]*domain.ToolCall
	flushed int
	finish  domain.FinishReason
	done    bool
}

func (s *openAIStream) Recv() (Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return Event{}, io.EOF
		}

		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.flushCalls()
			s.done = true
			continue
		}
		if err != nil {
			return Event{}, classify(err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.Delta.ReasoningContent != "" {
			s.pending = append(s.pending, Event{Type: EventReasoningDelta, Text: choice.Delta.ReasoningContent})
		}
		if choice.Delta.Content != "" {
			s.pending = append(s.pending, Event{Type: EventTextDelta, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := s.calls[index]
			if call == nil {
				call = &domain.ToolCall{}
				s.calls[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Input = append(call.Input, tc.Function.Arguments...)
		}
		if choice.FinishReason != "" {
			s.finish = mapFinishReason(choice.FinishReason)
			if s.finish == domain.FinishReasonToolCalls {
				s.flushCalls()
			}
		}
	}
}

// flushCalls emits accumulated tool calls in index order.
func (s *openAIStream) flushCalls() {
	indexes := make([]int, 0, len(s.calls))
	for i := range s.calls {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		call := s.calls[i]
		if call.Name == "" {
			continue
		}
		if call.ID == "" {
			call.ID = "call_" + uuid.New().String()
		}
		if len(strings.TrimSpace(string(call.Input))) == 0 {
			call.Input = json.RawMessage("{}")
		}
		s.pending = append(s.pending, Event{Type: EventToolCall, ToolCall: *call})
		s.flushed++
	}
	s.calls = make(map[int]*domain.ToolCall)
}

func (s *openAIStream) FinishReason() domain.FinishReason {
	if s.finish != "" {
		return s.finish
	}
	if s.flushed > 0 {
		return domain.FinishReasonToolCalls
	}
	return domain.FinishReasonStop
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

func mapFinishReason(r openai.FinishReason) domain.FinishReason {
	switch r {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return domain.FinishReasonToolCalls
	case openai.FinishReasonLength:
		return domain.FinishReasonLength
	case openai.FinishReasonContentFilter:
		return domain.FinishReasonError
	default:
		return domain.FinishReasonStop
	}
}

// classify marks provider errors as fatal or transient. Authentication
// failures and other client errors are fatal; rate limits, server errors
// and network failures are transient. Cancellation passes through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode, err)
	}
	return domain.Transient(err)
}

func classifyStatus(status int, err error) error {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusConflict, status == http.StatusTooManyRequests:
		return domain.Transient(err)
	case status >= 500, status == 0:
		return domain.Transient(err)
	case status >= 400:
		return domain.Fatal(err)
	}
	return domain.Transient(err)
}

func toOpenAITools(specs []domain.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(specs))
	for i, spec := range specs {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.InputSchema,
			},
		}
	}
	return out
}

func toOpenAIMessages(system string, messages []domain.ModelMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		switch m.Role {
		case domain.RoleAssistant:
			out = append(out, assistantMessages(m.Parts)...)
		case domain.RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: joinText(m.Parts)})
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: joinText(m.Parts)})
		}
	}
	return out
}

// assistantMessages splits an assistant message into the assistant/tool
// message pairs the chat completion API expects. Text following a tool
// call starts a new assistant message, mirroring a new model step.
func assistantMessages(parts []domain.Part) []openai.ChatCompletionMessage {
	var out []openai.ChatCompletionMessage
	var text strings.Builder
	var calls []openai.ToolCall
	var results []openai.ChatCompletionMessage

	flush := func() {
		if text.Len() == 0 && len(calls) == 0 {
			return
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   text.String(),
			ToolCalls: calls,
		})
		out = append(out, results...)
		text.Reset()
		calls = nil
		results = nil
	}

	for _, p := range parts {
		switch p.Type {
		case domain.PartTypeText:
			if len(calls) > 0 {
				flush()
			}
			text.WriteString(p.Text)
		case domain.PartTypeToolInvocation:
			if !p.State.Settled() {
				continue
			}
			args := string(p.Input)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, openai.ToolCall{
				ID:   p.ToolCallID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      p.ToolName,
					Arguments: args,
				},
			})
			results = append(results, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: p.ToolCallID,
				Content:    toolResultContent(p),
			})
		}
	}
	flush()
	return out
}

func toolResultContent(p domain.Part) string {
	switch p.State {
	case domain.ToolStateOutputAvailable:
		return string(p.Output)
	case domain.ToolStateOutputDenied:
		return "denied: " + p.ErrorText
	default:
		return "error: " + p.ErrorText
	}
}

func joinText(parts []domain.Part) string {
	var b strings.Builder
	for _, p := range parts {
		if p.Type == domain.PartTypeText {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
