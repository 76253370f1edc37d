// Package llm adapts chat-completion backends to a streaming event interface.
package llm

import (
	"context"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

// EventType tags a streamed model event.
type EventType string

const (
	EventTextDelta      EventType = "text-delta"
	EventReasoningDelta EventType = "reasoning-delta"
	EventToolCall       EventType = "tool-call"
	// EventPart carries a complete source, file or data part.
	EventPart EventType = "part"
)

// Event is one element of a model response stream.
type Event struct {
	Type     EventType
	Text     string
	ToolCall domain.ToolCall
	Part     domain.Part
}

// Request is a single model turn.
type Request struct {
	Model    string
	System   string
	Tools    []domain.ToolSpec
	Messages []domain.ModelMessage
}

// Stream yields events until io.EOF. FinishReason is meaningful once Recv
// has returned io.EOF.
type Stream interface {
	Recv() (Event, error)
	FinishReason() domain.FinishReason
	Close() error
}

// Invoker starts model turns. Errors are classified: domain.IsFatal errors
// must not be retried, anything else may be.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Stream, error)
}
