package llm

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

// Turn is one scripted model response.
type Turn struct {
	Events       []Event
	FinishReason domain.FinishReason

	// Err fails the invocation itself.
	Err error
	// StreamErr is returned by Recv after the events are exhausted.
	StreamErr error
	// Wait, when set, blocks the first Recv until it is closed.
	Wait <-chan struct{}
}

// ScriptedInvoker replays fixed turns in order. Once they run out it asks
// the fallback, if any.
type ScriptedInvoker struct {
	mu       sync.Mutex
	turns    []Turn
	next     int
	fallback func(n int, req Request) Turn
	requests []Request
}

// NewScriptedInvoker returns an invoker answering with turns in order.
func NewScriptedInvoker(turns ...Turn) *ScriptedInvoker {
	return &ScriptedInvoker{turns: turns}
}

// WithFallback answers every invocation past the scripted turns with fn.
// n is the zero-based invocation count.
func (s *ScriptedInvoker) WithFallback(fn func(n int, req Request) Turn) *ScriptedInvoker {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallback = fn
	return s
}

var _ Invoker = (*ScriptedInvoker)(nil)

// Invoke returns the next scripted turn.
func (s *ScriptedInvoker) Invoke(ctx context.Context, req Request) (Stream, error) {
	s.mu.Lock()
	n := len(s.requests)
	s.requests = append(s.requests, req)
	var turn Turn
	switch {
	case s.next < len(s.turns):
		turn = s.turns[s.next]
		s.next++
	case s.fallback != nil:
		turn = s.fallback(n, req)
	default:
		s.mu.Unlock()
		return nil, domain.Fatal(errors.New("scripted model has no more turns"))
	}
	s.mu.Unlock()

	if turn.Err != nil {
		return nil, turn.Err
	}
	finish := turn.FinishReason
	if finish == "" {
		finish = domain.FinishReasonStop
	}
	return &scriptedStream{ctx: ctx, turn: turn, finish: finish}, nil
}

// Requests returns every request seen so far.
func (s *ScriptedInvoker) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

type scriptedStream struct {
	ctx    context.Context
	turn   Turn
	pos    int
	waited bool
	finish domain.FinishReason
}

func (s *scriptedStream) Recv() (Event, error) {
	if !s.waited && s.turn.Wait != nil {
		s.waited = true
		select {
		case <-s.turn.Wait:
		case <-s.ctx.Done():
			return Event{}, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return Event{}, err
	}
	if s.pos < len(s.turn.Events) {
		ev := s.turn.Events[s.pos]
		s.pos++
		return ev, nil
	}
	if s.turn.StreamErr != nil {
		return Event{}, s.turn.StreamErr
	}
	return Event{}, io.EOF
}

func (s *scriptedStream) FinishReason() domain.FinishReason { return s.finish }

func (s *scriptedStream) Close() error { return nil }

// Text is a helper building a text-delta event.
func Text(delta string) Event {
	return Event{Type: EventTextDelta, Text: delta}
}

// Call is a helper building a tool-call event.
func Call(id, name, input string) Event {
	return Event{Type: EventToolCall, ToolCall: domain.ToolCall{ID: id, Name: name, Input: []byte(input)}}
}
