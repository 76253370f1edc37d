package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

// Stream is the single writer of a live run. Sequence numbers are dense,
// starting at the value the stream was opened with.
type Stream struct {
	hub   *Hub
	runID string

	mu     sync.Mutex
	base   int64
	window []domain.Chunk
	next   int64
	closed bool
	// notify is closed and replaced on every append and on Close.
	notify chan struct{}
}

// RunID returns the run the stream belongs to.
func (s *Stream) RunID() string { return s.runID }

// Write appends payload to the durable log and then publishes it. A failed
// append consumes no sequence number.
func (s *Stream) Write(ctx context.Context, payload domain.ChunkPayload) (domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.Chunk{}, ErrClosed
	}

	chunk, err := domain.NewChunk(s.runID, s.next, payload)
	if err != nil {
		return domain.Chunk{}, fmt.Errorf("failed to encode chunk: %w", err)
	}
	if err := s.hub.log.AppendChunk(ctx, chunk); err != nil {
		return domain.Chunk{}, err
	}
	s.window = append(s.window, chunk)
	s.next++
	s.hub.metrics.ChunkAppended()

	close(s.notify)
	s.notify = make(chan struct{})
	return chunk, nil
}

// Next returns the sequence number the next write will get.
func (s *Stream) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Close ends the stream. Attached readers drain what was written and then
// see io.EOF.
func (s *Stream) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.notify)
	}
	s.mu.Unlock()
	s.hub.remove(s)
}

// view describes what a reader at seq can take from the window.
type view struct {
	chunks []domain.Chunk
	// before is true when seq precedes the window and must come from the log.
	before bool
	closed bool
	wait   <-chan struct{}
}

func (s *Stream) view(seq int64) view {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case seq < s.base:
		return view{before: true}
	case seq < s.next:
		src := s.window[seq-s.base:]
		out := make([]domain.Chunk, len(src))
		copy(out, src)
		return view{chunks: out}
	case s.closed:
		return view{closed: true}
	default:
		return view{wait: s.notify}
	}
}
