// Package stream fans a run's chunk log out to any number of readers.
//
// A run's writer appends each chunk to the durable log before it becomes
// visible to readers. Readers attached to a live run in this process are
// woken on every append; readers of runs owned elsewhere poll the log until
// the run reaches a terminal status.
package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
	"github.com/xiaot623/gogo/foodchat/internal/observability"
)

// ErrClosed is returned when writing to a closed stream.
var ErrClosed = errors.New("stream closed")

// Log is the durable chunk log the hub writes through.
type Log interface {
	AppendChunk(ctx context.Context, chunk domain.Chunk) error
	GetChunks(ctx context.Context, runID string, fromSeq int64, limit int) ([]domain.Chunk, error)
}

// RunLookup reports run status for readers of runs that are not live here.
type RunLookup interface {
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
}

// Hub tracks the live streams of this process.
type Hub struct {
	mu           sync.RWMutex
	streams      map[string]*Stream
	log          Log
	runs         RunLookup
	pollInterval time.Duration
	batchSize    int
	logger       *slog.Logger
	metrics      *observability.Metrics
}

// Option configures a Hub.
type Option func(*Hub)

// WithPollInterval sets how often readers of non-live runs poll the log.
func WithPollInterval(d time.Duration) Option {
	return func(h *Hub) { h.pollInterval = d }
}

// WithLogger sets the hub logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// WithMetrics records chunk appends and reader counts.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a hub over log.
func NewHub(log Log, runs RunLookup, opts ...Option) *Hub {
	h := &Hub{
		streams:      make(map[string]*Stream),
		log:          log,
		runs:         runs,
		pollInterval: 100 * time.Millisecond,
		batchSize:    256,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Open registers a live stream for runID whose next chunk gets sequence
// number next. Reopening a run already live returns the existing stream.
func (h *Hub) Open(runID string, next int64) *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.streams[runID]; ok {
		return s
	}
	s := &Stream{
		hub:    h,
		runID:  runID,
		base:   next,
		next:   next,
		notify: make(chan struct{}),
	}
	h.streams[runID] = s
	return s
}

// Lookup returns the live stream for runID, if any.
func (h *Hub) Lookup(runID string) *Stream {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.streams[runID]
}

func (h *Hub) remove(s *Stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[s.runID] == s {
		delete(h.streams, s.runID)
	}
}

// Reader returns a reader yielding chunks with seq >= start.
func (h *Hub) Reader(runID string, start int64) *Reader {
	if start < 0 {
		start = 0
	}
	h.metrics.ReaderAttached(1)
	return &Reader{
		hub:    h,
		runID:  runID,
		next:   start,
		stream: h.Lookup(runID),
	}
}
