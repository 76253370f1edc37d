package stream

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

// Reader is a cursor over one run's chunks. History comes from the durable
// log, new chunks from the live stream when the run is live in this process.
// Next returns io.EOF once the run has ended and every chunk was delivered.
type Reader struct {
	hub    *Hub
	runID  string
	next   int64
	stream *Stream
	buf    []domain.Chunk
	done   bool
}

// Position returns the sequence number Next will return.
func (r *Reader) Position() int64 { return r.next }

// Next blocks until the next chunk is available.
func (r *Reader) Next(ctx context.Context) (domain.Chunk, error) {
	for {
		if len(r.buf) > 0 {
			c := r.buf[0]
			r.buf = r.buf[1:]
			if c.Seq < r.next {
				continue
			}
			r.next = c.Seq + 1
			return c, nil
		}
		if r.done {
			return domain.Chunk{}, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return domain.Chunk{}, err
		}

		if r.stream != nil {
			if err := r.fromStream(ctx); err != nil {
				return domain.Chunk{}, err
			}
			continue
		}
		if err := r.fromLog(ctx); err != nil {
			return domain.Chunk{}, err
		}
	}
}

func (r *Reader) fromStream(ctx context.Context) error {
	v := r.stream.view(r.next)
	switch {
	case v.before:
		chunks, err := r.fetch(ctx)
		if err != nil {
			return err
		}
		if len(chunks) == 0 {
			return fmt.Errorf("run %s: chunk %d missing from log", r.runID, r.next)
		}
		r.buf = chunks
	case len(v.chunks) > 0:
		r.buf = v.chunks
	case v.closed:
		r.finish()
	default:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-v.wait:
		}
	}
	return nil
}

func (r *Reader) fromLog(ctx context.Context) error {
	chunks, err := r.fetch(ctx)
	if err != nil {
		return err
	}
	if len(chunks) > 0 {
		r.buf = chunks
		return nil
	}
	if s := r.hub.Lookup(r.runID); s != nil {
		r.stream = s
		return nil
	}
	if r.hub.runs == nil {
		r.finish()
		return nil
	}

	run, err := r.hub.runs.GetRun(ctx, r.runID)
	if err != nil {
		return err
	}
	if run == nil {
		return domain.ErrRunNotFound
	}
	if run.Status.Terminal() {
		// The terminal chunk is appended before the status flips, so one
		// more read sees everything.
		chunks, err := r.fetch(ctx)
		if err != nil {
			return err
		}
		if len(chunks) > 0 {
			r.buf = chunks
			return nil
		}
		r.finish()
		return nil
	}

	timer := time.NewTimer(r.hub.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	return nil
}

func (r *Reader) fetch(ctx context.Context) ([]domain.Chunk, error) {
	chunks, err := r.hub.log.GetChunks(ctx, r.runID, r.next, r.hub.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunks: %w", err)
	}
	return chunks, nil
}

func (r *Reader) finish() {
	if r.done {
		return
	}
	r.done = true
	r.hub.metrics.ReaderAttached(-1)
}

// Close releases the reader.
func (r *Reader) Close() {
	r.finish()
	r.buf = nil
}
