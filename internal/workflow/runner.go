package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
	"github.com/xiaot623/gogo/foodchat/internal/observability"
	"github.com/xiaot623/gogo/foodchat/internal/stream"
)

// ErrShutdown is returned by Start after Shutdown.
var ErrShutdown = errors.New("runner is shut down")

// Store is the persistence the runner needs.
type Store interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	CompleteRun(ctx context.Context, runID string, output json.RawMessage) error
	FailRun(ctx context.Context, runID string, errText string) error
	ListRunningRuns(ctx context.Context) ([]domain.Run, error)
	SaveStepResult(ctx context.Context, runID string, stepIndex int, name string, output json.RawMessage) error
	GetStepResult(ctx context.Context, runID string, stepIndex int) (json.RawMessage, bool, error)
	GetChunks(ctx context.Context, runID string, fromSeq int64, limit int) ([]domain.Chunk, error)
}

// RetryPolicy bounds step retries.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     5 * time.Second,
}

// Runner starts, tracks and recovers workflow runs.
type Runner struct {
	store   Store
	hub     *stream.Hub
	retry   RetryPolicy
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.RWMutex
	workflows map[string]*Workflow
	closing   bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Runner.
type Option func(*Runner)

// WithRetryPolicy sets the step retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(r *Runner) { r.retry = p }
}

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithMetrics records run and step metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// NewRunner creates a runner persisting to store and streaming through hub.
func NewRunner(store Store, hub *stream.Hub, opts ...Option) *Runner {
	r := &Runner{
		store:     store,
		hub:       hub,
		retry:     DefaultRetryPolicy,
		logger:    slog.Default(),
		workflows: make(map[string]*Workflow),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.retry.MaxAttempts < 1 {
		r.retry.MaxAttempts = 1
	}
	r.baseCtx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Register makes wf startable and recoverable.
func (r *Runner) Register(wf *Workflow) error {
	if wf == nil || wf.name == "" || wf.fn == nil {
		return fmt.Errorf("workflow name and body are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.workflows[wf.name]; exists {
		return fmt.Errorf("workflow %s already registered", wf.name)
	}
	r.workflows[wf.name] = wf
	return nil
}

func (r *Runner) lookup(name string) *Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workflows[name]
}

// NewRunID allocates a run id.
func NewRunID() string {
	return "run_" + uuid.New().String()
}

type startOptions struct {
	runID     string
	scope     string
	messageID string
}

// StartOption configures a single Start call.
type StartOption func(*startOptions)

// WithRunID uses a pre-allocated run id.
func WithRunID(id string) StartOption {
	return func(o *startOptions) { o.runID = id }
}

// WithScope records the owning resource of the run, such as a chat id.
func WithScope(scope string) StartOption {
	return func(o *startOptions) { o.scope = scope }
}

// WithMessageID makes the run emit start{messageId} as its first chunk.
func WithMessageID(id string) StartOption {
	return func(o *startOptions) { o.messageID = id }
}

// Start persists a new run of wf and launches it. The returned reader is
// attached to the run from its first chunk. The run is detached from ctx.
func (r *Runner) Start(ctx context.Context, wf *Workflow, args any, opts ...StartOption) (*domain.Run, *stream.Reader, error) {
	if wf == nil || r.lookup(wf.name) != wf {
		return nil, nil, fmt.Errorf("workflow is not registered")
	}
	if !r.acquire() {
		return nil, nil, ErrShutdown
	}
	launched := false
	defer func() {
		if !launched {
			r.wg.Done()
		}
	}()
	o := startOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = NewRunID()
	}

	input, err := json.Marshal(args)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: workflow input is not serializable: %v", domain.ErrInvalidInput, err)
	}
	run := &domain.Run{
		RunID:    o.runID,
		Workflow: wf.name,
		Scope:    o.scope,
		Status:   domain.RunStatusRunning,
		Input:    input,
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, nil, err
	}

	s := r.hub.Open(run.RunID, 0)
	reader := r.hub.Reader(run.RunID, 0)
	r.metrics.RunStarted(wf.name)
	r.launch(wf, run, s, execution{messageID: o.messageID})
	launched = true
	return run, reader, nil
}

// acquire reserves a slot in the in-flight group unless Shutdown has begun.
func (r *Runner) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.wg.Add(1)
	return true
}

// execution carries what a launch knows beyond the run record.
type execution struct {
	messageID string
	// attempts is the highest logged attempt per step of a recovered run.
	attempts map[int]int
	// finished is set when the log already ends in a finish chunk.
	finished bool
}

// launch runs wf in the background. The caller holds a slot from acquire.
func (r *Runner) launch(wf *Workflow, run *domain.Run, s *stream.Stream, ex execution) {
	go func() {
		defer r.wg.Done()
		defer s.Close()
		r.execute(wf, run, s, ex)
	}()
}

func (r *Runner) execute(wf *Workflow, run *domain.Run, s *stream.Stream, ex execution) {
	logger := r.logger.With("run_id", run.RunID, "workflow", wf.name)
	wctx := &Context{
		Context:       r.baseCtx,
		runner:        r,
		run:           run,
		stream:        s,
		logger:        logger,
		priorAttempts: ex.attempts,
	}

	output, err := r.body(wctx, wf, s, ex.messageID)
	if r.baseCtx.Err() != nil {
		logger.Info("run interrupted by shutdown, left for recovery")
		return
	}
	if err != nil {
		if ex.finished {
			r.settleFailed(run, err.Error())
			return
		}
		r.fail(run, s, err)
		return
	}
	if ex.finished {
		encoded, err := json.Marshal(output)
		if err != nil {
			r.settleFailed(run, fmt.Sprintf("failed to encode workflow output: %v", err))
			return
		}
		r.settleCompleted(run, encoded)
		return
	}
	r.complete(run, s, output)
}

func (r *Runner) body(wctx *Context, wf *Workflow, s *stream.Stream, messageID string) (output any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = domain.Fatal(fmt.Errorf("workflow panicked: %v", p))
		}
	}()
	if messageID != "" && s.Next() == 0 {
		if _, err := s.Write(wctx, domain.ChunkPayload{Type: domain.ChunkTypeStart, MessageID: messageID}); err != nil {
			return nil, err
		}
	}
	return wf.fn(wctx, wctx.run.Input)
}

// complete writes the finish chunk before the status flips, so a reader
// that sees a terminal run has everything in the log.
func (r *Runner) complete(run *domain.Run, s *stream.Stream, output any) {
	encoded, err := json.Marshal(output)
	if err != nil {
		r.fail(run, s, fmt.Errorf("failed to encode workflow output: %w", err))
		return
	}
	reason := domain.FinishReasonStop
	if f, ok := output.(Finisher); ok && f.FinishReason() != "" {
		reason = f.FinishReason()
	}

	ctx := context.Background()
	if _, err := s.Write(ctx, domain.ChunkPayload{Type: domain.ChunkTypeFinish, FinishReason: reason}); err != nil {
		r.logger.Error("failed to write finish chunk", "run_id", run.RunID, "err", err)
		r.fail(run, s, err)
		return
	}
	r.settleCompleted(run, encoded)
}

func (r *Runner) fail(run *domain.Run, s *stream.Stream, cause error) {
	ctx := context.Background()
	if _, err := s.Write(ctx, domain.ChunkPayload{Type: domain.ChunkTypeError, ErrorText: cause.Error()}); err != nil {
		r.logger.Error("failed to write error chunk", "run_id", run.RunID, "err", err)
	}
	r.settleFailed(run, cause.Error())
}

// settleCompleted flips a run whose finish chunk is durable to completed.
func (r *Runner) settleCompleted(run *domain.Run, encoded json.RawMessage) {
	if err := r.settle(func(ctx context.Context) error {
		return r.store.CompleteRun(ctx, run.RunID, encoded)
	}); err != nil {
		r.logger.Error("failed to complete run", "run_id", run.RunID, "err", err)
		return
	}
	r.metrics.RunFinished(run.Workflow, string(domain.RunStatusCompleted))
	r.logger.Info("run completed", "run_id", run.RunID)
}

// settleFailed flips a run whose error chunk is durable to failed.
func (r *Runner) settleFailed(run *domain.Run, errText string) {
	if err := r.settle(func(ctx context.Context) error {
		return r.store.FailRun(ctx, run.RunID, errText)
	}); err != nil {
		r.logger.Error("failed to fail run", "run_id", run.RunID, "err", err)
		return
	}
	r.metrics.RunFinished(run.Workflow, string(domain.RunStatusFailed))
	r.logger.Warn("run failed", "run_id", run.RunID, "err", errText)
}

// settle retries a status transition with the step backoff. A run that is
// already terminal is not retried.
func (r *Runner) settle(transition func(ctx context.Context) error) error {
	ctx := context.Background()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := transition(ctx)
		if errors.Is(err, domain.ErrRunTerminal) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(r.newBackOff()),
		backoff.WithMaxTries(uint(r.retry.MaxAttempts)),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return err
}

// GetRun returns the run, or nil when it does not exist.
func (r *Runner) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	return r.store.GetRun(ctx, runID)
}

// GetReadable returns a reader over the run's chunks from startIndex.
func (r *Runner) GetReadable(ctx context.Context, runID string, startIndex int64) (*stream.Reader, error) {
	run, err := r.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}
	return r.hub.Reader(runID, startIndex), nil
}

// Recover relaunches every run left running by a previous process.
// Finished steps replay from storage and chunks continue after the last
// durable sequence number, with step attempts numbered after the logged
// ones. A run whose log already ends in a terminal chunk only has its status
// settled. Runs of unknown workflows are failed.
func (r *Runner) Recover(ctx context.Context) (int, error) {
	runs, err := r.store.ListRunningRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list running runs: %w", err)
	}

	recovered := 0
	for i := range runs {
		run := runs[i]
		if r.hub.Lookup(run.RunID) != nil {
			continue
		}
		logged, err := r.scanLog(ctx, run.RunID)
		if err != nil {
			return recovered, fmt.Errorf("failed to read chunk log for %s: %w", run.RunID, err)
		}
		if logged.tail != nil && logged.tail.Type == domain.ChunkTypeError {
			r.logger.Info("settling run whose error is already logged", "run_id", run.RunID)
			r.settleFailed(&run, logged.tail.ErrorText)
			continue
		}
		s := r.hub.Open(run.RunID, logged.next)

		wf := r.lookup(run.Workflow)
		if wf == nil {
			if logged.tail != nil {
				r.settleFailed(&run, fmt.Sprintf("workflow %s is not registered", run.Workflow))
			} else {
				r.fail(&run, s, fmt.Errorf("workflow %s is not registered", run.Workflow))
			}
			s.Close()
			continue
		}
		if !r.acquire() {
			s.Close()
			return recovered, ErrShutdown
		}
		r.logger.Info("recovering run", "run_id", run.RunID, "workflow", run.Workflow, "next_seq", logged.next)
		r.launch(wf, &run, s, execution{
			attempts: logged.attempts,
			finished: logged.tail != nil,
		})
		recovered++
	}
	return recovered, nil
}

// chunkLog is what Recover reads back from a run's durable chunks.
type chunkLog struct {
	next     int64
	attempts map[int]int
	// tail is the last chunk when it is terminal.
	tail *domain.ChunkPayload
}

func (r *Runner) scanLog(ctx context.Context, runID string) (chunkLog, error) {
	chunks, err := r.store.GetChunks(ctx, runID, 0, 0)
	if err != nil {
		return chunkLog{}, err
	}
	cl := chunkLog{attempts: make(map[int]int)}
	for _, c := range chunks {
		p, err := c.Payload()
		if err != nil {
			return chunkLog{}, fmt.Errorf("chunk %d: %w", c.Seq, err)
		}
		cl.next = c.Seq + 1
		cl.tail = nil
		switch p.Type {
		case domain.ChunkTypeStartStep:
			cl.attempts[p.Step] = max(cl.attempts[p.Step], p.Attempt)
		case domain.ChunkTypeFinish, domain.ChunkTypeError:
			cl.tail = &p
		}
	}
	return cl, nil
}

// Shutdown waits for in-flight runs. When ctx expires first the remaining
// runs are cancelled and stay running in storage for the next Recover.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		r.cancel()
		return nil
	case <-ctx.Done():
		r.cancel()
		<-done
		return ctx.Err()
	}
}

func (r *Runner) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.retry.InitialInterval > 0 {
		b.InitialInterval = r.retry.InitialInterval
	}
	if r.retry.MaxInterval > 0 {
		b.MaxInterval = r.retry.MaxInterval
	}
	return b
}
