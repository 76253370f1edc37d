// Package service implements the chat use cases on top of the workflow
// runner: sending a message, resuming a run's stream and reading history.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xiaot623/gogo/foodchat/internal/agent"
	"github.com/xiaot623/gogo/foodchat/internal/auth"
	"github.com/xiaot623/gogo/foodchat/internal/domain"
	store "github.com/xiaot623/gogo/foodchat/internal/repository"
	"github.com/xiaot623/gogo/foodchat/internal/workflow"
)

// Store is the persistence the service uses directly.
type Store interface {
	store.ChatStore
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
}

// ChatAuthorizer decides whether an identity may read a chat.
type ChatAuthorizer interface {
	CanView(ctx context.Context, id auth.Identity, chatID string) error
}

type Service struct {
	store    Store
	runner   *workflow.Runner
	loop     *agent.Loop
	authz    ChatAuthorizer
	maxSteps int
	logger   *slog.Logger

	chat     *workflow.Workflow
	finalize *workflow.Step[finalizeInput, finalizeOutput]

	// sendMu makes the in-flight check and placeholder creation atomic.
	sendMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithAuthorizer replaces the default owner check.
func WithAuthorizer(a ChatAuthorizer) Option {
	return func(s *Service) { s.authz = a }
}

// WithMaxSteps bounds the agent loop of every chat run.
func WithMaxSteps(n int) Option {
	return func(s *Service) { s.maxSteps = n }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates the service and registers the chat workflow with runner.
func New(st Store, runner *workflow.Runner, loop *agent.Loop, opts ...Option) (*Service, error) {
	s := &Service{
		store:    st,
		runner:   runner,
		loop:     loop,
		maxSteps: agent.DefaultMaxSteps,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.authz == nil {
		s.authz = auth.NewOwnerAuthorizer(st)
	}
	s.finalize = workflow.DefineStep("chat.finalize", s.finalizeMessage)
	s.chat = workflow.DefineWorkflow(ChatWorkflow, s.runChat)
	if err := runner.Register(s.chat); err != nil {
		return nil, fmt.Errorf("failed to register chat workflow: %w", err)
	}
	return s, nil
}
