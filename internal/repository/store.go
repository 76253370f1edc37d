package store

import (
	"context"
	"encoding/json"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

// ChatStore persists chats and their messages.
type ChatStore interface {
	CreateChat(ctx context.Context, chat *domain.Chat) error
	GetChat(ctx context.Context, chatID string) (*domain.Chat, error)
	DeleteChat(ctx context.Context, chatID string) error

	CreateMessage(ctx context.Context, message *domain.Message) error
	CreateAssistantPlaceholder(ctx context.Context, chatID, messageID, runID string) (*domain.Message, error)
	GetMessage(ctx context.Context, messageID string) (*domain.Message, error)
	LoadHistory(ctx context.Context, chatID string) ([]domain.Message, error)
	GetInFlightMessage(ctx context.Context, chatID string) (*domain.Message, error)
	PersistMessageParts(ctx context.Context, messageID string, parts []domain.Part) error
	ClearRunID(ctx context.Context, messageID string) error
	FinalizeMessage(ctx context.Context, messageID string, parts []domain.Part) error
}

// RunStore persists workflow runs and their memoized step results.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	CompleteRun(ctx context.Context, runID string, output json.RawMessage) error
	FailRun(ctx context.Context, runID string, errText string) error
	ListRunningRuns(ctx context.Context) ([]domain.Run, error)

	SaveStepResult(ctx context.Context, runID string, stepIndex int, name string, output json.RawMessage) error
	GetStepResult(ctx context.Context, runID string, stepIndex int) (json.RawMessage, bool, error)
}

// ChunkLog is the durable append-only output of runs.
type ChunkLog interface {
	AppendChunk(ctx context.Context, chunk domain.Chunk) error
	GetChunks(ctx context.Context, runID string, fromSeq int64, limit int) ([]domain.Chunk, error)
	MaxChunkSeq(ctx context.Context, runID string) (int64, error)
}

// Store is the full persistence surface.
type Store interface {
	ChatStore
	RunStore
	ChunkLog
	Ping(ctx context.Context) error
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
