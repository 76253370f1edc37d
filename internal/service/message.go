package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/xiaot623/gogo/foodchat/internal/auth"
	"github.com/xiaot623/gogo/foodchat/internal/domain"
	"github.com/xiaot623/gogo/foodchat/internal/stream"
	"github.com/xiaot623/gogo/foodchat/internal/workflow"
)

// SendResult describes a started chat run.
type SendResult struct {
	Run           *domain.Run
	ChatID        string
	UserMessageID string
	MessageID     string
	Reader        *stream.Reader
}

// SendMessage records the user's message and starts a chat run answering it.
// The chat is created on first use and belongs to the caller.
func (s *Service) SendMessage(ctx context.Context, id auth.Identity, chatID, text string) (*SendResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: message is required", domain.ErrInvalidInput)
	}
	if chatID == "" {
		return nil, fmt.Errorf("%w: chat id is required", domain.ErrInvalidInput)
	}
	principal := id.Principal()
	if principal == "" {
		return nil, domain.ErrUnauthorized
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := s.ensureChat(ctx, principal, chatID); err != nil {
		return nil, err
	}
	if err := s.checkNoRunInFlight(ctx, chatID); err != nil {
		return nil, err
	}

	userMsg := &domain.Message{
		MessageID: "msg_" + uuid.New().String(),
		ChatID:    chatID,
		Role:      domain.RoleUser,
		Parts:     []domain.Part{domain.TextPart(text)},
	}
	if err := s.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	history, err := s.store.LoadHistory(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	runID := workflow.NewRunID()
	placeholder, err := s.store.CreateAssistantPlaceholder(ctx, chatID, "msg_"+uuid.New().String(), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to create assistant message: %w", err)
	}

	args := ChatArgs{
		ChatID:      chatID,
		MessageID:   placeholder.MessageID,
		History:     domain.ModelMessages(history),
		ToolContext: id.ToolContext(chatID, runID),
		MaxSteps:    s.maxSteps,
	}
	run, reader, err := s.runner.Start(ctx, s.chat, args,
		workflow.WithRunID(runID),
		workflow.WithScope(chatID),
		workflow.WithMessageID(placeholder.MessageID),
	)
	if err != nil {
		if clearErr := s.store.ClearRunID(context.WithoutCancel(ctx), placeholder.MessageID); clearErr != nil {
			s.logger.Error("failed to release placeholder", "message_id", placeholder.MessageID, "err", clearErr)
		}
		return nil, fmt.Errorf("failed to start run: %w", err)
	}

	s.logger.Info("chat run started", "chat_id", chatID, "run_id", run.RunID, "message_id", placeholder.MessageID)
	return &SendResult{
		Run:           run,
		ChatID:        chatID,
		UserMessageID: userMsg.MessageID,
		MessageID:     placeholder.MessageID,
		Reader:        reader,
	}, nil
}

func (s *Service) ensureChat(ctx context.Context, principal, chatID string) error {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("failed to get chat: %w", err)
	}
	if chat == nil {
		if err := s.store.CreateChat(ctx, &domain.Chat{ChatID: chatID, UserID: principal}); err != nil {
			return fmt.Errorf("failed to create chat: %w", err)
		}
		return nil
	}
	if chat.UserID != principal {
		return domain.ErrForbidden
	}
	return nil
}

// checkNoRunInFlight rejects a send while an earlier run of the chat is
// still producing. Messages of failed runs keep their run id but do not
// block.
func (s *Service) checkNoRunInFlight(ctx context.Context, chatID string) error {
	msg, err := s.store.GetInFlightMessage(ctx, chatID)
	if err != nil {
		return fmt.Errorf("failed to check in-flight message: %w", err)
	}
	if msg == nil {
		return nil
	}
	run, err := s.store.GetRun(ctx, msg.RunID)
	if err != nil {
		return fmt.Errorf("failed to get run: %w", err)
	}
	if run != nil && run.Status == domain.RunStatusRunning {
		return domain.ErrRunInFlight
	}
	return nil
}

// GetHistory returns the chat's messages in order.
func (s *Service) GetHistory(ctx context.Context, id auth.Identity, chatID string) ([]domain.Message, error) {
	if err := s.authz.CanView(ctx, id, chatID); err != nil {
		return nil, err
	}
	messages, err := s.store.LoadHistory(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if messages == nil {
		messages = []domain.Message{}
	}
	return messages, nil
}

// ResumeStream returns a reader over a run of the chat from startIndex.
func (s *Service) ResumeStream(ctx context.Context, id auth.Identity, chatID, runID string, startIndex int64) (*stream.Reader, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: run id is required", domain.ErrInvalidInput)
	}
	if startIndex < 0 {
		return nil, fmt.Errorf("%w: start index must not be negative", domain.ErrInvalidInput)
	}
	if err := s.authz.CanView(ctx, id, chatID); err != nil {
		if errors.Is(err, domain.ErrChatNotFound) {
			return nil, domain.ErrRunNotFound
		}
		return nil, err
	}

	run, err := s.runner.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil || run.Scope != chatID {
		return nil, domain.ErrRunNotFound
	}
	return s.runner.GetReadable(ctx, runID, startIndex)
}

// GetRun returns a run the caller may see.
func (s *Service) GetRun(ctx context.Context, id auth.Identity, runID string) (*domain.Run, error) {
	run, err := s.runner.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}
	if run.Scope != "" {
		if err := s.authz.CanView(ctx, id, run.Scope); err != nil {
			if errors.Is(err, domain.ErrChatNotFound) {
				return nil, domain.ErrRunNotFound
			}
			return nil, err
		}
	}
	return run, nil
}
