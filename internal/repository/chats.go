package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

// CreateChat creates a new chat.
func (s *SQLiteStore) CreateChat(ctx context.Context, chat *domain.Chat) error {
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (chat_id, user_id, created_at) VALUES (?, ?, ?)`,
		chat.ChatID, chat.UserID, chat.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create chat: %w", err)
	}
	return nil
}

// GetChat retrieves a chat by ID. It returns nil when the chat does not exist.
func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (*domain.Chat, error) {
	var chat domain.Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, user_id, created_at FROM chats WHERE chat_id = ?`,
		chatID).Scan(&chat.ChatID, &chat.UserID, &chat.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &chat, nil
}

// DeleteChat removes a chat together with its messages and parts.
func (s *SQLiteStore) DeleteChat(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chats WHERE chat_id = ?`, chatID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrChatNotFound
	}
	return nil
}

// CreateMessage creates a message and its parts in one transaction.
func (s *SQLiteStore) CreateMessage(ctx context.Context, message *domain.Message) error {
	if err := domain.ValidateParts(message.Parts); err != nil {
		return err
	}
	now := time.Now().UTC()
	if message.CreatedAt.IsZero() {
		message.CreatedAt = now
	}
	message.UpdatedAt = message.CreatedAt

	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (message_id, chat_id, role, run_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			message.MessageID, message.ChatID, message.Role, nullString(message.RunID), message.CreatedAt, message.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to create message: %w", err)
		}
		return insertParts(ctx, tx, message.ChatID, message.MessageID, message.Parts)
	})
}

// CreateAssistantPlaceholder creates the empty assistant message a run will
// fill in.
func (s *SQLiteStore) CreateAssistantPlaceholder(ctx context.Context, chatID, messageID, runID string) (*domain.Message, error) {
	if runID == "" {
		return nil, fmt.Errorf("%w: run id is required for a placeholder", domain.ErrInvalidInput)
	}
	msg := &domain.Message{
		MessageID: messageID,
		ChatID:    chatID,
		Role:      domain.RoleAssistant,
		RunID:     runID,
		Parts:     []domain.Part{},
	}
	if err := s.CreateMessage(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

const messageColumns = `message_id, chat_id, role, run_id, created_at, updated_at`

func scanMessage(scan func(dest ...any) error) (*domain.Message, error) {
	var msg domain.Message
	var runID sql.NullString
	if err := scan(&msg.MessageID, &msg.ChatID, &msg.Role, &runID, &msg.CreatedAt, &msg.UpdatedAt); err != nil {
		return nil, err
	}
	msg.RunID = runID.String
	msg.Parts = []domain.Part{}
	return &msg, nil
}

// GetMessage retrieves a message with its parts. It returns nil when the
// message does not exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*domain.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE message_id = ?`, messageID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	parts, err := loadParts(ctx, s.db, "message_id", messageID)
	if err != nil {
		return nil, err
	}
	if p, ok := parts[messageID]; ok {
		msg.Parts = p
	}
	return msg, nil
}

// LoadHistory returns every message of a chat in creation order.
func (s *SQLiteStore) LoadHistory(ctx context.Context, chatID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? ORDER BY created_at ASC, rowid ASC`, chatID)
	if err != nil {
		return nil, err
	}
	var messages []domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			rows.Close()
			return nil, err
		}
		messages = append(messages, *msg)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	parts, err := loadParts(ctx, s.db, "chat_id", chatID)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		if p, ok := parts[messages[i].MessageID]; ok {
			messages[i].Parts = p
		}
	}
	return messages, nil
}

// GetInFlightMessage returns the most recent message of a chat that is still
// owned by a run, or nil.
func (s *SQLiteStore) GetInFlightMessage(ctx context.Context, chatID string) (*domain.Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE chat_id = ? AND run_id IS NOT NULL
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, chatID).Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// PersistMessageParts writes parts for an existing message. Nothing is
// written when any part is invalid.
func (s *SQLiteStore) PersistMessageParts(ctx context.Context, messageID string, parts []domain.Part) error {
	if err := domain.ValidateParts(parts); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		chatID, err := messageChat(ctx, tx, messageID)
		if err != nil {
			return err
		}
		return insertParts(ctx, tx, chatID, messageID, parts)
	})
}

// ClearRunID marks a message as settled.
func (s *SQLiteStore) ClearRunID(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET run_id = NULL, updated_at = ? WHERE message_id = ?`,
		time.Now().UTC(), messageID)
	if err != nil {
		return fmt.Errorf("failed to clear run id: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrMessageNotFound
	}
	return nil
}

// FinalizeMessage persists the final parts of a message and clears its run
// id in one transaction. Finalizing an already settled message is a no-op,
// so a retried finalization never writes parts twice.
func (s *SQLiteStore) FinalizeMessage(ctx context.Context, messageID string, parts []domain.Part) error {
	if err := domain.ValidateParts(parts); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET run_id = NULL, updated_at = ? WHERE message_id = ? AND run_id IS NOT NULL`,
			time.Now().UTC(), messageID)
		if err != nil {
			return fmt.Errorf("failed to clear run id: %w", err)
		}
		claimed, err := res.RowsAffected()
		if err != nil {
			return err
		}
		chatID, err := messageChat(ctx, tx, messageID)
		if err != nil {
			return err
		}
		if claimed == 0 {
			return nil
		}
		return insertParts(ctx, tx, chatID, messageID, parts)
	})
}

func messageChat(ctx context.Context, q querier, messageID string) (string, error) {
	var chatID string
	err := q.QueryRowContext(ctx, `SELECT chat_id FROM messages WHERE message_id = ?`, messageID).Scan(&chatID)
	if err == sql.ErrNoRows {
		return "", domain.ErrMessageNotFound
	}
	if err != nil {
		return "", err
	}
	return chatID, nil
}
