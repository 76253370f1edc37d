package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
	"github.com/xiaot623/gogo/foodchat/internal/stream"
)

// SendMessageRequest is the body of a send.
type SendMessageRequest struct {
	Message string `json:"message"`
}

// SendMessage starts a run answering the message and streams it.
// POST /chats/:chat_id/messages
func (h *Handler) SendMessage(c echo.Context) error {
	id, err := h.identity(c)
	if err != nil {
		return h.fail(c, err)
	}
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	res, err := h.service.SendMessage(c.Request().Context(), id, c.Param("chat_id"), req.Message)
	if err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set(HeaderRunID, res.Run.RunID)
	c.Response().Header().Set(HeaderMessageID, res.MessageID)
	return h.streamSSE(c, res.Reader)
}

// GetMessages returns the chat history.
// GET /chats/:chat_id/messages
func (h *Handler) GetMessages(c echo.Context) error {
	id, err := h.identity(c)
	if err != nil {
		return h.fail(c, err)
	}
	chatID := c.Param("chat_id")
	messages, err := h.service.GetHistory(c.Request().Context(), id, chatID)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"chat_id":  chatID,
		"messages": messages,
	})
}

// ResumeStream streams a run from startIndex.
// GET /chats/:chat_id/messages/:run_id/stream?startIndex=N
func (h *Handler) ResumeStream(c echo.Context) error {
	reader, err := h.openReader(c)
	if err != nil {
		return h.fail(c, err)
	}
	c.Response().Header().Set(HeaderRunID, c.Param("run_id"))
	return h.streamSSE(c, reader)
}

func (h *Handler) openReader(c echo.Context) (*stream.Reader, error) {
	id, err := h.identity(c)
	if err != nil {
		return nil, err
	}
	start, err := startIndex(c)
	if err != nil {
		return nil, err
	}
	return h.service.ResumeStream(c.Request().Context(), id, c.Param("chat_id"), c.Param("run_id"), start)
}

// startIndex reads ?startIndex, falling back to the SSE Last-Event-ID
// header of a reconnecting client.
func startIndex(c echo.Context) (int64, error) {
	if raw := c.QueryParam("startIndex"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: startIndex must be a non-negative integer", domain.ErrInvalidInput)
		}
		return n, nil
	}
	if raw := c.Request().Header.Get("Last-Event-ID"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("%w: malformed Last-Event-ID", domain.ErrInvalidInput)
		}
		return n + 1, nil
	}
	return 0, nil
}

// streamSSE writes every chunk of reader as one SSE event until the run
// ends or the client goes away. Leaving early never affects the run.
func (h *Handler) streamSSE(c echo.Context, reader *stream.Reader) error {
	defer reader.Close()

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	for {
		chunk, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) || ctx.Err() != nil {
			return nil
		}
		if err != nil {
			h.logger.Error("stream read failed", "run_id", c.Param("run_id"), "err", err)
			return writeSSE(w, "", "error", mustJSON(domain.ChunkPayload{Type: domain.ChunkTypeError, ErrorText: "stream interrupted"}))
		}
		if err := writeSSE(w, strconv.FormatInt(chunk.Seq, 10), string(chunk.Type), chunk.Data); err != nil {
			return nil
		}
	}
}

func writeSSE(w *echo.Response, id, event string, data []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
