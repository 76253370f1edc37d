package v1

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
	"github.com/xiaot623/gogo/foodchat/internal/stream"
)

// ResumeStreamWS streams a run over a WebSocket, one chunk per text frame.
// GET /chats/:chat_id/messages/:run_id/ws?startIndex=N
func (h *Handler) ResumeStreamWS(c echo.Context) error {
	reader, err := h.openReader(c)
	if err != nil {
		return h.fail(c, err)
	}

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		reader.Close()
		h.logger.Warn("failed to upgrade websocket", "err", err)
		return nil
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go h.readPump(conn, cancel)

	chunks := pump(ctx, reader)
	h.writePump(ctx, conn, chunks)
	cancel()
	for range chunks {
	}
	return nil
}

// readPump discards client frames and cancels ctx once the peer is gone.
func (h *Handler) readPump(conn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket closed", "err", err)
			}
			return
		}
	}
}

type pumped struct {
	chunk domain.Chunk
	err   error
}

// pump moves chunks from reader onto a channel closed at the end of the run.
// The reader belongs to the pump goroutine, which closes it before out.
func pump(ctx context.Context, reader *stream.Reader) <-chan pumped {
	out := make(chan pumped)
	go func() {
		defer close(out)
		defer reader.Close()
		for {
			chunk, err := reader.Next(ctx)
			if err != nil {
				select {
				case out <- pumped{err: err}:
				case <-ctx.Done():
				}
				return
			}
			select {
			case out <- pumped{chunk: chunk}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (h *Handler) writePump(ctx context.Context, conn *websocket.Conn, chunks <-chan pumped) {
	ticker := time.NewTicker(h.ws.PingInterval)
	defer ticker.Stop()

	closeWith := func(code int, text string) {
		conn.SetWriteDeadline(time.Now().Add(h.ws.WriteTimeout))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, text))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-chunks:
			if !ok {
				return
			}
			if p.err != nil {
				if ctx.Err() == nil {
					if isEOF(p.err) {
						closeWith(websocket.CloseNormalClosure, "run finished")
					} else {
						h.logger.Error("stream read failed", "err", p.err)
						closeWith(websocket.CloseInternalServerErr, "stream interrupted")
					}
				}
				return
			}
			frame, err := json.Marshal(p.chunk)
			if err != nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(h.ws.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(h.ws.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF)
}
