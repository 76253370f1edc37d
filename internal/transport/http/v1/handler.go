// Package v1 provides the public HTTP handlers of the chat API.
package v1

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/foodchat/internal/auth"
	"github.com/xiaot623/gogo/foodchat/internal/domain"
	"github.com/xiaot623/gogo/foodchat/internal/service"
)

// HeaderRunID carries the id of the run a send started.
const (
	HeaderRunID     = "X-Run-ID"
	HeaderMessageID = "X-Message-ID"
)

// WSConfig tunes the WebSocket stream endpoint.
type WSConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// Handler handles HTTP requests.
type Handler struct {
	service  *service.Service
	resolver auth.Resolver
	ws       WSConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandler creates a new handler.
func NewHandler(svc *service.Service, resolver auth.Resolver, ws WSConfig, logger *slog.Logger) *Handler {
	if ws.PingInterval <= 0 {
		ws.PingInterval = 30 * time.Second
	}
	if ws.WriteTimeout <= 0 {
		ws.WriteTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		service:  svc,
		resolver: resolver,
		ws:       ws,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// RegisterRoutes registers external routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/chats/:chat_id/messages", h.SendMessage)
	e.GET("/chats/:chat_id/messages", h.GetMessages)
	e.GET("/chats/:chat_id/messages/:run_id/stream", h.ResumeStream)
	e.GET("/chats/:chat_id/messages/:run_id/ws", h.ResumeStreamWS)
	e.GET("/runs/:run_id", h.GetRun)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// identity resolves the caller and echoes a guest id back to the client.
func (h *Handler) identity(c echo.Context) (auth.Identity, error) {
	id, err := h.resolver.Resolve(c.Request())
	if err != nil {
		return auth.Identity{}, domain.ErrUnauthorized
	}
	if id.Guest() {
		c.Response().Header().Set(auth.HeaderGuestID, id.GuestID)
	}
	return id, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrChatNotFound),
		errors.Is(err, domain.ErrRunNotFound),
		errors.Is(err, domain.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRunInFlight):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c echo.Context, err error) error {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.Path(), "err", err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}
