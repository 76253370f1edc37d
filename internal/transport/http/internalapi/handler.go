// Package internalapi provides HTTP handlers for operator-only APIs.
// They are served on the internal port and carry no caller authentication.
package internalapi

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

// RunStore is the run and chunk data the internal API reads.
type RunStore interface {
	GetRun(ctx context.Context, runID string) (*domain.Run, error)
	ListRunningRuns(ctx context.Context) ([]domain.Run, error)
	GetChunks(ctx context.Context, runID string, fromSeq int64, limit int) ([]domain.Chunk, error)
	Ping(ctx context.Context) error
}

// Recoverer relaunches interrupted runs.
type Recoverer interface {
	Recover(ctx context.Context) (int, error)
}

// Handler handles internal HTTP requests.
type Handler struct {
	store  RunStore
	runner Recoverer
}

// NewHandler creates a new internal API handler.
func NewHandler(store RunStore, runner Recoverer) *Handler {
	return &Handler{
		store:  store,
		runner: runner,
	}
}

// RegisterRoutes registers internal routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Run inspection
	e.GET("/internal/runs", h.ListRunningRuns)
	e.GET("/internal/runs/:run_id/chunks", h.GetRunChunks)

	// Run management
	e.POST("/internal/runs/recover", h.RecoverRuns)

	e.GET("/internal/health", h.Health)
}

// Health reports whether the store is reachable.
func (h *Handler) Health(c echo.Context) error {
	if err := h.store.Ping(c.Request().Context()); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}
