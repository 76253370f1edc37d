package internalapi

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// ListRunningRuns lists runs that have not reached a terminal status.
// GET /internal/runs
func (h *Handler) ListRunningRuns(c echo.Context) error {
	runs, err := h.store.ListRunningRuns(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

// GetRunChunks returns a page of a run's chunk log.
// GET /internal/runs/:run_id/chunks?from=0&limit=100
func (h *Handler) GetRunChunks(c echo.Context) error {
	runID := c.Param("run_id")
	from := int64(0)
	if f := c.QueryParam("from"); f != "" {
		val, err := strconv.ParseInt(f, 10, 64)
		if err != nil || val < 0 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "from must be a non-negative integer"})
		}
		from = val
	}
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil && val > 0 && val <= 1000 {
			limit = val
		}
	}

	ctx := c.Request().Context()
	run, err := h.store.GetRun(ctx, runID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if run == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "run not found"})
	}

	chunks, err := h.store.GetChunks(ctx, runID, from, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	next := from
	if len(chunks) > 0 {
		next = chunks[len(chunks)-1].Seq + 1
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run":      run,
		"chunks":   chunks,
		"next":     next,
		"has_more": len(chunks) == limit,
	})
}

// RecoverRuns relaunches runs left running by a previous process.
// POST /internal/runs/recover
func (h *Handler) RecoverRuns(c echo.Context) error {
	n, err := h.runner.Recover(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]int{"recovered": n})
}
