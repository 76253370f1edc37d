package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// GetRun returns the status of a run.
// GET /runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	id, err := h.identity(c)
	if err != nil {
		return h.fail(c, err)
	}
	run, err := h.service.GetRun(c.Request().Context(), id, c.Param("run_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

