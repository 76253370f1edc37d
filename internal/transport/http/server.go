// Package http assembles the echo servers for the public chat API and the
// internal operator API.
package http

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xiaot623/gogo/foodchat/internal/auth"
	"github.com/xiaot623/gogo/foodchat/internal/transport/http/internalapi"
	v1 "github.com/xiaot623/gogo/foodchat/internal/transport/http/v1"
)

// NewExternalServer creates and configures the client-facing HTTP server.
// This server handles chat messages and stream resumption.
func NewExternalServer(h *v1.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowHeaders:  []string{echo.HeaderAuthorization, echo.HeaderContentType, auth.HeaderGuestID, "Last-Event-ID"},
		ExposeHeaders: []string{v1.HeaderRunID, v1.HeaderMessageID, auth.HeaderGuestID},
	}))

	h.RegisterRoutes(e)

	return e
}

// NewInternalServer creates and configures the operator-facing HTTP server.
// It exposes run inspection, recovery and the Prometheus scrape endpoint.
func NewInternalServer(h *internalapi.Handler, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Recover())

	h.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	return e
}
