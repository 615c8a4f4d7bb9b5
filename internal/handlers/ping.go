package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// PingHandler serves liveness probes.
type PingHandler struct {
	started time.Time
}

// NewPingHandler creates a ping handler.
func NewPingHandler() *PingHandler {
	return &PingHandler{started: time.Now().UTC()}
}

// Register mounts GET /ping and HEAD /health.
func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.Health)
}

// Ping reports liveness and process uptime.
func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// Health answers load-balancer HEAD probes with no body.
func (h *PingHandler) Health(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
