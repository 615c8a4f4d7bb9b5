package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loopdesk/loopdesk/internal/store"
)

// ChannelStore is the persistence surface of the channel management API.
type ChannelStore interface {
	GetChannel(ctx context.Context, id string) (store.Channel, error)
	ReconnectChannel(ctx context.Context, id string) error
}

// ChannelHandler serves the channel management API.
type ChannelHandler struct {
	store  ChannelStore
	logger *slog.Logger
}

// NewChannelHandler creates the channel handler.
func NewChannelHandler(log *slog.Logger, st ChannelStore) *ChannelHandler {
	return &ChannelHandler{
		store:  st,
		logger: log.With(slog.String("handler", "channel")),
	}
}

// Register mounts the channel routes.
func (h *ChannelHandler) Register(e *echo.Echo) {
	e.GET("/channels/:id", h.Get)
	e.POST("/channels/:id/reconnect", h.Reconnect)
}

// channelResponse is the API view of a channel. Credentials never leave the
// database in any form.
type channelResponse struct {
	ID          string         `json:"id"`
	OrgID       string         `json:"org_id"`
	Type        string         `json:"type"`
	IsConnected bool           `json:"is_connected"`
	IsTested    bool           `json:"is_tested"`
	Status      string         `json:"status"`
	Settings    map[string]any `json:"settings,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Get returns one channel.
func (h *ChannelHandler) Get(c echo.Context) error {
	ch, err := h.store.GetChannel(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Message: "channel not found"})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "channel lookup failed"})
	}
	return c.JSON(http.StatusOK, channelResponse{
		ID:          ch.ID,
		OrgID:       ch.OrgID,
		Type:        string(ch.Type),
		IsConnected: ch.IsConnected,
		IsTested:    ch.IsTested,
		Status:      ch.Status,
		Settings:    ch.Settings,
		CreatedAt:   ch.CreatedAt,
		UpdatedAt:   ch.UpdatedAt,
	})
}

// Reconnect clears a breaker disconnect so delivery resumes. The operator is
// expected to have fixed the underlying provider problem first.
func (h *ChannelHandler) Reconnect(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	if _, err := h.store.GetChannel(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Message: "channel not found"})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "channel lookup failed"})
	}
	if err := h.store.ReconnectChannel(ctx, id); err != nil {
		h.logger.Error("channel reconnect failed", slog.String("channel_id", id), slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "reconnect failed"})
	}
	h.logger.Info("channel reconnected", slog.String("channel_id", id))
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
