package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/store"
)

// maxWebhookBody caps a webhook payload (base64 media travels inline on
// some gateways).
const maxWebhookBody = 32 << 20

// WebhookStore loads the channel a webhook belongs to.
type WebhookStore interface {
	GetChannel(ctx context.Context, id string) (store.Channel, error)
}

// Ingestor runs parsed webhook events through the message pipeline.
type Ingestor interface {
	ProcessWebhook(ctx context.Context, ch store.Channel, event channel.WebhookEvent) error
}

// WebhookHandler receives provider webhooks and feeds them to the pipeline.
type WebhookHandler struct {
	store    WebhookStore
	registry *channel.Registry
	ingest   Ingestor
	logger   *slog.Logger
}

// NewWebhookHandler creates the webhook handler.
func NewWebhookHandler(log *slog.Logger, st WebhookStore, registry *channel.Registry, ingest Ingestor) *WebhookHandler {
	return &WebhookHandler{
		store:    st,
		registry: registry,
		ingest:   ingest,
		logger:   log.With(slog.String("handler", "webhook")),
	}
}

// Register mounts POST /webhooks/:channel_id.
func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhooks/:channel_id", h.Receive)
}

// Receive parses and ingests one provider webhook. Malformed payloads get
// 400 so a broken provider config is visible; pipeline failures get 500 so
// the provider redelivers (ingestion is idempotent).
func (h *WebhookHandler) Receive(c echo.Context) error {
	ctx := c.Request().Context()

	ch, err := h.store.GetChannel(ctx, c.Param("channel_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Message: "channel not found"})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "channel lookup failed"})
	}

	adapter, ok := h.registry.Get(ch.Type)
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Message: "no adapter for channel type"})
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "unreadable payload"})
	}

	event, err := adapter.ParseWebhook(payload)
	if err != nil {
		var vErr *channel.ValidationError
		if errors.As(err, &vErr) {
			h.logger.Warn("webhook rejected",
				slog.String("channel_id", ch.ID), slog.String("reason", vErr.Reason))
			return c.JSON(http.StatusBadRequest, ErrorResponse{Message: vErr.Reason})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "webhook parse failed"})
	}

	if err := h.ingest.ProcessWebhook(ctx, ch, event); err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "ingestion failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
