package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/delivery"
	"github.com/loopdesk/loopdesk/internal/store"
)

// MessageStore loads the chat an outbound message targets.
type MessageStore interface {
	GetChat(ctx context.Context, id string) (store.Chat, error)
}

// Submitter queues an outbound message for delivery.
type Submitter interface {
	Submit(ctx context.Context, chat store.Chat, in delivery.SubmitInput) (store.Message, error)
}

// MessageHandler serves the outbound-message API.
type MessageHandler struct {
	store  MessageStore
	engine Submitter
	logger *slog.Logger
}

// NewMessageHandler creates the message handler.
func NewMessageHandler(log *slog.Logger, st MessageStore, engine Submitter) *MessageHandler {
	return &MessageHandler{
		store:  st,
		engine: engine,
		logger: log.With(slog.String("handler", "message")),
	}
}

// Register mounts POST /chats/:id/messages.
func (h *MessageHandler) Register(e *echo.Echo) {
	e.POST("/chats/:id/messages", h.Create)
}

type createMessageRequest struct {
	Content            string               `json:"content"`
	Type               string               `json:"type"`
	Attachments        []channel.Attachment `json:"attachments"`
	ResponseExternalID string               `json:"response_external_id"`
}

type messageResponse struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	Status     string    `json:"status"`
	ExternalID string    `json:"external_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Create persists an agent message and queues its delivery. Responds 202:
// the message is accepted as pending, delivery is asynchronous.
func (h *MessageHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	var req createMessageRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid request body"})
	}
	if strings.TrimSpace(req.Content) == "" && len(req.Attachments) == 0 {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: "content or attachments required"})
	}
	msgType := channel.MessageText
	if req.Type != "" {
		msgType = channel.MessageType(req.Type)
	}

	chat, err := h.store.GetChat(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Message: "chat not found"})
		}
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "chat lookup failed"})
	}

	msg, err := h.engine.Submit(ctx, chat, delivery.SubmitInput{
		Content:            req.Content,
		Type:               msgType,
		Attachments:        req.Attachments,
		ResponseExternalID: req.ResponseExternalID,
	})
	if err != nil {
		h.logger.Error("message submit failed",
			slog.String("chat_id", chat.ID), slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "message could not be queued"})
	}

	return c.JSON(http.StatusAccepted, messageResponse{
		ID:         msg.ID,
		ChatID:     msg.ChatID,
		Content:    msg.Content,
		Type:       string(msg.Type),
		Status:     string(msg.Status),
		ExternalID: msg.ExternalID,
		CreatedAt:  msg.CreatedAt,
	})
}
