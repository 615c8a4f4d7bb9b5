package handlers

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path"

	"github.com/labstack/echo/v4"

	"github.com/loopdesk/loopdesk/internal/storage"
)

// MediaHandler serves stored media blobs. Outbound messages embed these URLs,
// so the route is token-free.
type MediaHandler struct {
	provider storage.Provider
	logger   *slog.Logger
}

// NewMediaHandler creates the media handler.
func NewMediaHandler(log *slog.Logger, provider storage.Provider) *MediaHandler {
	return &MediaHandler{
		provider: provider,
		logger:   log.With(slog.String("handler", "media")),
	}
}

// Register mounts GET /media/*.
func (h *MediaHandler) Register(e *echo.Echo) {
	e.GET("/media/*", h.Serve)
}

// Serve streams one blob by its storage key.
func (h *MediaHandler) Serve(c echo.Context) error {
	key := c.Param("*")
	if key == "" {
		return c.JSON(http.StatusNotFound, ErrorResponse{Message: "media not found"})
	}

	blob, err := h.provider.Open(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Message: "media not found"})
		}
		h.logger.Error("media open failed", slog.String("key", key), slog.Any("error", err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "media unavailable"})
	}
	defer blob.Close()

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.Stream(http.StatusOK, contentType, blob)
}
