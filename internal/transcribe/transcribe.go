// Package transcribe converts voice-note audio into text via an external
// transcription service.
package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loopdesk/loopdesk/internal/config"
)

// Client calls the transcription service. A zero base URL disables it.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// New creates a transcription Client from config.
func New(log *slog.Logger, cfg config.TranscribeConfig) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  log.With(slog.String("service", "transcribe")),
	}
}

// Enabled reports whether transcription is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// Transcribe returns the text of the audio blob at url. Errors leave the
// message without a transcript; they never block ingestion.
func (c *Client) Transcribe(ctx context.Context, url, mimeType string) (string, error) {
	if !c.Enabled() {
		return "", nil
	}
	body, err := json.Marshal(map[string]string{"url": url, "mime_type": mimeType})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcriptions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("transcription service returned status %d", resp.StatusCode)
	}
	var out struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode transcription response: %w", err)
	}
	return out.Text, nil
}
