// Package flow notifies the automation engine about conversation events.
package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/loopdesk/loopdesk/internal/config"
)

// IncomingMessage is the event posted when a customer message lands.
type IncomingMessage struct {
	OrgID          string `json:"org_id"`
	ChannelID      string `json:"channel_id"`
	ChatID         string `json:"chat_id"`
	MessageID      string `json:"message_id"`
	CustomerID     string `json:"customer_id"`
	Content        string `json:"content"`
	MessageType    string `json:"message_type"`
	IsFirstMessage bool   `json:"is_first_message"`
}

// Client calls the flow engine over HTTP. A zero base URL disables it.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// New creates a flow Client from config.
func New(log *slog.Logger, cfg config.FlowConfig) *Client {
	if log == nil {
		log = slog.Default()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  log.With(slog.String("service", "flow")),
	}
}

// Enabled reports whether a flow engine is configured.
func (c *Client) Enabled() bool {
	return c.baseURL != ""
}

// TriggerIncoming posts a customer-message event. Failures are the caller's
// to swallow; message ingestion never depends on the flow engine.
func (c *Client) TriggerIncoming(ctx context.Context, event IncomingMessage) error {
	if !c.Enabled() {
		return nil
	}
	return c.post(ctx, "/triggers/incoming-message", event)
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode flow event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("flow engine returned status %d", resp.StatusCode)
	}
	return nil
}
