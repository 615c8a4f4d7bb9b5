// Package messenger holds the Meta Messenger platform integration shared by
// the Instagram and Facebook adapters: both speak the same entry/messaging
// webhook format and the same /me/messages send API.
package messenger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loopdesk/loopdesk/internal/channel"
)

const defaultGraphURL = "https://graph.facebook.com/v19.0"

// Core implements the shared parse and send logic. The wrapping adapter
// supplies its channel type.
type Core struct {
	channelType channel.Type
	graphURL    string
	client      *http.Client
}

// NewCore creates the shared integration for one channel type.
func NewCore(channelType channel.Type, graphURL string) *Core {
	if graphURL == "" {
		graphURL = defaultGraphURL
	}
	return &Core{
		channelType: channelType,
		graphURL:    strings.TrimRight(graphURL, "/"),
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Core) Type() channel.Type {
	return c.channelType
}

type webhookPayload struct {
	Entry []struct {
		Messaging []messagingEntry `json:"messaging"`
	} `json:"entry"`
}

type messagingEntry struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		Mid         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		ReplyTo     *struct {
			Mid string `json:"mid"`
		} `json:"reply_to"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
	} `json:"message"`
	Delivery *struct {
		Mids []string `json:"mids"`
	} `json:"delivery"`
	Read *struct {
		Mids []string `json:"mids"`
	} `json:"read"`
}

// ParseWebhook translates one platform webhook invocation. Echoes of the
// page's own sends arrive with is_echo and become outbound messages;
// delivery and read entries become status updates.
func (c *Core) ParseWebhook(payload []byte) (channel.WebhookEvent, error) {
	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return channel.WebhookEvent{}, channel.NewValidationError("malformed JSON: %v", err)
	}
	if len(body.Entry) == 0 {
		return channel.WebhookEvent{}, channel.NewValidationError("payload has no entry")
	}

	var event channel.WebhookEvent
	for _, entry := range body.Entry {
		for _, item := range entry.Messaging {
			at := time.UnixMilli(item.Timestamp).UTC()
			switch {
			case item.Message != nil:
				msg, err := c.normalizeMessage(item, at)
				if err != nil {
					return channel.WebhookEvent{}, err
				}
				event.Messages = append(event.Messages, msg)
			case item.Delivery != nil:
				for _, mid := range item.Delivery.Mids {
					event.Statuses = append(event.Statuses, channel.NormalizedStatusUpdate{
						MessageID: mid, Status: channel.StatusDelivered, Timestamp: at,
					})
				}
			case item.Read != nil:
				for _, mid := range item.Read.Mids {
					event.Statuses = append(event.Statuses, channel.NormalizedStatusUpdate{
						MessageID: mid, Status: channel.StatusRead, Timestamp: at,
					})
				}
			}
		}
	}
	return event, nil
}

func (c *Core) normalizeMessage(item messagingEntry, at time.Time) (channel.NormalizedMessage, error) {
	m := item.Message
	if m.Mid == "" || item.Sender.ID == "" {
		return channel.NormalizedMessage{}, channel.NewValidationError("message without mid or sender id")
	}
	content := channel.Content{
		Type: channel.MessageText,
		Text: m.Text,
		Raw:  map[string]any{"mid": m.Mid},
	}
	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		content.Type = attachmentType(att.Type)
		content.MediaURL = att.Payload.URL
		content.Raw["attachment_type"] = att.Type
	}

	msg := channel.NormalizedMessage{
		MessageID:  m.Mid,
		Timestamp:  at,
		ExternalID: item.Sender.ID,
		Direction:  channel.DirectionInbound,
		Event:      channel.EventMessageReceived,
		Content:    content,
	}
	if m.IsEcho {
		msg.Direction = channel.DirectionOutbound
		msg.Event = channel.EventMessageSent
	}
	if m.ReplyTo != nil {
		msg.ResponseExternalID = m.ReplyTo.Mid
	}
	return msg, nil
}

func attachmentType(raw string) channel.MessageType {
	switch raw {
	case "image":
		return channel.MessageImage
	case "video":
		return channel.MessageVideo
	case "audio":
		return channel.MessageAudio
	default:
		return channel.MessageDocument
	}
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Error     *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send posts one message through /me/messages and returns the platform
// message id.
func (c *Core) Send(ctx context.Context, ch channel.Info, in channel.SendInput) (string, error) {
	token := ch.Credential("page_access_token")
	if token == "" {
		return "", fmt.Errorf("missing page_access_token credential")
	}

	message := map[string]any{}
	if len(in.Attachments) > 0 {
		att := in.Attachments[0]
		message["attachment"] = map[string]any{
			"type":    platformAttachmentType(in.Type),
			"payload": map[string]any{"url": att.URL, "is_reusable": true},
		}
	} else {
		message["text"] = in.Content
	}
	payload := map[string]any{
		"recipient":      map[string]any{"id": in.To},
		"messaging_type": "RESPONSE",
		"message":        message,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/me/messages?access_token=%s", c.graphURL, url.QueryEscape(token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}

	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("platform returned status %d with unreadable body", resp.StatusCode)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("platform error %d: %s", parsed.Error.Code, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("platform returned status %d", resp.StatusCode)
	}
	if parsed.MessageID == "" {
		return "", fmt.Errorf("platform response carries no message id")
	}
	return parsed.MessageID, nil
}

func platformAttachmentType(t channel.MessageType) string {
	switch t {
	case channel.MessageImage, channel.MessageSticker:
		return "image"
	case channel.MessageVideo:
		return "video"
	case channel.MessageAudio:
		return "audio"
	default:
		return "file"
	}
}
