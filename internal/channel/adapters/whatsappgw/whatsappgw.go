// Package whatsappgw integrates a self-hosted WhatsApp gateway (Baileys
// style REST API and webhooks).
package whatsappgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/channel/adapters/whatsappcloud"
)

// Adapter implements channel.Adapter and channel.Sender for the gateway.
type Adapter struct {
	client *http.Client
}

// New creates the adapter.
func New() *Adapter {
	return &Adapter{client: &http.Client{Timeout: 30 * time.Second}}
}

func (a *Adapter) Type() channel.Type {
	return channel.TypeWhatsAppGateway
}

type webhookPayload struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type messageData struct {
	Key struct {
		RemoteJid string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName         string         `json:"pushName"`
	MessageTimestamp int64          `json:"messageTimestamp"`
	Message          map[string]any `json:"message"`
	Base64           string         `json:"base64"`
	Status           string         `json:"status"`
}

type updateData struct {
	KeyID  string `json:"keyId"`
	Status string `json:"status"`
	Key    struct {
		RemoteJid string `json:"remoteJid"`
		ID        string `json:"id"`
	} `json:"key"`
	Error string `json:"error"`
}

// ParseWebhook translates one gateway webhook. The gateway reports the
// agent's own phone-app sends as fromMe upserts; those become outbound
// messages here so nothing downstream inspects provider flags.
func (a *Adapter) ParseWebhook(payload []byte) (channel.WebhookEvent, error) {
	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return channel.WebhookEvent{}, channel.NewValidationError("malformed JSON: %v", err)
	}

	switch body.Event {
	case "messages.upsert":
		var data messageData
		if err := json.Unmarshal(body.Data, &data); err != nil {
			return channel.WebhookEvent{}, channel.NewValidationError("malformed upsert data: %v", err)
		}
		msg, err := normalizeMessage(data)
		if err != nil {
			return channel.WebhookEvent{}, err
		}
		return channel.WebhookEvent{Messages: []channel.NormalizedMessage{msg}}, nil
	case "messages.update":
		var data updateData
		if err := json.Unmarshal(body.Data, &data); err != nil {
			return channel.WebhookEvent{}, channel.NewValidationError("malformed update data: %v", err)
		}
		update, ok := normalizeUpdate(data)
		if !ok {
			return channel.WebhookEvent{}, nil
		}
		return channel.WebhookEvent{Statuses: []channel.NormalizedStatusUpdate{update}}, nil
	default:
		// Presence, connection, and QR events are not pipeline input.
		return channel.WebhookEvent{}, nil
	}
}

func normalizeMessage(data messageData) (channel.NormalizedMessage, error) {
	if data.Key.ID == "" || data.Key.RemoteJid == "" {
		return channel.NormalizedMessage{}, channel.NewValidationError("upsert without key id or remoteJid")
	}
	content, err := normalizeContent(data)
	if err != nil {
		return channel.NormalizedMessage{}, err
	}

	msg := channel.NormalizedMessage{
		MessageID:    data.Key.ID,
		Timestamp:    time.Unix(data.MessageTimestamp, 0).UTC(),
		ExternalID:   data.Key.RemoteJid,
		ExternalName: data.PushName,
		Direction:    channel.DirectionInbound,
		Event:        channel.EventMessageReceived,
		IsGroup:      strings.HasSuffix(data.Key.RemoteJid, "@g.us"),
		Content:      content,
	}
	if data.Key.FromMe {
		msg.Direction = channel.DirectionOutbound
		msg.Event = channel.EventMessageSent
		msg.ExternalName = ""
	}
	return msg, nil
}

func normalizeContent(data messageData) (channel.Content, error) {
	raw := make(map[string]any, len(data.Message))
	for k, v := range data.Message {
		raw[k] = v
	}

	if text, ok := data.Message["conversation"].(string); ok {
		return channel.Content{Type: channel.MessageText, Text: text, Raw: raw}, nil
	}
	if ext, ok := data.Message["extendedTextMessage"].(map[string]any); ok {
		text, _ := ext["text"].(string)
		return channel.Content{Type: channel.MessageText, Text: text, Raw: raw}, nil
	}

	for key, t := range map[string]channel.MessageType{
		"imageMessage":    channel.MessageImage,
		"videoMessage":    channel.MessageVideo,
		"audioMessage":    channel.MessageAudio,
		"documentMessage": channel.MessageDocument,
		"stickerMessage":  channel.MessageSticker,
	} {
		media, ok := data.Message[key].(map[string]any)
		if !ok {
			continue
		}
		caption, _ := media["caption"].(string)
		mimeType, _ := media["mimetype"].(string)
		fileName, _ := media["fileName"].(string)
		return channel.Content{
			Type:        t,
			Text:        caption,
			MediaBase64: data.Base64,
			MimeType:    mimeType,
			FileName:    fileName,
			Raw:         raw,
		}, nil
	}
	if loc, ok := data.Message["locationMessage"].(map[string]any); ok {
		lat, _ := loc["degreesLatitude"].(float64)
		lng, _ := loc["degreesLongitude"].(float64)
		return channel.Content{
			Type: channel.MessageLocation,
			Text: fmt.Sprintf("%f,%f", lat, lng),
			Raw:  raw,
		}, nil
	}
	return channel.Content{}, channel.NewValidationError("unsupported gateway message shape")
}

// gatewayStatuses maps the gateway's status vocabulary onto the canonical one.
var gatewayStatuses = map[string]channel.MessageStatus{
	"PENDING":      channel.StatusPending,
	"SERVER_ACK":   channel.StatusSent,
	"DELIVERY_ACK": channel.StatusDelivered,
	"READ":         channel.StatusRead,
	"PLAYED":       channel.StatusRead,
	"ERROR":        channel.StatusFailed,
}

func normalizeUpdate(data updateData) (channel.NormalizedStatusUpdate, bool) {
	id := data.KeyID
	if id == "" {
		id = data.Key.ID
	}
	if id == "" {
		return channel.NormalizedStatusUpdate{}, false
	}
	status, ok := gatewayStatuses[strings.ToUpper(strings.TrimSpace(data.Status))]
	if !ok {
		parsed, found := channel.ParseMessageStatus(data.Status)
		if !found {
			return channel.NormalizedStatusUpdate{}, false
		}
		status = parsed
	}
	return channel.NormalizedStatusUpdate{
		MessageID: id,
		Status:    status,
		Error:     data.Error,
		Timestamp: time.Now().UTC(),
	}, true
}

type sendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
	Message string `json:"message"`
}

// Send posts one message through the gateway REST API.
func (a *Adapter) Send(ctx context.Context, ch channel.Info, in channel.SendInput) (string, error) {
	serverURL := ch.Credential("server_url")
	instance := ch.Credential("instance")
	apiKey := ch.Credential("api_key")
	if serverURL == "" || instance == "" || apiKey == "" {
		return "", fmt.Errorf("missing server_url, instance, or api_key credential")
	}

	endpoint := "/message/sendText/"
	payload := map[string]any{"number": bareNumber(in.To), "text": in.Content}
	if len(in.Attachments) > 0 {
		att := in.Attachments[0]
		endpoint = "/message/sendMedia/"
		payload = map[string]any{
			"number":    bareNumber(in.To),
			"mediatype": mediaKind(in.Type),
			"media":     att.URL,
			"caption":   in.Content,
			"fileName":  att.FileName,
		}
	}
	if in.ResponseMessageID != "" {
		payload["quoted"] = map[string]any{"key": map[string]any{"id": in.ResponseMessageID}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(serverURL, "/") + endpoint + instance
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("gateway returned status %d: %s", resp.StatusCode, truncate(respBody))
	}
	var parsed sendResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("unreadable gateway response: %w", err)
	}
	if parsed.Key.ID == "" {
		return "", fmt.Errorf("gateway response carries no message id")
	}
	return parsed.Key.ID, nil
}

// FormatContent converts common markdown emphasis to WhatsApp markup.
func (a *Adapter) FormatContent(text string) string {
	return whatsappcloud.FormatWhatsApp(text)
}

// bareNumber strips the jid suffix and plus sign the gateway rejects.
func bareNumber(to string) string {
	if at := strings.IndexByte(to, '@'); at >= 0 {
		to = to[:at]
	}
	return strings.TrimPrefix(to, "+")
}

func mediaKind(t channel.MessageType) string {
	switch t {
	case channel.MessageImage, channel.MessageSticker:
		return "image"
	case channel.MessageVideo:
		return "video"
	case channel.MessageAudio:
		return "audio"
	default:
		return "document"
	}
}

func truncate(body []byte) string {
	const max = 200
	s := strings.TrimSpace(string(body))
	if len(s) > max {
		return s[:max]
	}
	return s
}
