// Package whatsappcloud integrates the WhatsApp Cloud API (Meta graph
// webhooks and the /messages send endpoint).
package whatsappcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/loopdesk/loopdesk/internal/channel"
)

const defaultGraphURL = "https://graph.facebook.com/v19.0"

// Adapter implements channel.Adapter and channel.Sender for the WhatsApp
// Cloud API.
type Adapter struct {
	graphURL string
	client   *http.Client
}

// New creates the adapter. graphURL overrides the Meta graph base URL, used
// in tests.
func New(graphURL string) *Adapter {
	if graphURL == "" {
		graphURL = defaultGraphURL
	}
	return &Adapter{
		graphURL: strings.TrimRight(graphURL, "/"),
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *Adapter) Type() channel.Type {
	return channel.TypeWhatsAppCloud
}

// Graph webhook payload shapes, limited to the fields the pipeline consumes.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value changeValue `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type changeValue struct {
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []cloudMessage `json:"messages"`
	Statuses []cloudStatus  `json:"statuses"`
}

type cloudMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption"`
	Filename string `json:"filename"`
	Link     string `json:"link"`
}

type cloudMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *cloudMedia `json:"image"`
	Video    *cloudMedia `json:"video"`
	Audio    *cloudMedia `json:"audio"`
	Document *cloudMedia `json:"document"`
	Sticker  *cloudMedia `json:"sticker"`
	Context  *struct {
		ID string `json:"id"`
	} `json:"context"`
}

type cloudStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

// ParseWebhook translates one graph webhook invocation. Cloud API webhooks
// only carry counterparty messages; agent sends come back as statuses, so
// every message here is inbound.
func (a *Adapter) ParseWebhook(payload []byte) (channel.WebhookEvent, error) {
	var body webhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return channel.WebhookEvent{}, channel.NewValidationError("malformed JSON: %v", err)
	}
	if len(body.Entry) == 0 {
		return channel.WebhookEvent{}, channel.NewValidationError("payload has no entry")
	}

	var event channel.WebhookEvent
	for _, entry := range body.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, m := range change.Value.Messages {
				normalized, err := a.normalizeMessage(m, names[m.From])
				if err != nil {
					return channel.WebhookEvent{}, err
				}
				event.Messages = append(event.Messages, normalized)
			}
			for _, s := range change.Value.Statuses {
				event.Statuses = append(event.Statuses, normalizeStatus(s))
			}
		}
	}
	return event, nil
}

func (a *Adapter) normalizeMessage(m cloudMessage, name string) (channel.NormalizedMessage, error) {
	if m.ID == "" || m.From == "" {
		return channel.NormalizedMessage{}, channel.NewValidationError("message without id or sender")
	}
	content, err := normalizeContent(m)
	if err != nil {
		return channel.NormalizedMessage{}, err
	}
	msg := channel.NormalizedMessage{
		MessageID:    m.ID,
		Timestamp:    parseEpoch(m.Timestamp),
		ExternalID:   m.From,
		ExternalName: name,
		Direction:    channel.DirectionInbound,
		Event:        channel.EventMessageReceived,
		Content:      content,
	}
	if m.Context != nil {
		msg.ResponseExternalID = m.Context.ID
	}
	return msg, nil
}

func normalizeContent(m cloudMessage) (channel.Content, error) {
	raw := map[string]any{"provider_type": m.Type}
	switch m.Type {
	case "text":
		if m.Text == nil {
			return channel.Content{}, channel.NewValidationError("text message without body")
		}
		return channel.Content{Type: channel.MessageText, Text: m.Text.Body, Raw: raw}, nil
	case "image":
		return mediaContent(channel.MessageImage, m.Image, raw)
	case "video":
		return mediaContent(channel.MessageVideo, m.Video, raw)
	case "audio":
		return mediaContent(channel.MessageAudio, m.Audio, raw)
	case "document":
		return mediaContent(channel.MessageDocument, m.Document, raw)
	case "sticker":
		return mediaContent(channel.MessageSticker, m.Sticker, raw)
	default:
		return channel.Content{}, channel.NewValidationError("unsupported message type %q", m.Type)
	}
}

func mediaContent(t channel.MessageType, media *cloudMedia, raw map[string]any) (channel.Content, error) {
	if media == nil {
		return channel.Content{}, channel.NewValidationError("%s message without media descriptor", t)
	}
	raw["media_id"] = media.ID
	return channel.Content{
		Type:     t,
		Text:     media.Caption,
		MediaURL: media.Link,
		MimeType: media.MimeType,
		FileName: media.Filename,
		Raw:      raw,
	}, nil
}

func normalizeStatus(s cloudStatus) channel.NormalizedStatusUpdate {
	parsed, ok := channel.ParseMessageStatus(s.Status)
	if !ok {
		parsed = channel.StatusSent
	}
	update := channel.NormalizedStatusUpdate{
		MessageID: s.ID,
		Status:    parsed,
		Timestamp: parseEpoch(s.Timestamp),
		Metadata:  map[string]any{"recipient_id": s.RecipientID},
	}
	if len(s.Errors) > 0 {
		update.Error = fmt.Sprintf("%d: %s", s.Errors[0].Code, s.Errors[0].Title)
	}
	return update
}

func parseEpoch(raw string) time.Time {
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Send posts one message through the Cloud API /messages endpoint and
// returns the provider message id.
func (a *Adapter) Send(ctx context.Context, ch channel.Info, in channel.SendInput) (string, error) {
	token := ch.Credential("access_token")
	phoneID := ch.Credential("phone_number_id")
	if token == "" || phoneID == "" {
		return "", fmt.Errorf("missing access_token or phone_number_id credential")
	}

	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                strings.TrimPrefix(in.To, "+"),
	}
	if len(in.Attachments) > 0 {
		att := in.Attachments[0]
		kind := attachmentKind(in.Type)
		media := map[string]any{"link": att.URL}
		if in.Content != "" && (kind == "image" || kind == "video" || kind == "document") {
			media["caption"] = in.Content
		}
		if kind == "document" && att.FileName != "" {
			media["filename"] = att.FileName
		}
		payload["type"] = kind
		payload[kind] = media
	} else {
		payload["type"] = "text"
		payload["text"] = map[string]any{"body": in.Content}
	}
	if in.ResponseMessageID != "" {
		payload["context"] = map[string]any{"message_id": in.ResponseMessageID}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/%s/messages", a.graphURL, phoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
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
		return "", fmt.Errorf("cloud api returned status %d with unreadable body", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		if parsed.Error != nil {
			return "", fmt.Errorf("cloud api error %d: %s", parsed.Error.Code, parsed.Error.Message)
		}
		return "", fmt.Errorf("cloud api returned status %d", resp.StatusCode)
	}
	if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		return "", fmt.Errorf("cloud api response carries no message id")
	}
	return parsed.Messages[0].ID, nil
}

func attachmentKind(t channel.MessageType) string {
	switch t {
	case channel.MessageImage:
		return "image"
	case channel.MessageVideo:
		return "video"
	case channel.MessageAudio:
		return "audio"
	case channel.MessageSticker:
		return "sticker"
	default:
		return "document"
	}
}

// FormatContent converts common markdown emphasis to WhatsApp markup.
func (a *Adapter) FormatContent(text string) string {
	return FormatWhatsApp(text)
}

// FormatWhatsApp rewrites **bold**, __italic__, and ~~strike~~ into the
// single-character WhatsApp forms. Shared with the gateway adapter.
func FormatWhatsApp(text string) string {
	replacer := strings.NewReplacer(
		"**", "*",
		"__", "_",
		"~~", "~",
	)
	return replacer.Replace(text)
}
