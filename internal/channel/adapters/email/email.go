// Package email integrates inbound email webhooks and SMTP sending.
package email

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mail "github.com/wneessen/go-mail"

	"github.com/loopdesk/loopdesk/internal/channel"
)

// Adapter implements channel.Adapter and channel.Sender for email. Inbound
// mail arrives as webhook JSON from the mail provider; outbound goes over
// SMTP with go-mail.
type Adapter struct{}

// New creates the adapter.
func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Type() channel.Type {
	return channel.TypeEmail
}

type inboundMail struct {
	MessageID string `json:"message_id"`
	From      struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"from"`
	Subject     string `json:"subject"`
	Text        string `json:"text"`
	HTML        string `json:"html"`
	InReplyTo   string `json:"in_reply_to"`
	ReceivedAt  string `json:"received_at"`
	Attachments []struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
		FileName string `json:"file_name"`
	} `json:"attachments"`
}

// ParseWebhook translates one inbound-mail webhook. Email has no echo or
// receipt events, so the result is always a single inbound message.
func (a *Adapter) ParseWebhook(payload []byte) (channel.WebhookEvent, error) {
	var m inboundMail
	if err := json.Unmarshal(payload, &m); err != nil {
		return channel.WebhookEvent{}, channel.NewValidationError("malformed JSON: %v", err)
	}
	if m.MessageID == "" || m.From.Email == "" {
		return channel.WebhookEvent{}, channel.NewValidationError("mail without message_id or sender")
	}

	text := m.Text
	if text == "" && m.HTML != "" {
		text = m.HTML
	}
	content := channel.Content{
		Type: channel.MessageText,
		Text: text,
		Raw:  map[string]any{"subject": m.Subject},
	}
	if len(m.Attachments) > 0 {
		att := m.Attachments[0]
		content.Type = typeForMime(att.MimeType)
		content.MediaURL = att.URL
		content.MimeType = att.MimeType
		content.FileName = att.FileName
	}

	msg := channel.NormalizedMessage{
		MessageID:          m.MessageID,
		Timestamp:          parseReceivedAt(m.ReceivedAt),
		ExternalID:         strings.ToLower(strings.TrimSpace(m.From.Email)),
		ExternalName:       m.From.Name,
		Direction:          channel.DirectionInbound,
		Event:              channel.EventMessageReceived,
		ResponseExternalID: m.InReplyTo,
		Content:            content,
	}
	return channel.WebhookEvent{Messages: []channel.NormalizedMessage{msg}}, nil
}

func parseReceivedAt(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	if at, err := time.Parse(time.RFC3339, raw); err == nil {
		return at.UTC()
	}
	return time.Time{}
}

func typeForMime(mimeType string) channel.MessageType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return channel.MessageImage
	case strings.HasPrefix(mimeType, "video/"):
		return channel.MessageVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return channel.MessageAudio
	default:
		return channel.MessageDocument
	}
}

// Send delivers one message over SMTP and returns the generated Message-ID.
// SMTP gives no delivery receipts, so sent is the terminal observed status.
func (a *Adapter) Send(ctx context.Context, ch channel.Info, in channel.SendInput) (string, error) {
	host := ch.Credential("smtp_host")
	from := ch.Credential("from_address")
	if host == "" || from == "" {
		return "", fmt.Errorf("missing smtp_host or from_address credential")
	}
	port := 587
	if raw := ch.Credential("smtp_port"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return "", fmt.Errorf("invalid smtp_port %q", raw)
		}
		port = parsed
	}

	msg := mail.NewMsg()
	if err := msg.From(from); err != nil {
		return "", fmt.Errorf("invalid from address: %w", err)
	}
	if err := msg.To(in.To); err != nil {
		return "", fmt.Errorf("invalid recipient address: %w", err)
	}
	subject, _ := ch.Settings["subject"].(string)
	if subject == "" {
		subject = "New message"
	}
	msg.Subject(subject)
	if in.ResponseMessageID != "" {
		msg.SetGenHeader(mail.HeaderInReplyTo, in.ResponseMessageID)
	}

	msg.SetMessageID()

	body := in.Content
	for _, att := range in.Attachments {
		body += "\n\n" + att.URL
	}
	msg.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if user := ch.Credential("smtp_username"); user != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(user),
			mail.WithPassword(ch.Credential("smtp_password")))
	}
	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return "", fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return msg.GetMessageID(), nil
}
