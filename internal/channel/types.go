package channel

import (
	"strings"
	"time"
)

// Type identifies one messaging provider integration.
type Type string

const (
	TypeWhatsAppCloud   Type = "whatsapp_cloud"
	TypeWhatsAppGateway Type = "whatsapp_gateway"
	TypeInstagram       Type = "instagram"
	TypeFacebook        Type = "facebook"
	TypeEmail           Type = "email"
)

func (t Type) String() string {
	return string(t)
}

// PhoneBased reports whether contact identities on this channel are phone numbers.
func (t Type) PhoneBased() bool {
	switch t {
	case TypeWhatsAppCloud, TypeWhatsAppGateway:
		return true
	default:
		return false
	}
}

// IdentityKind returns the contact identity tag stored for this channel type.
func (t Type) IdentityKind() string {
	switch t {
	case TypeWhatsAppCloud, TypeWhatsAppGateway:
		return "whatsapp"
	case TypeInstagram:
		return "instagramId"
	case TypeFacebook:
		return "facebookId"
	case TypeEmail:
		return "email"
	default:
		return string(t)
	}
}

// Direction is the canonical message direction produced by every adapter.
// Echo detection happens once at the adapter boundary, never downstream.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Event classifies a webhook message event.
type Event string

const (
	EventMessageReceived Event = "messageReceived"
	EventMessageSent     Event = "messageSent"
)

// MessageType is the canonical content type of a message.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageVideo    MessageType = "video"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
	MessageSticker  MessageType = "sticker"
	MessageLocation MessageType = "location"
)

// MessageStatus is the delivery lifecycle status of a persisted message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusRetry     MessageStatus = "retry"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

// ParseMessageStatus normalizes a provider status string into a MessageStatus.
func ParseMessageStatus(raw string) (MessageStatus, bool) {
	switch MessageStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case StatusPending:
		return StatusPending, true
	case StatusRetry:
		return StatusRetry, true
	case StatusSent:
		return StatusSent, true
	case StatusDelivered:
		return StatusDelivered, true
	case StatusRead:
		return StatusRead, true
	case StatusFailed:
		return StatusFailed, true
	default:
		return "", false
	}
}

// Attachment references a resolved media blob attached to a message.
type Attachment struct {
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	FileName string `json:"file_name,omitempty"`
	FileID   string `json:"file_id,omitempty"`
}

// Content is the normalized payload of one message.
type Content struct {
	Type        MessageType
	Text        string
	MediaURL    string
	MediaBase64 string
	MimeType    string
	FileName    string
	Raw         map[string]any
}

// NormalizedMessage is the canonical message shape produced by channel
// adapters and consumed by the ingestion pipeline.
type NormalizedMessage struct {
	MessageID              string
	Timestamp              time.Time
	ExternalID             string
	ExternalName           string
	ExternalProfilePicture string
	Direction              Direction
	Event                  Event
	IsGroup                bool
	ResponseExternalID     string
	Content                Content
}

// NormalizedStatusUpdate is a canonical delivery-status event.
type NormalizedStatusUpdate struct {
	MessageID  string
	Status     MessageStatus
	Error      string
	Timestamp  time.Time
	ChatIDHint string
	Metadata   map[string]any
}

// WebhookEvent is everything one provider webhook invocation carries.
type WebhookEvent struct {
	Messages []NormalizedMessage
	Statuses []NormalizedStatusUpdate
}

// Info is the decrypted channel view handed to senders. Credentials are
// decrypted immediately before use and never persisted in this form.
type Info struct {
	ID          string
	OrgID       string
	Type        Type
	Credentials map[string]any
	Settings    map[string]any
}

// Credential returns a trimmed string credential by key.
func (i Info) Credential(key string) string {
	if i.Credentials == nil {
		return ""
	}
	value, _ := i.Credentials[key].(string)
	return strings.TrimSpace(value)
}
