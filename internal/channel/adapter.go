package channel

import (
	"context"
	"fmt"
)

// ValidationError marks a malformed or incomplete webhook payload. It is
// surfaced to the webhook caller as a client error and never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid webhook payload: " + e.Reason
}

// NewValidationError builds a ValidationError with a formatted reason.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Adapter translates raw provider webhook payloads into canonical events.
type Adapter interface {
	Type() Type
	ParseWebhook(payload []byte) (WebhookEvent, error)
}

// SendInput is the normalized payload handed to a channel sender.
type SendInput struct {
	To                string
	ChatID            string
	Content           string
	Type              MessageType
	Attachments       []Attachment
	ResponseMessageID string
}

// Sender dispatches an outbound message through one provider. It returns the
// provider-assigned external message id, or an error on any non-success
// provider response.
type Sender interface {
	Send(ctx context.Context, ch Info, in SendInput) (string, error)
}

// Formatter is an optional adapter capability transforming message content
// into provider markup before sending.
type Formatter interface {
	FormatContent(text string) string
}
