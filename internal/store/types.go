// Package store persists channels, customers, chats, messages, and files.
package store

import (
	"errors"
	"time"

	"github.com/loopdesk/loopdesk/internal/channel"
)

// ErrNotFound is returned when a point lookup matches no row.
var ErrNotFound = errors.New("not found")

// ChatStatus is the lifecycle status of a chat.
type ChatStatus string

const (
	ChatPending      ChatStatus = "pending"
	ChatInProgress   ChatStatus = "in_progress"
	ChatAwaitClosing ChatStatus = "await_closing"
	ChatClosed       ChatStatus = "closed"
)

// OpenChatStatuses are the statuses under which an existing chat is reused
// for a new inbound message.
var OpenChatStatuses = []ChatStatus{ChatPending, ChatInProgress, ChatAwaitClosing}

// SenderType distinguishes customer messages from agent/system messages.
type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
)

// Channel is a configured connection to one provider for one organization.
// Credentials hold the sealed (encrypted) provider secrets.
type Channel struct {
	ID          string
	OrgID       string
	Type        channel.Type
	Credentials string
	Settings    map[string]any
	IsConnected bool
	IsTested    bool
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Customer is a person reachable over one or more channels.
type Customer struct {
	ID             string
	OrgID          string
	Name           string
	ProfilePicture string
	CreatedAt      time.Time
}

// ContactIdentity is one canonical identity value owned by a customer.
// (org_id, kind, value) is unique.
type ContactIdentity struct {
	ID         string
	OrgID      string
	CustomerID string
	Kind       string
	Value      string
	CreatedAt  time.Time
}

// Chat is one conversation between a customer and the organization on one channel.
type Chat struct {
	ID                    string
	OrgID                 string
	ChannelID             string
	CustomerID            string
	ExternalID            string
	Status                ChatStatus
	TeamID                string
	LastMessageID         string
	LastMessageAt         time.Time
	LastCustomerMessageAt time.Time
	UnreadCount           int32
	IsFirstMessage        bool
	CreatedAt             time.Time
}

// Message is one persisted message. Rows are append-only except for status,
// error_message, and the status bookkeeping inside metadata.
type Message struct {
	ID           string
	ChatID       string
	OrgID        string
	ExternalID   string
	Content      string
	Type         channel.MessageType
	SenderType   SenderType
	SystemSent   bool
	Status       channel.MessageStatus
	ErrorMessage string
	Metadata     map[string]any
	Attachments  []channel.Attachment
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// File records a durable media blob referenced by a message attachment.
type File struct {
	ID        string
	OrgID     string
	MessageID string
	URL       string
	MimeType  string
	FileName  string
	SizeBytes int64
	CreatedAt time.Time
}

// CreateCustomerInput creates a Customer.
type CreateCustomerInput struct {
	OrgID          string
	Name           string
	ProfilePicture string
}

// CreateChatInput creates a Chat.
type CreateChatInput struct {
	OrgID          string
	ChannelID      string
	CustomerID     string
	ExternalID     string
	Status         ChatStatus
	TeamID         string
	IsFirstMessage bool
}

// InsertMessageInput creates a Message.
type InsertMessageInput struct {
	ChatID       string
	OrgID        string
	ExternalID   string
	Content      string
	Type         channel.MessageType
	SenderType   SenderType
	SystemSent   bool
	Status       channel.MessageStatus
	ErrorMessage string
	Metadata     map[string]any
	Attachments  []channel.Attachment
}

// UpdateDeliveryInput is one merged write of a message's delivery state.
// Nil ErrorMessage leaves the column untouched; a pointer to "" clears it.
type UpdateDeliveryInput struct {
	ID           string
	Status       channel.MessageStatus
	ErrorMessage *string
	ExternalID   string
	Metadata     map[string]any
}

// CreateFileInput creates a File row.
type CreateFileInput struct {
	OrgID     string
	MessageID string
	URL       string
	MimeType  string
	FileName  string
	SizeBytes int64
}
