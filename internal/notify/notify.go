// Package notify publishes pipeline events to the message broker for the
// rest of the platform (inbox UI, analytics, automations).
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/loopdesk/loopdesk/internal/config"
)

// Routing keys on the topic exchange.
const (
	KeyMessageReceived     = "message.received"
	KeyMessageSent         = "message.sent"
	KeyMessageStatus       = "message.status"
	KeyChannelDisconnected = "channel.disconnected"
)

// MessageEvent describes a message that entered or left the pipeline.
type MessageEvent struct {
	OrgID     string    `json:"org_id"`
	ChannelID string    `json:"channel_id"`
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id"`
	Direction string    `json:"direction"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// ChannelEvent describes a channel lifecycle change.
type ChannelEvent struct {
	OrgID     string    `json:"org_id"`
	ChannelID string    `json:"channel_id"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// Publisher sends events to an AMQP topic exchange. A nil Publisher or one
// built from empty config is a no-op.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	url      string
	exchange string
	logger   *slog.Logger
}

// New creates a Publisher. It does not dial; Connect does.
func New(log *slog.Logger, cfg config.AMQPConfig) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		url:      cfg.URL,
		exchange: cfg.Exchange,
		logger:   log.With(slog.String("service", "notify")),
	}
}

// Enabled reports whether a broker is configured.
func (p *Publisher) Enabled() bool {
	return p != nil && p.url != ""
}

// Connect dials the broker and declares the topic exchange.
func (p *Publisher) Connect() error {
	if !p.Enabled() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open broker channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %q: %w", p.exchange, err)
	}
	p.conn = conn
	p.ch = ch
	p.logger.Info("broker connected", slog.String("exchange", p.exchange))
	return nil
}

// Close tears down the broker connection.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}

// Publish sends one event. Publishing is best effort: callers log and move
// on, the pipeline never blocks on the broker.
func (p *Publisher) Publish(ctx context.Context, routingKey string, event any) error {
	if !p.Enabled() {
		return nil
	}
	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return fmt.Errorf("broker not connected")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		CorrelationId: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Body:          body,
	})
}
