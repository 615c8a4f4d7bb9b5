// Package delivery sends agent messages to their providers with bounded
// retry and a per-channel circuit breaker.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/config"
	"github.com/loopdesk/loopdesk/internal/notify"
	"github.com/loopdesk/loopdesk/internal/store"
)

// sendTimeout bounds a single provider call.
const sendTimeout = 60 * time.Second

// metadataAttempts tracks delivery attempts inside message metadata so the
// count survives restarts.
const metadataAttempts = "delivery_attempts"

// ConfigurationError marks a delivery failure caused by the channel's own
// setup (bad credentials, no sender for the type). It is terminal: retrying
// cannot fix configuration.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "channel configuration error: " + e.Reason
}

// Store is the persistence surface the engine needs.
type Store interface {
	GetMessage(ctx context.Context, id string) (store.Message, error)
	GetChat(ctx context.Context, id string) (store.Chat, error)
	GetChannel(ctx context.Context, id string) (store.Channel, error)
	InsertMessage(ctx context.Context, input store.InsertMessageInput) (store.Message, error)
	UpdateMessageDelivery(ctx context.Context, input store.UpdateDeliveryInput) (store.Message, error)
	TouchChatOnMessage(ctx context.Context, chatID, messageID string, at time.Time, fromCustomer bool) error
}

// CredentialOpener decrypts sealed channel credentials.
type CredentialOpener interface {
	Open(sealed string) ([]byte, error)
}

// Notifier publishes delivery events to the broker.
type Notifier interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// task is one delivery attempt waiting in a chat's queue.
type task struct {
	messageID string
	chatID    string
}

// Engine queues outbound messages and drives them through send, retry, and
// the circuit breaker. Deliveries within one chat run in order; chats run
// concurrently up to the configured worker count.
type Engine struct {
	store     Store
	registry  *channel.Registry
	opener    CredentialOpener
	breaker   *Breaker
	scheduler *Scheduler
	notifier  Notifier
	cfg       config.DeliveryConfig
	logger    *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	slots   chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	queues map[string][]task
	active map[string]bool
	closed bool
}

// NewEngine creates an Engine. notifier may be nil.
func NewEngine(log *slog.Logger, st Store, registry *channel.Registry, opener CredentialOpener,
	breaker *Breaker, scheduler *Scheduler, notifier Notifier, cfg config.DeliveryConfig) *Engine {
	if log == nil {
		log = slog.Default()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     st,
		registry:  registry,
		opener:    opener,
		breaker:   breaker,
		scheduler: scheduler,
		notifier:  notifier,
		cfg:       cfg,
		logger:    log.With(slog.String("service", "delivery")),
		baseCtx:   ctx,
		cancel:    cancel,
		slots:     make(chan struct{}, workers),
		queues:    make(map[string][]task),
		active:    make(map[string]bool),
	}
}

// SubmitInput is an agent message to send.
type SubmitInput struct {
	Content            string
	Type               channel.MessageType
	Attachments        []channel.Attachment
	ResponseExternalID string
}

// Submit persists an agent message as pending and queues its first delivery
// attempt. The caller gets the persisted row back immediately; delivery is
// asynchronous.
func (e *Engine) Submit(ctx context.Context, chat store.Chat, in SubmitInput) (store.Message, error) {
	msgType := in.Type
	if msgType == "" {
		msgType = channel.MessageText
	}
	metadata := map[string]any{metadataAttempts: 0}
	if in.ResponseExternalID != "" {
		metadata["response_external_id"] = in.ResponseExternalID
	}
	msg, err := e.store.InsertMessage(ctx, store.InsertMessageInput{
		ChatID:      chat.ID,
		OrgID:       chat.OrgID,
		Content:     in.Content,
		Type:        msgType,
		SenderType:  store.SenderAgent,
		SystemSent:  true,
		Status:      channel.StatusPending,
		Metadata:    metadata,
		Attachments: in.Attachments,
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("persist outbound message: %w", err)
	}
	if err := e.store.TouchChatOnMessage(ctx, chat.ID, msg.ID, msg.CreatedAt, false); err != nil {
		e.logger.Warn("chat activity update failed",
			slog.String("chat_id", chat.ID), slog.Any("error", err))
	}
	e.Enqueue(msg.ID, chat.ID)
	return msg, nil
}

// Enqueue adds a delivery attempt for a persisted message to its chat's
// queue. It is safe to enqueue the same message again after a restart.
func (e *Engine) Enqueue(messageID, chatID string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.queues[chatID] = append(e.queues[chatID], task{messageID: messageID, chatID: chatID})
	starting := !e.active[chatID]
	if starting {
		e.active[chatID] = true
		e.wg.Add(1)
	}
	e.mu.Unlock()

	if starting {
		go e.drainChat(chatID)
	}
}

// Close stops accepting work, cancels pending retries, and waits for
// in-flight deliveries to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	e.queues = make(map[string][]task)
	e.mu.Unlock()
	e.scheduler.Stop()
	e.cancel()
	e.wg.Wait()
}

// drainChat delivers a chat's queued messages strictly in order.
func (e *Engine) drainChat(chatID string) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		queue := e.queues[chatID]
		if len(queue) == 0 || e.closed {
			delete(e.queues, chatID)
			e.active[chatID] = false
			e.mu.Unlock()
			return
		}
		next := queue[0]
		e.queues[chatID] = queue[1:]
		e.mu.Unlock()

		select {
		case e.slots <- struct{}{}:
		case <-e.baseCtx.Done():
			return
		}
		e.deliver(next)
		<-e.slots
	}
}

// deliver runs one attempt for one message.
func (e *Engine) deliver(t task) {
	ctx, cancel := context.WithTimeout(e.baseCtx, sendTimeout)
	defer cancel()

	msg, err := e.store.GetMessage(ctx, t.messageID)
	if err != nil {
		e.logger.Error("queued message vanished",
			slog.String("message_id", t.messageID), slog.Any("error", err))
		return
	}
	if msg.Status != channel.StatusPending && msg.Status != channel.StatusRetry {
		// A receipt already moved it forward, or an operator resolved it.
		return
	}

	chat, ch, err := e.loadRoute(ctx, msg)
	if err != nil {
		e.fail(ctx, msg, ch, err)
		return
	}

	externalID, sendErr := e.send(ctx, ch, chat, msg)
	if sendErr == nil {
		e.succeed(ctx, msg, ch, externalID)
		return
	}

	var cfgErr *ConfigurationError
	if errors.As(sendErr, &cfgErr) {
		e.fail(ctx, msg, ch, sendErr)
		return
	}

	attempt := attemptCount(msg) + 1
	maxAttempts := e.cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if attempt >= maxAttempts {
		e.fail(ctx, msg, ch, fmt.Errorf("attempt %d/%d: %w", attempt, maxAttempts, sendErr))
		return
	}

	errText := fmt.Sprintf("attempt %d/%d: %v", attempt, maxAttempts, sendErr)
	metadata := cloneMetadata(msg.Metadata)
	metadata[metadataAttempts] = attempt
	if _, err := e.store.UpdateMessageDelivery(ctx, store.UpdateDeliveryInput{
		ID:           msg.ID,
		Status:       channel.StatusRetry,
		ErrorMessage: &errText,
		Metadata:     metadata,
	}); err != nil {
		e.logger.Error("retry bookkeeping failed",
			slog.String("message_id", msg.ID), slog.Any("error", err))
		return
	}
	e.logger.Warn("delivery attempt failed",
		slog.String("message_id", msg.ID),
		slog.Int("attempt", attempt),
		slog.Any("error", sendErr))
	e.scheduler.After(e.cfg.RetryDelay(), func() {
		e.Enqueue(msg.ID, msg.ChatID)
	})
}

// loadRoute loads the chat and channel for a message and validates the
// channel is usable.
func (e *Engine) loadRoute(ctx context.Context, msg store.Message) (store.Chat, store.Channel, error) {
	chat, err := e.store.GetChat(ctx, msg.ChatID)
	if err != nil {
		return store.Chat{}, store.Channel{}, fmt.Errorf("load chat: %w", err)
	}
	ch, err := e.store.GetChannel(ctx, chat.ChannelID)
	if err != nil {
		return chat, store.Channel{}, fmt.Errorf("load channel: %w", err)
	}
	if !ch.IsConnected {
		return chat, ch, &ConfigurationError{Reason: "channel is disconnected"}
	}
	return chat, ch, nil
}

// send resolves the sender and performs the provider call.
func (e *Engine) send(ctx context.Context, ch store.Channel, chat store.Chat, msg store.Message) (string, error) {
	sender, ok := e.registry.GetSender(ch.Type)
	if !ok {
		return "", &ConfigurationError{Reason: fmt.Sprintf("no sender for channel type %s", ch.Type)}
	}

	info := channel.Info{ID: ch.ID, OrgID: ch.OrgID, Type: ch.Type, Settings: ch.Settings}
	if ch.Credentials != "" {
		plaintext, err := e.opener.Open(ch.Credentials)
		if err != nil {
			return "", &ConfigurationError{Reason: "credentials cannot be decrypted"}
		}
		if err := json.Unmarshal(plaintext, &info.Credentials); err != nil {
			return "", &ConfigurationError{Reason: "credentials are not valid JSON"}
		}
	}

	content := msg.Content
	if formatter, ok := e.registry.GetFormatter(ch.Type); ok {
		content = formatter.FormatContent(content)
	}

	responseID, _ := msg.Metadata["response_external_id"].(string)
	return sender.Send(ctx, info, channel.SendInput{
		To:                chat.ExternalID,
		ChatID:            chat.ID,
		Content:           content,
		Type:              msg.Type,
		Attachments:       msg.Attachments,
		ResponseMessageID: responseID,
	})
}

func (e *Engine) succeed(ctx context.Context, msg store.Message, ch store.Channel, externalID string) {
	noError := ""
	metadata := cloneMetadata(msg.Metadata)
	metadata[metadataAttempts] = attemptCount(msg) + 1
	stamps, _ := metadata["status_timestamps"].(map[string]any)
	if stamps == nil {
		stamps = make(map[string]any)
	}
	stamps[string(channel.StatusSent)] = time.Now().UTC().Format(time.RFC3339Nano)
	metadata["status_timestamps"] = stamps

	updated, err := e.store.UpdateMessageDelivery(ctx, store.UpdateDeliveryInput{
		ID:           msg.ID,
		Status:       channel.StatusSent,
		ErrorMessage: &noError,
		ExternalID:   externalID,
		Metadata:     metadata,
	})
	if err != nil {
		e.logger.Error("send bookkeeping failed",
			slog.String("message_id", msg.ID), slog.Any("error", err))
		return
	}
	e.logger.Info("message sent",
		slog.String("message_id", msg.ID),
		slog.String("channel_id", ch.ID),
		slog.String("provider_message_id", externalID))
	e.publish(ctx, ch, updated)
}

func (e *Engine) fail(ctx context.Context, msg store.Message, ch store.Channel, cause error) {
	errText := cause.Error()
	metadata := cloneMetadata(msg.Metadata)
	metadata[metadataAttempts] = attemptCount(msg) + 1
	updated, err := e.store.UpdateMessageDelivery(ctx, store.UpdateDeliveryInput{
		ID:           msg.ID,
		Status:       channel.StatusFailed,
		ErrorMessage: &errText,
		Metadata:     metadata,
	})
	if err != nil {
		e.logger.Error("failure bookkeeping failed",
			slog.String("message_id", msg.ID), slog.Any("error", err))
		return
	}
	e.logger.Error("message delivery failed",
		slog.String("message_id", msg.ID),
		slog.String("channel_id", ch.ID),
		slog.String("error", errText))
	e.publish(ctx, ch, updated)

	if e.breaker != nil && ch.ID != "" {
		if _, err := e.breaker.Evaluate(ctx, ch); err != nil {
			e.logger.Error("breaker evaluation failed",
				slog.String("channel_id", ch.ID), slog.Any("error", err))
		}
	}
}

func (e *Engine) publish(ctx context.Context, ch store.Channel, msg store.Message) {
	if e.notifier == nil {
		return
	}
	err := e.notifier.Publish(ctx, notify.KeyMessageStatus, notify.MessageEvent{
		OrgID:     ch.OrgID,
		ChannelID: ch.ID,
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		Direction: string(channel.DirectionOutbound),
		Status:    string(msg.Status),
		At:        time.Now().UTC(),
	})
	if err != nil {
		e.logger.Warn("delivery event publish failed",
			slog.String("message_id", msg.ID), slog.Any("error", err))
	}
}

func attemptCount(msg store.Message) int {
	switch v := msg.Metadata[metadataAttempts].(type) {
	case int:
		return v
	case float64:
		return int(v)
	default:
		return 0
	}
}

func cloneMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
