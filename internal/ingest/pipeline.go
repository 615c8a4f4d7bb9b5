// Package ingest turns parsed webhook events into persisted messages.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/flow"
	"github.com/loopdesk/loopdesk/internal/notify"
	"github.com/loopdesk/loopdesk/internal/resolver"
	"github.com/loopdesk/loopdesk/internal/store"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	GetMessageByExternalID(ctx context.Context, orgID, externalID string) (store.Message, error)
	InsertMessage(ctx context.Context, input store.InsertMessageInput) (store.Message, error)
	TouchChatOnMessage(ctx context.Context, chatID, messageID string, at time.Time, fromCustomer bool) error
	ClearChatFirstMessage(ctx context.Context, chatID string) error
}

// ChatResolver finds or creates the chat and customer for a contact.
type ChatResolver interface {
	Resolve(ctx context.Context, in resolver.Input) (resolver.Result, error)
}

// StatusApplier reconciles delivery receipts.
type StatusApplier interface {
	Apply(ctx context.Context, orgID string, update channel.NormalizedStatusUpdate) error
}

// MediaResolver stores a message's media and returns the attachment.
type MediaResolver interface {
	Resolve(ctx context.Context, orgID string, content channel.Content) (channel.Attachment, bool, error)
}

// Transcriber converts voice-note audio to text.
type Transcriber interface {
	Enabled() bool
	Transcribe(ctx context.Context, url, mimeType string) (string, error)
}

// FlowTrigger fires automation events.
type FlowTrigger interface {
	Enabled() bool
	TriggerIncoming(ctx context.Context, event flow.IncomingMessage) error
}

// Notifier publishes pipeline events to the broker.
type Notifier interface {
	Publish(ctx context.Context, routingKey string, event any) error
}

// Pipeline processes the normalized output of channel adapters: dedup,
// chat resolution, media capture, persistence, and downstream notification.
type Pipeline struct {
	store      Store
	resolver   ChatResolver
	status     StatusApplier
	media      MediaResolver
	transcribe Transcriber
	flow       FlowTrigger
	notifier   Notifier
	logger     *slog.Logger
}

// New creates a Pipeline. Media, transcribe, flow, and notifier may be nil.
func New(log *slog.Logger, st Store, res ChatResolver, status StatusApplier,
	media MediaResolver, transcriber Transcriber, flowTrigger FlowTrigger, notifier Notifier) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		store:      st,
		resolver:   res,
		status:     status,
		media:      media,
		transcribe: transcriber,
		flow:       flowTrigger,
		notifier:   notifier,
		logger:     log.With(slog.String("service", "ingest")),
	}
}

// ProcessWebhook runs every message and status update of one webhook
// invocation through the pipeline. Items are independent: one failing does
// not stop the rest, and the joined error reports all failures.
func (p *Pipeline) ProcessWebhook(ctx context.Context, ch store.Channel, event channel.WebhookEvent) error {
	var errs []error
	for _, msg := range event.Messages {
		if err := p.ProcessMessage(ctx, ch, msg); err != nil {
			p.logger.Error("message ingestion failed",
				slog.String("channel_id", ch.ID),
				slog.String("provider_message_id", msg.MessageID),
				slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	for _, update := range event.Statuses {
		if err := p.status.Apply(ctx, ch.OrgID, update); err != nil {
			p.logger.Error("status reconciliation failed",
				slog.String("channel_id", ch.ID),
				slog.String("provider_message_id", update.MessageID),
				slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ProcessMessage ingests one normalized message. Replayed provider ids are
// dropped silently, which makes webhook redelivery idempotent.
func (p *Pipeline) ProcessMessage(ctx context.Context, ch store.Channel, msg channel.NormalizedMessage) error {
	if msg.IsGroup {
		p.logger.Debug("group message skipped", slog.String("channel_id", ch.ID))
		return nil
	}
	if msg.MessageID != "" {
		existing, err := p.store.GetMessageByExternalID(ctx, ch.OrgID, msg.MessageID)
		switch {
		case err == nil:
			// Echo of a message we sent through the API: the provider id is
			// already on the row, so this only confirms the send. No second
			// row, ever.
			if existing.SystemSent && msg.Direction == channel.DirectionOutbound {
				return p.status.Apply(ctx, ch.OrgID, channel.NormalizedStatusUpdate{
					MessageID:  msg.MessageID,
					Status:     channel.StatusSent,
					Timestamp:  msg.Timestamp,
					ChatIDHint: existing.ChatID,
				})
			}
			p.logger.Debug("duplicate message skipped",
				slog.String("provider_message_id", msg.MessageID))
			return nil
		case !errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("dedup lookup: %w", err)
		}
	}

	res, err := p.resolver.Resolve(ctx, resolver.Input{
		Channel:        ch,
		ExternalID:     msg.ExternalID,
		DisplayName:    msg.ExternalName,
		ProfilePicture: msg.ExternalProfilePicture,
	})
	if err != nil {
		return err
	}

	fromCustomer := msg.Direction == channel.DirectionInbound
	metadata := canonicalMetadata(msg)

	var attachments []channel.Attachment
	if p.media != nil {
		attachment, ok, mediaErr := p.media.Resolve(ctx, ch.OrgID, msg.Content)
		switch {
		case mediaErr != nil:
			// The message still lands; the attachment is just gone.
			p.logger.Warn("media resolution failed",
				slog.String("provider_message_id", msg.MessageID),
				slog.Any("error", mediaErr))
			metadata["media_error"] = mediaErr.Error()
		case ok:
			attachments = append(attachments, attachment)
		}
	}

	content := msg.Content.Text
	if content == "" && fromCustomer && msg.Content.Type == channel.MessageAudio &&
		len(attachments) > 0 && p.transcribe != nil && p.transcribe.Enabled() {
		transcript, trErr := p.transcribe.Transcribe(ctx, attachments[0].URL, attachments[0].MimeType)
		if trErr != nil {
			p.logger.Warn("transcription failed",
				slog.String("provider_message_id", msg.MessageID), slog.Any("error", trErr))
		} else if transcript != "" {
			content = transcript
			metadata["transcribed"] = true
		}
	}

	input := store.InsertMessageInput{
		ChatID:      res.Chat.ID,
		OrgID:       ch.OrgID,
		ExternalID:  msg.MessageID,
		Content:     content,
		Type:        msg.Content.Type,
		SenderType:  store.SenderCustomer,
		Status:      channel.StatusDelivered,
		Metadata:    metadata,
		Attachments: attachments,
	}
	if !fromCustomer {
		// Echo of a message the agent sent from the provider's own app.
		input.SenderType = store.SenderAgent
		input.Status = channel.StatusSent
	}

	persisted, err := p.store.InsertMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}

	at := msg.Timestamp
	if at.IsZero() {
		at = persisted.CreatedAt
	}
	if err := p.store.TouchChatOnMessage(ctx, res.Chat.ID, persisted.ID, at, fromCustomer); err != nil {
		return fmt.Errorf("update chat activity: %w", err)
	}

	if fromCustomer && res.IsFirstMessage {
		p.triggerFlow(ctx, ch, res, persisted)
		if err := p.store.ClearChatFirstMessage(ctx, res.Chat.ID); err != nil {
			p.logger.Warn("clearing first-message flag failed",
				slog.String("chat_id", res.Chat.ID), slog.Any("error", err))
		}
	}

	p.publish(ctx, ch, res.Chat.ID, persisted, fromCustomer)
	return nil
}

func (p *Pipeline) triggerFlow(ctx context.Context, ch store.Channel, res resolver.Result, msg store.Message) {
	if p.flow == nil || !p.flow.Enabled() {
		return
	}
	err := p.flow.TriggerIncoming(ctx, flow.IncomingMessage{
		OrgID:          ch.OrgID,
		ChannelID:      ch.ID,
		ChatID:         res.Chat.ID,
		MessageID:      msg.ID,
		CustomerID:     res.Customer.ID,
		Content:        msg.Content,
		MessageType:    string(msg.Type),
		IsFirstMessage: true,
	})
	if err != nil {
		p.logger.Warn("flow trigger failed",
			slog.String("chat_id", res.Chat.ID), slog.Any("error", err))
	}
}

func (p *Pipeline) publish(ctx context.Context, ch store.Channel, chatID string, msg store.Message, fromCustomer bool) {
	if p.notifier == nil {
		return
	}
	key := notify.KeyMessageReceived
	direction := string(channel.DirectionInbound)
	if !fromCustomer {
		key = notify.KeyMessageSent
		direction = string(channel.DirectionOutbound)
	}
	err := p.notifier.Publish(ctx, key, notify.MessageEvent{
		OrgID:     ch.OrgID,
		ChannelID: ch.ID,
		ChatID:    chatID,
		MessageID: msg.ID,
		Direction: direction,
		Status:    string(msg.Status),
		At:        msg.CreatedAt,
	})
	if err != nil {
		p.logger.Warn("event publish failed",
			slog.String("message_id", msg.ID), slog.Any("error", err))
	}
}

// binaryMetadataKeys are provider payload fields that carry raw or base64
// binary and must never reach the metadata column. Stripping happens here,
// once, for every adapter.
var binaryMetadataKeys = map[string]struct{}{
	"base64":        {},
	"media_base64":  {},
	"body":          {},
	"data":          {},
	"thumbnail":     {},
	"jpegThumbnail": {},
}

// canonicalMetadata builds the metadata stored with a message from the
// adapter's raw payload, with binary fields stripped.
func canonicalMetadata(msg channel.NormalizedMessage) map[string]any {
	metadata := make(map[string]any, len(msg.Content.Raw)+2)
	for k, v := range msg.Content.Raw {
		if _, binary := binaryMetadataKeys[k]; binary {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			v = stripBinary(nested)
		}
		metadata[k] = v
	}
	metadata["direction"] = string(msg.Direction)
	if msg.ResponseExternalID != "" {
		metadata["response_external_id"] = msg.ResponseExternalID
	}
	return metadata
}

func stripBinary(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, binary := binaryMetadataKeys[k]; binary {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			v = stripBinary(nested)
		}
		out[k] = v
	}
	return out
}
