package status

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/store"
)

const (
	// fallbackScanLimit bounds the recent-message scan used when a receipt
	// carries a provider id we never recorded.
	fallbackScanLimit = 20

	metadataTimestamps = "status_timestamps"
	metadataAudit      = "status_updates"
)

// Store is the persistence surface the reconciler needs.
type Store interface {
	GetMessageByExternalID(ctx context.Context, orgID, externalID string) (store.Message, error)
	ListRecentAgentMessages(ctx context.Context, chatID string, limit int32) ([]store.Message, error)
	UpdateMessageDelivery(ctx context.Context, input store.UpdateDeliveryInput) (store.Message, error)
}

// Reconciler applies provider delivery receipts to stored messages.
type Reconciler struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Reconciler.
func New(log *slog.Logger, st Store) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		store:  st,
		logger: log.With(slog.String("service", "status")),
		now:    time.Now,
	}
}

// Apply reconciles one receipt. Unmatched receipts are dropped with a warning
// and a nil error: a receipt for a message we never stored is not a fault.
//
// Receipts arrive out of order, so the update is monotonic: a receipt whose
// status ranks at or below the current one only lands in the metadata audit
// trail, except that equal-rank receipts with a newer event timestamp refresh
// the recorded timestamp, and failed always applies. Every matched receipt is
// recorded in metadata even when the status itself does not move.
func (r *Reconciler) Apply(ctx context.Context, orgID string, update channel.NormalizedStatusUpdate) error {
	msg, ok, err := r.locate(ctx, orgID, update)
	if err != nil {
		return err
	}
	if !ok {
		r.logger.Warn("status receipt matched no message",
			slog.String("org_id", orgID),
			slog.String("provider_message_id", update.MessageID),
			slog.String("status", string(update.Status)))
		return nil
	}

	eventAt := update.Timestamp
	if eventAt.IsZero() {
		eventAt = r.now()
	}

	applied := r.shouldApply(msg, update.Status, eventAt)

	input := store.UpdateDeliveryInput{
		ID:         msg.ID,
		Status:     msg.Status,
		ExternalID: update.MessageID,
		Metadata:   r.recordReceipt(msg, update, eventAt, applied),
	}
	if applied {
		input.Status = update.Status
	}

	// The error column mirrors the latest receipt for the message even when
	// the status itself does not move: a stale receipt can still carry a
	// provider diagnostic worth surfacing.
	errText := update.Error
	if applied && update.Status == channel.StatusFailed && errText == "" {
		errText = "delivery failed"
	}
	input.ErrorMessage = &errText

	if _, err := r.store.UpdateMessageDelivery(ctx, input); err != nil {
		return err
	}

	r.logger.Debug("status receipt reconciled",
		slog.String("message_id", msg.ID),
		slog.String("from", string(msg.Status)),
		slog.String("to", string(input.Status)),
		slog.Bool("applied", applied))
	return nil
}

// locate finds the message a receipt refers to: by provider id first, then a
// bounded scan of the hinted chat's recent agent messages for one that never
// had its provider id recorded.
func (r *Reconciler) locate(ctx context.Context, orgID string, update channel.NormalizedStatusUpdate) (store.Message, bool, error) {
	msg, err := r.store.GetMessageByExternalID(ctx, orgID, update.MessageID)
	if err == nil {
		return msg, true, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.Message{}, false, err
	}
	if update.ChatIDHint == "" {
		return store.Message{}, false, nil
	}

	recent, err := r.store.ListRecentAgentMessages(ctx, update.ChatIDHint, fallbackScanLimit)
	if err != nil {
		return store.Message{}, false, err
	}
	for _, m := range recent {
		if m.ExternalID == "" && !Terminal(m.Status) {
			return m, true, nil
		}
	}
	return store.Message{}, false, nil
}

func (r *Reconciler) shouldApply(msg store.Message, next channel.MessageStatus, eventAt time.Time) bool {
	if Terminal(msg.Status) {
		return false
	}
	if next == channel.StatusFailed {
		return true
	}
	cur, nxt := Rank(msg.Status), Rank(next)
	if nxt > cur {
		return true
	}
	if nxt == cur {
		return !eventAt.Before(r.recordedAt(msg, msg.Status))
	}
	return false
}

// recordedAt returns the event timestamp previously recorded for a status,
// or zero time when none was.
func (r *Reconciler) recordedAt(msg store.Message, s channel.MessageStatus) time.Time {
	stamps, _ := msg.Metadata[metadataTimestamps].(map[string]any)
	raw, _ := stamps[string(s)].(string)
	if raw == "" {
		return time.Time{}
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return at
}

// recordReceipt returns the replacement metadata map carrying the receipt's
// timestamp entry and its audit record. The first timestamp recorded for a
// status wins; later receipts for the same status only refresh it when the
// status is re-applied.
func (r *Reconciler) recordReceipt(msg store.Message, update channel.NormalizedStatusUpdate, eventAt time.Time, applied bool) map[string]any {
	metadata := make(map[string]any, len(msg.Metadata)+2)
	for k, v := range msg.Metadata {
		metadata[k] = v
	}

	stamps, _ := metadata[metadataTimestamps].(map[string]any)
	if stamps == nil {
		stamps = make(map[string]any)
	} else {
		copied := make(map[string]any, len(stamps))
		for k, v := range stamps {
			copied[k] = v
		}
		stamps = copied
	}
	if _, exists := stamps[string(update.Status)]; !exists || applied {
		stamps[string(update.Status)] = eventAt.UTC().Format(time.RFC3339Nano)
	}
	metadata[metadataTimestamps] = stamps

	entry := map[string]any{
		"status":  string(update.Status),
		"at":      eventAt.UTC().Format(time.RFC3339Nano),
		"applied": applied,
	}
	if update.Error != "" {
		entry["error"] = update.Error
	}
	audit, _ := metadata[metadataAudit].([]any)
	metadata[metadataAudit] = append(append([]any{}, audit...), entry)

	return metadata
}
