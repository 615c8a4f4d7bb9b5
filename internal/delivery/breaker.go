package delivery

import (
	"context"
	"log/slog"
	"time"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/notify"
	"github.com/loopdesk/loopdesk/internal/store"
)

const (
	// breakerWindow is how many recent system-sent messages the breaker
	// samples; breakerThreshold is how many of them must have failed to
	// trip it.
	breakerWindow    = 8
	breakerThreshold = 6
)

// BreakerStore is the persistence surface the circuit breaker needs.
type BreakerStore interface {
	ListRecentSystemMessages(ctx context.Context, channelID string, limit int32) ([]store.Message, error)
	DisconnectChannel(ctx context.Context, channelID, reason string, at time.Time) error
}

// Breaker disconnects a channel whose recent deliveries keep failing, so a
// dead integration stops burning retries and the operator gets a clear
// signal to reconnect it.
//
// State lives in the message rows themselves: the breaker samples the last
// few system-sent messages on the channel, which survives restarts for free.
type Breaker struct {
	store    BreakerStore
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewBreaker creates a Breaker. notifier may be nil.
func NewBreaker(log *slog.Logger, st BreakerStore, notifier Notifier) *Breaker {
	if log == nil {
		log = slog.Default()
	}
	return &Breaker{
		store:    st,
		notifier: notifier,
		logger:   log.With(slog.String("service", "breaker")),
		now:      time.Now,
	}
}

// Evaluate checks the channel's recent delivery outcomes and disconnects it
// when the failure threshold is reached. It reports whether it tripped.
func (b *Breaker) Evaluate(ctx context.Context, ch store.Channel) (bool, error) {
	recent, err := b.store.ListRecentSystemMessages(ctx, ch.ID, breakerWindow)
	if err != nil {
		return false, err
	}
	failed := 0
	for _, m := range recent {
		if m.Status == channel.StatusFailed {
			failed++
		}
	}
	if failed < breakerThreshold {
		return false, nil
	}

	reason := "too many consecutive delivery failures"
	at := b.now()
	if err := b.store.DisconnectChannel(ctx, ch.ID, reason, at); err != nil {
		return false, err
	}
	b.logger.Warn("channel disconnected by circuit breaker",
		slog.String("channel_id", ch.ID),
		slog.Int("failed", failed),
		slog.Int("sampled", len(recent)))

	if b.notifier != nil {
		err := b.notifier.Publish(ctx, notify.KeyChannelDisconnected, notify.ChannelEvent{
			OrgID:     ch.OrgID,
			ChannelID: ch.ID,
			Reason:    reason,
			At:        at,
		})
		if err != nil {
			b.logger.Warn("disconnect event publish failed",
				slog.String("channel_id", ch.ID), slog.Any("error", err))
		}
	}
	return true, nil
}
