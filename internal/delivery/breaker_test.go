package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/notify"
	"github.com/loopdesk/loopdesk/internal/store"
)

type recordingNotifier struct {
	keys []string
}

func (r *recordingNotifier) Publish(_ context.Context, key string, _ any) error {
	r.keys = append(r.keys, key)
	return nil
}

func seedOutcomes(fs *fakeStore, failed, ok int) store.Channel {
	ch := store.Channel{ID: "chan-1", OrgID: "org-1", Type: channel.TypeWhatsAppCloud, IsConnected: true}
	fs.addChannel(ch)
	fs.addChat(store.Chat{ID: "chat-1", OrgID: "org-1", ChannelID: "chan-1"})
	ctx := context.Background()
	for i := 0; i < failed; i++ {
		fs.InsertMessage(ctx, store.InsertMessageInput{
			ChatID: "chat-1", OrgID: "org-1", SenderType: store.SenderAgent,
			SystemSent: true, Status: channel.StatusFailed,
		})
	}
	for i := 0; i < ok; i++ {
		fs.InsertMessage(ctx, store.InsertMessageInput{
			ChatID: "chat-1", OrgID: "org-1", SenderType: store.SenderAgent,
			SystemSent: true, Status: channel.StatusSent,
		})
	}
	return ch
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	fs := newFakeStore()
	ch := seedOutcomes(fs, 6, 2)
	notifier := &recordingNotifier{}
	b := NewBreaker(nil, fs, notifier)

	tripped, err := b.Evaluate(context.Background(), ch)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !tripped {
		t.Fatal("breaker did not trip at 6 failures of 8")
	}
	if len(fs.disconnects) != 1 || fs.disconnects[0] != "chan-1" {
		t.Errorf("disconnects = %v", fs.disconnects)
	}
	if len(notifier.keys) != 1 || notifier.keys[0] != notify.KeyChannelDisconnected {
		t.Errorf("published keys = %v", notifier.keys)
	}
}

func TestBreakerHoldsBelowThreshold(t *testing.T) {
	fs := newFakeStore()
	ch := seedOutcomes(fs, 5, 3)
	b := NewBreaker(nil, fs, nil)

	tripped, err := b.Evaluate(context.Background(), ch)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if tripped {
		t.Fatal("breaker tripped below threshold")
	}
	if len(fs.disconnects) != 0 {
		t.Errorf("disconnects = %v, want none", fs.disconnects)
	}
}

func TestSchedulerAfterAndStop(t *testing.T) {
	s := NewScheduler()
	fired := make(chan struct{})
	s.After(10*time.Millisecond, func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("scheduled function never ran")
	}

	ran := false
	s.After(50*time.Millisecond, func() { ran = true })
	s.Stop()
	time.Sleep(100 * time.Millisecond)
	if ran {
		t.Error("Stop did not cancel a pending timer")
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d after Stop, want 0", s.Pending())
	}

	s.After(time.Millisecond, func() { t.Error("After ran on a stopped scheduler") })
	time.Sleep(20 * time.Millisecond)
}
