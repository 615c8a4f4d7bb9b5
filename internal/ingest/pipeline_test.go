package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/flow"
	"github.com/loopdesk/loopdesk/internal/resolver"
	"github.com/loopdesk/loopdesk/internal/store"
)

type fakeStore struct {
	byExternal map[string]store.Message
	inserted   []store.Message
	touches    []string
	cleared    []string
	nextID     int
}

func newStore() *fakeStore {
	return &fakeStore{byExternal: make(map[string]store.Message)}
}

func (f *fakeStore) GetMessageByExternalID(_ context.Context, _, externalID string) (store.Message, error) {
	if m, ok := f.byExternal[externalID]; ok {
		return m, nil
	}
	return store.Message{}, store.ErrNotFound
}

func (f *fakeStore) InsertMessage(_ context.Context, input store.InsertMessageInput) (store.Message, error) {
	f.nextID++
	m := store.Message{
		ID:          fmt.Sprintf("msg-%d", f.nextID),
		ChatID:      input.ChatID,
		OrgID:       input.OrgID,
		ExternalID:  input.ExternalID,
		Content:     input.Content,
		Type:        input.Type,
		SenderType:  input.SenderType,
		SystemSent:  input.SystemSent,
		Status:      input.Status,
		Metadata:    input.Metadata,
		Attachments: input.Attachments,
		CreatedAt:   time.Now(),
	}
	f.inserted = append(f.inserted, m)
	if m.ExternalID != "" {
		f.byExternal[m.ExternalID] = m
	}
	return m, nil
}

func (f *fakeStore) TouchChatOnMessage(_ context.Context, chatID, _ string, _ time.Time, _ bool) error {
	f.touches = append(f.touches, chatID)
	return nil
}

func (f *fakeStore) ClearChatFirstMessage(_ context.Context, chatID string) error {
	f.cleared = append(f.cleared, chatID)
	return nil
}

type fakeResolver struct {
	result resolver.Result
	err    error
}

func (f *fakeResolver) Resolve(_ context.Context, _ resolver.Input) (resolver.Result, error) {
	return f.result, f.err
}

type fakeStatus struct {
	applied []channel.NormalizedStatusUpdate
	err     error
}

func (f *fakeStatus) Apply(_ context.Context, _ string, u channel.NormalizedStatusUpdate) error {
	f.applied = append(f.applied, u)
	return f.err
}

type fakeMedia struct {
	attachment channel.Attachment
	ok         bool
	err        error
}

func (f *fakeMedia) Resolve(_ context.Context, _ string, _ channel.Content) (channel.Attachment, bool, error) {
	return f.attachment, f.ok, f.err
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Enabled() bool { return true }

func (f *fakeTranscriber) Transcribe(_ context.Context, _, _ string) (string, error) {
	return f.text, f.err
}

type fakeFlow struct {
	events []flow.IncomingMessage
}

func (f *fakeFlow) Enabled() bool { return true }

func (f *fakeFlow) TriggerIncoming(_ context.Context, e flow.IncomingMessage) error {
	f.events = append(f.events, e)
	return nil
}

type fakeNotifier struct {
	keys []string
}

func (f *fakeNotifier) Publish(_ context.Context, key string, _ any) error {
	f.keys = append(f.keys, key)
	return nil
}

func testChannel() store.Channel {
	return store.Channel{ID: "chan-1", OrgID: "org-1", Type: channel.TypeWhatsAppCloud}
}

func testResult(first bool) resolver.Result {
	return resolver.Result{
		Chat:           store.Chat{ID: "chat-1", CustomerID: "cust-1"},
		Customer:       store.Customer{ID: "cust-1"},
		IsFirstMessage: first,
	}
}

func inboundText(id, text string) channel.NormalizedMessage {
	return channel.NormalizedMessage{
		MessageID:  id,
		Timestamp:  time.Now(),
		ExternalID: "+5511988887777",
		Direction:  channel.DirectionInbound,
		Event:      channel.EventMessageReceived,
		Content:    channel.Content{Type: channel.MessageText, Text: text},
	}
}

func TestProcessMessagePersistsInbound(t *testing.T) {
	fs := newStore()
	notifier := &fakeNotifier{}
	p := New(nil, fs, &fakeResolver{result: testResult(false)}, &fakeStatus{}, nil, nil, nil, notifier)

	if err := p.ProcessMessage(context.Background(), testChannel(), inboundText("ext-1", "hello")); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if len(fs.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(fs.inserted))
	}
	got := fs.inserted[0]
	if got.SenderType != store.SenderCustomer {
		t.Errorf("sender = %q, want customer", got.SenderType)
	}
	if got.Status != channel.StatusDelivered {
		t.Errorf("status = %q, want delivered", got.Status)
	}
	if got.Metadata["direction"] != "inbound" {
		t.Errorf("metadata direction = %v, want inbound", got.Metadata["direction"])
	}
	if len(fs.touches) != 1 || fs.touches[0] != "chat-1" {
		t.Errorf("chat touches = %v", fs.touches)
	}
	if len(notifier.keys) != 1 || notifier.keys[0] != "message.received" {
		t.Errorf("published keys = %v", notifier.keys)
	}
}

func TestProcessMessageDeduplicates(t *testing.T) {
	fs := newStore()
	p := New(nil, fs, &fakeResolver{result: testResult(false)}, &fakeStatus{}, nil, nil, nil, nil)
	ctx := context.Background()

	msg := inboundText("ext-1", "hello")
	if err := p.ProcessMessage(ctx, testChannel(), msg); err != nil {
		t.Fatalf("first ProcessMessage: %v", err)
	}
	if err := p.ProcessMessage(ctx, testChannel(), msg); err != nil {
		t.Fatalf("replay ProcessMessage: %v", err)
	}
	if len(fs.inserted) != 1 {
		t.Errorf("inserted = %d after replay, want 1", len(fs.inserted))
	}
}

func TestProcessMessageSkipsGroups(t *testing.T) {
	fs := newStore()
	p := New(nil, fs, &fakeResolver{result: testResult(false)}, &fakeStatus{}, nil, nil, nil, nil)

	msg := inboundText("ext-1", "hello")
	msg.IsGroup = true
	if err := p.ProcessMessage(context.Background(), testChannel(), msg); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if len(fs.inserted) != 0 {
		t.Errorf("group message was persisted")
	}
}

func TestProcessMessageOutboundEcho(t *testing.T) {
	fs := newStore()
	notifier := &fakeNotifier{}
	p := New(nil, fs, &fakeResolver{result: testResult(false)}, &fakeStatus{}, nil, nil, nil, notifier)

	msg := inboundText("ext-1", "typed on the phone")
	msg.Direction = channel.DirectionOutbound
	msg.Event = channel.EventMessageSent
	if err := p.ProcessMessage(context.Background(), testChannel(), msg); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	got := fs.inserted[0]
	if got.SenderType != store.SenderAgent {
		t.Errorf("sender = %q, want agent", got.SenderType)
	}
	if got.Status != channel.StatusSent {
		t.Errorf("status = %q, want sent", got.Status)
	}
	if got.SystemSent {
		t.Error("provider echo must not be marked system sent")
	}
	if len(notifier.keys) != 1 || notifier.keys[0] != "message.sent" {
		t.Errorf("published keys = %v", notifier.keys)
	}
}

func TestProcessMessageEchoOfAPISendUpdatesStatusOnly(t *testing.T) {
	fs := newStore()
	fs.byExternal["ext-1"] = store.Message{
		ID: "msg-api", ChatID: "chat-1", ExternalID: "ext-1",
		SenderType: store.SenderAgent, SystemSent: true, Status: channel.StatusPending,
	}
	status := &fakeStatus{}
	p := New(nil, fs, &fakeResolver{result: testResult(false)}, status, nil, nil, nil, nil)

	msg := inboundText("ext-1", "sent via api")
	msg.Direction = channel.DirectionOutbound
	msg.Event = channel.EventMessageSent
	if err := p.ProcessMessage(context.Background(), testChannel(), msg); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if len(fs.inserted) != 0 {
		t.Error("echo of an API send created a second row")
	}
	if len(status.applied) != 1 || status.applied[0].Status != channel.StatusSent {
		t.Errorf("status updates = %+v, want one sent confirmation", status.applied)
	}
}

func TestProcessMessageStripsBinaryMetadata(t *testing.T) {
	fs := newStore()
	p := New(nil, fs, &fakeResolver{result: testResult(false)}, &fakeStatus{}, nil, nil, nil, nil)

	msg := inboundText("ext-1", "")
	msg.Content.Raw = map[string]any{
		"base64":        "AAAA",
		"jpegThumbnail": "BBBB",
		"mimetype":      "image/jpeg",
		"imageMessage":  map[string]any{"thumbnail": "CCCC", "width": 640},
	}
	if err := p.ProcessMessage(context.Background(), testChannel(), msg); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	metadata := fs.inserted[0].Metadata
	for _, key := range []string{"base64", "jpegThumbnail"} {
		if _, ok := metadata[key]; ok {
			t.Errorf("binary key %q survived canonicalization", key)
		}
	}
	nested := metadata["imageMessage"].(map[string]any)
	if _, ok := nested["thumbnail"]; ok {
		t.Error("nested binary key survived canonicalization")
	}
	if nested["width"] != 640 {
		t.Error("non-binary nested field was dropped")
	}
	if metadata["mimetype"] != "image/jpeg" {
		t.Error("non-binary field was dropped")
	}
}

func TestProcessMessageMediaFailureStillPersists(t *testing.T) {
	fs := newStore()
	media := &fakeMedia{err: errors.New("download timed out")}
	p := New(nil, fs, &fakeResolver{result: testResult(false)}, &fakeStatus{}, media, nil, nil, nil)

	msg := inboundText("ext-1", "")
	msg.Content.Type = channel.MessageImage
	msg.Content.MediaURL = "https://cdn.example.com/img"
	if err := p.ProcessMessage(context.Background(), testChannel(), msg); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	got := fs.inserted[0]
	if len(got.Attachments) != 0 {
		t.Error("failed media produced an attachment")
	}
	if got.Metadata["media_error"] == nil {
		t.Error("media failure not recorded in metadata")
	}
}

func TestProcessMessageTranscribesVoiceNote(t *testing.T) {
	fs := newStore()
	media := &fakeMedia{attachment: channel.Attachment{URL: "https://files/x.ogg", MimeType: "audio/ogg"}, ok: true}
	p := New(nil, fs, &fakeResolver{result: testResult(false)}, &fakeStatus{}, media, &fakeTranscriber{text: "call me back"}, nil, nil)

	msg := inboundText("ext-1", "")
	msg.Content.Type = channel.MessageAudio
	msg.Content.MediaURL = "https://cdn.example.com/voice"
	if err := p.ProcessMessage(context.Background(), testChannel(), msg); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	got := fs.inserted[0]
	if got.Content != "call me back" {
		t.Errorf("content = %q, want transcript", got.Content)
	}
	if got.Metadata["transcribed"] != true {
		t.Error("transcription not flagged in metadata")
	}
}

func TestProcessMessageFirstMessageTriggersFlow(t *testing.T) {
	fs := newStore()
	fl := &fakeFlow{}
	p := New(nil, fs, &fakeResolver{result: testResult(true)}, &fakeStatus{}, nil, nil, fl, nil)

	if err := p.ProcessMessage(context.Background(), testChannel(), inboundText("ext-1", "hi")); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if len(fl.events) != 1 {
		t.Fatalf("flow events = %d, want 1", len(fl.events))
	}
	if !fl.events[0].IsFirstMessage {
		t.Error("flow event not flagged as first message")
	}
	if len(fs.cleared) != 1 || fs.cleared[0] != "chat-1" {
		t.Errorf("first-message flag clears = %v", fs.cleared)
	}
}

func TestProcessWebhookRoutesStatusesAndJoinsErrors(t *testing.T) {
	fs := newStore()
	status := &fakeStatus{}
	p := New(nil, fs, &fakeResolver{err: errors.New("database down")}, status, nil, nil, nil, nil)

	event := channel.WebhookEvent{
		Messages: []channel.NormalizedMessage{inboundText("ext-1", "hi")},
		Statuses: []channel.NormalizedStatusUpdate{
			{MessageID: "wamid.1", Status: channel.StatusDelivered, Timestamp: time.Now()},
		},
	}
	err := p.ProcessWebhook(context.Background(), testChannel(), event)
	if err == nil {
		t.Fatal("expected joined error from failing message")
	}
	if len(status.applied) != 1 {
		t.Errorf("status updates applied = %d, want 1 despite message failure", len(status.applied))
	}
}
