package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/store"
)

type fakeWebhookStore struct {
	channels map[string]store.Channel
}

func (f *fakeWebhookStore) GetChannel(_ context.Context, id string) (store.Channel, error) {
	ch, ok := f.channels[id]
	if !ok {
		return store.Channel{}, store.ErrNotFound
	}
	return ch, nil
}

type fakeIngestor struct {
	events []channel.WebhookEvent
	err    error
}

func (f *fakeIngestor) ProcessWebhook(_ context.Context, _ store.Channel, event channel.WebhookEvent) error {
	f.events = append(f.events, event)
	return f.err
}

type stubAdapter struct {
	event channel.WebhookEvent
	err   error
}

func (a *stubAdapter) Type() channel.Type {
	return channel.TypeWhatsAppCloud
}

func (a *stubAdapter) ParseWebhook([]byte) (channel.WebhookEvent, error) {
	return a.event, a.err
}

func newWebhookEnv(adapter channel.Adapter, ingestor *fakeIngestor) (*echo.Echo, *fakeWebhookStore) {
	st := &fakeWebhookStore{channels: map[string]store.Channel{
		"chan-1": {ID: "chan-1", OrgID: "org-1", Type: channel.TypeWhatsAppCloud},
	}}
	registry := channel.NewRegistry()
	registry.MustRegister(adapter)
	e := echo.New()
	NewWebhookHandler(slog.Default(), st, registry, ingestor).Register(e)
	return e, st
}

func postWebhook(e *echo.Echo, channelID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+channelID, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestReceiveAcksAndIngests(t *testing.T) {
	ingestor := &fakeIngestor{}
	adapter := &stubAdapter{event: channel.WebhookEvent{
		Messages: []channel.NormalizedMessage{{MessageID: "m1"}},
	}}
	e, _ := newWebhookEnv(adapter, ingestor)

	rec := postWebhook(e, "chan-1", `{"ok":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(ingestor.events) != 1 {
		t.Errorf("ingested events = %d, want 1", len(ingestor.events))
	}
}

func TestReceiveUnknownChannel(t *testing.T) {
	e, _ := newWebhookEnv(&stubAdapter{}, &fakeIngestor{})
	rec := postWebhook(e, "missing", `{}`)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestReceiveValidationErrorIs400(t *testing.T) {
	adapter := &stubAdapter{err: channel.NewValidationError("garbage payload")}
	e, _ := newWebhookEnv(adapter, &fakeIngestor{})
	rec := postWebhook(e, "chan-1", `garbage`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestReceivePipelineFailureIs500(t *testing.T) {
	ingestor := &fakeIngestor{err: errors.New("database down")}
	e, _ := newWebhookEnv(&stubAdapter{}, ingestor)
	rec := postWebhook(e, "chan-1", `{}`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 so the provider redelivers", rec.Code)
	}
}
