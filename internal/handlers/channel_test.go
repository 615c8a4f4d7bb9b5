package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/loopdesk/loopdesk/internal/channel"
	"github.com/loopdesk/loopdesk/internal/store"
)

type fakeChannelStore struct {
	channels     map[string]store.Channel
	reconnected  []string
	reconnectErr error
}

func (f *fakeChannelStore) GetChannel(_ context.Context, id string) (store.Channel, error) {
	ch, ok := f.channels[id]
	if !ok {
		return store.Channel{}, store.ErrNotFound
	}
	return ch, nil
}

func (f *fakeChannelStore) ReconnectChannel(_ context.Context, id string) error {
	if f.reconnectErr != nil {
		return f.reconnectErr
	}
	f.reconnected = append(f.reconnected, id)
	return nil
}

func newChannelEnv() (*echo.Echo, *fakeChannelStore) {
	st := &fakeChannelStore{channels: map[string]store.Channel{
		"chan-1": {
			ID:          "chan-1",
			OrgID:       "org-1",
			Type:        channel.TypeWhatsAppCloud,
			IsConnected: false,
			Status:      "disconnected",
			Credentials: "sealed",
		},
	}}
	e := echo.New()
	NewChannelHandler(slog.Default(), st).Register(e)
	return e, st
}

func TestGetChannelHidesCredentials(t *testing.T) {
	e, _ := newChannelEnv()

	req := httptest.NewRequest(http.MethodGet, "/channels/chan-1", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["id"] != "chan-1" || body["type"] != string(channel.TypeWhatsAppCloud) {
		t.Errorf("unexpected body: %v", body)
	}
	if _, ok := body["credentials"]; ok {
		t.Error("credentials leaked into the API response")
	}
}

func TestGetChannelNotFound(t *testing.T) {
	e, _ := newChannelEnv()

	req := httptest.NewRequest(http.MethodGet, "/channels/missing", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestReconnectChannel(t *testing.T) {
	e, st := newChannelEnv()

	req := httptest.NewRequest(http.MethodPost, "/channels/chan-1/reconnect", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(st.reconnected) != 1 || st.reconnected[0] != "chan-1" {
		t.Errorf("reconnected = %v, want [chan-1]", st.reconnected)
	}
}

func TestReconnectUnknownChannel(t *testing.T) {
	e, st := newChannelEnv()

	req := httptest.NewRequest(http.MethodPost, "/channels/missing/reconnect", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if len(st.reconnected) != 0 {
		t.Errorf("reconnected = %v, want none", st.reconnected)
	}
}
