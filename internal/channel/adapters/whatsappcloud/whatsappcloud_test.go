package whatsappcloud

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loopdesk/loopdesk/internal/channel"
)

const textWebhook = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "changes": [{
      "value": {
        "contacts": [{"profile": {"name": "Ana"}, "wa_id": "5511988887777"}],
        "messages": [{
          "from": "5511988887777",
          "id": "wamid.A1",
          "timestamp": "1754900000",
          "type": "text",
          "text": {"body": "hello"}
        }]
      }
    }]
  }]
}`

const statusWebhook = `{
  "entry": [{
    "changes": [{
      "value": {
        "statuses": [{
          "id": "wamid.A1",
          "status": "delivered",
          "timestamp": "1754900100",
          "recipient_id": "5511988887777"
        }, {
          "id": "wamid.A2",
          "status": "failed",
          "timestamp": "1754900200",
          "recipient_id": "5511988887777",
          "errors": [{"code": 131026, "title": "Message undeliverable"}]
        }]
      }
    }]
  }]
}`

func TestParseWebhookTextMessage(t *testing.T) {
	event, err := New("").ParseWebhook([]byte(textWebhook))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(event.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(event.Messages))
	}
	msg := event.Messages[0]
	if msg.MessageID != "wamid.A1" {
		t.Errorf("message id = %q", msg.MessageID)
	}
	if msg.ExternalID != "5511988887777" {
		t.Errorf("external id = %q", msg.ExternalID)
	}
	if msg.ExternalName != "Ana" {
		t.Errorf("external name = %q", msg.ExternalName)
	}
	if msg.Direction != channel.DirectionInbound {
		t.Errorf("direction = %q, want inbound", msg.Direction)
	}
	if msg.Content.Type != channel.MessageText || msg.Content.Text != "hello" {
		t.Errorf("content = %+v", msg.Content)
	}
	if msg.Timestamp != time.Unix(1754900000, 0).UTC() {
		t.Errorf("timestamp = %v", msg.Timestamp)
	}
}

func TestParseWebhookStatuses(t *testing.T) {
	event, err := New("").ParseWebhook([]byte(statusWebhook))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(event.Statuses) != 2 {
		t.Fatalf("statuses = %d, want 2", len(event.Statuses))
	}
	if event.Statuses[0].Status != channel.StatusDelivered {
		t.Errorf("first status = %q", event.Statuses[0].Status)
	}
	failed := event.Statuses[1]
	if failed.Status != channel.StatusFailed {
		t.Errorf("second status = %q", failed.Status)
	}
	if failed.Error != "131026: Message undeliverable" {
		t.Errorf("failure detail = %q", failed.Error)
	}
}

func TestParseWebhookRejectsMalformed(t *testing.T) {
	var vErr *channel.ValidationError
	for name, payload := range map[string]string{
		"not json": "{{",
		"no entry": `{"entry": []}`,
		"no body":  `{"entry":[{"changes":[{"value":{"messages":[{"from":"1","id":"x","type":"text"}]}}]}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New("").ParseWebhook([]byte(payload))
			if !errors.As(err, &vErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
		})
	}
}

func TestSendText(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"messages": []map[string]string{{"id": "wamid.OUT1"}},
		})
	}))
	defer srv.Close()

	info := channel.Info{
		Type:        channel.TypeWhatsAppCloud,
		Credentials: map[string]any{"access_token": "tok", "phone_number_id": "1050"},
	}
	id, err := New(srv.URL).Send(context.Background(), info, channel.SendInput{
		To: "+5511988887777", Content: "hi", Type: channel.MessageText,
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != "wamid.OUT1" {
		t.Errorf("message id = %q", id)
	}
	if gotPath != "/1050/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gotBody["to"] != "5511988887777" {
		t.Errorf("recipient = %v, want plus stripped", gotBody["to"])
	}
}

func TestSendSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "Invalid parameter", "code": 100},
		})
	}))
	defer srv.Close()

	info := channel.Info{Credentials: map[string]any{"access_token": "tok", "phone_number_id": "1050"}}
	_, err := New(srv.URL).Send(context.Background(), info, channel.SendInput{To: "1", Content: "hi"})
	if err == nil {
		t.Fatal("expected error from API failure")
	}
}

func TestSendMissingCredentials(t *testing.T) {
	_, err := New("").Send(context.Background(), channel.Info{}, channel.SendInput{To: "1"})
	if err == nil {
		t.Fatal("expected error without credentials")
	}
}

func TestFormatWhatsApp(t *testing.T) {
	got := FormatWhatsApp("**bold** and __italic__ and ~~gone~~")
	want := "*bold* and _italic_ and ~gone~"
	if got != want {
		t.Errorf("FormatWhatsApp = %q, want %q", got, want)
	}
}
