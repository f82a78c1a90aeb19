package alerting

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/models"
)

func testAlert() models.Alert {
	return models.Alert{
		ID:        "alert-1",
		Type:      "error_rate",
		Severity:  models.SeverityHigh,
		Subject:   "global",
		Timestamp: time.Date(2026, 8, 18, 11, 0, 0, 0, time.UTC),
		Payload:   map[string]any{"rate": 0.1},
	}
}

func TestBuildChannelsSelection(t *testing.T) {
	if got := BuildChannels(config.ChannelsConfig{}, nil); len(got) != 0 {
		t.Fatalf("no configuration must build no channels, got %d", len(got))
	}

	cfg := config.ChannelsConfig{
		ChatWebhookURL:  "http://chat.local/hook",
		PagerURL:        "http://pager.local/enqueue",
		PagerRoutingKey: "rk",
		WebhookURL:      "http://hook.local",
		Email: config.EmailConfig{
			Host: "smtp.local", Port: 25, From: "eng@local", To: []string{"oncall@local"},
		},
	}
	channels := BuildChannels(cfg, nil)
	if len(channels) != 4 {
		t.Fatalf("expected 4 channels, got %d", len(channels))
	}

	// Pager requires both URL and routing key.
	cfg.PagerRoutingKey = ""
	if got := BuildChannels(cfg, nil); len(got) != 3 {
		t.Fatalf("pager without routing key must be skipped, got %d channels", len(got))
	}
}

func TestChatWebhookPayload(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := &ChatWebhookChannel{url: srv.URL, client: srv.Client()}
	if err := ch.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("send: %v", err)
	}

	text, _ := body["text"].(string)
	if text != "[HIGH] error_rate (global) at 2026-08-18T11:00:00Z" {
		t.Fatalf("text = %q", text)
	}
}

func TestPagerPayload(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch := &PagerChannel{url: srv.URL, routingKey: "rk-1", client: srv.Client()}
	if err := ch.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("send: %v", err)
	}

	if body["routing_key"] != "rk-1" || body["event_action"] != "trigger" {
		t.Fatalf("envelope wrong: %v", body)
	}
	if body["dedup_key"] != "error_rate/global" {
		t.Fatalf("dedup_key = %v", body["dedup_key"])
	}
	payload, _ := body["payload"].(map[string]any)
	if payload["severity"] != "high" {
		t.Fatalf("severity = %v", payload["severity"])
	}
}

func TestWebhookPayloadAndToken(t *testing.T) {
	var gotAuth string
	var alert models.Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&alert)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := &WebhookChannel{url: srv.URL, token: "tok", client: srv.Client()}
	if err := ch.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("send: %v", err)
	}

	if gotAuth != "Bearer tok" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if alert.ID != "alert-1" || alert.Type != "error_rate" {
		t.Fatalf("alert round-trip wrong: %+v", alert)
	}
}

func TestPostJSONNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "routing key invalid", http.StatusBadRequest)
	}))
	defer srv.Close()

	ch := &WebhookChannel{url: srv.URL, client: srv.Client()}
	err := ch.Send(context.Background(), testAlert())
	if err == nil {
		t.Fatalf("expected error on 400 response")
	}
}

func TestSendHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The server only watches for client disconnect once the request
		// body is consumed; drain it so ctx cancellation reaches us.
		_, _ = io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ch := &WebhookChannel{url: srv.URL, client: srv.Client()}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := ch.Send(ctx, testAlert()); err == nil {
		t.Fatalf("expected context deadline error")
	}
}
