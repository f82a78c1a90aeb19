package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// NotificationChannel delivers one alert best-effort. Send may fail; the
// dispatcher logs and continues.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, alert models.Alert) error
}

// BuildChannels constructs every channel that has configuration. Absent
// configuration disables a channel; it never errors.
func BuildChannels(cfg config.ChannelsConfig, logger *slog.Logger) []NotificationChannel {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	var channels []NotificationChannel
	if cfg.ChatWebhookURL != "" {
		channels = append(channels, &ChatWebhookChannel{url: cfg.ChatWebhookURL, client: client})
	}
	if cfg.Email.Host != "" && cfg.Email.From != "" && len(cfg.Email.To) > 0 {
		channels = append(channels, &EmailChannel{cfg: cfg.Email})
	}
	if cfg.PagerURL != "" && cfg.PagerRoutingKey != "" {
		channels = append(channels, &PagerChannel{url: cfg.PagerURL, routingKey: cfg.PagerRoutingKey, client: client})
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, &WebhookChannel{url: cfg.WebhookURL, token: cfg.WebhookToken, client: client})
	}
	for _, ch := range channels {
		logger.Info("notification channel enabled", slog.String("channel", ch.Name()))
	}
	return channels
}

// ChatWebhookChannel posts a text summary to a chat webhook (Slack-style).
type ChatWebhookChannel struct {
	url    string
	client *http.Client
}

func (c *ChatWebhookChannel) Name() string { return "chat-webhook" }

func (c *ChatWebhookChannel) Send(ctx context.Context, alert models.Alert) error {
	return postJSON(ctx, c.client, c.url, "", map[string]any{
		"text": formatAlertText(alert),
	})
}

// PagerChannel triggers a paging/on-call integration event.
type PagerChannel struct {
	url        string
	routingKey string
	client     *http.Client
}

func (c *PagerChannel) Name() string { return "pager" }

func (c *PagerChannel) Send(ctx context.Context, alert models.Alert) error {
	return postJSON(ctx, c.client, c.url, "", map[string]any{
		"routing_key":  c.routingKey,
		"event_action": "trigger",
		"dedup_key":    alert.Type + "/" + alert.Subject,
		"payload": map[string]any{
			"summary":        formatAlertText(alert),
			"severity":       string(alert.Severity),
			"timestamp":      alert.Timestamp.UTC().Format(time.RFC3339),
			"custom_details": alert.Payload,
		},
	})
}

// WebhookChannel posts the raw alert JSON to a generic webhook, with an
// optional bearer token.
type WebhookChannel struct {
	url    string
	token  string
	client *http.Client
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Send(ctx context.Context, alert models.Alert) error {
	return postJSON(ctx, c.client, c.url, c.token, alert)
}

// EmailChannel sends a plain-text alert mail over SMTP.
type EmailChannel struct {
	cfg config.EmailConfig
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Send(_ context.Context, alert models.Alert) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(c.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: [%s] %s\r\n", strings.ToUpper(string(alert.Severity)), alert.Type)
	msg.WriteString("\r\n")
	msg.WriteString(formatAlertText(alert))
	msg.WriteString("\r\n")
	if len(alert.Payload) > 0 {
		if details, err := json.MarshalIndent(alert.Payload, "", "  "); err == nil {
			msg.WriteString("\r\n")
			msg.Write(details)
			msg.WriteString("\r\n")
		}
	}

	if err := smtp.SendMail(addr, auth, c.cfg.From, c.cfg.To, msg.Bytes()); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func formatAlertText(alert models.Alert) string {
	return fmt.Sprintf("[%s] %s (%s) at %s",
		strings.ToUpper(string(alert.Severity)),
		alert.Type,
		alert.Subject,
		alert.Timestamp.UTC().Format(time.RFC3339))
}

func postJSON(ctx context.Context, client *http.Client, url, token string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}
