// Package alerting is the central sink for alert events. It deduplicates
// via cooldown keys and fans out to notification channels best-effort: a
// channel failure is logged and never affects sibling channels or callers.
package alerting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/metrics"
	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// Config tunes the dispatcher.
type Config struct {
	CooldownCritical time.Duration
	CooldownDefault  time.Duration
	RecentCapacity   int
	RecentRetention  time.Duration
	SendTimeout      time.Duration
}

// Dispatcher deduplicates and fans out alerts.
type Dispatcher struct {
	logger *slog.Logger
	cfg    Config

	mu        sync.Mutex
	channels  []NotificationChannel
	lastFired map[string]time.Time
	recent    []models.Alert // newest last, bounded
	created   int64
	dropped   int64

	now func() time.Time
}

// NewDispatcher constructs a Dispatcher with no channels registered.
func NewDispatcher(logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CooldownCritical <= 0 {
		cfg.CooldownCritical = 5 * time.Minute
	}
	if cfg.CooldownDefault <= 0 {
		cfg.CooldownDefault = 15 * time.Minute
	}
	if cfg.RecentCapacity <= 0 {
		cfg.RecentCapacity = 1000
	}
	if cfg.RecentRetention <= 0 {
		cfg.RecentRetention = 24 * time.Hour
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	return &Dispatcher{
		logger:    logger,
		cfg:       cfg,
		lastFired: make(map[string]time.Time),
		now:       time.Now,
	}
}

// RegisterChannel appends a notification channel to the fan-out list.
func (d *Dispatcher) RegisterChannel(ch NotificationChannel) {
	if ch == nil {
		return
	}
	d.mu.Lock()
	d.channels = append(d.channels, ch)
	d.mu.Unlock()
}

// ChannelCount returns the number of registered channels.
func (d *Dispatcher) ChannelCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.channels)
}

// Create dedupes by (type, subject) against the severity-scaled cooldown
// window and, when not suppressed, appends the alert to the recent list and
// fans out to every channel. Channel failures are independent and logged.
func (d *Dispatcher) Create(alertType string, severity models.Severity, subject string, payload map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn("alert create recovered", slog.Any("panic", r))
		}
	}()

	if alertType == "" {
		return
	}
	if subject == "" {
		subject = models.SubjectGlobal
	}

	window := d.cfg.CooldownDefault
	if severity == models.SeverityCritical {
		window = d.cfg.CooldownCritical
	}

	key := alertType + "|" + subject
	now := d.now()

	d.mu.Lock()
	if last, ok := d.lastFired[key]; ok && now.Sub(last) < window {
		d.dropped++
		d.mu.Unlock()
		metrics.ObserveAlert(alertType, true)
		d.logger.Debug("alert suppressed by cooldown",
			slog.String("type", alertType), slog.String("subject", subject))
		return
	}
	d.lastFired[key] = now

	alert := models.Alert{
		ID:        fmt.Sprintf("alert-%d", now.UnixNano()),
		Type:      alertType,
		Severity:  severity,
		Subject:   subject,
		Timestamp: now,
		Payload:   payload,
	}
	d.recent = append(d.recent, alert)
	if len(d.recent) > d.cfg.RecentCapacity {
		d.recent = d.recent[len(d.recent)-d.cfg.RecentCapacity:]
	}
	d.created++
	channels := append([]NotificationChannel(nil), d.channels...)
	d.mu.Unlock()

	metrics.ObserveAlert(alertType, false)
	d.logger.Info("alert created",
		slog.String("id", alert.ID),
		slog.String("type", alertType),
		slog.String("severity", string(severity)),
		slog.String("subject", subject))

	for _, ch := range channels {
		d.deliver(ch, alert)
	}
}

func (d *Dispatcher) deliver(ch NotificationChannel, alert models.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
	defer cancel()

	err := ch.Send(ctx, alert)
	metrics.ObserveChannelSend(ch.Name(), err)
	if err != nil {
		d.logger.Warn("channel delivery failed",
			slog.String("channel", ch.Name()),
			slog.String("alert", alert.ID),
			slog.Any("error", err))
	}
}

// ListRecent returns alerts created within the trailing window, newest last.
func (d *Dispatcher) ListRecent(within time.Duration) []models.Alert {
	cutoff := d.now().Add(-within)

	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]models.Alert, 0, len(d.recent))
	for _, a := range d.recent {
		if a.Timestamp.After(cutoff) {
			out = append(out, a)
		}
	}
	return out
}

// Sweep drops cooldown entries older than the largest window and recent
// alerts past retention. Driven by the orchestrator's periodic task.
func (d *Dispatcher) Sweep() {
	now := d.now()
	maxWindow := d.cfg.CooldownDefault
	if d.cfg.CooldownCritical > maxWindow {
		maxWindow = d.cfg.CooldownCritical
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, at := range d.lastFired {
		if now.Sub(at) >= maxWindow {
			delete(d.lastFired, key)
		}
	}

	cutoff := now.Add(-d.cfg.RecentRetention)
	kept := d.recent[:0]
	for _, a := range d.recent {
		if a.Timestamp.After(cutoff) {
			kept = append(kept, a)
		}
	}
	d.recent = kept
}

// Status reports initialization state and key counters.
func (d *Dispatcher) Status() models.ComponentStatus {
	d.mu.Lock()
	defer d.mu.Unlock()

	return models.ComponentStatus{
		Name:        "dispatcher",
		Initialized: true,
		Healthy:     true,
		Counters: map[string]int64{
			"channels":   int64(len(d.channels)),
			"created":    d.created,
			"suppressed": d.dropped,
			"recent":     int64(len(d.recent)),
		},
		CheckedAt: time.Now(),
	}
}
