// Package tracker ingests raw failures with request context, classifies and
// fingerprints them into groups, and detects error spikes. Tracking is
// best-effort telemetry: malformed input never propagates to the caller.
package tracker

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/sentinelstack/sentinel-engine/internal/metrics"
	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// AlertSink receives alert events produced by the tracker.
type AlertSink interface {
	Create(alertType string, severity models.Severity, subject string, payload map[string]any)
}

// Config tunes the tracker.
type Config struct {
	RecentCapacity      int
	Retention           time.Duration
	SpikeCount          int
	SpikeWindow         time.Duration
	CriticalSpikeCount  int
	CriticalSpikeWindow time.Duration
}

// ErrorContext carries request-scoped details supplied by the caller.
type ErrorContext struct {
	Name       string
	Endpoint   string
	Method     string
	StatusCode int
	Headers    map[string]string
	Body       map[string]any
	Stack      string
	UserID     string
}

// Record is one classified, sanitized error occurrence.
type Record struct {
	ID          string            `json:"id"`
	Fingerprint string            `json:"fingerprint"`
	Category    string            `json:"category"`
	Severity    models.Severity   `json:"severity"`
	Name        string            `json:"name"`
	Message     string            `json:"message"`
	Endpoint    string            `json:"endpoint,omitempty"`
	Method      string            `json:"method,omitempty"`
	StatusCode  int               `json:"status_code,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Body        map[string]any    `json:"body,omitempty"`
	Frame       string            `json:"frame,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

const groupOccurrenceCapacity = 100

// ErrorGroup aggregates occurrences sharing one fingerprint. A group is
// purged once retention cleanup empties its occurrences.
type ErrorGroup struct {
	Fingerprint string
	Category    string
	Severity    models.Severity
	Name        string
	Message     string
	FirstSeen   time.Time
	LastSeen    time.Time
	Count       int64
	occurrences []*Record // bounded, oldest evicted
}

// GroupSummary is an immutable view of one ErrorGroup.
type GroupSummary struct {
	Fingerprint string          `json:"fingerprint"`
	Category    string          `json:"category"`
	Severity    models.Severity `json:"severity"`
	Name        string          `json:"name"`
	Message     string          `json:"message"`
	FirstSeen   time.Time       `json:"first_seen"`
	LastSeen    time.Time       `json:"last_seen"`
	Count       int64           `json:"count"`
	Retained    int             `json:"retained"`
}

// SearchFilters narrows Search results.
type SearchFilters struct {
	Category string
	Severity models.Severity
	Endpoint string
	Since    time.Time
}

// TrendStats summarizes recent error pressure per category and severity.
type TrendStats struct {
	ByCategory    map[string]int64 `json:"by_category"`
	BySeverity    map[string]int64 `json:"by_severity"`
	RatePerMinute float64          `json:"rate_per_minute"`
	Window        time.Duration    `json:"window"`
}

// Tracker groups classified errors and emits alert signals on critical
// errors and spikes.
type Tracker struct {
	logger *slog.Logger
	cfg    Config
	sink   AlertSink

	mu       sync.Mutex
	groups   map[string]*ErrorGroup
	recent   []*Record // newest first, bounded
	byID     map[string]*Record
	spike    []time.Time
	critical []time.Time

	tracked atomic.Int64
	dropped atomic.Int64
	seq     atomic.Int64

	now func() time.Time
}

// New constructs a Tracker. The sink may be nil until wired.
func New(logger *slog.Logger, cfg Config, sink AlertSink) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RecentCapacity <= 0 {
		cfg.RecentCapacity = 500
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.SpikeCount <= 0 {
		cfg.SpikeCount = 10
	}
	if cfg.SpikeWindow <= 0 {
		cfg.SpikeWindow = time.Minute
	}
	if cfg.CriticalSpikeCount <= 0 {
		cfg.CriticalSpikeCount = 5
	}
	if cfg.CriticalSpikeWindow <= 0 {
		cfg.CriticalSpikeWindow = 10 * time.Minute
	}
	return &Tracker{
		logger: logger,
		cfg:    cfg,
		sink:   sink,
		groups: make(map[string]*ErrorGroup),
		byID:   make(map[string]*Record),
		now:    time.Now,
	}
}

// SetAlertSink wires the alert destination; called by the orchestrator
// during cross-wiring.
func (t *Tracker) SetAlertSink(sink AlertSink) {
	t.mu.Lock()
	t.sink = sink
	t.mu.Unlock()
}

// Track classifies and stores one error, returning an opaque error id.
// Tracking failures are swallowed and logged; the returned id is "" when the
// input could not be tracked.
func (t *Tracker) Track(err error, ctx ErrorContext) (id string) {
	defer func() {
		if r := recover(); r != nil {
			t.dropped.Add(1)
			t.logger.Warn("error tracking recovered", slog.Any("panic", r))
			id = ""
		}
	}()

	if err == nil {
		return ""
	}

	message := err.Error()
	name := ctx.Name
	if name == "" {
		name = fmt.Sprintf("%T", err)
	}

	category := Categorize(message, name, ctx.Endpoint)
	severity := SeverityFor(category, ctx.StatusCode)
	frame := firstMeaningfulFrame(ctx.Stack)
	fp := errorFingerprint(category, name, message, frame)
	now := t.now()

	rec := &Record{
		ID:          fmt.Sprintf("err-%d-%d", now.UnixNano(), t.seq.Add(1)),
		Fingerprint: fp,
		Category:    category,
		Severity:    severity,
		Name:        name,
		Message:     message,
		Endpoint:    ctx.Endpoint,
		Method:      ctx.Method,
		StatusCode:  ctx.StatusCode,
		Headers:     SanitizeHeaders(ctx.Headers),
		Body:        SanitizeBody(ctx.Body),
		Frame:       frame,
		UserID:      ctx.UserID,
		Timestamp:   now,
	}

	t.mu.Lock()
	group, ok := t.groups[fp]
	if !ok {
		group = &ErrorGroup{
			Fingerprint: fp,
			Category:    category,
			Severity:    severity,
			Name:        name,
			Message:     message,
			FirstSeen:   now,
		}
		t.groups[fp] = group
	}
	group.LastSeen = now
	group.Count++
	if models.SeverityRank(severity) > models.SeverityRank(group.Severity) {
		group.Severity = severity
	}
	group.occurrences = append(group.occurrences, rec)
	if len(group.occurrences) > groupOccurrenceCapacity {
		group.occurrences = group.occurrences[len(group.occurrences)-groupOccurrenceCapacity:]
	}

	t.recent = append([]*Record{rec}, t.recent...)
	if len(t.recent) > t.cfg.RecentCapacity {
		for _, evicted := range t.recent[t.cfg.RecentCapacity:] {
			delete(t.byID, evicted.ID)
		}
		t.recent = t.recent[:t.cfg.RecentCapacity]
	}
	t.byID[rec.ID] = rec

	t.spike = pruneWindow(append(t.spike, now), now, t.cfg.SpikeWindow)
	spiking := len(t.spike) > t.cfg.SpikeCount
	criticalSpiking := false
	if severity == models.SeverityCritical {
		t.critical = pruneWindow(append(t.critical, now), now, t.cfg.CriticalSpikeWindow)
		criticalSpiking = len(t.critical) > t.cfg.CriticalSpikeCount
	}
	spikeCount := len(t.spike)
	criticalCount := len(t.critical)
	sink := t.sink
	t.mu.Unlock()

	t.tracked.Add(1)
	metrics.ObserveTrackedError(category, string(severity))

	if sink != nil {
		if severity == models.SeverityCritical {
			sink.Create(models.AlertCriticalError, models.SeverityCritical, fp, map[string]any{
				"category": category,
				"name":     name,
				"message":  message,
				"endpoint": ctx.Endpoint,
			})
		}
		if spiking {
			sink.Create(models.AlertErrorSpike, models.SeverityHigh, models.SubjectGlobal, map[string]any{
				"count":      spikeCount,
				"window_sec": t.cfg.SpikeWindow.Seconds(),
			})
		}
		if criticalSpiking {
			sink.Create(models.AlertCriticalErrorRate, models.SeverityCritical, models.SubjectGlobal, map[string]any{
				"count":      criticalCount,
				"window_sec": t.cfg.CriticalSpikeWindow.Seconds(),
			})
		}
	}

	return rec.ID
}

// GetGroups returns up to limit group summaries ordered by sortBy, one of
// "count", "firstSeen", or "lastSeen" (descending).
func (t *Tracker) GetGroups(limit int, sortBy string) []GroupSummary {
	t.mu.Lock()
	summaries := make([]GroupSummary, 0, len(t.groups))
	for _, g := range t.groups {
		summaries = append(summaries, GroupSummary{
			Fingerprint: g.Fingerprint,
			Category:    g.Category,
			Severity:    g.Severity,
			Name:        g.Name,
			Message:     g.Message,
			FirstSeen:   g.FirstSeen,
			LastSeen:    g.LastSeen,
			Count:       g.Count,
			Retained:    len(g.occurrences),
		})
	}
	t.mu.Unlock()

	switch sortBy {
	case "firstSeen":
		sort.Slice(summaries, func(i, j int) bool { return summaries[i].FirstSeen.After(summaries[j].FirstSeen) })
	case "lastSeen":
		sort.Slice(summaries, func(i, j int) bool { return summaries[i].LastSeen.After(summaries[j].LastSeen) })
	default:
		sort.Slice(summaries, func(i, j int) bool { return summaries[i].Count > summaries[j].Count })
	}

	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries
}

// Search scans the recent-errors list for records matching term and filters.
func (t *Tracker) Search(term string, f SearchFilters) []*Record {
	term = strings.ToLower(term)

	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Record, 0)
	for _, rec := range t.recent {
		if f.Category != "" && rec.Category != f.Category {
			continue
		}
		if f.Severity != "" && rec.Severity != f.Severity {
			continue
		}
		if f.Endpoint != "" && !strings.Contains(rec.Endpoint, f.Endpoint) {
			continue
		}
		if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
			continue
		}
		if term != "" &&
			!strings.Contains(strings.ToLower(rec.Message), term) &&
			!strings.Contains(strings.ToLower(rec.Name), term) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// GetByID looks up one record by its opaque id.
func (t *Tracker) GetByID(id string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.byID[id]
	return rec, ok
}

// TrendStats aggregates retained records per category and severity and
// computes the error rate over the trailing hour.
func (t *Tracker) TrendStats() TrendStats {
	now := t.now()
	window := time.Hour

	t.mu.Lock()
	defer t.mu.Unlock()

	stats := TrendStats{
		ByCategory: make(map[string]int64),
		BySeverity: make(map[string]int64),
		Window:     window,
	}
	inWindow := 0
	for _, rec := range t.recent {
		stats.ByCategory[rec.Category]++
		stats.BySeverity[string(rec.Severity)]++
		if now.Sub(rec.Timestamp) <= window {
			inWindow++
		}
	}
	stats.RatePerMinute = float64(inWindow) / window.Minutes()
	return stats
}

// CleanupExpired drops occurrences older than the retention window and
// purges groups left empty. Returns the number of purged groups.
func (t *Tracker) CleanupExpired() int {
	cutoff := t.now().Add(-t.cfg.Retention)

	t.mu.Lock()
	defer t.mu.Unlock()

	purged := 0
	for fp, group := range t.groups {
		kept := group.occurrences[:0]
		for _, rec := range group.occurrences {
			if rec.Timestamp.After(cutoff) {
				kept = append(kept, rec)
			}
		}
		group.occurrences = kept
		if len(group.occurrences) == 0 {
			delete(t.groups, fp)
			purged++
		}
	}

	keptRecent := t.recent[:0]
	for _, rec := range t.recent {
		if rec.Timestamp.After(cutoff) {
			keptRecent = append(keptRecent, rec)
		} else {
			delete(t.byID, rec.ID)
		}
	}
	t.recent = keptRecent

	return purged
}

// Status reports initialization state and key counters.
func (t *Tracker) Status() models.ComponentStatus {
	t.mu.Lock()
	groups := len(t.groups)
	recent := len(t.recent)
	t.mu.Unlock()

	return models.ComponentStatus{
		Name:        "tracker",
		Initialized: true,
		Healthy:     true,
		Counters: map[string]int64{
			"groups":  int64(groups),
			"recent":  int64(recent),
			"tracked": t.tracked.Load(),
			"dropped": t.dropped.Load(),
		},
		CheckedAt: time.Now(),
	}
}

// errorFingerprint hashes the grouping tuple: category, name, message, and
// the first meaningful stack frame.
func errorFingerprint(category, name, message, frame string) string {
	h := xxhash.New()
	for _, part := range []string{category, name, message, frame} {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func pruneWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
