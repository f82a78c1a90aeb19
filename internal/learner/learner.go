// Package learner consumes metric samples over a trailing window, learns
// baseline statistics, and proposes adaptive threshold updates gated by a
// confidence score. Bounds and directionality per metric are declared in
// static configuration, never learned.
package learner

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/metrics"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/utils"
)

const (
	historyCapacity = 50
	trendEpsilon    = 1e-6
)

// Sample is one retained metric observation.
type Sample struct {
	Value         float64
	Timestamp     time.Time
	BusinessHours bool
	HourOfDay     int
	DayOfWeek     time.Weekday
}

// Adjustment records one committed threshold change.
type Adjustment struct {
	From       float64   `json:"from"`
	To         float64   `json:"to"`
	Baseline   float64   `json:"baseline"`
	Confidence float64   `json:"confidence"`
	At         time.Time `json:"at"`
}

// AdaptiveThreshold is the live learned threshold for one metric.
type AdaptiveThreshold struct {
	Metric      string       `json:"metric"`
	Current     float64      `json:"current"`
	Baseline    float64      `json:"baseline"`
	Confidence  float64      `json:"confidence"`
	LastAdapted time.Time    `json:"last_adapted"`
	History     []Adjustment `json:"history"`
}

// ThresholdUpdate is delivered to registered callbacks on every commit.
type ThresholdUpdate struct {
	Metric     string
	Old        float64
	New        float64
	Baseline   float64
	Confidence float64
	At         time.Time
}

// Config tunes the learner.
type Config struct {
	MinDataPoints        int
	AdaptationInterval   time.Duration
	ConfidenceThreshold  float64
	MaxAdjustmentPercent float64
	Debounce             time.Duration
	Retention            time.Duration
	BusinessHours        utils.BusinessHours
}

// Learner owns per-metric sample windows and adaptive thresholds. Sample
// ingestion is concurrent-safe; adaptation runs on debounced timers.
type Learner struct {
	logger *slog.Logger
	cfg    Config

	mu         sync.Mutex
	policies   map[string]config.MetricPolicy
	samples    map[string][]Sample
	thresholds map[string]*AdaptiveThreshold
	timers     map[string]*time.Timer
	lastAdapt  map[string]time.Time
	callbacks  []func(ThresholdUpdate)
	closed     bool
	adapted    int64
	skipped    int64

	now func() time.Time
}

// New constructs a Learner with the supplied per-metric policies.
func New(logger *slog.Logger, cfg Config, policies map[string]config.MetricPolicy) *Learner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MinDataPoints <= 0 {
		cfg.MinDataPoints = 100
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.8
	}
	if cfg.MaxAdjustmentPercent <= 0 {
		cfg.MaxAdjustmentPercent = 0.20
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}

	l := &Learner{
		logger:     logger,
		cfg:        cfg,
		policies:   make(map[string]config.MetricPolicy, len(policies)),
		samples:    make(map[string][]Sample),
		thresholds: make(map[string]*AdaptiveThreshold),
		timers:     make(map[string]*time.Timer),
		lastAdapt:  make(map[string]time.Time),
		now:        time.Now,
	}
	for name, policy := range policies {
		l.policies[name] = policy
		current := policy.Initial
		if current == 0 {
			current = policy.MaxBound
			if policy.Direction == "lower" {
				current = policy.MinBound
			}
		}
		l.thresholds[name] = &AdaptiveThreshold{Metric: name, Current: current, Baseline: current}
	}
	return l
}

// OnAdapted registers a callback invoked on every committed threshold
// update. Callbacks run on the adaptation goroutine and must not block.
func (l *Learner) OnAdapted(fn func(ThresholdUpdate)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.callbacks = append(l.callbacks, fn)
	l.mu.Unlock()
}

// Record appends one metric sample, evicts samples older than the retention
// window, and schedules a debounced re-adaptation once enough data exists.
// Recording is best-effort and never propagates failures.
func (l *Learner) Record(metric string, value float64, ts time.Time) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Warn("learner record recovered", slog.Any("panic", r))
		}
	}()

	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	if ts.IsZero() {
		ts = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	if _, ok := l.policies[metric]; !ok {
		l.logger.Debug("sample for undeclared metric ignored", slog.String("metric", metric))
		return
	}

	s := Sample{
		Value:         value,
		Timestamp:     ts,
		BusinessHours: l.cfg.BusinessHours.Contains(ts),
		HourOfDay:     ts.Hour(),
		DayOfWeek:     ts.Weekday(),
	}

	cutoff := l.now().Add(-l.cfg.Retention)
	kept := l.samples[metric][:0]
	for _, old := range l.samples[metric] {
		if old.Timestamp.After(cutoff) {
			kept = append(kept, old)
		}
	}
	l.samples[metric] = append(kept, s)

	if len(l.samples[metric]) >= l.cfg.MinDataPoints {
		l.scheduleLocked(metric)
	}
}

// scheduleLocked arms the debounce timer for metric unless one is already
// pending; bursts of records coalesce into a single adaptation.
func (l *Learner) scheduleLocked(metric string) {
	if _, pending := l.timers[metric]; pending {
		return
	}
	l.timers[metric] = time.AfterFunc(l.cfg.Debounce, func() {
		l.Adapt(metric)
	})
}

// Adapt recomputes the threshold for metric and commits the update when the
// confidence gate passes. Degenerate data silently skips the cycle.
func (l *Learner) Adapt(metric string) {
	l.mu.Lock()

	if timer, ok := l.timers[metric]; ok {
		timer.Stop()
		delete(l.timers, metric)
	}
	if l.closed {
		l.mu.Unlock()
		return
	}

	policy, ok := l.policies[metric]
	threshold, hasThreshold := l.thresholds[metric]
	samples := l.samples[metric]
	now := l.now()

	if !ok || !hasThreshold || len(samples) < l.cfg.MinDataPoints {
		l.skipped++
		l.mu.Unlock()
		metrics.ObserveAdaptation(metric, false)
		return
	}
	if l.cfg.AdaptationInterval > 0 {
		if last, ok := l.lastAdapt[metric]; ok && now.Sub(last) < l.cfg.AdaptationInterval {
			l.skipped++
			l.mu.Unlock()
			metrics.ObserveAdaptation(metric, false)
			return
		}
	}

	values := make([]float64, len(samples))
	for i, s := range samples {
		values[i] = s.Value
	}
	stats := summarize(values)
	if stats.StdDev == 0 && stats.Mean == 0 {
		l.skipped++
		l.mu.Unlock()
		metrics.ObserveAdaptation(metric, false)
		return
	}

	percentile := policy.BaselinePercentile
	if percentile <= 0 {
		percentile = 95
		if policy.Direction == "lower" {
			percentile = 10
		}
	}
	baseline, ok := stats.Percentiles[percentile]
	if !ok {
		sorted := append([]float64(nil), values...)
		sort.Float64s(sorted)
		baseline = nearestRank(sorted, percentile)
	}

	candidate := baseline

	if policy.Seasonality && stats.Mean > 0 {
		profile := profileByHour(samples)
		hour := now.Hour()
		if profile.counts[hour] >= 3 {
			factor := clamp(profile.means[hour]/stats.Mean, 0.8, 1.2)
			candidate *= factor
		}
	}

	if policy.BusinessHours {
		if l.cfg.BusinessHours.Contains(now) {
			candidate *= 1.10
		} else {
			candidate *= 0.90
		}
	}

	if slope := olsSlope(values); slope > trendEpsilon {
		candidate *= 1.05
	} else if slope < -trendEpsilon {
		candidate *= 0.95
	}

	// A single update moves the threshold by at most MaxAdjustmentPercent
	// of its prior value, then the absolute bounds apply.
	prior := threshold.Current
	if prior != 0 {
		maxStep := math.Abs(prior) * l.cfg.MaxAdjustmentPercent
		candidate = clamp(candidate, prior-maxStep, prior+maxStep)
	}
	if policy.MinBound != 0 || policy.MaxBound != 0 {
		candidate = clamp(candidate, policy.MinBound, policy.MaxBound)
	}

	confidence := l.confidence(stats)
	if confidence < l.cfg.ConfidenceThreshold {
		l.skipped++
		l.mu.Unlock()
		metrics.ObserveAdaptation(metric, false)
		l.logger.Debug("adaptation below confidence gate",
			slog.String("metric", metric), slog.Float64("confidence", confidence))
		return
	}

	threshold.Current = candidate
	threshold.Baseline = baseline
	threshold.Confidence = confidence
	threshold.LastAdapted = now
	threshold.History = append(threshold.History, Adjustment{
		From: prior, To: candidate, Baseline: baseline, Confidence: confidence, At: now,
	})
	if len(threshold.History) > historyCapacity {
		threshold.History = threshold.History[len(threshold.History)-historyCapacity:]
	}
	l.lastAdapt[metric] = now
	l.adapted++
	callbacks := append(([]func(ThresholdUpdate))(nil), l.callbacks...)
	l.mu.Unlock()

	metrics.ObserveAdaptation(metric, true)
	l.logger.Info("threshold adapted",
		slog.String("metric", metric),
		slog.Float64("from", prior),
		slog.Float64("to", candidate),
		slog.Float64("confidence", confidence))

	update := ThresholdUpdate{
		Metric: metric, Old: prior, New: candidate,
		Baseline: baseline, Confidence: confidence, At: now,
	}
	for _, fn := range callbacks {
		fn(update)
	}
}

// confidence scores an adaptation from sample volume (saturating at twice
// MinDataPoints) and the inverse coefficient of variation.
func (l *Learner) confidence(stats summary) float64 {
	volume := clamp(float64(stats.Count)/float64(2*l.cfg.MinDataPoints), 0, 1)
	stability := 0.0
	if stats.Mean != 0 {
		cv := math.Abs(stats.StdDev / stats.Mean)
		stability = 1 / (1 + cv)
	}
	return clamp(0.7*volume+0.3*stability, 0, 1)
}

// Threshold returns a copy of the live threshold for metric.
func (l *Learner) Threshold(metric string) (AdaptiveThreshold, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.thresholds[metric]
	if !ok {
		return AdaptiveThreshold{}, false
	}
	out := *t
	out.History = append([]Adjustment(nil), t.History...)
	return out, true
}

// Thresholds returns copies of every live threshold.
func (l *Learner) Thresholds() map[string]AdaptiveThreshold {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]AdaptiveThreshold, len(l.thresholds))
	for name, t := range l.thresholds {
		cp := *t
		cp.History = append([]Adjustment(nil), t.History...)
		out[name] = cp
	}
	return out
}

// SampleCount returns the retained sample count for metric.
func (l *Learner) SampleCount(metric string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.samples[metric])
}

// Close stops all pending debounce timers. Safe to call more than once.
func (l *Learner) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	for metric, timer := range l.timers {
		timer.Stop()
		delete(l.timers, metric)
	}
}

// Status reports initialization state and key counters.
func (l *Learner) Status() models.ComponentStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	tracked := int64(0)
	for _, s := range l.samples {
		tracked += int64(len(s))
	}
	return models.ComponentStatus{
		Name:        "learner",
		Initialized: true,
		Healthy:     !l.closed,
		Counters: map[string]int64{
			"metrics":     int64(len(l.policies)),
			"samples":     tracked,
			"adaptations": l.adapted,
			"skipped":     l.skipped,
		},
		CheckedAt: time.Now(),
	}
}
