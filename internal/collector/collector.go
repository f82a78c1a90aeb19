// Package collector ingests operation-execution events and maintains
// per-operation and global rolling statistics. Ingestion never blocks or
// fails the caller; internal errors are swallowed and logged.
package collector

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/metrics"
	"github.com/sentinelstack/sentinel-engine/internal/models"
)

// Well-known learner metric names the collector consumes live updates for.
const (
	MetricOperationLatency         = "operation_latency_ms"
	MetricOperationLatencyCritical = "operation_latency_critical_ms"
)

const recentSampleCapacity = 100

// AlertSink receives alert events produced by the collector.
type AlertSink interface {
	Create(alertType string, severity models.Severity, subject string, payload map[string]any)
}

// Config tunes the collector.
type Config struct {
	SlowThresholdMs     float64
	CriticalThresholdMs float64
	MaxConnections      int
	ErrorRateThreshold  float64
	MinSamples          int
	TopOperations       int
}

// sample is one retained execution observation.
type sample struct {
	DurationMs float64
	Success    bool
	At         time.Time
}

// OperationStat aggregates executions sharing one fingerprint. RunningMean
// covers successful executions only and is maintained as a streaming average.
type OperationStat struct {
	mu sync.Mutex

	Key         string
	Signature   string // normalized form, for display
	TotalCount  int64
	ErrorCount  int64
	RunningMean float64
	MaxDuration time.Duration
	MinDuration time.Duration
	LastSeen    time.Time

	recent []sample // ring, oldest first, bounded by recentSampleCapacity
}

// OperationSummary is an immutable view of one OperationStat.
type OperationSummary struct {
	Key           string    `json:"key"`
	Signature     string    `json:"signature"`
	TotalCount    int64     `json:"total_count"`
	ErrorCount    int64     `json:"error_count"`
	AvgLatencyMs  float64   `json:"avg_latency_ms"`
	MaxLatencyMs  float64   `json:"max_latency_ms"`
	MinLatencyMs  float64   `json:"min_latency_ms"`
	LastSeen      time.Time `json:"last_seen"`
	RecentSamples int       `json:"recent_samples"`
}

// Snapshot is an immutable copy of global performance plus the top
// operations by average latency.
type Snapshot struct {
	At              time.Time          `json:"at"`
	TotalOps        int64              `json:"total_ops"`
	SlowOps         int64              `json:"slow_ops"`
	FailedOps       int64              `json:"failed_ops"`
	AvgLatencyMs    float64            `json:"avg_latency_ms"`
	PeakLatencyMs   float64            `json:"peak_latency_ms"`
	ActiveResources int                `json:"active_resources"`
	ErrorRate       float64            `json:"error_rate"`
	Operations      int                `json:"operations"`
	TopOperations   []OperationSummary `json:"top_operations"`
}

// Collector maintains per-operation and global rolling statistics. Entry
// lookup is guarded by a read-write mutex; each entry serializes its own
// mutation so concurrent recorders do not contend globally.
type Collector struct {
	logger *slog.Logger
	cfg    Config
	sink   AlertSink

	mu  sync.RWMutex
	ops map[string]*OperationStat

	thmu       sync.RWMutex
	slowMs     float64
	criticalMs float64

	gmu             sync.Mutex
	totalOps        int64
	slowOps         int64
	failedOps       int64
	avgLatencyMs    float64
	peakLatencyMs   float64
	activeResources int

	startedAt time.Time
}

// New constructs a Collector. The sink may be nil until wired.
func New(logger *slog.Logger, cfg Config, sink AlertSink) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SlowThresholdMs <= 0 {
		cfg.SlowThresholdMs = 500
	}
	if cfg.CriticalThresholdMs <= 0 {
		cfg.CriticalThresholdMs = 5000
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	if cfg.TopOperations <= 0 {
		cfg.TopOperations = 10
	}
	return &Collector{
		logger:     logger,
		cfg:        cfg,
		sink:       sink,
		ops:        make(map[string]*OperationStat),
		slowMs:     cfg.SlowThresholdMs,
		criticalMs: cfg.CriticalThresholdMs,
		startedAt:  time.Now(),
	}
}

// SetAlertSink wires the alert destination; called by the orchestrator
// during cross-wiring.
func (c *Collector) SetAlertSink(sink AlertSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// RecordExecution ingests one completed operation. Telemetry is best-effort:
// panics are recovered and logged, never propagated to the caller.
func (c *Collector) RecordExecution(signature string, duration time.Duration, success bool, execErr error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("record execution recovered", slog.Any("panic", r))
		}
	}()

	if signature == "" {
		c.logger.Debug("empty operation signature ignored")
		return
	}
	if duration < 0 {
		duration = 0
	}

	normalized := Normalize(signature)
	key := Fingerprint(signature)
	ms := float64(duration) / float64(time.Millisecond)
	now := time.Now()

	stat := c.stat(key, normalized)

	stat.mu.Lock()
	stat.TotalCount++
	if !success {
		stat.ErrorCount++
	} else {
		n := stat.TotalCount - stat.ErrorCount
		stat.RunningMean += (ms - stat.RunningMean) / float64(n)
	}
	if stat.MinDuration == 0 || duration < stat.MinDuration {
		stat.MinDuration = duration
	}
	if duration > stat.MaxDuration {
		stat.MaxDuration = duration
	}
	stat.LastSeen = now
	stat.recent = append(stat.recent, sample{DurationMs: ms, Success: success, At: now})
	if len(stat.recent) > recentSampleCapacity {
		stat.recent = stat.recent[len(stat.recent)-recentSampleCapacity:]
	}
	total := stat.TotalCount
	mean := stat.RunningMean
	stat.mu.Unlock()

	slowMs, criticalMs := c.thresholds()

	c.gmu.Lock()
	c.totalOps++
	if !success {
		c.failedOps++
	}
	if ms >= slowMs {
		c.slowOps++
	}
	c.avgLatencyMs += (ms - c.avgLatencyMs) / float64(c.totalOps)
	if ms > c.peakLatencyMs {
		c.peakLatencyMs = ms
	}
	globalTotal := c.totalOps
	globalFailed := c.failedOps
	c.gmu.Unlock()

	metrics.ObserveExecution(success)

	sink := c.alertSink()
	if sink == nil {
		return
	}

	// Critical duration is evaluated per event so paging latency stays low.
	if ms >= criticalMs {
		sink.Create(models.AlertCriticalSlowOperation, models.SeverityCritical, key, map[string]any{
			"signature":    normalized,
			"duration_ms":  ms,
			"threshold_ms": criticalMs,
		})
	} else if ms >= slowMs && total >= int64(c.cfg.MinSamples) && mean > slowMs {
		// Consistently-slow needs a minimum sample count to avoid
		// cold-start noise.
		sink.Create(models.AlertConsistentlySlow, models.SeverityHigh, key, map[string]any{
			"signature":    normalized,
			"avg_ms":       mean,
			"threshold_ms": slowMs,
			"samples":      total,
		})
	}

	if !success && c.cfg.ErrorRateThreshold > 0 && globalTotal >= int64(c.cfg.MinSamples) {
		rate := float64(globalFailed) / float64(globalTotal)
		if rate > c.cfg.ErrorRateThreshold {
			sink.Create(models.AlertErrorRate, models.SeverityHigh, models.SubjectGlobal, map[string]any{
				"error_rate": rate,
				"threshold":  c.cfg.ErrorRateThreshold,
				"total_ops":  globalTotal,
			})
		}
	}
}

// ConnectionPressureSample records an external resource-pressure gauge such
// as the number of open connections.
func (c *Collector) ConnectionPressureSample(count int) {
	if count < 0 {
		count = 0
	}
	c.gmu.Lock()
	c.activeResources = count
	c.gmu.Unlock()

	if c.cfg.MaxConnections > 0 && count > c.cfg.MaxConnections {
		if sink := c.alertSink(); sink != nil {
			sink.Create(models.AlertConnectionPressure, models.SeverityHigh, models.SubjectGlobal, map[string]any{
				"active": count,
				"max":    c.cfg.MaxConnections,
			})
		}
	}
}

// ApplyThreshold consumes a learned threshold update. Unknown metric names
// are ignored.
func (c *Collector) ApplyThreshold(metric string, value float64) {
	if value <= 0 {
		return
	}
	c.thmu.Lock()
	defer c.thmu.Unlock()
	switch metric {
	case MetricOperationLatency:
		c.slowMs = value
	case MetricOperationLatencyCritical:
		c.criticalMs = value
	default:
		return
	}
	c.logger.Info("collector threshold updated", slog.String("metric", metric), slog.Float64("value", value))
}

// Snapshot returns an immutable copy of global performance plus the top
// operations by average latency.
func (c *Collector) Snapshot() Snapshot {
	c.gmu.Lock()
	snap := Snapshot{
		At:              time.Now(),
		TotalOps:        c.totalOps,
		SlowOps:         c.slowOps,
		FailedOps:       c.failedOps,
		AvgLatencyMs:    c.avgLatencyMs,
		PeakLatencyMs:   c.peakLatencyMs,
		ActiveResources: c.activeResources,
	}
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(snap.FailedOps) / float64(snap.TotalOps)
	}
	c.gmu.Unlock()

	snap.TopOperations = c.TopOperations(c.cfg.TopOperations)

	c.mu.RLock()
	snap.Operations = len(c.ops)
	c.mu.RUnlock()

	return snap
}

// TopOperations returns up to n operations ranked by average latency.
// Operations with fewer than MinSamples executions are excluded.
func (c *Collector) TopOperations(n int) []OperationSummary {
	c.mu.RLock()
	summaries := make([]OperationSummary, 0, len(c.ops))
	for _, stat := range c.ops {
		summaries = append(summaries, stat.summary())
	}
	c.mu.RUnlock()

	filtered := summaries[:0]
	for _, s := range summaries {
		if s.TotalCount >= int64(c.cfg.MinSamples) {
			filtered = append(filtered, s)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].AvgLatencyMs > filtered[j].AvgLatencyMs
	})
	if len(filtered) > n {
		filtered = filtered[:n]
	}
	return filtered
}

// Operation returns the summary for one fingerprint.
func (c *Collector) Operation(key string) (OperationSummary, bool) {
	c.mu.RLock()
	stat, ok := c.ops[key]
	c.mu.RUnlock()
	if !ok {
		return OperationSummary{}, false
	}
	return stat.summary(), true
}

// Status reports initialization state and key counters.
func (c *Collector) Status() models.ComponentStatus {
	c.mu.RLock()
	ops := len(c.ops)
	c.mu.RUnlock()

	c.gmu.Lock()
	total, slow, failed := c.totalOps, c.slowOps, c.failedOps
	c.gmu.Unlock()

	return models.ComponentStatus{
		Name:        "collector",
		Initialized: true,
		Healthy:     true,
		Counters: map[string]int64{
			"operations": int64(ops),
			"total_ops":  total,
			"slow_ops":   slow,
			"failed_ops": failed,
		},
		CheckedAt: time.Now(),
	}
}

func (c *Collector) stat(key, normalized string) *OperationStat {
	c.mu.RLock()
	stat, ok := c.ops[key]
	c.mu.RUnlock()
	if ok {
		return stat
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if stat, ok = c.ops[key]; ok {
		return stat
	}
	stat = &OperationStat{Key: key, Signature: normalized}
	c.ops[key] = stat
	return stat
}

func (c *Collector) thresholds() (slowMs, criticalMs float64) {
	c.thmu.RLock()
	defer c.thmu.RUnlock()
	return c.slowMs, c.criticalMs
}

func (c *Collector) alertSink() AlertSink {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sink
}

func (s *OperationStat) summary() OperationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return OperationSummary{
		Key:           s.Key,
		Signature:     s.Signature,
		TotalCount:    s.TotalCount,
		ErrorCount:    s.ErrorCount,
		AvgLatencyMs:  s.RunningMean,
		MaxLatencyMs:  float64(s.MaxDuration) / float64(time.Millisecond),
		MinLatencyMs:  float64(s.MinDuration) / float64(time.Millisecond),
		LastSeen:      s.LastSeen,
		RecentSamples: len(s.recent),
	}
}

// RecentSampleCount returns the retained sample count for one fingerprint.
func (c *Collector) RecentSampleCount(key string) int {
	c.mu.RLock()
	stat, ok := c.ops[key]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	stat.mu.Lock()
	defer stat.mu.Unlock()
	return len(stat.recent)
}
