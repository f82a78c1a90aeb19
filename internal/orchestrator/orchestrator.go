// Package orchestrator boots the monitoring engine through an ordered
// deployment state machine. Phases run strictly forward; the first failure
// moves the deployment to the terminal failed state and no later phase runs.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/alerting"
	"github.com/sentinelstack/sentinel-engine/internal/cache"
	"github.com/sentinelstack/sentinel-engine/internal/collector"
	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/learner"
	"github.com/sentinelstack/sentinel-engine/internal/metrics"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/tracker"
	"github.com/sentinelstack/sentinel-engine/internal/utils"
)

// metricSuccessRate is the learner metric fed from snapshot error rates.
const metricSuccessRate = "operation_success_rate"

// HealthReporter receives per-component serving-state changes. The gRPC
// status server implements it; a nil reporter disables health propagation.
type HealthReporter interface {
	SetServing(name string, ok bool)
}

// PhaseListener observes every phase completion, successful or not.
type PhaseListener func(phase models.Phase, err error)

// phaseStep binds one deployment phase to the function that runs it.
type phaseStep struct {
	name models.Phase
	run  func(ctx context.Context) error
}

// Orchestrator owns the deployment state machine, the assembled Engine, and
// the periodic reporting tasks started during deployment.
type Orchestrator struct {
	logger *slog.Logger
	cfg    *config.Config
	store  cache.Provider
	health HealthReporter

	mu        sync.Mutex
	state     models.DeploymentState
	engine    *Engine
	phases    []phaseStep
	listeners []PhaseListener
	deployed  bool
	closed    bool

	taskCtx    context.Context
	taskCancel context.CancelFunc
	tasks      sync.WaitGroup
}

// New constructs an Orchestrator. store may be nil to disable snapshot
// persistence; health may be nil.
func New(logger *slog.Logger, cfg *config.Config, store cache.Provider, health HealthReporter) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if store == nil {
		store = cache.NoopProvider{}
	}

	o := &Orchestrator{
		logger: logger,
		cfg:    cfg,
		store:  store,
		health: health,
		engine: &Engine{},
		state: models.DeploymentState{
			ServiceStatus: make(map[string]string),
		},
	}
	o.phases = []phaseStep{
		{models.PhaseInit, o.runInit},
		{models.PhaseCoreCollectors, o.runCoreCollectors},
		{models.PhaseCrossWiring, o.runCrossWiring},
		{models.PhaseAlertConfig, o.runAlertConfig},
		{models.PhaseReportingConfig, o.runReportingConfig},
		{models.PhaseAdaptiveLearning, o.runAdaptiveLearning},
		{models.PhaseHealthValidation, o.runHealthValidation},
	}
	return o
}

// OnPhase registers a listener invoked after every phase attempt.
func (o *Orchestrator) OnPhase(fn PhaseListener) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	o.listeners = append(o.listeners, fn)
	o.mu.Unlock()
}

// Engine returns the assembled components. Accessors on the result are nil
// until the corresponding phase has run.
func (o *Orchestrator) Engine() *Engine {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.engine
}

// State returns a deep copy of the deployment state.
func (o *Orchestrator) State() models.DeploymentState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.Clone()
}

// Deploy runs every phase in order. The first failing phase records a
// PhaseError, moves the state to failed, and aborts: later phases never run.
// Deploy is single-shot; a second call fails regardless of prior outcome.
func (o *Orchestrator) Deploy(ctx context.Context) error {
	o.mu.Lock()
	if o.deployed {
		o.mu.Unlock()
		return utils.NewAppError("deploy", "deployment already attempted", nil)
	}
	o.deployed = true
	o.state.StartTime = time.Now()
	o.mu.Unlock()

	for _, step := range o.phases {
		o.setPhase(step.name)
		o.logger.Info("deployment phase starting", slog.String("phase", string(step.name)))

		started := time.Now()
		err := step.run(ctx)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		metrics.ObserveDeployPhase(string(step.name), time.Since(started), err)
		o.notifyPhase(step.name, err)

		if err != nil {
			o.failPhase(step.name, err)
			return utils.NewAppError("deploy", fmt.Sprintf("phase %s failed", step.name), err)
		}
		o.logger.Info("deployment phase complete",
			slog.String("phase", string(step.name)),
			slog.Duration("elapsed", time.Since(started)))
	}

	o.mu.Lock()
	o.state.Phase = models.PhaseReady
	o.state.CompletionTime = time.Now()
	elapsed := o.state.CompletionTime.Sub(o.state.StartTime)
	o.mu.Unlock()

	o.setServing("", true)
	o.logger.Info("deployment ready", slog.Duration("elapsed", elapsed))
	return nil
}

// Shutdown stops reporting tasks and components in reverse deployment order.
// Safe to call more than once; later calls return immediately.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	cancel := o.taskCancel
	eng := o.engine
	o.mu.Unlock()

	o.setServing("", false)

	if cancel != nil {
		cancel()
		done := make(chan struct{})
		go func() {
			o.tasks.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			o.logger.Warn("reporting tasks did not stop before deadline")
		}
	}

	if eng.learner != nil {
		eng.learner.Close()
		o.setServing("learner", false)
	}
	o.setServing("tracker", false)
	o.setServing("collector", false)
	o.setServing("dispatcher", false)

	o.logger.Info("engine shut down")
}

// --- phases ---

// runInit validates configuration and constructs the alert dispatcher, the
// sink every later component wires into.
func (o *Orchestrator) runInit(context.Context) error {
	if o.cfg == nil {
		return fmt.Errorf("configuration is nil")
	}
	for name, policy := range o.cfg.Learner.Metrics {
		if policy.Direction != "upper" && policy.Direction != "lower" {
			return fmt.Errorf("metric %s: direction must be upper or lower, got %q", name, policy.Direction)
		}
		if policy.MinBound > policy.MaxBound {
			return fmt.Errorf("metric %s: minBound %v exceeds maxBound %v", name, policy.MinBound, policy.MaxBound)
		}
	}

	dispatcher := alerting.NewDispatcher(o.logger, alerting.Config{
		CooldownCritical: o.cfg.Alerting.CooldownCritical,
		CooldownDefault:  o.cfg.Alerting.CooldownDefault,
		RecentCapacity:   o.cfg.Alerting.RecentCapacity,
		RecentRetention:  o.cfg.Alerting.RecentRetention,
		SendTimeout:      o.cfg.Alerting.Channels.Timeout,
	})

	o.mu.Lock()
	o.engine.dispatcher = dispatcher
	o.state.ServiceStatus["dispatcher"] = "running"
	o.mu.Unlock()
	return nil
}

// runCoreCollectors constructs the metric collector and error tracker. Alert
// sinks stay nil until cross-wiring.
func (o *Orchestrator) runCoreCollectors(context.Context) error {
	col := collector.New(o.logger, collector.Config{
		SlowThresholdMs:     o.cfg.Collector.SlowThresholdMs,
		CriticalThresholdMs: o.cfg.Collector.CriticalThresholdMs,
		MaxConnections:      o.cfg.Collector.MaxConnections,
		ErrorRateThreshold:  o.cfg.Collector.ErrorRateThreshold,
		MinSamples:          o.cfg.Collector.MinSamples,
		TopOperations:       o.cfg.Collector.TopOperations,
	}, nil)

	trk := tracker.New(o.logger, tracker.Config{
		RecentCapacity:      o.cfg.Tracker.RecentCapacity,
		Retention:           o.cfg.Tracker.Retention,
		SpikeCount:          o.cfg.Tracker.SpikeCount,
		SpikeWindow:         o.cfg.Tracker.SpikeWindow,
		CriticalSpikeCount:  o.cfg.Tracker.CriticalSpikeCount,
		CriticalSpikeWindow: o.cfg.Tracker.CriticalSpikeWindow,
	}, nil)

	o.mu.Lock()
	o.engine.collector = col
	o.engine.tracker = trk
	o.state.ServiceStatus["collector"] = "running"
	o.state.ServiceStatus["tracker"] = "running"
	o.mu.Unlock()
	return nil
}

// runCrossWiring connects producers to the dispatcher and constructs the
// learner, routing committed threshold updates back into the collector.
func (o *Orchestrator) runCrossWiring(context.Context) error {
	o.mu.Lock()
	eng := o.engine
	o.mu.Unlock()

	if eng.dispatcher == nil || eng.collector == nil || eng.tracker == nil {
		return fmt.Errorf("core components missing before cross-wiring")
	}

	eng.collector.SetAlertSink(eng.dispatcher)
	eng.tracker.SetAlertSink(eng.dispatcher)

	lrn := learner.New(o.logger, learner.Config{
		MinDataPoints:        o.cfg.Learner.MinDataPoints,
		AdaptationInterval:   o.cfg.Learner.AdaptationInterval,
		ConfidenceThreshold:  o.cfg.Learner.ConfidenceThreshold,
		MaxAdjustmentPercent: o.cfg.Learner.MaxAdjustmentPercent,
		Debounce:             o.cfg.Learner.Debounce,
		Retention:            o.cfg.Learner.Retention,
		BusinessHours: utils.BusinessHours{
			StartHour:    o.cfg.Learner.BusinessHours.StartHour,
			EndHour:      o.cfg.Learner.BusinessHours.EndHour,
			WeekdaysOnly: o.cfg.Learner.BusinessHours.WeekdaysOnly,
		},
	}, o.cfg.Learner.Metrics)

	lrn.OnAdapted(func(u learner.ThresholdUpdate) {
		eng.collector.ApplyThreshold(u.Metric, u.New)
	})

	o.mu.Lock()
	o.engine.learner = lrn
	o.state.ServiceStatus["learner"] = "running"
	o.mu.Unlock()
	return nil
}

// runAlertConfig builds every configured notification channel and registers
// it with the dispatcher. No configured channels is a valid deployment.
func (o *Orchestrator) runAlertConfig(context.Context) error {
	o.mu.Lock()
	dispatcher := o.engine.dispatcher
	o.mu.Unlock()

	if dispatcher == nil {
		return fmt.Errorf("dispatcher missing before alert config")
	}

	channels := alerting.BuildChannels(o.cfg.Alerting.Channels, o.logger)
	for _, ch := range channels {
		dispatcher.RegisterChannel(ch)
	}
	if len(channels) == 0 {
		o.logger.Warn("no notification channels configured; alerts are log-only")
	}
	return nil
}

// runReportingConfig starts the periodic tasks: snapshot flushing plus sample
// feeding, tracker retention cleanup, and dispatcher cooldown sweeps.
func (o *Orchestrator) runReportingConfig(context.Context) error {
	o.mu.Lock()
	eng := o.engine
	o.taskCtx, o.taskCancel = context.WithCancel(context.Background())
	taskCtx := o.taskCtx
	o.mu.Unlock()

	if eng.collector == nil || eng.tracker == nil || eng.learner == nil || eng.dispatcher == nil {
		return fmt.Errorf("components missing before reporting config")
	}

	o.startTask(taskCtx, o.cfg.Collector.SnapshotInterval, 30*time.Second, o.flushSnapshot)
	o.startTask(taskCtx, o.cfg.Tracker.CleanupInterval, time.Hour, func(context.Context) {
		if purged := eng.tracker.CleanupExpired(); purged > 0 {
			o.logger.Info("expired error groups purged", slog.Int("groups", purged))
		}
	})
	o.startTask(taskCtx, o.cfg.Alerting.SweepInterval, 5*time.Minute, func(context.Context) {
		eng.dispatcher.Sweep()
	})
	return nil
}

// runAdaptiveLearning verifies the learner carries a live threshold for every
// declared metric before samples start flowing.
func (o *Orchestrator) runAdaptiveLearning(context.Context) error {
	o.mu.Lock()
	lrn := o.engine.learner
	o.mu.Unlock()

	if lrn == nil {
		return fmt.Errorf("learner missing before adaptive learning")
	}
	for name := range o.cfg.Learner.Metrics {
		threshold, ok := lrn.Threshold(name)
		if !ok {
			return fmt.Errorf("metric %s has no seeded threshold", name)
		}
		o.logger.Info("adaptive threshold seeded",
			slog.String("metric", name),
			slog.Float64("current", threshold.Current))
	}
	return nil
}

// runHealthValidation checks every component status and publishes the result
// to the health reporter. Any unhealthy component fails the deployment.
func (o *Orchestrator) runHealthValidation(context.Context) error {
	o.mu.Lock()
	eng := o.engine
	o.mu.Unlock()

	statuses := eng.componentStatuses()
	if len(statuses) < 4 {
		return fmt.Errorf("expected 4 components, found %d", len(statuses))
	}

	var failed []string
	for _, st := range statuses {
		o.setServing(st.Name, st.Healthy)
		o.mu.Lock()
		o.state.ServiceStatus[st.Name] = "healthy"
		if !st.Healthy {
			o.state.ServiceStatus[st.Name] = "unhealthy"
		}
		o.mu.Unlock()
		if !st.Initialized || !st.Healthy {
			failed = append(failed, st.Name)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("unhealthy components: %v", failed)
	}
	return nil
}

// --- periodic tasks ---

// flushSnapshot captures a performance snapshot, feeds the learner, and
// persists the snapshot JSON to the store.
func (o *Orchestrator) flushSnapshot(ctx context.Context) {
	o.mu.Lock()
	eng := o.engine
	o.mu.Unlock()

	snap := eng.collector.Snapshot()
	if snap.TotalOps > 0 {
		eng.learner.Record(collector.MetricOperationLatency, snap.AvgLatencyMs, snap.At)
		eng.learner.Record(metricSuccessRate, 1-snap.ErrorRate, snap.At)
	}

	data, err := json.Marshal(snap)
	if err == nil {
		prefix := o.cfg.Snapshot.KeyPrefix + ":snapshot:"
		err = o.store.Set(ctx, prefix+"latest", data, o.cfg.Snapshot.TTL)
		if err == nil {
			// Per-day key keeps a short trail of daily last-known snapshots.
			err = o.store.Set(ctx, prefix+snap.At.UTC().Format("2006-01-02"), data, o.cfg.Snapshot.TTL)
		}
	}
	metrics.ObserveSnapshotFlush(err)
	if err != nil {
		o.logger.Warn("snapshot flush failed", slog.Any("error", err))
	}
}

// startTask launches a ticker-driven goroutine bound to the task context.
func (o *Orchestrator) startTask(ctx context.Context, interval, fallback time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		interval = fallback
	}
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// --- state helpers ---

func (o *Orchestrator) setPhase(phase models.Phase) {
	o.mu.Lock()
	o.state.Phase = phase
	o.mu.Unlock()
}

func (o *Orchestrator) failPhase(phase models.Phase, err error) {
	o.mu.Lock()
	o.state.Errors = append(o.state.Errors, models.PhaseError{
		Phase:     phase,
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
	o.state.Phase = models.PhaseFailed
	o.state.CompletionTime = time.Now()
	o.mu.Unlock()

	o.setServing("", false)
	o.logger.Error("deployment phase failed",
		slog.String("phase", string(phase)),
		slog.Any("error", err))
}

func (o *Orchestrator) notifyPhase(phase models.Phase, err error) {
	o.mu.Lock()
	listeners := append([]PhaseListener(nil), o.listeners...)
	o.mu.Unlock()
	for _, fn := range listeners {
		fn(phase, err)
	}
}

func (o *Orchestrator) setServing(name string, ok bool) {
	if o.health != nil {
		o.health.SetServing(name, ok)
	}
}
