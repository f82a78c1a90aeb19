package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sentinelstack/sentinel-engine/internal/collector"
	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	memcache "github.com/sentinelstack/sentinel-engine/pkg/cache"
)

type healthStub struct {
	mu      sync.Mutex
	serving map[string]bool
}

func newHealthStub() *healthStub {
	return &healthStub{serving: make(map[string]bool)}
}

func (h *healthStub) SetServing(name string, ok bool) {
	h.mu.Lock()
	h.serving[name] = ok
	h.mu.Unlock()
}

func (h *healthStub) get(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.serving[name]
}

func testConfig() *config.Config {
	cfg := config.Default()
	return &cfg
}

func shutdown(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	o.Shutdown(ctx)
}

func TestDeployReachesReady(t *testing.T) {
	health := newHealthStub()
	o := New(nil, testConfig(), nil, health)
	defer shutdown(t, o)

	if err := o.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	state := o.State()
	if state.Phase != models.PhaseReady {
		t.Fatalf("phase = %s, want ready", state.Phase)
	}
	if state.CompletionTime.IsZero() || state.StartTime.IsZero() {
		t.Fatalf("timestamps not recorded: %+v", state)
	}
	if len(state.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", state.Errors)
	}

	eng := o.Engine()
	if eng.Collector() == nil || eng.Tracker() == nil || eng.Learner() == nil || eng.Dispatcher() == nil {
		t.Fatalf("engine components missing after deploy")
	}
	if !health.get("") || !health.get("collector") || !health.get("learner") {
		t.Fatalf("health not propagated: %+v", health.serving)
	}
}

func TestDeployPhaseOrder(t *testing.T) {
	o := New(nil, testConfig(), nil, nil)
	defer shutdown(t, o)

	var seen []models.Phase
	o.OnPhase(func(phase models.Phase, err error) {
		if err != nil {
			t.Errorf("phase %s failed: %v", phase, err)
		}
		seen = append(seen, phase)
	})

	if err := o.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	want := models.OrderedPhases()
	if len(seen) != len(want) {
		t.Fatalf("phases seen = %d, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("phase %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestPhaseFailureStopsDeployment(t *testing.T) {
	health := newHealthStub()
	o := New(nil, testConfig(), nil, health)
	defer shutdown(t, o)

	boom := errors.New("channel bootstrap failed")
	o.phases[3].run = func(context.Context) error { return boom }

	var seen []models.Phase
	o.OnPhase(func(phase models.Phase, _ error) { seen = append(seen, phase) })

	err := o.Deploy(context.Background())
	if err == nil {
		t.Fatalf("expected deploy error")
	}

	state := o.State()
	if state.Phase != models.PhaseFailed {
		t.Fatalf("phase = %s, want failed", state.Phase)
	}
	if len(state.Errors) != 1 || state.Errors[0].Phase != models.PhaseAlertConfig {
		t.Fatalf("phase error wrong: %+v", state.Errors)
	}
	// Phases after the failure never ran.
	if len(seen) != 4 || seen[len(seen)-1] != models.PhaseAlertConfig {
		t.Fatalf("phases seen = %v", seen)
	}
	if health.get("") {
		t.Fatalf("failed deployment must not serve")
	}
}

func TestDeployIsSingleShot(t *testing.T) {
	o := New(nil, testConfig(), nil, nil)
	defer shutdown(t, o)

	if err := o.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	if err := o.Deploy(context.Background()); err == nil {
		t.Fatalf("second deploy must fail")
	}
}

func TestInvalidPolicyFailsInit(t *testing.T) {
	cfg := testConfig()
	cfg.Learner.Metrics["bad_metric"] = config.MetricPolicy{Direction: "sideways"}
	o := New(nil, cfg, nil, nil)
	defer shutdown(t, o)

	if err := o.Deploy(context.Background()); err == nil {
		t.Fatalf("expected init validation failure")
	}
	if got := o.State().Phase; got != models.PhaseFailed {
		t.Fatalf("phase = %s, want failed", got)
	}
}

func TestShutdownIdempotent(t *testing.T) {
	o := New(nil, testConfig(), nil, newHealthStub())
	if err := o.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	o.Shutdown(ctx)
	o.Shutdown(ctx) // second call returns immediately
}

func TestAdaptedThresholdReachesCollector(t *testing.T) {
	cfg := testConfig()
	cfg.Learner.MinDataPoints = 10
	cfg.Learner.Debounce = time.Hour
	// Plain percentile policy keeps the committed value deterministic.
	cfg.Learner.Metrics[collector.MetricOperationLatency] = config.MetricPolicy{
		Direction:          "upper",
		BaselinePercentile: 95,
		MinBound:           50,
		MaxBound:           30000,
		Initial:            500,
	}
	o := New(nil, cfg, nil, nil)
	defer shutdown(t, o)

	if err := o.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	eng := o.Engine()

	// Learn a 400ms baseline, then commit it.
	now := time.Now()
	for i := 0; i < 40; i++ {
		eng.Learner().Record(collector.MetricOperationLatency, 400, now)
	}
	eng.Learner().Adapt(collector.MetricOperationLatency)

	th, ok := eng.Learner().Threshold(collector.MetricOperationLatency)
	if !ok || th.Current != 400 {
		t.Fatalf("threshold = %+v, want 400", th)
	}

	// 450ms executions now sit above the adapted slow threshold.
	for i := 0; i < 12; i++ {
		eng.Collector().RecordExecution("report build", 450*time.Millisecond, true, nil)
	}

	var found bool
	for _, a := range eng.Dispatcher().ListRecent(time.Hour) {
		if a.Type == models.AlertConsistentlySlow {
			found = true
		}
	}
	if !found {
		t.Fatalf("adapted threshold did not reach the collector")
	}
}

func TestSnapshotFlushPersists(t *testing.T) {
	store := memcache.NewMemory()
	o := New(nil, testConfig(), store, nil)
	defer shutdown(t, o)

	if err := o.Deploy(context.Background()); err != nil {
		t.Fatalf("deploy: %v", err)
	}
	eng := o.Engine()
	for i := 0; i < 20; i++ {
		eng.Collector().RecordExecution("checkout", 5*time.Millisecond, true, nil)
	}

	o.flushSnapshot(context.Background())

	data, err := store.Get(context.Background(), o.cfg.Snapshot.KeyPrefix+":snapshot:latest")
	if err != nil {
		t.Fatalf("snapshot not stored: %v", err)
	}
	var snap collector.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("snapshot not valid JSON: %v", err)
	}
	if snap.TotalOps != 20 {
		t.Fatalf("snapshot total = %d, want 20", snap.TotalOps)
	}
	if got := eng.Learner().SampleCount(collector.MetricOperationLatency); got != 1 {
		t.Fatalf("learner sample count = %d, want 1", got)
	}
}
