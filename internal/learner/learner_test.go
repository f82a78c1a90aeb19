package learner

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelstack/sentinel-engine/internal/config"
	"github.com/sentinelstack/sentinel-engine/internal/utils"
)

const testMetric = "operation_latency_ms"

func testPolicy() config.MetricPolicy {
	return config.MetricPolicy{
		Direction:          "upper",
		BaselinePercentile: 95,
		MinBound:           50,
		MaxBound:           30000,
		Initial:            500,
	}
}

func testLearner(t *testing.T, policy config.MetricPolicy) *Learner {
	t.Helper()
	l := New(nil, Config{
		MinDataPoints:        50,
		ConfidenceThreshold:  0.8,
		MaxAdjustmentPercent: 0.20,
		Debounce:             time.Hour, // never fires during tests
		Retention:            30 * 24 * time.Hour,
		BusinessHours:        utils.DefaultBusinessHours(),
	}, map[string]config.MetricPolicy{testMetric: policy})
	t.Cleanup(l.Close)
	return l
}

func feed(l *Learner, value float64, n int, ts time.Time) {
	for i := 0; i < n; i++ {
		l.Record(testMetric, value, ts)
	}
}

func TestThresholdSeededFromPolicy(t *testing.T) {
	l := testLearner(t, testPolicy())
	th, ok := l.Threshold(testMetric)
	require.True(t, ok)
	assert.Equal(t, 500.0, th.Current)

	// Without an initial value, upper metrics seed from the max bound and
	// lower metrics from the min bound.
	upper := testPolicy()
	upper.Initial = 0
	lu := testLearner(t, upper)
	th, _ = lu.Threshold(testMetric)
	assert.Equal(t, 30000.0, th.Current)

	lower := config.MetricPolicy{Direction: "lower", BaselinePercentile: 10, MinBound: 0.5, MaxBound: 1.0}
	ll := testLearner(t, lower)
	th, _ = ll.Threshold(testMetric)
	assert.Equal(t, 0.5, th.Current)
}

func TestRecordIgnoresBadInput(t *testing.T) {
	l := testLearner(t, testPolicy())
	l.Record("undeclared_metric", 1, time.Now())
	l.Record(testMetric, math.NaN(), time.Now())
	l.Record(testMetric, math.Inf(1), time.Now())
	assert.Equal(t, 0, l.SampleCount(testMetric))
	assert.Equal(t, 0, l.SampleCount("undeclared_metric"))
}

func TestAdaptTowardBaseline(t *testing.T) {
	l := testLearner(t, testPolicy())
	feed(l, 400, 120, time.Now())

	l.Adapt(testMetric)

	th, _ := l.Threshold(testMetric)
	assert.Equal(t, 400.0, th.Current)
	assert.Equal(t, 400.0, th.Baseline)
	assert.GreaterOrEqual(t, th.Confidence, 0.8)
	require.Len(t, th.History, 1)
	assert.Equal(t, 500.0, th.History[0].From)
	assert.Equal(t, 400.0, th.History[0].To)
}

func TestAdaptBimodalLatency(t *testing.T) {
	l := testLearner(t, testPolicy())

	// 110 fast samples at 100ms and 10 slow at 900ms: the p95 baseline is
	// 900, but one cycle moves the 500 threshold by at most 20%.
	now := time.Now()
	feed(l, 100, 110, now)
	feed(l, 900, 10, now)

	l.Adapt(testMetric)

	th, _ := l.Threshold(testMetric)
	assert.Equal(t, 900.0, th.Baseline)
	assert.Equal(t, 600.0, th.Current)
	assert.GreaterOrEqual(t, th.Confidence, 0.8)
}

func TestAdaptStepClamped(t *testing.T) {
	l := testLearner(t, testPolicy())
	// Baseline far above the prior; a single cycle moves at most 20%.
	feed(l, 10000, 120, time.Now())

	l.Adapt(testMetric)

	th, _ := l.Threshold(testMetric)
	assert.Equal(t, 600.0, th.Current)
}

func TestAdaptBoundsClamped(t *testing.T) {
	policy := testPolicy()
	policy.MinBound = 480
	l := testLearner(t, policy)
	feed(l, 400, 120, time.Now())

	l.Adapt(testMetric)

	th, _ := l.Threshold(testMetric)
	assert.Equal(t, 480.0, th.Current)
}

func TestAdaptConfidenceGate(t *testing.T) {
	l := testLearner(t, testPolicy())
	// Exactly MinDataPoints samples: volume confidence saturates at half,
	// keeping the score below the 0.8 gate even with zero variance.
	feed(l, 400, 50, time.Now())

	l.Adapt(testMetric)

	th, _ := l.Threshold(testMetric)
	assert.Equal(t, 500.0, th.Current, "low-confidence cycle must not commit")
	assert.Empty(t, th.History)
}

func TestAdaptInsufficientData(t *testing.T) {
	l := testLearner(t, testPolicy())
	feed(l, 400, 10, time.Now())

	l.Adapt(testMetric)

	th, _ := l.Threshold(testMetric)
	assert.Equal(t, 500.0, th.Current)
}

func TestAdaptRisingTrendRaisesThreshold(t *testing.T) {
	policy := testPolicy()
	policy.Initial = 200
	l := testLearner(t, policy)

	now := time.Now()
	for i := 0; i < 120; i++ {
		l.Record(testMetric, 100+float64(i), now)
	}

	l.Adapt(testMetric)

	th, _ := l.Threshold(testMetric)
	// p95 of the ramp is 213; the rising trend adds 5%.
	assert.InDelta(t, 213*1.05, th.Current, 1e-9)
}

func TestAdaptBusinessHoursFactor(t *testing.T) {
	policy := testPolicy()
	policy.Initial = 400
	policy.BusinessHours = true
	l := testLearner(t, policy)

	// Tuesday 11:00: inside the default business window.
	busy := time.Date(2026, 8, 18, 11, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return busy }
	feed(l, 400, 120, busy)

	l.Adapt(testMetric)

	th, _ := l.Threshold(testMetric)
	assert.InDelta(t, 440.0, th.Current, 1e-9)
}

func TestAdaptIntervalFloor(t *testing.T) {
	l := New(nil, Config{
		MinDataPoints:        50,
		AdaptationInterval:   time.Hour,
		ConfidenceThreshold:  0.8,
		MaxAdjustmentPercent: 0.20,
		Debounce:             time.Hour,
		Retention:            30 * 24 * time.Hour,
	}, map[string]config.MetricPolicy{testMetric: testPolicy()})
	t.Cleanup(l.Close)

	feed(l, 400, 120, time.Now())
	l.Adapt(testMetric)
	th, _ := l.Threshold(testMetric)
	require.Equal(t, 400.0, th.Current)

	// A second cycle inside the interval is skipped even with fresh data.
	feed(l, 300, 120, time.Now())
	l.Adapt(testMetric)
	th, _ = l.Threshold(testMetric)
	assert.Equal(t, 400.0, th.Current)
}

func TestOnAdaptedCallback(t *testing.T) {
	l := testLearner(t, testPolicy())

	var got []ThresholdUpdate
	l.OnAdapted(func(u ThresholdUpdate) { got = append(got, u) })

	feed(l, 400, 120, time.Now())
	l.Adapt(testMetric)

	require.Len(t, got, 1)
	assert.Equal(t, testMetric, got[0].Metric)
	assert.Equal(t, 500.0, got[0].Old)
	assert.Equal(t, 400.0, got[0].New)
}

func TestRetentionEviction(t *testing.T) {
	l := New(nil, Config{
		MinDataPoints:        50,
		ConfidenceThreshold:  0.8,
		MaxAdjustmentPercent: 0.20,
		Debounce:             time.Hour,
		Retention:            time.Hour,
	}, map[string]config.MetricPolicy{testMetric: testPolicy()})
	t.Cleanup(l.Close)

	clock := time.Now()
	l.now = func() time.Time { return clock }

	l.Record(testMetric, 1, clock)
	clock = clock.Add(2 * time.Hour)
	l.Record(testMetric, 2, clock)

	assert.Equal(t, 1, l.SampleCount(testMetric))
}

func TestDebounceCoalesces(t *testing.T) {
	l := testLearner(t, testPolicy())
	feed(l, 400, 120, time.Now())

	l.mu.Lock()
	pending := len(l.timers)
	l.mu.Unlock()
	assert.Equal(t, 1, pending, "repeated records must share one pending timer")
}

func TestCloseIdempotent(t *testing.T) {
	l := testLearner(t, testPolicy())
	feed(l, 400, 120, time.Now())

	l.Close()
	l.Close()

	l.Record(testMetric, 400, time.Now())
	assert.Equal(t, 120, l.SampleCount(testMetric), "records after close are dropped")

	l.Adapt(testMetric)
	th, _ := l.Threshold(testMetric)
	assert.Equal(t, 500.0, th.Current)
}
