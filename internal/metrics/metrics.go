package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations.
	OutcomeError = "error"
	// OutcomeSuppressed labels alerts absorbed by a cooldown window.
	OutcomeSuppressed = "suppressed"
)

var (
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "executions_recorded_total",
			Help:      "Operation executions ingested by the metric collector, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	errorsTrackedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "errors_tracked_total",
			Help:      "Errors ingested by the error tracker, partitioned by category and severity.",
		},
		[]string{"category", "severity"},
	)

	alertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "alerts_total",
			Help:      "Alert create calls, partitioned by type and outcome (dispatched or suppressed).",
		},
		[]string{"type", "outcome"},
	)

	channelSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "channel_sends_total",
			Help:      "Notification channel deliveries, partitioned by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)

	adaptationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "threshold_adaptations_total",
			Help:      "Threshold adaptation cycles, partitioned by metric and outcome (committed or skipped).",
		},
		[]string{"metric", "outcome"},
	)

	deployPhaseSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "sentinel",
			Name:      "deploy_phase_seconds",
			Help:      "Deployment phase duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"phase", "outcome"},
	)

	snapshotFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      "snapshot_flushes_total",
			Help:      "Periodic snapshot flushes to the snapshot store, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
)

// Register attaches engine collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		executionsTotal,
		errorsTrackedTotal,
		alertsTotal,
		channelSendsTotal,
		adaptationsTotal,
		deployPhaseSeconds,
		snapshotFlushesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveExecution counts one ingested execution.
func ObserveExecution(success bool) {
	outcome := OutcomeSuccess
	if !success {
		outcome = OutcomeError
	}
	executionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveTrackedError counts one tracked error.
func ObserveTrackedError(category, severity string) {
	errorsTrackedTotal.WithLabelValues(category, severity).Inc()
}

// ObserveAlert counts one alert create call.
func ObserveAlert(alertType string, suppressed bool) {
	outcome := OutcomeSuccess
	if suppressed {
		outcome = OutcomeSuppressed
	}
	alertsTotal.WithLabelValues(alertType, outcome).Inc()
}

// ObserveChannelSend counts one channel delivery attempt.
func ObserveChannelSend(channel string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	channelSendsTotal.WithLabelValues(channel, outcome).Inc()
}

// ObserveAdaptation counts one adaptation cycle.
func ObserveAdaptation(metric string, committed bool) {
	outcome := "committed"
	if !committed {
		outcome = "skipped"
	}
	adaptationsTotal.WithLabelValues(metric, outcome).Inc()
}

// ObserveDeployPhase records a deployment phase duration and outcome.
func ObserveDeployPhase(phase string, duration time.Duration, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	if duration < 0 {
		duration = 0
	}
	deployPhaseSeconds.WithLabelValues(phase, outcome).Observe(duration.Seconds())
}

// ObserveSnapshotFlush records a snapshot store flush attempt.
func ObserveSnapshotFlush(err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	snapshotFlushesTotal.WithLabelValues(outcome).Inc()
}
