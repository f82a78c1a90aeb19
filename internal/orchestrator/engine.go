package orchestrator

import (
	"github.com/sentinelstack/sentinel-engine/internal/alerting"
	"github.com/sentinelstack/sentinel-engine/internal/collector"
	"github.com/sentinelstack/sentinel-engine/internal/learner"
	"github.com/sentinelstack/sentinel-engine/internal/models"
	"github.com/sentinelstack/sentinel-engine/internal/tracker"
)

// Engine bundles the live monitoring components assembled by a deployment.
// Accessors return nil until the owning phase has run.
type Engine struct {
	collector  *collector.Collector
	tracker    *tracker.Tracker
	learner    *learner.Learner
	dispatcher *alerting.Dispatcher
}

// Collector returns the metric collector.
func (e *Engine) Collector() *collector.Collector { return e.collector }

// Tracker returns the error tracker.
func (e *Engine) Tracker() *tracker.Tracker { return e.tracker }

// Learner returns the threshold learner.
func (e *Engine) Learner() *learner.Learner { return e.learner }

// Dispatcher returns the alert dispatcher.
func (e *Engine) Dispatcher() *alerting.Dispatcher { return e.dispatcher }

// componentStatuses collects the status of every constructed component.
func (e *Engine) componentStatuses() []models.ComponentStatus {
	var out []models.ComponentStatus
	if e.dispatcher != nil {
		out = append(out, e.dispatcher.Status())
	}
	if e.collector != nil {
		out = append(out, e.collector.Status())
	}
	if e.tracker != nil {
		out = append(out, e.tracker.Status())
	}
	if e.learner != nil {
		out = append(out, e.learner.Status())
	}
	return out
}
