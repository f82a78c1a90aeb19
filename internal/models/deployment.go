package models

import "time"

// Phase names the steps of the deployment state machine, in execution order.
type Phase string

const (
	PhaseInit             Phase = "init"
	PhaseCoreCollectors   Phase = "core_collectors"
	PhaseCrossWiring      Phase = "cross_wiring"
	PhaseAlertConfig      Phase = "alert_config"
	PhaseReportingConfig  Phase = "reporting_config"
	PhaseAdaptiveLearning Phase = "adaptive_learning"
	PhaseHealthValidation Phase = "health_validation"
	PhaseReady            Phase = "ready"
	PhaseFailed           Phase = "failed"
)

// OrderedPhases lists every non-terminal phase in the order it runs.
func OrderedPhases() []Phase {
	return []Phase{
		PhaseInit,
		PhaseCoreCollectors,
		PhaseCrossWiring,
		PhaseAlertConfig,
		PhaseReportingConfig,
		PhaseAdaptiveLearning,
		PhaseHealthValidation,
	}
}

// PhaseError records a failure inside a deployment phase.
type PhaseError struct {
	Phase     Phase     `json:"phase"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// DeploymentState tracks the single live deployment of the engine. Phase
// transitions are strictly forward; any phase failure moves the whole state
// to PhaseFailed and no later phases run.
type DeploymentState struct {
	Phase          Phase            `json:"phase"`
	ServiceStatus  map[string]string `json:"service_status"`
	Errors         []PhaseError     `json:"errors,omitempty"`
	StartTime      time.Time        `json:"start_time"`
	CompletionTime time.Time        `json:"completion_time,omitempty"`
}

// Clone returns a deep copy safe to hand to callers.
func (s DeploymentState) Clone() DeploymentState {
	out := s
	out.ServiceStatus = make(map[string]string, len(s.ServiceStatus))
	for k, v := range s.ServiceStatus {
		out.ServiceStatus[k] = v
	}
	out.Errors = append([]PhaseError(nil), s.Errors...)
	return out
}
