package models

import "time"

// Severity ranks how urgent an alert or tracked error is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Alert type values emitted by the engine components.
const (
	AlertCriticalSlowOperation = "critical_slow_operation"
	AlertConsistentlySlow      = "consistently_slow_operation"
	AlertErrorRate             = "error_rate"
	AlertConnectionPressure    = "connection_pressure"
	AlertCriticalError         = "critical_error"
	AlertErrorSpike            = "error_spike"
	AlertCriticalErrorRate     = "critical_error_rate"
)

// SubjectGlobal is the dedupe subject for alerts not scoped to a single
// operation or error group.
const SubjectGlobal = "global"

// Alert is an ephemeral alert event fanned out to notification channels.
// Alerts are retained only in the dispatcher's bounded recent list.
type Alert struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Severity  Severity       `json:"severity"`
	Subject   string         `json:"subject"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// SeverityRank orders severities for comparisons; higher is more urgent.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}
