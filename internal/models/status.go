package models

import "time"

// ComponentStatus is the health/status read every engine component exposes.
// The orchestrator's health-validation phase and the gRPC health surface
// consume it; counters are component-specific.
type ComponentStatus struct {
	Name        string           `json:"name"`
	Initialized bool             `json:"initialized"`
	Healthy     bool             `json:"healthy"`
	Counters    map[string]int64 `json:"counters,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	CheckedAt   time.Time        `json:"checked_at"`
}
