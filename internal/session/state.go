// Package session implements session lifecycle management.
package session

import "firestige.xyz/canlens/internal/metrics"

// State represents the state of the session manager.
type State string

const (
	// StateIdle indicates no session is active.
	StateIdle State = "idle"
	// StateRunning indicates a live or replay session is processing frames.
	StateRunning State = "running"
	// StatePaused indicates the producer is suspended; the consumer keeps draining.
	StatePaused State = "paused"
	// StateStopping indicates both tasks are being joined.
	StateStopping State = "stopping"
)

// gaugeValue maps a state to the metrics.SessionState gauge.
func (s State) gaugeValue() float64 {
	switch s {
	case StateRunning:
		return metrics.SessionStateRunning
	case StatePaused:
		return metrics.SessionStatePaused
	case StateStopping:
		return metrics.SessionStateStopping
	default:
		return metrics.SessionStateIdle
	}
}

// Active reports whether a session occupies the manager.
func (s State) Active() bool {
	return s != StateIdle
}
