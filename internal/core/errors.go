// Package core defines sentinel errors.
package core

import "errors"

var (
	// Session management errors
	ErrSessionActive   = errors.New("canlens: a session is already active")
	ErrNoSession       = errors.New("canlens: no active session")
	ErrNoCatalog       = errors.New("canlens: no signal catalog loaded")
	ErrTransmitActive  = errors.New("canlens: periodic transmit is running")
	ErrInvalidState    = errors.New("canlens: invalid session state")
	ErrPipelineStopped = errors.New("canlens: pipeline stopped")

	// Catalog errors
	ErrNoMessages = errors.New("canlens: catalog contains no messages")

	// Trace errors
	ErrEmptyTrace      = errors.New("canlens: trace contains no entries")
	ErrRecorderStopped = errors.New("canlens: trace recorder is not started")

	// Queue errors
	ErrQueueClosed = errors.New("canlens: queue closed")

	// Plugin errors
	ErrPluginNotFound   = errors.New("canlens: plugin not found")
	ErrPluginInitFailed = errors.New("canlens: plugin init failed")

	// Configuration errors
	ErrConfigInvalid = errors.New("canlens: invalid configuration")
)
