// Package transport defines the CAN bus driver contract and its implementations.
//
// Drivers are selected by name through a registry. The producer of a live session
// only ever sees the Transport interface and the Status codes it reports.
package transport

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"firestige.xyz/canlens/internal/config"
	"firestige.xyz/canlens/internal/core"
)

// Transport is a CAN bus driver.
//
// Read waits at most timeout and returns an *Error with StatusQRcvEmpty when no
// frame arrived. Implementations must allow Read and Write from different
// goroutines; concurrent writers are not supported.
type Transport interface {
	Open() error
	Close() error
	Read(timeout time.Duration) (core.Frame, error)
	Write(f core.Frame) error
	ResetBuffers() error
	BusStatus() Status
}

// Factory builds a driver from configuration.
type Factory func(cfg config.TransportConfig) (Transport, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a driver available under name. It panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("transport %q already registered", name))
	}
	registry[name] = f
}

// Drivers lists registered driver names.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds the driver named by cfg.Type. The returned transport is not open yet.
func New(cfg config.TransportConfig) (Transport, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Type]
	registryMu.RUnlock()
	if !ok {
		return nil, newError("new", StatusNoDriver, fmt.Errorf("unknown transport type %q", cfg.Type))
	}
	return f(cfg)
}

func init() {
	Register("virtual", newVirtualFromConfig)
	Register("slcan", newSLCANFromConfig)
	Register("socketcan", newSocketCANFromConfig)
}
