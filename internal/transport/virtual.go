package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/canlens/internal/config"
	"firestige.xyz/canlens/internal/core"
)

// VirtualOptions are the driver options of the in-memory bus.
type VirtualOptions struct {
	// Loopback delivers every written frame back to the reader.
	Loopback bool `mapstructure:"loopback"`
}

type rxItem struct {
	frame core.Frame
	err   error
}

// Virtual is an in-memory bus. Tests and demos inject frames and statuses and
// inspect what was written.
type Virtual struct {
	mu      sync.Mutex
	opts    VirtualOptions
	open    bool
	rx      []rxItem
	notify  chan struct{}
	done    chan struct{}
	written []core.Frame
	status  Status
	resets  int

	failAfter  int
	failStatus Status
}

// NewVirtual returns a closed virtual bus.
func NewVirtual(opts VirtualOptions) *Virtual {
	return &Virtual{
		opts:      opts,
		notify:    make(chan struct{}, 1),
		failAfter: -1,
	}
}

func newVirtualFromConfig(cfg config.TransportConfig) (Transport, error) {
	var opts VirtualOptions
	if err := mapstructure.Decode(cfg.Options, &opts); err != nil {
		return nil, newError("new", StatusIllParamVal, fmt.Errorf("virtual options: %w", err))
	}
	return NewVirtual(opts), nil
}

func (v *Virtual) Open() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.open {
		return newError("open", StatusNetInUse, nil)
	}
	v.open = true
	v.done = make(chan struct{})
	return nil
}

func (v *Virtual) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open {
		return nil
	}
	v.open = false
	close(v.done)
	return nil
}

// Inject queues frames for Read.
func (v *Virtual) Inject(frames ...core.Frame) {
	v.mu.Lock()
	for _, f := range frames {
		v.rx = append(v.rx, rxItem{frame: f})
	}
	v.mu.Unlock()
	v.wake()
}

// InjectStatus queues a read failure carrying status.
func (v *Virtual) InjectStatus(status Status) {
	v.mu.Lock()
	v.rx = append(v.rx, rxItem{err: newError("read", status, nil)})
	v.mu.Unlock()
	v.wake()
}

// FailWritesAfter makes every write after the first n fail with status.
// A negative n disables the failure.
func (v *Virtual) FailWritesAfter(n int, status Status) {
	v.mu.Lock()
	v.failAfter = n
	v.failStatus = status
	v.mu.Unlock()
}

// SetBusStatus sets what BusStatus reports.
func (v *Virtual) SetBusStatus(s Status) {
	v.mu.Lock()
	v.status = s
	v.mu.Unlock()
}

// Written returns the frames written so far, stamped with their write time.
func (v *Virtual) Written() []core.Frame {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]core.Frame, len(v.written))
	copy(out, v.written)
	return out
}

// Resets returns how many times ResetBuffers ran.
func (v *Virtual) Resets() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.resets
}

// Pending returns the number of queued reads.
func (v *Virtual) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.rx)
}

func (v *Virtual) wake() {
	select {
	case v.notify <- struct{}{}:
	default:
	}
}

func (v *Virtual) Read(timeout time.Duration) (core.Frame, error) {
	var timer *time.Timer
	for {
		v.mu.Lock()
		if !v.open {
			v.mu.Unlock()
			return core.Frame{}, newError("read", StatusInitialize, nil)
		}
		if len(v.rx) > 0 {
			item := v.rx[0]
			v.rx[0] = rxItem{}
			v.rx = v.rx[1:]
			v.mu.Unlock()
			if item.err != nil {
				return core.Frame{}, item.err
			}
			f := item.frame
			if f.Timestamp.IsZero() {
				f.Timestamp = time.Now()
			}
			return f, nil
		}
		done := v.done
		v.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}
		select {
		case <-v.notify:
		case <-done:
		case <-timer.C:
			return core.Frame{}, ErrRxEmpty
		}
	}
}

func (v *Virtual) Write(f core.Frame) error {
	v.mu.Lock()
	if !v.open {
		v.mu.Unlock()
		return newError("write", StatusInitialize, nil)
	}
	if f.DLC > core.MaxDLC {
		v.mu.Unlock()
		return newError("write", StatusIllData, errors.New("dlc above 8"))
	}
	if v.failAfter >= 0 && len(v.written) >= v.failAfter {
		status := v.failStatus
		v.mu.Unlock()
		return newError("write", status, nil)
	}
	f.Timestamp = time.Now()
	v.written = append(v.written, f)
	if v.opts.Loopback {
		v.rx = append(v.rx, rxItem{frame: f})
	}
	v.mu.Unlock()

	if v.opts.Loopback {
		v.wake()
	}
	return nil
}

// ResetBuffers drops everything queued for reading.
func (v *Virtual) ResetBuffers() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rx = nil
	v.resets++
	return nil
}

func (v *Virtual) BusStatus() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.open {
		return StatusInitialize
	}
	return v.status
}
