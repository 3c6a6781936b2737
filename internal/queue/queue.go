// Package queue implements the FIFO that carries decoded events from a session's
// producer to its consumer.
//
// The queue is a slice guarded by a mutex with two condition variables: consumers
// wait on notEmpty, producers of a full blocking queue wait on notFull. Close wakes
// every waiter; events still queued at Close remain poppable.
package queue

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"firestige.xyz/canlens/internal/core"
)

// Policy decides what Push does when a bounded queue is full.
type Policy string

const (
	// PolicyBlock makes the producer wait for room.
	PolicyBlock Policy = "block"
	// PolicyDropHead discards the oldest queued event.
	PolicyDropHead Policy = "head"
)

// ErrTimeout is returned by Pop when nothing arrived within the wait.
var ErrTimeout = errors.New("queue: pop timed out")

// ParsePolicy converts a configuration value into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyBlock, "":
		return PolicyBlock, nil
	case PolicyDropHead:
		return PolicyDropHead, nil
	}
	return "", fmt.Errorf("unknown drop policy %q", s)
}

// Stats is a point-in-time snapshot of queue counters.
type Stats struct {
	Pushed    uint64
	Popped    uint64
	Dropped   uint64
	Len       int
	HighWater int
}

// Queue is a thread-safe FIFO of decoded events.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	items    []*core.DecodedEvent
	capacity int
	policy   Policy
	closed   bool

	pushed    uint64
	popped    uint64
	dropped   uint64
	highWater int
}

// New creates a queue. capacity 0 means unbounded and policy is ignored.
func New(capacity int, policy Policy) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	if policy == "" {
		policy = PolicyBlock
	}
	q := &Queue{
		capacity: capacity,
		policy:   policy,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push appends ev. It returns core.ErrQueueClosed once the queue is closed.
func (q *Queue) Push(ev *core.DecodedEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return core.ErrQueueClosed
	}

	if q.capacity > 0 {
		for len(q.items) >= q.capacity && !q.closed {
			if q.policy == PolicyDropHead {
				q.items[0] = nil
				q.items = q.items[1:]
				q.dropped++
				break
			}
			q.notFull.Wait()
		}
		if q.closed {
			return core.ErrQueueClosed
		}
	}

	q.items = append(q.items, ev)
	q.pushed++
	if len(q.items) > q.highWater {
		q.highWater = len(q.items)
	}
	q.notEmpty.Signal()
	return nil
}

// Pop removes the oldest event, waiting up to timeout for one to arrive.
// A non-positive timeout does not wait. After Close it keeps returning queued
// events and then core.ErrQueueClosed.
func (q *Queue) Pop(timeout time.Duration) (*core.DecodedEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 && !q.closed && timeout > 0 {
		deadline := time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			q.mu.Lock()
			q.notEmpty.Broadcast()
			q.mu.Unlock()
		})
		defer timer.Stop()

		for len(q.items) == 0 && !q.closed && time.Now().Before(deadline) {
			q.notEmpty.Wait()
		}
	}

	if len(q.items) == 0 {
		if q.closed {
			return nil, core.ErrQueueClosed
		}
		return nil, ErrTimeout
	}

	ev := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.popped++
	q.notFull.Signal()
	return ev, nil
}

// Close rejects further pushes and wakes all waiters.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
	q.mu.Unlock()
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many events the head-drop policy discarded.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Stats returns a snapshot of the counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pushed:    q.pushed,
		Popped:    q.popped,
		Dropped:   q.dropped,
		Len:       len(q.items),
		HighWater: q.highWater,
	}
}
