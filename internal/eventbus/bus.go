// Package eventbus fans job lifecycle events out to in-process subscribers.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler.
const (
	JobScheduled   = "job.scheduled"
	JobUnscheduled = "job.unscheduled"
	JobStarted     = "job.started"
	JobFinished    = "job.finished"
	JobFailed      = "job.failed"
	JobSkipped     = "job.skipped"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus never blocks a publisher: a subscriber whose buffer is full misses the event.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

const defaultBuffer = 8

type subscriber struct {
	ch      chan Event
	dropped atomic.Uint64
}

// MemBus is the in-memory Bus. It owns no goroutines.
type MemBus struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	dropped atomic.Uint64
}

func New() *MemBus {
	return &MemBus{subs: map[*subscriber]struct{}{}}
}

func (b *MemBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Sends happen under the read lock; close happens under the write lock.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

func (b *MemBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			close(s.ch)
			b.mu.Unlock()
		})
	}
}

// Dropped counts events lost to full subscriber buffers since the bus was created.
func (b *MemBus) Dropped() uint64 { return b.dropped.Load() }

// Subscribers reports the current subscriber count.
func (b *MemBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
