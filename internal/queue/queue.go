// Package queue provides the keyed background task substrate the pipeline
// schedules work onto.
package queue

import (
	"context"
	"sync"
)

// Policy controls admission when a task with the same key is already running.
type Policy int

const (
	// Replace cancels the running task and admits the new one.
	Replace Policy = iota
	// Keep rejects the new task while one is already running.
	Keep
)

// Queue admits cancellable background tasks keyed by a unique string.
type Queue interface {
	// Enqueue starts run under the key. Returns false when a Keep-policy
	// submission was rejected because the key is busy.
	Enqueue(key string, policy Policy, run func(ctx context.Context)) bool

	// Cancel cancels the running task for key, if any.
	Cancel(key string) bool

	// Close cancels everything and waits for running tasks to return.
	Close()
}

type slot struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// MemoryQueue is the in-process Queue used by the daemon. Tasks run on their
// own goroutine with a context cancelled by Replace, Cancel or Close.
type MemoryQueue struct {
	mu     sync.Mutex
	slots  map[string]*slot
	wg     sync.WaitGroup
	closed bool
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{slots: make(map[string]*slot)}
}

func (q *MemoryQueue) Enqueue(key string, policy Policy, run func(ctx context.Context)) bool {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()

		return false
	}

	if existing, ok := q.slots[key]; ok {
		if policy == Keep {
			q.mu.Unlock()

			return false
		}

		// The replaced task keeps draining in the background; session token
		// validation makes its remaining work a no-op.
		existing.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &slot{cancel: cancel, done: make(chan struct{})}
	q.slots[key] = s

	q.wg.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.wg.Done()
		defer close(s.done)
		defer cancel()

		run(ctx)

		q.mu.Lock()
		if q.slots[key] == s {
			delete(q.slots, key)
		}
		q.mu.Unlock()
	}()

	return true
}

func (q *MemoryQueue) Cancel(key string) bool {
	q.mu.Lock()
	s, ok := q.slots[key]
	q.mu.Unlock()

	if !ok {
		return false
	}

	s.cancel()

	return true
}

func (q *MemoryQueue) Close() {
	q.mu.Lock()
	q.closed = true

	for _, s := range q.slots {
		s.cancel()
	}
	q.mu.Unlock()

	q.wg.Wait()
}
