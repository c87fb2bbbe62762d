// Package limiter bounds the number of concurrently running tasks.
// It is the sole serialization point protecting the shared recognition
// backend from being oversubscribed by many simultaneously-speaking sessions.
package limiter

import (
	"container/list"
	"sync"
)

// Limiter admits at most max tasks at a time; the rest wait in FIFO order.
// There is no priority and no cancellation: once dispatched a task runs to
// completion.
type Limiter struct {
	mu     sync.Mutex
	max    int
	active int
	queue  *list.List // of chan struct{}
}

func New(max int) *Limiter {
	if max < 1 {
		max = 1
	}
	return &Limiter{max: max, queue: list.New()}
}

// Run blocks until a slot is free, then invokes task and returns its result.
func (l *Limiter) Run(task func() error) error {
	l.acquire()
	defer l.release()
	return task()
}

func (l *Limiter) acquire() {
	l.mu.Lock()
	if l.active < l.max {
		l.active++
		l.mu.Unlock()
		return
	}
	ready := make(chan struct{})
	l.queue.PushBack(ready)
	l.mu.Unlock()
	<-ready
}

func (l *Limiter) release() {
	l.mu.Lock()
	if front := l.queue.Front(); front != nil {
		l.queue.Remove(front)
		close(front.Value.(chan struct{}))
	} else {
		l.active--
	}
	l.mu.Unlock()
}

// Active returns the number of currently running tasks.
func (l *Limiter) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
