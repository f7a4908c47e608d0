// Package loop runs closures one at a time on a single goroutine. All engine
// state is owned by that goroutine, so handlers never interleave.
package loop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when work is posted after the loop has exited.
var ErrStopped = errors.New("loop: stopped")

// Executor runs fn on the loop and waits for it to finish.
type Executor interface {
	Do(fn func()) error
}

// Loop is a serial executor.
type Loop struct {
	queue chan func()
	done  chan struct{}
	once  sync.Once
}

// New creates a loop with the given queue depth.
func New(depth int) *Loop {
	if depth <= 0 {
		depth = 256
	}
	return &Loop{
		queue: make(chan func(), depth),
		done:  make(chan struct{}),
	}
}

// Run executes queued work until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.queue:
			fn()
		}
	}
}

// Start runs the loop on a new goroutine.
func (l *Loop) Start(ctx context.Context) {
	go l.Run(ctx)
}

// Done is closed once the loop has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Post queues fn without waiting for it. It blocks while the queue is full.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.queue <- fn:
		return nil
	case <-l.done:
		return ErrStopped
	}
}

// Do queues fn and waits until it has run. It must not be called from the
// loop goroutine.
func (l *Loop) Do(fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop may have exited right after running fn.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	}
}
