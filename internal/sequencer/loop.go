// Package sequencer runs tasks one at a time on a single goroutine. State
// owned by the loop needs no locking as long as it is only touched from
// posted tasks.
package sequencer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by Do when the loop stopped before running fn.
var ErrStopped = errors.New("sequencer: loop stopped")

type Loop struct {
	name string

	mu      sync.Mutex
	queue   []func()
	timers  map[*time.Timer]struct{}
	stopped bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func New(name string) *Loop {
	return &Loop{
		name:   name,
		timers: make(map[*time.Timer]struct{}),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post queues fn. It never blocks and is safe from any goroutine, including
// the loop itself. Tasks posted after Stop are dropped.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// PostDelayed queues fn after d.
func (l *Loop) PostDelayed(d time.Duration, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		l.mu.Lock()
		delete(l.timers, t)
		l.mu.Unlock()
		l.Post(fn)
	})
	l.timers[t] = struct{}{}
}

// Do runs fn on the loop and waits for it. Calling Do from a loop task
// deadlocks.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		defer close(finished)
		fn()
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes tasks until ctx is done or Stop is called.
func (l *Loop) Run(ctx context.Context) {
	defer l.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case <-l.wake:
		}
		for {
			fn, ok := l.next()
			if !ok {
				break
			}
			l.run(fn)
		}
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Sequencer task panicked", "loop", l.name, "panic", r)
		}
	}()
	fn()
}

// Stop drops queued tasks and pending timers. It is idempotent.
func (l *Loop) Stop() {
	l.once.Do(func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		for t := range l.timers {
			t.Stop()
		}
		l.timers = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed once the loop stopped.
func (l *Loop) Done() <-chan struct{} { return l.done }
