package injector

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	errDispatcherClosed = errors.New("dispatcher closed")
	errDispatcherFull   = errors.New("dispatcher queue full")
)

// Submitter runs surface I/O away from the sequencing loop. done, when set,
// receives the outcome on the dispatcher goroutine.
type Submitter interface {
	Submit(name string, fn func(ctx context.Context) error, done func(error)) error
}

type dispatchJob struct {
	name string
	fn   func(ctx context.Context) error
	done func(error)
}

// Dispatcher executes surface calls in submission order on one goroutine so
// the loop never waits on the surface.
type Dispatcher struct {
	tabID   string
	timeout time.Duration
	jobs    chan dispatchJob
	done    chan struct{}
	wg      sync.WaitGroup

	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
}

func NewDispatcher(tabID string, bufferSize int, timeout time.Duration) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		tabID:   tabID,
		timeout: timeout,
		jobs:    make(chan dispatchJob, bufferSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}

	d.wg.Add(1)
	go d.runLoop()

	return d
}

// Submit queues fn without blocking. A full queue drops the job.
func (d *Dispatcher) Submit(name string, fn func(ctx context.Context) error, done func(error)) error {
	select {
	case <-d.done:
		return errDispatcherClosed
	default:
	}
	select {
	case d.jobs <- dispatchJob{name: name, fn: fn, done: done}:
		return nil
	case <-d.done:
		return errDispatcherClosed
	default:
		slog.Warn("Dispatch queue full, dropping job", "tab_id", d.tabID, "job", name)
		return errDispatcherFull
	}
}

// Close stops accepting work, cancels the job in flight and waits for the
// goroutine to exit.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.done)
		d.cancel()
		d.wg.Wait()
	})
}

func (d *Dispatcher) runLoop() {
	defer d.wg.Done()

	for {
		select {
		case job := <-d.jobs:
			d.runJob(job)
		case <-d.done:
			return
		}
	}
}

func (d *Dispatcher) runJob(job dispatchJob) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Dispatch job panicked", "tab_id", d.tabID, "job", job.name, "panic", r)
				err = errors.New("dispatch job panicked")
			}
		}()
		return job.fn(ctx)
	}()
	if err != nil {
		slog.Debug("Dispatch job failed", "tab_id", d.tabID, "job", job.name, "error", err)
	}
	if job.done != nil {
		job.done(err)
	}
}
