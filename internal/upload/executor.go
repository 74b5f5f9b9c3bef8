package upload

import (
	"context"
)

// Run drives d to completion on the calling goroutine, blocking on each
// step's I/O in turn. The caller still owns d and should Close it.
func Run(ctx context.Context, d *Driver) (*Record, error) {
	for {
		step, err := d.Advance(ctx)
		if err != nil {
			return nil, err
		}

		if step == StepDone {
			return d.Result()
		}
	}
}

// Scheduler runs submitted functions at some later point. Implementations
// decide on which goroutine.
type Scheduler interface {
	Schedule(fn func())
}

// Future is the pending result of RunAsync.
type Future struct {
	done chan struct{}
	rec  *Record
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(rec *Record, err error) {
	f.rec, f.err = rec, err
	close(f.done)
}

// Done is closed once the upload has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the upload finishes or ctx is done. Giving up on Wait
// does not stop the upload; cancel the context passed to RunAsync for that.
func (f *Future) Wait(ctx context.Context) (*Record, error) {
	select {
	case <-f.done:
		return f.rec, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// RunAsync drives d through sched: every step is its own scheduled task and
// the task for step N+1 is only scheduled after step N has returned, so the
// order of I/O is the same as with Run. d is closed when the future
// resolves.
func RunAsync(ctx context.Context, d *Driver, sched Scheduler) *Future {
	f := newFuture()

	var step func()

	step = func() {
		next, err := d.Advance(ctx)

		switch {
		case err != nil:
			_ = d.Close()
			f.resolve(nil, err)
		case next == StepDone:
			_ = d.Close()
			f.resolve(d.Result())
		default:
			sched.Schedule(step)
		}
	}

	sched.Schedule(step)

	return f
}

// GoScheduler runs every task on a fresh goroutine.
type GoScheduler struct{}

// Schedule starts fn on a new goroutine.
func (GoScheduler) Schedule(fn func()) {
	go fn()
}

var _ Scheduler = GoScheduler{}
