package upload

import (
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// PoolScheduler runs tasks on a fixed set of worker goroutines. Several
// uploads driven through one pool interleave their steps, while each upload's
// own steps stay in order because RunAsync schedules them one at a time.
type PoolScheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	active  int
	closing bool

	g      errgroup.Group
	logger *slog.Logger
}

// NewPoolScheduler starts workers goroutines (at least one).
func NewPoolScheduler(workers int, logger *slog.Logger) *PoolScheduler {
	if logger == nil {
		logger = slog.Default()
	}

	workers = max(1, workers)

	p := &PoolScheduler{logger: logger}
	p.cond = sync.NewCond(&p.mu)

	for range workers {
		p.g.Go(p.work)
	}

	logger.Debug("scheduler pool started", slog.Int("workers", workers))

	return p
}

// Schedule queues fn. Tasks queued after Close has returned run on their own
// goroutine.
func (p *PoolScheduler) Schedule(fn func()) {
	p.mu.Lock()

	if p.closing && p.active == 0 && len(p.queue) == 0 {
		p.mu.Unlock()

		go fn()

		return
	}

	p.queue = append(p.queue, fn)
	p.mu.Unlock()
	p.cond.Signal()
}

// Close waits until every queued task, including continuations scheduled
// by running tasks, has finished, then stops the workers.
func (p *PoolScheduler) Close() error {
	p.mu.Lock()
	p.closing = true
	p.mu.Unlock()
	p.cond.Broadcast()

	return p.g.Wait()
}

func (p *PoolScheduler) work() error {
	for {
		fn, ok := p.next()
		if !ok {
			return nil
		}

		fn()

		p.mu.Lock()
		p.active--
		idle := p.closing && p.active == 0 && len(p.queue) == 0
		p.mu.Unlock()

		if idle {
			p.cond.Broadcast()
		}
	}
}

// next blocks for a task. It returns false once the pool is closing and no
// task is queued or running, since a running task may still schedule its
// continuation.
func (p *PoolScheduler) next() (func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 {
		if p.closing && p.active == 0 {
			return nil, false
		}

		p.cond.Wait()
	}

	fn := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.active++

	return fn, true
}

var _ Scheduler = (*PoolScheduler)(nil)
