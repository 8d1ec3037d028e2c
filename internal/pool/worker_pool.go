// Package pool bounds concurrent work. WorkerPool caps in-flight agent
// tasks launched by the server; Pool and ByteBufferPool recycle
// allocations on hot paths.
package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task is one unit of work run on a pool worker.
type Task func(ctx context.Context) error

// WorkerPool runs tasks on a bounded set of worker goroutines. Workers
// spawn on demand up to MaxWorkers and retire after IdleTimeout, keeping
// one resident so a quiet pool stays warm.
type WorkerPool struct {
	cfg   WorkerPoolConfig
	queue chan job

	mu      sync.Mutex
	workers int
	closed  bool

	wg sync.WaitGroup

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

type job struct {
	ctx  context.Context
	task Task
	done chan error
}

// WorkerPoolConfig sizes the pool.
type WorkerPoolConfig struct {
	MaxWorkers   int           `json:"max_workers"`
	QueueSize    int           `json:"queue_size"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
	PanicHandler func(any)     `json:"-"`
}

// DefaultWorkerPoolConfig returns defaults suited to request-scoped tasks.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		MaxWorkers:  100,
		QueueSize:   1000,
		IdleTimeout: time.Minute,
	}
}

// NewWorkerPool creates an empty pool. No goroutines start until the
// first Submit.
func NewWorkerPool(cfg WorkerPoolConfig) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	return &WorkerPool{cfg: cfg, queue: make(chan job, cfg.QueueSize)}
}

// Submit enqueues task without waiting for it to run. ErrPoolFull is
// returned when the queue is full and every worker slot is taken.
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	return p.enqueue(job{ctx: ctx, task: task})
}

// SubmitWait runs task and returns its error, or ctx.Err() when the
// caller gives up first.
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	j := job{ctx: ctx, task: task, done: make(chan error, 1)}
	if err := p.enqueue(j); err != nil {
		return err
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) enqueue(j job) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.submitted.Add(1)
	select {
	case p.queue <- j:
		p.spawnLocked()
		return nil
	default:
	}
	// Queue full; a fresh worker may drain a slot for us.
	if p.spawnLocked() {
		select {
		case p.queue <- j:
			return nil
		default:
		}
	}
	p.rejected.Add(1)
	return ErrPoolFull
}

// spawnLocked starts a worker if a slot is free. Caller holds mu.
func (p *WorkerPool) spawnLocked() bool {
	if p.workers >= p.cfg.MaxWorkers {
		return false
	}
	p.workers++
	p.wg.Add(1)
	go p.run()
	return true
}

func (p *WorkerPool) run() {
	defer p.wg.Done()
	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case j, ok := <-p.queue:
			if !ok {
				p.mu.Lock()
				p.workers--
				p.mu.Unlock()
				return
			}
			p.active.Add(1)
			err := p.invoke(j)
			p.active.Add(-1)
			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			if j.done != nil {
				j.done <- err
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.cfg.IdleTimeout)

		case <-idle.C:
			if p.retire() {
				return
			}
			idle.Reset(p.cfg.IdleTimeout)
		}
	}
}

// retire releases this worker's slot. The last worker never retires on
// idle so a closed or busy queue always has a consumer.
func (p *WorkerPool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers <= 1 {
		return false
	}
	p.workers--
	return true
}

func (p *WorkerPool) invoke(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.cfg.PanicHandler != nil {
				p.cfg.PanicHandler(r)
			}
			err = errors.New("task panicked")
		}
	}()
	return j.task(j.ctx)
}

// Close stops intake and waits for queued tasks to drain.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// Stats returns a point-in-time snapshot of pool counters.
func (p *WorkerPool) Stats() WorkerPoolStats {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	return WorkerPoolStats{
		Workers:   workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// WorkerPoolStats mirrors the pool's internal counters.
type WorkerPoolStats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}
