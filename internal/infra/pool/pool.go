// Package pool provides the bounded worker pool that executes stage
// jobs. A fixed floor of workers stays warm; extra workers are created
// on demand up to a ceiling and retire after sitting idle. Submissions
// past the ceiling queue in FIFO order, so Submit never blocks.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/reconpoint/engine/internal/metrics"
	"github.com/reconpoint/engine/pkg/logger"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = fmt.Errorf("worker pool is closed")

// PanicError is handed to a task's Done callback when its Run panicked.
// The panic is recovered at the pool boundary so one bad job never takes
// the pool down.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Task pairs the work with its completion callback. Done is invoked
// exactly once with Run's error, or with a *PanicError if Run panicked.
type Task struct {
	Run  func() error
	Done func(error)
}

// Config bounds the pool.
type Config struct {
	// MinWorkers stay alive for the lifetime of the pool.
	MinWorkers int
	// MaxWorkers caps concurrent task execution.
	MaxWorkers int
	// IdleTimeout retires workers above MinWorkers that received no
	// task for this long.
	IdleTimeout time.Duration
}

func (c *Config) normalize() {
	if c.MinWorkers < 1 {
		c.MinWorkers = 1
	}
	if c.MaxWorkers < c.MinWorkers {
		c.MaxWorkers = c.MinWorkers
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Workers int
	Idle    int
	Running int
	Queued  int
}

// Pool dispatches queued tasks to workers in submission order.
type Pool struct {
	cfg Config
	log *logger.Logger

	mu      sync.Mutex
	queue   []Task
	workers int
	closed  bool

	notify chan struct{}
	workCh chan Task
	wg     sync.WaitGroup

	running atomic.Int64
	idle    atomic.Int64
}

// New starts a pool with cfg.MinWorkers warm workers.
func New(cfg Config, log *logger.Logger) *Pool {
	cfg.normalize()
	if log == nil {
		log = logger.NewNop()
	}
	p := &Pool{
		cfg:    cfg,
		log:    log.With("component", "worker_pool"),
		notify: make(chan struct{}, 1),
		workCh: make(chan Task),
	}
	p.mu.Lock()
	for i := 0; i < cfg.MinWorkers; i++ {
		p.workers++
		p.wg.Add(1)
		go p.worker()
	}
	p.mu.Unlock()

	p.wg.Add(1)
	go p.dispatch()

	p.log.Info("worker pool started",
		"min_workers", cfg.MinWorkers,
		"max_workers", cfg.MaxWorkers,
		"idle_timeout", cfg.IdleTimeout,
	)
	return p
}

// Submit queues a task. It returns immediately: if all workers are busy
// and the pool is at MaxWorkers the task waits its turn in FIFO order.
func (p *Pool) Submit(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("task has no Run func")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	p.queue = append(p.queue, t)
	depth := len(p.queue)
	p.mu.Unlock()

	metrics.PoolQueueDepth.Set(float64(depth))
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return nil
}

// Stats returns current occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	workers := p.workers
	queued := len(p.queue)
	p.mu.Unlock()
	return Stats{
		Workers: workers,
		Idle:    int(p.idle.Load()),
		Running: int(p.running.Load()),
		Queued:  queued,
	}
}

// Shutdown stops accepting tasks, lets the queue drain and waits for
// workers to finish, or returns the context error.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// dispatch moves queued tasks to workers, strictly in FIFO order. When
// no worker is idle it grows the pool up to MaxWorkers before blocking
// on a busy worker becoming free.
func (p *Pool) dispatch() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 {
			if p.closed {
				p.mu.Unlock()
				close(p.workCh)
				return
			}
			p.mu.Unlock()
			<-p.notify
			p.mu.Lock()
		}
		t := p.queue[0]
		p.queue = p.queue[1:]
		depth := len(p.queue)
		p.mu.Unlock()
		metrics.PoolQueueDepth.Set(float64(depth))

		select {
		case p.workCh <- t:
			continue
		default:
		}
		p.grow()
		p.workCh <- t
	}
}

func (p *Pool) grow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers >= p.cfg.MaxWorkers {
		return
	}
	p.workers++
	metrics.PoolWorkers.Set(float64(p.workers))
	p.wg.Add(1)
	go p.worker()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	idle := time.NewTimer(p.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		p.idle.Add(1)
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(p.cfg.IdleTimeout)

		select {
		case t, ok := <-p.workCh:
			p.idle.Add(-1)
			if !ok {
				p.release()
				return
			}
			p.exec(t)
		case <-idle.C:
			p.idle.Add(-1)
			if p.retire() {
				return
			}
		}
	}
}

// exec runs the task and reports its outcome. Recover here is the
// boundary: a panicking job becomes a failed job, not a dead worker.
func (p *Pool) exec(t Task) {
	p.running.Add(1)
	metrics.PoolRunningTasks.Set(float64(p.running.Load()))

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
			p.log.Error("recovered task panic", "panic", fmt.Sprintf("%v", r))
			metrics.PoolPanicsTotal.Inc()
		}
		p.running.Add(-1)
		metrics.PoolRunningTasks.Set(float64(p.running.Load()))
		if t.Done != nil {
			t.Done(err)
		}
	}()
	err = t.Run()
}

// retire removes this worker if the pool would stay at or above the
// warm floor.
func (p *Pool) retire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers <= p.cfg.MinWorkers {
		return false
	}
	p.workers--
	metrics.PoolWorkers.Set(float64(p.workers))
	return true
}

func (p *Pool) release() {
	p.mu.Lock()
	p.workers--
	metrics.PoolWorkers.Set(float64(p.workers))
	p.mu.Unlock()
}
