// Package workerpool provides a small bounded worker pool for fan-out work
// such as bulk detection checks. Tasks are independent; a panic in one task
// is recovered and does not take down the pool or sibling tasks.
package workerpool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("worker pool closed")

// Config controls pool sizing.
type Config struct {
	Workers   int // number of worker goroutines; defaults to runtime.NumCPU()
	QueueSize int // task queue capacity; defaults to Workers
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.QueueSize <= 0 {
		c.QueueSize = c.Workers
	}
}

// Task is a unit of work executed by the pool.
type Task func(ctx context.Context)

type queued struct {
	ctx context.Context
	fn  Task
}

// Pool is a fixed-size worker pool.
type Pool struct {
	tasks   chan queued
	workers sync.WaitGroup
	pending sync.WaitGroup
	closed  atomic.Bool
	once    sync.Once
}

// New creates and starts a pool.
func New(cfg Config) *Pool {
	cfg.applyDefaults()
	p := &Pool{tasks: make(chan queued, cfg.QueueSize)}

	for i := 0; i < cfg.Workers; i++ {
		p.workers.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for task := range p.tasks {
		p.run(task)
	}
}

func (p *Pool) run(task queued) {
	defer p.pending.Done()
	// A panicking task must not kill the worker; the task is responsible
	// for reporting its own errors.
	defer func() { _ = recover() }()

	// Skip tasks whose context was cancelled while they sat in the queue.
	select {
	case <-task.ctx.Done():
		return
	default:
	}
	task.fn(task.ctx)
}

// Submit enqueues a task. It blocks when the queue is full and returns the
// context error if ctx is cancelled before the task could be enqueued.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.pending.Add(1)
	select {
	case p.tasks <- queued{ctx: ctx, fn: fn}:
		return nil
	case <-ctx.Done():
		p.pending.Done()
		return ctx.Err()
	}
}

// Wait blocks until every submitted task has finished or been skipped.
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Shutdown stops accepting tasks, drains the queue and stops the workers.
func (p *Pool) Shutdown() {
	p.once.Do(func() {
		p.closed.Store(true)
		close(p.tasks)
	})
	p.workers.Wait()
}
