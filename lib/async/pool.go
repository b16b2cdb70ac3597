// Package async runs tasks on a fixed set of workers fed by a bounded queue.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/coachpo/tradeguard/errs"
)

const component = "lib/async"

// Task is one unit of work. The context is cancelled when the task's submit
// context ends or when Shutdown gives up waiting.
type Task func(context.Context) error

type Option func(*Pool)

// WithErrorHandler receives task errors and recovered panics.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pool) { p.onError = fn }
}

// WithBlockingSubmit makes Submit wait for queue space. By default a full
// queue fails the submit at once.
func WithBlockingSubmit() Option {
	return func(p *Pool) { p.blocking = true }
}

// Pool is a bounded worker pool. Close stops intake; tasks already queued
// still run before the workers exit.
type Pool struct {
	base     context.Context
	abort    context.CancelFunc
	queue    chan job
	workers  conc.WaitGroup
	gate     sync.RWMutex
	closed   bool
	onError  func(error)
	blocking bool
}

type job struct {
	ctx  context.Context
	task Task
}

// NewPool starts workers goroutines reading from a queue of the given depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	base, abort := context.WithCancel(context.Background())
	p := &Pool{base: base, abort: abort, queue: make(chan job, max(queue, 0))}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for range workers {
		p.workers.Go(p.drain)
	}
	return p, nil
}

// Submit queues task. It fails with CodeUnavailable once the pool is closed,
// or when the queue is full and submits are not blocking.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}

	p.gate.RLock()
	defer p.gate.RUnlock()
	if p.closed {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	j := job{ctx: ctx, task: task}
	if !p.blocking {
		select {
		case p.queue <- j:
			return nil
		default:
			return errs.New(component, errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
		}
	}
	select {
	case p.queue <- j:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit context: %w", ctx.Err())
	}
}

// Close stops accepting tasks. It is safe to call more than once.
func (p *Pool) Close() {
	p.gate.Lock()
	defer p.gate.Unlock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
}

// Shutdown closes the pool and waits for the queue to drain. When ctx ends
// first, running tasks are cancelled and the context error is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	drained := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(drained)
	}()
	defer p.abort()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	}
}

func (p *Pool) drain() {
	for j := range p.queue {
		p.execute(j)
	}
}

func (p *Pool) execute(j job) {
	ctx, cancel := context.WithCancel(j.ctx)
	defer cancel()
	defer context.AfterFunc(p.base, cancel)()

	var (
		catcher panics.Catcher
		err     error
	)
	catcher.Try(func() { err = j.task(ctx) })
	if r := catcher.Recovered(); r != nil {
		err = errs.New(component, errs.CodeInternal, errs.WithMessage("task panic"), errs.WithCause(r.AsError()))
	}
	if err != nil && p.onError != nil {
		p.onError(err)
	}
}
