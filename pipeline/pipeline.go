// Package pipeline runs items through an ordered list of steps with bounded
// parallelism per step and, optionally, order-preserving output.
//
// Every queued item visits every stage. Once a step fails, the remaining
// steps are skipped for that item and the error reaches the finalizer:
//
//	p := pipeline.New[*Order]("orders", pipeline.Options{MaxDegreeOfParallelism: 4, EnsureOrdered: true})
//	_ = p.AddStep("validate", validate)
//	_ = p.AddStep("store", store)
//	_ = p.Finalize(func(ctx context.Context, o *Order, err error) { ... })
//	_ = p.Start(ctx)
//	_ = p.Queue(ctx, order)
//	p.Complete()
//	_ = p.Wait()
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoSteps is returned by Start on a pipeline without steps.
	ErrNoSteps = errors.New("pipeline: no steps")
	// ErrAlreadyStarted is returned when configuring or starting a running pipeline.
	ErrAlreadyStarted = errors.New("pipeline: already started")
	// ErrNotStarted is returned by Queue before Start.
	ErrNotStarted = errors.New("pipeline: not started")
	// ErrCompleted is returned by Queue after Complete.
	ErrCompleted = errors.New("pipeline: completed")
	// ErrStopped is returned by Queue once the pipeline has stopped running.
	ErrStopped = errors.New("pipeline: stopped")
)

// StepFunc transforms one item.
type StepFunc[T any] func(ctx context.Context, item T) (T, error)

// FinalizeFunc observes each item after the last step, with the first step
// error if any step failed.
type FinalizeFunc[T any] func(ctx context.Context, item T, err error)

// StepError reports which step failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("pipeline step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Options configures a Pipeline.
type Options struct {
	// BufferSize bounds the queue in front of every stage.
	BufferSize int
	// MaxDegreeOfParallelism is the number of workers per step.
	MaxDegreeOfParallelism int
	// EnsureOrdered makes every stage emit items in the order they were queued.
	EnsureOrdered bool
}

// Option configures optional collaborators.
type Option func(*settings)

type settings struct {
	logger *slog.Logger
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type step[T any] struct {
	name string
	fn   StepFunc[T]
}

type envelope[T any] struct {
	seq  uint64
	item T
	err  error
}

// Stats counts finalized items.
type Stats struct {
	Queued    uint64
	Finalized uint64
	Failed    uint64
}

// Pipeline is a multi-stage worker pipeline. Configure it with AddStep and
// Finalize, then Start it once.
type Pipeline[T any] struct {
	name     string
	opts     Options
	logger   *slog.Logger
	steps    []step[T]
	finalize FinalizeFunc[T]

	started atomic.Bool
	input   chan envelope[T]
	runCtx  context.Context

	queueMu   sync.Mutex
	completed bool
	seq       uint64

	done chan struct{}
	err  error

	queued    atomic.Uint64
	finalized atomic.Uint64
	failed    atomic.Uint64
}

// New returns an unstarted pipeline.
func New[T any](name string, opts Options, options ...Option) *Pipeline[T] {
	if opts.MaxDegreeOfParallelism < 1 {
		opts.MaxDegreeOfParallelism = 1
	}
	if opts.BufferSize < 1 {
		opts.BufferSize = 2 * opts.MaxDegreeOfParallelism
	}
	s := settings{logger: slog.Default()}
	for _, opt := range options {
		opt(&s)
	}
	return &Pipeline[T]{
		name:   name,
		opts:   opts,
		logger: s.logger.With("pipeline", name),
		done:   make(chan struct{}),
	}
}

// Name returns the pipeline name.
func (p *Pipeline[T]) Name() string { return p.name }

// Options returns the effective options.
func (p *Pipeline[T]) Options() Options { return p.opts }

// AddStep appends a step.
func (p *Pipeline[T]) AddStep(name string, fn StepFunc[T]) error {
	if p.started.Load() {
		return ErrAlreadyStarted
	}
	if fn == nil {
		return fmt.Errorf("pipeline: step %s has no function", name)
	}
	p.steps = append(p.steps, step[T]{name: name, fn: fn})
	return nil
}

// Finalize sets the function that observes every item at the end.
func (p *Pipeline[T]) Finalize(fn FinalizeFunc[T]) error {
	if p.started.Load() {
		return ErrAlreadyStarted
	}
	p.finalize = fn
	return nil
}

// Start launches the stage workers. The pipeline runs until Complete has
// been called and every queued item is finalized, or until ctx is done.
func (p *Pipeline[T]) Start(ctx context.Context) error {
	if len(p.steps) == 0 {
		return ErrNoSteps
	}
	// Queue and Complete take queueMu after seeing started, so the input and
	// run context are set before any of them can use it.
	p.queueMu.Lock()
	if !p.started.CompareAndSwap(false, true) {
		p.queueMu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.runCtx = runCtx
	p.input = make(chan envelope[T], p.opts.BufferSize)
	p.queueMu.Unlock()

	var g errgroup.Group
	var in <-chan envelope[T] = p.input
	for _, s := range p.steps {
		in = p.stage(runCtx, &g, s, in)
	}
	g.Go(func() error { return p.sink(runCtx, in) })

	go func() {
		err := g.Wait()
		if err == nil {
			err = ctx.Err()
		}
		p.err = err
		cancel()
		close(p.done)
		p.logger.Debug("pipeline stopped", "finalized", p.finalized.Load(), "failed", p.failed.Load())
	}()
	return nil
}

// stage starts the workers of one step and returns its output.
func (p *Pipeline[T]) stage(ctx context.Context, g *errgroup.Group, s step[T], in <-chan envelope[T]) <-chan envelope[T] {
	out := make(chan envelope[T], p.opts.BufferSize)
	results := out
	if p.opts.EnsureOrdered && p.opts.MaxDegreeOfParallelism > 1 {
		results = make(chan envelope[T], p.opts.BufferSize)
		g.Go(func() error { return reorder(ctx, results, out) })
	}

	g.Go(func() error {
		var workers errgroup.Group
		for i := 0; i < p.opts.MaxDegreeOfParallelism; i++ {
			workers.Go(func() error { return p.work(ctx, s, in, results) })
		}
		err := workers.Wait()
		close(results)
		return err
	})
	return out
}

func (p *Pipeline[T]) work(ctx context.Context, s step[T], in <-chan envelope[T], out chan<- envelope[T]) error {
	for {
		var env envelope[T]
		var ok bool
		select {
		case env, ok = <-in:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return nil
		}

		if env.err == nil {
			env.item, env.err = p.run(ctx, s, env.item)
		}

		select {
		case out <- env:
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pipeline[T]) run(ctx context.Context, s step[T], item T) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline step panicked", "step", s.name, "panic", r)
			out, err = item, &StepError{Step: s.name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	out, err = s.fn(ctx, item)
	if err != nil {
		p.logger.Debug("pipeline step failed", "step", s.name, "error", err)
		return item, &StepError{Step: s.name, Err: err}
	}
	return out, nil
}

// reorder emits envelopes by ascending sequence number.
func reorder[T any](ctx context.Context, in <-chan envelope[T], out chan<- envelope[T]) error {
	defer close(out)
	pending := make(map[uint64]envelope[T])
	var next uint64
	for {
		select {
		case env, ok := <-in:
			if !ok {
				return nil
			}
			pending[env.seq] = env
			for {
				ready, found := pending[next]
				if !found {
					break
				}
				delete(pending, next)
				select {
				case out <- ready:
				case <-ctx.Done():
					return nil
				}
				next++
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pipeline[T]) sink(ctx context.Context, in <-chan envelope[T]) error {
	for {
		select {
		case env, ok := <-in:
			if !ok {
				return nil
			}
			p.finish(ctx, env)
		case <-ctx.Done():
			return nil
		}
	}
}

func (p *Pipeline[T]) finish(ctx context.Context, env envelope[T]) {
	p.finalized.Add(1)
	if env.err != nil {
		p.failed.Add(1)
	}
	if p.finalize == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pipeline finalizer panicked", "panic", r)
		}
	}()
	p.finalize(ctx, env.item, env.err)
}

// Queue submits an item, blocking while the first stage is full.
func (p *Pipeline[T]) Queue(ctx context.Context, item T) error {
	if !p.started.Load() {
		return ErrNotStarted
	}
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if p.completed {
		return ErrCompleted
	}
	select {
	case p.input <- envelope[T]{seq: p.seq, item: item}:
		p.seq++
		p.queued.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.runCtx.Done():
		return ErrStopped
	}
}

// Complete stops accepting items. Items already queued still run.
func (p *Pipeline[T]) Complete() {
	if !p.started.Load() {
		return
	}
	p.queueMu.Lock()
	defer p.queueMu.Unlock()
	if !p.completed {
		p.completed = true
		close(p.input)
	}
}

// Done is closed when every worker has exited.
func (p *Pipeline[T]) Done() <-chan struct{} { return p.done }

// Wait blocks until the pipeline stops and returns the context error if it
// was cancelled.
func (p *Pipeline[T]) Wait() error {
	if !p.started.Load() {
		return ErrNotStarted
	}
	<-p.done
	return p.err
}

// Stats returns the item counters.
func (p *Pipeline[T]) Stats() Stats {
	return Stats{Queued: p.queued.Load(), Finalized: p.finalized.Load(), Failed: p.failed.Load()}
}
