package consumer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/glimte/rabbitkit/messaging"
	"github.com/glimte/rabbitkit/pipeline"
	"github.com/glimte/rabbitkit/queue"
)

// errDeclined marks a delivery the worker reported as not processed.
var errDeclined = errors.New("consumer: worker declined message")

// Worker processes one delivery. true acknowledges it; false or an error
// nacks it.
type Worker func(ctx context.Context, rm *messaging.ReceivedMessage) (bool, error)

// WorkState is the value carried through a consumer pipeline for one
// delivery.
type WorkState struct {
	Message *messaging.ReceivedMessage
	// Data is scratch space shared by the steps.
	Data map[string]any
	// StepErrors maps a failed step name to its error.
	StepErrors map[string]error
	// Success is set when the pipeline finalizes the delivery.
	Success bool
	// DispatchedAt is when the engine queued the delivery.
	DispatchedAt time.Time
}

// NewWorkState wraps rm.
func NewWorkState(rm *messaging.ReceivedMessage) *WorkState {
	return &WorkState{Message: rm, Data: make(map[string]any)}
}

// Failed reports whether any step failed.
func (ws *WorkState) Failed() bool { return len(ws.StepErrors) > 0 }

// NewWorkPipeline returns an unstarted pipeline whose finalizer settles every
// delivery through FinalizeWorkState. Add the steps before passing it to an
// engine.
func (c *Consumer) NewWorkPipeline(name string, opts pipeline.Options, options ...pipeline.Option) *pipeline.Pipeline[*WorkState] {
	options = append([]pipeline.Option{pipeline.WithLogger(c.logger)}, options...)
	p := pipeline.New[*WorkState](name, opts, options...)
	_ = p.Finalize(c.FinalizeWorkState)
	return p
}

// FinalizeWorkState records err on ws, then acks the delivery on success or
// nacks it, and fires its completion signal. Custom finalizers must call it
// or settle the delivery themselves.
func (c *Consumer) FinalizeWorkState(ctx context.Context, ws *WorkState, err error) {
	if err != nil {
		step := "unknown"
		var se *pipeline.StepError
		if errors.As(err, &se) {
			step = se.Step
		}
		if ws.StepErrors == nil {
			ws.StepErrors = make(map[string]error)
		}
		ws.StepErrors[step] = err
		c.logger.Warn("pipeline step failed", "step", step, "deliveryTag", ws.Message.DeliveryTag(), "error", err)
	}
	ws.Success = !ws.Failed()
	c.settle(ctx, ws.Message, ws.Success)
}

// acquireEngine claims the single engine slot of the consumer.
func (c *Consumer) acquireEngine() (*queue.Queue[*messaging.ReceivedMessage], error) {
	buf, err := c.current()
	if err != nil {
		return nil, err
	}
	if !c.engine.TryAcquire(1) {
		return nil, ErrEngineRunning
	}
	return buf, nil
}

// DataflowExecutionEngine runs worker on up to maxDoP deliveries at a time
// until ctx is done or the buffer is closed. With ensureOrdered deliveries
// are settled in arrival order. Deliveries already handed to a worker are
// finished before it returns.
func (c *Consumer) DataflowExecutionEngine(ctx context.Context, worker Worker, maxDoP int, ensureOrdered bool) error {
	if worker == nil {
		return fmt.Errorf("%w: nil worker", messaging.ErrInvalidArgument)
	}
	buf, err := c.acquireEngine()
	if err != nil {
		return err
	}
	defer c.engine.Release(1)

	p := pipeline.New[*messaging.ReceivedMessage](c.name+"-dataflow",
		pipeline.Options{MaxDegreeOfParallelism: maxDoP, EnsureOrdered: ensureOrdered},
		pipeline.WithLogger(c.logger))
	_ = p.AddStep("worker", func(ctx context.Context, rm *messaging.ReceivedMessage) (*messaging.ReceivedMessage, error) {
		ok, err := worker(ctx, rm)
		if err == nil && !ok {
			err = errDeclined
		}
		return rm, err
	})
	_ = p.Finalize(func(ctx context.Context, rm *messaging.ReceivedMessage, err error) {
		if err != nil && !errors.Is(err, errDeclined) {
			c.logger.Warn("worker failed", "deliveryTag", rm.DeliveryTag(), "error", err)
		}
		c.settle(ctx, rm, err == nil)
	})
	if err := p.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	c.logger.Info("dataflow engine started", "maxDegreeOfParallelism", p.Options().MaxDegreeOfParallelism, "ensureOrdered", ensureOrdered)
	c.drive(ctx, c.reads(ctx, buf), func(rm *messaging.ReceivedMessage) error {
		if err := p.Queue(ctx, rm); err != nil {
			c.release(rm)
			return err
		}
		return nil
	})
	p.Complete()
	if err := p.Wait(); err != nil {
		c.logger.Warn("dataflow engine stopped with error", "error", err)
	}
	c.logger.Info("dataflow engine stopped", "processed", p.Stats().Finalized)
	return nil
}

// PipelineExecutionEngine feeds deliveries one at a time into p, starting
// it if needed. With waitForCompletion the next delivery is dispatched only
// after the previous one has completed. p is never completed here.
func (c *Consumer) PipelineExecutionEngine(ctx context.Context, p *pipeline.Pipeline[*WorkState], waitForCompletion bool) error {
	return c.runPipeline(ctx, p, waitForCompletion, false)
}

// PipelineStreamEngine is PipelineExecutionEngine reading through
// StreamOutUntilClosed. Both see the same deliveries in the same order; the
// stream form exists for callers that already range over the stream.
func (c *Consumer) PipelineStreamEngine(ctx context.Context, p *pipeline.Pipeline[*WorkState], waitForCompletion bool) error {
	return c.runPipeline(ctx, p, waitForCompletion, true)
}

func (c *Consumer) runPipeline(ctx context.Context, p *pipeline.Pipeline[*WorkState], waitForCompletion, stream bool) error {
	if p == nil {
		return fmt.Errorf("%w: nil pipeline", messaging.ErrInvalidArgument)
	}
	buf, err := c.acquireEngine()
	if err != nil {
		return err
	}
	defer c.engine.Release(1)

	if err := p.Start(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pipeline.ErrAlreadyStarted) {
		return err
	}

	source := c.reads(ctx, buf)
	if stream {
		source = c.StreamOutUntilClosed(ctx)
	}
	c.logger.Info("pipeline engine started", "pipeline", p.Name(), "waitForCompletion", waitForCompletion, "stream", stream)
	c.drive(ctx, source, func(rm *messaging.ReceivedMessage) error {
		ws := NewWorkState(rm)
		ws.DispatchedAt = time.Now()
		if err := p.Queue(ctx, ws); err != nil {
			c.release(rm)
			return err
		}
		if waitForCompletion {
			if _, err := rm.WaitForCompletion(ctx); err != nil {
				return err
			}
		}
		return nil
	})
	c.logger.Info("pipeline engine stopped", "pipeline", p.Name())
	return nil
}

// reads yields deliveries from buf until it is closed or ctx is done.
func (c *Consumer) reads(ctx context.Context, buf *queue.Queue[*messaging.ReceivedMessage]) iter.Seq[*messaging.ReceivedMessage] {
	return func(yield func(*messaging.ReceivedMessage) bool) {
		for {
			rm, err := buf.Read(ctx)
			if err != nil {
				if errors.Is(err, queue.ErrClosed) {
					c.logger.Debug("delivery buffer closed")
				}
				return
			}
			if !yield(rm) {
				return
			}
		}
	}
}

// drive dispatches every delivery of source until dispatch fails.
func (c *Consumer) drive(ctx context.Context, source iter.Seq[*messaging.ReceivedMessage], dispatch func(*messaging.ReceivedMessage) error) {
	for rm := range source {
		if err := dispatch(rm); err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("dispatch failed", "deliveryTag", rm.DeliveryTag(), "error", err)
			}
			return
		}
	}
	if ctx.Err() != nil {
		c.logger.Info("engine cancelled", "reason", ctx.Err())
	}
}

// release hands an undispatched delivery back to the broker.
func (c *Consumer) release(rm *messaging.ReceivedMessage) {
	if _, err := rm.Nack(true); err != nil {
		c.logger.Debug("requeue of undispatched delivery failed", "deliveryTag", rm.DeliveryTag(), "error", err)
	}
	rm.Complete(false)
}
