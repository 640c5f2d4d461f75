// Package consumer subscribes to one queue and buffers its deliveries.
//
// A Consumer moves through Stopped, Starting, Consuming and Stopping. When
// the broker closes its channel it passes through ShutdownDetected and
// Recovering, rebuilding the subscription until it succeeds or the consumer
// is stopped. Buffered deliveries survive recovery.
//
// Deliveries are drained with Read, ReadUntilEmpty, the two stream
// iterators, or one of the execution engines:
//
//	c, _ := consumer.New(pool, "orders", opts)
//	_ = c.Start(ctx, false, false)
//	_ = c.DataflowExecutionEngine(ctx, handle, 4, true)
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/internal/rabbitmq"
	"github.com/glimte/rabbitkit/internal/reliability"
	"github.com/glimte/rabbitkit/messaging"
	"github.com/glimte/rabbitkit/pools"
	"github.com/glimte/rabbitkit/queue"
	"github.com/glimte/rabbitkit/serialization"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrNotStarted is returned by reads and engines before the first Start.
	ErrNotStarted = errors.New("consumer: not started")
	// ErrAlreadyStarted is returned by Start on a running consumer.
	ErrAlreadyStarted = errors.New("consumer: already started")
	// ErrEngineRunning is returned when an engine is already draining the consumer.
	ErrEngineRunning = errors.New("consumer: an execution engine is already running")
	// ErrClosed is returned by reads once the buffer is closed and empty.
	ErrClosed = queue.ErrClosed
)

// State is the lifecycle state of a Consumer.
type State int32

const (
	Stopped State = iota
	Starting
	Consuming
	Stopping
	ShutdownDetected
	Recovering
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Consuming:
		return "consuming"
	case Stopping:
		return "stopping"
	case ShutdownDetected:
		return "shutdown-detected"
	case Recovering:
		return "recovering"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSerializer sets the provider used to decode MESSAGE deliveries.
func WithSerializer(s serialization.Provider) Option {
	return func(c *Consumer) {
		if s != nil {
			c.serializer = s
		}
	}
}

// deadLetterFailures consecutive error-queue failures open the breaker.
const deadLetterFailures = 5

// Stats is a snapshot of consumer counters.
type Stats struct {
	State      State
	Buffered   int
	Dropped    uint64
	Received   uint64
	Acked      uint64
	Nacked     uint64
	DeadLetter uint64
	Recoveries uint64
}

// Consumer consumes one queue into a bounded buffer.
type Consumer struct {
	pool       *pools.ChannelPool
	name       string
	opts       config.ConsumerOptions
	logger     *slog.Logger
	serializer serialization.Provider

	lifecycle *semaphore.Weighted
	engine    *semaphore.Weighted
	state     atomic.Int32
	buffer    atomic.Pointer[queue.Queue[*messaging.ReceivedMessage]]
	run       *subscription

	received   atomic.Uint64
	acked      atomic.Uint64
	nacked     atomic.Uint64
	deadLetter atomic.Uint64
	recoveries atomic.Uint64

	// errorQueue stops dead-letter publishes while the error queue keeps failing.
	errorQueue *gobreaker.CircuitBreaker
}

// subscription is one Start..Stop cycle.
type subscription struct {
	ctx       context.Context
	cancel    context.CancelFunc
	autoAck   bool
	transient bool
	buffer    *queue.Queue[*messaging.ReceivedMessage]
	done      chan struct{}

	mu         sync.Mutex
	host       *pools.ChannelHost
	tag        string
	deliveries <-chan amqp.Delivery
}

func (s *subscription) current() (*pools.ChannelHost, string, <-chan amqp.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host, s.tag, s.deliveries
}

func (s *subscription) set(h *pools.ChannelHost, tag string, deliveries <-chan amqp.Delivery) {
	s.mu.Lock()
	s.host, s.tag, s.deliveries = h, tag, deliveries
	s.mu.Unlock()
}

// New builds a consumer named name. Options are defaulted and validated.
func New(pool *pools.ChannelPool, name string, opts config.ConsumerOptions, options ...Option) (*Consumer, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil channel pool", messaging.ErrInvalidArgument)
	}
	opts.ApplyDefaults(name)
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	c := &Consumer{
		pool:       pool,
		name:       name,
		opts:       opts,
		logger:     slog.Default(),
		serializer: serialization.NewJSON(),
		lifecycle:  semaphore.NewWeighted(1),
		engine:     semaphore.NewWeighted(1),
	}
	for _, opt := range options {
		opt(c)
	}
	c.logger = c.logger.With("consumer", opts.ConsumerName, "queue", opts.QueueName)
	c.errorQueue = reliability.NewBreaker(opts.ConsumerName+"-error-queue", deadLetterFailures, opts.MaxSleepOnError, c.logger)
	return c, nil
}

// Name returns the configured consumer name.
func (c *Consumer) Name() string { return c.name }

// Options returns the effective options.
func (c *Consumer) Options() config.ConsumerOptions { return c.opts }

// State returns the current lifecycle state.
func (c *Consumer) State() State { return State(c.state.Load()) }

func (c *Consumer) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.logger.Debug("consumer state changed", "from", old.String(), "to", s.String())
	}
}

// Stats returns a snapshot of the counters.
func (c *Consumer) Stats() Stats {
	s := Stats{
		State:      c.State(),
		Received:   c.received.Load(),
		Acked:      c.acked.Load(),
		Nacked:     c.nacked.Load(),
		DeadLetter: c.deadLetter.Load(),
		Recoveries: c.recoveries.Load(),
	}
	if b := c.buffer.Load(); b != nil {
		s.Buffered = b.Len()
		s.Dropped = b.Dropped()
	}
	return s
}

// Start subscribes to the queue. With autoAck the broker settles deliveries
// on send and a plain channel is used; otherwise deliveries arrive on a
// confirm-mode channel and must be settled. useTransientChannel opens a
// channel outside the pool for the lifetime of the subscription.
func (c *Consumer) Start(ctx context.Context, autoAck, useTransientChannel bool) error {
	if err := c.lifecycle.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.lifecycle.Release(1)

	if c.State() != Stopped {
		return ErrAlreadyStarted
	}
	c.setState(Starting)

	runCtx, cancel := context.WithCancel(context.Background())
	run := &subscription{
		ctx:       runCtx,
		cancel:    cancel,
		autoAck:   autoAck,
		transient: useTransientChannel,
		buffer:    queue.New[*messaging.ReceivedMessage](c.opts.BufferCapacity, c.opts.BufferFullMode),
		done:      make(chan struct{}),
	}

	deliveries, err := c.subscribe(ctx, run)
	if err != nil {
		cancel()
		c.setState(Stopped)
		return err
	}
	c.buffer.Store(run.buffer)
	c.run = run
	c.setState(Consuming)
	go c.consume(run, deliveries)

	c.logger.Info("consumer started",
		"autoAck", autoAck,
		"transient", useTransientChannel,
		"prefetch", c.opts.BatchSize)
	return nil
}

func (c *Consumer) channel(ctx context.Context, run *subscription) (*pools.ChannelHost, error) {
	switch {
	case run.transient:
		return c.pool.GetTransientChannel(ctx, !run.autoAck)
	case run.autoAck:
		return c.pool.GetChannel(ctx)
	default:
		return c.pool.GetAckChannel(ctx)
	}
}

// subscribe opens a channel, applies the prefetch and registers the
// consumer.
func (c *Consumer) subscribe(ctx context.Context, run *subscription) (<-chan amqp.Delivery, error) {
	h, err := c.channel(ctx, run)
	if err != nil {
		return nil, c.consumerErr("acquire channel", "", err)
	}
	ch := h.Channel()
	if err := ch.Qos(c.opts.BatchSize, 0, false); err != nil {
		c.pool.ReturnChannel(h, true)
		return nil, c.consumerErr("qos", "", err)
	}
	tag := fmt.Sprintf("%s-%s", c.opts.ConsumerName, uuid.NewString())
	deliveries, err := ch.Consume(c.opts.QueueName, tag, run.autoAck, c.opts.Exclusive, false, false, nil)
	if err != nil {
		c.pool.ReturnChannel(h, true)
		return nil, c.consumerErr("consume", tag, err)
	}
	run.set(h, tag, deliveries)
	return deliveries, nil
}

func (c *Consumer) consumerErr(op, tag string, err error) error {
	return &rabbitmq.ConsumerError{Queue: c.opts.QueueName, ConsumerTag: tag, Op: op, Err: err, Timestamp: time.Now()}
}

// consume moves deliveries into the buffer and rebuilds the subscription
// whenever the channel closes before Stop.
func (c *Consumer) consume(run *subscription, deliveries <-chan amqp.Delivery) {
	defer close(run.done)
	for {
		c.pump(run, deliveries)
		if run.ctx.Err() != nil {
			return
		}

		h, tag, _ := run.current()
		c.setState(ShutdownDetected)
		c.logger.Warn("subscription lost, recovering", "consumerTag", tag, "reason", closeReason(h))
		c.pool.ReturnChannel(h, true)
		run.set(nil, "", nil)

		c.setState(Recovering)
		next, err := c.recover(run)
		if err != nil {
			return
		}
		deliveries = next
		c.recoveries.Add(1)
		if run.ctx.Err() == nil {
			c.setState(Consuming)
		}
		c.logger.Info("subscription recovered")
	}
}

func closeReason(h *pools.ChannelHost) string {
	if h == nil {
		return ""
	}
	if r := h.CloseReason(); r != nil {
		return r.Reason
	}
	return "deliveries closed"
}

func (c *Consumer) pump(run *subscription, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			rm := messaging.NewReceivedMessage(d, !run.autoAck, c.serializer)
			if rm.FailedToDeserialize() {
				c.logger.Warn("delivery could not be deserialized", "deliveryTag", d.DeliveryTag, "error", rm.DeserializeErr())
			}
			if err := run.buffer.Write(run.ctx, rm); err != nil {
				if errors.Is(err, queue.ErrFull) {
					c.logger.Warn("delivery buffer full, delivery rejected", "deliveryTag", d.DeliveryTag)
					// A requeued delivery comes straight back, so hold it
					// before handing it back to the broker.
					reliability.Sleep(run.ctx, c.opts.SleepOnErrorInterval)
					_, _ = rm.Nack(true)
					continue
				}
				// Stopped while waiting for space.
				_, _ = rm.Nack(true)
				return
			}
			c.received.Add(1)
		case <-run.ctx.Done():
			return
		}
	}
}

// recover retries subscribe until it succeeds or the consumer is stopped.
func (c *Consumer) recover(run *subscription) (<-chan amqp.Delivery, error) {
	var deliveries <-chan amqp.Delivery
	policy := reliability.Forever(c.opts.SleepOnErrorInterval, c.opts.MaxSleepOnError)
	err := reliability.Retry(run.ctx, policy, func() error {
		d, err := c.subscribe(run.ctx, run)
		if err != nil {
			return err
		}
		deliveries = d
		return nil
	}, func(attempt int, err error, next time.Duration) {
		c.logger.Warn("failed to recover subscription, retrying",
			"attempt", attempt,
			"retryIn", next,
			"error", err)
	})
	return deliveries, err
}

// Stop cancels the subscription and closes the buffer. Unless immediate it
// then waits, bounded by ctx, until readers have drained the buffer.
func (c *Consumer) Stop(ctx context.Context, immediate bool) error {
	if err := c.lifecycle.Acquire(ctx, 1); err != nil {
		return err
	}
	defer c.lifecycle.Release(1)

	if c.State() == Stopped || c.run == nil {
		return nil
	}
	run := c.run
	c.run = nil
	c.setState(Stopping)

	run.cancel()
	<-run.done
	if h, tag, deliveries := run.current(); h != nil {
		flag := !h.IsHealthy()
		if err := h.Channel().Cancel(tag, false); err != nil {
			c.logger.Debug("cancel subscription failed", "consumerTag", tag, "error", err)
			// Closing the channel hands any unsettled deliveries back.
			flag = true
		} else {
			c.requeue(run, deliveries)
		}
		c.pool.ReturnChannel(h, flag)
		run.set(nil, "", nil)
	}
	run.buffer.Close()
	c.setState(Stopped)

	if immediate {
		c.logger.Info("consumer stopped", "immediate", true, "buffered", run.buffer.Len())
		return nil
	}
	select {
	case <-run.buffer.Drained():
		c.logger.Info("consumer stopped", "immediate", false)
		return nil
	case <-ctx.Done():
		c.logger.Warn("consumer stopped before the buffer drained", "buffered", run.buffer.Len())
		return ctx.Err()
	}
}

// requeue nacks the deliveries that arrived after the buffer stopped
// accepting them. deliveries is closed once the cancel has gone through.
func (c *Consumer) requeue(run *subscription, deliveries <-chan amqp.Delivery) {
	n := 0
	for d := range deliveries {
		if run.autoAck {
			continue
		}
		if err := d.Nack(false, true); err != nil {
			c.logger.Warn("requeue failed", "deliveryTag", d.DeliveryTag, "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		c.logger.Info("requeued deliveries left after stop", "count", n)
	}
}

// settle acknowledges rm on success. A failure is nacked with the configured
// requeue, or, with an error queue and no requeue, copied to the error
// queue and acked.
func (c *Consumer) settle(ctx context.Context, rm *messaging.ReceivedMessage, success bool) {
	defer rm.Complete(success)
	if !rm.Ackable() {
		return
	}
	if success {
		if ok, err := rm.Ack(); err != nil {
			c.logger.Warn("ack failed", "deliveryTag", rm.DeliveryTag(), "error", err)
		} else if ok {
			c.acked.Add(1)
		}
		return
	}
	if c.opts.ErrorQueueName != "" && !c.opts.RequeueOnFailure {
		err := c.deadLetterMessage(ctx, rm)
		if err == nil {
			if ok, err := rm.Ack(); err == nil && ok {
				c.deadLetter.Add(1)
			}
			return
		}
		c.logger.Error("failed to move message to error queue", "errorQueue", c.opts.ErrorQueueName, "error", err)
	}
	if ok, err := rm.Nack(c.opts.RequeueOnFailure); err != nil {
		c.logger.Warn("nack failed", "deliveryTag", rm.DeliveryTag(), "error", err)
	} else if ok {
		c.nacked.Add(1)
	}
}

func (c *Consumer) deadLetterMessage(ctx context.Context, rm *messaging.ReceivedMessage) error {
	d := rm.Delivery()
	pub := amqp.Publishing{
		Headers:       d.Headers,
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: d.CorrelationId,
		MessageId:     d.MessageId,
		Timestamp:     time.Now().UTC(),
		Type:          d.Type,
		Body:          d.Body,
	}
	_, err := c.errorQueue.Execute(func() (any, error) {
		return nil, c.pool.Execute(ctx, false, func(h *pools.ChannelHost) error {
			return h.Publish(ctx, "", c.opts.ErrorQueueName, false, pub)
		})
	})
	return err
}
