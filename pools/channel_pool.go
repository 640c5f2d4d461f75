package pools

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
)

// hostPool is one bounded set of channel hosts, filled lazily.
type hostPool struct {
	ackable bool
	idle    chan *ChannelHost

	mu      sync.Mutex
	created int
	max     int
}

func (hp *hostPool) reserve() bool {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	if hp.created >= hp.max {
		return false
	}
	hp.created++
	return true
}

func (hp *hostPool) unreserve() {
	hp.mu.Lock()
	hp.created--
	hp.mu.Unlock()
}

func (hp *hostPool) count() int {
	hp.mu.Lock()
	defer hp.mu.Unlock()
	return hp.created
}

// ChannelPool hands out plain, confirm-mode and transient channels and
// repairs the ones returned with errors.
type ChannelPool struct {
	connections *ConnectionPool
	opts        config.PoolOptions
	logger      *slog.Logger

	plain   *hostPool
	ackable *hostPool

	nextID      atomic.Uint64
	transientID atomic.Uint64
	transients  atomic.Int64

	done      context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	repairs   sync.WaitGroup
	repairing atomic.Int64
	repaired  atomic.Int64
}

// ChannelStats is a point-in-time view of a ChannelPool.
type ChannelStats struct {
	MaxChannels int
	Plain       int
	PlainIdle   int
	Ackable     int
	AckableIdle int
	Transient   int64
	UnderRepair int64
	Repaired    int64
}

// NewChannelPool builds a channel pool over connections.
func NewChannelPool(connections *ConnectionPool, opts config.PoolOptions, options ...Option) *ChannelPool {
	opts.ApplyDefaults()
	s := newSettings(options)
	done, cancel := context.WithCancel(context.Background())
	p := &ChannelPool{
		connections: connections,
		opts:        opts,
		logger:      s.logger.With("component", "channel-pool"),
		plain:       &hostPool{idle: make(chan *ChannelHost, opts.MaxChannels), max: opts.MaxChannels},
		ackable:     &hostPool{ackable: true, idle: make(chan *ChannelHost, opts.MaxChannels), max: opts.MaxChannels},
		done:        done,
		cancel:      cancel,
	}
	p.transientID.Store(opts.TransientChannelStartRange)
	return p
}

// GetChannel checks out a plain channel, blocking while all MaxChannels
// plain channels are in use or under repair.
func (p *ChannelPool) GetChannel(ctx context.Context) (*ChannelHost, error) {
	return p.get(ctx, p.plain)
}

// GetAckChannel checks out a channel in confirm mode.
func (p *ChannelPool) GetAckChannel(ctx context.Context) (*ChannelHost, error) {
	return p.get(ctx, p.ackable)
}

// GetTransientChannel opens a channel outside the pools. ReturnChannel
// closes it.
func (p *ChannelPool) GetTransientChannel(ctx context.Context, ackable bool) (*ChannelHost, error) {
	if p.done.Err() != nil {
		return nil, ErrShutdown
	}
	ctx, stop := bindShutdown(ctx, p.done)
	defer stop()

	id := p.transientID.Add(1) - 1
	h := newChannelHost(id, ackable, true, p.logger)
	if err := p.open(ctx, h); err != nil {
		return nil, acquireErr(err, p.done)
	}
	p.transients.Add(1)
	h.checkedOut.Store(true)
	return h, nil
}

func (p *ChannelPool) get(ctx context.Context, hp *hostPool) (*ChannelHost, error) {
	if p.done.Err() != nil {
		return nil, ErrShutdown
	}
	ctx, stop := bindShutdown(ctx, p.done)
	defer stop()

	select {
	case h := <-hp.idle:
		return p.checkout(ctx, h)
	default:
	}

	if hp.reserve() {
		h := newChannelHost(p.nextID.Add(1), hp.ackable, false, p.logger)
		if err := p.open(ctx, h); err != nil {
			hp.unreserve()
			return nil, acquireErr(err, p.done)
		}
		p.logger.Debug("channel created", "channelId", h.id, "ackable", hp.ackable)
		h.checkedOut.Store(true)
		return h, nil
	}

	select {
	case h := <-hp.idle:
		return p.checkout(ctx, h)
	case <-ctx.Done():
		return nil, acquireErr(ctx.Err(), p.done)
	}
}

// checkout repairs an idle host that died while pooled before handing it out.
func (p *ChannelPool) checkout(ctx context.Context, h *ChannelHost) (*ChannelHost, error) {
	if !h.IsHealthy() {
		h.logger.Warn("idle channel found closed, repairing before use", "reason", h.CloseReason())
		if err := p.open(ctx, h); err != nil {
			h.flagged.Store(true)
			p.startRepair(h)
			return nil, acquireErr(err, p.done)
		}
		p.repaired.Add(1)
	}
	h.checkedOut.Store(true)
	return h, nil
}

// open attaches a fresh broker channel to h, retrying with backoff until
// it works or ctx is done.
func (p *ChannelPool) open(ctx context.Context, h *ChannelHost) error {
	policy := reliability.Forever(p.opts.SleepOnErrorInterval, p.opts.MaxSleepOnError)
	return reliability.Retry(ctx, policy, func() error {
		conn, err := p.connections.Acquire(ctx)
		if err != nil {
			if errors.Is(err, ErrShutdown) {
				return reliability.RetryableError{Err: err, Retryable: false}
			}
			return err
		}
		ch, err := conn.Channel()
		connID := conn.ID()
		p.connections.Release(conn)
		if err != nil {
			return &rabbitmq.ChannelError{Op: "open channel", ChannelID: h.id, Err: err, Timestamp: time.Now()}
		}
		return h.attach(ch, connID)
	}, func(attempt int, err error, next time.Duration) {
		h.logger.Warn("failed to open channel, retrying",
			"attempt", attempt,
			"retryIn", next,
			"error", err)
	})
}

// ReturnChannel hands h back. With hadError, or when the channel has died,
// h is flagged and rebuilt in the background before it is pooled again.
// Transient channels are closed. Returning a host twice is ignored.
func (p *ChannelPool) ReturnChannel(h *ChannelHost, hadError bool) {
	if h == nil {
		return
	}
	if !h.checkedOut.CompareAndSwap(true, false) {
		h.logger.Warn("channel returned twice")
		return
	}
	if h.transient {
		h.close()
		p.transients.Add(-1)
		return
	}
	if p.done.Err() != nil {
		h.close()
		return
	}
	if hadError || !h.IsHealthy() {
		h.flagged.Store(true)
		p.startRepair(h)
		return
	}
	p.requeue(h)
}

func (p *ChannelPool) pool(h *ChannelHost) *hostPool {
	if h.ackable {
		return p.ackable
	}
	return p.plain
}

func (p *ChannelPool) requeue(h *ChannelHost) {
	p.pool(h).idle <- h
	if p.done.Err() != nil {
		p.drain(p.pool(h))
	}
}

func (p *ChannelPool) startRepair(h *ChannelHost) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.close()
		return
	}
	p.repairs.Add(1)
	p.mu.Unlock()
	p.repairing.Add(1)
	go func() {
		defer p.repairs.Done()
		defer p.repairing.Add(-1)

		h.logger.Warn("channel flagged for repair", "reason", h.CloseReason())
		if err := p.open(p.done, h); err != nil {
			h.close()
			return
		}
		h.flagged.Store(false)
		p.repaired.Add(1)
		h.logger.Info("channel repaired", "connectionId", h.ConnectionID())
		p.requeue(h)
	}()
}

func (p *ChannelPool) drain(hp *hostPool) {
	for {
		select {
		case h := <-hp.idle:
			h.close()
		default:
			return
		}
	}
}

// Execute runs fn on a pooled channel and returns the channel flagged when
// fn fails or panics.
func (p *ChannelPool) Execute(ctx context.Context, ackable bool, fn func(*ChannelHost) error) (err error) {
	get := p.GetChannel
	if ackable {
		get = p.GetAckChannel
	}
	h, err := get(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in channel execution: %v", r)
		}
		p.ReturnChannel(h, err != nil)
	}()
	return fn(h)
}

// Shutdown stops repair loops, closes every pooled channel and shuts the
// connection pool down.
func (p *ChannelPool) Shutdown() error {
	var err error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		p.cancel()
		p.repairs.Wait()
		p.drain(p.plain)
		p.drain(p.ackable)
		err = p.connections.Shutdown()
		p.logger.Info("channel pool shut down")
	})
	return err
}

// Stats returns a snapshot of the pool.
func (p *ChannelPool) Stats() ChannelStats {
	return ChannelStats{
		MaxChannels: p.opts.MaxChannels,
		Plain:       p.plain.count(),
		PlainIdle:   len(p.plain.idle),
		Ackable:     p.ackable.count(),
		AckableIdle: len(p.ackable.idle),
		Transient:   p.transients.Load(),
		UnderRepair: p.repairing.Load(),
		Repaired:    p.repaired.Load(),
	}
}
