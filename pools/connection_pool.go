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
	"golang.org/x/sync/semaphore"
)

// ConnectionPool hands out at most MaxConnections ConnectionHosts at a time.
// Hosts are dialled lazily and reused in FIFO order.
type ConnectionPool struct {
	opts    config.PoolOptions
	factory config.FactoryOptions
	dialer  rabbitmq.Dialer
	logger  *slog.Logger

	slots *semaphore.Weighted

	mu     sync.Mutex
	idle   []*ConnectionHost
	nextID uint64
	closed bool

	done    context.Context
	cancel  context.CancelFunc
	dials   atomic.Int64
	redials atomic.Int64
	out     atomic.Int64
}

// ConnectionStats is a point-in-time view of a ConnectionPool.
type ConnectionStats struct {
	MaxConnections int
	Idle           int
	CheckedOut     int
	Dials          int64
	Redials        int64
}

// NewConnectionPool builds a pool. No connection is opened until the first
// Acquire.
func NewConnectionPool(opts config.PoolOptions, factory config.FactoryOptions, options ...Option) *ConnectionPool {
	opts.ApplyDefaults()
	s := newSettings(options)
	done, cancel := context.WithCancel(context.Background())
	return &ConnectionPool{
		opts:    opts,
		factory: factory,
		dialer:  s.dialer,
		logger:  s.logger.With("component", "connection-pool"),
		slots:   semaphore.NewWeighted(int64(opts.MaxConnections)),
		done:    done,
		cancel:  cancel,
	}
}

// Acquire checks out a healthy connection, waiting for a free slot. A dead
// idle connection is replaced before it is returned. There is no built-in
// timeout; ctx bounds the wait.
func (p *ConnectionPool) Acquire(ctx context.Context) (*ConnectionHost, error) {
	if p.done.Err() != nil {
		return nil, ErrShutdown
	}
	ctx, stop := bindShutdown(ctx, p.done)
	defer stop()

	if err := p.slots.Acquire(ctx, 1); err != nil {
		return nil, acquireErr(err, p.done)
	}

	host, err := p.checkout(ctx)
	if err != nil {
		p.slots.Release(1)
		return nil, acquireErr(err, p.done)
	}
	host.checkedOut.Store(true)
	p.out.Add(1)
	return host, nil
}

func (p *ConnectionPool) checkout(ctx context.Context) (*ConnectionHost, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrShutdown
	}
	var host *ConnectionHost
	if len(p.idle) > 0 {
		host = p.idle[0]
		p.idle = p.idle[1:]
	}
	var id uint64
	if host == nil {
		p.nextID++
		id = p.nextID
	}
	p.mu.Unlock()

	if host != nil {
		if host.IsHealthy() {
			return host, nil
		}
		p.logger.Warn("replacing unhealthy connection", "connectionId", host.id)
		host.close()
		id = host.id
		p.redials.Add(1)
	}
	return p.dial(ctx, id)
}

// dial retries until a connection is established or ctx is done.
func (p *ConnectionPool) dial(ctx context.Context, id uint64) (*ConnectionHost, error) {
	var host *ConnectionHost
	policy := reliability.Forever(p.opts.SleepOnErrorInterval, p.opts.MaxSleepOnError)
	err := reliability.Retry(ctx, policy, func() error {
		p.dials.Add(1)
		conn, err := p.dialer(p.factory.URI, p.factory.AMQPConfig())
		if err != nil {
			return &rabbitmq.ConnectionError{
				Op:        "dial",
				URL:       rabbitmq.SanitizeURL(p.factory.URI),
				Err:       fmt.Errorf("%w: %v", rabbitmq.ErrConnectionDialFailed, err),
				Timestamp: time.Now(),
			}
		}
		host = newConnectionHost(id, conn, p.logger)
		return nil
	}, func(attempt int, err error, next time.Duration) {
		p.logger.Error("failed to connect to broker, retrying",
			"connectionId", id,
			"attempt", attempt,
			"retryIn", next,
			"error", err)
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info("connected to broker", "connectionId", id, "url", rabbitmq.SanitizeURL(p.factory.URI))
	return host, nil
}

// Release hands a host back. Releasing the same host twice is ignored.
func (p *ConnectionPool) Release(host *ConnectionHost) {
	if host == nil {
		return
	}
	if !host.checkedOut.CompareAndSwap(true, false) {
		p.logger.Warn("connection released twice", "connectionId", host.id)
		return
	}
	p.out.Add(-1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		host.close()
	} else {
		p.idle = append(p.idle, host)
		p.mu.Unlock()
	}
	p.slots.Release(1)
}

// Shutdown closes idle connections and rejects further Acquire calls.
// Checked-out connections are closed when they are released.
func (p *ConnectionPool) Shutdown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()
	p.cancel()

	var errs []error
	for _, host := range idle {
		if host.conn.IsClosed() {
			continue
		}
		if err := host.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection %d: %w", host.id, err))
		}
	}
	p.logger.Info("connection pool shut down", "closed", len(idle))
	return errors.Join(errs...)
}

// Stats returns a snapshot of the pool.
func (p *ConnectionPool) Stats() ConnectionStats {
	p.mu.Lock()
	idle := len(p.idle)
	p.mu.Unlock()
	return ConnectionStats{
		MaxConnections: p.opts.MaxConnections,
		Idle:           idle,
		CheckedOut:     int(p.out.Load()),
		Dials:          p.dials.Load(),
		Redials:        p.redials.Load(),
	}
}
