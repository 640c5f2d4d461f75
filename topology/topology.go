// Package topology declares and removes exchanges, queues and bindings over
// a channel pool.
package topology

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/internal/rabbitmq"
	"github.com/glimte/rabbitkit/messaging"
	"github.com/glimte/rabbitkit/pools"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange kinds.
const (
	Direct  = amqp.ExchangeDirect
	Fanout  = amqp.ExchangeFanout
	Topic   = amqp.ExchangeTopic
	Headers = amqp.ExchangeHeaders
)

// Manager runs topology operations on pooled channels. A failed operation
// returns its channel flagged so the pool repairs it.
type Manager struct {
	pool   *pools.ChannelPool
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager returns a Manager backed by pool.
func NewManager(pool *pools.ChannelPool, options ...Option) *Manager {
	m := &Manager{pool: pool, logger: slog.Default()}
	for _, opt := range options {
		opt(m)
	}
	return m
}

func (m *Manager) exec(ctx context.Context, component, name, op string, fn func(rabbitmq.Channel) error) error {
	if m.pool == nil {
		return &rabbitmq.TopologyError{Component: component, Name: name, Op: op,
			Err: fmt.Errorf("%w: nil channel pool", messaging.ErrInvalidArgument), Timestamp: time.Now()}
	}
	err := m.pool.Execute(ctx, false, func(h *pools.ChannelHost) error {
		return fn(h.Channel())
	})
	if err != nil {
		m.logger.Warn("topology operation failed", "op", op, "component", component, "name", name, "error", err)
		return &rabbitmq.TopologyError{Component: component, Name: name, Op: op, Err: err, Timestamp: time.Now()}
	}
	m.logger.Debug("topology operation done", "op", op, "component", component, "name", name)
	return nil
}

// CreateExchange declares an exchange. An empty kind means direct.
func (m *Manager) CreateExchange(ctx context.Context, name, kind string, durable, autoDelete bool, args amqp.Table) error {
	if kind == "" {
		kind = Direct
	}
	return m.exec(ctx, "exchange", name, "declare", func(ch rabbitmq.Channel) error {
		return ch.ExchangeDeclare(name, kind, durable, autoDelete, false, false, args)
	})
}

// CreateQueue declares a queue and returns its broker-side state. An empty
// name asks the broker for a generated one.
func (m *Manager) CreateQueue(ctx context.Context, name string, durable, autoDelete, exclusive bool, args amqp.Table) (amqp.Queue, error) {
	var q amqp.Queue
	err := m.exec(ctx, "queue", name, "declare", func(ch rabbitmq.Channel) error {
		var err error
		q, err = ch.QueueDeclare(name, durable, autoDelete, exclusive, false, args)
		return err
	})
	return q, err
}

// BindQueue routes messages from exchange to queue.
func (m *Manager) BindQueue(ctx context.Context, queue, exchange, routingKey string, args amqp.Table) error {
	return m.exec(ctx, "binding", exchange+"->"+queue, "bind", func(ch rabbitmq.Channel) error {
		return ch.QueueBind(queue, routingKey, exchange, false, args)
	})
}

// UnbindQueue removes a queue binding.
func (m *Manager) UnbindQueue(ctx context.Context, queue, exchange, routingKey string, args amqp.Table) error {
	return m.exec(ctx, "binding", exchange+"->"+queue, "unbind", func(ch rabbitmq.Channel) error {
		return ch.QueueUnbind(queue, routingKey, exchange, args)
	})
}

// BindExchange routes messages from source to destination.
func (m *Manager) BindExchange(ctx context.Context, destination, source, routingKey string, args amqp.Table) error {
	return m.exec(ctx, "binding", source+"->"+destination, "bind", func(ch rabbitmq.Channel) error {
		return ch.ExchangeBind(destination, routingKey, source, false, args)
	})
}

// UnbindExchange removes an exchange-to-exchange binding.
func (m *Manager) UnbindExchange(ctx context.Context, destination, source, routingKey string, args amqp.Table) error {
	return m.exec(ctx, "binding", source+"->"+destination, "unbind", func(ch rabbitmq.Channel) error {
		return ch.ExchangeUnbind(destination, routingKey, source, false, args)
	})
}

// DeleteQueue deletes a queue and returns the number of messages it held.
func (m *Manager) DeleteQueue(ctx context.Context, name string, ifUnused, ifEmpty bool) (int, error) {
	var n int
	err := m.exec(ctx, "queue", name, "delete", func(ch rabbitmq.Channel) error {
		var err error
		n, err = ch.QueueDelete(name, ifUnused, ifEmpty, false)
		return err
	})
	return n, err
}

// DeleteExchange deletes an exchange.
func (m *Manager) DeleteExchange(ctx context.Context, name string, ifUnused bool) error {
	return m.exec(ctx, "exchange", name, "delete", func(ch rabbitmq.Channel) error {
		return ch.ExchangeDelete(name, ifUnused, false)
	})
}

// PurgeQueue removes every ready message from a queue and returns how many
// were purged.
func (m *Manager) PurgeQueue(ctx context.Context, name string) (int, error) {
	var n int
	err := m.exec(ctx, "queue", name, "purge", func(ch rabbitmq.Channel) error {
		var err error
		n, err = ch.QueuePurge(name, false)
		return err
	})
	return n, err
}

// CreateQueueWithErrorQueue declares errorQueue and then queue with
// dead-lettering into errorQueue through the default exchange.
func (m *Manager) CreateQueueWithErrorQueue(ctx context.Context, queue, errorQueue string) error {
	if queue == "" || errorQueue == "" {
		return &rabbitmq.TopologyError{Component: "queue", Name: queue, Op: "declare",
			Err: fmt.Errorf("%w: queue and error queue names are required", messaging.ErrInvalidArgument), Timestamp: time.Now()}
	}
	if _, err := m.CreateQueue(ctx, errorQueue, true, false, false, nil); err != nil {
		return err
	}
	_, err := m.CreateQueue(ctx, queue, true, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": errorQueue,
	})
	return err
}

// Declare creates every exchange, then every queue, then every binding in t.
// It stops at the first failure.
func (m *Manager) Declare(ctx context.Context, t config.TopologyOptions) error {
	for _, e := range t.Exchanges {
		if err := m.CreateExchange(ctx, e.Name, e.Type, e.Durable, e.AutoDelete, table(e.Arguments)); err != nil {
			return err
		}
	}
	for _, q := range t.Queues {
		if _, err := m.CreateQueue(ctx, q.Name, q.Durable, q.AutoDelete, q.Exclusive, table(q.Arguments)); err != nil {
			return err
		}
	}
	for _, b := range t.Bindings {
		if err := m.BindQueue(ctx, b.Queue, b.Exchange, b.RoutingKey, table(b.Arguments)); err != nil {
			return err
		}
	}
	m.logger.Info("topology declared",
		"exchanges", len(t.Exchanges),
		"queues", len(t.Queues),
		"bindings", len(t.Bindings))
	return nil
}

func table(m map[string]any) amqp.Table {
	if len(m) == 0 {
		return nil
	}
	return amqp.Table(m)
}
