package rabbitmqtest

import (
	"sync"

	"github.com/glimte/rabbitkit/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Connection is a fake rabbitmq.Connection.
type Connection struct {
	broker *Broker

	mu            sync.Mutex
	closed        bool
	channels      []*Channel
	notifyClose   []chan *amqp.Error
	notifyBlocked []chan amqp.Blocking
}

func (c *Connection) Channel() (rabbitmq.Channel, error) {
	if err := c.broker.injected("Channel"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := c.broker.newChannel(c)
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifyClose = append(c.notifyClose, receiver)
	return receiver
}

func (c *Connection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifyBlocked = append(c.notifyBlocked, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	return c.shutdown(nil)
}

// Shutdown closes the connection and its channels as if the broker had
// dropped it with err.
func (c *Connection) Shutdown(err *amqp.Error) {
	_ = c.shutdown(err)
}

// Block sends a connection.blocked (or unblocked) notification.
func (c *Connection) Block(active bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.notifyBlocked {
		select {
		case ch <- amqp.Blocking{Active: active, Reason: reason}:
		default:
		}
	}
}

func (c *Connection) shutdown(err *amqp.Error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	channels := c.channels
	listeners := c.notifyClose
	blocked := c.notifyBlocked
	c.notifyClose, c.notifyBlocked = nil, nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, l := range listeners {
		if err != nil {
			select {
			case l <- err:
			default:
			}
		}
		close(l)
	}
	for _, l := range blocked {
		close(l)
	}
	return nil
}
