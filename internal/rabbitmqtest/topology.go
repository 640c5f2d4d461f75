package rabbitmqtest

import (
	"fmt"

	"github.com/glimte/rabbitkit/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	_ rabbitmq.Channel    = (*Channel)(nil)
	_ rabbitmq.Connection = (*Connection)(nil)
	_ amqp.Acknowledger   = (*Channel)(nil)
)

// notFound closes the channel with a 404 and returns the error, as the
// broker does for synchronous methods on missing entities.
func (c *Channel) notFound(kind, name string) error {
	err := &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no %s '%s'", kind, name), Server: true}
	c.shutdown(err)
	return err
}

func (c *Channel) precheck(op string) error {
	if err := c.broker.injected(op); err != nil {
		return err
	}
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := c.precheck("ExchangeDeclare"); err != nil {
		return err
	}
	c.broker.DeclareExchange(name, kind)
	return nil
}

func (c *Channel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	if err := c.precheck("ExchangeDelete"); err != nil {
		return err
	}
	b := c.broker
	b.mu.Lock()
	delete(b.exchanges, name)
	delete(b.bindings, name)
	b.mu.Unlock()
	return nil
}

func (c *Channel) ExchangeBind(destination, key, source string, noWait bool, args amqp.Table) error {
	if err := c.precheck("ExchangeBind"); err != nil {
		return err
	}
	if !c.broker.HasExchange(source) {
		return c.notFound("exchange", source)
	}
	if !c.broker.HasExchange(destination) {
		return c.notFound("exchange", destination)
	}
	c.broker.bind(source, destination)
	return nil
}

func (c *Channel) ExchangeUnbind(destination, key, source string, noWait bool, args amqp.Table) error {
	if err := c.precheck("ExchangeUnbind"); err != nil {
		return err
	}
	c.broker.unbind(source, destination)
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := c.precheck("QueueDeclare"); err != nil {
		return amqp.Queue{}, err
	}
	if name == "" {
		name = fmt.Sprintf("amq.gen-%d", c.broker.nextTag.Add(1))
	}
	b := c.broker
	b.mu.Lock()
	b.queues[name] = args
	b.mu.Unlock()
	return amqp.Queue{Name: name, Consumers: b.Consumers(name)}, nil
}

func (c *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	if err := c.precheck("QueueDelete"); err != nil {
		return 0, err
	}
	b := c.broker
	b.mu.Lock()
	delete(b.queues, name)
	for _, qs := range b.bindings {
		delete(qs, name)
	}
	b.mu.Unlock()
	return 0, nil
}

func (c *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := c.precheck("QueueBind"); err != nil {
		return err
	}
	if !c.broker.HasExchange(exchange) {
		return c.notFound("exchange", exchange)
	}
	if !c.broker.HasQueue(name) {
		return c.notFound("queue", name)
	}
	c.broker.bind(exchange, name)
	return nil
}

func (c *Channel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	if err := c.precheck("QueueUnbind"); err != nil {
		return err
	}
	c.broker.unbind(exchange, name)
	return nil
}

func (c *Channel) QueuePurge(name string, noWait bool) (int, error) {
	if err := c.precheck("QueuePurge"); err != nil {
		return 0, err
	}
	if !c.broker.HasQueue(name) {
		return 0, c.notFound("queue", name)
	}
	return 0, nil
}

func (b *Broker) bind(source, destination string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bindings[source] == nil {
		b.bindings[source] = map[string]bool{}
	}
	b.bindings[source][destination] = true
}

func (b *Broker) unbind(source, destination string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bindings[source], destination)
}
