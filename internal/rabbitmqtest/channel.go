package rabbitmqtest

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const deliveryBuffer = 4096

type fakeConsumer struct {
	tag        string
	queue      string
	autoAck    bool
	deliveries chan amqp.Delivery
}

// Channel is a fake rabbitmq.Channel. It is also the Acknowledger of every
// delivery it hands out.
type Channel struct {
	broker *Broker
	conn   *Connection
	id     uint64

	mu            sync.Mutex
	closed        bool
	confirming    bool
	seq           uint64
	deliveryTag   uint64
	prefetch      int
	consumers     map[string]*fakeConsumer
	notifyClose   []chan *amqp.Error
	notifyFlow    []chan bool
	notifyPublish []chan amqp.Confirmation
	notifyReturn  []chan amqp.Return
}

// ID returns the broker-wide channel number.
func (c *Channel) ID() uint64 { return c.id }

// Connection returns the owning connection.
func (c *Channel) Connection() *Connection { return c.conn }

// Prefetch returns the last Qos prefetch count.
func (c *Channel) Prefetch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetch
}

// Confirming reports whether the channel is in confirm mode.
func (c *Channel) Confirming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirming
}

// ConsumerTags returns the active consumer tags.
func (c *Channel) ConsumerTags() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	tags := make([]string, 0, len(c.consumers))
	for tag := range c.consumers {
		tags = append(tags, tag)
	}
	return tags
}

// Shutdown closes the channel as the broker would on a channel exception.
func (c *Channel) Shutdown(err *amqp.Error) {
	c.shutdown(err)
}

// Flow sends a channel.flow notification.
func (c *Channel) Flow(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, l := range c.notifyFlow {
		select {
		case l <- active:
		default:
		}
	}
}

func (c *Channel) Confirm(noWait bool) error {
	if err := c.broker.injected("Confirm"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.confirming = true
	return nil
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if err := c.broker.injected("Qos"); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.prefetch = prefetchCount
	return nil
}

func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.broker.injected("PublishWithContext"); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	exists, routed := c.broker.route(exchange, key)
	if !exists {
		// the broker closes the channel later and the publish itself succeeds;
		// closing before returning makes the outcome deterministic
		c.mu.Unlock()
		c.shutdown(&amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange)})
		return nil
	}
	defer c.mu.Unlock()

	c.broker.record(Published{ChannelID: c.id, Exchange: exchange, RoutingKey: key, Mandatory: mandatory, Msg: msg})
	if mandatory && !routed {
		ret := amqp.Return{
			ReplyCode:  amqp.NoRoute,
			ReplyText:  "NO_ROUTE",
			Exchange:   exchange,
			RoutingKey: key,
			MessageId:  msg.MessageId,
			Body:       msg.Body,
		}
		for _, l := range c.notifyReturn {
			l <- ret
		}
	}
	if c.confirming {
		c.seq++
		if ack, ok := c.broker.confirmAck(); ok {
			for _, l := range c.notifyPublish {
				l <- amqp.Confirmation{DeliveryTag: c.seq, Ack: ack}
			}
		}
	}
	return nil
}

func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := c.broker.injected("Consume"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	if consumer == "" {
		consumer = fmt.Sprintf("ctag-%d-%d", c.id, len(c.consumers)+1)
	}
	fc := &fakeConsumer{tag: consumer, queue: queue, autoAck: autoAck, deliveries: make(chan amqp.Delivery, deliveryBuffer)}
	c.consumers[consumer] = fc
	return fc.deliveries, nil
}

func (c *Channel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	if fc, ok := c.consumers[consumer]; ok {
		delete(c.consumers, consumer)
		close(fc.deliveries)
	}
	return nil
}

func (c *Channel) NotifyClose(l chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(l)
		return l
	}
	c.notifyClose = append(c.notifyClose, l)
	return l
}

func (c *Channel) NotifyFlow(l chan bool) chan bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(l)
		return l
	}
	c.notifyFlow = append(c.notifyFlow, l)
	return l
}

func (c *Channel) NotifyPublish(l chan amqp.Confirmation) chan amqp.Confirmation {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(l)
		return l
	}
	c.notifyPublish = append(c.notifyPublish, l)
	return l
}

func (c *Channel) NotifyReturn(l chan amqp.Return) chan amqp.Return {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(l)
		return l
	}
	c.notifyReturn = append(c.notifyReturn, l)
	return l
}

func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Channel) Close() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.shutdown(nil)
	return nil
}

// Ack, Nack and Reject implement amqp.Acknowledger.

func (c *Channel) Ack(tag uint64, multiple bool) error {
	return c.settle(Settlement{Kind: "ack", Tag: tag})
}

func (c *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return c.settle(Settlement{Kind: "nack", Tag: tag, Requeue: requeue})
}

func (c *Channel) Reject(tag uint64, requeue bool) error {
	return c.settle(Settlement{Kind: "reject", Tag: tag, Requeue: requeue})
}

func (c *Channel) settle(s Settlement) error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.broker.settle(s)
	return nil
}

func (c *Channel) deliver(queue string, msg amqp.Publishing) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	for _, fc := range c.consumers {
		if fc.queue != queue {
			continue
		}
		c.deliveryTag++
		d := amqp.Delivery{
			Acknowledger:  c,
			Headers:       msg.Headers,
			ContentType:   msg.ContentType,
			DeliveryMode:  msg.DeliveryMode,
			Priority:      msg.Priority,
			CorrelationId: msg.CorrelationId,
			MessageId:     msg.MessageId,
			Timestamp:     msg.Timestamp,
			Type:          msg.Type,
			ConsumerTag:   fc.tag,
			DeliveryTag:   c.deliveryTag,
			RoutingKey:    queue,
			Body:          msg.Body,
		}
		select {
		case fc.deliveries <- d:
			return true
		default:
			return false
		}
	}
	return false
}

func (c *Channel) consumerCount(queue string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	n := 0
	for _, fc := range c.consumers {
		if fc.queue == queue {
			n++
		}
	}
	return n
}

func (c *Channel) shutdown(err *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	consumers := c.consumers
	c.consumers = map[string]*fakeConsumer{}
	closeL, flowL, pubL, retL := c.notifyClose, c.notifyFlow, c.notifyPublish, c.notifyReturn
	c.notifyClose, c.notifyFlow, c.notifyPublish, c.notifyReturn = nil, nil, nil, nil
	c.mu.Unlock()

	for _, fc := range consumers {
		close(fc.deliveries)
	}
	for _, l := range closeL {
		if err != nil {
			select {
			case l <- err:
			default:
			}
		}
		close(l)
	}
	for _, l := range flowL {
		close(l)
	}
	for _, l := range pubL {
		close(l)
	}
	for _, l := range retL {
		close(l)
	}
}
