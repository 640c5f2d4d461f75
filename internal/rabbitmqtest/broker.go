// Package rabbitmqtest provides an in-memory stand-in for an AMQP broker that
// satisfies the rabbitmq.Connection and rabbitmq.Channel interfaces.
package rabbitmqtest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glimte/rabbitkit/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrInjected is the default error returned by injected failures.
var ErrInjected = errors.New("rabbitmqtest: injected failure")

// Published is one message accepted by a fake channel.
type Published struct {
	ChannelID  uint64
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Msg        amqp.Publishing
}

// Settlement records one Ack, Nack or Reject.
type Settlement struct {
	Kind    string
	Tag     uint64
	Requeue bool
}

// Broker is a fake broker. The zero value is not usable; call NewBroker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]amqp.Table
	bindings  map[string]map[string]bool // exchange -> queue names
	conns     []*Connection
	channels  []*Channel
	published []Published
	settled   []Settlement
	failures  map[string][]error
	nackNext  int
	hold      bool

	dials     atomic.Int64
	nextChan  atomic.Uint64
	nextTag   atomic.Uint64
	failDials atomic.Int64
}

// NewBroker returns an empty broker with the default exchange declared.
func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]string{"": "direct", "amq.direct": "direct", "amq.topic": "topic"},
		queues:    map[string]amqp.Table{},
		bindings:  map[string]map[string]bool{},
		failures:  map[string][]error{},
	}
}

// Dial satisfies rabbitmq.Dialer.
func (b *Broker) Dial(url string, _ amqp.Config) (rabbitmq.Connection, error) {
	b.dials.Add(1)
	if b.failDials.Load() > 0 {
		b.failDials.Add(-1)
		return nil, fmt.Errorf("dial %s: %w", url, ErrInjected)
	}
	c := &Connection{broker: b}
	b.mu.Lock()
	b.conns = append(b.conns, c)
	b.mu.Unlock()
	return c, nil
}

// FailDials makes the next n dials fail.
func (b *Broker) FailDials(n int) { b.failDials.Store(int64(n)) }

// Dials returns the number of dial attempts.
func (b *Broker) Dials() int { return int(b.dials.Load()) }

// Fail makes the next call of op fail with err (ErrInjected when nil).
// Ops are channel method names such as "Channel", "Consume", "Qos",
// "PublishWithContext" or "QueueDeclare".
func (b *Broker) Fail(op string, err error) {
	if err == nil {
		err = ErrInjected
	}
	b.mu.Lock()
	b.failures[op] = append(b.failures[op], err)
	b.mu.Unlock()
}

func (b *Broker) injected(op string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	errs := b.failures[op]
	if len(errs) == 0 {
		return nil
	}
	b.failures[op] = errs[1:]
	return errs[0]
}

// NackNext makes the broker nack the next n confirmed publishes.
func (b *Broker) NackNext(n int) {
	b.mu.Lock()
	b.nackNext = n
	b.mu.Unlock()
}

// HoldConfirms stops (true) or resumes (false) publisher confirms.
func (b *Broker) HoldConfirms(hold bool) {
	b.mu.Lock()
	b.hold = hold
	b.mu.Unlock()
}

// DeclareExchange declares an exchange as if it already existed.
func (b *Broker) DeclareExchange(name, kind string) {
	b.mu.Lock()
	b.exchanges[name] = kind
	b.mu.Unlock()
}

// DeclareQueue declares a queue bound to the default exchange.
func (b *Broker) DeclareQueue(name string) {
	b.mu.Lock()
	b.queues[name] = nil
	b.mu.Unlock()
}

// HasExchange reports whether an exchange is declared.
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// HasQueue reports whether a queue is declared.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueArgs returns the arguments a queue was declared with.
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queues[name]
}

// Bound reports whether queue is bound to exchange.
func (b *Broker) Bound(exchange, queue string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bindings[exchange][queue]
}

// Published returns every message accepted so far.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Settlements returns every Ack, Nack and Reject received.
func (b *Broker) Settlements() []Settlement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Settlement(nil), b.settled...)
}

// Connections returns every connection dialled so far.
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Connection(nil), b.conns...)
}

// Channels returns every channel opened so far.
func (b *Broker) Channels() []*Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Channel(nil), b.channels...)
}

// OpenChannels returns the channels that are not closed.
func (b *Broker) OpenChannels() []*Channel {
	var open []*Channel
	for _, ch := range b.Channels() {
		if !ch.IsClosed() {
			open = append(open, ch)
		}
	}
	return open
}

// Deliver hands a message to the first live consumer of queue. It returns
// false when there is none or its delivery buffer is full.
func (b *Broker) Deliver(queue string, msg amqp.Publishing) bool {
	for _, ch := range b.Channels() {
		if ch.deliver(queue, msg) {
			return true
		}
	}
	return false
}

// Consumers returns the number of live consumers on queue.
func (b *Broker) Consumers(queue string) int {
	n := 0
	for _, ch := range b.Channels() {
		n += ch.consumerCount(queue)
	}
	return n
}

func (b *Broker) newChannel(conn *Connection) *Channel {
	ch := &Channel{
		broker:    b,
		conn:      conn,
		id:        b.nextChan.Add(1),
		consumers: map[string]*fakeConsumer{},
	}
	b.mu.Lock()
	b.channels = append(b.channels, ch)
	b.mu.Unlock()
	return ch
}

func (b *Broker) record(p Published) {
	b.mu.Lock()
	b.published = append(b.published, p)
	b.mu.Unlock()
}

func (b *Broker) settle(s Settlement) {
	b.mu.Lock()
	b.settled = append(b.settled, s)
	b.mu.Unlock()
}

// confirmAck decides the outcome of the next confirm. ok is false while
// confirms are held.
func (b *Broker) confirmAck() (ack, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hold {
		return false, false
	}
	if b.nackNext > 0 {
		b.nackNext--
		return false, true
	}
	return true, true
}

// route reports whether the exchange exists and whether the message would
// reach a queue.
func (b *Broker) route(exchange, key string) (exists, routed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.exchanges[exchange]; !ok {
		return false, false
	}
	if exchange == "" {
		_, routed = b.queues[key]
		return true, routed
	}
	return true, len(b.bindings[exchange]) > 0
}
