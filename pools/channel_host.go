package pools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rabbitkit/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// channelState is one generation of the broker channel behind a host.
// Repairs replace it wholesale.
type channelState struct {
	ch     rabbitmq.Channel
	connID uint64
	done   chan struct{}
	reason *amqp.Error

	published uint64
	confirmed uint64
	nacked    uint64
	returned  uint64
	signal    chan struct{}
}

// ChannelHost wraps one broker channel. Its identity survives repairs.
type ChannelHost struct {
	id        uint64
	ackable   bool
	transient bool
	logger    *slog.Logger

	mu    sync.Mutex
	state *channelState

	flowActive atomic.Bool
	flagged    atomic.Bool
	checkedOut atomic.Bool
	returned   atomic.Int64
}

func newChannelHost(id uint64, ackable, transient bool, logger *slog.Logger) *ChannelHost {
	h := &ChannelHost{
		id:        id,
		ackable:   ackable,
		transient: transient,
		logger:    logger.With("channelId", id, "ackable", ackable),
	}
	h.flowActive.Store(true)
	return h
}

// attach puts ch in confirm mode when required and makes it the current
// channel, closing the previous one.
func (h *ChannelHost) attach(ch rabbitmq.Channel, connID uint64) error {
	if h.ackable {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return &rabbitmq.ChannelError{Op: "confirm", ChannelID: h.id, Err: err, Timestamp: time.Now()}
		}
	}
	st := &channelState{
		ch:     ch,
		connID: connID,
		done:   make(chan struct{}),
		signal: make(chan struct{}),
	}
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))
	flowCh := ch.NotifyFlow(make(chan bool, 1))
	returnCh := ch.NotifyReturn(make(chan amqp.Return, 16))
	var confirmCh chan amqp.Confirmation
	if h.ackable {
		confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 64))
	}

	h.mu.Lock()
	old := h.state
	h.state = st
	h.mu.Unlock()
	h.flowActive.Store(true)

	go h.track(st, closeCh, flowCh, returnCh, confirmCh)

	if old != nil && !old.ch.IsClosed() {
		_ = old.ch.Close()
	}
	return nil
}

func (h *ChannelHost) track(st *channelState, closeCh <-chan *amqp.Error, flowCh <-chan bool, returnCh <-chan amqp.Return, confirmCh <-chan amqp.Confirmation) {
	for {
		select {
		case err := <-closeCh:
			h.drainConfirms(st, confirmCh)
			h.mu.Lock()
			st.reason = err
			close(st.done)
			h.mu.Unlock()
			if err != nil {
				h.logger.Warn("channel closed by broker", "code", err.Code, "reason", err.Reason)
			}
			return
		case active, ok := <-flowCh:
			if !ok {
				flowCh = nil
				continue
			}
			h.flowActive.Store(active)
			h.logger.Info("channel flow changed", "active", active)
		case ret, ok := <-returnCh:
			if !ok {
				returnCh = nil
				continue
			}
			h.returnedMessage(st, ret)
		case c, ok := <-confirmCh:
			if !ok {
				confirmCh = nil
				continue
			}
			// The broker sends basic.return ahead of the confirm for the
			// same message.
			returnCh = h.drainReturns(st, returnCh)
			h.confirm(st, c)
		}
	}
}

func (h *ChannelHost) returnedMessage(st *channelState, ret amqp.Return) {
	h.returned.Add(1)
	h.mu.Lock()
	st.returned++
	h.mu.Unlock()
	h.logger.Warn("message returned by broker",
		"exchange", ret.Exchange,
		"routingKey", ret.RoutingKey,
		"messageId", ret.MessageId,
		"replyCode", ret.ReplyCode,
		"replyText", ret.ReplyText)
}

func (h *ChannelHost) drainReturns(st *channelState, returnCh <-chan amqp.Return) <-chan amqp.Return {
	for returnCh != nil {
		select {
		case ret, ok := <-returnCh:
			if !ok {
				return nil
			}
			h.returnedMessage(st, ret)
		default:
			return returnCh
		}
	}
	return nil
}

func (h *ChannelHost) drainConfirms(st *channelState, confirmCh <-chan amqp.Confirmation) {
	if confirmCh == nil {
		return
	}
	for {
		select {
		case c, ok := <-confirmCh:
			if !ok {
				return
			}
			h.confirm(st, c)
		default:
			return
		}
	}
}

func (h *ChannelHost) confirm(st *channelState, c amqp.Confirmation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st.confirmed++
	if !c.Ack {
		st.nacked++
	}
	close(st.signal)
	st.signal = make(chan struct{})
}

func (h *ChannelHost) current() *channelState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ID returns the host identifier.
func (h *ChannelHost) ID() uint64 { return h.id }

// Ackable reports whether the channel is in confirm mode.
func (h *ChannelHost) Ackable() bool { return h.ackable }

// Transient reports whether the host bypasses the pool.
func (h *ChannelHost) Transient() bool { return h.transient }

// ConnectionID returns the id of the connection the channel was opened on.
func (h *ChannelHost) ConnectionID() uint64 { return h.current().connID }

// Channel returns the current broker channel. Do not keep it across a
// ReturnChannel.
func (h *ChannelHost) Channel() rabbitmq.Channel { return h.current().ch }

// FlowActive reports the last channel.flow state sent by the broker.
func (h *ChannelHost) FlowActive() bool { return h.flowActive.Load() }

// Flagged reports whether the host is waiting for repair.
func (h *ChannelHost) Flagged() bool { return h.flagged.Load() }

// Returned counts mandatory messages the broker could not route.
func (h *ChannelHost) Returned() int64 { return h.returned.Load() }

// IsHealthy reports whether the current channel is open.
func (h *ChannelHost) IsHealthy() bool {
	st := h.current()
	select {
	case <-st.done:
		return false
	default:
	}
	return !st.ch.IsClosed()
}

// Done is closed when the current channel closes.
func (h *ChannelHost) Done() <-chan struct{} { return h.current().done }

// CloseReason returns the broker error that closed the current channel, if any.
func (h *ChannelHost) CloseReason() *amqp.Error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.reason
}

// Publish sends msg on the current channel and tracks it for confirmation.
func (h *ChannelHost) Publish(ctx context.Context, exchange, key string, mandatory bool, msg amqp.Publishing) error {
	h.mu.Lock()
	st := h.state
	if h.ackable {
		st.published++
	}
	h.mu.Unlock()

	err := st.ch.PublishWithContext(ctx, exchange, key, mandatory, false, msg)
	if err != nil && h.ackable {
		h.mu.Lock()
		st.published--
		h.mu.Unlock()
	}
	return err
}

// WaitForConfirms blocks until every message published on the current
// channel has been confirmed. A nack since the previous wait yields
// ErrPublishNacked, a mandatory message the broker could not route yields
// ErrMessageReturned and running out of time yields ErrConfirmTimeout.
// Returns are only seen ahead of their confirm when the channel is in
// confirm mode; plain channels just count them in Returned.
func (h *ChannelHost) WaitForConfirms(ctx context.Context, timeout time.Duration) error {
	if !h.ackable {
		return nil
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		h.mu.Lock()
		st := h.state
		pending := st.published > st.confirmed
		nacked, returned := st.nacked, st.returned
		signal, done := st.signal, st.done
		if !pending {
			st.nacked, st.returned = 0, 0
		}
		h.mu.Unlock()

		if !pending {
			if nacked > 0 {
				return fmt.Errorf("%w: %d message(s)", rabbitmq.ErrPublishNacked, nacked)
			}
			if returned > 0 {
				return fmt.Errorf("%w: %d message(s)", rabbitmq.ErrMessageReturned, returned)
			}
			return nil
		}

		select {
		case <-signal:
		case <-done:
			h.mu.Lock()
			pending = st.published > st.confirmed
			h.mu.Unlock()
			if pending {
				return &rabbitmq.ChannelError{Op: "wait for confirms", ChannelID: h.id, Err: rabbitmq.ErrChannelClosed, Timestamp: time.Now()}
			}
		case <-waitCtx.Done():
			if ctx.Err() == nil && errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
				return rabbitmq.ErrConfirmTimeout
			}
			return ctx.Err()
		}
	}
}

func (h *ChannelHost) close() {
	st := h.current()
	if st == nil || st.ch.IsClosed() {
		return
	}
	if err := st.ch.Close(); err != nil {
		h.logger.Debug("error closing channel", "error", err)
	}
}
