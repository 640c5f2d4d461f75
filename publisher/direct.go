package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/rabbitkit/internal/rabbitmq"
	"github.com/glimte/rabbitkit/messaging"
	"github.com/glimte/rabbitkit/pools"
)

// publish sends one message on a plain channel.
func (p *Publisher) publish(ctx context.Context, msg *messaging.Message) error {
	pub, err := p.prepare(msg)
	if err != nil {
		return wrap(msg, err)
	}
	h, err := p.pool.GetChannel(ctx)
	if err != nil {
		return wrap(msg, err)
	}
	if err := h.Publish(ctx, msg.Exchange, msg.RoutingKey, msg.Options.Mandatory, pub); err != nil {
		p.pool.ReturnChannel(h, true)
		return wrap(msg, err)
	}
	if err := closedErr(h); err != nil {
		p.pool.ReturnChannel(h, true)
		return wrap(msg, err)
	}
	p.pool.ReturnChannel(h, false)
	return nil
}

// closedErr reports a channel the broker closed in response to a publish,
// such as one to a missing exchange.
func closedErr(h *pools.ChannelHost) error {
	if h.IsHealthy() {
		return nil
	}
	if reason := h.CloseReason(); reason != nil {
		return fmt.Errorf("%w: %s", rabbitmq.ErrChannelClosed, reason.Reason)
	}
	return rabbitmq.ErrChannelClosed
}

func wrap(msg *messaging.Message, err error) error {
	var pe *rabbitmq.PublishError
	if errors.As(err, &pe) {
		return err
	}
	return rabbitmq.NewPublishError(msg.MessageID, msg.Exchange, msg.RoutingKey, msg.Options.Mandatory, err)
}

// Publish sends msg on a plain channel. Broker failures are returned as a
// *rabbitmq.PublishError and, with createReceipt, recorded as a failed
// receipt.
//
// The broker rejects a publish to a missing exchange by closing the channel
// some time later, so Publish only reports it when the close has already
// arrived. Otherwise the next user of the channel sees it closed and the
// pool repairs it. Use PublishWithConfirmation when the outcome matters.
func (p *Publisher) Publish(ctx context.Context, msg *messaging.Message, createReceipt bool) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	err := p.publish(ctx, msg)
	p.receipt(msg, err, createReceipt)
	return err
}

// PublishWithConfirmation sends msg on a confirm-mode channel and waits up to
// the confirmation timeout for the broker to confirm it. A nack, a timeout or
// the return of a mandatory message the broker could not route fails the
// publish.
func (p *Publisher) PublishWithConfirmation(ctx context.Context, msg *messaging.Message, createReceipt bool) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	err := p.publishConfirmed(ctx, []*messaging.Message{msg})
	p.receipt(msg, err, createReceipt)
	return err
}

// publishConfirmed sends msgs on one confirm-mode channel with a single
// confirmation wait. The outcome is shared by every message.
func (p *Publisher) publishConfirmed(ctx context.Context, msgs []*messaging.Message) error {
	first := msgs[0]
	h, err := p.pool.GetAckChannel(ctx)
	if err != nil {
		return wrap(first, err)
	}

	fail := func(msg *messaging.Message, err error) error {
		p.pool.ReturnChannel(h, !usable(err))
		return wrap(msg, err)
	}

	if err := h.WaitForConfirms(ctx, p.opts.ConfirmationTimeout); err != nil && !usable(err) {
		return fail(first, fmt.Errorf("waiting for earlier confirms: %w", err))
	}
	for _, msg := range msgs {
		pub, err := p.prepare(msg)
		if err != nil {
			p.pool.ReturnChannel(h, false)
			return wrap(msg, err)
		}
		if err := h.Publish(ctx, msg.Exchange, msg.RoutingKey, msg.Options.Mandatory, pub); err != nil {
			return fail(msg, err)
		}
	}
	if err := h.WaitForConfirms(ctx, p.opts.ConfirmationTimeout); err != nil {
		return fail(first, err)
	}
	p.pool.ReturnChannel(h, false)
	return nil
}

// usable reports whether a confirm failure leaves the channel open.
func usable(err error) bool {
	return errors.Is(err, rabbitmq.ErrPublishNacked) || errors.Is(err, rabbitmq.ErrMessageReturned)
}

// PublishBatch sends every payload to exchange/routingKey on one plain
// channel. Any failure, including the broker closing the channel during the
// batch, fails the whole batch and flags the channel for repair.
func (p *Publisher) PublishBatch(ctx context.Context, exchange, routingKey string, payloads [][]byte, opts messaging.RoutingOptions) error {
	msgs := make([]*messaging.Message, 0, len(payloads))
	for _, body := range payloads {
		msg := messaging.NewMessage(exchange, routingKey, body)
		msg.Options = opts
		if err := msg.Validate(); err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}

	h, err := p.pool.GetChannel(ctx)
	if err != nil {
		return rabbitmq.NewPublishError("", exchange, routingKey, opts.Mandatory, err)
	}
	for _, msg := range msgs {
		if err = p.send(ctx, h, msg); err == nil {
			err = closedErr(h)
		}
		if err != nil {
			break
		}
	}
	if err != nil {
		p.pool.ReturnChannel(h, true)
		p.failed.Add(uint64(len(msgs)))
		p.logger.Warn("batch publish failed", "exchange", exchange, "routingKey", routingKey, "count", len(msgs), "error", err)
		return rabbitmq.NewPublishError("", exchange, routingKey, opts.Mandatory, err)
	}
	p.pool.ReturnChannel(h, false)
	p.published.Add(uint64(len(msgs)))
	return nil
}

func (p *Publisher) send(ctx context.Context, h *pools.ChannelHost, msg *messaging.Message) error {
	pub, err := p.prepare(msg)
	if err != nil {
		return err
	}
	return h.Publish(ctx, msg.Exchange, msg.RoutingKey, msg.Options.Mandatory, pub)
}

// PublishMany sends msgs in order on one plain channel, recording one
// outcome per message. After the first failure the remaining messages fail
// without touching the channel. The first error is returned.
func (p *Publisher) PublishMany(ctx context.Context, msgs []*messaging.Message, createReceipt bool) error {
	if err := validateAll(msgs); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}

	h, err := p.pool.GetChannel(ctx)
	if err != nil {
		err = wrap(msgs[0], err)
		for _, msg := range msgs {
			p.receipt(msg, err, createReceipt)
		}
		return err
	}

	var first error
	for _, msg := range msgs {
		if first != nil {
			skipped := fmt.Errorf("skipped after earlier failure: %w", errors.Unwrap(first))
			p.receipt(msg, rabbitmq.NewPublishError(msg.MessageID, msg.Exchange, msg.RoutingKey, msg.Options.Mandatory, skipped), createReceipt)
			continue
		}
		err := p.send(ctx, h, msg)
		if err == nil {
			err = closedErr(h)
		}
		if err != nil {
			first = wrap(msg, err)
			p.receipt(msg, first, createReceipt)
			continue
		}
		p.receipt(msg, nil, createReceipt)
	}
	p.pool.ReturnChannel(h, first != nil)
	return first
}

// PublishManyAsBatch sends msgs on one confirm-mode channel and waits once
// for all confirmations. Every message shares the outcome.
func (p *Publisher) PublishManyAsBatch(ctx context.Context, msgs []*messaging.Message, createReceipt bool) error {
	if err := validateAll(msgs); err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	err := p.publishConfirmed(ctx, msgs)
	for _, msg := range msgs {
		p.receipt(msg, err, createReceipt)
	}
	return err
}

func validateAll(msgs []*messaging.Message) error {
	for i, msg := range msgs {
		if err := msg.Validate(); err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
	}
	return nil
}
