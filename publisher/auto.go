package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/glimte/rabbitkit/messaging"
	"github.com/glimte/rabbitkit/queue"
)

// ReceiptHandler observes every receipt drained by the auto-publish loop.
type ReceiptHandler func(ctx context.Context, r messaging.PublishReceipt)

// autoRun is one StartAutoPublish..StopAutoPublish cycle.
type autoRun struct {
	send        *queue.Queue[*messaging.Message]
	cancel      context.CancelFunc
	publishDone chan struct{}
	receiptDone chan struct{}
}

// StartAutoPublish starts the publish loop and the receipt loop. Both run
// until StopAutoPublish is called or ctx is done. A nil handler selects
// DefaultReceiptHandler.
func (p *Publisher) StartAutoPublish(ctx context.Context, handler ReceiptHandler) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()
	if p.run.Load() != nil {
		return ErrAlreadyStarted
	}
	if handler == nil {
		handler = p.DefaultReceiptHandler
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &autoRun{
		send:        queue.New[*messaging.Message](p.opts.QueueCapacity, p.opts.FullMode),
		cancel:      cancel,
		publishDone: make(chan struct{}),
		receiptDone: make(chan struct{}),
	}
	p.run.Store(r)

	go p.publishLoop(runCtx, r)
	go p.receiptLoop(runCtx, r, handler)
	context.AfterFunc(runCtx, func() {
		// a cancelled parent stops the run as an immediate stop would
		if p.run.CompareAndSwap(r, nil) {
			r.send.Close()
		}
	})

	p.logger.Info("auto-publish started",
		"queueCapacity", p.opts.QueueCapacity,
		"fullMode", p.opts.FullMode.String(),
		"receiptQueueCapacity", p.opts.ReceiptQueueCapacity)
	return nil
}

// Started reports whether the auto-publish loop accepts messages.
func (p *Publisher) Started() bool {
	return p.run.Load() != nil
}

// QueueMessage adds msg to the send queue, waiting per the configured full
// mode.
func (p *Publisher) QueueMessage(ctx context.Context, msg *messaging.Message) error {
	r, err := p.accept(msg)
	if err != nil {
		return err
	}
	return sendErr(r.send.Write(ctx, msg))
}

// TryQueueMessage adds msg to the send queue without waiting. A full queue
// in block or reject mode yields queue.ErrFull.
func (p *Publisher) TryQueueMessage(msg *messaging.Message) error {
	r, err := p.accept(msg)
	if err != nil {
		return err
	}
	return sendErr(r.send.TryWrite(msg))
}

func (p *Publisher) accept(msg *messaging.Message) (*autoRun, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	r := p.run.Load()
	if r == nil {
		return nil, ErrNotStarted
	}
	return r, nil
}

func sendErr(err error) error {
	if errors.Is(err, queue.ErrClosed) {
		return ErrNotStarted
	}
	return err
}

// StopAutoPublish stops accepting messages. Unless immediate, it waits for
// the queued messages to be published and their receipts handled, bounded
// by ctx.
func (p *Publisher) StopAutoPublish(ctx context.Context, immediate bool) error {
	p.lifecycle.Lock()
	defer p.lifecycle.Unlock()

	r := p.run.Swap(nil)
	if r == nil {
		return nil
	}
	r.send.Close()
	if immediate {
		r.cancel()
		p.logger.Info("auto-publish stopped", "immediate", true, "abandoned", r.send.Len())
		return nil
	}

	for _, done := range []chan struct{}{r.publishDone, r.receiptDone} {
		select {
		case <-done:
		case <-ctx.Done():
			r.cancel()
			p.logger.Warn("auto-publish stop timed out", "abandoned", r.send.Len())
			return ctx.Err()
		}
	}
	r.cancel()
	p.logger.Info("auto-publish stopped", "immediate", false)
	return nil
}

func (p *Publisher) publishLoop(ctx context.Context, r *autoRun) {
	defer close(r.publishDone)
	for {
		msg, err := r.send.Read(ctx)
		if err != nil {
			return
		}
		err = p.publish(ctx, msg)
		if err != nil {
			p.logger.Warn("auto-publish failed", "messageId", msg.MessageID, "error", err)
		}
		p.receipt(msg, err, p.opts.Receipts())
	}
}

// receiptLoop hands receipts to handler. Once the publish loop has
// finished it drains what is left and exits.
func (p *Publisher) receiptLoop(ctx context.Context, r *autoRun, handler ReceiptHandler) {
	defer close(r.receiptDone)

	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-r.publishDone:
			cancel()
		case <-readCtx.Done():
		}
	}()

	for {
		rc, err := p.receipts.Read(readCtx)
		if err != nil {
			break
		}
		p.handle(ctx, handler, rc)
	}
	if ctx.Err() != nil {
		return
	}
	for {
		rc, ok := p.receipts.TryRead()
		if !ok {
			return
		}
		p.handle(ctx, handler, rc)
	}
}

func (p *Publisher) handle(ctx context.Context, handler ReceiptHandler, rc messaging.PublishReceipt) {
	defer func() {
		if v := recover(); v != nil {
			p.logger.Error("receipt handler panicked", "messageId", rc.MessageID(), "panic", fmt.Sprint(v))
		}
	}()
	handler(ctx, rc)
}

// DefaultReceiptHandler queues the message of a failed receipt again while
// auto-publish is running. Once stopped, failures are logged and dropped.
func (p *Publisher) DefaultReceiptHandler(ctx context.Context, rc messaging.PublishReceipt) {
	if !rc.IsError() {
		return
	}
	msg := rc.Message()
	if msg == nil || !p.Started() {
		p.logger.Error("publish failed, message dropped", "messageId", rc.MessageID(), "error", rc.Err())
		return
	}
	msg.RetryCount++
	if err := p.QueueMessage(ctx, msg); err != nil {
		p.logger.Error("publish failed, requeue refused", "messageId", rc.MessageID(), "retryCount", msg.RetryCount, "error", err)
		return
	}
	p.logger.Debug("failed message requeued", "messageId", rc.MessageID(), "retryCount", msg.RetryCount)
}
