package consumer

import (
	"context"
	"iter"

	"github.com/glimte/rabbitkit/messaging"
	"github.com/glimte/rabbitkit/queue"
)

func (c *Consumer) current() (*queue.Queue[*messaging.ReceivedMessage], error) {
	buf := c.buffer.Load()
	if buf == nil {
		return nil, ErrNotStarted
	}
	return buf, nil
}

// Read returns the next buffered delivery, waiting for one. After Stop it
// keeps returning buffered deliveries, then ErrClosed.
func (c *Consumer) Read(ctx context.Context) (*messaging.ReceivedMessage, error) {
	buf, err := c.current()
	if err != nil {
		return nil, err
	}
	return buf.Read(ctx)
}

// ReadUntilEmpty waits for one delivery and returns it together with every
// delivery buffered behind it.
func (c *Consumer) ReadUntilEmpty(ctx context.Context) ([]*messaging.ReceivedMessage, error) {
	buf, err := c.current()
	if err != nil {
		return nil, err
	}
	first, err := buf.Read(ctx)
	if err != nil {
		return nil, err
	}
	out := []*messaging.ReceivedMessage{first}
	for {
		rm, ok := buf.TryRead()
		if !ok {
			return out, nil
		}
		out = append(out, rm)
	}
}

// StreamOutUntilEmpty yields buffered deliveries and ends as soon as the
// buffer is empty. Each call starts a new sequence.
func (c *Consumer) StreamOutUntilEmpty(ctx context.Context) iter.Seq[*messaging.ReceivedMessage] {
	return func(yield func(*messaging.ReceivedMessage) bool) {
		buf, err := c.current()
		if err != nil {
			return
		}
		for ctx.Err() == nil {
			rm, ok := buf.TryRead()
			if !ok || !yield(rm) {
				return
			}
		}
	}
}

// StreamOutUntilClosed yields deliveries as they arrive and ends when the
// buffer is closed and drained or ctx is done.
func (c *Consumer) StreamOutUntilClosed(ctx context.Context) iter.Seq[*messaging.ReceivedMessage] {
	return func(yield func(*messaging.ReceivedMessage) bool) {
		buf, err := c.current()
		if err != nil {
			return
		}
		c.reads(ctx, buf)(yield)
	}
}
