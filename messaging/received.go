package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/glimte/rabbitkit/compression"
	"github.com/glimte/rabbitkit/encryption"
	"github.com/glimte/rabbitkit/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ReceivedMessage wraps one broker delivery.
//
// Ack, Nack and Reject settle the delivery at most once between them; later
// calls return false without signalling the broker. Complete fires the
// completion signal at most once.
type ReceivedMessage struct {
	delivery amqp.Delivery
	ackable  bool

	// Headers is the typed view of the delivery headers.
	Headers Headers
	// Body is the raw payload. For MESSAGE deliveries that deserialized
	// cleanly it is the inner message body.
	Body []byte
	// Message is the decoded message for MESSAGE deliveries.
	Message *Message

	deserializeErr error

	settled   atomic.Bool
	completed chan struct{}
	once      sync.Once
	success   atomic.Bool
}

// NewReceivedMessage wraps d. Deliveries whose object type is MESSAGE are
// decoded with s; a decoding failure is recorded and does not fail the
// call.
func NewReceivedMessage(d amqp.Delivery, ackable bool, s serialization.Provider) *ReceivedMessage {
	r := &ReceivedMessage{
		delivery:  d,
		ackable:   ackable,
		Headers:   ParseHeaders(d.Headers),
		Body:      d.Body,
		completed: make(chan struct{}),
	}
	if r.Headers.ObjectType != ObjectTypeMessage {
		return r
	}
	if s == nil {
		r.deserializeErr = fmt.Errorf("%w: no serializer for MESSAGE delivery", ErrInvalidArgument)
		return r
	}
	var msg Message
	if err := s.Deserialize(d.Body, &msg); err != nil {
		r.deserializeErr = err
		return r
	}
	r.Message = &msg
	r.Body = msg.Body
	return r
}

func (r *ReceivedMessage) Ackable() bool           { return r.ackable }
func (r *ReceivedMessage) DeliveryTag() uint64     { return r.delivery.DeliveryTag }
func (r *ReceivedMessage) ConsumerTag() string     { return r.delivery.ConsumerTag }
func (r *ReceivedMessage) Exchange() string        { return r.delivery.Exchange }
func (r *ReceivedMessage) RoutingKey() string      { return r.delivery.RoutingKey }
func (r *ReceivedMessage) Redelivered() bool       { return r.delivery.Redelivered }
func (r *ReceivedMessage) Delivery() amqp.Delivery { return r.delivery }

// MessageID returns the AMQP message id, falling back to the decoded message.
func (r *ReceivedMessage) MessageID() string {
	if r.delivery.MessageId != "" || r.Message == nil {
		return r.delivery.MessageId
	}
	return r.Message.MessageID
}

// FailedToDeserialize reports whether a MESSAGE delivery could not be decoded.
func (r *ReceivedMessage) FailedToDeserialize() bool { return r.deserializeErr != nil }

// DeserializeErr returns the decoding error, if any.
func (r *ReceivedMessage) DeserializeErr() error { return r.deserializeErr }

// Ack acknowledges the delivery. It returns true when the broker was signalled.
func (r *ReceivedMessage) Ack() (bool, error) {
	return r.settle(func() error { return r.delivery.Ack(false) })
}

// Nack negatively acknowledges the delivery.
func (r *ReceivedMessage) Nack(requeue bool) (bool, error) {
	return r.settle(func() error { return r.delivery.Nack(false, requeue) })
}

// Reject rejects the delivery.
func (r *ReceivedMessage) Reject(requeue bool) (bool, error) {
	return r.settle(func() error { return r.delivery.Reject(requeue) })
}

// Settled reports whether Ack, Nack or Reject has been called.
func (r *ReceivedMessage) Settled() bool { return r.settled.Load() }

func (r *ReceivedMessage) settle(fn func() error) (bool, error) {
	if !r.ackable || !r.settled.CompareAndSwap(false, true) {
		return false, nil
	}
	if err := fn(); err != nil {
		return false, fmt.Errorf("settle delivery %d: %w", r.delivery.DeliveryTag, err)
	}
	return true, nil
}

// Complete fires the completion signal. Only the first call has effect.
func (r *ReceivedMessage) Complete(success bool) bool {
	fired := false
	r.once.Do(func() {
		r.success.Store(success)
		close(r.completed)
		fired = true
	})
	return fired
}

// Completion is closed once Complete has been called.
func (r *ReceivedMessage) Completion() <-chan struct{} { return r.completed }

// Succeeded returns the value passed to Complete.
func (r *ReceivedMessage) Succeeded() bool { return r.success.Load() }

// WaitForCompletion blocks until Complete is called or ctx is done.
func (r *ReceivedMessage) WaitForCompletion(ctx context.Context) (bool, error) {
	select {
	case <-r.completed:
		return r.success.Load(), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Decrypt decrypts the payload if it is encrypted.
func (r *ReceivedMessage) Decrypt(p encryption.Provider) (bool, error) {
	if r.Message != nil {
		ok, err := r.Message.Decrypt(p)
		r.Body = r.Message.Body
		return ok, err
	}
	if p == nil {
		return false, fmt.Errorf("%w: nil encryption provider", ErrInvalidArgument)
	}
	if !r.Headers.Encrypted {
		return false, nil
	}
	out, err := p.Decrypt(r.Body)
	if err != nil {
		return false, fmt.Errorf("decrypt delivery %d: %w", r.delivery.DeliveryTag, err)
	}
	r.Body = out
	r.Headers.Encrypted = false
	return true, nil
}

// Decompress decompresses the payload if it is compressed. The payload must
// already be decrypted.
func (r *ReceivedMessage) Decompress(p compression.Provider) (bool, error) {
	if r.Message != nil {
		ok, err := r.Message.Decompress(p)
		r.Body = r.Message.Body
		return ok, err
	}
	if p == nil {
		return false, fmt.Errorf("%w: nil compression provider", ErrInvalidArgument)
	}
	if r.Headers.Encrypted {
		return false, fmt.Errorf("%w: delivery %d must be decrypted first", ErrTransformOrder, r.delivery.DeliveryTag)
	}
	if !r.Headers.Compressed {
		return false, nil
	}
	out, err := p.Decompress(r.Body)
	if err != nil {
		return false, fmt.Errorf("decompress delivery %d: %w", r.delivery.DeliveryTag, err)
	}
	r.Body = out
	r.Headers.Compressed = false
	return true, nil
}

// Unwrap decrypts then decompresses as the headers require. Either provider
// may be nil when the matching transform is not expected.
func (r *ReceivedMessage) Unwrap(c compression.Provider, e encryption.Provider) error {
	if r.encrypted() {
		if _, err := r.Decrypt(e); err != nil {
			return err
		}
	}
	if r.compressed() {
		if _, err := r.Decompress(c); err != nil {
			return err
		}
	}
	return nil
}

func (r *ReceivedMessage) encrypted() bool {
	if r.Message != nil {
		return r.Message.Meta().Encrypted
	}
	return r.Headers.Encrypted
}

func (r *ReceivedMessage) compressed() bool {
	if r.Message != nil {
		return r.Message.Meta().Compressed
	}
	return r.Headers.Compressed
}
