package messaging

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrInvalidArgument is returned for nil messages or providers.
	ErrInvalidArgument = errors.New("messaging: invalid argument")
	// ErrTransformOrder is returned when a transform would break the
	// compress, encrypt, decrypt, decompress ordering.
	ErrTransformOrder = errors.New("messaging: transform applied out of order")
	// ErrInvalidHeaderKey is returned for custom metadata keys without the X- prefix.
	ErrInvalidHeaderKey = errors.New("messaging: custom header keys must start with X-")
)

// RoutingOptions are the per-publish AMQP properties.
type RoutingOptions struct {
	DeliveryMode uint8  `json:"deliveryMode"`
	Mandatory    bool   `json:"mandatory"`
	Priority     uint8  `json:"priority"`
	Type         string `json:"type,omitempty"`
}

// DefaultRoutingOptions returns persistent, non-mandatory delivery.
func DefaultRoutingOptions() RoutingOptions {
	return RoutingOptions{DeliveryMode: amqp.Persistent}
}

// Metadata records which transforms were applied to a Message body.
type Metadata struct {
	PayloadID       string         `json:"payloadId,omitempty"`
	Encrypted       bool           `json:"encrypted"`
	EncryptionType  string         `json:"encryptionType,omitempty"`
	EncryptedAt     time.Time      `json:"encryptedAt"`
	Compressed      bool           `json:"compressed"`
	CompressionType string         `json:"compressionType,omitempty"`
	TraceID         string         `json:"traceId,omitempty"`
	Custom          map[string]any `json:"custom,omitempty"`
}

// Set stores a custom header. Keys must start with "X-".
func (md *Metadata) Set(key string, value any) error {
	if !strings.HasPrefix(key, "X-") {
		return fmt.Errorf("%w: %q", ErrInvalidHeaderKey, key)
	}
	if md.Custom == nil {
		md.Custom = make(map[string]any)
	}
	md.Custom[key] = value
	return nil
}

// Message is one outbound message.
type Message struct {
	MessageID   string         `json:"messageId"`
	Exchange    string         `json:"exchange"`
	RoutingKey  string         `json:"routingKey"`
	ContentType string         `json:"contentType,omitempty"`
	Options     RoutingOptions `json:"options"`
	Body        []byte         `json:"body"`
	Metadata    *Metadata      `json:"metadata,omitempty"`
	// RetryCount is incremented each time a failed receipt re-queues the message.
	RetryCount int `json:"retryCount,omitempty"`
}

// NewMessage returns a message with a fresh id, default routing options and
// a payload id matching the message id.
func NewMessage(exchange, routingKey string, body []byte) *Message {
	id := uuid.NewString()
	return &Message{
		MessageID:  id,
		Exchange:   exchange,
		RoutingKey: routingKey,
		Options:    DefaultRoutingOptions(),
		Body:       body,
		Metadata:   &Metadata{PayloadID: id},
	}
}

// Meta returns the metadata, creating it on first use.
func (m *Message) Meta() *Metadata {
	if m.Metadata == nil {
		m.Metadata = &Metadata{PayloadID: m.MessageID}
	}
	return m.Metadata
}

// Validate reports whether the message can be published.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidArgument)
	}
	if m.Exchange == "" && m.RoutingKey == "" {
		return fmt.Errorf("%w: message %s has neither exchange nor routing key", ErrInvalidArgument, m.MessageID)
	}
	return nil
}
