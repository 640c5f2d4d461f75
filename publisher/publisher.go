// Package publisher sends messages through the channel pool, either
// directly or through a bounded send queue drained by a background loop.
//
// Every message published by the auto-publish loop yields one receipt. Receipts
// are written to a drop-oldest queue and handed to a ReceiptHandler; the
// default handler queues failed messages again while the loop is running.
package publisher

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/glimte/rabbitkit/compression"
	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/encryption"
	"github.com/glimte/rabbitkit/messaging"
	"github.com/glimte/rabbitkit/pools"
	"github.com/glimte/rabbitkit/queue"
	"github.com/glimte/rabbitkit/serialization"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrNotStarted is returned when queuing onto a publisher whose
	// auto-publish loop is not running.
	ErrNotStarted = errors.New("publisher: auto-publish is not started")
	// ErrAlreadyStarted is returned by a second StartAutoPublish.
	ErrAlreadyStarted = errors.New("publisher: auto-publish already started")
	// ErrInvalidArgument is returned for nil or unroutable messages.
	ErrInvalidArgument = messaging.ErrInvalidArgument
)

// Publisher publishes messages on pooled channels.
type Publisher struct {
	pool   *pools.ChannelPool
	opts   config.PublisherOptions
	logger *slog.Logger

	compressor compression.Provider
	encryptor  encryption.Provider
	serializer serialization.Provider

	receipts *queue.Queue[messaging.PublishReceipt]

	lifecycle sync.Mutex
	run       atomic.Pointer[autoRun]

	published atomic.Uint64
	failed    atomic.Uint64
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithCompression sets the provider used when compression is enabled.
func WithCompression(c compression.Provider) Option {
	return func(p *Publisher) {
		p.compressor = c
	}
}

// WithEncryption sets the provider used when encryption is enabled.
func WithEncryption(e encryption.Provider) Option {
	return func(p *Publisher) {
		p.encryptor = e
	}
}

// WithSerializer sets the provider used when whole messages are serialized.
func WithSerializer(s serialization.Provider) Option {
	return func(p *Publisher) {
		p.serializer = s
	}
}

// Stats is a snapshot of publisher counters.
type Stats struct {
	Started         bool
	Queued          int
	QueueDropped    uint64
	Published       uint64
	Failed          uint64
	Receipts        int
	ReceiptsDropped uint64
}

// New builds a publisher over pool. Compression defaults to gzip and
// serialization to JSON when enabled without a provider; encryption must be
// given a provider.
func New(pool *pools.ChannelPool, opts config.PublisherOptions, options ...Option) (*Publisher, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil channel pool", ErrInvalidArgument)
	}
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	p := &Publisher{
		pool:   pool,
		opts:   opts,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	p.logger = p.logger.With("component", "publisher")

	if opts.Compress && p.compressor == nil {
		p.compressor = compression.NewGzip()
	}
	if opts.Encrypt && p.encryptor == nil {
		return nil, fmt.Errorf("%w: encryption enabled without a provider", ErrInvalidArgument)
	}
	if opts.SerializeMessages && p.serializer == nil {
		p.serializer = serialization.NewJSON()
	}
	p.receipts = queue.New[messaging.PublishReceipt](opts.ReceiptQueueCapacity, queue.DropOldest)
	return p, nil
}

// Options returns the effective options.
func (p *Publisher) Options() config.PublisherOptions { return p.opts }

// ReceiptReader returns the receipt queue. Receipts read here are not seen
// by the receipt handler.
func (p *Publisher) ReceiptReader() queue.Reader[messaging.PublishReceipt] {
	return p.receipts
}

// Stats returns a snapshot of the counters.
func (p *Publisher) Stats() Stats {
	s := Stats{
		Published:       p.published.Load(),
		Failed:          p.failed.Load(),
		Receipts:        p.receipts.Len(),
		ReceiptsDropped: p.receipts.Dropped(),
	}
	if r := p.run.Load(); r != nil {
		s.Started = true
		s.Queued = r.send.Len()
		s.QueueDropped = r.send.Dropped()
	}
	return s
}

// prepare applies the configured transforms to msg and builds the publishing.
func (p *Publisher) prepare(msg *messaging.Message) (amqp.Publishing, error) {
	if p.opts.Compress && !msg.Meta().Encrypted {
		if _, err := msg.Compress(p.compressor); err != nil {
			return amqp.Publishing{}, fmt.Errorf("compress message %s: %w", msg.MessageID, err)
		}
	}
	if p.opts.Encrypt {
		if _, err := msg.Encrypt(p.encryptor); err != nil {
			return amqp.Publishing{}, fmt.Errorf("encrypt message %s: %w", msg.MessageID, err)
		}
	}
	var s serialization.Provider
	if p.opts.SerializeMessages {
		s = p.serializer
	}
	return msg.Publishing(p.opts.Headers(), s)
}

// receipt records the outcome of one publish.
func (p *Publisher) receipt(msg *messaging.Message, err error, create bool) {
	if err != nil {
		p.failed.Add(1)
	} else {
		p.published.Add(1)
	}
	if !create {
		return
	}
	if werr := p.receipts.TryWrite(messaging.NewReceipt(msg, err)); werr != nil {
		p.logger.Debug("receipt not recorded", "messageId", msg.MessageID, "error", werr)
	}
}
