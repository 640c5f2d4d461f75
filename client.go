// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package rabbitkit wires the connection and channel pools, the publisher,
// the configured consumers and the topology manager into one client.
package rabbitkit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/glimte/rabbitkit/compression"
	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/consumer"
	"github.com/glimte/rabbitkit/encryption"
	"github.com/glimte/rabbitkit/internal/rabbitmq"
	"github.com/glimte/rabbitkit/pools"
	"github.com/glimte/rabbitkit/publisher"
	"github.com/glimte/rabbitkit/serialization"
	"github.com/glimte/rabbitkit/topology"
)

// ErrUnknownConsumer is returned for a consumer name missing from the
// configuration.
var ErrUnknownConsumer = errors.New("rabbitkit: unknown consumer")

// Client provides the main entry point for rabbitkit
type Client struct {
	opts      config.Options
	logger    *slog.Logger
	pool      *pools.ChannelPool
	publisher *publisher.Publisher
	consumers map[string]*consumer.Consumer
	topology  *topology.Manager
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	dialer     rabbitmq.Dialer
	compressor compression.Provider
	encryptor  encryption.Provider
	serializer serialization.Provider
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDialer replaces the amqp091-go dialer.
func WithDialer(d rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = d
	}
}

// WithCompression sets the publisher compression provider.
func WithCompression(c compression.Provider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.compressor = c
	}
}

// WithEncryption sets the publisher encryption provider.
func WithEncryption(e encryption.Provider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.encryptor = e
	}
}

// WithSerializer sets the serializer shared by the publisher and consumers.
func WithSerializer(s serialization.Provider) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serializer = s
	}
}

// NewClient validates opts and builds every component. No connection is
// opened until the first channel is requested.
func NewClient(opts config.Options, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	poolOpts := []pools.Option{pools.WithLogger(cfg.logger)}
	if cfg.dialer != nil {
		poolOpts = append(poolOpts, pools.WithDialer(cfg.dialer))
	}
	connections := pools.NewConnectionPool(opts.Pool, opts.Factory, poolOpts...)
	pool := pools.NewChannelPool(connections, opts.Pool, poolOpts...)

	pubOpts := []publisher.Option{publisher.WithLogger(cfg.logger)}
	if cfg.compressor != nil {
		pubOpts = append(pubOpts, publisher.WithCompression(cfg.compressor))
	}
	if cfg.encryptor != nil {
		pubOpts = append(pubOpts, publisher.WithEncryption(cfg.encryptor))
	}
	if cfg.serializer != nil {
		pubOpts = append(pubOpts, publisher.WithSerializer(cfg.serializer))
	}
	pub, err := publisher.New(pool, opts.Publisher, pubOpts...)
	if err != nil {
		_ = pool.Shutdown()
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	consumers := make(map[string]*consumer.Consumer, len(opts.Consumers))
	for name, co := range opts.Consumers {
		conOpts := []consumer.Option{consumer.WithLogger(cfg.logger)}
		if cfg.serializer != nil {
			conOpts = append(conOpts, consumer.WithSerializer(cfg.serializer))
		}
		c, err := consumer.New(pool, name, co, conOpts...)
		if err != nil {
			_ = pool.Shutdown()
			return nil, fmt.Errorf("failed to create consumer %s: %w", name, err)
		}
		consumers[name] = c
	}

	cfg.logger.Info("rabbitkit client created",
		"uri", rabbitmq.SanitizeURL(opts.Factory.URI),
		"maxConnections", opts.Pool.MaxConnections,
		"maxChannels", opts.Pool.MaxChannels,
		"consumers", len(consumers))

	return &Client{
		opts:      opts,
		logger:    cfg.logger,
		pool:      pool,
		publisher: pub,
		consumers: consumers,
		topology:  topology.NewManager(pool, topology.WithLogger(cfg.logger)),
	}, nil
}

// Options returns the effective configuration.
func (c *Client) Options() config.Options { return c.opts }

// Publisher returns the message publisher
func (c *Client) Publisher() *publisher.Publisher { return c.publisher }

// Consumer returns the consumer configured under name.
func (c *Client) Consumer(name string) (*consumer.Consumer, error) {
	con, ok := c.consumers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownConsumer, name)
	}
	return con, nil
}

// ConsumerNames returns the configured consumer names in sorted order.
func (c *Client) ConsumerNames() []string {
	names := make([]string, 0, len(c.consumers))
	for name := range c.consumers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Topology returns the topology manager
func (c *Client) Topology() *topology.Manager { return c.topology }

// ChannelPool returns the shared channel pool
func (c *Client) ChannelPool() *pools.ChannelPool { return c.pool }

// DeclareTopology declares the configured topology, then the error queue of
// every consumer that has one.
func (c *Client) DeclareTopology(ctx context.Context) error {
	if err := c.topology.Declare(ctx, c.opts.Topology); err != nil {
		return err
	}
	for _, name := range c.ConsumerNames() {
		co := c.consumers[name].Options()
		if co.ErrorQueueName == "" {
			continue
		}
		if _, err := c.topology.CreateQueue(ctx, co.ErrorQueueName, true, false, false, nil); err != nil {
			return err
		}
	}
	return nil
}

// Close stops every consumer and the auto publisher, then shuts the pools
// down. Consumers are stopped without waiting for their buffers to drain.
func (c *Client) Close(ctx context.Context) error {
	var errs []error
	for _, name := range c.ConsumerNames() {
		if err := c.consumers[name].Stop(ctx, true); err != nil {
			errs = append(errs, fmt.Errorf("stop consumer %s: %w", name, err))
		}
	}
	if err := c.publisher.StopAutoPublish(ctx, false); err != nil {
		errs = append(errs, fmt.Errorf("stop publisher: %w", err))
	}
	if err := c.pool.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shut down pools: %w", err))
	}
	c.logger.Info("rabbitkit client closed")
	return errors.Join(errs...)
}
