package pools

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/rabbitkit/internal/rabbitmq"
)

// ErrShutdown is returned by every acquisition once a pool is shut down.
var ErrShutdown = errors.New("pools: pool is shut down")

// Option configures a ConnectionPool or a ChannelPool.
type Option func(*settings)

type settings struct {
	logger *slog.Logger
	dialer rabbitmq.Dialer
}

func newSettings(opts []Option) settings {
	s := settings{logger: slog.Default(), dialer: rabbitmq.DialConfig}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithDialer replaces the amqp091-go dialer. Only ConnectionPool uses it.
func WithDialer(d rabbitmq.Dialer) Option {
	return func(s *settings) {
		if d != nil {
			s.dialer = d
		}
	}
}

// bindShutdown returns a context cancelled when either ctx or done is.
func bindShutdown(ctx, done context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(done, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// acquireErr maps a cancellation caused by shutdown to ErrShutdown.
func acquireErr(err error, done context.Context) error {
	if done.Err() != nil {
		return ErrShutdown
	}
	return err
}
