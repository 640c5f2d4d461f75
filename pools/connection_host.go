package pools

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/glimte/rabbitkit/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionHost wraps one broker connection.
type ConnectionHost struct {
	id     uint64
	conn   rabbitmq.Connection
	logger *slog.Logger

	dead       atomic.Bool
	blocked    atomic.Bool
	checkedOut atomic.Bool
	done       chan struct{}
}

func newConnectionHost(id uint64, conn rabbitmq.Connection, logger *slog.Logger) *ConnectionHost {
	h := &ConnectionHost{
		id:     id,
		conn:   conn,
		logger: logger.With("connectionId", id),
		done:   make(chan struct{}),
	}
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
	blockCh := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	go h.watch(closeCh, blockCh)
	return h
}

func (h *ConnectionHost) watch(closeCh <-chan *amqp.Error, blockCh <-chan amqp.Blocking) {
	defer close(h.done)
	for {
		select {
		case err := <-closeCh:
			h.dead.Store(true)
			if err != nil {
				h.logger.Warn("connection closed by broker", "code", err.Code, "reason", err.Reason)
			}
			return
		case b, ok := <-blockCh:
			if !ok {
				blockCh = nil
				continue
			}
			h.blocked.Store(b.Active)
			if b.Active {
				h.logger.Warn("connection blocked by broker", "reason", b.Reason)
			} else {
				h.logger.Info("connection unblocked")
			}
		}
	}
}

// ID returns the host identifier, stable across redials.
func (h *ConnectionHost) ID() uint64 { return h.id }

// IsHealthy reports whether the connection is open.
func (h *ConnectionHost) IsHealthy() bool {
	return !h.dead.Load() && !h.conn.IsClosed()
}

// Blocked reports whether the broker has sent connection.blocked.
func (h *ConnectionHost) Blocked() bool { return h.blocked.Load() }

// Channel opens a new channel on the connection.
func (h *ConnectionHost) Channel() (rabbitmq.Channel, error) {
	if !h.IsHealthy() {
		return nil, &rabbitmq.ConnectionError{Op: "open channel", Err: rabbitmq.ErrConnectionClosed, Timestamp: time.Now()}
	}
	ch, err := h.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rabbitmq.ErrChannelCreationFailed, err)
	}
	return ch, nil
}

func (h *ConnectionHost) close() {
	if h.conn.IsClosed() {
		return
	}
	if err := h.conn.Close(); err != nil {
		h.logger.Debug("error closing connection", "error", err)
	}
}
