package reliability

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// NewBreaker returns a circuit breaker that opens after failures consecutive
// failures and lets a single trial call through once cooldown has passed.
func NewBreaker(name string, failures uint32, cooldown time.Duration, logger *slog.Logger) *gobreaker.CircuitBreaker {
	if failures < 1 {
		failures = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	})
}
