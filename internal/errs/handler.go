package errs

import (
	"context"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/sony/gobreaker/v2"
)

const (
	maxRetries    = 3
	retryBaseWait = 250 * time.Millisecond
)

// RetryableFunc is an operation the Handler may retry with backoff.
type RetryableFunc func() error

// Handler classifies errors, retries transient infra faults with
// exponential backoff, and trips a circuit breaker on sustained
// ModelFailed rates.
type Handler struct {
	breaker *gobreaker.CircuitBreaker[any]
}

// BreakerConfig controls when the circuit opens and how long it stays open.
type BreakerConfig struct {
	MaxFailures uint32
	Window      time.Duration
	Cooldown    time.Duration
}

// DefaultBreakerConfig is deliberately conservative: a short window of
// consecutive model failures trips the breaker, a short cooldown lets
// the backend recover.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 5,
		Window:      30 * time.Second,
		Cooldown:    10 * time.Second,
	}
}

// NewHandler builds an ErrorHandler with a circuit breaker over ModelFailed.
func NewHandler(cfg BreakerConfig) *Handler {
	settings := gobreaker.Settings{
		Name:        "model-scheduler",
		Interval:    cfg.Window,
		Timeout:     cfg.Cooldown,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		// Only ModelFailed counts as a breaker failure; other errors
		// (timeouts, cancellations, overload) pass through uncounted.
		IsSuccessful: func(err error) bool {
			return err == nil || !OfKind(err, KindModelFailed)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[ERRORS] circuit %s: %s -> %s", name, from, to)
		},
	}
	return &Handler{breaker: gobreaker.NewCircuitBreaker[any](settings)}
}

// Guard runs a model-calling operation through the circuit breaker. When
// the breaker is open it fails fast with Overloaded instead of invoking f.
func (h *Handler) Guard(f func() error) error {
	_, err := h.breaker.Execute(func() (any, error) {
		return nil, f()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return Wrap(KindOverloaded, "circuit open, short-circuiting request", err)
	}
	return err
}

// WithRetry retries f with exponential backoff plus jitter for retryable
// kinds, up to maxRetries attempts, honoring ctx cancellation between
// attempts. Non-retryable and fatal kinds return on the first failure.
func WithRetry(ctx context.Context, kind Kind, f RetryableFunc) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(retryBaseWait) * math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.2)
			select {
			case <-ctx.Done():
				return Wrap(KindCancelled, "retry aborted by context", ctx.Err())
			case <-time.After(backoff + jitter):
			}
		}

		err := f()
		if err == nil {
			return nil
		}
		lastErr = err

		if kind.Fatal() || !kind.Retryable() {
			return lastErr
		}
	}
	return lastErr
}

// Warn surfaces a non-fatal background-path failure (e.g. a MemoryWriter
// transaction abort) without failing the caller's in-flight reply.
func (h *Handler) Warn(component string, err error) {
	log.Printf("[ERRORS] non-fatal warning from %s: %v", component, err)
}
