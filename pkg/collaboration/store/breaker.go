package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/developer-mesh/gridsync/pkg/observability"
)

// BreakerConfig defines the circuit breaker around a Store
type BreakerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
	// MinRequests and FailureRatio decide when the breaker trips.
	MinRequests  uint32  `mapstructure:"min_requests"`
	FailureRatio float64 `mapstructure:"failure_ratio"`
}

// DefaultBreakerConfig returns the default breaker settings
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Interval:     30 * time.Second,
		Timeout:      10 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.5,
	}
}

// BreakerStore guards a Store with a circuit breaker. Only transport
// failures count against the breaker: an aborted or lost compare-and-swap is
// a normal outcome. While the breaker is open calls fail fast.
type BreakerStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker
	logger  observability.Logger
}

// NewBreakerStore wraps inner.
func NewBreakerStore(name string, inner Store, cfg BreakerConfig, logger observability.Logger) *BreakerStore {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = 5
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = 0.5
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("Store circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrAbort) || errors.Is(err, context.Canceled)
		},
	}

	return &BreakerStore{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		logger:  logger,
	}
}

// State returns the breaker state name.
func (b *BreakerStore) State() string {
	return b.breaker.State().String()
}

func (b *BreakerStore) execute(op string, fn func() (interface{}, error)) (interface{}, error) {
	res, err := b.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("store %s: %w", op, err)
	}
	return res, err
}

// Subscribe opens a subscription through the breaker.
func (b *BreakerStore) Subscribe(ctx context.Context, path string) (Subscription, error) {
	res, err := b.execute("subscribe", func() (interface{}, error) {
		return b.inner.Subscribe(ctx, path)
	})
	if err != nil {
		return nil, err
	}
	return res.(Subscription), nil
}

// Read reads through the breaker.
func (b *BreakerStore) Read(ctx context.Context, path string) ([]byte, bool, error) {
	res, err := b.execute("read", func() (interface{}, error) {
		v, ok, err := b.inner.Read(ctx, path)
		return readResult{value: v, exists: ok}, err
	})
	if err != nil {
		return nil, false, err
	}
	rr := res.(readResult)
	return rr.value, rr.exists, nil
}

// Write writes through the breaker.
func (b *BreakerStore) Write(ctx context.Context, path string, value []byte) error {
	_, err := b.execute("write", func() (interface{}, error) {
		return nil, b.inner.Write(ctx, path, value)
	})
	return err
}

// CompareAndSwap runs the inner compare-and-swap through the breaker.
func (b *BreakerStore) CompareAndSwap(ctx context.Context, paths []string, fn UpdateFunc) (bool, error) {
	res, err := b.execute("compare-and-swap", func() (interface{}, error) {
		return b.inner.CompareAndSwap(ctx, paths, fn)
	})
	if err != nil {
		return false, err
	}
	return res.(bool), nil
}

// Close closes the inner store.
func (b *BreakerStore) Close() error {
	return b.inner.Close()
}
