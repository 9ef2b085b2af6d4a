package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/gridsync/pkg/observability"
)

func TestBreakerStore(t *testing.T) {
	ctx := context.Background()
	cfg := BreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		MinRequests:  2,
		FailureRatio: 0.5,
	}

	t.Run("Lost races do not trip", func(t *testing.T) {
		mem := NewMemoryStore()
		b := NewBreakerStore("test", mem, cfg, observability.NewNoopLogger())
		defer b.Close()

		for i := 0; i < 5; i++ {
			ok, err := b.CompareAndSwap(ctx, []string{"latest"}, func(map[string][]byte) (map[string][]byte, error) {
				return nil, ErrAbort
			})
			require.NoError(t, err)
			assert.False(t, ok)
		}
		assert.Equal(t, gobreaker.StateClosed.String(), b.State())
	})

	t.Run("Transport failures trip and fail fast", func(t *testing.T) {
		mem := NewMemoryStore()
		b := NewBreakerStore("test", mem, cfg, observability.NewNoopLogger())
		defer b.Close()

		boom := errors.New("connection reset")
		for i := 0; i < 2; i++ {
			mem.FailNext(boom)
			err := b.Write(ctx, "latest", EncodeNum(1))
			assert.ErrorIs(t, err, boom)
		}
		assert.Equal(t, gobreaker.StateOpen.String(), b.State())

		_, _, err := b.Read(ctx, "latest")
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	})

	t.Run("Passes values through", func(t *testing.T) {
		mem := NewMemoryStore()
		b := NewBreakerStore("test", mem, cfg, observability.NewNoopLogger())
		defer b.Close()

		require.NoError(t, b.Write(ctx, "k", []byte("v")))
		v, ok, err := b.Read(ctx, "k")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "v", string(v))

		sub, err := b.Subscribe(ctx, "k")
		require.NoError(t, err)
		defer sub.Close()
		assert.Equal(t, "v", string(nextEvent(t, sub).Value))
	})
}
