package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/gridsync/pkg/observability"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := DefaultRedisConfig()
	cfg.Addresses = []string{mr.Addr()}
	cfg.ConnectTimeout = 2 * time.Second

	s, err := NewRedisStore(context.Background(), cfg, observability.NewNoopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestNewRedisStore(t *testing.T) {
	t.Run("Connects", func(t *testing.T) {
		s, _ := newTestRedisStore(t)
		assert.NoError(t, s.Ping(context.Background()))
	})

	t.Run("Handles connection errors", func(t *testing.T) {
		cfg := DefaultRedisConfig()
		cfg.Addresses = []string{"127.0.0.1:1"}
		cfg.DialTimeout = 100 * time.Millisecond
		cfg.ConnectTimeout = 300 * time.Millisecond
		cfg.MaxRetries = 0

		s, err := NewRedisStore(context.Background(), cfg, observability.NewNoopLogger())
		assert.Error(t, err)
		assert.Nil(t, s)
		assert.Contains(t, err.Error(), "failed to connect to Redis")
	})

	t.Run("Requires config", func(t *testing.T) {
		_, err := NewRedisStore(context.Background(), nil, observability.NewNoopLogger())
		assert.Error(t, err)
	})
}

func TestRedisStore_ReadWrite(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)
	l := NewLayout("test", "doc")

	_, ok, err := s.Read(ctx, l.Latest())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Write(ctx, l.Op(1), []byte(`{"id":"a"}`)))
	v, ok, err := s.Read(ctx, l.Op(1))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"id":"a"}`, string(v))

	got, err := mr.Get(l.Op(1))
	require.NoError(t, err)
	assert.Equal(t, `{"id":"a"}`, got)
	ver, err := mr.Get(versionKey(l.Op(1)))
	require.NoError(t, err)
	assert.Equal(t, "1", ver)

	// Payloads are immutable, so later reads are served from the cache.
	mr.Del(l.Op(1))
	v, ok, err = s.Read(ctx, l.Op(1))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"id":"a"}`, string(v))
}

func TestRedisStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)
	l := NewLayout("test", "doc")
	paths := []string{l.Latest()}

	bump := func(want int64) UpdateFunc {
		return func(cur map[string][]byte) (map[string][]byte, error) {
			v, exists := cur[l.Latest()]
			n, err := DecodeNum(v, exists)
			if err != nil {
				return nil, err
			}
			if n != want-1 {
				return nil, ErrAbort
			}
			return map[string][]byte{l.Latest(): EncodeNum(want)}, nil
		}
	}

	ok, err := s.CompareAndSwap(ctx, paths, bump(1))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSwap(ctx, paths, bump(1))
	require.NoError(t, err)
	assert.False(t, ok, "stale expectation aborts")

	ok, err = s.CompareAndSwap(ctx, paths, bump(2))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := mr.Get(l.Latest())
	require.NoError(t, err)
	assert.Equal(t, "2", got)

	t.Run("Rejects unwatched writes", func(t *testing.T) {
		_, err := s.CompareAndSwap(ctx, paths, func(map[string][]byte) (map[string][]byte, error) {
			return map[string][]byte{l.Snapshot(): []byte("x")}, nil
		})
		assert.Error(t, err)
	})
}

func TestRedisStore_Subscribe(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestRedisStore(t)
	l := NewLayout("test", "doc")

	require.NoError(t, s.Write(ctx, l.Latest(), EncodeNum(1)))

	sub, err := s.Subscribe(ctx, l.Latest())
	require.NoError(t, err)
	defer sub.Close()

	ev := nextEvent(t, sub)
	assert.True(t, ev.Exists)
	assert.Equal(t, "1", string(ev.Value))

	require.NoError(t, s.Write(ctx, l.Latest(), EncodeNum(2)))
	ev = nextEvent(t, sub)
	assert.Equal(t, "2", string(ev.Value))

	ok, err := s.CompareAndSwap(ctx, []string{l.Latest()}, func(map[string][]byte) (map[string][]byte, error) {
		return map[string][]byte{l.Latest(): EncodeNum(3)}, nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	ev = nextEvent(t, sub)
	assert.Equal(t, "3", string(ev.Value))
}

func TestRedisStore_PrefixWithOpsSegment(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedisStore(t)
	l := NewLayout("tenant/ops/7", "doc")

	require.NoError(t, s.Write(ctx, l.Latest(), EncodeNum(1)))
	v, _, err := s.Read(ctx, l.Latest())
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))

	// Mutable records are always read from Redis.
	require.NoError(t, mr.Set(l.Latest(), "2"))
	v, _, err = s.Read(ctx, l.Latest())
	require.NoError(t, err)
	assert.Equal(t, "2", string(v))
}

func TestEnvelope(t *testing.T) {
	ver, v, err := decodeEnvelope(encodeEnvelope(7, []byte("a|b")))
	require.NoError(t, err)
	assert.Equal(t, int64(7), ver)
	assert.Equal(t, "a|b", string(v))

	_, _, err = decodeEnvelope("nope")
	assert.Error(t, err)
	_, _, err = decodeEnvelope("x|1")
	assert.Error(t, err)
}
