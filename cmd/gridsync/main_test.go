package main

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/gridsync/pkg/collaboration"
	"github.com/developer-mesh/gridsync/pkg/collaboration/store"
	"github.com/developer-mesh/gridsync/pkg/config"
	"github.com/developer-mesh/gridsync/pkg/observability"
)

const testPrefix = "test"

func testConfig(mid string) *config.Config {
	return &config.Config{
		Engine: collaboration.DefaultConfig(),
		Store: config.StoreConfig{
			Backend:   config.BackendMemory,
			KeyPrefix: testPrefix,
		},
		Document: config.DocumentConfig{Mid: mid},
		Logging:  observability.LoggingConfig{Level: "error"},
		Metrics: observability.MetricsConfig{
			Enabled:   true,
			Namespace: "gridsync",
			Subsystem: "test",
		},
	}
}

func latestNum(t *testing.T, st store.Store, mid string) int64 {
	t.Helper()
	v, ok, err := st.Read(context.Background(), store.NewLayout(testPrefix, mid).Latest())
	require.NoError(t, err)
	n, err := store.DecodeNum(v, ok)
	require.NoError(t, err)
	return n
}

func TestRun_SavesEditsOnEOF(t *testing.T) {
	mem := store.NewMemoryStore()
	in := strings.NewReader("cell A1 0 value 42\nprop title budget\nget A1 0 value\nbogus\n")
	var out bytes.Buffer

	err := run(context.Background(), testConfig("doc-1"), mem, in, &out, observability.NewNoopLogger())
	require.NoError(t, err)

	assert.Contains(t, out.String(), "opened doc-1\n")
	assert.Contains(t, out.String(), "42\n")
	assert.Contains(t, out.String(), `unknown command "bogus"`)

	// Both edits fall inside one idle window and are saved as one operation.
	assert.Equal(t, int64(1), latestNum(t, mem, "doc-1"))
	data, ok, err := mem.Read(context.Background(), store.NewLayout(testPrefix, "doc-1").Op(1))
	require.NoError(t, err)
	require.True(t, ok)
	op, err := collaboration.UnmarshalOperation(data)
	require.NoError(t, err)
	assert.Equal(t, 2, op.Len())
}

func TestRun_SecondClientLoadsDocument(t *testing.T) {
	mem := store.NewMemoryStore()
	logger := observability.NewNoopLogger()

	first := strings.NewReader("cell A1 0 value 42\nflush\ncell B2 1 value x\n")
	require.NoError(t, run(context.Background(), testConfig("shared"), mem, first, io.Discard, logger))
	require.Equal(t, int64(2), latestNum(t, mem, "shared"))

	var out bytes.Buffer
	second := strings.NewReader("get A1 0 value\nget B2 1 value\n")
	require.NoError(t, run(context.Background(), testConfig("shared"), mem, second, &out, logger))

	assert.Equal(t, "opened shared\n42\nx\n", out.String())
	assert.Equal(t, int64(2), latestNum(t, mem, "shared"), "reading sends nothing")
}

func TestRun_QuitStopsReading(t *testing.T) {
	mem := store.NewMemoryStore()
	in := strings.NewReader("quit\ncell A1 0 value 1\n")

	require.NoError(t, run(context.Background(), testConfig("doc"), mem, in, io.Discard, observability.NewNoopLogger()))
	assert.Equal(t, int64(0), latestNum(t, mem, "doc"))
}

func TestRun_NewDocumentID(t *testing.T) {
	mem := store.NewMemoryStore()
	var out bytes.Buffer

	require.NoError(t, run(context.Background(), testConfig(""), mem, strings.NewReader(""), &out, observability.NewNoopLogger()))

	mid := strings.TrimSpace(strings.TrimPrefix(out.String(), "opened "))
	require.NotEmpty(t, mid)
	assert.Equal(t, int64(0), latestNum(t, mem, mid))
}

func TestRun_ContextCancellation(t *testing.T) {
	mem := store.NewMemoryStore()
	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, testConfig("doc"), mem, pr, io.Discard, observability.NewNoopLogger())
	}()

	_, err := io.WriteString(pw, "cell A1 0 value 1\n")
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestNewStore(t *testing.T) {
	logger := observability.NewNoopLogger()

	t.Run("Memory with breaker", func(t *testing.T) {
		st, err := newStore(context.Background(), config.StoreConfig{
			Backend: config.BackendMemory,
			Breaker: store.DefaultBreakerConfig(),
		}, logger)
		require.NoError(t, err)
		defer st.Close()
		assert.IsType(t, &store.BreakerStore{}, st)
	})

	t.Run("Redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		redisCfg := store.DefaultRedisConfig()
		redisCfg.Addresses = []string{mr.Addr()}

		st, err := newStore(context.Background(), config.StoreConfig{
			Backend: config.BackendRedis,
			Redis:   *redisCfg,
		}, logger)
		require.NoError(t, err)
		defer st.Close()
		assert.IsType(t, &store.RedisStore{}, st)
	})

	t.Run("Unknown backend", func(t *testing.T) {
		_, err := newStore(context.Background(), config.StoreConfig{Backend: "etcd"}, logger)
		assert.Error(t, err)
	})
}
