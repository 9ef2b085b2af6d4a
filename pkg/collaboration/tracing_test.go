package collaboration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/developer-mesh/gridsync/pkg/collaboration/store"
)

func spanNames(rec *tracetest.SpanRecorder) map[string][]sdktrace.ReadOnlySpan {
	byName := make(map[string][]sdktrace.ReadOnlySpan)
	for _, s := range rec.Ended() {
		byName[s.Name()] = append(byName[s.Name()], s)
	}
	return byName
}

func TestEngine_Spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tracer := provider.Tracer("test")

	mem := store.NewMemoryStore()
	a := startEngine(t, mem, "doc", engineOptions{client: "a", tracer: tracer})
	edit(t, a, "A1", "1")
	waitSynced(t, a, 1)

	b := startEngine(t, mem, "doc", engineOptions{client: "b", tracer: tracer})
	waitSynced(t, b, 1)

	// Remote-call spans end on their own goroutine after the result is posted.
	var spans map[string][]sdktrace.ReadOnlySpan
	require.Eventually(t, func() bool {
		spans = spanNames(rec)
		return len(spans["collaboration.send"]) > 0 &&
			len(spans["collaboration.fetch"]) > 0 &&
			len(spans["collaboration.reconcile"]) > 0
	}, waitFor, tick)

	send := spans["collaboration.send"][0]
	assert.Contains(t, send.Attributes(), attribute.Int64("num", 1))
	assert.Contains(t, send.Attributes(), attribute.Bool("committed", true))
}
