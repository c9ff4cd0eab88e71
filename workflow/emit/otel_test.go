package emit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestTracer(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(tp.Tracer("test")), exporter
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{}, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}

// TestOTelEmitter_Emit verifies a step event becomes a span with step attributes.
func TestOTelEmitter_Emit(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	ev := StepCompleted("login", "Log in", 1, 3, 40*time.Millisecond)
	ev.RunID = "run-001"
	emitter.Emit(ev)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "step_completed", span.Name)

	attrs := attributeMap(span.Attributes)
	assert.Equal(t, "run-001", attrs["stepflow.run_id"])
	assert.Equal(t, "login", attrs["stepflow.step_id"])
	assert.Equal(t, int64(1), attrs["stepflow.step_index"])
	assert.Equal(t, int64(3), attrs["stepflow.total_steps"])
	assert.Equal(t, int64(40), attrs["stepflow.duration_ms"])
	assert.Equal(t, codes.Unset, span.Status.Code)
}

// TestOTelEmitter_EmitWithError verifies failures set error status.
func TestOTelEmitter_EmitWithError(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(StepFailed("a", "A", 0, 1, time.Millisecond, errors.New("element not found")))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	assert.Equal(t, "element not found", spans[0].Status.Description)
	assert.NotEmpty(t, spans[0].Events, "error should be recorded as span event")
}

// TestOTelEmitter_MetaAttributes verifies meta values keep their types.
func TestOTelEmitter_MetaAttributes(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{Type: TypeData, Meta: map[string]interface{}{
		"key":     "rows",
		"count":   3,
		"ratio":   0.5,
		"ok":      true,
		"elapsed": 2 * time.Second,
		"list":    []string{"x"},
	}})

	attrs := attributeMap(exporter.GetSpans()[0].Attributes)
	assert.Equal(t, "rows", attrs["stepflow.key"])
	assert.Equal(t, int64(3), attrs["stepflow.count"])
	assert.Equal(t, 0.5, attrs["stepflow.ratio"])
	assert.Equal(t, true, attrs["stepflow.ok"])
	assert.Equal(t, int64(2000), attrs["stepflow.elapsed"])
	assert.Equal(t, "[x]", attrs["stepflow.list"])
}

// TestOTelEmitter_EmitBatch verifies every event in a batch produces a span.
func TestOTelEmitter_EmitBatch(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	err := emitter.EmitBatch(context.Background(), []Event{
		StepStarted("a", "A", 0, 2),
		StepCompleted("a", "A", 0, 2, 0),
		StepStarted("b", "B", 1, 2),
	})
	require.NoError(t, err)
	assert.Len(t, exporter.GetSpans(), 3)

	require.NoError(t, emitter.EmitBatch(context.Background(), nil))
}
