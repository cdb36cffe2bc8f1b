package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(previous) })
	return recorder
}

func attrMap(kvs []attribute.KeyValue) map[attribute.Key]string {
	m := make(map[attribute.Key]string, len(kvs))
	for _, kv := range kvs {
		m[kv.Key] = kv.Value.Emit()
	}
	return m
}

func TestStartSpanTagsInvocationIDs(t *testing.T) {
	recorder := withRecorder(t)

	ctx := NewInvocationContext(context.Background(), "s-1", "actor-1")
	ctx = WithRequestID(ctx, "req-1")

	_, span := StartSpan(ctx, "test", "orchestrator.invoke", attribute.String("extra", "x"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := attrMap(spans[0].Attributes())
	assert.Equal(t, "s-1", attrs[AttrSessionID])
	assert.Equal(t, "actor-1", attrs[AttrActorID])
	assert.Equal(t, "req-1", attrs[AttrRequestID])
	assert.Equal(t, "x", attrs["extra"])
}

func TestStartSpanAdoptsSpanTraceID(t *testing.T) {
	withRecorder(t)

	ctx, span := StartSpan(context.Background(), "test", "relay.consume")
	defer span.End()

	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(ctx))
}

func TestStartSpanKeepsExistingTraceID(t *testing.T) {
	withRecorder(t)

	ctx := WithTraceID(context.Background(), "caller-trace")
	ctx, span := StartSpan(ctx, "test", "gateway.invocation")
	defer span.End()

	assert.Equal(t, "caller-trace", GetTraceID(ctx))
}

func TestFailSpan(t *testing.T) {
	recorder := withRecorder(t)

	_, span := StartSpan(context.Background(), "test", "credential.fetch")
	FailSpan(span, nil)
	FailSpan(span, errors.New("token endpoint unreachable"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "token endpoint unreachable", spans[0].Status().Description)
}
