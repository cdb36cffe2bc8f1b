package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPropagateToLogger(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	ctx = WithRequestID(ctx, "req-456")
	ctx = WithSessionID(ctx, "session-abc")
	ctx = WithActorID(ctx, "actor-789")

	var buf bytes.Buffer
	logger := PropagateToLogger(ctx, zerolog.New(&buf))
	logger.Info().Msg("test message")

	output := buf.String()
	for _, want := range []string{"trace-123", "req-456", "session-abc", "actor-789"} {
		if !strings.Contains(output, want) {
			t.Errorf("%s not in log output: %s", want, output)
		}
	}
}

func TestLoggerFromContextWithoutValues(t *testing.T) {
	var buf bytes.Buffer
	logger := LoggerFromContext(context.Background(), zerolog.New(&buf))
	logger.Info().Msg("test")

	if strings.Contains(buf.String(), "trace_id") {
		t.Error("Unexpected trace_id field in log output")
	}
}

func TestMergeContextNoOverwrite(t *testing.T) {
	source := WithTraceID(context.Background(), "trace-source")
	source = WithSessionID(source, "session-source")

	target := WithTraceID(context.Background(), "trace-target")
	merged := MergeContext(target, source)

	if GetTraceID(merged) != "trace-target" {
		t.Error("Existing trace ID was overwritten")
	}
	if GetSessionID(merged) != "session-source" {
		t.Error("Missing session ID was not merged")
	}
}

func TestDetachDropsCancellation(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Minute)
	parent = WithTraceID(parent, "trace-1")
	parent = WithSessionID(parent, "session-1")

	detached := Detach(parent)
	cancel()

	if detached.Err() != nil {
		t.Error("Detached context should not be cancelled with its parent")
	}
	if _, ok := detached.Deadline(); ok {
		t.Error("Detached context should not carry a deadline")
	}
	if GetTraceID(detached) != "trace-1" || GetSessionID(detached) != "session-1" {
		t.Error("Tracing values were not carried over")
	}
}
