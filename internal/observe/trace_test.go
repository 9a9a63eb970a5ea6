package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// for inspecting recorded spans.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// captureDefaultLog swaps the default logger for one writing to the returned
// buffer.
func captureDefaultLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestLogger(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	tests := []struct {
		name    string
		session string
		span    bool
		want    []string
		absent  []string
	}{
		{name: "bare", absent: []string{"session_id", "trace_id", "span_id"}},
		{name: "session only", session: "sess-42", want: []string{"session_id=sess-42"}, absent: []string{"trace_id"}},
		{name: "span only", span: true, want: []string{"trace_id=", "span_id="}, absent: []string{"session_id"}},
		{name: "session and span", session: "sess-7", span: true, want: []string{"session_id=sess-7", "trace_id=", "span_id="}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureDefaultLog(t)
			ctx := context.Background()
			if tt.session != "" {
				ctx = WithSession(ctx, tt.session)
			}
			if tt.span {
				c, s := tp.Tracer("test").Start(ctx, "voice.session")
				defer s.End()
				ctx = c
			}

			if got := SessionID(ctx); got != tt.session {
				t.Errorf("SessionID = %q, want %q", got, tt.session)
			}
			Logger(ctx).Info("state changed")

			logged := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(logged, w) {
					t.Errorf("log output missing %q: %s", w, logged)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(logged, a) {
					t.Errorf("log output has unexpected %q: %s", a, logged)
				}
			}
		})
	}
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	tp, _ := newTestTracerProvider(t)
	ctx, span := tp.Tracer("test").Start(context.Background(), "voice.connect")
	defer span.End()
	if got, want := CorrelationID(ctx), span.SpanContext().TraceID().String(); got != want {
		t.Errorf("CorrelationID = %q, want trace ID %q", got, want)
	}
}
