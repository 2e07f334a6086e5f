package telemetry

import (
	"context"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// TraceHandler adds trace/spanId attributes to records logged inside an
// active span.
type TraceHandler struct {
	handler slog.Handler
	enabled bool
}

// NewTraceHandler wraps handler. With enabled false it only delegates.
func NewTraceHandler(handler slog.Handler, enabled bool) *TraceHandler {
	return &TraceHandler{handler: handler, enabled: enabled}
}

func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.enabled {
		sc := trace.SpanFromContext(ctx).SpanContext()
		if sc.IsValid() {
			r.AddAttrs(
				slog.String("trace", sc.TraceID().String()),
				slog.String("spanId", sc.SpanID().String()),
				slog.Bool("traceSampled", sc.IsSampled()),
			)
		}
	}
	return h.handler.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceHandler{handler: h.handler.WithAttrs(attrs), enabled: h.enabled}
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	return &TraceHandler{handler: h.handler.WithGroup(name), enabled: h.enabled}
}

// NewLogger returns a JSON logger on w at level, trace-aware when tracing
// is enabled.
func NewLogger(w io.Writer, level slog.Level, tracing bool) *slog.Logger {
	jsonHandler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	return slog.New(NewTraceHandler(jsonHandler, tracing))
}
