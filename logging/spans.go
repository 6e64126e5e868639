package logging

import (
	"context"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// SpanExporter writes finished spans to a logger at debug level, and at
// warn level when the span recorded an error.
type SpanExporter struct {
	Logger *log.Logger
}

func (e SpanExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := log.Fields{
			"span":        s.Name(),
			"trace_id":    s.SpanContext().TraceID().String(),
			"duration_ms": float64(s.EndTime().Sub(s.StartTime()).Microseconds()) / 1000,
		}
		for _, kv := range s.Attributes() {
			fields[string(kv.Key)] = kv.Value.Emit()
		}
		entry := e.Logger.WithFields(fields)
		if s.Status().Code == codes.Error {
			entry.WithField("error", s.Status().Description).Warn("span failed")
			continue
		}
		entry.Debug("span finished")
	}
	return nil
}

func (e SpanExporter) Shutdown(context.Context) error { return nil }

// NewTracerProvider returns a provider that exports every span through
// SpanExporter.
func NewTracerProvider(logger *log.Logger) *sdktrace.TracerProvider {
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithBatcher(SpanExporter{Logger: logger}),
	)
}
