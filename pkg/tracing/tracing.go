// Package tracing provides OpenTelemetry span helpers (StartSpan) for
// blocking external calls, per spec §9's ambient tracing requirement.
// There is no collector in this deployment shape, so spans are exported
// via the stdout exporter. cmd/orderproc installs the provider at
// startup; no mailbox, LLM, embedding or ERP call site in the pipeline
// opens a span, so those calls are not traced.
package tracing

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ServiceName is the resource name spans are reported under.
const ServiceName = "orderproc"

// Provider wraps the process-wide TracerProvider and its exporter so
// callers can shut both down cleanly.
type Provider struct {
	tp *sdktrace.TracerProvider
}

// NewStdout builds a Provider exporting spans as JSON to w. Passing
// io.Discard is valid when tracing is wanted for instrumentation but
// the output itself is not needed (e.g. in tests).
func NewStdout(w io.Writer) (*Provider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Shutdown flushes and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// Tracer returns the package-scoped tracer used by every span helper
// below.
func Tracer() trace.Tracer {
	return otel.Tracer(ServiceName)
}

// StartSpan opens a span named name carrying attrs, returning the
// derived context and a finish function that records err (if any) and
// ends the span. Callers defer finish(&err) so a named error return
// gets attached once it's known.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	ctx, span := Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		if errp != nil && *errp != nil {
			span.RecordError(*errp)
		}
		span.End()
	}
}
