// Package tracing provides the OpenTelemetry tracer provider for the CLI.
//
// The exporter is selected by DEPLOYGATE_OTEL_EXPORTER:
//   - "none": spans are dropped (default)
//   - "stdout": spans are pretty printed to stderr when they end
package tracing

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "deploygate"

// ShutdownFunc flushes pending spans.
type ShutdownFunc func(context.Context) error

// New returns a tracer provider for exporter. Spans are exported
// synchronously since the CLI exits right after its command.
func New(exporter string, w io.Writer) (trace.TracerProvider, ShutdownFunc, error) {
	switch exporter {
	case "", "none":
		return noop.NewTracerProvider(), func(context.Context) error { return nil }, nil
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(w))
		if err != nil {
			return nil, nil, errors.Wrap(err, "creating stdout exporter")
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exp)),
			sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
		)
		return tp, tp.Shutdown, nil
	default:
		return nil, nil, errors.Newf("unsupported DEPLOYGATE_OTEL_EXPORTER: %q (supported: none, stdout)", exporter)
	}
}
