// Package tracing exports a trace of each run to an OpenTelemetry collector:
// a span for the run with a child span for each state it passes through.
//
// It is intended for internal use by deploystep only.
package tracing

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/labops/deploystep/env"
	"github.com/labops/deploystep/logger"
	"github.com/labops/deploystep/version"
	"go.opentelemetry.io/contrib/propagators/b3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	BackendNone          = ""
	BackendOpenTelemetry = "opentelemetry"

	DefaultServiceName = "deploystep"

	instrumentationName = "github.com/labops/deploystep"
)

// Config selects and configures the tracing backend. The OTLP exporters
// read their endpoint, headers and so on from the standard OTEL_EXPORTER_OTLP_*
// environment variables.
type Config struct {
	Backend     string
	ServiceName string

	// Protocol is the OTLP transport, "grpc" or "http/protobuf". Defaults to
	// $OTEL_EXPORTER_OTLP_PROTOCOL, then grpc.
	Protocol string

	// exporter replaces the OTLP exporter in tests.
	exporter sdktrace.SpanExporter
}

// Provider hands out the tracer for a run. The zero value, and the Provider
// for BackendNone, trace nothing.
type Provider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// Start sets up the configured backend. On error the returned Provider is
// still usable and traces nothing, so a broken collector never stops a run.
func Start(ctx context.Context, l logger.Logger, c Config) (*Provider, error) {
	disabled := &Provider{tracer: noop.NewTracerProvider().Tracer(instrumentationName)}

	switch c.Backend {
	case BackendNone:
		return disabled, nil
	case BackendOpenTelemetry:
	default:
		return disabled, fmt.Errorf("unknown tracing backend %q", c.Backend)
	}

	exporter := c.exporter
	if exporter == nil {
		var err error
		exporter, err = newExporter(ctx, c.protocol())
		if err != nil {
			return disabled, err
		}
	}

	serviceName := c.ServiceName
	if serviceName == "" {
		serviceName = DefaultServiceName
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version.Version()),
		)),
	)
	l.Debug("[Tracing] Exporting traces for service %s", serviceName)

	return &Provider{
		provider: tp,
		tracer:   tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(version.Version())),
	}, nil
}

func (c Config) protocol() string {
	if c.Protocol != "" {
		return c.Protocol
	}
	if p := os.Getenv("OTEL_EXPORTER_OTLP_PROTOCOL"); p != "" {
		return p
	}
	return "grpc"
}

func newExporter(ctx context.Context, protocol string) (sdktrace.SpanExporter, error) {
	switch protocol {
	case "grpc":
		return otlptracegrpc.New(ctx)
	case "http/protobuf", "http":
		return otlptracehttp.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// Tracer returns the tracer spans are started from.
func (p *Provider) Tracer() trace.Tracer {
	if p == nil || p.tracer == nil {
		return noop.NewTracerProvider().Tracer(instrumentationName)
	}
	return p.tracer
}

// Stop exports any spans still buffered and shuts the backend down.
func (p *Provider) Stop(ctx context.Context) error {
	if p == nil || p.provider == nil {
		return nil
	}
	return errors.Join(p.provider.ForceFlush(ctx), p.provider.Shutdown(ctx))
}

// propagator reads the W3C trace context and baggage, and B3 headers for
// collectors that still speak Zipkin.
var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
	b3.New(),
)

// ContextWithParent returns ctx carrying the remote span described by
// environ, if any. CI systems that trace their jobs export it as TRACEPARENT
// (and optionally TRACESTATE and BAGGAGE), so the run joins their trace.
func ContextWithParent(ctx context.Context, environ *env.Environment) context.Context {
	carrier := propagation.MapCarrier{}
	for name, header := range map[string]string{
		"TRACEPARENT": "traceparent",
		"TRACESTATE":  "tracestate",
		"BAGGAGE":     "baggage",
	} {
		if v, _ := environ.Get(name); v != "" {
			carrier.Set(header, v)
		}
	}
	if len(carrier) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, carrier)
}
