package observability

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/datagrid/internal/config"
	"github.com/pitabwire/datagrid/model"
)

const (
	tracerName          = "github.com/pitabwire/datagrid"
	defaultSamplingRate = 0.1
)

// Span attribute keys.
var (
	AttrEntity    = attribute.Key("datagrid.entity")
	AttrViewID    = attribute.Key("datagrid.view_id")
	AttrCommand   = attribute.Key("datagrid.command")
	AttrPage      = attribute.Key("datagrid.page")
	AttrPageSize  = attribute.Key("datagrid.page_size")
	AttrRows      = attribute.Key("datagrid.rows")
	AttrTenantID  = attribute.Key("datagrid.tenant_id")
	AttrSubjectID = attribute.Key("datagrid.subject_id")

	// AttrCommandStatus is the outcome status of a command invocation.
	AttrCommandStatus = attribute.Key("datagrid.command.status")
)

type exporterFactory func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error)

var exporters = map[string]exporterFactory{
	"":       otlpExporter,
	"otlp":   otlpExporter,
	"stdout": stdoutExporter,
}

func otlpExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Endpoint == "" {
		return otlptracegrpc.New(ctx)
	}
	return otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint))
}

func stdoutExporter(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error) {
	return stdouttrace.New(stdouttrace.WithPrettyPrint())
}

// InitTracing installs the global TracerProvider and W3C propagators. The
// returned function flushes pending spans; with tracing disabled it does
// nothing.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	build, ok := exporters[cfg.Exporter]
	if !ok {
		return nil, fmt.Errorf("tracing: exporter %q is not one of otlp, stdout", cfg.Exporter)
	}
	exporter, err := build(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg)),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return provider.Shutdown, nil
}

// newSampler follows the parent's decision and samples root spans at the
// configured rate.
func newSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch rate := cfg.SamplingRate; {
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	case rate <= 0:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(defaultSamplingRate))
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// Tracer returns the datagrid tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpanWithError ends span, recording err and failing the span status
// when it is non-nil.
func EndSpanWithError(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceIDFromContext returns the hex trace id of the span in ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	if id := trace.SpanContextFromContext(ctx).TraceID(); id.IsValid() {
		return id.String()
	}
	return ""
}

// SpanIDFromContext returns the hex span id of the span in ctx, or "".
func SpanIDFromContext(ctx context.Context) string {
	if id := trace.SpanContextFromContext(ctx).SpanID(); id.IsValid() {
		return id.String()
	}
	return ""
}

// TracingMiddleware wraps each request in a server span. An incoming
// traceparent becomes the parent and the span context is written back on
// the response. Once routing has run the span takes the route pattern as
// its name.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		carrier := propagation.HeaderCarrier(r.Header)
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), carrier)
		ctx, span := Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		InjectTraceHeaders(ctx, w.Header())
		rec := newStatusRecorder(w)
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		span.SetName(r.Method + " " + routePattern(r))
		span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}

// InjectTraceHeaders writes the trace context of ctx into headers.
func InjectTraceHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// TracedQueryer records a client span for every page it retrieves.
type TracedQueryer struct {
	Next model.RowQueryer
}

// RetrieveMultiple implements model.RowQueryer.
func (q TracedQueryer) RetrieveMultiple(ctx context.Context, rq model.RowQuery) (page model.RowPage, err error) {
	ctx, span := Tracer().Start(ctx, "datagrid.RetrieveMultiple",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			AttrEntity.String(rq.Entity),
			AttrPage.Int(rq.Page),
			AttrPageSize.Int(rq.PageSize),
		),
	)
	defer func() {
		span.SetAttributes(AttrRows.Int(len(page.Rows)))
		EndSpanWithError(span, err)
	}()
	return q.Next.RetrieveMultiple(ctx, rq)
}
