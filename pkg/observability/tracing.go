// Package observability provides OpenTelemetry tracing for tripflow: the
// provider setup, spans around ingestion stages, HTTP middleware and trace
// propagation through queued tasks.
//
// Logging lives in pkg/logger and Prometheus metrics in pkg/metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/tripflow/pkg/metrics"
)

const instrumentationName = "github.com/ajitpratap0/tripflow"

var (
	mu       sync.RWMutex
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
)

// Tracer returns the tracer installed by Initialize, or the global one
// (a no-op unless something else installed a provider).
func Tracer() trace.Tracer {
	mu.RLock()
	t := tracer
	mu.RUnlock()
	if t != nil {
		return t
	}
	return otel.Tracer(instrumentationName)
}

// Span wraps a tracing span and batches its attributes until End.
type Span struct {
	span       trace.Span
	attributes []attribute.KeyValue
}

// NewSpan starts a span named operationName.
func NewSpan(ctx context.Context, operationName string) (context.Context, *Span) {
	ctx, span := Tracer().Start(ctx, operationName)

	return ctx, &Span{span: span}
}

// SetAttribute adds an attribute to the span.
func (s *Span) SetAttribute(key string, value interface{}) {
	var attr attribute.KeyValue

	switch v := value.(type) {
	case string:
		attr = attribute.String(key, v)
	case int:
		attr = attribute.Int(key, v)
	case int64:
		attr = attribute.Int64(key, v)
	case float64:
		attr = attribute.Float64(key, v)
	case bool:
		attr = attribute.Bool(key, v)
	case fmt.Stringer:
		attr = attribute.String(key, v.String())
	default:
		attr = attribute.String(key, fmt.Sprintf("%v", v))
	}

	s.attributes = append(s.attributes, attr)
}

// AddEvent records a named event with attrs on the span.
func (s *Span) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Finish records err (if any) as the span status and ends the span.
func (s *Span) Finish(err error) {
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
		s.SetAttribute("error", true)
	} else {
		s.span.SetStatus(codes.Ok, "")
	}
	s.End()
}

// End ends the span.
func (s *Span) End() {
	if len(s.attributes) > 0 {
		s.span.SetAttributes(s.attributes...)
	}
	s.span.End()
}

// StageTracer traces the stages of one component, e.g. "job" or "upload".
type StageTracer struct {
	component string
}

// NewStageTracer creates a tracer for component.
func NewStageTracer(component string) *StageTracer {
	return &StageTracer{component: component}
}

// StartSpan starts a span named "<component>.<stage>".
func (st *StageTracer) StartSpan(ctx context.Context, stage string) (context.Context, *Span) {
	ctx, span := NewSpan(ctx, st.component+"."+stage)
	span.SetAttribute("tripflow.component", st.component)
	span.SetAttribute("tripflow.stage", stage)
	return ctx, span
}

// TraceStage runs fn inside a stage span and records the stage duration.
func (st *StageTracer) TraceStage(ctx context.Context, stage string, fn func(ctx context.Context) error) error {
	timer := metrics.NewTimer(stage)
	ctx, span := st.StartSpan(ctx, stage)

	err := fn(ctx)

	timer.ObserveStage()
	span.Finish(err)
	return err
}

// InjectContext writes the trace context of ctx into carrier.
func InjectContext(ctx context.Context, carrier map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(carrier))
}

// ExtractContext returns ctx extended with the trace context found in carrier.
func ExtractContext(ctx context.Context, carrier map[string]string) context.Context {
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(carrier))
}

// TracingMiddleware starts a server span per HTTP request.
func TracingMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			operationName := fmt.Sprintf("%s %s", r.Method, r.URL.Path)
			ctx, span := Tracer().Start(ctx, operationName, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.String()),
				attribute.String("http.user_agent", r.UserAgent()),
				attribute.String("service.name", serviceName),
			)

			otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(w.Header()))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
