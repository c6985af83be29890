package logbus

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerProvider hands out tracers. It is satisfied by the OpenTelemetry
// SDK provider and by the wrappers built by ObservabilityFactory.
type TracerProvider interface {
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
}

// NoopTracerProvider returns tracers that record nothing.
type NoopTracerProvider struct{}

// Tracer implements TracerProvider.
func (*NoopTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return noop.NewTracerProvider().Tracer(name, options...)
}

// globalTracerProvider defers to whatever provider is installed with otel.SetTracerProvider.
type globalTracerProvider struct{}

func (globalTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name, options...)
}

// DefaultTracerProvider uses the globally registered OpenTelemetry provider.
var DefaultTracerProvider TracerProvider = globalTracerProvider{}

// tracerName is the instrumentation scope used for orchestration spans.
const tracerName = "github.com/synoptiq/go-logbus"

// TracedInput wraps an InputHandler with a span per event. Use it for plugins
// whose per-event work is expensive enough to be worth tracing.
type TracedInput struct {
	handler    InputHandler
	name       string
	tracer     trace.Tracer
	attributes []attribute.KeyValue
}

// NewTracedInput creates a TracedInput. The span name defaults to "<name>.onInput".
func NewTracedInput(handler InputHandler, name string, provider TracerProvider, attrs ...attribute.KeyValue) *TracedInput {
	if provider == nil {
		provider = DefaultTracerProvider
	}
	return &TracedInput{
		handler:    handler,
		name:       name,
		tracer:     provider.Tracer(fmt.Sprintf("logbus/input/%s", name)),
		attributes: attrs,
	}
}

// OnInput implements InputHandler.
func (t *TracedInput) OnInput(event any, channel string) {
	_, span := t.tracer.Start(
		context.Background(),
		t.name+".onInput",
		trace.WithAttributes(t.attributes...),
		trace.WithAttributes(attribute.String("logbus.channel", channel)),
	)
	defer span.End()

	begin := time.Now()
	defer func() {
		span.SetAttributes(attribute.Float64("duration_ms", float64(time.Since(begin).Microseconds())/1000))
		if r := recover(); r != nil {
			span.SetStatus(codes.Error, fmt.Sprint(r))
			panic(r)
		}
	}()
	t.handler.OnInput(event, channel)
}
