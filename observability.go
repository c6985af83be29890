package logbus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	otelTrace "go.opentelemetry.io/otel/trace"
)

// Version is reported as the service version of exported traces.
const Version = "0.1.0"

// ObservabilityFactory creates observability components from runtime settings.
type ObservabilityFactory struct {
	logger zerolog.Logger
}

// NewObservabilityFactory creates a new factory for observability components.
// The logger is used by the logging metrics collector.
func NewObservabilityFactory(logger zerolog.Logger) *ObservabilityFactory {
	return &ObservabilityFactory{logger: logger}
}

// CreateTracerProvider creates a TracerProvider based on the tracing settings.
func (f *ObservabilityFactory) CreateTracerProvider(
	config TracingConfig,
	serviceName string,
) (TracerProvider, error) {
	if !config.Enabled {
		return &NoopTracerProvider{}, nil
	}

	switch config.Type {
	case TracingTypeNoop:
		return &NoopTracerProvider{}, nil
	case TracingTypeOTLP:
		return f.createOTLPTracerProvider(config, serviceName)
	default:
		return nil, fmt.Errorf("unsupported tracing type: %s", config.Type)
	}
}

// CreateMetricsCollector creates a MetricsCollector based on the metrics settings.
func (f *ObservabilityFactory) CreateMetricsCollector(config MetricsConfig) (MetricsCollector, error) {
	if !config.Enabled {
		return &NoopMetricsCollector{}, nil
	}

	switch config.Type {
	case MetricsTypeNoop:
		return &NoopMetricsCollector{}, nil
	case MetricsTypeLogging:
		return NewLoggingMetricsCollector(f.logger), nil
	case MetricsTypePrometheus:
		return NewPrometheusMetricsCollector(prometheus.NewRegistry()), nil
	default:
		return nil, fmt.Errorf("unsupported metrics type: %s", config.Type)
	}
}

func (f *ObservabilityFactory) createOTLPTracerProvider(
	config TracingConfig,
	serviceName string,
) (TracerProvider, error) {
	if config.Endpoint == "" {
		return nil, errors.New("otlp endpoint is required")
	}

	exporter, err := otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(config.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
	)
	return &OTLPTracerProvider{tp: tp}, nil
}

// OTLPTracerProvider wraps the OpenTelemetry SDK TracerProvider for OTLP export.
type OTLPTracerProvider struct {
	tp *trace.TracerProvider
}

// Tracer returns a tracer from the underlying provider.
func (p *OTLPTracerProvider) Tracer(name string, options ...otelTrace.TracerOption) otelTrace.Tracer {
	return p.tp.Tracer(name, options...)
}

// Shutdown flushes pending spans and shuts down the tracer provider.
func (p *OTLPTracerProvider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// Ensure OTLPTracerProvider implements TracerProvider.
var _ TracerProvider = (*OTLPTracerProvider)(nil)

// LoggingMetricsCollector writes every metric hook as a debug-level log line.
type LoggingMetricsCollector struct {
	logger zerolog.Logger
}

// Ensure LoggingMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*LoggingMetricsCollector)(nil)

// NewLoggingMetricsCollector creates a collector that logs through logger.
func NewLoggingMetricsCollector(logger zerolog.Logger) *LoggingMetricsCollector {
	return &LoggingMetricsCollector{logger: logger.With().Str("component", "metrics").Logger()}
}

// StageStarted logs a successful start hook.
func (l *LoggingMetricsCollector) StageStarted(_ context.Context, stageName string, duration time.Duration) {
	l.logger.Debug().Str("stage", stageName).Dur("duration", duration).Msg("stage started")
}

// StageStartFailed logs a failed start hook.
func (l *LoggingMetricsCollector) StageStartFailed(_ context.Context, stageName string, err error) {
	l.logger.Debug().Str("stage", stageName).Err(err).Msg("stage start failed")
}

// StageStopped logs a stopped stage.
func (l *LoggingMetricsCollector) StageStopped(_ context.Context, stageName string, duration time.Duration) {
	l.logger.Debug().Str("stage", stageName).Dur("duration", duration).Msg("stage stopped")
}

// StageError logs an error reported by a plugin.
func (l *LoggingMetricsCollector) StageError(_ context.Context, stageName string, err error) {
	l.logger.Debug().Str("stage", stageName).Err(err).Msg("stage error")
}

// StageEventHandled logs at trace level, since it fires once per event.
func (l *LoggingMetricsCollector) StageEventHandled(
	_ context.Context,
	stageName, channel string,
	duration time.Duration,
) {
	l.logger.Trace().Str("stage", stageName).Str("channel", channel).Dur("duration", duration).Msg("event handled")
}

// ChannelPublished logs at trace level, since it fires once per event.
func (l *LoggingMetricsCollector) ChannelPublished(_ context.Context, channel string, delivered int) {
	l.logger.Trace().Str("channel", channel).Int("delivered", delivered).Msg("published")
}

// PipelineReady logs the pipeline startup time.
func (l *LoggingMetricsCollector) PipelineReady(_ context.Context, pipelineName string, startup time.Duration) {
	l.logger.Debug().Str("pipeline", pipelineName).Dur("startup", startup).Msg("pipeline ready")
}

// ShutdownRequested logs the reason for shutdown.
func (l *LoggingMetricsCollector) ShutdownRequested(_ context.Context, pipelineName, reason string) {
	l.logger.Debug().Str("pipeline", pipelineName).Str("reason", reason).Msg("shutdown requested")
}

// PipelineStopped logs the shutdown duration and outcome.
func (l *LoggingMetricsCollector) PipelineStopped(
	_ context.Context,
	pipelineName string,
	duration time.Duration,
	err error,
) {
	event := l.logger.Debug().Str("pipeline", pipelineName).Dur("duration", duration)
	if err != nil {
		event = event.Err(err)
	}
	event.Msg("pipeline stopped")
}

// PrometheusMetricsCollector implements MetricsCollector on a dedicated Prometheus registry.
type PrometheusMetricsCollector struct {
	registry *prometheus.Registry

	stageStarts            *prometheus.CounterVec
	stageStartFailures     *prometheus.CounterVec
	stageStartDuration     *prometheus.HistogramVec
	stageStops             *prometheus.CounterVec
	stageStopDuration      *prometheus.HistogramVec
	stageErrors            *prometheus.CounterVec
	stageEvents            *prometheus.CounterVec
	stageEventDuration     *prometheus.HistogramVec
	channelPublished       *prometheus.CounterVec
	channelDeliveries      *prometheus.CounterVec
	pipelineStartupSeconds *prometheus.GaugeVec
	shutdownRequests       *prometheus.CounterVec
	shutdownDuration       *prometheus.HistogramVec
	shutdownTimeouts       *prometheus.CounterVec
}

// Ensure PrometheusMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)

// NewPrometheusMetricsCollector registers the logbus metrics on reg.
func NewPrometheusMetricsCollector(reg *prometheus.Registry) *PrometheusMetricsCollector {
	p := &PrometheusMetricsCollector{registry: reg}
	p.initializePrometheusMetrics()
	return p
}

// initializePrometheusMetrics creates all the Prometheus metrics.
func (p *PrometheusMetricsCollector) initializePrometheusMetrics() {
	factory := promauto.With(p.registry)

	p.stageStarts = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "logbus_stage_started_total",
		Help: "Total number of stages whose start hook succeeded",
	}, []string{"stage"})

	p.stageStartFailures = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "logbus_stage_start_failures_total",
		Help: "Total number of stages whose start hook failed",
	}, []string{"stage"})

	p.stageStartDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name: "logbus_stage_start_duration_seconds",
		Help: "Duration of stage start hooks in seconds",
	}, []string{"stage"})

	p.stageStops = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "logbus_stage_stopped_total",
		Help: "Total number of stages that reached the stopped state",
	}, []string{"stage"})

	p.stageStopDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name: "logbus_stage_stop_duration_seconds",
		Help: "Duration of stage stop hooks in seconds",
	}, []string{"stage"})

	p.stageErrors = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "logbus_stage_errors_total",
		Help: "Total number of errors reported by stages",
	}, []string{"stage"})

	p.stageEvents = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "logbus_stage_events_total",
		Help: "Total number of events handled by stages",
	}, []string{"stage", "channel"})

	p.stageEventDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "logbus_stage_event_duration_seconds",
		Help:    "Duration of stage input handling in seconds",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"stage"})

	p.channelPublished = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "logbus_channel_published_total",
		Help: "Total number of events published per channel",
	}, []string{"channel"})

	p.channelDeliveries = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "logbus_channel_deliveries_total",
		Help: "Total number of handler invocations per channel",
	}, []string{"channel"})

	p.pipelineStartupSeconds = factory.NewGaugeVec(prometheus.GaugeOpts{
		Name: "logbus_pipeline_startup_seconds",
		Help: "Time taken for every stage of the pipeline to start",
	}, []string{"pipeline"})

	p.shutdownRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "logbus_shutdown_requests_total",
		Help: "Total number of shutdown requests acted upon",
	}, []string{"pipeline", "reason"})

	p.shutdownDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Name: "logbus_pipeline_shutdown_duration_seconds",
		Help: "Duration of pipeline shutdown in seconds",
	}, []string{"pipeline"})

	p.shutdownTimeouts = factory.NewCounterVec(prometheus.CounterOpts{
		Name: "logbus_shutdown_timeouts_total",
		Help: "Total number of shutdowns that hit the deadline",
	}, []string{"pipeline"})
}

// StageStarted counts a successful start and records its duration.
func (p *PrometheusMetricsCollector) StageStarted(_ context.Context, stageName string, duration time.Duration) {
	p.stageStarts.WithLabelValues(stageName).Inc()
	p.stageStartDuration.WithLabelValues(stageName).Observe(duration.Seconds())
}

// StageStartFailed counts a failed start.
func (p *PrometheusMetricsCollector) StageStartFailed(_ context.Context, stageName string, _ error) {
	p.stageStartFailures.WithLabelValues(stageName).Inc()
}

// StageStopped counts a stopped stage and records its stop duration.
func (p *PrometheusMetricsCollector) StageStopped(_ context.Context, stageName string, duration time.Duration) {
	p.stageStops.WithLabelValues(stageName).Inc()
	p.stageStopDuration.WithLabelValues(stageName).Observe(duration.Seconds())
}

// StageError counts an error reported by a plugin.
func (p *PrometheusMetricsCollector) StageError(_ context.Context, stageName string, _ error) {
	p.stageErrors.WithLabelValues(stageName).Inc()
}

// StageEventHandled counts an event and records how long its handler ran.
func (p *PrometheusMetricsCollector) StageEventHandled(
	_ context.Context,
	stageName, channel string,
	duration time.Duration,
) {
	p.stageEvents.WithLabelValues(stageName, channel).Inc()
	p.stageEventDuration.WithLabelValues(stageName).Observe(duration.Seconds())
}

// ChannelPublished counts a publish and the handlers it reached.
func (p *PrometheusMetricsCollector) ChannelPublished(_ context.Context, channel string, delivered int) {
	p.channelPublished.WithLabelValues(channel).Inc()
	p.channelDeliveries.WithLabelValues(channel).Add(float64(delivered))
}

// PipelineReady records the startup time.
func (p *PrometheusMetricsCollector) PipelineReady(_ context.Context, pipelineName string, startup time.Duration) {
	p.pipelineStartupSeconds.WithLabelValues(pipelineName).Set(startup.Seconds())
}

// ShutdownRequested counts a shutdown by reason.
func (p *PrometheusMetricsCollector) ShutdownRequested(_ context.Context, pipelineName, reason string) {
	p.shutdownRequests.WithLabelValues(pipelineName, reason).Inc()
}

// PipelineStopped records the shutdown duration and counts timeouts.
func (p *PrometheusMetricsCollector) PipelineStopped(
	_ context.Context,
	pipelineName string,
	duration time.Duration,
	err error,
) {
	p.shutdownDuration.WithLabelValues(pipelineName).Observe(duration.Seconds())
	if errors.Is(err, ErrShutdownTimeout) {
		p.shutdownTimeouts.WithLabelValues(pipelineName).Inc()
	}
}

// GetRegistry returns the Prometheus registry the metrics are registered on.
func (p *PrometheusMetricsCollector) GetRegistry() *prometheus.Registry {
	return p.registry
}

// Handler returns an HTTP handler exposing the registry in the Prometheus text format.
func (p *PrometheusMetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
