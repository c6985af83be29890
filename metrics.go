package logbus

import (
	"context"
	"time"
)

// MetricsCollector defines an interface for collecting metrics about pipeline operations.
// This allows for integration with various monitoring systems like Prometheus.
type MetricsCollector interface {
	// --- Stage Lifecycle Metrics ---

	// StageStarted is called when a stage's start hook completes successfully.
	StageStarted(ctx context.Context, stageName string, duration time.Duration)
	// StageStartFailed is called when a stage's start hook returns an error.
	StageStartFailed(ctx context.Context, stageName string, err error)
	// StageStopped is called when a stage reaches the stopped state.
	StageStopped(ctx context.Context, stageName string, duration time.Duration)

	// --- Data Plane Metrics ---

	// StageError is called for every error a plugin reports through its bus.
	StageError(ctx context.Context, stageName string, err error)
	// StageEventHandled is called after a stage's input handler returns.
	StageEventHandled(ctx context.Context, stageName, channel string, duration time.Duration)
	// ChannelPublished is called after an event has been delivered on a channel.
	ChannelPublished(ctx context.Context, channel string, delivered int)

	// --- Pipeline Lifecycle Metrics ---

	// PipelineReady is called once every stage has started.
	PipelineReady(ctx context.Context, pipelineName string, startup time.Duration)
	// ShutdownRequested is called when the orchestrator acts on a shutdown request.
	ShutdownRequested(ctx context.Context, pipelineName, reason string)
	// PipelineStopped is called when shutdown finishes, with a
	// ShutdownTimeoutError when the deadline elapsed first.
	PipelineStopped(ctx context.Context, pipelineName string, duration time.Duration, err error)
}

// NoopMetricsCollector is a metrics collector that does nothing.
// It's useful as a default when no metrics collection is needed.
type NoopMetricsCollector struct{}

// Ensure NoopMetricsCollector implements MetricsCollector.
var _ MetricsCollector = (*NoopMetricsCollector)(nil)

// StageStarted implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) StageStarted(_ context.Context, _ string, _ time.Duration) {}

// StageStartFailed implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) StageStartFailed(_ context.Context, _ string, _ error) {}

// StageStopped implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) StageStopped(_ context.Context, _ string, _ time.Duration) {}

// StageError implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) StageError(_ context.Context, _ string, _ error) {}

// StageEventHandled implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) StageEventHandled(_ context.Context, _, _ string, _ time.Duration) {}

// ChannelPublished implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) ChannelPublished(_ context.Context, _ string, _ int) {}

// PipelineReady implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) PipelineReady(_ context.Context, _ string, _ time.Duration) {}

// ShutdownRequested implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) ShutdownRequested(_ context.Context, _, _ string) {}

// PipelineStopped implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) PipelineStopped(_ context.Context, _ string, _ time.Duration, _ error) {}

// DefaultMetricsCollector is the default metrics collector used when none is provided.
var DefaultMetricsCollector MetricsCollector = &NoopMetricsCollector{}

// MetricatedInput wraps an InputHandler and reports how long each event took to handle.
type MetricatedInput struct {
	handler   InputHandler
	stageName string
	collector MetricsCollector
}

// NewMetricatedInput creates a MetricatedInput for the named stage.
func NewMetricatedInput(handler InputHandler, stageName string, collector MetricsCollector) *MetricatedInput {
	if collector == nil {
		collector = DefaultMetricsCollector
	}
	return &MetricatedInput{handler: handler, stageName: stageName, collector: collector}
}

// OnInput implements InputHandler.
func (m *MetricatedInput) OnInput(event any, channel string) {
	begin := time.Now()
	m.handler.OnInput(event, channel)
	m.collector.StageEventHandled(context.Background(), m.stageName, channel, time.Since(begin))
}
