package logbus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// PipelineState is the lifecycle position of a pipeline.
type PipelineState int

const (
	// PipelineLoading means stages are being instantiated.
	PipelineLoading PipelineState = iota
	// PipelineValidating means the stage graph has been (or is being) validated.
	PipelineValidating
	// PipelineStarting means start hooks are running.
	PipelineStarting
	// PipelineRunning means every stage started and READY was published.
	PipelineRunning
	// PipelineStopping means shutdown is in progress.
	PipelineStopping
	// PipelineStopped means every stage stopped before the deadline.
	PipelineStopped
	// PipelineTimedOut means the shutdown deadline elapsed first.
	PipelineTimedOut
	// PipelineFailed means validation or startup failed.
	PipelineFailed
)

// String returns the state name.
func (s PipelineState) String() string {
	switch s {
	case PipelineLoading:
		return "loading"
	case PipelineValidating:
		return "validating"
	case PipelineStarting:
		return "starting"
	case PipelineRunning:
		return "running"
	case PipelineStopping:
		return "stopping"
	case PipelineStopped:
		return "stopped"
	case PipelineTimedOut:
		return "timed_out"
	case PipelineFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// --- Pipeline Configuration ---

// pipelineConfig holds the configuration options applied to a Pipeline.
type pipelineConfig struct {
	name             string
	logger           zerolog.Logger
	metricsCollector MetricsCollector
	tracerProvider   TracerProvider
	shutdownTimeout  time.Duration
	watchdogInterval time.Duration
}

// PipelineOption defines a function type used to modify the pipelineConfig.
type PipelineOption func(*pipelineConfig)

// WithPipelineName sets a descriptive name used in metrics and traces.
// Default: "logbus".
func WithPipelineName(name string) PipelineOption {
	return func(cfg *pipelineConfig) {
		if name != "" {
			cfg.name = name
		}
	}
}

// WithLogger sets the logger for the pipeline and, through their buses, every plugin.
// Default: zerolog.Nop().
func WithLogger(logger zerolog.Logger) PipelineOption {
	return func(cfg *pipelineConfig) {
		cfg.logger = logger
	}
}

// WithMetricsCollector sets the collector for stage, channel and pipeline metrics.
// If nil is provided, the DefaultMetricsCollector (a no-op collector) is used.
func WithMetricsCollector(collector MetricsCollector) PipelineOption {
	return func(cfg *pipelineConfig) {
		cfg.metricsCollector = collector
	}
}

// WithTracerProvider sets the provider for start and shutdown spans.
// If nil is provided, the DefaultTracerProvider is used.
func WithTracerProvider(provider TracerProvider) PipelineOption {
	return func(cfg *pipelineConfig) {
		cfg.tracerProvider = provider
	}
}

// WithShutdownTimeout bounds how long Shutdown waits for every stage to stop.
// Non-positive values are ignored. Default: 10s.
func WithShutdownTimeout(timeout time.Duration) PipelineOption {
	return func(cfg *pipelineConfig) {
		if timeout > 0 {
			cfg.shutdownTimeout = timeout
		}
	}
}

// WithWatchdogInterval sets how often shutdown progress is checked and reported.
// Non-positive values are ignored. Default: 1s.
func WithWatchdogInterval(interval time.Duration) PipelineOption {
	return func(cfg *pipelineConfig) {
		if interval > 0 {
			cfg.watchdogInterval = interval
		}
	}
}

// Pipeline owns a set of stages connected through a Router and drives them
// through validation, startup and dependency-ordered shutdown.
type Pipeline struct {
	id     string
	cfg    pipelineConfig
	router *Router
	// metrics and tracer are read by stages at construction
	metrics MetricsCollector
	tracer  trace.Tracer
	logger  zerolog.Logger

	stages []*Stage
	byName map[string]*Stage

	mu        sync.Mutex
	state     PipelineState
	paths     []Path
	pending   string
	reason    string
	panicErr  *PanicError
	finishErr error

	stopping chan struct{}
	finished chan struct{}
	abandon  chan struct{}
}

// NewPipeline instantiates a plugin for every definition, using the factory
// the registry holds for its module, and wires the stages together. Every
// definition that cannot be loaded is reported in a single ConfigError.
func NewPipeline(defs []StageDefinition, registry *Registry, options ...PipelineOption) (*Pipeline, error) {
	cfg := pipelineConfig{
		name:             "logbus",
		logger:           zerolog.Nop(),
		shutdownTimeout:  DefaultShutdownTimeout,
		watchdogInterval: DefaultWatchdogInterval,
	}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.metricsCollector == nil {
		cfg.metricsCollector = DefaultMetricsCollector
	}
	if cfg.tracerProvider == nil {
		cfg.tracerProvider = DefaultTracerProvider
	}

	id := uuid.NewString()
	p := &Pipeline{
		id:       id,
		cfg:      cfg,
		metrics:  cfg.metricsCollector,
		tracer:   cfg.tracerProvider.Tracer(tracerName),
		logger:   cfg.logger.With().Str("pipeline", id).Logger(),
		byName:   make(map[string]*Stage, len(defs)),
		state:    PipelineLoading,
		stopping: make(chan struct{}),
		finished: make(chan struct{}),
		abandon:  make(chan struct{}),
	}
	p.router = NewRouter(WithRouterMetrics(p.metrics))

	failures := make(map[string]error)
	for _, def := range defs {
		if _, exists := p.byName[def.Name]; exists {
			failures[def.Name] = ErrDuplicateStage
			continue
		}
		stage, err := p.loadStage(def, registry)
		if err != nil {
			p.logger.Error().Err(err).Str("stage", def.Name).Msg("failed to load stage")
			failures[def.Name] = err
			continue
		}
		p.stages = append(p.stages, stage)
		p.byName[stage.name] = stage
	}
	if len(failures) > 0 {
		return nil, NewConfigError(failures)
	}

	for _, stage := range p.stages {
		for _, upstream := range stage.Inputs(p.stages) {
			p.logger.Debug().Msgf("%s waits on %s", stage.name, upstream)
			stage.waitOn(upstream)
		}
	}

	p.router.Subscribe(ShutdownChannel, func(_ string, event any) {
		reason, ok := event.(string)
		if !ok {
			reason = fmt.Sprint(event)
		}
		p.Shutdown(reason)
	})
	return p, nil
}

//nolint:nonamedreturns // err is set by the recover handler
func (p *Pipeline) loadStage(def StageDefinition, registry *Registry) (stage *Stage, err error) {
	if def.Name == "" {
		return nil, errors.New("stage name is required")
	}
	if def.Module == "" {
		def.Module = def.Name
	}
	factory, ok := registry.Lookup(def.Module)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModule, def.Module)
	}
	config := def.Config
	if config == nil {
		config = map[string]any{}
	}

	bus := newBus(def.Name, p.router, p.logger, p.metrics)
	bus.panics = p.recordPanic
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Stage: def.Name, Value: r}
		}
	}()
	plugin, err := factory(config, bus)
	if err != nil {
		return nil, err
	}
	return newStage(def, plugin, bus, p), nil
}

// ID returns the unique id of this pipeline run.
func (p *Pipeline) ID() string { return p.id }

// Name returns the pipeline name used in metrics and traces.
func (p *Pipeline) Name() string { return p.cfg.name }

// Router returns the router connecting the stages.
func (p *Pipeline) Router() *Router { return p.router }

// Stages returns the stages in declaration order.
func (p *Pipeline) Stages() []*Stage { return slices.Clone(p.stages) }

// Stage returns the named stage.
func (p *Pipeline) Stage(name string) (*Stage, bool) {
	stage, ok := p.byName[name]
	return stage, ok
}

// State returns the current lifecycle state.
func (p *Pipeline) State() PipelineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Ready reports whether every stage has started and READY was published.
func (p *Pipeline) Ready() bool {
	switch p.State() {
	case PipelineRunning, PipelineStopping, PipelineStopped, PipelineTimedOut:
		return true
	default:
		return false
	}
}

// Validate enumerates every flow path and checks that none of them starts
// or ends at a dead end. The paths are returned even when they are invalid,
// so they can be reported. A cyclic graph fails with a CycleError and no paths.
func (p *Pipeline) Validate() ([]Path, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case PipelineLoading:
	case PipelineValidating:
		return p.paths, nil
	default:
		return p.paths, fmt.Errorf("cannot validate in state %s: %w", p.state, ErrPipelineAlreadyStarted)
	}
	p.state = PipelineValidating

	paths, err := BuildPaths(p.stages)
	if err == nil {
		err = ValidatePaths(paths)
	}
	p.paths = paths
	if err != nil {
		p.state = PipelineFailed
		p.finishLocked(err)
		p.logger.Error().Err(err).Msg("invalid stages")
		return paths, err
	}
	return paths, nil
}

// Start validates the pipeline if that has not been done, then runs every
// stage's start hook concurrently, launched in declaration order. Any failure
// fails the whole pipeline with a StartError naming the first failed stage in
// declaration order. On success READY is published on the router, and a
// shutdown requested while starting is carried out.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.State() == PipelineLoading {
		if _, err := p.Validate(); err != nil {
			return err
		}
	}

	p.mu.Lock()
	if p.state != PipelineValidating {
		state := p.state
		p.mu.Unlock()
		return fmt.Errorf("cannot start in state %s: %w", state, ErrPipelineAlreadyStarted)
	}
	p.state = PipelineStarting
	p.mu.Unlock()

	ctx, span := p.tracer.Start(ctx, "logbus.pipeline.start", trace.WithAttributes(
		attribute.String("logbus.pipeline.name", p.cfg.name),
		attribute.String("logbus.pipeline.id", p.id),
		attribute.Int("logbus.pipeline.stages", len(p.stages)),
	))
	defer span.End()

	begin := time.Now()
	results := make([]error, len(p.stages))
	var g errgroup.Group
	for i, stage := range p.stages {
		g.Go(func() error {
			results[i] = stage.Start(ctx)
			return nil
		})
	}
	_ = g.Wait()

	for i, stage := range p.stages {
		if results[i] == nil {
			p.logger.Info().Str("stage", stage.name).Msg("started")
			continue
		}
		err := NewStartError(stage.name, results[i])
		p.logger.Error().Err(err).Msg("failed to start pipeline")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.mu.Lock()
		p.state = PipelineFailed
		p.finishLocked(err)
		p.mu.Unlock()
		return err
	}

	p.logger.Info().Msg("pipeline startup complete")
	p.metrics.PipelineReady(ctx, p.cfg.name, time.Since(begin))
	p.router.Publish(ReadyChannel, p.id)

	p.mu.Lock()
	p.state = PipelineRunning
	pending := p.pending
	p.mu.Unlock()
	span.SetStatus(codes.Ok, "")

	if pending != "" {
		p.Shutdown(pending)
	}
	return nil
}

// Shutdown begins stopping the pipeline. Input, error-sink and stats-sink
// stages are stopped directly; every other stage stops once all of its
// upstream stages have. Only the first request acts. Requests made before the
// pipeline is running are held until READY has been published.
func (p *Pipeline) Shutdown(reason string) {
	p.mu.Lock()
	switch p.state {
	case PipelineLoading, PipelineValidating, PipelineStarting:
		if p.pending == "" {
			p.pending = reason
			p.logger.Info().Str("reason", reason).Msg("shutdown deferred until pipeline is ready")
		}
		p.mu.Unlock()
		return
	case PipelineRunning:
	default:
		p.mu.Unlock()
		p.logger.Debug().Str("reason", reason).Msg("shutdown already in progress")
		return
	}
	p.state = PipelineStopping
	p.reason = reason
	p.mu.Unlock()
	close(p.stopping)

	p.logger.Info().Str("reason", reason).Msg("shutting down")
	p.metrics.ShutdownRequested(context.Background(), p.cfg.name, reason)
	go p.runShutdown(reason)
}

func (p *Pipeline) runShutdown(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.shutdownTimeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "logbus.pipeline.shutdown", trace.WithAttributes(
		attribute.String("logbus.pipeline.name", p.cfg.name),
		attribute.String("logbus.shutdown.reason", reason),
	))
	defer span.End()
	begin := time.Now()

	for _, stage := range p.stages {
		for _, name := range stage.upstream {
			upstream := p.byName[name]
			go func() {
				select {
				case <-upstream.Done():
					stage.Stop(ctx, name)
				case <-p.abandon:
				}
			}()
		}
	}
	for _, stage := range p.stages {
		if stage.isInput || stage.isErrors || stage.isStats {
			go stage.Stop(ctx, "")
		}
	}

	err := p.watch()
	if err != nil {
		close(p.abandon)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Error().Err(err).Msg("timed out waiting for pipeline to shut down")
	} else {
		span.SetStatus(codes.Ok, "")
		p.logger.Info().Msg("all stages shut down cleanly")
	}

	p.metrics.PipelineStopped(ctx, p.cfg.name, time.Since(begin), err)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.state = PipelineTimedOut
	} else {
		p.state = PipelineStopped
	}
	p.finishLocked(err)
}

// watch polls until every stage has stopped or the shutdown deadline elapses.
func (p *Pipeline) watch() error {
	ticker := time.NewTicker(p.cfg.watchdogInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(p.cfg.shutdownTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-ticker.C:
			if p.reportOnShutdown() {
				return nil
			}
		case <-deadline.C:
			return &ShutdownTimeoutError{Timeout: p.cfg.shutdownTimeout, Pending: p.pendingStages()}
		}
	}
}

// reportOnShutdown logs every stage still running and reports whether all have stopped.
func (p *Pipeline) reportOnShutdown() bool {
	done := true
	for _, stage := range p.stages {
		if stage.Stopped() {
			continue
		}
		done = false
		p.logger.Info().
			Str("stage", stage.name).
			Str("waiting_on", waitingOnLabel(stage.WaitingOn())).
			Msg("waiting on stage to stop")
	}
	return done
}

func (p *Pipeline) pendingStages() map[string][]string {
	pending := make(map[string][]string)
	for _, stage := range p.stages {
		if !stage.Stopped() {
			pending[stage.name] = stage.WaitingOn()
		}
	}
	return pending
}

func (p *Pipeline) recordPanic(err *PanicError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicErr == nil {
		p.panicErr = err
	}
}

// finishLocked records the outcome and releases Wait. p.mu must be held.
func (p *Pipeline) finishLocked(err error) {
	select {
	case <-p.finished:
		return
	default:
	}
	p.finishErr = err
	close(p.finished)
}

// Wait blocks until shutdown completes or startup fails. It returns nil after
// a clean shutdown, a ShutdownTimeoutError when the deadline elapsed, or the
// startup error. A panic recovered from plugin code is always reported.
func (p *Pipeline) Wait() error {
	switch p.State() {
	case PipelineLoading, PipelineValidating:
		return ErrPipelineNotStarted
	}
	<-p.finished

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicErr != nil {
		return errors.Join(p.panicErr, p.finishErr)
	}
	return p.finishErr
}

// Done returns a channel closed once shutdown has completed or startup failed.
func (p *Pipeline) Done() <-chan struct{} {
	return p.finished
}

// Reason returns the reason given by the shutdown request that acted.
func (p *Pipeline) Reason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reason
}

// Run validates and starts the pipeline, then waits for either ctx to be
// cancelled or a shutdown request, shuts down, and waits for completion.
func (p *Pipeline) Run(ctx context.Context) error {
	if _, err := p.Validate(); err != nil {
		return err
	}
	if err := p.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		p.Shutdown(context.Cause(ctx).Error())
	case <-p.stopping:
	}
	return p.Wait()
}

// Health runs the health check of every stage whose plugin provides one.
func (p *Pipeline) Health(ctx context.Context) map[string]error {
	health := make(map[string]error)
	for _, stage := range p.stages {
		if checker, ok := stage.plugin.(HealthCheckable); ok {
			health[stage.name] = checker.HealthStatus(ctx)
		}
	}
	return health
}
