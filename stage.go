package logbus

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StageState is the lifecycle position of a single stage.
type StageState int

const (
	// StageCreated is the state of a loaded stage that has not been started.
	StageCreated StageState = iota
	// StageStarting means the plugin's start hook is running.
	StageStarting
	// StageRunning means the stage started successfully and receives input.
	StageRunning
	// StageStopping means the stop hook is running.
	StageStopping
	// StageStopped is terminal.
	StageStopped
	// StageFailed means the start hook returned an error.
	StageFailed
)

// String returns the state name.
func (s StageState) String() string {
	switch s {
	case StageCreated:
		return "created"
	case StageStarting:
		return "starting"
	case StageRunning:
		return "running"
	case StageStopping:
		return "stopping"
	case StageStopped:
		return "stopped"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Stage wraps one plugin instance with its channel wiring and its stop
// dependencies. Stages are built once by NewPipeline and never recreated.
type Stage struct {
	name         string
	module       string
	inChannels   []string
	outChannels  []string
	statsChannel string
	errChannel   string
	isInput      bool
	isOutput     bool
	isErrors     bool
	isStats      bool

	plugin  Plugin
	bus     *Bus
	router  *Router
	logger  zerolog.Logger
	metrics MetricsCollector
	tracer  trace.Tracer

	mu        sync.Mutex
	state     StageState
	waitingOn map[string]struct{}
	upstream  []string
	done      chan struct{}
}

func newStage(def StageDefinition, plugin Plugin, bus *Bus, p *Pipeline) *Stage {
	s := &Stage{
		name:         def.Name,
		module:       def.Module,
		inChannels:   slices.Clone(def.InChannels),
		statsChannel: def.StatsChannel,
		errChannel:   def.ErrChannel,
		plugin:       plugin,
		bus:          bus,
		router:       p.router,
		logger:       bus.logger,
		metrics:      p.metrics,
		tracer:       p.tracer,
		waitingOn:    make(map[string]struct{}),
		done:         make(chan struct{}),
	}
	if s.module == "" {
		s.module = s.name
	}
	if s.statsChannel == "" {
		s.statsChannel = DefaultStatsChannel
	}
	if s.errChannel == "" {
		s.errChannel = DefaultErrChannel
	}
	switch {
	case def.OutChannels != nil:
		s.outChannels = slices.Clone(def.OutChannels)
	case declaresOutChannels(plugin):
		s.outChannels = slices.Clone(plugin.(OutChannelsDeclarer).OutChannels())
	default:
		s.outChannels = []string{s.name}
	}
	if s.inChannels == nil {
		s.inChannels = []string{}
	}
	s.isInput = len(s.inChannels) == 0
	s.isOutput = len(s.outChannels) == 0
	s.isErrors = s.module == ErrorsModule
	s.isStats = s.module == StatsModule

	bus.outChannels = s.outChannels
	bus.errChannel = s.errChannel
	bus.statsChannel = s.statsChannel

	if handler, ok := plugin.(InputHandler); ok {
		var input InputHandler = NewMetricatedInput(handler, s.name, s.metrics)
		if _, noop := p.cfg.tracerProvider.(*NoopTracerProvider); !noop {
			input = NewTracedInput(input, s.name, p.cfg.tracerProvider,
				attribute.String("logbus.stage.module", s.module))
		}
		for _, channel := range s.inChannels {
			s.router.Subscribe(channel, func(channel string, event any) {
				input.OnInput(event, channel)
			})
		}
	}
	return s
}

func declaresOutChannels(plugin Plugin) bool {
	declarer, ok := plugin.(OutChannelsDeclarer)
	return ok && declarer.OutChannels() != nil
}

// Name returns the stage name.
func (s *Stage) Name() string { return s.name }

// Module returns the module id the plugin was instantiated from.
func (s *Stage) Module() string { return s.module }

// InChannels returns the channels the stage subscribes to.
func (s *Stage) InChannels() []string { return slices.Clone(s.inChannels) }

// OutChannels returns the channels the stage publishes events to.
func (s *Stage) OutChannels() []string { return slices.Clone(s.outChannels) }

// StatsChannel returns the channel the stage publishes stats to.
func (s *Stage) StatsChannel() string { return s.statsChannel }

// ErrChannel returns the channel the stage publishes errors to.
func (s *Stage) ErrChannel() string { return s.errChannel }

// IsInput reports whether the stage has no input channels (a graph root).
func (s *Stage) IsInput() bool { return s.isInput }

// IsOutput reports whether the stage has no output channels (a graph sink).
func (s *Stage) IsOutput() bool { return s.isOutput }

// IsErrors reports whether the stage runs the reserved error-sink module.
func (s *Stage) IsErrors() bool { return s.isErrors }

// IsStats reports whether the stage runs the reserved stats-sink module.
func (s *Stage) IsStats() bool { return s.isStats }

// Plugin returns the plugin instance owned by the stage.
func (s *Stage) Plugin() Plugin { return s.plugin }

// Bus returns the collaborator handed to the stage's plugin.
func (s *Stage) Bus() *Bus { return s.bus }

// State returns the current lifecycle state.
func (s *Stage) State() StageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stopped reports whether the stage has finished stopping.
func (s *Stage) Stopped() bool {
	return s.State() == StageStopped
}

// Done returns a channel closed once the stage has stopped.
func (s *Stage) Done() <-chan struct{} {
	return s.done
}

// WaitingOn returns the sorted names of upstream stages that have not yet stopped.
func (s *Stage) WaitingOn() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.waitingOn))
	for name := range s.waitingOn {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Inputs returns, in the given order, the names of stages whose output
// channels intersect this stage's input channels.
func (s *Stage) Inputs(stages []*Stage) []string {
	var matches []string
	for _, other := range stages {
		if intersects(other.outChannels, s.inChannels) {
			matches = append(matches, other.name)
		}
	}
	return matches
}

// Outputs returns, in the given order, the names of stages whose input
// channels intersect this stage's output channels.
func (s *Stage) Outputs(stages []*Stage) []string {
	var matches []string
	for _, other := range stages {
		if intersects(other.inChannels, s.outChannels) {
			matches = append(matches, other.name)
		}
	}
	return matches
}

// waitOn records an upstream stage that must stop before this one may.
func (s *Stage) waitOn(upstream string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.waitingOn[upstream]; ok {
		return
	}
	s.waitingOn[upstream] = struct{}{}
	s.upstream = append(s.upstream, upstream)
}

// Start runs the plugin's start hook, if it has one.
func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StageCreated {
		s.mu.Unlock()
		return fmt.Errorf("stage %q: %w", s.name, ErrPipelineAlreadyStarted)
	}
	s.state = StageStarting
	s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "logbus.stage.start", trace.WithAttributes(
		attribute.String("logbus.stage.name", s.name),
		attribute.String("logbus.stage.module", s.module),
	))
	defer span.End()

	begin := time.Now()
	var err error
	if starter, ok := s.plugin.(Starter); ok {
		err = s.callHook("start", func() error { return starter.Start(ctx) })
	}

	s.mu.Lock()
	if err != nil {
		s.state = StageFailed
	} else {
		s.state = StageRunning
	}
	s.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.StageStartFailed(ctx, s.name, err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	s.metrics.StageStarted(ctx, s.name, time.Since(begin))
	return nil
}

// Stop removes fromUpstream from the set of stages this one waits on. Once
// that set is empty, it runs the plugin's stop hook, marks the stage stopped,
// closes Done and publishes "<name>.stopped". An empty fromUpstream is a
// direct request from the orchestrator. Calls after the stage began stopping
// have no effect.
func (s *Stage) Stop(ctx context.Context, fromUpstream string) {
	s.mu.Lock()
	if fromUpstream != "" {
		delete(s.waitingOn, fromUpstream)
	}
	if len(s.waitingOn) > 0 || s.state == StageStopping || s.state == StageStopped {
		s.mu.Unlock()
		return
	}
	s.state = StageStopping
	s.mu.Unlock()

	via := fromUpstream
	if via == "" {
		via = "SHUTDOWN"
	}
	s.logger.Info().Str("via", via).Msg("stopping")

	ctx, span := s.tracer.Start(ctx, "logbus.stage.stop", trace.WithAttributes(
		attribute.String("logbus.stage.name", s.name),
		attribute.String("logbus.stage.via", via),
	))
	begin := time.Now()
	if stopper, ok := s.plugin.(Stopper); ok {
		if err := s.callHook("stop", func() error { return stopper.Stop(ctx) }); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			s.logger.Error().Err(err).Msg("failed to stop")
		}
	}
	span.End()

	s.mu.Lock()
	s.state = StageStopped
	s.mu.Unlock()
	close(s.done)

	s.metrics.StageStopped(ctx, s.name, time.Since(begin))
	s.logger.Debug().Msg("stopped")
	s.router.Publish(StoppedChannel(s.name), s.name)
}

// callHook runs a plugin lifecycle hook. A panic is recovered, reported to
// the pipeline and returned as a PanicError.
//
//nolint:nonamedreturns // err is set by the recover handler
func (s *Stage) callHook(hook string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			perr := &PanicError{Stage: s.name, Value: r}
			s.logger.Error().Interface("panic", r).Str("hook", hook).Msg("recovered panic in plugin hook")
			if s.bus.panics != nil {
				s.bus.panics(perr)
			}
			err = perr
		}
	}()
	return fn()
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if slices.Contains(b, x) {
			return true
		}
	}
	return false
}
