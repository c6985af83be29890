package logbus

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const (
	// DefaultStatsChannel is the channel stage metrics are published on unless overridden.
	DefaultStatsChannel = "stats"
	// DefaultErrChannel is the channel stage errors are published on unless overridden.
	DefaultErrChannel = "errors"
	// ReadyChannel carries the pipeline-wide readiness signal.
	ReadyChannel = "READY"
	// ShutdownChannel carries shutdown requests; the event is the reason string.
	ShutdownChannel = "SIGTERM"
	// ErrorsModule is the reserved module id of the error sink.
	ErrorsModule = "errors"
	// StatsModule is the reserved module id of the stats sink.
	StatsModule = "stats"

	// ExceptionReason is the shutdown reason used after a recovered panic.
	ExceptionReason = "exception"
)

// StoppedChannel returns the channel on which a stage announces it has stopped.
func StoppedChannel(stage string) string {
	return stage + ".stopped"
}

// Stats is a set of named metrics published on a stats channel.
type Stats map[string]any

// Bus is the collaborator handed to every plugin factory. It is the only way a
// plugin talks to the core: emitting events, errors and stats, checking
// pipeline readiness, and requesting shutdown.
type Bus struct {
	stage        string
	router       *Router
	outChannels  []string
	errChannel   string
	statsChannel string
	logger       zerolog.Logger
	metrics      MetricsCollector
	ready        atomic.Bool
	panics       func(*PanicError)
}

func newBus(stage string, router *Router, logger zerolog.Logger, metrics MetricsCollector) *Bus {
	b := &Bus{
		stage:        stage,
		router:       router,
		errChannel:   DefaultErrChannel,
		statsChannel: DefaultStatsChannel,
		logger:       logger.With().Str("stage", stage).Logger(),
		metrics:      metrics,
	}
	router.Subscribe(ReadyChannel, func(string, any) {
		b.ready.Store(true)
	})
	return b
}

// Stage returns the name of the stage this bus belongs to.
func (b *Bus) Stage() string {
	return b.stage
}

// Logger returns the stage's logger.
func (b *Bus) Logger() *zerolog.Logger {
	return &b.logger
}

// Event publishes payload on each of the stage's output channels. Nil payloads are dropped.
func (b *Bus) Event(payload any) {
	if payload == nil {
		return
	}
	for _, channel := range b.outChannels {
		b.router.Publish(channel, payload)
	}
}

// Error publishes err, tagged with the stage name, on the stage's error channel.
func (b *Bus) Error(err error) {
	if err == nil {
		return
	}
	b.metrics.StageError(context.Background(), b.stage, err)
	b.router.Publish(b.errChannel, NewStageError(b.stage, err))
}

// Errorf formats an error and publishes it like Error.
func (b *Bus) Errorf(format string, args ...any) {
	b.Error(fmt.Errorf(format, args...))
}

// Stats publishes a copy of stats, tagged with the stage name, on the stage's stats channel.
func (b *Bus) Stats(stats Stats) {
	tagged := make(Stats, len(stats)+1)
	for k, v := range stats {
		tagged[k] = v
	}
	tagged["stage"] = b.stage
	b.router.Publish(b.statsChannel, tagged)
}

// Ready reports whether the whole pipeline has finished starting. Plugins that
// may request shutdown on their own, such as a finite input reaching
// end-of-data, should not do so before Ready is true.
func (b *Bus) Ready() bool {
	return b.ready.Load()
}

// Shutdown requests a pipeline-wide shutdown with the given reason.
func (b *Bus) Shutdown(reason string) {
	b.logger.Info().Str("reason", reason).Msg("requesting shutdown")
	b.router.Publish(ShutdownChannel, reason)
}

// Go runs fn on a new goroutine. A panic in fn is recovered, logged, and
// turned into an emergency pipeline shutdown with reason "exception".
func (b *Bus) Go(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				perr := &PanicError{Stage: b.stage, Value: r}
				b.logger.Error().Interface("panic", r).Msg("recovered panic in plugin goroutine")
				if b.panics != nil {
					b.panics(perr)
				}
				b.router.Publish(ShutdownChannel, ExceptionReason)
			}
		}()
		fn()
	}()
}
