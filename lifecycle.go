package logbus

import "context"

// Plugin is the value a module factory returns. A plugin may implement any
// subset of Starter, Stopper, InputHandler, OutChannelsDeclarer and
// HealthCheckable; the stage checks for each capability at runtime. A plugin
// implementing none of them is valid and simply does nothing.
type Plugin any

// Starter defines an optional interface for plugins requiring initialization
// before the pipeline is declared ready. This is where inputs open files,
// connect to brokers, or launch background readers via Bus.Go.
//
// A Start error is fatal to the whole pipeline: a partially started pipeline
// would silently drop data.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper defines an optional interface for plugins requiring graceful shutdown.
// Stop is only called after every upstream stage has finished its own Stop, so
// a plugin can flush buffered events knowing no more input will arrive.
// The context carries the pipeline shutdown deadline. A panic in Stop is
// recovered and reported; the stage still counts as stopped.
//
// Error-sink and stats-sink stages are stopped at the start of shutdown,
// together with inputs. Errors and stats reported from a Stop hook may arrive
// after those sinks have flushed and are then never emitted.
type Stopper interface {
	Stop(ctx context.Context) error
}

// InputHandler receives events published on the stage's input channels.
//
// The core does not recover panics or collect errors from OnInput. Plugins
// are expected to catch their own per-event failures and report them with
// Bus.Error so they reach the stage's error channel with the stage name
// attached. A panic escaping OnInput propagates to whichever stage published
// the event.
type InputHandler interface {
	OnInput(event any, channel string)
}

// OutChannelsDeclarer lets a plugin declare its default output channels. It is
// consulted only when the stage definition leaves outChannels unset. Returning
// an empty, non-nil slice declares the plugin a terminal output.
type OutChannelsDeclarer interface {
	OutChannels() []string
}

// HealthCheckable defines an interface for plugins that can report their
// operational health. HealthStatus should return nil if the plugin is
// healthy, or an error describing the problem if it's unhealthy.
type HealthCheckable interface {
	HealthStatus(ctx context.Context) error
}

// InputHandlerFunc adapts a function to the InputHandler interface.
type InputHandlerFunc func(event any, channel string)

// OnInput implements InputHandler.
func (f InputHandlerFunc) OnInput(event any, channel string) {
	f(event, channel)
}
