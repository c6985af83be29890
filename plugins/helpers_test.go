package plugins_test

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	logbus "github.com/synoptiq/go-logbus"
	"github.com/synoptiq/go-logbus/plugins"
)

// recorder collects every event published on a channel.
type recorder struct {
	mu     sync.Mutex
	events []any
}

func (r *recorder) OnInput(event any, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) OutChannels() []string { return []string{} }

func (r *recorder) all() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// testbed runs one plugin under test as stage "sut". Stage "source" feeds
// channel "in" when the sut reads it, and stage "capture" records channel
// "out" when the sut writes it. Errors and stats are recorded from the router.
type testbed struct {
	p     *logbus.Pipeline
	out   *recorder
	errs  *recorder
	stats *recorder
}

type testbedOption func(*testbedConfig)

type testbedConfig struct {
	modules map[string]logbus.Factory
	options []logbus.PipelineOption
}

// withModule registers an extra factory.
func withModule(module string, factory logbus.Factory) testbedOption {
	return func(c *testbedConfig) { c.modules[module] = factory }
}

func withPipelineOptions(options ...logbus.PipelineOption) testbedOption {
	return func(c *testbedConfig) { c.options = append(c.options, options...) }
}

func newTestbed(t *testing.T, sut logbus.StageDefinition, opts ...testbedOption) *testbed {
	t.Helper()
	cfg := &testbedConfig{modules: make(map[string]logbus.Factory)}
	for _, opt := range opts {
		opt(cfg)
	}

	tb := &testbed{out: &recorder{}, errs: &recorder{}, stats: &recorder{}}
	reg := plugins.NewRegistry()
	reg.MustRegister("source", func(map[string]any, *logbus.Bus) (logbus.Plugin, error) {
		return struct{}{}, nil
	})
	reg.MustRegister("capture", func(map[string]any, *logbus.Bus) (logbus.Plugin, error) {
		return tb.out, nil
	})
	for module, factory := range cfg.modules {
		reg.MustRegister(module, factory)
	}

	if sut.Name == "" {
		sut.Name = "sut"
	}
	var defs []logbus.StageDefinition
	if slices.Contains(sut.InChannels, "in") {
		defs = append(defs, logbus.StageDefinition{Name: "source", Module: "source", OutChannels: []string{"in"}})
	}
	defs = append(defs, sut)
	if slices.Contains(sut.OutChannels, "out") {
		defs = append(defs, logbus.StageDefinition{Name: "capture", Module: "capture", InChannels: []string{"out"}})
	}

	options := append([]logbus.PipelineOption{
		logbus.WithLogger(zerolog.Nop()),
		logbus.WithTracerProvider(&logbus.NoopTracerProvider{}),
		logbus.WithShutdownTimeout(5 * time.Second),
		logbus.WithWatchdogInterval(5 * time.Millisecond),
	}, cfg.options...)
	p, err := logbus.NewPipeline(defs, reg, options...)
	require.NoError(t, err)
	tb.p = p

	router := p.Router()
	router.Subscribe(logbus.DefaultErrChannel, func(_ string, event any) { tb.errs.OnInput(event, "") })
	router.Subscribe(logbus.DefaultStatsChannel, func(_ string, event any) { tb.stats.OnInput(event, "") })
	return tb
}

// transform declares a sut reading "in" and writing "out".
func transform(module string, config map[string]any) logbus.StageDefinition {
	return logbus.StageDefinition{Module: module, Config: config, InChannels: []string{"in"}, OutChannels: []string{"out"}}
}

// sink declares a sut reading "in" whose out channels the plugin declares.
func sink(module string, config map[string]any) logbus.StageDefinition {
	return logbus.StageDefinition{Module: module, Config: config, InChannels: []string{"in"}}
}

func (tb *testbed) send(events ...any) {
	for _, event := range events {
		tb.p.Router().Publish("in", event)
	}
}

func (tb *testbed) plugin(t *testing.T) logbus.Plugin {
	t.Helper()
	stage, ok := tb.p.Stage("sut")
	require.True(t, ok)
	return stage.Plugin()
}

// start runs the sut's start hook alone.
func (tb *testbed) start(t *testing.T) {
	t.Helper()
	if starter, ok := tb.plugin(t).(logbus.Starter); ok {
		require.NoError(t, starter.Start(context.Background()))
	}
}

// stop runs the sut's stop hook alone.
func (tb *testbed) stop(t *testing.T) {
	t.Helper()
	if stopper, ok := tb.plugin(t).(logbus.Stopper); ok {
		require.NoError(t, stopper.Stop(context.Background()))
	}
}

// run starts the whole pipeline and waits for it to shut itself down.
func (tb *testbed) run(t *testing.T) {
	t.Helper()
	require.NoError(t, tb.p.Start(context.Background()))
	select {
	case <-tb.p.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline did not shut down")
	}
	require.NoError(t, tb.p.Wait())
}

// statsFor sums the named counter over every stats event from the sut.
func (tb *testbed) statsFor(name string) int {
	total := 0
	for _, event := range tb.stats.all() {
		stats := event.(logbus.Stats)
		if stats["stage"] != "sut" {
			continue
		}
		if n, ok := stats[name].(int); ok {
			total += n
		}
	}
	return total
}

// errorMessages returns the messages of every error the sut reported.
func (tb *testbed) errorMessages() []string {
	var msgs []string
	for _, event := range tb.errs.all() {
		serr := event.(*logbus.StageError)
		if serr.Stage == "sut" {
			msgs = append(msgs, serr.OriginalError.Error())
		}
	}
	return msgs
}

// newPluginErr runs a registered factory without a pipeline, for config errors.
func newPluginErr(module string, config map[string]any) (logbus.Plugin, error) {
	factory, ok := plugins.NewRegistry().Lookup(module)
	if !ok {
		panic("unknown module " + module)
	}
	return factory(config, nil)
}
