package logbus_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logbus "github.com/synoptiq/go-logbus"
)

// journal records lifecycle hooks across stages in the order they ran.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.entries)
}

// index returns the position of entry, or -1.
func (j *journal) index(entry string) int {
	return slices.Index(j.all(), entry)
}

// fakePlugin implements every optional plugin capability and records what happens to it.
type fakePlugin struct {
	name    string
	bus     *logbus.Bus
	journal *journal

	startErr     error
	startPanic   any
	stopPanic    any
	stopDelay    time.Duration
	stopBlock    chan struct{}
	onStart      func(bus *logbus.Bus)
	outChannels  []string
	readyAtStart bool
	healthErr    error

	mu     sync.Mutex
	events []any
}

func (f *fakePlugin) Start(context.Context) error {
	f.readyAtStart = f.bus.Ready()
	f.journal.add("start:%s", f.name)
	if f.onStart != nil {
		f.onStart(f.bus)
	}
	if f.startPanic != nil {
		panic(f.startPanic)
	}
	return f.startErr
}

func (f *fakePlugin) Stop(context.Context) error {
	if f.stopDelay > 0 {
		time.Sleep(f.stopDelay)
	}
	if f.stopBlock != nil {
		<-f.stopBlock
	}
	if f.stopPanic != nil {
		panic(f.stopPanic)
	}
	f.journal.add("stop:%s", f.name)
	return nil
}

func (f *fakePlugin) OnInput(event any, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakePlugin) OutChannels() []string {
	return f.outChannels
}

func (f *fakePlugin) HealthStatus(context.Context) error {
	return f.healthErr
}

func (f *fakePlugin) received() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.events)
}

// harness builds pipelines out of fake plugins, one per stage.
type harness struct {
	journal  *journal
	registry *logbus.Registry

	mu      sync.Mutex
	plugins map[string]*fakePlugin
	tweaks  map[string]func(*fakePlugin)
}

func newHarness() *harness {
	h := &harness{
		journal:  &journal{},
		registry: logbus.NewRegistry(),
		plugins:  make(map[string]*fakePlugin),
		tweaks:   make(map[string]func(*fakePlugin)),
	}
	for _, module := range []string{"fake", logbus.ErrorsModule, logbus.StatsModule} {
		h.registry.MustRegister(module, h.factory)
	}
	return h
}

func (h *harness) factory(_ map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p := &fakePlugin{name: bus.Stage(), bus: bus, journal: h.journal}
	if tweak, ok := h.tweaks[p.name]; ok {
		tweak(p)
	}
	h.plugins[p.name] = p
	return p, nil
}

// tweak customizes the plugin created for the named stage.
func (h *harness) tweak(stage string, fn func(*fakePlugin)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tweaks[stage] = fn
}

func (h *harness) plugin(t *testing.T, stage string) *fakePlugin {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.plugins[stage]
	require.True(t, ok, "no plugin for stage %s", stage)
	return p
}

func (h *harness) pipeline(t *testing.T, defs []logbus.StageDefinition, options ...logbus.PipelineOption) *logbus.Pipeline {
	t.Helper()
	defaults := []logbus.PipelineOption{
		logbus.WithShutdownTimeout(2 * time.Second),
		logbus.WithWatchdogInterval(5 * time.Millisecond),
		logbus.WithTracerProvider(&logbus.NoopTracerProvider{}),
	}
	p, err := logbus.NewPipeline(defs, h.registry, append(defaults, options...)...)
	require.NoError(t, err)
	return p
}

// stage declares a fake stage. A nil out leaves outChannels unset.
func stage(name string, in, out []string) logbus.StageDefinition {
	return logbus.StageDefinition{Name: name, Module: "fake", InChannels: in, OutChannels: out}
}

func chans(names ...string) []string {
	if names == nil {
		return []string{}
	}
	return names
}

// linear declares reader -> parser -> writer.
func linear() []logbus.StageDefinition {
	return []logbus.StageDefinition{
		stage("reader", chans(), chans("raw")),
		stage("parser", chans("raw"), chans("parsed")),
		stage("writer", chans("parsed"), chans()),
	}
}

func waitDone(t *testing.T, p *logbus.Pipeline) error {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}
	return p.Wait()
}
