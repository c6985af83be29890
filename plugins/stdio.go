package plugins

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"

	logbus "github.com/synoptiq/go-logbus"
	"golang.org/x/time/rate"
)

// statsInterval is how often inputs and outputs report their counters.
const statsInterval = 10 * time.Second

// StdinConfig configures the stdin input.
type StdinConfig struct {
	// MaxMbps throttles reading, in mebibytes per second.
	MaxMbps float64 `yaml:"maxMbps" validate:"gt=0"`
	// StopOnEOF requests a pipeline shutdown once stdin is exhausted.
	StopOnEOF bool `yaml:"stopOnEOF"`
}

// Stdin emits each line read from a reader, os.Stdin by default.
type Stdin struct {
	bus       *logbus.Bus
	reader    io.Reader
	limiter   *rate.Limiter
	stopOnEOF bool

	mu       sync.Mutex
	eventsIn int
	bytesIn  int
	stats    *ticker
}

// NewStdin creates a Stdin plugin reading os.Stdin.
func NewStdin(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	return newReaderInput(os.Stdin)(config, bus)
}

// NewReaderInput returns a factory for a Stdin plugin reading r instead of os.Stdin.
func NewReaderInput(r io.Reader) logbus.Factory {
	return newReaderInput(r)
}

func newReaderInput(r io.Reader) logbus.Factory {
	return func(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
		cfg := StdinConfig{MaxMbps: 100, StopOnEOF: true}
		if err := logbus.DecodeConfig(config, &cfg); err != nil {
			return nil, err
		}
		return &Stdin{
			bus:       bus,
			reader:    r,
			limiter:   newByteLimiter(cfg.MaxMbps),
			stopOnEOF: cfg.StopOnEOF,
		}, nil
	}
}

// Start begins reading on a plugin goroutine.
func (s *Stdin) Start(context.Context) error {
	s.stats = startTicker(s.bus, statsInterval, s.flushStats)
	s.bus.Go(s.read)
	return nil
}

// Stop ends stats reporting. Reading continues until the reader is exhausted
// since a blocked read on stdin cannot be interrupted.
func (s *Stdin) Stop(context.Context) error {
	s.stats.Stop()
	s.flushStats()
	return nil
}

func (s *Stdin) read() {
	scanner := bufio.NewScanner(s.reader)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		_ = waitBytes(context.Background(), s.limiter, len(line)+1)
		s.bus.Event(line)
		s.mu.Lock()
		s.eventsIn++
		s.bytesIn += len(line) + 1
		s.mu.Unlock()
	}
	if err := scanner.Err(); err != nil {
		s.bus.Error(err)
	}
	if s.stopOnEOF {
		waitReady(s.bus)
		s.bus.Shutdown("stdin closed")
	}
}

func (s *Stdin) flushStats() {
	s.mu.Lock()
	stats := logbus.Stats{"events_in": s.eventsIn, "bytes_in": s.bytesIn}
	s.eventsIn, s.bytesIn = 0, 0
	s.mu.Unlock()
	s.bus.Stats(stats)
}

// Stdout writes text events to a writer, os.Stdout by default.
type Stdout struct {
	bus    *logbus.Bus
	writer io.Writer

	mu        sync.Mutex
	eventsOut int
	bytesOut  int
	stats     *ticker
}

// NewStdout creates a Stdout plugin. It takes no configuration.
func NewStdout(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	return NewWriterOutput(os.Stdout)(config, bus)
}

// NewWriterOutput returns a factory for a Stdout plugin writing to w.
func NewWriterOutput(w io.Writer) logbus.Factory {
	return func(_ map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
		return &Stdout{bus: bus, writer: w}, nil
	}
}

// OutChannels declares the stage a terminal output.
func (s *Stdout) OutChannels() []string { return []string{} }

// Start begins periodic stats reporting.
func (s *Stdout) Start(context.Context) error {
	s.stats = startTicker(s.bus, statsInterval, s.flushStats)
	return nil
}

// Stop reports final stats.
func (s *Stdout) Stop(context.Context) error {
	s.stats.Stop()
	s.flushStats()
	return nil
}

// OnInput implements logbus.InputHandler.
func (s *Stdout) OnInput(event any, _ string) {
	txt, err := text(event)
	if err != nil {
		s.bus.Error(err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := io.WriteString(s.writer, txt)
	if err != nil {
		s.bus.Error(err)
		return
	}
	s.eventsOut++
	s.bytesOut += n
}

func (s *Stdout) flushStats() {
	s.mu.Lock()
	stats := logbus.Stats{"events_out": s.eventsOut, "bytes_out": s.bytesOut}
	s.eventsOut, s.bytesOut = 0, 0
	s.mu.Unlock()
	s.bus.Stats(stats)
}

// newByteLimiter returns a limiter admitting maxMbps mebibytes per second.
func newByteLimiter(maxMbps float64) *rate.Limiter {
	bps := maxMbps * (1 << 20)
	return rate.NewLimiter(rate.Limit(bps), max(int(bps), 1))
}

// waitReady blocks until the pipeline has finished starting, so a finite
// input does not request shutdown while downstream stages are still starting.
func waitReady(bus *logbus.Bus) {
	for !bus.Ready() {
		bus.Logger().Debug().Msg("waiting for pipeline to fully start before stopping")
		time.Sleep(100 * time.Millisecond)
	}
}
