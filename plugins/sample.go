package plugins

import (
	"context"
	"errors"
	"sync"

	logbus "github.com/synoptiq/go-logbus"
	"golang.org/x/time/rate"
)

// SampleConfig configures the sampler. At least one of Nth and
// IntervalSeconds must be set; setting both applies both kinds of sampling.
type SampleConfig struct {
	// Nth emits every nth event, starting with the first.
	Nth int `yaml:"nth" validate:"omitempty,gt=0"`
	// IntervalSeconds emits the most recent event once per interval.
	IntervalSeconds float64 `yaml:"intervalSeconds" validate:"omitempty,gt=0"`
}

// Sample emits a subset of its input.
type Sample struct {
	bus *logbus.Bus
	cfg SampleConfig

	mu     sync.Mutex
	count  int
	sample any
	timer  *ticker
}

// NewSample creates a Sample plugin.
func NewSample(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	var cfg SampleConfig
	if err := logbus.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Nth == 0 && cfg.IntervalSeconds == 0 {
		return nil, errors.New("sample: undefined config: nth or intervalSeconds")
	}
	return &Sample{bus: bus, cfg: cfg}, nil
}

// Start begins interval sampling if configured.
func (s *Sample) Start(context.Context) error {
	if s.cfg.IntervalSeconds > 0 {
		s.timer = startTicker(s.bus, seconds(s.cfg.IntervalSeconds), s.run)
	}
	return nil
}

// Stop ends interval sampling.
func (s *Sample) Stop(context.Context) error {
	s.timer.Stop()
	return nil
}

// OnInput implements logbus.InputHandler.
func (s *Sample) OnInput(event any, _ string) {
	s.mu.Lock()
	s.sample = event
	emit := s.cfg.Nth > 0 && s.count%s.cfg.Nth == 0
	s.count++
	s.mu.Unlock()
	if emit {
		s.run()
	}
}

// run emits the held sample, at most once per event.
func (s *Sample) run() {
	s.mu.Lock()
	sample := s.sample
	s.sample = nil
	s.mu.Unlock()
	if sample != nil {
		s.bus.Event(sample)
	}
}

// ThrottleConfig configures the throttle.
type ThrottleConfig struct {
	EventsPerSecond float64 `yaml:"eventsPerSecond" validate:"gt=0"`
	Burst           int     `yaml:"burst"           validate:"gte=0"`
}

// Throttle drops events arriving faster than the configured rate.
type Throttle struct {
	bus     *logbus.Bus
	limiter *rate.Limiter

	mu      sync.Mutex
	dropped int
}

// NewThrottle creates a Throttle plugin. Burst defaults to one second's worth of events.
func NewThrottle(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	var cfg ThrottleConfig
	if err := logbus.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Burst == 0 {
		cfg.Burst = max(int(cfg.EventsPerSecond), 1)
	}
	return &Throttle{bus: bus, limiter: rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.Burst)}, nil
}

// OnInput implements logbus.InputHandler.
func (t *Throttle) OnInput(event any, _ string) {
	if t.limiter.Allow() {
		t.bus.Event(event)
		return
	}
	t.mu.Lock()
	t.dropped++
	t.mu.Unlock()
}

// Stop reports how many events were dropped.
func (t *Throttle) Stop(context.Context) error {
	t.mu.Lock()
	dropped := t.dropped
	t.dropped = 0
	t.mu.Unlock()
	if dropped > 0 {
		t.bus.Logger().Info().Int("dropped", dropped).Msg("throttled events")
	}
	t.bus.Stats(logbus.Stats{"dropped": dropped})
	return nil
}
