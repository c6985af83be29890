package plugins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	logbus "github.com/synoptiq/go-logbus"
)

// ErrorsConfig configures the error sink.
type ErrorsConfig struct {
	// IntervalSeconds is how often aggregated errors are emitted.
	IntervalSeconds float64 `yaml:"intervalSeconds" validate:"gt=0"`
	// StackDepth is how many wrapped causes are kept per error.
	StackDepth int `yaml:"stackDepth" validate:"gt=0"`
}

// Errors aggregates errors by stage and message and periodically emits one
// sample of each with a count, so a flood of identical errors is reported once.
type Errors struct {
	bus *logbus.Bus
	cfg ErrorsConfig

	mu     sync.Mutex
	errors map[string][][]string
	timer  *ticker
}

// NewErrors creates the error sink.
func NewErrors(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	cfg := ErrorsConfig{IntervalSeconds: 60, StackDepth: 1}
	if err := logbus.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return &Errors{bus: bus, cfg: cfg, errors: make(map[string][][]string)}, nil
}

// Start begins periodic emission.
func (e *Errors) Start(context.Context) error {
	e.timer = startTicker(e.bus, seconds(e.cfg.IntervalSeconds), e.run)
	return nil
}

// Stop emits whatever is buffered.
func (e *Errors) Stop(context.Context) error {
	e.timer.Stop()
	e.run()
	return nil
}

// OnInput implements logbus.InputHandler.
func (e *Errors) OnInput(event any, _ string) {
	stage := "unknown"
	var err error
	switch v := event.(type) {
	case *logbus.StageError:
		stage, err = v.Stage, v.OriginalError
	case error:
		err = v
	default:
		err = fmt.Errorf("%v", v)
	}
	if err == nil {
		return
	}

	lines := strings.Split(err.Error(), "\n")
	msg := fmt.Sprintf("%s: %s", stage, lines[0])
	var stack []string
	for cause := errors.Unwrap(err); cause != nil && len(stack) < e.cfg.StackDepth; cause = errors.Unwrap(cause) {
		stack = append(stack, cause.Error())
	}

	e.mu.Lock()
	e.errors[msg] = append(e.errors[msg], stack)
	e.mu.Unlock()
}

func (e *Errors) run() {
	e.mu.Lock()
	buffered := e.errors
	e.errors = make(map[string][][]string)
	e.mu.Unlock()

	messages := make([]string, 0, len(buffered))
	for msg := range buffered {
		messages = append(messages, msg)
	}
	sort.Strings(messages)

	total := 0
	for _, msg := range messages {
		stacks := buffered[msg]
		total += len(stacks)
		e.bus.Event(map[string]any{
			"message":  msg,
			"stack":    stacks[0],
			"count":    len(stacks),
			"type":     "error",
			"ts":       time.Now().UTC(),
			"severity": 3,
		})
	}
	e.bus.Stats(logbus.Stats{"errors": total})
}

// StatsConfig configures the stats sink.
type StatsConfig struct {
	// IntervalSeconds is how often aggregated stats are emitted.
	IntervalSeconds float64 `yaml:"intervalSeconds" validate:"gt=0"`
	Enable          struct {
		// Memory adds heapMB and rssMB.
		Memory bool `yaml:"memory"`
		// Rates adds per-second rates of every counter.
		Rates bool `yaml:"rates"`
	} `yaml:"enable"`
}

// statsCounters are the counters honoured on the stats channel.
var statsCounters = []string{"errors", "events_in", "events_out", "bytes_in", "bytes_out", "lines_in", "lines_out"}

// StatsSink sums the counters published by every stage and periodically emits the totals.
type StatsSink struct {
	bus *logbus.Bus
	cfg StatsConfig

	mu     sync.Mutex
	begin  time.Time
	totals map[string]float64
	timer  *ticker
}

// NewStats creates the stats sink.
func NewStats(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	cfg := StatsConfig{IntervalSeconds: 15}
	cfg.Enable.Memory = true
	if err := logbus.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	s := &StatsSink{bus: bus, cfg: cfg}
	s.reset()
	return s, nil
}

func (s *StatsSink) reset() {
	s.begin = time.Now()
	s.totals = make(map[string]float64, len(statsCounters))
}

// Start begins periodic emission.
func (s *StatsSink) Start(context.Context) error {
	s.timer = startTicker(s.bus, seconds(s.cfg.IntervalSeconds), s.run)
	return nil
}

// Stop emits the final totals.
func (s *StatsSink) Stop(context.Context) error {
	s.timer.Stop()
	s.run()
	return nil
}

// OnInput implements logbus.InputHandler.
func (s *StatsSink) OnInput(event any, _ string) {
	data, err := record(event)
	if err != nil {
		s.bus.Error(err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range statsCounters {
		if v, ok := data[name]; ok {
			if n, err := toFloat(v); err == nil {
				s.totals[name] += n
			}
		}
	}
}

func (s *StatsSink) run() {
	s.mu.Lock()
	totals := s.totals
	elapsed := time.Since(s.begin).Seconds()
	s.reset()
	s.mu.Unlock()

	out := map[string]any{"type": "stats", "ts": time.Now().UTC()}
	for _, name := range statsCounters {
		out[name] = int64(totals[name])
	}
	out["message"] = fmt.Sprintf(
		"errors[%d] events[in=%d out=%d] lines[in=%d out=%d] mbytes[in=%d out=%d]",
		int64(totals["errors"]), int64(totals["events_in"]), int64(totals["events_out"]),
		int64(totals["lines_in"]), int64(totals["lines_out"]),
		int64(totals["bytes_in"])>>20, int64(totals["bytes_out"])>>20,
	)
	if s.cfg.Enable.Memory {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		out["heapMB"] = mem.HeapAlloc >> 20
		out["rssMB"] = mem.Sys >> 20
	}
	if s.cfg.Enable.Rates && elapsed > 0 {
		rates := make(map[string]any, len(statsCounters))
		for _, name := range statsCounters {
			rates[name] = totals[name] / elapsed
		}
		out["rate"] = rates
	}
	s.bus.Event(out)
}

// LogConfig configures the log output.
type LogConfig struct {
	// DefaultLevel applies to events carrying neither level nor severity.
	DefaultLevel string `yaml:"defaultLevel"`
	// Extra fields are attached to every log line; event fields take precedence.
	Extra map[string]any `yaml:"extra"`
}

// Log writes record events through the stage logger. It emits nothing.
type Log struct {
	bus          *logbus.Bus
	defaultLevel any
	extra        map[string]any
	hostname     string
}

// NewLog creates a Log plugin.
func NewLog(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	cfg := LogConfig{DefaultLevel: "info"}
	if err := logbus.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	hostname, _ := os.Hostname()
	return &Log{bus: bus, defaultLevel: cfg.DefaultLevel, extra: cfg.Extra, hostname: hostname}, nil
}

// OutChannels declares the stage a terminal output.
func (l *Log) OutChannels() []string { return []string{} }

// OnInput implements logbus.InputHandler.
func (l *Log) OnInput(event any, _ string) {
	data, err := record(event)
	if err != nil {
		l.bus.Error(err)
		return
	}
	fields := make(map[string]any, len(l.extra)+len(data)+1)
	for k, v := range l.extra {
		fields[k] = v
	}
	for k, v := range data {
		fields[k] = v
	}
	if _, ok := fields["hostname"]; !ok {
		fields["hostname"] = l.hostname
	}

	message, _ := data["msg"].(string)
	if message == "" {
		message, _ = data["message"].(string)
	}
	level := fields["level"]
	if level == nil {
		level = fields["severity"]
	}
	if level == nil {
		level = l.defaultLevel
	}
	delete(fields, "message")
	delete(fields, "msg")
	delete(fields, "level")

	l.bus.Logger().WithLevel(eventLevel(level)).Fields(fields).Msg(message)
}

// eventLevel maps names, bunyan levels (10-60) and syslog severities (1-7) to a zerolog level.
func eventLevel(level any) zerolog.Level {
	switch v := level.(type) {
	case string:
		switch strings.ToLower(v) {
		case "trace":
			return zerolog.TraceLevel
		case "debug":
			return zerolog.DebugLevel
		case "info", "notice":
			return zerolog.InfoLevel
		case "warn", "warning":
			return zerolog.WarnLevel
		case "error", "err":
			return zerolog.ErrorLevel
		case "fatal", "crit", "alert", "emerg":
			return zerolog.FatalLevel
		default:
			return zerolog.ErrorLevel
		}
	case int:
		return numericLevel(v)
	case int64:
		return numericLevel(int(v))
	case float64:
		return numericLevel(int(v))
	default:
		return zerolog.InfoLevel
	}
}

func numericLevel(n int) zerolog.Level {
	switch n {
	case 10, 7:
		return zerolog.TraceLevel
	case 20, 6:
		return zerolog.DebugLevel
	case 30, 5:
		return zerolog.InfoLevel
	case 40, 4:
		return zerolog.WarnLevel
	case 50, 3:
		return zerolog.ErrorLevel
	case 60, 1, 2:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
