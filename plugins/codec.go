package plugins

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	logbus "github.com/synoptiq/go-logbus"
	"gopkg.in/yaml.v3"
)

// LinesConfig configures the lines parser.
type LinesConfig struct {
	// MaxSize truncates longer lines to this many bytes.
	MaxSize int `yaml:"maxSize" validate:"gt=0"`
}

// Lines splits text into lines. A trailing partial line is held until more
// text arrives, or emitted when the stage stops.
type Lines struct {
	bus     *logbus.Bus
	maxSize int

	mu     sync.Mutex
	buffer string
}

// NewLines creates a Lines plugin.
func NewLines(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	cfg := LinesConfig{MaxSize: 64 << 10}
	if err := logbus.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return &Lines{bus: bus, maxSize: cfg.MaxSize}, nil
}

// OnInput implements logbus.InputHandler.
func (l *Lines) OnInput(event any, _ string) {
	txt, err := text(event)
	if err != nil {
		l.bus.Error(err)
		return
	}
	l.mu.Lock()
	lines := strings.Split(l.buffer+txt, "\n")
	l.buffer = lines[len(lines)-1]
	lines = lines[:len(lines)-1]
	l.mu.Unlock()

	for _, line := range lines {
		l.emit(line)
	}
	l.bus.Stats(logbus.Stats{"lines_in": len(lines)})
}

// Stop emits any buffered partial line.
func (l *Lines) Stop(context.Context) error {
	l.mu.Lock()
	rest := l.buffer
	l.buffer = ""
	l.mu.Unlock()
	if rest != "" {
		l.emit(rest)
		l.bus.Stats(logbus.Stats{"lines_in": 1})
	}
	return nil
}

func (l *Lines) emit(line string) {
	line = strings.TrimSuffix(line, "\r")
	if len(line) > l.maxSize {
		line = line[:l.maxSize]
	}
	if line != "" {
		l.bus.Event(line)
	}
}

// JSONIn parses JSON text into values.
type JSONIn struct {
	bus *logbus.Bus
}

// NewJSONIn creates a JSONIn plugin. It takes no configuration.
func NewJSONIn(_ map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	return &JSONIn{bus: bus}, nil
}

// OnInput implements logbus.InputHandler.
func (j *JSONIn) OnInput(event any, _ string) {
	txt, err := text(event)
	if err != nil {
		j.bus.Error(err)
		return
	}
	var v any
	if err := json.Unmarshal([]byte(txt), &v); err != nil {
		j.bus.Errorf("json-in: %w", err)
		return
	}
	j.bus.Event(v)
}

// JSONOutConfig configures the JSON serializer.
type JSONOutConfig struct {
	// Indent is a number of spaces or a literal indent string; unset means compact.
	Indent any `yaml:"indent"`
	// Delimiter is appended to every document.
	Delimiter string `yaml:"delimiter"`
}

// JSONOut serializes values as JSON text.
type JSONOut struct {
	bus       *logbus.Bus
	indent    string
	delimiter string
}

// NewJSONOut creates a JSONOut plugin.
func NewJSONOut(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	cfg := JSONOutConfig{Delimiter: "\n"}
	if err := logbus.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	out := &JSONOut{bus: bus, delimiter: cfg.Delimiter}
	switch v := cfg.Indent.(type) {
	case nil:
	case int:
		out.indent = strings.Repeat(" ", v)
	case string:
		out.indent = v
	default:
		return nil, fmt.Errorf("json-out: indent must be a number or string, got %T", v)
	}
	return out, nil
}

// OnInput implements logbus.InputHandler.
func (j *JSONOut) OnInput(event any, _ string) {
	var (
		data []byte
		err  error
	)
	if j.indent == "" {
		data, err = json.Marshal(event)
	} else {
		data, err = json.MarshalIndent(event, "", j.indent)
	}
	if err != nil {
		j.bus.Errorf("json-out: %w", err)
		return
	}
	j.bus.Event(string(data) + j.delimiter)
}

// YAMLIn parses YAML documents into values.
type YAMLIn struct {
	bus *logbus.Bus
}

// NewYAMLIn creates a YAMLIn plugin. It takes no configuration.
func NewYAMLIn(_ map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	return &YAMLIn{bus: bus}, nil
}

// OnInput implements logbus.InputHandler.
func (y *YAMLIn) OnInput(event any, _ string) {
	txt, err := text(event)
	if err != nil {
		y.bus.Error(err)
		return
	}
	var v any
	if err := yaml.Unmarshal([]byte(txt), &v); err != nil {
		y.bus.Errorf("yaml-in: %w", err)
		return
	}
	y.bus.Event(v)
}

// YAMLOut serializes values as YAML documents.
type YAMLOut struct {
	bus *logbus.Bus
}

// NewYAMLOut creates a YAMLOut plugin. It takes no configuration.
func NewYAMLOut(_ map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	return &YAMLOut{bus: bus}, nil
}

// OnInput implements logbus.InputHandler.
func (y *YAMLOut) OnInput(event any, _ string) {
	data, err := yaml.Marshal(event)
	if err != nil {
		y.bus.Errorf("yaml-out: %w", err)
		return
	}
	y.bus.Event(string(data))
}
