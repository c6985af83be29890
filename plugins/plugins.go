// Package plugins provides the standard logbus plugin set: inputs, outputs,
// parsers, serializers, field transforms, samplers and the reserved error and
// stats sinks.
//
// Every plugin is created through a logbus.Factory and talks to the pipeline
// only through the *logbus.Bus it is given. Per-event failures are reported
// with Bus.Error rather than returned or panicked.
package plugins

import (
	"fmt"
	"sync"
	"time"

	logbus "github.com/synoptiq/go-logbus"
)

// Register adds every standard plugin to reg under its module id.
func Register(reg *logbus.Registry) error {
	factories := map[string]logbus.Factory{
		"pass":     NewPass,
		"stdin":    NewStdin,
		"stdout":   NewStdout,
		"file-in":  NewFileIn,
		"file-out": NewFileOut,
		"lines":    NewLines,
		"json-in":  NewJSONIn,
		"json-out": NewJSONOut,
		"yaml-in":  NewYAMLIn,
		"yaml-out": NewYAMLOut,
		"keep":     NewKeep,
		"drop":     NewDrop,
		"rename":   NewRename,
		"cast":     NewCast,
		"sample":   NewSample,
		"throttle": NewThrottle,
		"sql":      NewSQL,
		"log":      NewLog,

		logbus.ErrorsModule: NewErrors,
		logbus.StatsModule:  NewStats,
	}
	for module, factory := range factories {
		if err := reg.Register(module, factory); err != nil {
			return err
		}
	}
	return nil
}

// NewRegistry returns a registry holding the standard plugin set.
func NewRegistry() *logbus.Registry {
	reg := logbus.NewRegistry()
	if err := Register(reg); err != nil {
		panic(err)
	}
	return reg
}

// record returns event as a field map.
func record(event any) (map[string]any, error) {
	switch v := event.(type) {
	case map[string]any:
		return v, nil
	case logbus.Stats:
		return v, nil
	default:
		return nil, fmt.Errorf("expected a record, got %T", event)
	}
}

// text returns event as a string.
func text(event any) (string, error) {
	switch v := event.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	default:
		return "", fmt.Errorf("expected text, got %T", event)
	}
}

// seconds converts a configured number of seconds to a duration.
func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ticker runs fn on a plugin goroutine every interval until stopped.
type ticker struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func startTicker(bus *logbus.Bus, interval time.Duration, fn func()) *ticker {
	t := &ticker{stop: make(chan struct{}), done: make(chan struct{})}
	bus.Go(func() {
		defer close(t.done)
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				fn()
			case <-t.stop:
				return
			}
		}
	})
	return t
}

// Stop ends the ticker and waits for a running fn to return. Safe on nil.
func (t *ticker) Stop() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.stop) })
	<-t.done
}
