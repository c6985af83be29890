package plugins

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	logbus "github.com/synoptiq/go-logbus"
)

// Pass emits every event unchanged.
type Pass struct {
	bus *logbus.Bus
}

// NewPass creates a Pass plugin. It takes no configuration.
func NewPass(_ map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	return &Pass{bus: bus}, nil
}

// OnInput implements logbus.InputHandler.
func (p *Pass) OnInput(event any, _ string) {
	p.bus.Event(event)
}

// KeepConfig maps each destination field to one or more source fields.
// The first source with a non-nil value wins; the destination is nil when
// no source is present.
type KeepConfig struct {
	Fields map[string]any `yaml:"fields" validate:"required,min=1"`
}

// Keep reduces records to a fixed set of fields.
type Keep struct {
	bus    *logbus.Bus
	lookup map[string][]string
}

// NewKeep creates a Keep plugin.
func NewKeep(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	var cfg KeepConfig
	if err := logbus.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	lookup := make(map[string][]string, len(cfg.Fields))
	for dst, src := range cfg.Fields {
		switch v := src.(type) {
		case string:
			lookup[dst] = []string{v}
		case []any:
			for _, field := range v {
				name, ok := field.(string)
				if !ok {
					return nil, fmt.Errorf("keep: field %q: sources must be strings", dst)
				}
				lookup[dst] = append(lookup[dst], name)
			}
		default:
			return nil, fmt.Errorf("keep: field %q: expected a string or list of strings", dst)
		}
	}
	return &Keep{bus: bus, lookup: lookup}, nil
}

// OnInput implements logbus.InputHandler.
func (k *Keep) OnInput(event any, _ string) {
	src, err := record(event)
	if err != nil {
		k.bus.Error(err)
		return
	}
	dst := make(map[string]any, len(k.lookup))
	for field, sources := range k.lookup {
		dst[field] = nil
		for _, name := range sources {
			if v, ok := src[name]; ok && v != nil {
				dst[field] = v
				break
			}
		}
	}
	k.bus.Event(dst)
}

// DropConfig lists the fields to delete.
type DropConfig struct {
	Fields []string `yaml:"fields" validate:"required,dive,required"`
}

// Drop deletes fields from records.
type Drop struct {
	bus    *logbus.Bus
	fields map[string]struct{}
}

// NewDrop creates a Drop plugin.
func NewDrop(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	var cfg DropConfig
	if err := logbus.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	fields := make(map[string]struct{}, len(cfg.Fields))
	for _, f := range cfg.Fields {
		fields[f] = struct{}{}
	}
	return &Drop{bus: bus, fields: fields}, nil
}

// OnInput implements logbus.InputHandler.
func (d *Drop) OnInput(event any, _ string) {
	src, err := record(event)
	if err != nil {
		d.bus.Error(err)
		return
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		if _, drop := d.fields[k]; !drop {
			dst[k] = v
		}
	}
	d.bus.Event(dst)
}

// RenameConfig maps old field names to new ones.
type RenameConfig struct {
	Fields map[string]string `yaml:"fields" validate:"required,min=1"`
}

// Rename renames record fields.
type Rename struct {
	bus    *logbus.Bus
	fields map[string]string
}

// NewRename creates a Rename plugin.
func NewRename(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	var cfg RenameConfig
	if err := logbus.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return &Rename{bus: bus, fields: cfg.Fields}, nil
}

// OnInput implements logbus.InputHandler. The event is copied, not mutated,
// since other subscribers of the same channel receive the same map.
func (r *Rename) OnInput(event any, _ string) {
	src, err := record(event)
	if err != nil {
		r.bus.Error(err)
		return
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	for from, to := range r.fields {
		if v, ok := src[from]; ok {
			delete(dst, from)
			dst[to] = v
		}
	}
	r.bus.Event(dst)
}

// CastConfig maps field names to a type: int, float, bool, ts-sec, ts-msec or ts-usec.
type CastConfig struct {
	Fields map[string]string `yaml:"fields" validate:"required,min=1,dive,oneof=int float bool ts-sec ts-msec ts-usec"`
}

type castFunc func(any) (any, error)

var casts = map[string]castFunc{
	"int":     castInt,
	"float":   castFloat,
	"bool":    castBool,
	"ts-sec":  castTimestamp(float64(time.Second)),
	"ts-msec": castTimestamp(float64(time.Millisecond)),
	"ts-usec": castTimestamp(float64(time.Microsecond)),
}

// Cast converts record fields to typed values.
type Cast struct {
	bus    *logbus.Bus
	fields map[string]castFunc
}

// NewCast creates a Cast plugin.
func NewCast(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	var cfg CastConfig
	if err := logbus.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	fields := make(map[string]castFunc, len(cfg.Fields))
	for field, typ := range cfg.Fields {
		fields[field] = casts[typ]
	}
	return &Cast{bus: bus, fields: fields}, nil
}

// OnInput implements logbus.InputHandler.
func (c *Cast) OnInput(event any, _ string) {
	src, err := record(event)
	if err != nil {
		c.bus.Error(err)
		return
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	for field, cast := range c.fields {
		v, ok := dst[field]
		if !ok {
			continue
		}
		converted, err := cast(v)
		if err != nil {
			c.bus.Errorf("cast %s: %w", field, err)
			return
		}
		dst[field] = converted
	}
	c.bus.Event(dst)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("cannot convert %T to a number", v)
	}
}

func castInt(v any) (any, error) {
	if s, ok := v.(string); ok {
		if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return i, nil
		}
	}
	f, err := toFloat(v)
	if err != nil {
		return nil, err
	}
	return int64(math.Trunc(f)), nil
}

func castFloat(v any) (any, error) {
	return toFloat(v)
}

func castBool(v any) (any, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed, nil
		}
		return b != "", nil
	case nil:
		return false, nil
	default:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return f != 0, nil
	}
}

func castTimestamp(unit float64) castFunc {
	return func(v any) (any, error) {
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, errors.New("timestamp is not finite")
		}
		return time.Unix(0, int64(f*unit)).UTC(), nil
	}
}
