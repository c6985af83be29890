package logbus_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logbus "github.com/synoptiq/go-logbus"
)

func nopFactory(map[string]any, *logbus.Bus) (logbus.Plugin, error) {
	return struct{}{}, nil
}

func TestRegistry(t *testing.T) {
	reg := logbus.NewRegistry()
	require.NoError(t, reg.Register("b", nopFactory))
	require.NoError(t, reg.Register("a", nopFactory))

	err := reg.Register("a", nopFactory)
	assert.ErrorIs(t, err, logbus.ErrDuplicateModule)
	assert.Panics(t, func() { reg.MustRegister("b", nopFactory) })

	_, ok := reg.Lookup("a")
	assert.True(t, ok)
	_, ok = reg.Lookup("c")
	assert.False(t, ok)
	assert.Equal(t, []string{"a", "b"}, reg.Modules())
}

type decodeTarget struct {
	Path     string   `yaml:"path"     validate:"required"`
	MaxMbps  float64  `yaml:"maxMbps"  validate:"gt=0"`
	Fields   []string `yaml:"fields"`
	Optional bool     `yaml:"optional"`
}

func TestDecodeConfig(t *testing.T) {
	cfg := decodeTarget{MaxMbps: 100}
	err := logbus.DecodeConfig(map[string]any{
		"path":   "/tmp/out.log",
		"fields": []any{"a", "b"},
	}, &cfg)
	require.NoError(t, err)
	assert.Equal(t, decodeTarget{Path: "/tmp/out.log", MaxMbps: 100, Fields: []string{"a", "b"}}, cfg)

	cfg = decodeTarget{MaxMbps: 100}
	assert.Error(t, logbus.DecodeConfig(nil, &cfg), "path is required")

	cfg = decodeTarget{}
	assert.Error(t, logbus.DecodeConfig(map[string]any{"path": "x", "maxMbps": -1}, &cfg))

	cfg = decodeTarget{MaxMbps: 1}
	assert.Error(t, logbus.DecodeConfig(map[string]any{"path": "x", "maxMbps": "fast"}, &cfg))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, logbus.ExitSuccess},
		{"config", logbus.NewConfigError(map[string]error{"a": logbus.ErrUnknownModule}), logbus.ExitConfig},
		{"validation", logbus.NewValidationError(map[string]logbus.Reason{"a": logbus.ReasonDeadEnd}), logbus.ExitConfig},
		{"cycle", &logbus.CycleError{Cycle: []string{"a", "b", "a"}}, logbus.ExitConfig},
		{"factory panic", logbus.NewConfigError(map[string]error{"a": &logbus.PanicError{Stage: "a", Value: "x"}}), logbus.ExitConfig},
		{"timeout", &logbus.ShutdownTimeoutError{Pending: map[string][]string{"a": nil}}, logbus.ExitTimeout},
		{"start", logbus.NewStartError("a", errors.New("boom")), logbus.ExitStart},
		{"panic", errors.Join(&logbus.PanicError{Value: "boom"}, nil), logbus.ExitException},
		{"panic during timeout", errors.Join(&logbus.PanicError{Value: "boom"}, &logbus.ShutdownTimeoutError{}), logbus.ExitException},
		{"unknown", fmt.Errorf("wrapped: %w", errors.New("other")), logbus.ExitException},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, logbus.ExitCode(tt.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	cerr := logbus.NewConfigError(map[string]error{"b": errors.New("bad"), "a": logbus.ErrUnknownModule})
	assert.Equal(t, "failed to load 2 stages: a: unknown module; b: bad", cerr.Error())

	single := logbus.NewConfigError(map[string]error{"a": errors.New("bad")})
	assert.Equal(t, `failed to load stage "a": bad`, single.Error())

	cycle := &logbus.CycleError{Cycle: []string{"a", "b", "a"}}
	assert.Equal(t, "cycle detected in stage graph: a -> b -> a", cycle.Error())

	perr := &logbus.PanicError{Stage: "a", Value: errors.New("boom")}
	assert.Equal(t, `panic in stage "a": boom`, perr.Error())
	assert.EqualError(t, errors.Unwrap(perr), "boom")
}
