package plugins_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logbus "github.com/synoptiq/go-logbus"
	"github.com/synoptiq/go-logbus/plugins"
)

func TestPass(t *testing.T) {
	tb := newTestbed(t, transform("pass", nil))
	tb.send("a", map[string]any{"b": 1})
	assert.Equal(t, []any{"a", map[string]any{"b": 1}}, tb.out.all())
}

func TestKeep(t *testing.T) {
	tb := newTestbed(t, transform("keep", map[string]any{
		"fields": map[string]any{
			"host": []any{"hostname", "host"},
			"msg":  "message",
		},
	}))

	tb.send(
		map[string]any{"host": "web-1", "message": "hi", "pid": 7},
		map[string]any{"hostname": "web-2", "host": "ignored", "message": nil},
		"not a record",
	)

	assert.Equal(t, []any{
		map[string]any{"host": "web-1", "msg": "hi"},
		map[string]any{"host": "web-2", "msg": nil},
	}, tb.out.all())
	assert.Len(t, tb.errorMessages(), 1)
}

func TestKeepRequiresFields(t *testing.T) {
	_, err := plugins.NewKeep(map[string]any{}, nil)
	assert.Error(t, err)
	_, err = plugins.NewKeep(map[string]any{"fields": map[string]any{"a": 1}}, nil)
	assert.Error(t, err)
}

func TestDrop(t *testing.T) {
	tb := newTestbed(t, transform("drop", map[string]any{"fields": []any{"pid", "secret"}}))
	src := map[string]any{"msg": "hi", "pid": 7, "secret": "x"}
	tb.send(src)

	assert.Equal(t, []any{map[string]any{"msg": "hi"}}, tb.out.all())
	assert.Len(t, src, 3, "input must not be mutated")
}

func TestRename(t *testing.T) {
	tb := newTestbed(t, transform("rename", map[string]any{"fields": map[string]any{"msg": "message", "absent": "x"}}))
	src := map[string]any{"msg": "hi", "pid": 7}
	tb.send(src)

	assert.Equal(t, []any{map[string]any{"message": "hi", "pid": 7}}, tb.out.all())
	assert.Equal(t, map[string]any{"msg": "hi", "pid": 7}, src)
}

func TestCast(t *testing.T) {
	tb := newTestbed(t, transform("cast", map[string]any{
		"fields": map[string]any{
			"pid":     "int",
			"load":    "float",
			"ok":      "bool",
			"ts":      "ts-msec",
			"started": "ts-sec",
		},
	}))

	tb.send(map[string]any{
		"pid":     "42",
		"load":    "0.5",
		"ok":      "true",
		"ts":      1500,
		"started": "1.25",
		"other":   "untouched",
	})

	require.Len(t, tb.out.all(), 1)
	assert.Equal(t, map[string]any{
		"pid":     int64(42),
		"load":    0.5,
		"ok":      true,
		"ts":      time.Unix(1, 500*int64(time.Millisecond)).UTC(),
		"started": time.Unix(1, 250*int64(time.Millisecond)).UTC(),
		"other":   "untouched",
	}, tb.out.all()[0])
}

func TestCastFailureReportsError(t *testing.T) {
	tb := newTestbed(t, transform("cast", map[string]any{"fields": map[string]any{"pid": "int"}}))
	tb.send(map[string]any{"pid": "forty-two"})

	assert.Empty(t, tb.out.all())
	require.Len(t, tb.errorMessages(), 1)
	assert.Contains(t, tb.errorMessages()[0], "cast pid")
}

func TestCastRejectsUnknownType(t *testing.T) {
	_, err := plugins.NewCast(map[string]any{"fields": map[string]any{"pid": "uint128"}}, nil)
	assert.Error(t, err)
}

func TestRegistryHoldsStandardPlugins(t *testing.T) {
	reg := plugins.NewRegistry()
	assert.Equal(t, []string{
		"cast", "drop", logbus.ErrorsModule, "file-in", "file-out", "json-in", "json-out", "keep",
		"lines", "log", "pass", "rename", "sample", "sql", logbus.StatsModule, "stdin", "stdout",
		"throttle", "yaml-in", "yaml-out",
	}, reg.Modules())
	assert.Error(t, plugins.Register(reg))
}
