package logbus_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logbus "github.com/synoptiq/go-logbus"
)

func TestBusErrorIsTaggedWithStage(t *testing.T) {
	h := newHarness()
	defs := []logbus.StageDefinition{stage("a", chans(), chans("x"))}
	defs[0].ErrChannel = "oops"
	p := h.pipeline(t, defs)

	var got []any
	p.Router().Subscribe("oops", func(_ string, event any) { got = append(got, event) })
	p.Router().Subscribe(logbus.DefaultErrChannel, func(string, any) {
		t.Error("error published on the default channel")
	})

	a, _ := p.Stage("a")
	cause := errors.New("bad line")
	a.Bus().Error(cause)
	a.Bus().Errorf("line %d: %w", 3, cause)
	a.Bus().Error(nil)

	require.Len(t, got, 2)
	var serr *logbus.StageError
	require.ErrorAs(t, got[0].(error), &serr)
	assert.Equal(t, "a", serr.Stage)
	assert.ErrorIs(t, got[1].(error), cause)
	assert.Equal(t, `stage "a": line 3: bad line`, got[1].(error).Error())
}

func TestBusStatsAreTaggedCopies(t *testing.T) {
	h := newHarness()
	p := h.pipeline(t, []logbus.StageDefinition{stage("a", chans(), chans("x"))})

	var got []any
	p.Router().Subscribe(logbus.DefaultStatsChannel, func(_ string, event any) { got = append(got, event) })

	a, _ := p.Stage("a")
	stats := logbus.Stats{"events_in": 5}
	a.Bus().Stats(stats)

	require.Len(t, got, 1)
	assert.Equal(t, logbus.Stats{"events_in": 5, "stage": "a"}, got[0])
	assert.NotContains(t, stats, "stage")
}

func TestBusShutdownPublishesReason(t *testing.T) {
	h := newHarness()
	p := h.pipeline(t, []logbus.StageDefinition{stage("a", chans(), chans("x"))})

	var reasons []any
	p.Router().Subscribe(logbus.ShutdownChannel, func(_ string, event any) { reasons = append(reasons, event) })

	a, _ := p.Stage("a")
	a.Bus().Shutdown("done reading")
	assert.Equal(t, []any{"done reading"}, reasons)
	assert.Equal(t, "a", a.Bus().Stage())
}

func TestBusGoRecoversPanic(t *testing.T) {
	h := newHarness()
	p := h.pipeline(t, []logbus.StageDefinition{stage("a", chans(), chans("x"))})

	reasons := make(chan any, 1)
	p.Router().Subscribe(logbus.ShutdownChannel, func(_ string, event any) { reasons <- event })

	a, _ := p.Stage("a")
	a.Bus().Go(func() { panic(errors.New("boom")) })

	select {
	case reason := <-reasons:
		assert.Equal(t, logbus.ExceptionReason, reason)
	case <-time.After(time.Second):
		t.Fatal("no shutdown requested after panic")
	}
}

func TestStoppedChannel(t *testing.T) {
	assert.Equal(t, "reader.stopped", logbus.StoppedChannel("reader"))
}
