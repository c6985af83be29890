package plugins_test

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logbus "github.com/synoptiq/go-logbus"
	"github.com/synoptiq/go-logbus/plugins"
)

// syncBuffer is a bytes.Buffer safe for concurrent use.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestReaderInputShutsDownAtEOF(t *testing.T) {
	tb := newTestbed(t,
		logbus.StageDefinition{Module: "reader", OutChannels: []string{"out"}},
		withModule("reader", plugins.NewReaderInput(strings.NewReader("one\ntwo\n\nthree"))),
	)

	tb.run(t)

	assert.Equal(t, []any{"one", "two", "", "three"}, tb.out.all())
	assert.Equal(t, "stdin closed", tb.p.Reason())
	assert.Equal(t, 4, tb.statsFor("events_in"))
	assert.Equal(t, len("one\ntwo\n\nthree\n"), tb.statsFor("bytes_in"))
}

func TestReaderInputKeepsRunningWithoutStopOnEOF(t *testing.T) {
	tb := newTestbed(t,
		logbus.StageDefinition{Module: "reader", OutChannels: []string{"out"}, Config: map[string]any{"stopOnEOF": false}},
		withModule("reader", plugins.NewReaderInput(strings.NewReader("one\n"))),
	)
	require.NoError(t, tb.p.Start(t.Context()))
	require.Eventually(t, func() bool { return tb.out.len() == 1 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, logbus.PipelineRunning, tb.p.State())
	tb.p.Shutdown("test")
	<-tb.p.Done()
	assert.Equal(t, "test", tb.p.Reason())
}

func TestWriterOutput(t *testing.T) {
	var buf syncBuffer
	tb := newTestbed(t, sink("writer", nil), withModule("writer", plugins.NewWriterOutput(&buf)))

	stage, _ := tb.p.Stage("sut")
	assert.True(t, stage.IsOutput())

	tb.start(t)
	tb.send("hello\n", []byte("world\n"), 42)
	tb.stop(t)

	assert.Equal(t, "hello\nworld\n", buf.String())
	assert.Equal(t, 2, tb.statsFor("events_out"))
	assert.Equal(t, 12, tb.statsFor("bytes_out"))
	assert.Len(t, tb.errorMessages(), 1)
}

func TestStdinRejectsBadConfig(t *testing.T) {
	_, err := newPluginErr("stdin", map[string]any{"maxMbps": 0})
	assert.Error(t, err)
}
