package logbus_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logbus "github.com/synoptiq/go-logbus"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadPipelineConfigPreservesOrder(t *testing.T) {
	config, err := logbus.LoadPipelineConfigFromYAML([]byte(`
pipeline:
  zeta:
    module: stdin
  alpha:
    module: lines
    inChannels: [zeta]
  mid:
    inChannels: [alpha]
    outChannels: []
    statsChannel: metrics
    errChannel: problems
    config:
      delimiter: ","
`), ".")
	require.NoError(t, err)
	require.Len(t, config.Stages, 3)

	names := []string{config.Stages[0].Name, config.Stages[1].Name, config.Stages[2].Name}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, names)

	assert.Equal(t, "stdin", config.Stages[0].Module)
	assert.Nil(t, config.Stages[0].OutChannels)
	assert.Equal(t, []string{"zeta"}, config.Stages[1].InChannels)

	mid := config.Stages[2]
	assert.Equal(t, "mid", mid.Module)
	assert.NotNil(t, mid.OutChannels)
	assert.Empty(t, mid.OutChannels)
	assert.Equal(t, "metrics", mid.StatsChannel)
	assert.Equal(t, "problems", mid.ErrChannel)
	assert.Equal(t, map[string]any{"delimiter": ","}, mid.Config)
}

func TestLoadPipelineConfigTemplates(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "templates.yml", `
tail:
  module: file-in
  outChannels: [raw]
  config:
    maxMbps: 10
    stopOnEOF: false
`)
	path := writeFile(t, dir, "pipeline.yml", `
templates:
  common:
    path: templates.yml
pipeline:
  access:
    template: common.tail
    config:
      globs: [/var/log/access.log]
      stopOnEOF: true
  out:
    module: stdout
    inChannels: [raw]
`)

	config, err := logbus.LoadPipelineConfig(path)
	require.NoError(t, err)
	require.Len(t, config.Stages, 2)

	access := config.Stages[0]
	assert.Equal(t, "file-in", access.Module)
	assert.Equal(t, []string{"raw"}, access.OutChannels)
	assert.Equal(t, map[string]any{
		"maxMbps":   10,
		"stopOnEOF": true,
		"globs":     []any{"/var/log/access.log"},
	}, access.Config)
	assert.Contains(t, config.Templates, "common")
}

func TestLoadPipelineConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing pipeline", "settings: {}\n"},
		{"pipeline is a list", "pipeline: [a, b]\n"},
		{"undefined template", "pipeline:\n  a:\n    template: nope.tpl\n"},
		{"template without namespace", "pipeline:\n  a:\n    template: tpl\n"},
		{"empty channel name", "pipeline:\n  a:\n    inChannels: ['']\n"},
		{"malformed", "pipeline: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := logbus.LoadPipelineConfigFromYAML([]byte(tt.yaml), ".")
			assert.Error(t, err)
		})
	}
}

func TestLoadSettingsDefaults(t *testing.T) {
	settings, err := logbus.LoadSettings("")
	require.NoError(t, err)
	assert.Equal(t, logbus.DefaultSettings(), *settings)
}

func TestLoadSettingsLayering(t *testing.T) {
	path := writeFile(t, t.TempDir(), "pipeline.yml", `
settings:
  shutdown_timeout: 30s
  log:
    level: debug
  metrics:
    enabled: true
    address: ":9200"
pipeline:
  a: {}
`)
	t.Setenv("LOGBUS_LOG__LEVEL", "warn")
	t.Setenv("LOGBUS_TRACING__SERVICE_NAME", "edge-shipper")

	settings, err := logbus.LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, settings.ShutdownTimeout)
	assert.Equal(t, logbus.DefaultWatchdogInterval, settings.WatchdogInterval)
	assert.Equal(t, "warn", settings.Log.Level)
	assert.Equal(t, "json", settings.Log.Format)
	assert.True(t, settings.Metrics.Enabled)
	assert.Equal(t, ":9200", settings.Metrics.Address)
	assert.Equal(t, "edge-shipper", settings.Tracing.ServiceName)
}

func TestLoadSettingsValidation(t *testing.T) {
	t.Setenv("LOGBUS_LOG__FORMAT", "xml")
	_, err := logbus.LoadSettings("")
	assert.Error(t, err)
}

func TestNewLoggerLevels(t *testing.T) {
	logger := logbus.NewLogger(logbus.LogConfig{Level: "warn", Format: "json"}, os.Stderr)
	assert.Equal(t, "warn", logger.GetLevel().String())
	assert.Equal(t, "info", logbus.ParseLevel("bogus").String())
	assert.Equal(t, "warn", logbus.ParseLevel("WARNING").String())
}
