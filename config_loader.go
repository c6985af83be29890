package logbus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/maps"
	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultShutdownTimeout bounds how long shutdown may take before it is abandoned.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultWatchdogInterval is how often shutdown progress is polled.
	DefaultWatchdogInterval = time.Second

	// EnvPrefix prefixes every environment variable read into Settings.
	// Nested keys are separated by a double underscore: LOGBUS_LOG__LEVEL.
	EnvPrefix = "LOGBUS_"
)

// StageDefinition declares one stage of a pipeline.
type StageDefinition struct {
	Name         string         `yaml:"-"                      validate:"required"`     // Stage name, unique within the pipeline
	Module       string         `yaml:"module,omitempty"`                               // Plugin module id, defaults to Name
	Template     string         `yaml:"template,omitempty"`                             // "<namespace>.<template>" merged under this definition
	Config       map[string]any `yaml:"config,omitempty"`                               // Opaque plugin configuration
	InChannels   []string       `yaml:"inChannels,omitempty"   validate:"dive,required"` // Channels to subscribe to; empty makes the stage an input
	OutChannels  []string       `yaml:"outChannels"            validate:"dive,required"` // Channels to publish to; nil means plugin-declared or [Name]
	StatsChannel string         `yaml:"statsChannel,omitempty"`                         // Defaults to "stats"
	ErrChannel   string         `yaml:"errChannel,omitempty"`                           // Defaults to "errors"
}

// TemplateSource points at a YAML file of named stage templates.
type TemplateSource struct {
	Path string `yaml:"path" validate:"required"`
}

// PipelineConfig holds a parsed pipeline file.
type PipelineConfig struct {
	// Stages in declaration order.
	Stages []StageDefinition
	// Templates are the template namespaces the file referenced, already loaded.
	Templates map[string]map[string]any
}

type pipelineFile struct {
	Pipeline  yaml.Node                 `yaml:"pipeline"`
	Templates map[string]TemplateSource `yaml:"templates,omitempty" validate:"dive"`
	Settings  map[string]any            `yaml:"settings,omitempty"`
}

// LoadPipelineConfig reads and parses the pipeline file at path. Relative
// template paths are resolved against the file's directory.
func LoadPipelineConfig(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline config: %w", err)
	}
	return LoadPipelineConfigFromYAML(data, filepath.Dir(path))
}

// LoadPipelineConfigFromYAML parses a pipeline file. The "pipeline" mapping
// is read in document order so stage declaration order is preserved.
func LoadPipelineConfigFromYAML(data []byte, baseDir string) (*PipelineConfig, error) {
	var raw pipelineFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline config: %w", err)
	}
	validate := validator.New()
	if err := validate.Struct(&raw); err != nil {
		return nil, fmt.Errorf("pipeline configuration validation failed: %w", err)
	}
	if raw.Pipeline.Kind != yaml.MappingNode {
		return nil, errors.New("pipeline configuration must contain a \"pipeline\" mapping")
	}

	config := &PipelineConfig{Templates: make(map[string]map[string]any, len(raw.Templates))}
	for ns, src := range raw.Templates {
		templates, err := loadTemplates(baseDir, src.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to load templates %q: %w", ns, err)
		}
		config.Templates[ns] = templates
	}

	content := raw.Pipeline.Content
	for i := 0; i+1 < len(content); i += 2 {
		name := content[i].Value
		def, err := config.decodeStage(name, content[i+1])
		if err != nil {
			return nil, fmt.Errorf("invalid stage %q: %w", name, err)
		}
		if err := validate.Struct(def); err != nil {
			return nil, fmt.Errorf("invalid stage %q: %w", name, err)
		}
		config.Stages = append(config.Stages, *def)
	}
	return config, nil
}

// decodeStage decodes one stage body, merging it over its template if it names one.
func (c *PipelineConfig) decodeStage(name string, node *yaml.Node) (*StageDefinition, error) {
	body := make(map[string]any)
	if node.Kind != yaml.ScalarNode || node.Tag != "!!null" {
		if err := node.Decode(&body); err != nil {
			return nil, err
		}
	}
	if ref, ok := body["template"].(string); ok && ref != "" {
		base, err := c.template(ref)
		if err != nil {
			return nil, err
		}
		maps.Merge(body, base)
		body = base
	}

	data, err := yaml.Marshal(body)
	if err != nil {
		return nil, err
	}
	def := &StageDefinition{}
	if err := yaml.Unmarshal(data, def); err != nil {
		return nil, err
	}
	def.Name = name
	if def.Module == "" {
		def.Module = name
	}
	return def, nil
}

// template returns a deep copy of the template named "<namespace>.<template>".
func (c *PipelineConfig) template(ref string) (map[string]any, error) {
	ns, name, ok := strings.Cut(ref, ".")
	templates, found := c.Templates[ns]
	if !ok || !found {
		return nil, fmt.Errorf("undefined stage template: %s", ref)
	}
	tpl, ok := templates[name].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("undefined stage template: %s", ref)
	}
	return maps.Copy(tpl), nil
}

func loadTemplates(baseDir, path string) (map[string]any, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	templates := make(map[string]any)
	if err := yaml.Unmarshal(data, &templates); err != nil {
		return nil, err
	}
	return templates, nil
}

// TracingType selects the trace exporter.
type TracingType string

const (
	// TracingTypeOTLP exports spans over OTLP/gRPC.
	TracingTypeOTLP TracingType = "otlp"
	// TracingTypeNoop represents no tracing.
	TracingTypeNoop TracingType = "noop"
)

// TracingConfig holds the tracing settings.
type TracingConfig struct {
	Enabled     bool        `koanf:"enabled"`                                   // Whether spans are exported
	Type        TracingType `koanf:"type"         validate:"oneof=otlp noop"`   // Exporter type
	Endpoint    string      `koanf:"endpoint"`                                  // Collector address, e.g. localhost:4317
	ServiceName string      `koanf:"service_name" validate:"required"`          // Reported service name
}

// MetricsType selects the metrics backend.
type MetricsType string

const (
	// MetricsTypePrometheus exposes metrics for scraping.
	MetricsTypePrometheus MetricsType = "prometheus"
	// MetricsTypeLogging writes metric hooks to the log.
	MetricsTypeLogging MetricsType = "logging"
	// MetricsTypeNoop represents no metrics.
	MetricsTypeNoop MetricsType = "noop"
)

// MetricsConfig holds the metrics settings.
type MetricsConfig struct {
	Enabled bool        `koanf:"enabled"`                                           // Whether metrics are collected
	Type    MetricsType `koanf:"type"    validate:"oneof=prometheus logging noop"` // Backend type
	Address string      `koanf:"address"`                                           // Listen address of the Prometheus endpoint
}

// Settings are the runtime settings of the logbus process, layered from
// defaults, the pipeline file's "settings" section, then LOGBUS_* variables.
type Settings struct {
	Log              LogConfig     `koanf:"log"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"  validate:"gt=0"`
	WatchdogInterval time.Duration `koanf:"watchdog_interval" validate:"gt=0"`
	Metrics          MetricsConfig `koanf:"metrics"`
	Tracing          TracingConfig `koanf:"tracing"`
}

// DefaultSettings returns the settings used when nothing overrides them.
func DefaultSettings() Settings {
	return Settings{
		Log:              LogConfig{Level: "info", Format: "json"},
		ShutdownTimeout:  DefaultShutdownTimeout,
		WatchdogInterval: DefaultWatchdogInterval,
		Metrics:          MetricsConfig{Type: MetricsTypePrometheus, Address: ":9102"},
		Tracing:          TracingConfig{Type: TracingTypeOTLP, Endpoint: "localhost:4317", ServiceName: "logbus"},
	}
}

// LoadSettings layers the runtime settings. path may be empty, in which case
// only defaults and the environment are used.
func LoadSettings(path string) (*Settings, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(DefaultSettings(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		fk := koanf.New(".")
		if err := fk.Load(file.Provider(path), koanfyaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		if err := k.Merge(fk.Cut("settings")); err != nil {
			return nil, fmt.Errorf("failed to merge settings: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	settings := &Settings{}
	if err := k.Unmarshal("", settings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate checks the settings using struct tags.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("settings validation failed: %w", err)
	}
	return nil
}

// envTransformFunc maps LOGBUS_LOG__LEVEL to log.level.
func envTransformFunc(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}
