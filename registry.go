package logbus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Factory constructs a plugin from its stage configuration. The bus is the
// plugin's only handle on the core and should be retained.
type Factory func(config map[string]any, bus *Bus) (Plugin, error)

// Registry maps module ids to plugin factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a new, empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for a module id.
// Returns an error if a factory is already registered for this id.
func (r *Registry) Register(module string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[module]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModule, module)
	}
	r.factories[module] = factory
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(module string, factory Factory) {
	if err := r.Register(module, factory); err != nil {
		panic(err)
	}
}

// Lookup retrieves the factory registered for a module id.
func (r *Registry) Lookup(module string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.factories[module]
	return factory, ok
}

// Modules returns the registered module ids, sorted.
func (r *Registry) Modules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	modules := make([]string, 0, len(r.factories))
	for module := range r.factories {
		modules = append(modules, module)
	}
	sort.Strings(modules)
	return modules
}

var configValidator = validator.New()

// DecodeConfig decodes free-form plugin configuration into out, a pointer to
// a struct with yaml tags, and validates it using its validate tags. Fields
// already set on out act as defaults.
func DecodeConfig(raw map[string]any, out any) error {
	if len(raw) > 0 {
		data, err := yaml.Marshal(raw)
		if err != nil {
			return fmt.Errorf("failed to encode plugin config: %w", err)
		}
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode plugin config: %w", err)
		}
	}
	if err := configValidator.Struct(out); err != nil {
		return fmt.Errorf("invalid plugin config: %w", err)
	}
	return nil
}
