package logbus

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Error types for specific failure scenarios in pipeline orchestration

var (
	// ErrUnknownModule is returned when a stage names a module no factory is registered for.
	ErrUnknownModule = errors.New("unknown module")
	// ErrDuplicateStage is returned when two stage definitions share a name.
	ErrDuplicateStage = errors.New("duplicate stage name")
	// ErrDuplicateModule is returned when a module id is registered twice.
	ErrDuplicateModule = errors.New("module already registered")
	// ErrPipelineAlreadyStarted is returned when Start is called more than once.
	ErrPipelineAlreadyStarted = errors.New("pipeline already started")
	// ErrPipelineNotStarted is returned when an operation requires a started pipeline.
	ErrPipelineNotStarted = errors.New("pipeline not started")
	// ErrShutdownTimeout is matched by ShutdownTimeoutError via errors.Is.
	ErrShutdownTimeout = errors.New("timed out waiting for pipeline to shut down")
)

// StageError tags an error with the stage that produced it. Errors published
// through Bus.Error are always wrapped in a StageError.
type StageError struct {
	// Stage is the name of the stage where the error occurred
	Stage string
	// OriginalError is the underlying error that occurred
	OriginalError error
}

// Error implements the error interface for StageError.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %q: %v", e.Stage, e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *StageError) Unwrap() error {
	return e.OriginalError
}

// NewStageError creates a new StageError with the provided details.
func NewStageError(stage string, err error) *StageError {
	return &StageError{
		Stage:         stage,
		OriginalError: err,
	}
}

// ConfigError collects every stage that could not be loaded from its definition.
type ConfigError struct {
	// Stages maps stage names to the reason they failed to load
	Stages map[string]error
}

// Error implements the error interface for ConfigError.
func (e *ConfigError) Error() string {
	names := sortedKeys(e.Stages)
	if len(names) == 1 {
		return fmt.Sprintf("failed to load stage %q: %v", names[0], e.Stages[names[0]])
	}
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Stages[name]))
	}
	return fmt.Sprintf("failed to load %d stages: %s", len(names), strings.Join(parts, "; "))
}

// Unwrap exposes the per-stage errors to errors.Is and errors.As.
func (e *ConfigError) Unwrap() []error {
	errs := make([]error, 0, len(e.Stages))
	for _, name := range sortedKeys(e.Stages) {
		errs = append(errs, e.Stages[name])
	}
	return errs
}

// NewConfigError creates a new ConfigError with the provided failed stages.
func NewConfigError(stages map[string]error) *ConfigError {
	return &ConfigError{Stages: stages}
}

// ValidationError reports the stages that make a pipeline graph invalid.
type ValidationError struct {
	// Stages maps each offending stage name to its classification (DEADEND or UNDEFINED)
	Stages map[string]Reason
}

// Error implements the error interface for ValidationError.
func (e *ValidationError) Error() string {
	names := sortedKeys(e.Stages)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%s", name, e.Stages[name]))
	}
	return "invalid stages: " + strings.Join(parts, ", ")
}

// NewValidationError creates a new ValidationError.
func NewValidationError(stages map[string]Reason) *ValidationError {
	return &ValidationError{Stages: stages}
}

// CycleError is returned when the stage graph contains a loop.
type CycleError struct {
	// Cycle lists the stage names forming the loop; the first name is repeated at the end
	Cycle []string
}

// Error implements the error interface for CycleError.
func (e *CycleError) Error() string {
	return "cycle detected in stage graph: " + strings.Join(e.Cycle, " -> ")
}

// StartError occurs when a stage's start hook fails.
type StartError struct {
	// Stage is the name of the stage that failed to start
	Stage string
	// OriginalError is the error returned by the start hook
	OriginalError error
}

// Error implements the error interface for StartError.
func (e *StartError) Error() string {
	return fmt.Sprintf("failed to start pipeline: stage %q: %v", e.Stage, e.OriginalError)
}

// Unwrap returns the underlying error for compatibility with errors.Is and errors.As.
func (e *StartError) Unwrap() error {
	return e.OriginalError
}

// NewStartError creates a new StartError with the provided details.
func NewStartError(stage string, err error) *StartError {
	return &StartError{Stage: stage, OriginalError: err}
}

// ShutdownTimeoutError occurs when stages have not all stopped before the shutdown deadline.
type ShutdownTimeoutError struct {
	// Timeout is the deadline that elapsed
	Timeout time.Duration
	// Pending maps every stage that never reported stopped to the upstream
	// stages it was still waiting on (empty when it was waiting on itself)
	Pending map[string][]string
}

// Error implements the error interface for ShutdownTimeoutError.
func (e *ShutdownTimeoutError) Error() string {
	names := sortedKeys(e.Pending)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s waiting on %s", name, waitingOnLabel(e.Pending[name])))
	}
	return fmt.Sprintf("%v after %s: %s", ErrShutdownTimeout, e.Timeout, strings.Join(parts, "; "))
}

// Is reports whether target is ErrShutdownTimeout.
func (e *ShutdownTimeoutError) Is(target error) bool {
	return target == ErrShutdownTimeout
}

// PanicError wraps a value recovered from a panic in plugin or orchestration code.
type PanicError struct {
	// Stage is the stage whose code panicked, empty when unknown
	Stage string
	// Value is the recovered panic value
	Value any
}

// Error implements the error interface for PanicError.
func (e *PanicError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("panic in stage %q: %v", e.Stage, e.Value)
	}
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap returns the panic value when it is itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

func waitingOnLabel(names []string) string {
	if len(names) == 0 {
		return "SELF"
	}
	return strings.Join(names, ",")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
