package logbus

import "errors"

// Process exit statuses.
const (
	ExitSuccess   = 0
	ExitConfig    = 1
	ExitTimeout   = 2
	ExitStart     = 21
	ExitException = 42
)

// ExitCode maps an error returned by the pipeline onto a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var (
		configErr     *ConfigError
		validationErr *ValidationError
		cycleErr      *CycleError
		startErr      *StartError
		panicErr      *PanicError
	)
	switch {
	case errors.As(err, &configErr),
		errors.As(err, &validationErr),
		errors.As(err, &cycleErr),
		errors.Is(err, ErrUnknownModule),
		errors.Is(err, ErrDuplicateStage):
		return ExitConfig
	case errors.As(err, &panicErr):
		return ExitException
	case errors.Is(err, ErrShutdownTimeout):
		return ExitTimeout
	case errors.As(err, &startErr):
		return ExitStart
	default:
		return ExitException
	}
}
