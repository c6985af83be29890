package plugins

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	logbus "github.com/synoptiq/go-logbus"
	"golang.org/x/time/rate"
)

const readChunkSize = 64 << 10

// FileInConfig configures the file input.
type FileInConfig struct {
	// Globs select the files to read; "**" matches across directories.
	Globs []string `yaml:"globs" validate:"required,min=1,dive,required"`
	// MaxMbps throttles reading of each file, in mebibytes per second.
	MaxMbps float64 `yaml:"maxMbps" validate:"gt=0"`
	// StopOnEOF requests a pipeline shutdown once every file has been read.
	StopOnEOF bool `yaml:"stopOnEOF"`
}

// FileIn reads every file matching its globs once, at startup, emitting the
// contents as text chunks. Use the lines plugin downstream to split them.
type FileIn struct {
	bus *logbus.Bus
	cfg FileInConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	failed []error
}

// NewFileIn creates a FileIn plugin.
func NewFileIn(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	cfg := FileInConfig{MaxMbps: 100, StopOnEOF: true}
	if err := logbus.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	for _, pattern := range cfg.Globs {
		if !doublestar.ValidatePathPattern(pattern) {
			return nil, fmt.Errorf("file-in: invalid glob %q", pattern)
		}
	}
	return &FileIn{bus: bus, cfg: cfg}, nil
}

// Start expands the globs and begins reading every matched file.
func (f *FileIn) Start(context.Context) error {
	seen := make(map[string]struct{})
	var paths []string
	for _, pattern := range f.cfg.Globs {
		matches, err := doublestar.FilepathGlob(pattern, doublestar.WithFilesOnly())
		if err != nil {
			return fmt.Errorf("file-in: %w", err)
		}
		for _, path := range matches {
			if _, dup := seen[path]; !dup {
				seen[path] = struct{}{}
				paths = append(paths, path)
			}
		}
	}
	if len(paths) == 0 {
		f.bus.Logger().Warn().Strs("globs", f.cfg.Globs).Msg("no files matched")
	}

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	f.wg.Add(len(paths))
	for _, path := range paths {
		f.bus.Go(func() {
			defer f.wg.Done()
			f.readFile(ctx, path)
		})
	}
	f.bus.Go(func() {
		f.wg.Wait()
		if f.cfg.StopOnEOF && ctx.Err() == nil {
			waitReady(f.bus)
			f.bus.Shutdown("end of all files")
		}
	})
	return nil
}

// Stop abandons any files still being read.
func (f *FileIn) Stop(context.Context) error {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
	return nil
}

// HealthStatus reports every file that could not be read.
func (f *FileIn) HealthStatus(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return errors.Join(f.failed...)
}

func (f *FileIn) fail(err error) {
	f.mu.Lock()
	f.failed = append(f.failed, err)
	f.mu.Unlock()
	f.bus.Error(err)
}

func (f *FileIn) readFile(ctx context.Context, path string) {
	file, err := os.Open(path)
	if err != nil {
		f.fail(err)
		return
	}
	defer file.Close()

	limiter := newByteLimiter(f.cfg.MaxMbps)
	buf := make([]byte, min(readChunkSize, limiter.Burst()))
	for {
		n, err := file.Read(buf)
		if n > 0 {
			if werr := waitBytes(ctx, limiter, n); werr != nil {
				return
			}
			f.bus.Event(string(buf[:n]))
			f.bus.Stats(logbus.Stats{"bytes_in": n})
		}
		if errors.Is(err, io.EOF) {
			f.bus.Logger().Info().Str("path", path).Msg("finished")
			return
		}
		if err != nil {
			f.fail(fmt.Errorf("file-in %s: %w", path, err))
			return
		}
	}
}

func waitBytes(ctx context.Context, limiter *rate.Limiter, n int) error {
	return limiter.WaitN(ctx, min(n, limiter.Burst()))
}

// FileOutConfig configures the file output.
type FileOutConfig struct {
	// Path is truncated at start and receives every text event.
	Path string `yaml:"path" validate:"required"`
}

// FileOut writes text events to a file.
type FileOut struct {
	bus  *logbus.Bus
	path string

	mu   sync.Mutex
	file *os.File
}

// NewFileOut creates a FileOut plugin.
func NewFileOut(config map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
	var cfg FileOutConfig
	if err := logbus.DecodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	return &FileOut{bus: bus, path: cfg.Path}, nil
}

// OutChannels declares the stage a terminal output.
func (f *FileOut) OutChannels() []string { return []string{} }

// Start creates or truncates the file.
func (f *FileOut) Start(context.Context) error {
	file, err := os.Create(f.path)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.file = file
	f.mu.Unlock()
	return nil
}

// Stop closes the file. Writes are synchronous so none are outstanding.
func (f *FileOut) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}

// HealthStatus reports whether the file is open for writing.
func (f *FileOut) HealthStatus(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return fmt.Errorf("file-out %s: file is not open", f.path)
	}
	return nil
}

// OnInput implements logbus.InputHandler.
func (f *FileOut) OnInput(event any, _ string) {
	txt, err := text(event)
	if err != nil {
		f.bus.Error(err)
		return
	}
	f.mu.Lock()
	if f.file == nil {
		f.mu.Unlock()
		f.bus.Errorf("file-out %s: file is not open", f.path)
		return
	}
	n, err := f.file.WriteString(txt)
	f.mu.Unlock()
	if err != nil {
		f.bus.Error(err)
		return
	}
	f.bus.Stats(logbus.Stats{"events_out": 1, "bytes_out": n})
}
