package main

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	logbus "github.com/synoptiq/go-logbus"
	"github.com/synoptiq/go-logbus/plugins"
)

var accessLog = []string{
	`10.0.0.1 GET /index.html 200 512`,
	`10.0.0.2 GET /missing 404 0`,
	`garbage line`,
	`10.0.0.1 POST /login 302 128`,
	`10.0.0.3 GET /index.html 200 512`,
}

// sampleReader emits a canned access log, then asks the pipeline to stop.
type sampleReader struct {
	bus   *logbus.Bus
	lines []string
}

func (r *sampleReader) Start(context.Context) error {
	r.bus.Go(func() {
		for _, line := range r.lines {
			r.bus.Event(line)
		}
		for !r.bus.Ready() {
			time.Sleep(10 * time.Millisecond)
		}
		r.bus.Shutdown("end of sample")
	})
	return nil
}

// accessParser turns access log lines into records.
type accessParser struct {
	bus *logbus.Bus
	re  *regexp.Regexp
}

func (p *accessParser) OnInput(event any, _ string) {
	line, _ := event.(string)
	m := p.re.FindStringSubmatch(line)
	if m == nil {
		p.bus.Errorf("unparseable line: %q", line)
		return
	}
	status, _ := strconv.Atoi(m[4])
	bytes, _ := strconv.Atoi(m[5])
	p.bus.Event(map[string]any{
		"client": m[1],
		"method": m[2],
		"path":   m[3],
		"status": status,
		"bytes":  bytes,
	})
}

// consoleWriter prints records, one per line.
type consoleWriter struct {
	bus *logbus.Bus
}

func (w *consoleWriter) OutChannels() []string { return []string{} }

func (w *consoleWriter) OnInput(event any, channel string) {
	fmt.Printf("✓ %-8s %v\n", channel, event)
}

func main() {
	registry := plugins.NewRegistry()
	registry.MustRegister("sample-reader", func(_ map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
		return &sampleReader{bus: bus, lines: accessLog}, nil
	})
	registry.MustRegister("access-parser", func(_ map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
		return &accessParser{bus: bus, re: regexp.MustCompile(`^(\S+) (\S+) (\S+) (\d{3}) (\d+)$`)}, nil
	})
	registry.MustRegister("console", func(_ map[string]any, bus *logbus.Bus) (logbus.Plugin, error) {
		return &consoleWriter{bus: bus}, nil
	})

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		Level(zerolog.WarnLevel).With().Timestamp().Logger()

	p, err := logbus.NewPipeline([]logbus.StageDefinition{
		{Name: "reader", Module: "sample-reader"},
		{Name: "parser", Module: "access-parser", InChannels: []string{"reader"}},
		{Name: "summary", Module: "sql", InChannels: []string{"parser"}, Config: map[string]any{
			"query": "SELECT status, COUNT(*) AS hits, SUM(bytes) AS bytes FROM events GROUP BY status ORDER BY status",
		}},
		{Name: "writer", Module: "console", InChannels: []string{"parser", "summary"}},
		{
			Name:        "error-summary",
			Module:      logbus.ErrorsModule,
			InChannels:  []string{logbus.DefaultErrChannel},
			OutChannels: []string{"problems"},
			Config:      map[string]any{"intervalSeconds": 1},
		},
		{Name: "problems", Module: "console", InChannels: []string{"problems"}},
	}, registry,
		logbus.WithPipelineName("tail-example"),
		logbus.WithLogger(logger),
	)
	if err != nil {
		fmt.Printf("❌ failed to build pipeline: %v\n", err)
		os.Exit(logbus.ExitCode(err))
	}

	paths, err := p.Validate()
	if err != nil {
		fmt.Printf("❌ invalid pipeline: %v\n", err)
		os.Exit(logbus.ExitCode(err))
	}
	fmt.Println("Pipeline paths:")
	_ = logbus.WritePaths(os.Stdout, paths)
	fmt.Println()

	start := time.Now()
	err = p.Run(context.Background())
	fmt.Printf("\nPipeline stopped after %v (reason: %s)\n", time.Since(start).Round(time.Millisecond), p.Reason())
	if err != nil {
		fmt.Printf("❌ %v\n", err)
	}
	os.Exit(logbus.ExitCode(err))
}
