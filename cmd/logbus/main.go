// Command logbus runs a log processing pipeline described by a YAML file.
//
//	logbus [-v LEVEL] [-c|--check] [--timeout SECONDS] [--metrics-addr ADDR] <config>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	logbus "github.com/synoptiq/go-logbus"
	"github.com/synoptiq/go-logbus/plugins"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

type options struct {
	level       string
	check       bool
	timeout     float64
	metricsAddr string
	config      string
}

func parseArgs(args []string, stderr io.Writer) (*options, error) {
	opts := &options{}
	flags := flag.NewFlagSet("logbus", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintln(stderr, "usage: logbus [-v LEVEL] [-c|--check] [--timeout SECONDS] [--metrics-addr ADDR] <config>")
		flags.PrintDefaults()
	}
	flags.StringVar(&opts.level, "v", "", "log level (trace, debug, info, warn, error)")
	flags.BoolVar(&opts.check, "c", false, "print the pipeline paths and exit")
	flags.BoolVar(&opts.check, "check", false, "print the pipeline paths and exit")
	flags.Float64Var(&opts.timeout, "timeout", 0, "seconds to wait for a graceful shutdown")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "listen address of the Prometheus endpoint")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return nil, errors.New("expected exactly one config file")
	}
	opts.config = flags.Arg(0)
	return opts, nil
}

func run(args []string, stdout, stderr io.Writer) (code int) {
	opts, err := parseArgs(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return logbus.ExitSuccess
		}
		return logbus.ExitConfig
	}

	settings, err := logbus.LoadSettings(opts.config)
	if err != nil {
		fmt.Fprintf(stderr, "logbus: %v\n", err)
		return logbus.ExitConfig
	}
	applyOverrides(settings, opts)

	logger := logbus.NewLogger(settings.Log, stderr)
	cfg, err := logbus.LoadPipelineConfig(opts.config)
	if err != nil {
		logger.Error().Err(err).Str("config", opts.config).Msg("failed to load pipeline")
		return logbus.ExitConfig
	}

	observability := logbus.NewObservabilityFactory(logger)
	metrics, err := observability.CreateMetricsCollector(settings.Metrics)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create metrics collector")
		return logbus.ExitConfig
	}
	tracer, err := observability.CreateTracerProvider(settings.Tracing, settings.Tracing.ServiceName)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create tracer provider")
		return logbus.ExitConfig
	}
	if otlp, ok := tracer.(*logbus.OTLPTracerProvider); ok {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otlp.Shutdown(ctx); err != nil {
				logger.Warn().Err(err).Msg("failed to flush traces")
			}
		}()
	}

	p, err := logbus.NewPipeline(cfg.Stages, plugins.NewRegistry(),
		logbus.WithLogger(logger),
		logbus.WithMetricsCollector(metrics),
		logbus.WithTracerProvider(tracer),
		logbus.WithShutdownTimeout(settings.ShutdownTimeout),
		logbus.WithWatchdogInterval(settings.WatchdogInterval),
	)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build pipeline")
		return logbus.ExitCode(err)
	}

	if opts.check {
		return check(p, stdout, logger)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("uncaught exception")
			p.Shutdown(logbus.ExceptionReason)
			select {
			case <-p.Done():
			case <-time.After(settings.ShutdownTimeout):
			}
			code = logbus.ExitException
		}
	}()

	stopSignals := forwardSignals(p)
	defer stopSignals()

	if prom, ok := metrics.(*logbus.PrometheusMetricsCollector); ok {
		server := serveMetrics(prom, p, settings.Metrics.Address, logger)
		defer server.Close()
	}

	err = p.Run(context.Background())
	if err != nil {
		logger.Error().Err(err).Str("reason", p.Reason()).Msg("pipeline failed")
	} else {
		logger.Info().Str("reason", p.Reason()).Msg("pipeline stopped")
	}
	return logbus.ExitCode(err)
}

func applyOverrides(settings *logbus.Settings, opts *options) {
	if opts.level != "" {
		settings.Log.Level = opts.level
	}
	if opts.timeout > 0 {
		settings.ShutdownTimeout = time.Duration(opts.timeout * float64(time.Second))
	}
	if opts.metricsAddr != "" {
		settings.Metrics.Enabled = true
		settings.Metrics.Type = logbus.MetricsTypePrometheus
		settings.Metrics.Address = opts.metricsAddr
	}
}

func check(p *logbus.Pipeline, stdout io.Writer, logger zerolog.Logger) int {
	paths, err := p.Validate()
	if werr := logbus.WritePaths(stdout, paths); werr != nil {
		logger.Error().Err(werr).Msg("failed to write paths")
	}
	if err != nil {
		logger.Error().Err(err).Msg("invalid pipeline")
		return logbus.ExitConfig
	}
	return logbus.ExitSuccess
}

var signalNames = map[os.Signal]string{
	syscall.SIGINT:  "SIGINT",
	syscall.SIGQUIT: "SIGQUIT",
	syscall.SIGTERM: "SIGTERM",
}

// forwardSignals turns process signals into pipeline shutdown requests.
func forwardSignals(p *logbus.Pipeline) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigs:
				p.Shutdown(signalNames[sig])
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func serveMetrics(prom *logbus.PrometheusMetricsCollector, p *logbus.Pipeline, addr string, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())
	mux.Handle("/healthz", healthHandler(p))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info().Str("address", addr).Msg("serving metrics")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return server
}

type healthReport struct {
	Status string            `json:"status"`
	State  string            `json:"state"`
	Stages map[string]string `json:"stages"`
}

// healthHandler reports the health of every stage whose plugin checks it.
// It answers 503 when any check fails or the pipeline is not running.
func healthHandler(p *logbus.Pipeline) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := p.State()
		report := healthReport{Status: "ok", State: state.String(), Stages: make(map[string]string)}
		for name, err := range p.Health(r.Context()) {
			if err != nil {
				report.Status = "unhealthy"
				report.Stages[name] = err.Error()
			} else {
				report.Stages[name] = "ok"
			}
		}
		status := http.StatusOK
		if report.Status != "ok" || state != logbus.PipelineRunning {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})
}
