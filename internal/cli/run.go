// Package cli implements the eventum subcommands.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/eventum-io/eventum/internal/config"
	"github.com/eventum-io/eventum/internal/observability"
	"github.com/eventum-io/eventum/internal/pipeline"
	"github.com/eventum-io/eventum/internal/secrets"
)

// ErrPartialFailure marks a run that completed but lost events to
// render skips or delivery drops. Mapped to its own exit code so
// callers can tell it from a fatal failure.
var ErrPartialFailure = errors.New("completed with partial failures")

// RunRun executes `eventum run <config-path>`.
func RunRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	timeMode := fs.String("time-mode", "", "override the configured time mode (live or sample)")
	metricsAddr := fs.String("metrics-addr", "", "serve Prometheus metrics and health endpoints on this address")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error (or EVENTUM_LOG_LEVEL)")
	watch := fs.Bool("watch", false, "restart the pipeline when the configuration file changes")
	fs.Usage = func() {
		fmt.Fprintln(fs.Output(), "Usage: eventum run [flags] <config-path>")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("run: exactly one config path is required")
	}
	path := fs.Arg(0)

	logger := observability.NewLogger("eventum", observability.GetLogLevel(*logLevel))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)
	health := observability.NewHealthServer()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		mux.Handle("/", health.Handler())
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", *metricsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	r := &runner{
		path:     path,
		timeMode: *timeMode,
		logger:   logger,
		metrics:  metrics,
		health:   health,
	}
	if *watch {
		return r.runWatched(ctx)
	}
	return r.runOnce(ctx)
}

type runner struct {
	path     string
	timeMode string
	logger   *slog.Logger
	metrics  *observability.Metrics
	health   *observability.HealthServer

	partial bool
}

// runOnce loads the config, runs the pipeline to completion and folds
// the summary into the exit status.
func (r *runner) runOnce(ctx context.Context) error {
	if _, err := r.run(ctx, nil); err != nil {
		return err
	}
	if r.partial {
		return ErrPartialFailure
	}
	return nil
}

// run executes a single pipeline lifetime. A non-nil restart channel
// stops the pipeline early when it fires; the bool reports whether
// that happened.
func (r *runner) run(ctx context.Context, restart <-chan struct{}) (bool, error) {
	cfg, err := config.Load(r.path, secrets.Env{})
	if err != nil {
		return false, err
	}
	p, err := pipeline.New(cfg, pipeline.Options{
		Logger:   r.logger,
		Metrics:  r.metrics,
		TimeMode: r.timeMode,
	})
	if err != nil {
		return false, err
	}

	var restarted atomic.Bool
	if restart != nil {
		done := make(chan struct{})
		defer close(done)
		go func() {
			select {
			case <-restart:
				restarted.Store(true)
				p.Stop()
			case <-done:
			}
		}()
	}

	r.health.SetReady(true)
	sum, err := p.Run(ctx)
	r.health.SetReady(false)
	if err != nil {
		return restarted.Load(), err
	}
	if sum.Partial {
		r.partial = true
	}
	return restarted.Load(), nil
}

// runWatched reruns the pipeline whenever the config file changes,
// until the context is cancelled.
func (r *runner) runWatched(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// Watch the directory: editors replace files on save, which
	// breaks a watch on the file itself.
	if err := watcher.Add(filepath.Dir(r.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(r.path), err)
	}

	target := filepath.Base(r.path)
	restart := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				r.logger.Info("configuration changed, restarting", "path", r.path)
				select {
				case restart <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Error("config watcher error", "error", err)
			}
		}
	}()

	for {
		restarted, err := r.run(ctx, restart)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			break
		}
		if restarted {
			continue
		}
		// The pipeline finished on its own (finite source); wait for a
		// change before the next run.
		select {
		case <-restart:
		case <-ctx.Done():
			if r.partial {
				return ErrPartialFailure
			}
			return nil
		}
	}
	if r.partial {
		return ErrPartialFailure
	}
	return nil
}
