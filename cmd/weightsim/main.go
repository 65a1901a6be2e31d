package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/weightedsocket/internal/config"
	"github.com/wudi/weightedsocket/internal/logging"
	"github.com/wudi/weightedsocket/internal/metrics"
	"github.com/wudi/weightedsocket/internal/sim"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

type options struct {
	configPath   string
	scenarioPath string
	metricsPath  string
}

func main() {
	configPath := flag.String("config", "", "Path to configuration file (defaults apply when empty)")
	scenarioPath := flag.String("scenario", "", "Path to scenario file")
	metricsPath := flag.String("metrics", "", "Write Prometheus text metrics after the run to this file (- for stdout)")
	watch := flag.Bool("watch", false, "Re-run the scenario whenever the config or scenario file changes")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and scenario and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("weightsim %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if *scenarioPath == "" {
		fmt.Fprintln(os.Stderr, "-scenario is required")
		os.Exit(2)
	}
	opts := options{configPath: *configPath, scenarioPath: *scenarioPath, metricsPath: *metricsPath}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if _, err := sim.LoadScenario(opts.scenarioPath); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load scenario: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration and scenario are valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Options())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting weightsim",
		zap.String("version", version),
		zap.String("config", opts.configPath),
		zap.String("scenario", opts.scenarioPath),
		zap.String("estimator", cfg.Tracker.Estimator.Kind),
		zap.String("decay_policy", cfg.Tracker.DecayPolicy),
	)

	if err := runOnce(context.Background(), cfg, opts, os.Stdout); err != nil {
		logging.Error("Scenario failed", zap.Error(err))
		os.Exit(1)
	}

	if *watch {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if err := watchAndRun(ctx, opts, os.Stdout); err != nil {
			logging.Error("Watch failed", zap.Error(err))
			os.Exit(1)
		}
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.NewLoader().Load(path)
}

// runOnce loads the scenario, runs it under cfg and writes the reports to
// out, plus metrics when requested.
func runOnce(ctx context.Context, cfg *config.Config, opts options, out io.Writer) error {
	sc, err := sim.LoadScenario(opts.scenarioPath)
	if err != nil {
		return err
	}

	runner, err := sim.NewRunner(cfg, sc, logging.Global())
	if err != nil {
		return err
	}
	reports, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if err := sim.WriteReports(out, reports); err != nil {
		return fmt.Errorf("writing reports: %w", err)
	}

	if opts.metricsPath == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	if err := reg.Register(runner.Collector()); err != nil {
		return fmt.Errorf("registering collector: %w", err)
	}
	return writeMetrics(opts.metricsPath, reg, out)
}

func writeMetrics(path string, g prometheus.Gatherer, stdout io.Writer) error {
	if path == "-" {
		return metrics.WriteText(stdout, g)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating metrics file: %w", err)
	}
	if err := metrics.WriteText(f, g); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// watchAndRun re-runs the scenario on every change to the config or scenario
// file until ctx is cancelled.
func watchAndRun(ctx context.Context, opts options, out io.Writer) error {
	if opts.configPath == "" {
		return errors.New("-watch requires -config")
	}
	w, err := config.NewWatcher(opts.configPath, opts.scenarioPath)
	if err != nil {
		return err
	}

	changes := newLatestConfig()
	w.OnChange(changes.put)
	w.OnError(func(err error) {
		logging.Warn("Keeping previous configuration", zap.Error(err))
	})
	if err := w.Start(); err != nil {
		w.Stop()
		return err
	}
	logging.Info("Watching for changes",
		zap.String("config", opts.configPath),
		zap.String("scenario", opts.scenarioPath))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return w.Stop()
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case cfg := <-changes.ch:
				fmt.Fprintln(out)
				if err := runOnce(gctx, cfg, opts, out); err != nil {
					logging.Error("Scenario failed", zap.Error(err))
				}
			}
		}
	})
	return g.Wait()
}

// latestConfig hands reloaded configs to the run loop, keeping only the
// newest one while a run is in progress.
type latestConfig struct {
	mu sync.Mutex
	ch chan *config.Config
}

func newLatestConfig() *latestConfig {
	return &latestConfig{ch: make(chan *config.Config, 1)}
}

func (l *latestConfig) put(cfg *config.Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	select {
	case <-l.ch:
	default:
	}
	l.ch <- cfg
}
