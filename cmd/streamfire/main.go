package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/torosent/streamfire/internal/config"
	"github.com/torosent/streamfire/internal/logging"
	"github.com/torosent/streamfire/internal/metrics"
	"github.com/torosent/streamfire/internal/output"
	"github.com/torosent/streamfire/internal/runner"
	"github.com/torosent/streamfire/internal/sample"
	"github.com/torosent/streamfire/internal/threshold"
	"github.com/torosent/streamfire/internal/tracing"
	"github.com/torosent/streamfire/internal/tracker"
)

const (
	progressInterval = time.Second
	shutdownTimeout  = 5 * time.Second
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	loader := config.NewLoader()
	cfg, err := loader.Load(args)
	if err != nil {
		if errors.Is(err, config.ErrHelpRequested) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	provider, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.Warn("tracing shutdown", zap.Error(err))
		}
	}()

	conn, err := newConnection(cfg, provider.ShouldPropagate(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Debug("closing connection", zap.Error(err))
		}
	}()

	collector := metrics.NewCollector()
	reported := tracker.SinkFunc(func(res *sample.Result, _ bool) {
		log.Debug("sample reported",
			zap.String("sample", res.ID.String()),
			zap.Bool("successful", res.Successful()),
			zap.Duration("elapsed", res.Elapsed()))
	})
	track := tracker.New(tracker.MultiSink{collector, reported}, tracker.WithLogger(log))

	s, release, err := newSampler(cfg, conn, track, provider, log)
	if err != nil {
		return err
	}
	defer release()
	thresholds, err := threshold.ParseMultiple(cfg.Thresholds)
	if err != nil {
		return err
	}

	r := runner.New(runner.Options{
		Threads:       cfg.Threads,
		Iterations:    int64(cfg.Iterations),
		Duration:      cfg.Duration,
		RatePerSecond: cfg.Rate,
		ArrivalModel:  toRunnerArrivalModel(cfg.ArrivalModel),
		MaxQueued:     cfg.MaxQueued,
		Issuer:        s,
		Logger:        log,
	})

	var progress *output.ProgressReporter
	if cfg.Progress && (cfg.Output == "" || cfg.Output == config.OutputText) {
		progress = output.NewProgressReporter(collector, track.Outstanding, progressInterval, os.Stderr)
		progress.Start()
	}

	log.Info("starting",
		zap.String("target", cfg.Target),
		zap.String("transport", string(cfg.Transport)),
		zap.Stringer("mode", s.Mode()),
		zap.Int("threads", cfg.Threads),
	)
	start := time.Now()
	result := r.Run(ctx)
	outstanding := track.Drain(ctx, cfg.RampDown)
	_ = s.Close()
	track.Close()
	elapsed := time.Since(start)

	if progress != nil {
		progress.Stop()
	}

	transport := conn.Metrics()
	report := output.Report{
		Stats:       collector.Stats(elapsed),
		Issued:      result.Issued,
		Skipped:     result.Skipped,
		Invalid:     track.Dropped(),
		Cancelled:   s.Cancelled(),
		Outstanding: outstanding,
		Transport:   &transport,
	}
	report.Thresholds = output.NewThresholdResults(threshold.NewEvaluator(thresholds).Evaluate(report.Stats))
	if err := printReport(stdout, cfg.Output, report); err != nil {
		return err
	}

	if n := report.FailedThresholds(); n > 0 {
		return fmt.Errorf("%d of %d thresholds failed", n, len(report.Thresholds))
	}
	if report.Failures > 0 {
		return fmt.Errorf("%d samples failed", report.Failures)
	}
	return nil
}

func printReport(w io.Writer, format config.OutputFormat, report output.Report) error {
	switch format {
	case config.OutputJSON:
		return output.PrintJSONReport(w, report)
	case config.OutputYAML:
		return output.PrintYAMLReport(w, report)
	default:
		output.PrintReport(w, report)
		return nil
	}
}

func toRunnerArrivalModel(model config.ArrivalModel) runner.ArrivalModel {
	switch strings.ToLower(string(model)) {
	case string(config.ArrivalModelPoisson):
		return runner.ArrivalModelPoisson
	default:
		return runner.ArrivalModelUniform
	}
}
