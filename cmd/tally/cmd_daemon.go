package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/yairfalse/tally/internal/daemon"
	"github.com/yairfalse/tally/internal/emitter"
	"github.com/yairfalse/tally/internal/source"
	"github.com/yairfalse/tally/internal/telemetry"
)

var (
	daemonSchedule    string
	daemonMetricsAddr string
	daemonRunOnStart  bool
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run discovery continuously on a schedule",
	Long: `Run tally in daemon mode for continuous inventory reconciliation.

The daemon runs the discovery pipeline on a cron schedule, stores a snapshot
per run, applies the retention policy and exports metrics.

Features:
- Cron schedule with overlapping runs skipped
- Prometheus metrics on /metrics
- Health on /healthz, readiness on /readyz
- Change events logged and exported per severity
- Graceful shutdown on SIGTERM/SIGINT`,
	Example: `  tally daemon                              # Schedule from config
  tally daemon --schedule "*/5 * * * *"     # Every five minutes
  tally daemon --metrics-addr :9191
  tally daemon --run-on-start`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)

	daemonCmd.Flags().StringVar(&daemonSchedule, "schedule", "", "Cron schedule (overrides config)")
	daemonCmd.Flags().StringVar(&daemonMetricsAddr, "metrics-addr", "", "Metrics and health listen address (overrides config)")
	daemonCmd.Flags().BoolVar(&daemonRunOnStart, "run-on-start", false, "Run once immediately on start")
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	if daemonSchedule != "" {
		cfg.Daemon.Schedule = daemonSchedule
	}
	if daemonMetricsAddr != "" {
		cfg.Daemon.MetricsAddr = daemonMetricsAddr
	}
	if cmd.Flags().Changed("run-on-start") {
		cfg.Daemon.RunOnStart = daemonRunOnStart
	}

	tp, err := telemetry.NewProvider(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	promEmitter, err := emitter.NewPrometheusEmitterWithProvider(tp.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create prometheus emitter: %w", err)
	}
	emit := emitter.NewMultiEmitter(
		emitter.NewLogEmitter(telemetry.Component("emitter").Logger),
		promEmitter,
	)
	defer func() { _ = emit.Close() }()

	sources, err := buildSources(cfg)
	if err != nil {
		return err
	}
	pipeline, err := buildPipeline(ctx, cfg, a, sources, tp, emit)
	if err != nil {
		return err
	}

	metrics, err := daemon.NewDaemonMetricsWithProvider(tp.MeterProvider())
	if err != nil {
		return fmt.Errorf("failed to create daemon metrics: %w", err)
	}

	d, err := daemon.New(daemon.Config{
		Schedule:             cfg.Daemon.Schedule,
		RunOnStart:           cfg.Daemon.RunOnStart,
		Request:              request(cfg, nil),
		Retention:            retentionPolicy(cfg),
		JournalDir:           cfg.Store.JournalDir,
		JournalRetentionDays: cfg.Store.JournalRetentionDays,
	}, pipeline, a.store, metrics)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	log.Info().
		Str("scope", cfg.Scope()).
		Str("schedule", cfg.Daemon.Schedule).
		Strs("regions", cfg.Discovery.Regions).
		Strs("methods", sources.Methods()).
		Str("metrics_addr", cfg.Daemon.MetricsAddr).
		Msg("starting tally daemon")

	var g run.Group
	{
		runCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.Start(runCtx)
		}, func(error) {
			cancel()
		})
	}
	if cfg.Daemon.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Daemon.MetricsAddr,
			Handler:           newServeMux(tp.Registry(), d, sources),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Add(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		})
	}
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))

	err = g.Run()
	var sigErr run.SignalError
	if errors.As(err, &sigErr) {
		log.Info().Str("signal", sigErr.Signal.String()).Msg("shutting down")
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newServeMux wires the metrics and health endpoints.
func newServeMux(reg *prometheus.Registry, d *daemon.Daemon, sources *source.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/healthz", otelhttp.NewHandler(d.HealthHandler(), "healthz"))
	mux.Handle("/readyz", otelhttp.NewHandler(readyzHandler(sources), "readyz"))
	return mux
}

// readyzHandler reports ready once at least one discovery source exists.
func readyzHandler(sources *source.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if len(sources.Methods()) == 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("no discovery sources registered"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}
