package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vigil/internal/daemon"
	"github.com/yairfalse/vigil/internal/telemetry"
)

var (
	watchInterval time.Duration
	watchListen   string
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the response loop continuously",
	Long: `Run vigil as a daemon: ingest the configured detector outputs on an
interval, dispatch them and archive every run.

Endpoints:
- /metrics  Prometheus metrics
- /health   JSON health; 503 while the latest run failed

Shuts down gracefully on SIGTERM/SIGINT.`,
	Example: `  vigil watch -c vigil.yaml
  vigil watch -c vigil.yaml --interval 1m --listen :9191`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().DurationVar(&watchInterval, "interval", 0, "Run interval (overrides watch.interval)")
	watchCmd.Flags().StringVar(&watchListen, "listen", "", "Metrics and health address (overrides watch.listen_addr)")
}

func runWatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	watchCfg := *cfg
	watchCfg.OTEL.Metrics.Prometheus = true
	if watchInterval > 0 {
		watchCfg.Watch.Interval = watchInterval
	}
	if watchListen != "" {
		watchCfg.Watch.ListenAddr = watchListen
	}

	provider, err := telemetry.NewProvider(ctx, watchCfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	detectors := buildDetectors(watchCfg.Detectors, watchCfg.Compliance, nil, nil)
	if len(detectors) == 0 {
		return errors.New("no detectors configured: set detectors.findings or detectors.compliance")
	}

	a, err := buildApp(ctx, &watchCfg, log.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	r, err := buildResponder(a, &watchCfg, detectors, log.Logger)
	if err != nil {
		return err
	}

	d, err := daemon.NewDaemon(r, daemon.Config{Interval: watchCfg.Watch.Interval}, daemon.WithLogger(log.Logger))
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", provider.MetricsHandler())
	mux.Handle("/health", d.HealthHandler())
	srv := &http.Server{
		Addr:              watchCfg.Watch.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var g run.Group
	{
		loopCtx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return d.Start(loopCtx)
		}, func(error) {
			cancel()
		})
	}
	{
		g.Add(func() error {
			log.Info().Str("addr", srv.Addr).Msg("serving metrics and health")
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
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
	var sig run.SignalError
	if errors.As(err, &sig) {
		log.Info().Str("signal", sig.Signal.String()).Msg("shutting down")
		return nil
	}
	return err
}
