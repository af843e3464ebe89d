// Command cometd runs the comet long-polling server: the /comet endpoint,
// a Prometheus /metrics scrape target, and /health, /ready, /live probes.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cometproto/cometd/internal/demo"
	"github.com/cometproto/cometd/pkg/comet"
	"github.com/cometproto/cometd/pkg/cometconfig"
	"github.com/cometproto/cometd/pkg/cometlog"
	"github.com/cometproto/cometd/pkg/cometmetrics"
	"github.com/cometproto/cometd/pkg/registry"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "cometd",
	Short:   "cometd - an HTTP long-polling channel registry and notification server",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"cometd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the comet server",
	RunE:  runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("config", "", "Path to a YAML config file")
	flags.String("listen-addr", "", "Comet endpoint bind address")
	flags.String("metrics-addr", "", "Metrics/health bind address")
	flags.Int("max-virtual-channels", 0, "Maximum live channels (0 = unbounded)")
	flags.Float64("timeout-seconds", 0, "Per-request wait timeout, in seconds")
	flags.Int64("max-body-bytes", 0, "Maximum registration request body size (0 = unbounded)")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "Output logs in JSON format")
	flags.Bool("demo", false, "Run a built-in heartbeat producer alongside the server")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := cometconfig.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cometconfig.FromFlags(cfg, cmd.Flags())

	cometlog.Init(cfg.LogConfig())
	log := cometlog.Logger

	reg := registry.New(cfg.MaxVirtualChannels)
	handler := &comet.Handler{
		Registry:     reg,
		Timeout:      cfg.Timeout,
		MaxBodyBytes: cfg.MaxBodyBytes,
	}

	mux := http.NewServeMux()
	mux.Handle("/comet", handler.Dispatch(http.NotFoundHandler()))
	cometServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", cometmetrics.Handler())
	metricsMux.HandleFunc("/health", healthHandler(reg))
	metricsMux.HandleFunc("/ready", readyHandler)
	metricsMux.HandleFunc("/live", liveHandler)
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}

	ctx, cancelDemo := context.WithCancel(context.Background())
	defer cancelDemo()
	if demoEnabled, _ := cmd.Flags().GetBool("demo"); demoEnabled {
		id, err := demo.Heartbeat(ctx, reg, time.Second)
		if err != nil {
			return fmt.Errorf("starting demo producer: %w", err)
		}
		log.Info().Str("channel", id).Msg("demo heartbeat channel ready")
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("comet endpoint listening")
		if err := cometServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("comet server: %w", err)
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cancelDemo()
	_ = cometServer.Shutdown(shutdownCtx)
	_ = metricsServer.Shutdown(shutdownCtx)

	log.Info().Msg("shutdown complete")
	return nil
}

func healthHandler(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","live_channels":%d}`, reg.Len())
	}
}

func readyHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ready"}`)
}

func liveHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"alive"}`)
}
