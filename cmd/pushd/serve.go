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

	"github.com/cuemby/jmap-push/pkg/log"
	"github.com/cuemby/jmap-push/pkg/push"
	"github.com/cuemby/jmap-push/pkg/pushconfig"
	"github.com/cuemby/jmap-push/pkg/pushmetrics"
	"github.com/cuemby/jmap-push/pkg/pushstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the push delivery manager",
	Long: `serve loads configuration, opens the BoltDB subscription store,
restores persisted registrations, and runs the Manager Loop until
interrupted. It also exposes /metrics and /healthz over HTTP.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML configuration file (defaults unless given)")
	serveCmd.Flags().String("data-dir", "./pushd-data", "Directory for the BoltDB subscription store")
	serveCmd.Flags().String("http-addr", "127.0.0.1:9090", "Address for the /metrics and /healthz endpoints")
	serveCmd.Flags().Bool("insecure-skip-verify", false, "Skip TLS verification on outbound POSTs (test mode only)")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	insecureSkipVerify, _ := cmd.Flags().GetBool("insecure-skip-verify")

	settings := pushconfig.DefaultSettings()
	if configPath != "" {
		loaded, err := pushconfig.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		settings = loaded
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := pushstore.NewBoltStore(dataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	mgr := push.NewManager(push.Config{
		PushThrottle:        settings.PushThrottle.AsDuration(),
		PushAttemptInterval: settings.PushAttemptInterval.AsDuration(),
		PushAttemptsMax:     settings.PushAttemptsMax,
		PushRetryInterval:   settings.PushRetryInterval.AsDuration(),
		PushTimeout:         settings.PushTimeout.AsDuration(),
		PushVerifyTimeout:   settings.PushVerifyTimeout.AsDuration(),
		ChannelBuffer:       settings.ChannelBuffer,
		InsecureSkipVerify:  insecureSkipVerify,
		MaxOutboundRate:     settings.MaxOutboundRate,
		MaxOutboundBurst:    settings.MaxOutboundBurst,
	}, store)

	restoreCtx, cancelRestore := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelRestore()
	if err := mgr.Restore(restoreCtx); err != nil {
		return fmt.Errorf("restore subscriptions: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mgr.Run(ctx)

	pushmetrics.SetVersion(Version)
	pushmetrics.RegisterComponent("manager", true, "running")
	pushmetrics.RegisterComponent("store", true, "ready")

	collector := pushmetrics.NewCollector(mgr, 5*time.Second)
	collector.Start()
	defer collector.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", pushmetrics.Handler())
	mux.Handle("/healthz", pushmetrics.HealthHandler())
	mux.Handle("/readyz", pushmetrics.ReadyHandler())
	mux.Handle("/livez", pushmetrics.LivenessHandler())

	httpServer := &http.Server{Addr: httpAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	logger := log.WithComponent("pushd.serve")
	logger.Info().Str("http_addr", httpAddr).Str("data_dir", dataDir).Msg("pushd serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)

	cancel()
	logger.Info().Msg("pushd stopped")
	return nil
}
