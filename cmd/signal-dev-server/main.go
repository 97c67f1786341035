package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/config"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/httpserver"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/metrics"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/signalserver"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting livestream signal dev server",
		"listen_addr", cfg.ListenAddr,
		"allowed_origins", cfg.AllowedOrigins,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"poll_wait", cfg.PollWait,
		"config_file", cfg.ConfigFile,
		"mode", cfg.Mode,
	)
	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	srv, sig := newServer(cfg, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Peers go first: WebSocket and long-poll requests would otherwise hold
	// Shutdown until the timeout.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func newServer(cfg config.Config, logger *slog.Logger) (*httpserver.Server, *signalserver.Server) {
	m := metrics.New()
	sig := signalserver.New(signalserver.Config{
		AllowedOrigins:       cfg.AllowedOrigins,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		PingInterval:         cfg.SignalingPingInterval,
		IdleTimeout:          cfg.SignalingIdleTimeout,
		PollWait:             cfg.PollWait,
		PollSessionTTL:       cfg.PollSessionTTL,
		Logger:               logger,
		Metrics:              m,
	})

	srv := httpserver.New(cfg.ListenAddr, logger, httpserver.ResolveBuildInfo(buildCommit, buildTime))
	sig.RegisterRoutes(srv.Mux())
	srv.SetStatus(func() any {
		streamID, live := sig.Live()
		return map[string]any{
			"live":     live,
			"streamId": streamID,
			"viewers":  sig.ViewerCount(),
		}
	})

	collector := metrics.NewCollector(m)
	collector.AddGauge("livestream_signal_viewers", "Connected peers other than the broadcaster.", func() float64 {
		return float64(sig.ViewerCount())
	})
	collector.AddGauge("livestream_signal_live", "1 while a broadcast is live.", func() float64 {
		if _, live := sig.Live(); live {
			return 1
		}
		return 0
	})
	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.Handler(collector))
	return srv, sig
}
