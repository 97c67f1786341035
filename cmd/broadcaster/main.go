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

	"github.com/pion/webrtc/v4"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/broadcast"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/config"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/httpserver"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/metrics"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

var errNotLive = errors.New("broadcast not live")

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

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", string(cfg.StreamType),
	)
	if err != nil {
		logger.Error("failed to create video track", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	sess := broadcast.New(sessionOptions(cfg, logger, m))
	pub := webrtcpeer.NewPublisher(api, sess, webrtcpeer.PublisherConfig{
		ICEServers:    cfg.ICEServers,
		Tracks:        []webrtc.TrackLocal{track},
		MaxPeers:      cfg.MaxViewers,
		ConnectWindow: cfg.WebRTCViewerConnectTimeout,
		Logger:        logger,
		Metrics:       m,
	})
	b := newBroadcaster(sess, pub, cfg.StreamType, logger)

	logger.Info("starting livestream broadcaster",
		"signaling_url", cfg.SignalingURL,
		"transports", cfg.Transports,
		"stream_type", cfg.StreamType,
		"resolution", fmt.Sprintf("%dx%d", cfg.Resolution.Width, cfg.Resolution.Height),
		"status_listen_addr", cfg.StatusListenAddr,
		"ice_servers", len(cfg.ICEServers),
		"config_file", cfg.ConfigFile,
		"mode", cfg.Mode,
	)
	logBroadcasterWarnings(logger, cfg)

	var (
		status  *httpserver.Server
		serveCh = make(chan error, 1)
	)
	if cfg.StatusListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.StatusListenAddr)
		if err != nil {
			logger.Error("failed to listen", "err", err)
			os.Exit(1)
		}
		status = newStatusServer(cfg, logger, b, m)
		go func() {
			serveCh <- status.Serve(ln)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := b.run(ctx)
	if runErr != nil {
		logger.Error("broadcaster stopped", "err", runErr)
	} else {
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	b.shutdown(shutdownCtx)
	if status != nil {
		if err := status.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", "err", err)
		}
		if err := <-serveCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited after shutdown", "err", err)
		}
	}
	if runErr != nil {
		os.Exit(1)
	}
}

func sessionOptions(cfg config.Config, logger *slog.Logger, m *metrics.Metrics) broadcast.Options {
	opts := broadcast.DefaultOptions()
	opts.URL = cfg.SignalingURL
	opts.Transports = cfg.Transports
	opts.ConnectTimeout = cfg.ConnectTimeout
	opts.AckTimeout = cfg.AckTimeout
	opts.DisableReconnect = cfg.DisableReconnect
	opts.ReconnectAttempts = cfg.ReconnectAttempts
	opts.Backoff.Min = cfg.ReconnectDelayMin
	opts.Backoff.Max = cfg.ReconnectDelayMax
	opts.UserAgent = cfg.UserAgent
	opts.Resolution = cfg.Resolution
	opts.MaxMessageBytes = cfg.MaxSignalingMessageBytes
	opts.Logger = logger
	opts.Metrics = m
	return opts
}

func newStatusServer(cfg config.Config, logger *slog.Logger, b *broadcaster, m *metrics.Metrics) *httpserver.Server {
	srv := httpserver.New(cfg.StatusListenAddr, logger, httpserver.ResolveBuildInfo(buildCommit, buildTime))
	srv.SetStatus(func() any { return b.status() })
	srv.SetReadyCheck(func() error {
		if !b.sess.IsConnected() {
			return broadcast.ErrNotConnected
		}
		if !b.live.Load() {
			return errNotLive
		}
		return nil
	})

	collector := metrics.NewCollector(m)
	collector.AddGauge("livestream_broadcaster_connected", "1 while connected to the signaling server.", func() float64 {
		return boolGauge(b.sess.IsConnected())
	})
	collector.AddGauge("livestream_broadcaster_live", "1 while the broadcast is live.", func() float64 {
		return boolGauge(b.live.Load())
	})
	collector.AddGauge("livestream_broadcaster_viewers", "Viewer count last reported by the signaling server.", func() float64 {
		return float64(b.viewers.Load())
	})
	collector.AddGauge("livestream_broadcaster_peers", "Viewer PeerConnections held open.", func() float64 {
		return float64(b.pub.Peers())
	})
	srv.Mux().Handle("GET /metrics", metrics.Handler(collector))
	return srv
}

type statusResponse struct {
	broadcast.Status
	Viewers int `json:"viewers"`
	Peers   int `json:"peers"`
}

func (b *broadcaster) status() statusResponse {
	return statusResponse{
		Status:  b.sess.Status(),
		Viewers: int(b.viewers.Load()),
		Peers:   b.pub.Peers(),
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
