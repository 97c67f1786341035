package main

import (
	"log/slog"
	"net"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Mode == config.ModeProd {
		logger.Warn("startup security warning: the signal dev server has no authentication and is meant for local development",
			"warning_code", "dev_server_in_prod",
			"mode", cfg.Mode,
		)
	}

	if !isLoopbackListenAddr(cfg.ListenAddr) {
		logger.Warn("startup security warning: listening on a non-loopback address exposes unauthenticated signaling",
			"warning_code", "listen_addr_public",
			"listen_addr", cfg.ListenAddr,
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: LIVESTREAM_ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: LIVESTREAM_MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func isLoopbackListenAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
