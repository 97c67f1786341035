package main

import (
	"log/slog"
	"net"
	"net/url"
	"strings"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/config"
)

func logBroadcasterWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if u, err := url.Parse(cfg.SignalingURL); err == nil {
		scheme := strings.ToLower(u.Scheme)
		if (scheme == "http" || scheme == "ws") && !isLoopbackHost(u.Hostname()) {
			logger.Warn("startup security warning: signaling URL is not TLS protected",
				"warning_code", "signaling_url_plaintext",
				"signaling_url", cfg.SignalingURL,
				"mode", cfg.Mode,
			)
		}
	}

	if len(cfg.ICEServers) == 0 && cfg.Mode == config.ModeProd {
		logger.Warn("startup warning: no ICE servers configured; viewers behind NAT may fail to connect",
			"warning_code", "ice_servers_empty",
			"mode", cfg.Mode,
		)
	}

	if cfg.DisableReconnect && cfg.Mode == config.ModeProd {
		logger.Warn("startup warning: reconnect is disabled; the first signaling error ends the broadcast",
			"warning_code", "reconnect_disabled",
			"mode", cfg.Mode,
		)
	}
}

func isLoopbackHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
