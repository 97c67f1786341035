package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/config"
)

type apiOptions struct {
	net transport.Net
}

type APIOption func(*apiOptions)

// WithNet makes pion use n for all sockets. Used with vnet in tests.
func WithNet(n transport.Net) APIOption {
	return func(o *apiOptions) { o.net = n }
}

// NewAPI builds the pion API used for every viewer PeerConnection: default
// codecs, the configured ICE network restrictions and pion logs routed to
// logger.
func NewAPI(cfg config.Config, logger *slog.Logger, opts ...APIOption) (*webrtc.API, error) {
	var o apiOptions
	for _, opt := range opts {
		opt(&o)
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(logger)}
	if o.net != nil {
		se.SetNet(o.net)
	}
	if err := ApplyNetworkSettings(&se, cfg); err != nil {
		return nil, err
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// ApplyNetworkSettings applies cfg's port range, NAT 1:1 and listen IP
// settings to se.
func ApplyNetworkSettings(se *webrtc.SettingEngine, cfg config.Config) error {
	if cfg.WebRTCUDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(cfg.WebRTCUDPPortRange.Min, cfg.WebRTCUDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(cfg.WebRTCNAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch cfg.WebRTCNAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost:
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", cfg.WebRTCNAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(cfg.WebRTCNAT1To1IPs, candidateType)
	}

	// Candidate gathering is limited to the listen IP via IPFilter; pion has no
	// direct bind-address setting.
	if cfg.WebRTCUDPListenIP != nil && !config.IsUnspecifiedIP(cfg.WebRTCUDPListenIP) {
		listenIP := cfg.WebRTCUDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}
	return nil
}
