package config

import (
	"errors"
	"flag"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/signaling"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func noEnv(string) (string, bool) { return "", false }

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(noEnv, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.SignalingURL != DefaultSignalingURL {
		t.Fatalf("SignalingURL=%q, want %q", cfg.SignalingURL, DefaultSignalingURL)
	}
	if len(cfg.Transports) != 2 || cfg.Transports[0] != signaling.TransportWebSocket || cfg.Transports[1] != signaling.TransportPolling {
		t.Fatalf("Transports=%v, want [websocket polling]", cfg.Transports)
	}
	if cfg.ConnectTimeout != DefaultConnectTimeout {
		t.Fatalf("ConnectTimeout=%v, want %v", cfg.ConnectTimeout, DefaultConnectTimeout)
	}
	if cfg.AckTimeout != DefaultAckTimeout {
		t.Fatalf("AckTimeout=%v, want %v", cfg.AckTimeout, DefaultAckTimeout)
	}
	if cfg.ReconnectAttempts != DefaultReconnectAttempts {
		t.Fatalf("ReconnectAttempts=%d, want %d", cfg.ReconnectAttempts, DefaultReconnectAttempts)
	}
	if cfg.DisableReconnect {
		t.Fatalf("DisableReconnect=true, want false")
	}
	if cfg.StreamType != signaling.StreamTypeWebcam {
		t.Fatalf("StreamType=%q, want %q", cfg.StreamType, signaling.StreamTypeWebcam)
	}
	if cfg.Resolution != DefaultResolution {
		t.Fatalf("Resolution=%+v, want %+v", cfg.Resolution, DefaultResolution)
	}
	if cfg.ListenAddr != DefaultListenAddr {
		t.Fatalf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.StatusListenAddr != DefaultStatusListenAddr {
		t.Fatalf("StatusListenAddr=%q, want %q", cfg.StatusListenAddr, DefaultStatusListenAddr)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d, want %d", cfg.MaxSignalingMessageBytes, DefaultMaxSignalingMessageBytes)
	}
	if cfg.WebRTCUDPPortRange != nil {
		t.Fatalf("expected WebRTCUDPPortRange unset, got %+v", *cfg.WebRTCUDPPortRange)
	}
	if !cfg.WebRTCUDPListenIP.Equal(net.IPv4zero) {
		t.Fatalf("WebRTCUDPListenIP=%v, want 0.0.0.0", cfg.WebRTCUDPListenIP)
	}
	if cfg.WebRTCNAT1To1IPCandidateType != NAT1To1CandidateTypeHost {
		t.Fatalf("WebRTCNAT1To1IPCandidateType=%q, want %q", cfg.WebRTCNAT1To1IPCandidateType, NAT1To1CandidateTypeHost)
	}
	if len(cfg.ICEServers) != 0 {
		t.Fatalf("expected no ICE servers, got %v", cfg.ICEServers)
	}
	if cfg.ConfigFile != "" {
		t.Fatalf("ConfigFile=%q, want empty", cfg.ConfigFile)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(noEnv, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestExplicitLogFormatWinsOverMode(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarLogFormat: "text",
	}), []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarSignalingURL:      "https://live.example.com",
		envVarTransports:        "polling",
		envVarAckTimeout:        "3s",
		envVarReconnectAttempts: "2",
		envVarReconnectDisabled: "true",
		envVarStreamType:        "Screen",
		envVarResolution:        "1920x1080",
		envVarAllowedOrigins:    "https://Studio.Example.com:443, *",
		envStunURLs:             "stun:stun.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SignalingURL != "https://live.example.com" {
		t.Fatalf("SignalingURL=%q", cfg.SignalingURL)
	}
	if len(cfg.Transports) != 1 || cfg.Transports[0] != signaling.TransportPolling {
		t.Fatalf("Transports=%v, want [polling]", cfg.Transports)
	}
	if cfg.AckTimeout != 3*time.Second {
		t.Fatalf("AckTimeout=%v, want 3s", cfg.AckTimeout)
	}
	if cfg.ReconnectAttempts != 2 || !cfg.DisableReconnect {
		t.Fatalf("ReconnectAttempts=%d DisableReconnect=%v, want 2 true", cfg.ReconnectAttempts, cfg.DisableReconnect)
	}
	if cfg.StreamType != signaling.StreamTypeScreen {
		t.Fatalf("StreamType=%q, want screen", cfg.StreamType)
	}
	if cfg.Resolution != (signaling.Resolution{Width: 1920, Height: 1080}) {
		t.Fatalf("Resolution=%+v", cfg.Resolution)
	}
	if got := strings.Join(cfg.AllowedOrigins, ","); got != "https://studio.example.com,*" {
		t.Fatalf("AllowedOrigins=%q", got)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("ICEServers=%v, want 1 server", cfg.ICEServers)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarAckTimeout: "3s",
		envVarListenAddr: "0.0.0.0:3001",
	}), []string{"--ack-timeout", "7s", "--listen-addr", "127.0.0.1:4000"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AckTimeout != 7*time.Second {
		t.Fatalf("AckTimeout=%v, want 7s", cfg.AckTimeout)
	}
	if cfg.ListenAddr != "127.0.0.1:4000" {
		t.Fatalf("ListenAddr=%q, want 127.0.0.1:4000", cfg.ListenAddr)
	}
}

func TestInvalidValues(t *testing.T) {
	for _, tc := range []struct {
		name    string
		env     map[string]string
		args    []string
		wantErr string
	}{
		{"bad url scheme", map[string]string{envVarSignalingURL: "ftp://example.com"}, nil, envVarSignalingURL},
		{"url without host", map[string]string{envVarSignalingURL: "http://"}, nil, envVarSignalingURL},
		{"unknown transport", map[string]string{envVarTransports: "sse"}, nil, envVarTransports},
		{"stream type", map[string]string{envVarStreamType: "audio"}, nil, envVarStreamType},
		{"resolution", map[string]string{envVarResolution: "720p"}, nil, envVarResolution},
		{"duration", map[string]string{envVarConnectTimeout: "soon"}, nil, envVarConnectTimeout},
		{"attempts", nil, []string{"--reconnect-attempts", "0"}, envVarReconnectAttempts},
		{"backoff order", map[string]string{envVarReconnectDelayMin: "10s", envVarReconnectDelayMax: "1s"}, nil, envVarReconnectDelayMax},
		{"ping vs idle", map[string]string{envVarSignalingPingInterval: "60s"}, nil, envVarSignalingPingInterval},
		{"poll ttl", map[string]string{envVarPollSessionTTL: "10s"}, nil, envVarPollSessionTTL},
		{"origin", map[string]string{envVarAllowedOrigins: "example.com"}, nil, envVarAllowedOrigins},
		{"mode", nil, []string{"--mode", "staging"}, "invalid mode"},
		{"log level", map[string]string{envVarLogLevel: "verbose"}, nil, "invalid log level"},
		{"bool", map[string]string{envVarReconnectDisabled: "maybe"}, nil, envVarReconnectDisabled},
	} {
		_, err := load(lookupMap(tc.env), tc.args)
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: err=%q, want it to mention %q", tc.name, err, tc.wantErr)
		}
	}
}

func TestHelpFlag(t *testing.T) {
	_, err := load(noEnv, []string{"-h"})
	if !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("err=%v, want flag.ErrHelp", err)
	}
}

func TestWebRTCNetworkSettings(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarWebRTCUDPPortMin:             "50000",
		envVarWebRTCUDPPortMax:             "50199",
		envVarWebRTCNAT1To1IPs:             "203.0.113.10, 203.0.113.11",
		envVarWebRTCNAT1To1IPCandidateType: "srflx",
		envVarWebRTCUDPListenIP:            "10.0.0.5",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.WebRTCUDPPortRange == nil || cfg.WebRTCUDPPortRange.Min != 50000 || cfg.WebRTCUDPPortRange.Max != 50199 {
		t.Fatalf("WebRTCUDPPortRange=%+v", cfg.WebRTCUDPPortRange)
	}
	if got := strings.Join(cfg.WebRTCNAT1To1IPs, ","); got != "203.0.113.10,203.0.113.11" {
		t.Fatalf("WebRTCNAT1To1IPs=%q", got)
	}
	if cfg.WebRTCNAT1To1IPCandidateType != NAT1To1CandidateTypeSrflx {
		t.Fatalf("candidate type=%q, want srflx", cfg.WebRTCNAT1To1IPCandidateType)
	}
	if !cfg.WebRTCUDPListenIP.Equal(net.ParseIP("10.0.0.5")) {
		t.Fatalf("WebRTCUDPListenIP=%v", cfg.WebRTCUDPListenIP)
	}
}

func TestWebRTCUDPPortRangeValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		env  map[string]string
	}{
		{"min only", map[string]string{envVarWebRTCUDPPortMin: "50000"}},
		{"inverted", map[string]string{envVarWebRTCUDPPortMin: "50100", envVarWebRTCUDPPortMax: "50000"}},
		{"too small", map[string]string{envVarWebRTCUDPPortMin: "50000", envVarWebRTCUDPPortMax: "50010"}},
		{"not a port", map[string]string{envVarWebRTCUDPPortMin: "70000", envVarWebRTCUDPPortMax: "70100"}},
	} {
		if _, err := load(lookupMap(tc.env), nil); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

const sampleFile = `
mode: prod
broadcaster:
  signaling_url: https://live.example.com
  transports: [polling, websocket]
  ack_timeout: 20s
  reconnect_attempts: 8
  disable_reconnect: true
  resolution: 640x480
server:
  allowed_origins:
    - https://studio.example.com
  poll_wait: 10s
webrtc:
  ice_servers:
    - urls: "stun:stun.example.com:3478"
    - urls: ["turn:turn.example.com:3478"]
      username: user
      credential: pass
  nat_1to1_ips: 203.0.113.10
`

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "livestream.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfigFile(t *testing.T) {
	path := writeConfigFile(t, sampleFile)

	cfg, err := load(noEnv, []string{"--config", path})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ConfigFile != path {
		t.Fatalf("ConfigFile=%q, want %q", cfg.ConfigFile, path)
	}
	if cfg.Mode != ModeProd || cfg.LogFormat != LogFormatJSON {
		t.Fatalf("mode=%q logFormat=%q, want prod json", cfg.Mode, cfg.LogFormat)
	}
	if cfg.SignalingURL != "https://live.example.com" {
		t.Fatalf("SignalingURL=%q", cfg.SignalingURL)
	}
	if len(cfg.Transports) != 2 || cfg.Transports[0] != signaling.TransportPolling {
		t.Fatalf("Transports=%v, want [polling websocket]", cfg.Transports)
	}
	if cfg.AckTimeout != 20*time.Second {
		t.Fatalf("AckTimeout=%v, want 20s", cfg.AckTimeout)
	}
	if cfg.ReconnectAttempts != 8 || !cfg.DisableReconnect {
		t.Fatalf("ReconnectAttempts=%d DisableReconnect=%v, want 8 true", cfg.ReconnectAttempts, cfg.DisableReconnect)
	}
	if cfg.Resolution != (signaling.Resolution{Width: 640, Height: 480}) {
		t.Fatalf("Resolution=%+v", cfg.Resolution)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://studio.example.com" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if cfg.PollWait != 10*time.Second {
		t.Fatalf("PollWait=%v, want 10s", cfg.PollWait)
	}
	if len(cfg.ICEServers) != 2 || cfg.ICEServers[1].Username != "user" {
		t.Fatalf("ICEServers=%+v", cfg.ICEServers)
	}
	if len(cfg.WebRTCNAT1To1IPs) != 1 {
		t.Fatalf("WebRTCNAT1To1IPs=%v", cfg.WebRTCNAT1To1IPs)
	}
}

func TestConfigFileLayering(t *testing.T) {
	path := writeConfigFile(t, sampleFile)

	cfg, err := load(lookupMap(map[string]string{
		EnvConfigFile:    path,
		envVarAckTimeout: "4s",
	}), []string{"--reconnect-attempts=3"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	// env beats file, flags beat both.
	if cfg.AckTimeout != 4*time.Second {
		t.Fatalf("AckTimeout=%v, want 4s", cfg.AckTimeout)
	}
	if cfg.ReconnectAttempts != 3 {
		t.Fatalf("ReconnectAttempts=%d, want 3", cfg.ReconnectAttempts)
	}
	if cfg.PollWait != 10*time.Second {
		t.Fatalf("PollWait=%v, want 10s from file", cfg.PollWait)
	}
}

func TestConfigFileErrors(t *testing.T) {
	if _, err := load(noEnv, []string{"--config", filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Fatalf("expected error for missing file")
	}

	path := writeConfigFile(t, "broadcaster: [not, a, mapping]\n")
	_, err := load(noEnv, []string{"-config=" + path})
	if err == nil || !strings.Contains(err.Error(), EnvConfigFile) {
		t.Fatalf("err=%v, want config file error", err)
	}
}

func TestConfigFileFromArgs(t *testing.T) {
	for _, tc := range []struct {
		args []string
		want string
	}{
		{nil, ""},
		{[]string{"--config", "a.yaml"}, "a.yaml"},
		{[]string{"-config=b.yaml", "--mode", "prod"}, "b.yaml"},
		{[]string{"--mode", "prod", "--config=c.yaml"}, "c.yaml"},
		{[]string{"--", "--config", "d.yaml"}, ""},
		{[]string{"config", "e.yaml"}, ""},
	} {
		if got := configFileFromArgs(tc.args); got != tc.want {
			t.Fatalf("configFileFromArgs(%v)=%q, want %q", tc.args, got, tc.want)
		}
	}
}
