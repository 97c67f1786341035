package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML config file. Every key maps onto the environment
// variable of the same setting, so the file is parsed with the same rules.
type fileConfig struct {
	Mode            string `yaml:"mode"`
	LogFormat       string `yaml:"log_format"`
	LogLevel        string `yaml:"log_level"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`

	Broadcaster struct {
		SignalingURL      string     `yaml:"signaling_url"`
		Transports        stringList `yaml:"transports"`
		ConnectTimeout    string     `yaml:"connect_timeout"`
		AckTimeout        string     `yaml:"ack_timeout"`
		ReconnectAttempts string     `yaml:"reconnect_attempts"`
		DisableReconnect  string     `yaml:"disable_reconnect"`
		ReconnectDelayMin string     `yaml:"reconnect_delay_min"`
		ReconnectDelayMax string     `yaml:"reconnect_delay_max"`
		StreamType        string     `yaml:"stream_type"`
		Resolution        string     `yaml:"resolution"`
		UserAgent         string     `yaml:"user_agent"`
		StatusListenAddr  string     `yaml:"status_listen_addr"`
		MaxViewers        string     `yaml:"max_viewers"`
	} `yaml:"broadcaster"`

	Server struct {
		ListenAddr                    string     `yaml:"listen_addr"`
		AllowedOrigins                stringList `yaml:"allowed_origins"`
		MaxSignalingMessageBytes      string     `yaml:"max_signaling_message_bytes"`
		MaxSignalingMessagesPerSecond string     `yaml:"max_signaling_messages_per_second"`
		PingInterval                  string     `yaml:"ping_interval"`
		IdleTimeout                   string     `yaml:"idle_timeout"`
		PollWait                      string     `yaml:"poll_wait"`
		PollSessionTTL                string     `yaml:"poll_session_ttl"`
	} `yaml:"server"`

	WebRTC struct {
		ICEServers           []iceServerEntry `yaml:"ice_servers"`
		UDPPortMin           string           `yaml:"udp_port_min"`
		UDPPortMax           string           `yaml:"udp_port_max"`
		UDPListenIP          string           `yaml:"udp_listen_ip"`
		NAT1To1IPs           stringList       `yaml:"nat_1to1_ips"`
		NAT1To1CandidateType string           `yaml:"nat_1to1_ip_candidate_type"`
		ViewerConnectTimeout string           `yaml:"viewer_connect_timeout"`
	} `yaml:"webrtc"`
}

// stringList accepts either a list or a comma-separated string, in YAML and
// in JSON.
type stringList []string

func (s *stringList) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = splitCommaSeparated(single)
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("expected a string or a list of strings")
	}
	*s = many
	return nil
}

func (s *stringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*s = splitCommaSeparated(node.Value)
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := node.Decode(&many); err != nil {
			return err
		}
		*s = many
		return nil
	default:
		return fmt.Errorf("line %d: expected a string or a list of strings", node.Line)
	}
}

func (s stringList) String() string { return strings.Join(s, ",") }

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseFile(raw)
}

func parseFile(raw []byte) (map[string]string, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	b, w, s := fc.Broadcaster, fc.WebRTC, fc.Server
	values := map[string]string{
		envVarMode:         fc.Mode,
		envVarLogFormat:    fc.LogFormat,
		envVarLogLevel:     fc.LogLevel,
		envVarShutdownWait: fc.ShutdownTimeout,

		envVarSignalingURL:      b.SignalingURL,
		envVarTransports:        b.Transports.String(),
		envVarConnectTimeout:    b.ConnectTimeout,
		envVarAckTimeout:        b.AckTimeout,
		envVarReconnectAttempts: b.ReconnectAttempts,
		envVarReconnectDisabled: b.DisableReconnect,
		envVarReconnectDelayMin: b.ReconnectDelayMin,
		envVarReconnectDelayMax: b.ReconnectDelayMax,
		envVarStreamType:        b.StreamType,
		envVarResolution:        b.Resolution,
		envVarUserAgent:         b.UserAgent,
		envVarStatusListenAddr:  b.StatusListenAddr,
		envVarMaxViewers:        b.MaxViewers,

		envVarListenAddr:                    s.ListenAddr,
		envVarAllowedOrigins:                s.AllowedOrigins.String(),
		envVarMaxSignalingMessageBytes:      s.MaxSignalingMessageBytes,
		envVarMaxSignalingMessagesPerSecond: s.MaxSignalingMessagesPerSecond,
		envVarSignalingPingInterval:         s.PingInterval,
		envVarSignalingIdleTimeout:          s.IdleTimeout,
		envVarPollWait:                      s.PollWait,
		envVarPollSessionTTL:                s.PollSessionTTL,

		envVarWebRTCUDPPortMin:             w.UDPPortMin,
		envVarWebRTCUDPPortMax:             w.UDPPortMax,
		envVarWebRTCUDPListenIP:            w.UDPListenIP,
		envVarWebRTCNAT1To1IPs:             w.NAT1To1IPs.String(),
		envVarWebRTCNAT1To1IPCandidateType: w.NAT1To1CandidateType,
		envVarWebRTCViewerConnectTimeout:   w.ViewerConnectTimeout,
	}
	if len(w.ICEServers) > 0 {
		// Re-encoded so the file list is validated like the env one.
		iceJSON, err := json.Marshal(w.ICEServers)
		if err != nil {
			return nil, fmt.Errorf("webrtc.ice_servers: %w", err)
		}
		values[envICEServersJSON] = string(iceJSON)
	}

	for k, v := range values {
		if strings.TrimSpace(v) == "" {
			delete(values, k)
		}
	}
	return values, nil
}

// configFileFromArgs finds -config/--config before the full flag set is
// parsed, since the file supplies that flag set's defaults.
func configFileFromArgs(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return ""
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return strings.TrimSpace(v)
		}
		if name == "config" && i+1 < len(args) {
			return strings.TrimSpace(args[i+1])
		}
	}
	return ""
}

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

// layered returns values from primary, falling back to secondary for keys
// primary leaves unset or empty.
func layered(primary, secondary func(string) (string, bool)) func(string) (string, bool) {
	return func(key string) (string, bool) {
		if v, ok := primary(key); ok && strings.TrimSpace(v) != "" {
			return v, true
		}
		return secondary(key)
	}
}
