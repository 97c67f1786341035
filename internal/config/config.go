package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/signaling"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/signalserver"
)

const (
	EnvConfigFile      = "LIVESTREAM_CONFIG_FILE"
	envVarMode         = "LIVESTREAM_MODE"
	envVarLogFormat    = "LIVESTREAM_LOG_FORMAT"
	envVarLogLevel     = "LIVESTREAM_LOG_LEVEL"
	envVarShutdownWait = "LIVESTREAM_SHUTDOWN_TIMEOUT"

	// Broadcaster (signaling client) knobs.
	envVarSignalingURL      = "LIVESTREAM_SIGNALING_URL"
	envVarTransports        = "LIVESTREAM_TRANSPORTS"
	envVarConnectTimeout    = "LIVESTREAM_CONNECT_TIMEOUT"
	envVarAckTimeout        = "LIVESTREAM_ACK_TIMEOUT"
	envVarReconnectAttempts = "LIVESTREAM_RECONNECT_ATTEMPTS"
	envVarReconnectDisabled = "LIVESTREAM_RECONNECT_DISABLED"
	envVarReconnectDelayMin = "LIVESTREAM_RECONNECT_DELAY_MIN"
	envVarReconnectDelayMax = "LIVESTREAM_RECONNECT_DELAY_MAX"
	envVarStreamType        = "LIVESTREAM_STREAM_TYPE"
	envVarResolution        = "LIVESTREAM_RESOLUTION"
	envVarUserAgent         = "LIVESTREAM_USER_AGENT"
	envVarStatusListenAddr  = "LIVESTREAM_STATUS_LISTEN_ADDR"
	envVarMaxViewers        = "LIVESTREAM_MAX_VIEWERS"

	// Signal server knobs.
	envVarListenAddr                    = "LIVESTREAM_LISTEN_ADDR"
	envVarAllowedOrigins                = "LIVESTREAM_ALLOWED_ORIGINS"
	envVarMaxSignalingMessageBytes      = "LIVESTREAM_MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "LIVESTREAM_MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingPingInterval         = "LIVESTREAM_SIGNALING_PING_INTERVAL"
	envVarSignalingIdleTimeout          = "LIVESTREAM_SIGNALING_IDLE_TIMEOUT"
	envVarPollWait                      = "LIVESTREAM_POLL_WAIT"
	envVarPollSessionTTL                = "LIVESTREAM_POLL_SESSION_TTL"
)

const (
	DefaultSignalingURL      = "http://localhost:3001"
	DefaultListenAddr        = "127.0.0.1:3001"
	DefaultStatusListenAddr  = "127.0.0.1:8090"
	DefaultShutdown          = 15 * time.Second
	DefaultConnectTimeout    = 10 * time.Second
	DefaultAckTimeout        = 15 * time.Second
	DefaultReconnectAttempts = 5
	DefaultReconnectDelayMin = time.Second
	DefaultReconnectDelayMax = 5 * time.Second
	DefaultStreamType        = signaling.StreamTypeWebcam
	DefaultUserAgent         = "livestream-broadcaster"
	DefaultMaxViewers        = 32

	DefaultMaxSignalingMessageBytes      = signaling.DefaultMaxMessageBytes
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingPingInterval         = 20 * time.Second
	DefaultSignalingIdleTimeout          = 60 * time.Second
	DefaultPollWait                      = 25 * time.Second
	DefaultPollSessionTTL                = 60 * time.Second

	DefaultMode = ModeDev
)

var DefaultResolution = signaling.Resolution{Width: 1280, Height: 720}

const (
	envVarWebRTCUDPPortMin = "WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax = "WEBRTC_UDP_PORT_MAX"

	// envVarWebRTCViewerConnectTimeout bounds how long a viewer PeerConnection
	// may take to reach the connected state before it is closed.
	envVarWebRTCViewerConnectTimeout = "WEBRTC_VIEWER_CONNECT_TIMEOUT"

	envVarWebRTCNAT1To1IPs             = "WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"

	envVarWebRTCUDPListenIP  = "WEBRTC_UDP_LISTEN_IP"
	DefaultWebRTCUDPListenIP = "0.0.0.0"

	DefaultWebRTCViewerConnectTimeout = 30 * time.Second
)

const (
	flagWebRTCUDPPortMin              = "webrtc-udp-port-min"
	flagWebRTCUDPPortMax              = "webrtc-udp-port-max"
	flagWebRTCViewerConnectTimeout    = "webrtc-viewer-connect-timeout"
	flagWebRTCNAT1To1IPs              = "webrtc-nat-1to1-ips"
	flagWebRTCNAT1To1IPCandidateType  = "webrtc-nat-1to1-ip-candidate-type"
	flagWebRTCUDPListenIP             = "webrtc-udp-listen-ip"
	recommendedWebRTCUDPPortRangeSize = 100
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type NAT1To1IPCandidateType string

const (
	NAT1To1CandidateTypeHost  NAT1To1IPCandidateType = "host"
	NAT1To1CandidateTypeSrflx NAT1To1IPCandidateType = "srflx"
)

type UDPPortRange struct {
	Min uint16
	Max uint16
}

type Config struct {
	// ConfigFile is the YAML file the values were layered on, if any.
	ConfigFile string

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	SignalingURL      string
	Transports        []signaling.TransportName
	ConnectTimeout    time.Duration
	AckTimeout        time.Duration
	ReconnectAttempts int
	DisableReconnect  bool
	ReconnectDelayMin time.Duration
	ReconnectDelayMax time.Duration
	StreamType        signaling.StreamType
	Resolution        signaling.Resolution
	UserAgent         string
	// StatusListenAddr serves /healthz, /status and /metrics for the
	// broadcaster. Empty disables it.
	StatusListenAddr string

	// MaxViewers caps concurrent viewer PeerConnections.
	MaxViewers                 int
	WebRTCViewerConnectTimeout time.Duration

	ListenAddr                    string
	AllowedOrigins                []string
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingPingInterval         time.Duration
	SignalingIdleTimeout          time.Duration
	PollWait                      time.Duration
	PollSessionTTL                time.Duration

	// WebRTCUDPPortRange limits the UDP ports used for ICE. nil leaves the
	// choice to the OS.
	WebRTCUDPPortRange *UDPPortRange

	// WebRTCNAT1To1IPs are public IPs advertised in place of local addresses,
	// for hosts behind a static 1:1 NAT.
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	// WebRTCUDPListenIP restricts which local interface address ICE gathers
	// on. 0.0.0.0 means all interfaces.
	WebRTCUDPListenIP net.IP

	ICEServers []webrtc.ICEServer
}

// Load reads configuration from defaults, the optional config file, the
// environment and args, in increasing precedence.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(env func(string) (string, bool), args []string) (Config, error) {
	// The config file sits under the environment: env values win, file values
	// replace built-in defaults.
	configFile := configFileFromArgs(args)
	if configFile == "" {
		configFile = strings.TrimSpace(envOrDefault(env, EnvConfigFile, ""))
	}
	lookup := env
	if configFile != "" {
		fileValues, err := readFile(configFile)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--config: %w", EnvConfigFile, err)
		}
		lookup = layered(env, mapLookup(fileValues))
	}

	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))
	// Track whether format/level came from env or file so --mode can still
	// pick mode-specific defaults.
	_, logFormatSet := nonEmpty(lookup, envVarLogFormat)
	_, logLevelSet := nonEmpty(lookup, envVarLogLevel)

	signalingURL := envOrDefault(lookup, envVarSignalingURL, DefaultSignalingURL)
	transportsStr := envOrDefault(lookup, envVarTransports, joinTransports(signaling.DefaultTransports))
	streamTypeStr := envOrDefault(lookup, envVarStreamType, string(DefaultStreamType))
	resolutionStr := envOrDefault(lookup, envVarResolution, formatResolution(DefaultResolution))
	userAgent := envOrDefault(lookup, envVarUserAgent, DefaultUserAgent)
	statusListenAddr := envOrDefault(lookup, envVarStatusListenAddr, DefaultStatusListenAddr)
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	ice := iceSettings{
		serversJSON:    envOrDefault(lookup, envICEServersJSON, ""),
		stunURLs:       envOrDefault(lookup, envStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownWait, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	connectTimeout, err := envDurationOrDefault(lookup, envVarConnectTimeout, DefaultConnectTimeout)
	if err != nil {
		return Config{}, err
	}
	ackTimeout, err := envDurationOrDefault(lookup, envVarAckTimeout, DefaultAckTimeout)
	if err != nil {
		return Config{}, err
	}
	reconnectDelayMin, err := envDurationOrDefault(lookup, envVarReconnectDelayMin, DefaultReconnectDelayMin)
	if err != nil {
		return Config{}, err
	}
	reconnectDelayMax, err := envDurationOrDefault(lookup, envVarReconnectDelayMax, DefaultReconnectDelayMax)
	if err != nil {
		return Config{}, err
	}
	reconnectAttempts, err := envIntOrDefault(lookup, envVarReconnectAttempts, DefaultReconnectAttempts)
	if err != nil {
		return Config{}, err
	}
	disableReconnect, err := envBoolOrDefault(lookup, envVarReconnectDisabled, false)
	if err != nil {
		return Config{}, err
	}
	maxViewers, err := envIntOrDefault(lookup, envVarMaxViewers, DefaultMaxViewers)
	if err != nil {
		return Config{}, err
	}
	viewerConnectTimeout, err := envDurationOrDefault(lookup, envVarWebRTCViewerConnectTimeout, DefaultWebRTCViewerConnectTimeout)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := nonEmpty(lookup, envVarMaxSignalingMessageBytes); ok {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	signalingPingInterval, err := envDurationOrDefault(lookup, envVarSignalingPingInterval, DefaultSignalingPingInterval)
	if err != nil {
		return Config{}, err
	}
	signalingIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingIdleTimeout, DefaultSignalingIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pollWait, err := envDurationOrDefault(lookup, envVarPollWait, DefaultPollWait)
	if err != nil {
		return Config{}, err
	}
	pollSessionTTL, err := envDurationOrDefault(lookup, envVarPollSessionTTL, DefaultPollSessionTTL)
	if err != nil {
		return Config{}, err
	}

	// WebRTC network defaults (env values become flag defaults).
	var webrtcUDPPortMin uint
	if raw, ok := nonEmpty(lookup, envVarWebRTCUDPPortMin); ok {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		webrtcUDPPortMin = uint(p)
	}
	var webrtcUDPPortMax uint
	if raw, ok := nonEmpty(lookup, envVarWebRTCUDPPortMax); ok {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		webrtcUDPPortMax = uint(p)
	}
	webrtcUDPListenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCUDPListenIP)
	webrtcNAT1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	webrtcNAT1To1CandidateTypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := flag.NewFlagSet("livestream", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&configFile, "config", configFile, "YAML config file (env "+EnvConfigFile+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Signaling server base URL (env "+envVarSignalingURL+")")
	fs.StringVar(&transportsStr, "transports", transportsStr, "Comma-separated transport preference: websocket, polling (env "+envVarTransports+")")
	fs.DurationVar(&connectTimeout, "connect-timeout", connectTimeout, "Per-attempt signaling connect timeout (env "+envVarConnectTimeout+")")
	fs.DurationVar(&ackTimeout, "ack-timeout", ackTimeout, "How long to wait for the server to acknowledge a broadcast start (env "+envVarAckTimeout+")")
	fs.IntVar(&reconnectAttempts, "reconnect-attempts", reconnectAttempts, "Consecutive connection errors before giving up (env "+envVarReconnectAttempts+")")
	fs.BoolVar(&disableReconnect, "disable-reconnect", disableReconnect, "Do not redial after a connection error or drop (env "+envVarReconnectDisabled+")")
	fs.DurationVar(&reconnectDelayMin, "reconnect-delay-min", reconnectDelayMin, "Initial reconnect backoff (env "+envVarReconnectDelayMin+")")
	fs.DurationVar(&reconnectDelayMax, "reconnect-delay-max", reconnectDelayMax, "Maximum reconnect backoff (env "+envVarReconnectDelayMax+")")
	fs.StringVar(&streamTypeStr, "stream-type", streamTypeStr, "Broadcast source: webcam or screen (env "+envVarStreamType+")")
	fs.StringVar(&resolutionStr, "resolution", resolutionStr, "Advertised resolution WIDTHxHEIGHT (env "+envVarResolution+")")
	fs.StringVar(&userAgent, "user-agent", userAgent, "User-Agent sent with signaling requests (env "+envVarUserAgent+")")
	fs.StringVar(&statusListenAddr, "status-listen-addr", statusListenAddr, "Broadcaster status/metrics listen address; empty disables (env "+envVarStatusListenAddr+")")
	fs.IntVar(&maxViewers, "max-viewers", maxViewers, "Maximum concurrent viewer PeerConnections (env "+envVarMaxViewers+")")

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "Signal server listen address (env "+envVarListenAddr+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max signaling message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling messages per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.DurationVar(&signalingPingInterval, "signaling-ping-interval", signalingPingInterval, "WebSocket ping interval (env "+envVarSignalingPingInterval+")")
	fs.DurationVar(&signalingIdleTimeout, "signaling-idle-timeout", signalingIdleTimeout, "Close WebSocket connections idle for this long (env "+envVarSignalingIdleTimeout+")")
	fs.DurationVar(&pollWait, "poll-wait", pollWait, "How long a long-poll request is held open (env "+envVarPollWait+")")
	fs.DurationVar(&pollSessionTTL, "poll-session-ttl", pollSessionTTL, "Reap long-poll sessions that stopped polling (env "+envVarPollSessionTTL+")")

	fs.StringVar(&ice.serversJSON, "ice-servers-json", ice.serversJSON, "ICE servers as a JSON list of {urls, username, credential} (env "+envICEServersJSON+")")
	fs.StringVar(&ice.stunURLs, "stun-urls", ice.stunURLs, "Comma-separated STUN URLs, used without an ICE server list (env "+envStunURLs+")")
	fs.StringVar(&ice.turnURLs, "turn-urls", ice.turnURLs, "Comma-separated TURN URLs, used without an ICE server list (env "+envTurnURLs+")")
	fs.StringVar(&ice.turnUsername, "turn-username", ice.turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&ice.turnCredential, "turn-credential", ice.turnCredential, "TURN credential (env "+envTurnCredential+")")

	fs.DurationVar(&viewerConnectTimeout, flagWebRTCViewerConnectTimeout, viewerConnectTimeout, "Close viewers that do not connect in time (env "+envVarWebRTCViewerConnectTimeout+")")
	fs.UintVar(&webrtcUDPPortMin, flagWebRTCUDPPortMin, webrtcUDPPortMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&webrtcUDPPortMax, flagWebRTCUDPPortMax, webrtcUDPPortMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&webrtcUDPListenIPStr, flagWebRTCUDPListenIP, webrtcUDPListenIPStr, "Local listen IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&webrtcNAT1To1IPsStr, flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, "Comma-separated public IPs to advertise for WebRTC ICE (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&webrtcNAT1To1CandidateTypeStr, flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	flagsSet := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { flagsSet[f.Name] = true })
	// -mode=prod on its own switches to the prod logging defaults.
	if !flagsSet["log-format"] && !logFormatSet {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !flagsSet["log-level"] && !logLevelSet {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if err := validateSignalingURL(signalingURL); err != nil {
		return Config{}, fmt.Errorf("invalid %s/--signaling-url %q: %w", envVarSignalingURL, signalingURL, err)
	}
	transports, err := signaling.ParseTransports(transportsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--transports: %w", envVarTransports, err)
	}
	streamType, err := signaling.ParseStreamType(streamTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--stream-type: %w", envVarStreamType, err)
	}
	resolution, err := parseResolution(resolutionStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/--resolution %q: %w", envVarResolution, resolutionStr, err)
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownWait)
	}
	if connectTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--connect-timeout must be > 0", envVarConnectTimeout)
	}
	if ackTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ack-timeout must be > 0", envVarAckTimeout)
	}
	if reconnectAttempts <= 0 {
		return Config{}, fmt.Errorf("%s/--reconnect-attempts must be > 0", envVarReconnectAttempts)
	}
	if reconnectDelayMin <= 0 {
		return Config{}, fmt.Errorf("%s/--reconnect-delay-min must be > 0", envVarReconnectDelayMin)
	}
	if reconnectDelayMax < reconnectDelayMin {
		return Config{}, fmt.Errorf("%s/--reconnect-delay-max must be >= %s/--reconnect-delay-min", envVarReconnectDelayMax, envVarReconnectDelayMin)
	}
	if maxViewers <= 0 {
		return Config{}, fmt.Errorf("%s/--max-viewers must be > 0", envVarMaxViewers)
	}
	if viewerConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--%s must be > 0", envVarWebRTCViewerConnectTimeout, flagWebRTCViewerConnectTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if signalingIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-idle-timeout must be > 0", envVarSignalingIdleTimeout)
	}
	if signalingPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ping-interval must be > 0", envVarSignalingPingInterval)
	}
	if signalingPingInterval >= signalingIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ping-interval must be < %s/--signaling-idle-timeout", envVarSignalingPingInterval, envVarSignalingIdleTimeout)
	}
	if pollWait <= 0 {
		return Config{}, fmt.Errorf("%s/--poll-wait must be > 0", envVarPollWait)
	}
	if pollSessionTTL <= pollWait {
		return Config{}, fmt.Errorf("%s/--poll-session-ttl must be > %s/--poll-wait", envVarPollSessionTTL, envVarPollWait)
	}

	var webrtcUDPPortRange *UDPPortRange
	if webrtcUDPPortMin != 0 || webrtcUDPPortMax != 0 {
		if webrtcUDPPortMin == 0 || webrtcUDPPortMax == 0 {
			return Config{}, fmt.Errorf("%s/%s and %s/%s must be set together (or both unset)",
				envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin,
				envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax,
			)
		}
		min, err := parsePortUint(webrtcUDPPortMin)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMin, "--"+flagWebRTCUDPPortMin, err)
		}
		max, err := parsePortUint(webrtcUDPPortMax)
		if err != nil {
			return Config{}, fmt.Errorf("%s/%s: %w", envVarWebRTCUDPPortMax, "--"+flagWebRTCUDPPortMax, err)
		}
		if min > max {
			return Config{}, fmt.Errorf("WebRTC UDP port range min (%d) must be <= max (%d)", min, max)
		}
		size := int(max) - int(min) + 1
		if size < recommendedWebRTCUDPPortRangeSize {
			return Config{}, fmt.Errorf("WebRTC UDP port range is too small: %d ports (min %d recommended)", size, recommendedWebRTCUDPPortRangeSize)
		}
		webrtcUDPPortRange = &UDPPortRange{Min: min, Max: max}
	}

	webrtcUDPListenIP := net.ParseIP(strings.TrimSpace(webrtcUDPListenIPStr))
	if webrtcUDPListenIP == nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q", envVarWebRTCUDPListenIP, "--"+flagWebRTCUDPListenIP, webrtcUDPListenIPStr)
	}

	var webrtcNAT1To1IPs []string
	if strings.TrimSpace(webrtcNAT1To1IPsStr) != "" {
		ips, err := parseIPList(webrtcNAT1To1IPsStr)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPs, "--"+flagWebRTCNAT1To1IPs, webrtcNAT1To1IPsStr, err)
		}
		webrtcNAT1To1IPs = ips
	}
	if strings.TrimSpace(webrtcNAT1To1CandidateTypeStr) == "" {
		webrtcNAT1To1CandidateTypeStr = string(NAT1To1CandidateTypeHost)
	}
	webrtcNAT1To1CandidateType, err := parseCandidateType(webrtcNAT1To1CandidateTypeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s/%s %q: %w", envVarWebRTCNAT1To1IPCandidateType, "--"+flagWebRTCNAT1To1IPCandidateType, webrtcNAT1To1CandidateTypeStr, err)
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	iceServers, err := ice.servers()
	if err != nil {
		return Config{}, err
	}

	return Config{
		ConfigFile:      configFile,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		SignalingURL:      strings.TrimSpace(signalingURL),
		Transports:        transports,
		ConnectTimeout:    connectTimeout,
		AckTimeout:        ackTimeout,
		ReconnectAttempts: reconnectAttempts,
		DisableReconnect:  disableReconnect,
		ReconnectDelayMin: reconnectDelayMin,
		ReconnectDelayMax: reconnectDelayMax,
		StreamType:        streamType,
		Resolution:        resolution,
		UserAgent:         userAgent,
		StatusListenAddr:  strings.TrimSpace(statusListenAddr),

		MaxViewers:                 maxViewers,
		WebRTCViewerConnectTimeout: viewerConnectTimeout,

		ListenAddr:                    listenAddr,
		AllowedOrigins:                allowedOrigins,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SignalingPingInterval:         signalingPingInterval,
		SignalingIdleTimeout:          signalingIdleTimeout,
		PollWait:                      pollWait,
		PollSessionTTL:                pollSessionTTL,

		WebRTCUDPPortRange:           webrtcUDPPortRange,
		WebRTCNAT1To1IPs:             webrtcNAT1To1IPs,
		WebRTCNAT1To1IPCandidateType: webrtcNAT1To1CandidateType,
		WebRTCUDPListenIP:            webrtcUDPListenIP,

		ICEServers: iceServers,
	}, nil
}

// NewLogger builds the process logger for cfg's format and level.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func nonEmpty(lookup func(string) (string, bool), key string) (string, bool) {
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := nonEmpty(lookup, key)
	if !ok {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := nonEmpty(lookup, key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := nonEmpty(lookup, key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func IsUnspecifiedIP(ip net.IP) bool {
	return ip == nil || ip.Equal(net.IPv4zero) || ip.Equal(net.IPv6zero)
}

func validateSignalingURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("expected http, https, ws or wss scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	if u.User != nil {
		return fmt.Errorf("must not include credentials")
	}
	return nil
}

func parseResolution(raw string) (signaling.Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(raw)), "x")
	if !ok {
		return signaling.Resolution{}, fmt.Errorf("expected WIDTHxHEIGHT")
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return signaling.Resolution{}, fmt.Errorf("invalid width %q", w)
	}
	height, err := strconv.Atoi(h)
	if err != nil || height <= 0 {
		return signaling.Resolution{}, fmt.Errorf("invalid height %q", h)
	}
	return signaling.Resolution{Width: width, Height: height}, nil
}

func formatResolution(r signaling.Resolution) string {
	return strconv.Itoa(r.Width) + "x" + strconv.Itoa(r.Height)
}

func joinTransports(names []signaling.TransportName) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = string(n)
	}
	return strings.Join(parts, ",")
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" || entry == "null" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, _, ok := signalserver.NormalizeOrigin(entry)
		if !ok {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		out = append(out, normalizedOrigin)
	}

	return out, nil
}

func parsePortString(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return parsePortUint(uint(v))
}

func parsePortUint(v uint) (uint16, error) {
	if v == 0 || v > 65535 {
		return 0, fmt.Errorf("port %d out of range (1-65535)", v)
	}
	return uint16(v), nil
}

func parseCandidateType(s string) (NAT1To1IPCandidateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(NAT1To1CandidateTypeHost):
		return NAT1To1CandidateTypeHost, nil
	case string(NAT1To1CandidateTypeSrflx):
		return NAT1To1CandidateTypeSrflx, nil
	default:
		return "", fmt.Errorf("unknown candidate type %q", s)
	}
}

func parseIPList(s string) ([]string, error) {
	var out []string
	for _, raw := range strings.Split(s, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP %q", raw)
		}
		out = append(out, ip.String())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must include at least one IP")
	}
	return out, nil
}
