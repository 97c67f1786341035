package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TransportName identifies a transport implementation.
type TransportName string

const (
	TransportWebSocket TransportName = "websocket"
	TransportPolling   TransportName = "polling"
)

const (
	WebSocketPath = "/signal/ws"
	PollingPath   = "/signal/poll"

	DefaultMaxMessageBytes = int64(64 * 1024)
	defaultHandshakeWait   = 10 * time.Second
)

// DefaultTransports is the preference order: full-duplex first, then
// request/poll.
var DefaultTransports = []TransportName{TransportWebSocket, TransportPolling}

// ParseTransports parses a comma-separated transport preference list.
func ParseTransports(raw string) ([]TransportName, error) {
	var out []TransportName
	seen := map[TransportName]bool{}
	for _, part := range strings.Split(raw, ",") {
		name := TransportName(strings.ToLower(strings.TrimSpace(part)))
		if name == "" {
			continue
		}
		switch name {
		case TransportWebSocket, TransportPolling:
		default:
			return nil, fmt.Errorf("%w %q (expected websocket or polling)", ErrUnsupportedTransport, name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	if len(out) == 0 {
		return nil, ErrNoTransports
	}
	return out, nil
}

// Transport is one established link to the signaling server.
//
// Send may be called concurrently with Receive. Receive must only be called
// from a single goroutine.
type Transport interface {
	Name() TransportName
	// SID is the identifier the server assigned during the handshake.
	SID() string
	Send(ctx context.Context, env Envelope) error
	Receive(ctx context.Context) (Envelope, error)
	Close() error
}

// DialConfig describes how to reach the signaling server.
type DialConfig struct {
	// URL is the server base URL (http, https, ws or wss).
	URL string

	// Transports is the preference order. Defaults to DefaultTransports.
	Transports []TransportName

	Header          http.Header
	HTTPClient      *http.Client
	MaxMessageBytes int64

	// PollWait bounds a single long-poll request. Defaults to 30s.
	PollWait time.Duration

	Logger *slog.Logger
}

// Dialer establishes transports, trying each configured transport in order.
type Dialer struct {
	cfg DialConfig
}

// NewDialer returns a Dialer for cfg with defaults applied.
func NewDialer(cfg DialConfig) *Dialer {
	if len(cfg.Transports) == 0 {
		cfg.Transports = DefaultTransports
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dialer{cfg: cfg}
}

// Dial returns the first transport that completes its handshake. The error
// joins every transport's failure when none succeeds.
func (d *Dialer) Dial(ctx context.Context) (Transport, error) {
	var errs []error
	for i, name := range d.cfg.Transports {
		var (
			t   Transport
			err error
		)
		switch name {
		case TransportWebSocket:
			t, err = dialWebSocket(ctx, d.cfg)
		case TransportPolling:
			t, err = dialPolling(ctx, d.cfg)
		default:
			err = fmt.Errorf("%w %q", ErrUnsupportedTransport, name)
		}
		if err == nil {
			if i > 0 {
				d.cfg.Logger.Info("signaling transport fallback", "transport", name, "preferred", d.cfg.Transports[0])
			}
			return t, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		if ctx.Err() != nil {
			break
		}
		d.cfg.Logger.Debug("signaling transport dial failed", "transport", name, "err", err)
	}
	return nil, errors.Join(errs...)
}

// endpointURL resolves path against base, switching the scheme to the family
// required by the transport.
func endpointURL(base, path string, websocketScheme bool) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid signaling url %q: %w", base, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid signaling url %q: missing host", base)
	}

	scheme := strings.ToLower(u.Scheme)
	secure := scheme == "https" || scheme == "wss"
	switch scheme {
	case "http", "https", "ws", "wss":
	default:
		return "", fmt.Errorf("invalid signaling url %q: unsupported scheme %q", base, u.Scheme)
	}
	switch {
	case websocketScheme && secure:
		u.Scheme = "wss"
	case websocketScheme:
		u.Scheme = "ws"
	case secure:
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}

	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
