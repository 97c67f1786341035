package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/metrics"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/signaling"
)

// Dialer establishes one transport to the signaling server. *signaling.Dialer
// satisfies it.
type Dialer interface {
	Dial(ctx context.Context) (signaling.Transport, error)
}

type Options struct {
	// URL of the signaling server. Ignored when Dialer is set.
	URL        string
	Transports []signaling.TransportName
	Header     http.Header

	ConnectTimeout time.Duration
	AckTimeout     time.Duration

	// DisableReconnect stops the session from redialing after a connection
	// error or drop.
	DisableReconnect bool
	// ReconnectAttempts is the consecutive connection error ceiling.
	ReconnectAttempts int
	Backoff           Backoff

	UserAgent  string
	Resolution signaling.Resolution

	MaxMessageBytes int64

	Dialer  Dialer
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultOptions returns the options New falls back to.
func DefaultOptions() Options {
	return Options{
		URL:               "http://localhost:3001",
		Transports:        signaling.DefaultTransports,
		ConnectTimeout:    10 * time.Second,
		AckTimeout:        15 * time.Second,
		ReconnectAttempts: 5,
		Backoff: Backoff{
			Min:    time.Second,
			Max:    5 * time.Second,
			Factor: 2,
			Jitter: 0.5,
		},
		UserAgent:  "livestream-broadcaster",
		Resolution: signaling.Resolution{Width: 1280, Height: 720},
	}
}

// WithDefaults returns o with any zero/invalid fields replaced with defaults.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.URL == "" {
		o.URL = d.URL
	}
	if len(o.Transports) == 0 {
		o.Transports = d.Transports
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = d.AckTimeout
	}
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = d.ReconnectAttempts
	}
	if o.Backoff == (Backoff{}) {
		o.Backoff = d.Backoff
	}
	o.Backoff = o.Backoff.withDefaults()
	if o.UserAgent == "" {
		o.UserAgent = d.UserAgent
	}
	if o.Resolution == (signaling.Resolution{}) {
		o.Resolution = d.Resolution
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = signaling.DefaultMaxMessageBytes
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New()
	}
	if o.Dialer == nil {
		o.Dialer = signaling.NewDialer(signaling.DialConfig{
			URL:             o.URL,
			Transports:      o.Transports,
			Header:          o.Header,
			MaxMessageBytes: o.MaxMessageBytes,
			Logger:          o.Logger,
		})
	}
	return o
}
