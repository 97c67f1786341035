package signalserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/metrics"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/signaling"
)

const (
	peerSendQueue = 64
	pollBatchMax  = 64

	codeInvalidRequest  = "invalid_request"
	codeBroadcastActive = "broadcast_active"
)

type Config struct {
	// AllowedOrigins lists browser origins allowed to connect. "*" allows any
	// origin; an empty list allows same-host requests only. Requests without an
	// Origin header (non-browser clients) are always allowed.
	AllowedOrigins []string

	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// WebSocket keepalive.
	PingInterval time.Duration
	IdleTimeout  time.Duration

	// PollWait is how long a long-poll GET is held open without messages.
	PollWait time.Duration
	// PollSessionTTL reaps long-poll sessions that stopped polling.
	PollSessionTTL time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func DefaultConfig() Config {
	return Config{
		MaxMessageBytes:      signaling.DefaultMaxMessageBytes,
		MaxMessagesPerSecond: 50,
		PingInterval:         20 * time.Second,
		IdleTimeout:          60 * time.Second,
		PollWait:             25 * time.Second,
		PollSessionTTL:       60 * time.Second,
	}
}

// WithDefaults returns c with any zero/invalid fields replaced with defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = d.MaxMessagesPerSecond
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		c.PingInterval = c.IdleTimeout / 3
	}
	if c.PollWait <= 0 {
		c.PollWait = d.PollWait
	}
	if c.PollSessionTTL <= c.PollWait {
		c.PollSessionTTL = 2*c.PollWait + time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	return c
}

// Server tracks connected peers and the single live broadcast.
type Server struct {
	cfg     Config
	log     *slog.Logger
	origins originPolicy

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	peers       map[string]*peer
	broadcaster string
	streamID    string
	streamType  signaling.StreamType
}

// New starts a server; Close stops its background reaper and drops every peer.
func New(cfg Config) *Server {
	cfg = cfg.WithDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		origins: newOriginPolicy(cfg.AllowedOrigins),
		ctx:     ctx,
		cancel:  cancel,
		peers:   make(map[string]*peer),
	}
	go s.reapLoop()
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+signaling.WebSocketPath, s.handleWebSocket)
	mux.HandleFunc("POST "+signaling.PollingPath, s.handlePollPost)
	mux.HandleFunc("GET "+signaling.PollingPath, s.handlePollGet)
	mux.HandleFunc("DELETE "+signaling.PollingPath, s.handlePollDelete)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func (s *Server) Metrics() *metrics.Metrics { return s.cfg.Metrics }

// Close disconnects every peer and stops background work.
func (s *Server) Close() {
	s.cancel()

	s.mu.Lock()
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.peers = make(map[string]*peer)
	s.broadcaster = ""
	s.streamID = ""
	s.mu.Unlock()

	for _, p := range peers {
		p.close()
	}
}

// ViewerCount returns the number of connected peers that are not the
// broadcaster.
func (s *Server) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewerCountLocked()
}

// Live reports the current stream id when a broadcast is live.
func (s *Server) Live() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamID, s.broadcaster != ""
}

func (s *Server) viewerCountLocked() int {
	n := len(s.peers)
	if s.broadcaster != "" {
		if _, ok := s.peers[s.broadcaster]; ok {
			n--
		}
	}
	return n
}

type peer struct {
	id      string
	polling bool

	out     chan signaling.Envelope
	done    chan struct{}
	limiter *rate.Limiter

	lastSeen atomic.Int64

	closeOnce sync.Once
}

func (s *Server) newPeer(polling bool) *peer {
	p := &peer{
		id:      uuid.NewString(),
		polling: polling,
		out:     make(chan signaling.Envelope, peerSendQueue),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.MaxMessagesPerSecond), s.cfg.MaxMessagesPerSecond),
	}
	p.touch()
	return p
}

func (p *peer) touch() { p.lastSeen.Store(time.Now().UnixNano()) }

func (p *peer) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, p.lastSeen.Load()))
}

// enqueue never blocks: a peer whose queue is full is considered dead.
func (p *peer) enqueue(env signaling.Envelope) bool {
	select {
	case <-p.done:
		return false
	default:
	}
	select {
	case p.out <- env:
		return true
	default:
		return false
	}
}

func (p *peer) close() {
	p.closeOnce.Do(func() { close(p.done) })
}

func (s *Server) addPeer(p *peer) {
	s.mu.Lock()
	s.peers[p.id] = p
	live := s.broadcaster != ""
	broadcaster := s.peers[s.broadcaster]
	started := signaling.StreamStarted{BroadcasterID: s.broadcaster, StreamID: s.streamID, StreamType: s.streamType}
	count := s.viewerCountLocked()
	s.mu.Unlock()

	s.cfg.Metrics.Inc(metrics.PeerConnected)
	s.log.Debug("signaling peer connected", "sid", p.id, "polling", p.polling)

	if live {
		started.Timestamp = signaling.Timestamp(time.Now())
		s.send(p, signaling.EventStreamStarted, started)
		if broadcaster != nil {
			s.send(broadcaster, signaling.EventViewerCount, signaling.ViewerCount{Count: count})
		}
	}
}

func (s *Server) removePeer(p *peer, reason string) {
	s.mu.Lock()
	if cur, ok := s.peers[p.id]; !ok || cur != p {
		s.mu.Unlock()
		p.close()
		return
	}
	delete(s.peers, p.id)

	var (
		notify   []*peer
		event    signaling.Event
		payload  any
		endedNow bool
	)
	switch {
	case s.broadcaster == p.id:
		ended := signaling.StreamEnded{StreamID: s.streamID, Reason: "broadcaster_disconnected", Timestamp: signaling.Timestamp(time.Now())}
		s.broadcaster = ""
		s.streamID = ""
		notify = s.peersLocked("")
		event, payload, endedNow = signaling.EventStreamEnded, ended, true
	case s.broadcaster != "":
		if b := s.peers[s.broadcaster]; b != nil {
			notify = []*peer{b}
		}
		event, payload = signaling.EventViewerCount, signaling.ViewerCount{Count: s.viewerCountLocked()}
	}
	s.mu.Unlock()

	p.close()
	s.cfg.Metrics.Inc(metrics.PeerDisconnected)
	s.log.Debug("signaling peer disconnected", "sid", p.id, "reason", reason)
	if endedNow {
		s.cfg.Metrics.Inc(metrics.BroadcastStopped)
	}
	for _, n := range notify {
		s.send(n, event, payload)
	}
}

func (s *Server) peersLocked(exclude string) []*peer {
	out := make([]*peer, 0, len(s.peers))
	for id, p := range s.peers {
		if id == exclude {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (s *Server) peer(id string) *peer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers[id]
}

func (s *Server) send(p *peer, event signaling.Event, payload any) {
	env, err := signaling.NewEnvelope(event, payload)
	if err != nil {
		s.log.Error("encode signaling message", "event", event, "err", err)
		return
	}
	s.sendEnvelope(p, env)
}

func (s *Server) sendEnvelope(p *peer, env signaling.Envelope) {
	if !p.enqueue(env) {
		s.removePeer(p, "send queue full")
		return
	}
	s.cfg.Metrics.Inc(metrics.MessageSent)
}

// handle applies one inbound envelope from p.
func (s *Server) handle(p *peer, env signaling.Envelope) {
	s.cfg.Metrics.Inc(metrics.MessageReceived)
	switch env.Event {
	case signaling.EventStartBroadcast:
		s.handleStart(p, env)
	case signaling.EventStopBroadcast:
		s.handleStop(p)
	case signaling.EventStreamOffer, signaling.EventStreamAnswer, signaling.EventICECandidate:
		s.forward(p, env)
	default:
		s.log.Debug("ignoring signaling event", "sid", p.id, "event", env.Event)
	}
}

func (s *Server) handleStart(p *peer, env signaling.Envelope) {
	var req signaling.StartBroadcast
	err := env.Decode(&req)
	if err == nil {
		err = req.Validate()
	}
	if err != nil {
		s.cfg.Metrics.Inc(metrics.BroadcastStartRejected)
		s.send(p, signaling.EventStreamError, signaling.StreamError{
			Code:      codeInvalidRequest,
			Message:   err.Error(),
			RequestID: req.RequestID,
		})
		return
	}

	s.mu.Lock()
	if s.broadcaster != "" && s.broadcaster != p.id {
		s.mu.Unlock()
		s.cfg.Metrics.Inc(metrics.BroadcastStartRejected)
		s.send(p, signaling.EventStreamError, signaling.StreamError{
			Code:      codeBroadcastActive,
			Message:   "Another broadcast is already live",
			RequestID: req.RequestID,
		})
		return
	}
	if s.broadcaster == "" {
		s.broadcaster = p.id
		s.streamID = uuid.NewString()
	}
	s.streamType = req.StreamType
	started := signaling.StreamStarted{
		BroadcasterID: p.id,
		StreamID:      s.streamID,
		StreamType:    req.StreamType,
		Timestamp:     signaling.Timestamp(time.Now()),
	}
	viewers := s.peersLocked(p.id)
	count := len(viewers)
	s.mu.Unlock()

	s.cfg.Metrics.Inc(metrics.BroadcastStartOK)
	s.log.Info("broadcast started", "sid", p.id, "stream_id", started.StreamID, "stream_type", req.StreamType, "user_agent", req.UserAgent)

	ack := started
	ack.RequestID = req.RequestID
	s.send(p, signaling.EventStreamStarted, ack)
	for _, v := range viewers {
		s.send(v, signaling.EventStreamStarted, started)
	}
	s.send(p, signaling.EventViewerCount, signaling.ViewerCount{Count: count})
}

func (s *Server) handleStop(p *peer) {
	s.mu.Lock()
	if s.broadcaster != p.id {
		s.mu.Unlock()
		return
	}
	ended := signaling.StreamEnded{StreamID: s.streamID, Reason: "stopped", Timestamp: signaling.Timestamp(time.Now())}
	s.broadcaster = ""
	s.streamID = ""
	everyone := s.peersLocked("")
	s.mu.Unlock()

	s.cfg.Metrics.Inc(metrics.BroadcastStopped)
	s.log.Info("broadcast stopped", "sid", p.id, "stream_id", ended.StreamID)
	for _, n := range everyone {
		s.send(n, signaling.EventStreamEnded, ended)
	}
}

// forward relays a negotiation message. Messages with a targetId go to that
// peer; otherwise broadcaster messages fan out to every viewer and viewer
// messages go to the broadcaster. The sender's id is stamped into "from".
func (s *Server) forward(p *peer, env signaling.Envelope) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err != nil || fields == nil {
		s.log.Debug("dropping malformed signaling message", "sid", p.id, "event", env.Event, "err", err)
		return
	}
	var target string
	if raw, ok := fields["targetId"]; ok {
		_ = json.Unmarshal(raw, &target)
	}
	from, _ := json.Marshal(p.id)
	fields["from"] = from
	data, err := json.Marshal(fields)
	if err != nil {
		return
	}
	out := signaling.Envelope{Event: env.Event, Data: data}

	var recipients []*peer
	s.mu.Lock()
	switch {
	case target != "":
		if t := s.peers[target]; t != nil {
			recipients = []*peer{t}
		}
	case p.id == s.broadcaster:
		recipients = s.peersLocked(p.id)
	case s.broadcaster != "":
		if b := s.peers[s.broadcaster]; b != nil {
			recipients = []*peer{b}
		}
	}
	s.mu.Unlock()

	if len(recipients) == 0 {
		s.cfg.Metrics.Inc(metrics.DropReasonNoTarget)
		s.log.Debug("no recipient for signaling message", "sid", p.id, "event", env.Event, "target", target)
		return
	}
	for _, r := range recipients {
		if r == p {
			continue
		}
		s.sendEnvelope(r, out)
	}
}

func (s *Server) reapLoop() {
	ticker := time.NewTicker(s.cfg.PollSessionTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.mu.Lock()
			var stale []*peer
			for _, p := range s.peers {
				if p.polling && p.idleFor(now) > s.cfg.PollSessionTTL {
					stale = append(stale, p)
				}
			}
			s.mu.Unlock()
			for _, p := range stale {
				s.removePeer(p, "poll session expired")
			}
		}
	}
}
