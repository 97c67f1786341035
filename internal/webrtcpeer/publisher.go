package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/metrics"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/signaling"
)

const (
	DefaultMaxPeers          = 32
	DefaultPeerConnectWindow = 30 * time.Second

	signalSendTimeout = 5 * time.Second
)

var ErrPublisherClosed = errors.New("webrtcpeer: publisher closed")

// Signaler is the part of *broadcast.Session a Publisher relies on.
type Signaler interface {
	SendAnswer(ctx context.Context, answer webrtc.SessionDescription, targetID string)
	SendIceCandidate(ctx context.Context, candidate webrtc.ICECandidateInit, targetID string)
	OnStreamOffer(fn func(signaling.OfferMessage)) func()
	OnIceCandidate(fn func(signaling.CandidateMessage)) func()
	OnStreamEnded(fn func(signaling.StreamEnded)) func()
}

type PublisherConfig struct {
	ICEServers []webrtc.ICEServer
	// Tracks are added to every viewer PeerConnection.
	Tracks []webrtc.TrackLocal

	MaxPeers int
	// ConnectWindow closes viewers that do not reach the connected state in
	// time.
	ConnectWindow time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.MaxPeers <= 0 {
		c.MaxPeers = DefaultMaxPeers
	}
	if c.ConnectWindow <= 0 {
		c.ConnectWindow = DefaultPeerConnectWindow
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	return c
}

// Publisher answers viewer offers, one PeerConnection per viewer.
type Publisher struct {
	api *webrtc.API
	sig Signaler
	cfg PublisherConfig
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	peers   map[string]*viewerPeer
	removes []func()
	started bool
	closed  bool
}

type viewerPeer struct {
	id string
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	answered bool
	// Local candidates gathered before the answer went out.
	pending []webrtc.ICECandidateInit

	connectTimer *time.Timer
	closeOnce    sync.Once
}

// NewPublisher returns a Publisher that negotiates through sig. A nil api
// uses pion's defaults.
func NewPublisher(api *webrtc.API, sig Signaler, cfg PublisherConfig) *Publisher {
	if api == nil {
		api = webrtc.NewAPI()
	}
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Publisher{
		api:    api,
		sig:    sig,
		cfg:    cfg,
		log:    cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]*viewerPeer),
	}
}

// Start subscribes to signaling events on the Signaler's current
// connection. Listeners are scoped to that connection, so Start is called
// again after the Signaler reconnects; viewers negotiated on the previous
// connection are closed when it does. Start must not be called concurrently.
func (p *Publisher) Start() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPublisherClosed
	}
	old := p.removes
	resubscribe := p.started
	p.started = true
	p.removes = nil
	p.mu.Unlock()

	for _, remove := range old {
		remove()
	}
	if resubscribe {
		p.closePeers("signaling restarted")
	}

	removes := []func(){
		p.sig.OnStreamOffer(p.handleOffer),
		p.sig.OnIceCandidate(p.handleCandidate),
		p.sig.OnStreamEnded(func(signaling.StreamEnded) { p.closePeers("stream ended") }),
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, remove := range removes {
			remove()
		}
		return ErrPublisherClosed
	}
	p.removes = removes
	p.mu.Unlock()
	return nil
}

// Close unsubscribes and closes every viewer PeerConnection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	removes := p.removes
	p.removes = nil
	p.mu.Unlock()

	for _, remove := range removes {
		remove()
	}
	p.closePeers("publisher closed")
	p.cancel()
	return nil
}

// Peers returns the number of viewers with a live PeerConnection.
func (p *Publisher) Peers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.peers)
}

func (p *Publisher) handleOffer(msg signaling.OfferMessage) {
	if msg.From == "" {
		p.log.Debug("dropping offer without sender")
		return
	}
	if err := msg.Validate(); err != nil {
		p.cfg.Metrics.Inc(metrics.PeerFailed)
		p.log.Warn("rejecting viewer offer", "viewer", msg.From, "err", err)
		return
	}
	offer, err := msg.Offer.ToPion()
	if err != nil {
		p.cfg.Metrics.Inc(metrics.PeerFailed)
		p.log.Warn("rejecting viewer offer", "viewer", msg.From, "err", err)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	// A repeated offer from the same viewer replaces its connection.
	old := p.peers[msg.From]
	delete(p.peers, msg.From)
	full := len(p.peers) >= p.cfg.MaxPeers
	p.mu.Unlock()
	if old != nil {
		old.close()
	}
	if full {
		p.cfg.Metrics.Inc(metrics.PeerFailed)
		p.log.Warn("viewer limit reached; ignoring offer", "viewer", msg.From, "max_peers", p.cfg.MaxPeers)
		return
	}

	vp, answer, err := p.answer(msg.From, offer)
	if err != nil {
		p.cfg.Metrics.Inc(metrics.PeerFailed)
		p.log.Warn("answer viewer offer", "viewer", msg.From, "err", err)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		vp.close()
		return
	}
	p.peers[vp.id] = vp
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(p.ctx, signalSendTimeout)
	p.sig.SendAnswer(ctx, answer, vp.id)
	cancel()
	p.cfg.Metrics.Inc(metrics.PeerAnswered)
	p.log.Info("answered viewer", "viewer", vp.id)

	vp.mu.Lock()
	vp.answered = true
	pending := vp.pending
	vp.pending = nil
	vp.mu.Unlock()
	for _, c := range pending {
		p.sendCandidate(vp.id, c)
	}
}

func (p *Publisher) answer(viewerID string, offer webrtc.SessionDescription) (*viewerPeer, webrtc.SessionDescription, error) {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.cfg.ICEServers})
	if err != nil {
		return nil, webrtc.SessionDescription{}, fmt.Errorf("new peer connection: %w", err)
	}
	vp := &viewerPeer{id: viewerID, pc: pc}

	fail := func(err error) (*viewerPeer, webrtc.SessionDescription, error) {
		_ = pc.Close()
		return nil, webrtc.SessionDescription{}, err
	}

	for _, track := range p.cfg.Tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fail(fmt.Errorf("add track %s: %w", track.ID(), err))
		}
		go drainRTCP(sender)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		vp.mu.Lock()
		if !vp.answered {
			vp.pending = append(vp.pending, init)
			vp.mu.Unlock()
			return
		}
		vp.mu.Unlock()
		p.sendCandidate(viewerID, init)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			vp.stopTimer()
			p.cfg.Metrics.Inc(metrics.PeerConnected)
			p.log.Info("viewer connected", "viewer", viewerID)
		case webrtc.PeerConnectionStateFailed:
			p.cfg.Metrics.Inc(metrics.PeerFailed)
			p.log.Warn("viewer connection failed", "viewer", viewerID)
			p.removePeer(vp)
		case webrtc.PeerConnectionStateClosed:
			p.removePeer(vp)
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		return fail(fmt.Errorf("set remote description: %w", err))
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fail(fmt.Errorf("create answer: %w", err))
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fail(fmt.Errorf("set local description: %w", err))
	}

	timer := time.AfterFunc(p.cfg.ConnectWindow, func() {
		if pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
			return
		}
		p.log.Warn("viewer did not connect in time", "viewer", viewerID, "window", p.cfg.ConnectWindow)
		p.cfg.Metrics.Inc(metrics.PeerFailed)
		p.removePeer(vp)
	})
	vp.mu.Lock()
	vp.connectTimer = timer
	vp.mu.Unlock()
	return vp, answer, nil
}

func (p *Publisher) handleCandidate(msg signaling.CandidateMessage) {
	p.mu.Lock()
	vp := p.peers[msg.From]
	p.mu.Unlock()
	if vp == nil {
		p.log.Debug("dropping candidate for unknown viewer", "viewer", msg.From)
		return
	}
	if err := vp.pc.AddICECandidate(msg.Candidate.ToPion()); err != nil {
		p.log.Debug("add remote candidate", "viewer", msg.From, "err", err)
	}
}

func (p *Publisher) sendCandidate(viewerID string, c webrtc.ICECandidateInit) {
	ctx, cancel := context.WithTimeout(p.ctx, signalSendTimeout)
	defer cancel()
	p.sig.SendIceCandidate(ctx, c, viewerID)
}

func (p *Publisher) removePeer(vp *viewerPeer) {
	p.mu.Lock()
	if cur, ok := p.peers[vp.id]; ok && cur == vp {
		delete(p.peers, vp.id)
	}
	p.mu.Unlock()
	// pion must not be closed from its own callback goroutine synchronously.
	go vp.close()
}

func (p *Publisher) closePeers(reason string) {
	p.mu.Lock()
	peers := p.peers
	p.peers = make(map[string]*viewerPeer)
	p.mu.Unlock()

	if len(peers) > 0 {
		p.log.Info("closing viewer connections", "count", len(peers), "reason", reason)
	}
	for _, vp := range peers {
		vp.close()
	}
}

func (vp *viewerPeer) stopTimer() {
	vp.mu.Lock()
	t := vp.connectTimer
	vp.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

func (vp *viewerPeer) close() {
	vp.closeOnce.Do(func() {
		vp.stopTimer()
		_ = vp.pc.Close()
	})
}

// drainRTCP reads RTCP so interceptors (NACK, reports) keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
