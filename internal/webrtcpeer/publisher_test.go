package webrtcpeer_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/config"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/metrics"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/signaling"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/webrtcpeer"
)

type fakeSignaler struct {
	mu        sync.Mutex
	offer     func(signaling.OfferMessage)
	candidate func(signaling.CandidateMessage)
	ended     func(signaling.StreamEnded)

	onAnswer    func(webrtc.SessionDescription, string)
	onCandidate func(webrtc.ICECandidateInit, string)
}

func (f *fakeSignaler) SendAnswer(_ context.Context, answer webrtc.SessionDescription, targetID string) {
	f.mu.Lock()
	fn := f.onAnswer
	f.mu.Unlock()
	if fn != nil {
		fn(answer, targetID)
	}
}

func (f *fakeSignaler) SendIceCandidate(_ context.Context, c webrtc.ICECandidateInit, targetID string) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	if fn != nil {
		fn(c, targetID)
	}
}

func (f *fakeSignaler) OnStreamOffer(fn func(signaling.OfferMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offer = fn
	return func() { f.mu.Lock(); f.offer = nil; f.mu.Unlock() }
}

func (f *fakeSignaler) OnIceCandidate(fn func(signaling.CandidateMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidate = fn
	return func() { f.mu.Lock(); f.candidate = nil; f.mu.Unlock() }
}

func (f *fakeSignaler) OnStreamEnded(fn func(signaling.StreamEnded)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = fn
	return func() { f.mu.Lock(); f.ended = nil; f.mu.Unlock() }
}

func (f *fakeSignaler) deliverOffer(m signaling.OfferMessage) {
	f.mu.Lock()
	fn := f.offer
	f.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (f *fakeSignaler) deliverEnded() {
	f.mu.Lock()
	fn := f.ended
	f.mu.Unlock()
	if fn != nil {
		fn(signaling.StreamEnded{Reason: "stopped"})
	}
}

func (f *fakeSignaler) subscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offer != nil && f.candidate != nil && f.ended != nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newVNetAPI(n *vnet.Net) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	se.SetNet(n)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}

// newVNet returns two hosts on a virtual LAN.
func newVNet(t *testing.T) (*vnet.Net, *vnet.Net) {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })

	netA, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.1"}})
	if err != nil {
		t.Fatalf("new net A: %v", err)
	}
	netB, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{"10.0.0.2"}})
	if err != nil {
		t.Fatalf("new net B: %v", err)
	}
	if err := router.AddNet(netA); err != nil {
		t.Fatalf("add net A: %v", err)
	}
	if err := router.AddNet(netB); err != nil {
		t.Fatalf("add net B: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return netA, netB
}

// viewerOffer creates a receive-only viewer and returns its offer.
func viewerOffer(t *testing.T, api *webrtc.API, waitGathering bool) (*webrtc.PeerConnection, webrtc.SessionDescription) {
	t.Helper()
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new viewer pc: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		t.Fatalf("add transceiver: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local offer: %v", err)
	}
	if !waitGathering {
		return pc, offer
	}
	select {
	case <-gathered:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out gathering viewer candidates")
	}
	return pc, *pc.LocalDescription()
}

func TestPublisher_AnswersViewerOverVNet(t *testing.T) {
	netA, netB := newVNet(t)

	pubAPI, err := webrtcpeer.NewAPI(config.Config{}, discardLogger(), webrtcpeer.WithNet(netA))
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	viewerAPI, err := newVNetAPI(netB)
	if err != nil {
		t.Fatalf("new viewer api: %v", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "broadcast")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}

	m := metrics.New()
	sig := &fakeSignaler{}
	pub := webrtcpeer.NewPublisher(pubAPI, sig, webrtcpeer.PublisherConfig{
		Tracks:  []webrtc.TrackLocal{track},
		Logger:  discardLogger(),
		Metrics: m,
	})
	if err := pub.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = pub.Close() })

	viewer, offer := viewerOffer(t, viewerAPI, true)

	connected := make(chan struct{})
	var connectedOnce sync.Once
	viewer.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateConnected {
			connectedOnce.Do(func() { close(connected) })
		}
	})

	answered := make(chan string, 1)
	sig.onAnswer = func(answer webrtc.SessionDescription, target string) {
		if err := viewer.SetRemoteDescription(answer); err != nil {
			t.Errorf("set remote answer: %v", err)
		}
		answered <- target
	}
	sig.onCandidate = func(c webrtc.ICECandidateInit, target string) {
		if target != "viewer-1" {
			t.Errorf("candidate target=%q, want viewer-1", target)
		}
		_ = viewer.AddICECandidate(c)
	}

	sig.deliverOffer(signaling.OfferMessage{Offer: signaling.SDPFromPion(offer), From: "viewer-1"})

	select {
	case target := <-answered:
		if target != "viewer-1" {
			t.Fatalf("answer target=%q, want viewer-1", target)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("publisher did not answer")
	}
	if got := pub.Peers(); got != 1 {
		t.Fatalf("Peers=%d, want 1", got)
	}

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Fatalf("viewer did not connect")
	}

	hasVideo := false
	for _, tr := range viewer.GetTransceivers() {
		if tr.Kind() == webrtc.RTPCodecTypeVideo && tr.Receiver() != nil {
			hasVideo = true
		}
	}
	if !hasVideo {
		t.Fatalf("viewer has no video receiver")
	}
	if got := m.Get(metrics.PeerAnswered); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.PeerAnswered, got)
	}

	sig.deliverEnded()
	if got := pub.Peers(); got != 0 {
		t.Fatalf("Peers after stream end=%d, want 0", got)
	}
}

func TestPublisher_IgnoresUnusableOffers(t *testing.T) {
	m := metrics.New()
	sig := &fakeSignaler{}
	answers := 0
	sig.onAnswer = func(webrtc.SessionDescription, string) { answers++ }

	pub := webrtcpeer.NewPublisher(nil, sig, webrtcpeer.PublisherConfig{Logger: discardLogger(), Metrics: m})
	if err := pub.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pub.Close()

	sig.deliverOffer(signaling.OfferMessage{Offer: signaling.SDP{Type: "offer", SDP: "v=0\r\n"}})
	sig.deliverOffer(signaling.OfferMessage{Offer: signaling.SDP{Type: "answer", SDP: "v=0\r\n"}, From: "v1"})
	sig.deliverOffer(signaling.OfferMessage{Offer: signaling.SDP{Type: "offer", SDP: "not sdp"}, From: "v2"})

	if answers != 0 {
		t.Fatalf("answers=%d, want 0", answers)
	}
	if got := pub.Peers(); got != 0 {
		t.Fatalf("Peers=%d, want 0", got)
	}
	if got := m.Get(metrics.PeerFailed); got != 2 {
		t.Fatalf("%s=%d, want 2", metrics.PeerFailed, got)
	}
}

func TestPublisher_EnforcesMaxPeers(t *testing.T) {
	m := metrics.New()
	sig := &fakeSignaler{}
	var targets []string
	sig.onAnswer = func(_ webrtc.SessionDescription, target string) { targets = append(targets, target) }

	pub := webrtcpeer.NewPublisher(nil, sig, webrtcpeer.PublisherConfig{MaxPeers: 1, Logger: discardLogger(), Metrics: m})
	if err := pub.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pub.Close()

	api := webrtc.NewAPI()
	_, offer1 := viewerOffer(t, api, false)
	_, offer2 := viewerOffer(t, api, false)

	sig.deliverOffer(signaling.OfferMessage{Offer: signaling.SDPFromPion(offer1), From: "v1"})
	sig.deliverOffer(signaling.OfferMessage{Offer: signaling.SDPFromPion(offer2), From: "v2"})
	// A renegotiating viewer replaces its own slot.
	sig.deliverOffer(signaling.OfferMessage{Offer: signaling.SDPFromPion(offer1), From: "v1"})

	if len(targets) != 2 || targets[0] != "v1" || targets[1] != "v1" {
		t.Fatalf("answered=%v, want [v1 v1]", targets)
	}
	if got := pub.Peers(); got != 1 {
		t.Fatalf("Peers=%d, want 1", got)
	}
	if got := m.Get(metrics.PeerFailed); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.PeerFailed, got)
	}
}

func TestPublisher_CloseUnsubscribes(t *testing.T) {
	sig := &fakeSignaler{}
	pub := webrtcpeer.NewPublisher(nil, sig, webrtcpeer.PublisherConfig{Logger: discardLogger()})
	if err := pub.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sig.subscribed() {
		t.Fatalf("expected publisher to subscribe to signaling events")
	}
	if err := pub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sig.subscribed() {
		t.Fatalf("expected Close to remove listeners")
	}
	if err := pub.Start(); err == nil {
		t.Fatalf("expected Start after Close to fail")
	}
}

func TestPublisher_StartAgainResubscribesAndDropsViewers(t *testing.T) {
	sig := &fakeSignaler{}
	pub := webrtcpeer.NewPublisher(nil, sig, webrtcpeer.PublisherConfig{Logger: discardLogger()})
	if err := pub.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pub.Close()

	_, offer := viewerOffer(t, webrtc.NewAPI(), false)
	sig.deliverOffer(signaling.OfferMessage{Offer: signaling.SDPFromPion(offer), From: "v1"})
	if got := pub.Peers(); got != 1 {
		t.Fatalf("Peers=%d, want 1", got)
	}

	if err := pub.Start(); err != nil {
		t.Fatalf("Start again: %v", err)
	}
	if !sig.subscribed() {
		t.Fatalf("expected listeners on the new connection")
	}
	if got := pub.Peers(); got != 0 {
		t.Fatalf("Peers after resubscribe=%d, want 0", got)
	}
}
