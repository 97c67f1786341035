package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/broadcast"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/config"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/metrics"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/signaling"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/signalserver"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/webrtcpeer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestBroadcaster(t *testing.T, url string, mutate func(*broadcast.Options)) (*broadcaster, *metrics.Metrics) {
	t.Helper()
	m := metrics.New()
	opts := broadcast.DefaultOptions()
	opts.URL = url
	opts.Backoff = broadcast.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
	opts.Logger = discardLogger()
	opts.Metrics = m
	if mutate != nil {
		mutate(&opts)
	}
	sess := broadcast.New(opts)
	pub := webrtcpeer.NewPublisher(nil, sess, webrtcpeer.PublisherConfig{Logger: discardLogger(), Metrics: m})
	b := newBroadcaster(sess, pub, signaling.StreamTypeScreen, discardLogger())
	b.interval = 10 * time.Millisecond
	b.restart = broadcast.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2}
	return b, m
}

func TestBroadcaster_GoesLiveAndStopsOnShutdown(t *testing.T) {
	srv := signalserver.New(signalserver.Config{Logger: discardLogger()})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	b, _ := newTestBroadcaster(t, ts.URL, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.run(ctx) }()

	waitFor(t, "broadcast live on server", func() bool {
		_, live := srv.Live()
		return live
	})
	waitFor(t, "broadcaster live", b.live.Load)
	if st := b.sess.State(); st != broadcast.StateLive {
		t.Fatalf("state=%v, want %v", st, broadcast.StateLive)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run=%v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	b.shutdown(shutdownCtx)

	waitFor(t, "broadcast to end on server", func() bool {
		_, live := srv.Live()
		return !live
	})
	if b.sess.IsConnected() {
		t.Fatalf("session still connected after shutdown")
	}
}

func TestBroadcaster_ReportsGiveUp(t *testing.T) {
	srv := signalserver.New(signalserver.Config{Logger: discardLogger()})
	ts := httptest.NewServer(srv.Handler())

	b, m := newTestBroadcaster(t, ts.URL, func(o *broadcast.Options) {
		o.ReconnectAttempts = 2
	})
	defer b.shutdown(context.Background())

	done := make(chan error, 1)
	go func() { done <- b.run(context.Background()) }()
	waitFor(t, "broadcaster live", b.live.Load)

	srv.Close()
	ts.Close()

	select {
	case err := <-done:
		if !errors.Is(err, broadcast.ErrReconnectFailed) {
			t.Fatalf("run=%v, want ErrReconnectFailed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not give up")
	}
	if got := m.Get(metrics.ReconnectGiveUp); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.ReconnectGiveUp, got)
	}
}

func TestBroadcaster_ConnectFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	defer ts.Close()

	b, _ := newTestBroadcaster(t, ts.URL, func(o *broadcast.Options) {
		o.DisableReconnect = true
	})
	defer b.shutdown(context.Background())

	if err := b.run(context.Background()); !errors.Is(err, broadcast.ErrReconnectFailed) {
		t.Fatalf("run=%v, want ErrReconnectFailed", err)
	}
}

func TestStatusServer(t *testing.T) {
	srv := signalserver.New(signalserver.Config{Logger: discardLogger()})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	b, m := newTestBroadcaster(t, ts.URL, nil)
	status := newStatusServer(config.Config{StatusListenAddr: "127.0.0.1:0"}, discardLogger(), b, m)
	statusTS := httptest.NewServer(status.Mux())
	defer statusTS.Close()

	resp, err := http.Get(statusTS.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	resp.Body.Close()
	// Serve was never called, so the server reports not ready regardless.
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.run(ctx) }()
	defer b.shutdown(context.Background())
	waitFor(t, "broadcaster live", b.live.Load)

	resp, err = http.Get(statusTS.URL + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{`"connected":true`, `"state":"live"`, `"transport":"websocket"`, `"viewers":0`} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("status body missing %s: %s", want, body)
		}
	}

	resp, err = http.Get(statusTS.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	for _, want := range []string{"livestream_broadcaster_connected 1", "livestream_broadcaster_live 1", `livestream_signaling_events_total{event="broadcast_start_ok"} 1`} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics body missing %s:\n%s", want, body)
		}
	}
}

func TestBroadcaster_ReannouncesAfterRejection(t *testing.T) {
	srv := signalserver.New(signalserver.Config{Logger: discardLogger()})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	opts := broadcast.DefaultOptions()
	opts.URL = ts.URL
	opts.Logger = discardLogger()
	other := broadcast.New(opts)
	defer other.Disconnect()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := other.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := other.StartBroadcast(ctx, signaling.StreamTypeWebcam); err != nil {
		t.Fatalf("StartBroadcast: %v", err)
	}

	b, m := newTestBroadcaster(t, ts.URL, nil)
	defer b.shutdown(context.Background())
	runCtx, stop := context.WithCancel(context.Background())
	defer stop()
	go func() { _ = b.run(runCtx) }()

	waitFor(t, "start rejected", func() bool { return m.Get(metrics.BroadcastStartRejected) >= 1 })
	if b.live.Load() {
		t.Fatalf("broadcaster live while another broadcast holds the server")
	}

	other.StopBroadcast(ctx)
	other.Disconnect()

	waitFor(t, "broadcaster live after the other broadcast ended", func() bool {
		return b.live.Load() && b.sess.State() == broadcast.StateLive
	})
	if got := m.Get(metrics.BroadcastStartOK); got != 1 {
		t.Fatalf("%s=%d, want 1", metrics.BroadcastStartOK, got)
	}
}

// endingServer acknowledges every start and ends the stream announced on
// the first connection right away.
type endingServer struct {
	handshakes atomic.Int32
	starts     atomic.Int32
}

func (e *endingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != signaling.WebSocketPath {
		http.NotFound(w, r)
		return
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	n := e.handshakes.Add(1)
	write := func(event signaling.Event, payload any) error {
		env, err := signaling.NewEnvelope(event, payload)
		if err != nil {
			return err
		}
		return conn.WriteJSON(env)
	}
	if err := write(signaling.EventConnect, signaling.Handshake{SID: fmt.Sprintf("sid-%d", n)}); err != nil {
		return
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := signaling.ParseEnvelope(data)
		if err != nil || env.Event != signaling.EventStartBroadcast {
			continue
		}
		var req signaling.StartBroadcast
		if err := env.Decode(&req); err != nil {
			continue
		}
		e.starts.Add(1)
		if err := write(signaling.EventStreamStarted, signaling.StreamStarted{RequestID: req.RequestID, StreamID: "stream"}); err != nil {
			return
		}
		if n == 1 {
			if err := write(signaling.EventStreamEnded, signaling.StreamEnded{StreamID: "stream", Reason: "ingest_lost"}); err != nil {
				return
			}
		}
	}
}

func TestBroadcaster_ReannouncesAfterStreamEnded(t *testing.T) {
	es := &endingServer{}
	ts := httptest.NewServer(es)
	defer ts.Close()

	b, _ := newTestBroadcaster(t, ts.URL, nil)
	defer b.shutdown(context.Background())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = b.run(ctx) }()

	waitFor(t, "broadcast live on a fresh connection", func() bool {
		return b.sess.SocketID() == "sid-2" && b.sess.State() == broadcast.StateLive && b.live.Load()
	})
	if got := es.starts.Load(); got != 2 {
		t.Fatalf("starts=%d, want 2", got)
	}
}
