package broadcast

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/signaling"
)

type fakeTransport struct {
	sid  string
	name signaling.TransportName

	in   chan signaling.Envelope
	sent chan signaling.Envelope

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeTransport(sid string) *fakeTransport {
	return &fakeTransport{
		sid:    sid,
		name:   signaling.TransportWebSocket,
		in:     make(chan signaling.Envelope, 64),
		sent:   make(chan signaling.Envelope, 64),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) Name() signaling.TransportName { return t.name }
func (t *fakeTransport) SID() string                   { return t.sid }

func (t *fakeTransport) Send(ctx context.Context, env signaling.Envelope) error {
	select {
	case <-t.closed:
		return signaling.ErrTransportClosed
	default:
	}
	select {
	case t.sent <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *fakeTransport) Receive(ctx context.Context) (signaling.Envelope, error) {
	select {
	case env := <-t.in:
		return env, nil
	case <-t.closed:
		return signaling.Envelope{}, signaling.ErrTransportClosed
	case <-ctx.Done():
		return signaling.Envelope{}, ctx.Err()
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// push delivers a server message to the session.
func (t *fakeTransport) push(tb testing.TB, event signaling.Event, payload any) {
	tb.Helper()
	env, err := signaling.NewEnvelope(event, payload)
	if err != nil {
		tb.Fatalf("NewEnvelope: %v", err)
	}
	t.in <- env
}

// next returns the next message the session sent.
func (t *fakeTransport) next(tb testing.TB) signaling.Envelope {
	tb.Helper()
	select {
	case env := <-t.sent:
		return env
	case <-time.After(2 * time.Second):
		tb.Fatalf("timed out waiting for outbound message")
		return signaling.Envelope{}
	}
}

func (t *fakeTransport) assertNothingSent(tb testing.TB) {
	tb.Helper()
	select {
	case env := <-t.sent:
		tb.Fatalf("unexpected outbound %s", env.Event)
	default:
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	dials int
	fail  func(n int) error
	gate  chan struct{}

	created chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{created: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context) (signaling.Transport, error) {
	d.mu.Lock()
	d.dials++
	n := d.dials
	fail := d.fail
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(n); err != nil {
			return nil, err
		}
	}
	tr := newFakeTransport(fmt.Sprintf("sid-%d", n))
	d.created <- tr
	return tr, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) setFail(fn func(n int) error) {
	d.mu.Lock()
	d.fail = fn
	d.mu.Unlock()
}

func (d *fakeDialer) transport(tb testing.TB) *fakeTransport {
	tb.Helper()
	select {
	case tr := <-d.created:
		return tr
	case <-time.After(2 * time.Second):
		tb.Fatalf("timed out waiting for dial")
		return nil
	}
}

var errRefused = errors.New("connection refused")

func testOptions(d Dialer) Options {
	return Options{
		Dialer:         d,
		ConnectTimeout: time.Second,
		AckTimeout:     time.Second,
		Backoff:        Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2},
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// connected returns a session with an established fake transport.
func connected(t *testing.T, opts func(*Options)) (*Session, *fakeDialer, *fakeTransport) {
	t.Helper()
	d := newFakeDialer()
	o := testOptions(d)
	if opts != nil {
		opts(&o)
	}
	s := New(o)
	t.Cleanup(s.Disconnect)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s, d, d.transport(t)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
