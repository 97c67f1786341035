package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/metrics"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/signaling"
)

// Session is the broadcaster's view of the signaling server. It owns at most
// one connection at a time; callers only use its methods.
//
// Construct with New and tear down with Disconnect.
type Session struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	conn       *connection
	transport  signaling.Transport
	sid        string
	connecting bool
	attempts   int
	state      State
	pending    *pendingStart
	changed    chan struct{}
}

// connection is one logical link: it survives transport drops and redials
// until Disconnect or the error ceiling destroys it. Listeners are scoped to it.
type connection struct {
	ctx    context.Context
	cancel context.CancelFunc

	handlers handlers

	// Guarded by Session.mu.
	failures int
	err      error
}

type handlers struct {
	offer     registry[signaling.OfferMessage]
	answer    registry[signaling.AnswerMessage]
	candidate registry[signaling.CandidateMessage]
	viewers   registry[int]
	started   registry[signaling.StreamStarted]
	ended     registry[signaling.StreamEnded]
	streamErr registry[*ServerError]
}

type pendingStart struct {
	id     string
	timer  *time.Timer
	result chan error
}

// Status is a point-in-time snapshot of the session.
type Status struct {
	Connected         bool   `json:"connected"`
	Connecting        bool   `json:"connecting"`
	// Reconnecting is true while a connection exists but has no transport:
	// dialing, backing off, or redialing after a drop.
	Reconnecting      bool   `json:"reconnecting"`
	SocketID          string `json:"socketId,omitempty"`
	Transport         string `json:"transport,omitempty"`
	State             State  `json:"state"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	StartPending      bool   `json:"startPending"`
}

// New returns a disconnected Session. Zero-valued options take their defaults.
func New(opts Options) *Session {
	opts = opts.WithDefaults()
	return &Session{
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
		changed: make(chan struct{}),
	}
}

func (s *Session) Metrics() *metrics.Metrics { return s.metrics }

// Connect returns once the session holds an established transport. It is
// idempotent: when connected it returns nil immediately, and concurrent calls
// join the attempt already underway. ctx bounds only the wait; the connection
// keeps retrying in the background until it succeeds or hits the error
// ceiling, in which case every waiter gets ErrReconnectFailed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	c := s.conn
	if c == nil {
		cctx, cancel := context.WithCancel(context.Background())
		c = &connection{ctx: cctx, cancel: cancel}
		s.conn = c
		s.connecting = true
		go s.run(c)
	}
	for {
		if s.conn != c {
			err := c.err
			s.mu.Unlock()
			if err == nil {
				err = ErrDisconnected
			}
			return err
		}
		if s.transport != nil {
			s.mu.Unlock()
			return nil
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
	}
}

// Disconnect tears down the connection, if any. It is safe to call repeatedly
// and from listeners.
func (s *Session) Disconnect() {
	s.mu.Lock()
	tr := s.transport
	if s.conn != nil {
		s.destroyLocked(s.conn, ErrDisconnected)
		s.log.Info("signaling disconnected by caller")
	}
	s.attempts = 0
	s.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
}

// IsConnected reports whether a transport is established.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport != nil
}

// SocketID returns the server-assigned connection id, or "" when not connected.
func (s *Session) SocketID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sid
}

// State returns the current broadcast state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReconnectAttempts is the number of consecutive connection errors since the
// last successful connect or Disconnect.
func (s *Session) ReconnectAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Transport names the active transport, or "" when not connected.
func (s *Session) Transport() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.transport == nil {
		return ""
	}
	return string(s.transport.Name())
}

// Status returns a consistent snapshot of the connection and broadcast state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Connected:         s.transport != nil,
		Connecting:        s.connecting,
		Reconnecting:      s.conn != nil && s.transport == nil,
		SocketID:          s.sid,
		State:             s.state,
		ReconnectAttempts: s.attempts,
		StartPending:      s.pending != nil,
	}
	if s.transport != nil {
		st.Transport = string(s.transport.Name())
	}
	return st
}

// StartBroadcast asks the server to go live and waits for its verdict: nil on
// stream-started, *ServerError on stream-error, ErrAckTimeout when neither
// arrives within AckTimeout. It fails immediately with ErrNotConnected when
// there is no transport and with ErrStartPending while another start is
// outstanding.
func (s *Session) StartBroadcast(ctx context.Context, streamType signaling.StreamType) error {
	streamType, err := signaling.ParseStreamType(string(streamType))
	if err != nil {
		return err
	}

	s.mu.Lock()
	tr := s.transport
	switch {
	case tr == nil:
		s.mu.Unlock()
		return ErrNotConnected
	case s.pending != nil:
		s.mu.Unlock()
		return ErrStartPending
	case s.state != StateIdle:
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot start while %s", ErrInvalidState, state)
	}
	p := &pendingStart{id: uuid.NewString(), result: make(chan error, 1)}
	s.pending = p
	s.state = StateStarting
	p.timer = time.AfterFunc(s.opts.AckTimeout, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.resolveLocked(p, ErrAckTimeout) {
			s.metrics.Inc(metrics.BroadcastStartTimeout)
			s.log.Warn("broadcast start timed out", "request_id", p.id, "timeout", s.opts.AckTimeout)
		}
	})
	s.mu.Unlock()

	s.metrics.Inc(metrics.BroadcastStartRequested)
	s.log.Info("requesting broadcast start", "stream_type", streamType, "request_id", p.id)

	env, err := signaling.NewEnvelope(signaling.EventStartBroadcast, signaling.StartBroadcast{
		StreamType: streamType,
		Timestamp:  signaling.Timestamp(time.Now()),
		UserAgent:  s.opts.UserAgent,
		Resolution: s.opts.Resolution,
		RequestID:  p.id,
	})
	if err == nil {
		err = tr.Send(ctx, env)
	}
	if err != nil {
		s.resolve(p, fmt.Errorf("broadcast: send start-broadcast: %w", err))
	} else {
		s.metrics.Inc(metrics.MessageSent)
	}

	select {
	case err := <-p.result:
		return err
	case <-ctx.Done():
		s.resolve(p, ctx.Err())
		return <-p.result
	}
}

// StopBroadcast notifies the server when connected and moves the session to
// Stopped. A pending start fails with ErrBroadcastStopped. No acknowledgment
// is awaited.
func (s *Session) StopBroadcast(ctx context.Context) {
	s.mu.Lock()
	wasActive := s.state == StateLive || s.state == StateStarting
	s.resolveLocked(s.pending, ErrBroadcastStopped)
	if wasActive {
		s.state = StateStopped
	}
	s.mu.Unlock()

	if wasActive {
		s.metrics.Inc(metrics.BroadcastStopped)
		s.log.Info("broadcast stopped")
	}
	s.emit(ctx, signaling.EventStopBroadcast, signaling.StopBroadcast{Timestamp: signaling.Timestamp(time.Now())})
}

// SendOffer forwards an SDP offer, to targetID when set. Like the other relay
// operations it never fails: without a transport the message is dropped.
func (s *Session) SendOffer(ctx context.Context, offer webrtc.SessionDescription, targetID string) {
	s.emit(ctx, signaling.EventStreamOffer, signaling.OfferMessage{Offer: signaling.SDPFromPion(offer), TargetID: targetID})
}

// SendAnswer forwards an SDP answer, to targetID when set.
func (s *Session) SendAnswer(ctx context.Context, answer webrtc.SessionDescription, targetID string) {
	s.emit(ctx, signaling.EventStreamAnswer, signaling.AnswerMessage{Answer: signaling.SDPFromPion(answer), TargetID: targetID})
}

// SendIceCandidate forwards a local ICE candidate, to targetID when set.
func (s *Session) SendIceCandidate(ctx context.Context, candidate webrtc.ICECandidateInit, targetID string) {
	s.emit(ctx, signaling.EventICECandidate, signaling.CandidateMessage{Candidate: signaling.CandidateFromPion(candidate), TargetID: targetID})
}

func (s *Session) emit(ctx context.Context, event signaling.Event, payload any) bool {
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	if tr == nil {
		s.metrics.Inc(metrics.RelayDroppedNotConn)
		s.log.Debug("dropping signaling message while disconnected", "event", event)
		return false
	}

	env, err := signaling.NewEnvelope(event, payload)
	if err != nil {
		s.log.Error("encode signaling message", "event", event, "err", err)
		return false
	}
	if err := tr.Send(ctx, env); err != nil {
		s.log.Warn("send signaling message", "event", event, "err", err)
		return false
	}
	s.metrics.Inc(metrics.MessageSent)
	return true
}

// The On* methods attach a listener to the current connection and return a
// func that removes it. Listeners run on the receive goroutine in receipt
// order and must not block. Without a connection registration is a no-op;
// listeners are dropped with the connection.

func (s *Session) OnStreamOffer(fn func(signaling.OfferMessage)) func() {
	return onConnection(s, fn, func(h *handlers) *registry[signaling.OfferMessage] { return &h.offer })
}

func (s *Session) OnStreamAnswer(fn func(signaling.AnswerMessage)) func() {
	return onConnection(s, fn, func(h *handlers) *registry[signaling.AnswerMessage] { return &h.answer })
}

func (s *Session) OnIceCandidate(fn func(signaling.CandidateMessage)) func() {
	return onConnection(s, fn, func(h *handlers) *registry[signaling.CandidateMessage] { return &h.candidate })
}

func (s *Session) OnViewerCount(fn func(int)) func() {
	return onConnection(s, fn, func(h *handlers) *registry[int] { return &h.viewers })
}

func (s *Session) OnStreamStarted(fn func(signaling.StreamStarted)) func() {
	return onConnection(s, fn, func(h *handlers) *registry[signaling.StreamStarted] { return &h.started })
}

func (s *Session) OnStreamEnded(fn func(signaling.StreamEnded)) func() {
	return onConnection(s, fn, func(h *handlers) *registry[signaling.StreamEnded] { return &h.ended })
}

func (s *Session) OnStreamError(fn func(*ServerError)) func() {
	return onConnection(s, fn, func(h *handlers) *registry[*ServerError] { return &h.streamErr })
}

func onConnection[T any](s *Session, fn func(T), pick func(*handlers) *registry[T]) func() {
	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil || fn == nil {
		return func() {}
	}
	return pick(&c.handlers).add(fn)
}

func (s *Session) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Session) resolve(p *pendingStart, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(p, err)
}

// resolveLocked completes p exactly once. Later triggers for the same request
// find it gone and do nothing.
func (s *Session) resolveLocked(p *pendingStart, err error) bool {
	if p == nil || s.pending != p {
		return false
	}
	s.pending = nil
	p.timer.Stop()
	if err == nil {
		s.state = StateLive
	} else {
		s.state = StateStopped
	}
	p.result <- err
	return true
}

// destroyLocked removes c from the session. Only the first call for a given
// connection has an effect.
func (s *Session) destroyLocked(c *connection, err error) {
	if s.conn != c {
		return
	}
	c.err = err
	c.cancel()
	s.conn = nil
	s.transport = nil
	s.sid = ""
	s.connecting = false
	s.resolveLocked(s.pending, ErrDisconnected)
	if s.state == StateStarting || s.state == StateLive {
		s.state = StateStopped
	}
	s.notifyLocked()
}

func (s *Session) run(c *connection) {
	for {
		tr, err := s.dial(c)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if s.connectFailed(c, err) {
				return
			}
			if !s.sleep(c) {
				return
			}
			continue
		}
		if !s.connected(c, tr) {
			_ = tr.Close()
			return
		}

		err = s.readLoop(c, tr)
		_ = tr.Close()
		if c.ctx.Err() != nil {
			return
		}
		if s.disconnected(c, tr, err) {
			return
		}
		if !s.sleep(c) {
			return
		}
	}
}

func (s *Session) dial(c *connection) (signaling.Transport, error) {
	s.mu.Lock()
	if s.conn == c {
		s.connecting = true
	}
	s.mu.Unlock()
	s.metrics.Inc(metrics.ConnectAttempt)

	ctx, cancel := context.WithTimeout(c.ctx, s.opts.ConnectTimeout)
	defer cancel()
	return s.opts.Dialer.Dial(ctx)
}

func (s *Session) sleep(c *connection) bool {
	s.mu.Lock()
	delay := s.opts.Backoff.Duration(c.failures)
	s.mu.Unlock()

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Session) connected(c *connection, tr signaling.Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != c {
		return false
	}
	s.transport = tr
	s.sid = tr.SID()
	s.connecting = false
	s.attempts = 0
	c.failures = 0
	s.state = StateIdle
	s.notifyLocked()

	s.metrics.Inc(metrics.ConnectSuccess)
	if len(s.opts.Transports) > 0 && tr.Name() != s.opts.Transports[0] {
		s.metrics.Inc(metrics.TransportFallback)
	}
	s.log.Info("signaling connected", "sid", tr.SID(), "transport", tr.Name())
	return true
}

// connectFailed records a connection error and reports whether c was
// destroyed because the ceiling was reached.
func (s *Session) connectFailed(c *connection, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != c {
		return true
	}
	s.connecting = false
	s.attempts++
	c.failures++
	s.metrics.Inc(metrics.ConnectError)

	if s.opts.DisableReconnect || c.failures >= s.opts.ReconnectAttempts {
		s.metrics.Inc(metrics.ReconnectGiveUp)
		s.log.Error("signaling connection failed; giving up", "attempts", c.failures, "err", err)
		s.destroyLocked(c, fmt.Errorf("%w after %d attempts: %w", ErrReconnectFailed, c.failures, err))
		return true
	}
	s.log.Warn("signaling connection failed", "attempt", c.failures, "max_attempts", s.opts.ReconnectAttempts, "err", err)
	return false
}

// disconnected handles a dropped transport and reports whether c was
// destroyed instead of being redialed.
func (s *Session) disconnected(c *connection, tr signaling.Transport, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != c {
		return true
	}
	s.metrics.Inc(metrics.Disconnect)
	s.log.Warn("signaling disconnected", "sid", tr.SID(), "transport", tr.Name(), "err", err)

	if s.opts.DisableReconnect {
		s.destroyLocked(c, ErrDisconnected)
		return true
	}
	s.transport = nil
	s.sid = ""
	s.connecting = false
	s.resolveLocked(s.pending, ErrDisconnected)
	if s.state == StateStarting || s.state == StateLive {
		s.state = StateStopped
	}
	s.notifyLocked()
	return false
}

func (s *Session) readLoop(c *connection, tr signaling.Transport) error {
	for {
		env, err := tr.Receive(c.ctx)
		if err != nil {
			if errors.Is(err, signaling.ErrMalformedMessage) {
				s.metrics.Inc(metrics.MessageDecodeError)
				s.log.Debug("dropping malformed signaling message", "err", err)
				continue
			}
			return err
		}
		s.metrics.Inc(metrics.MessageReceived)
		s.dispatch(c, env)
	}
}

func (s *Session) dispatch(c *connection, env signaling.Envelope) {
	h := &c.handlers
	switch env.Event {
	case signaling.EventStreamStarted:
		var msg signaling.StreamStarted
		if len(env.Data) > 0 && !s.decode(env, &msg) {
			return
		}
		s.acknowledge(msg.RequestID, nil)
		h.started.emit(msg)

	case signaling.EventStreamError:
		var msg signaling.StreamError
		if len(env.Data) > 0 && !s.decode(env, &msg) {
			return
		}
		serr := &ServerError{Code: msg.Code, Message: msg.Message, Details: msg.Details}
		if serr.Message == "" {
			serr.Message = fallbackStartError
		}
		s.acknowledge(msg.RequestID, serr)
		h.streamErr.emit(serr)

	case signaling.EventStreamEnded:
		var msg signaling.StreamEnded
		if len(env.Data) > 0 && !s.decode(env, &msg) {
			return
		}
		s.mu.Lock()
		if s.state == StateLive {
			s.state = StateStopped
		}
		s.mu.Unlock()
		h.ended.emit(msg)

	case signaling.EventViewerCount:
		var msg signaling.ViewerCount
		if s.decode(env, &msg) {
			h.viewers.emit(msg.Count)
		}

	case signaling.EventStreamOffer:
		var msg signaling.OfferMessage
		if s.decode(env, &msg) {
			h.offer.emit(msg)
		}

	case signaling.EventStreamAnswer:
		var msg signaling.AnswerMessage
		if s.decode(env, &msg) {
			h.answer.emit(msg)
		}

	case signaling.EventICECandidate:
		var msg signaling.CandidateMessage
		if s.decode(env, &msg) {
			h.candidate.emit(msg)
		}

	default:
		s.log.Debug("ignoring signaling event", "event", env.Event)
	}
}

// acknowledge resolves the pending start. Every start carries a request id,
// so stream-started must echo it: an unaddressed stream-started is the
// server announcing someone else's stream. A stream-error without an id still
// rejects the single outstanding request.
func (s *Session) acknowledge(requestID string, serr *ServerError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	if p == nil {
		return
	}
	if requestID != p.id && (serr == nil || requestID != "") {
		return
	}
	var err error
	if serr != nil {
		err = serr
	}
	s.resolveLocked(p, err)
	if serr != nil {
		s.metrics.Inc(metrics.BroadcastStartRejected)
		s.log.Warn("broadcast start rejected", "request_id", p.id, "code", serr.Code, "message", serr.Message)
		return
	}
	s.metrics.Inc(metrics.BroadcastStartOK)
	s.log.Info("broadcast live", "request_id", p.id)
}

func (s *Session) decode(env signaling.Envelope, v any) bool {
	if err := env.Decode(v); err != nil {
		s.metrics.Inc(metrics.MessageDecodeError)
		s.log.Debug("dropping undecodable signaling message", "event", env.Event, "err", err)
		return false
	}
	return true
}
