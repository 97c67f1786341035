package main

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/broadcast"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/signaling"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/webrtcpeer"
)

const defaultSuperviseInterval = time.Second

// errRestart asks run for a fresh signaling session. A session the server
// stopped only announces again after a new handshake.
var errRestart = errors.New("broadcast stopped by server")

// broadcaster keeps one broadcast announced on the signaling server and
// answers viewers through the publisher.
type broadcaster struct {
	sess       *broadcast.Session
	pub        *webrtcpeer.Publisher
	streamType signaling.StreamType
	log        *slog.Logger
	interval   time.Duration
	// restart spaces out fresh sessions after the server stops or rejects
	// the broadcast.
	restart broadcast.Backoff

	// Owned by the run goroutine.
	restarts int

	viewers atomic.Int64
	live    atomic.Bool
}

func newBroadcaster(sess *broadcast.Session, pub *webrtcpeer.Publisher, streamType signaling.StreamType, logger *slog.Logger) *broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &broadcaster{
		sess:       sess,
		pub:        pub,
		streamType: streamType,
		log:        logger,
		interval:   defaultSuperviseInterval,
		restart:    broadcast.Backoff{Min: time.Second, Max: 30 * time.Second, Factor: 2, Jitter: 0.2},
	}
}

// run keeps the broadcast announced until ctx is done. Within one session it
// re-announces whenever the connection comes back idle after a transport
// reconnect. When the server rejects, times out or ends the broadcast it
// disconnects and starts a fresh session after a backoff. It returns nil when
// ctx is done and an error when the session gives up reconnecting.
func (b *broadcaster) run(ctx context.Context) error {
	for {
		err := b.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if !errors.Is(err, errRestart) {
			return err
		}

		delay := b.restart.Duration(b.restarts)
		b.restarts++
		b.log.Info("restarting signaling session", "delay", delay, "restarts", b.restarts)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (b *broadcaster) runSession(ctx context.Context) error {
	if err := b.sess.Connect(ctx); err != nil {
		return err
	}

	removes := []func(){
		b.sess.OnViewerCount(func(n int) {
			b.viewers.Store(int64(n))
			b.log.Info("viewer count changed", "viewers", n)
		}),
		b.sess.OnStreamEnded(func(e signaling.StreamEnded) {
			b.live.Store(false)
			b.log.Info("stream ended", "stream_id", e.StreamID, "reason", e.Reason)
		}),
		b.sess.OnStreamError(func(e *broadcast.ServerError) {
			b.log.Warn("signaling server reported an error", "code", e.Code, "err", e)
		}),
	}
	defer func() {
		for _, remove := range removes {
			remove()
		}
	}()

	if err := b.pub.Start(); err != nil {
		return err
	}

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		if err := b.supervise(ctx); err != nil {
			if errors.Is(err, errRestart) {
				b.sess.Disconnect()
				b.viewers.Store(0)
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (b *broadcaster) supervise(ctx context.Context) error {
	st := b.sess.Status()
	if !st.Connected {
		b.live.Store(false)
		if !st.Reconnecting {
			return broadcast.ErrReconnectFailed
		}
		return nil
	}
	if st.StartPending {
		return nil
	}
	switch st.State {
	case broadcast.StateStopped:
		b.live.Store(false)
		return errRestart
	case broadcast.StateIdle:
	default:
		return nil
	}

	err := b.sess.StartBroadcast(ctx, b.streamType)
	var serverErr *broadcast.ServerError
	switch {
	case err == nil:
		b.live.Store(true)
		b.restarts = 0
		b.log.Info("broadcast live", "stream_type", b.streamType, "sid", b.sess.SocketID(), "transport", b.sess.Transport())
	case ctx.Err() != nil:
	case errors.As(err, &serverErr):
		b.log.Warn("broadcast start rejected", "code", serverErr.Code, "err", err)
	default:
		b.log.Warn("broadcast start failed", "err", err)
	}
	return nil
}

// shutdown stops the broadcast so viewers are told the stream ended, then
// closes every viewer connection and the signaling session.
func (b *broadcaster) shutdown(ctx context.Context) {
	if b.sess.State() == broadcast.StateLive {
		b.sess.StopBroadcast(ctx)
	}
	_ = b.pub.Close()
	b.sess.Disconnect()
	b.live.Store(false)
}
