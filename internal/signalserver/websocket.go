package signalserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/metrics"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/signaling"
)

const wsWriteWait = 5 * time.Second

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) writeText(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConn) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) writeClose(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.origins.allows(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	upgrader := websocket.Upgrader{
		// Origin is enforced above so rejected browsers get a plain 403.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	c := &wsConn{conn: conn}

	p := s.newPeer(false)
	hs, err := signaling.NewEnvelope(signaling.EventConnect, signaling.Handshake{SID: p.id})
	if err == nil {
		var b []byte
		if b, err = json.Marshal(hs); err == nil {
			err = c.writeText(b)
		}
	}
	if err != nil {
		_ = conn.Close()
		return
	}

	s.addPeer(p)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wsWriteLoop(c, p)
	}()

	reason := s.wsReadLoop(c, p)
	s.removePeer(p, reason)
	<-done
	_ = conn.Close()
}

func (s *Server) wsReadLoop(c *wsConn, p *peer) string {
	conn := c.conn
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.cfg.Metrics.Inc(metrics.DropReasonTooLarge)
				c.writeClose(websocket.CloseMessageTooBig, "message too large")
				return "message too large"
			}
			return "connection closed"
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		p.touch()

		if !p.limiter.Allow() {
			s.cfg.Metrics.Inc(metrics.DropReasonRateLimited)
			c.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return "rate limited"
		}
		if msgType != websocket.TextMessage {
			continue
		}
		env, err := signaling.ParseEnvelope(data)
		if err != nil {
			s.cfg.Metrics.Inc(metrics.MessageDecodeError)
			s.log.Debug("dropping malformed signaling message", "sid", p.id, "err", err)
			continue
		}
		s.handle(p, env)
	}
}

func (s *Server) wsWriteLoop(c *wsConn, p *peer) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			c.writeClose(websocket.CloseNormalClosure, "")
			_ = c.conn.Close()
			return
		case env := <-p.out:
			b, err := json.Marshal(env)
			if err != nil {
				continue
			}
			if err := c.writeText(b); err != nil {
				_ = c.conn.Close()
				<-p.done
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				_ = c.conn.Close()
				<-p.done
				return
			}
		}
	}
}
