package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteWait = 5 * time.Second

type wsTransport struct {
	conn *websocket.Conn
	sid  string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func dialWebSocket(ctx context.Context, cfg DialConfig) (*wsTransport, error) {
	endpoint, err := endpointURL(cfg.URL, WebSocketPath, true)
	if err != nil {
		return nil, err
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultHandshakeWait,
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, cfg.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(cfg.MaxMessageBytes)

	deadline := time.Now().Add(defaultHandshakeWait)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	_ = conn.SetReadDeadline(deadline)

	msgType, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if msgType != websocket.TextMessage {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: expected text message", ErrHandshake)
	}
	sid, err := parseHandshake(data)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	return &wsTransport{conn: conn, sid: sid}, nil
}

func parseHandshake(data []byte) (string, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if env.Event != EventConnect {
		return "", fmt.Errorf("%w: expected %q event, got %q", ErrHandshake, EventConnect, env.Event)
	}
	var hs Handshake
	if err := env.Decode(&hs); err != nil {
		return "", fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if hs.SID == "" {
		return "", fmt.Errorf("%w: empty sid", ErrHandshake)
	}
	return hs.SID, nil
}

func (t *wsTransport) Name() TransportName { return TransportWebSocket }

func (t *wsTransport) SID() string { return t.sid }

func (t *wsTransport) Send(ctx context.Context, env Envelope) error {
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	deadline := time.Now().Add(wsWriteWait)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return t.mapErr(err)
	}
	return nil
}

func (t *wsTransport) Receive(ctx context.Context) (Envelope, error) {
	// Unblock the pending read when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return Envelope{}, ctx.Err()
			}
			return Envelope{}, t.mapErr(err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		env, err := ParseEnvelope(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return env, nil
	}
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) mapErr(err error) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		return fmt.Errorf("%w: %v", ErrMessageTooLarge, err)
	}
	if errors.Is(err, net.ErrClosed) || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return err
}
