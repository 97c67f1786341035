package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// pollTransport emulates a bidirectional channel over HTTP: a long-lived GET
// drains server-queued envelopes while each Send is an individual POST.
type pollTransport struct {
	client   *http.Client
	endpoint string
	sid      string
	maxBytes int64
	pollWait time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	queue []Envelope

	closeOnce sync.Once
}

func dialPolling(ctx context.Context, cfg DialConfig) (*pollTransport, error) {
	endpoint, err := endpointURL(cfg.URL, PollingPath, false)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, cfg.Header)
	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: poll handshake status %d", ErrHandshake, resp.StatusCode)
	}
	body, err := readLimited(resp.Body, cfg.MaxMessageBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	var hs Handshake
	if err := json.Unmarshal(body, &hs); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if hs.SID == "" {
		return nil, fmt.Errorf("%w: empty sid", ErrHandshake)
	}

	tctx, cancel := context.WithCancel(context.Background())
	return &pollTransport{
		client:   cfg.HTTPClient,
		endpoint: endpoint,
		sid:      hs.SID,
		maxBytes: cfg.MaxMessageBytes,
		pollWait: cfg.PollWait,
		ctx:      tctx,
		cancel:   cancel,
	}, nil
}

func (t *pollTransport) Name() TransportName { return TransportPolling }

func (t *pollTransport) SID() string { return t.sid }

func (t *pollTransport) sessionURL() string {
	return t.endpoint + "?" + url.Values{"sid": {t.sid}}.Encode()
}

func (t *pollTransport) Send(ctx context.Context, env Envelope) error {
	if t.ctx.Err() != nil {
		return ErrTransportClosed
	}
	data, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	reqCtx, cancel := t.requestContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.sessionURL(), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return t.mapErr(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return statusErr(resp.StatusCode)
}

func (t *pollTransport) Receive(ctx context.Context) (Envelope, error) {
	for {
		t.mu.Lock()
		if len(t.queue) > 0 {
			env := t.queue[0]
			t.queue = t.queue[1:]
			t.mu.Unlock()
			return env, nil
		}
		t.mu.Unlock()

		batch, err := t.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return Envelope{}, ctx.Err()
			}
			return Envelope{}, err
		}
		t.mu.Lock()
		t.queue = append(t.queue, batch...)
		t.mu.Unlock()
	}
}

func (t *pollTransport) poll(ctx context.Context) ([]Envelope, error) {
	reqCtx, cancel := t.requestContext(ctx)
	defer cancel()
	reqCtx, cancelWait := context.WithTimeout(reqCtx, t.pollWait)
	defer cancelWait()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, t.sessionURL(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		// A poll that outlived pollWait is simply retried.
		if reqCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil && t.ctx.Err() == nil {
			return nil, nil
		}
		return nil, t.mapErr(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if err := statusErr(resp.StatusCode); err != nil {
		return nil, err
	}

	// A batch may carry many envelopes, each bounded by maxBytes.
	body, err := readLimited(resp.Body, t.maxBytes*64)
	if err != nil {
		return nil, err
	}
	var batch []Envelope
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("%w: decode poll batch: %v", ErrMalformedMessage, err)
	}
	out := batch[:0]
	for _, env := range batch {
		if env.Event == "" {
			continue
		}
		out = append(out, env)
	}
	return out, nil
}

func (t *pollTransport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.sessionURL(), nil)
		if err != nil {
			return
		}
		resp, err := t.client.Do(req)
		if err != nil {
			return
		}
		_ = resp.Body.Close()
	})
	return nil
}

// requestContext returns a context that ends with either ctx or the transport.
func (t *pollTransport) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	reqCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(t.ctx, cancel)
	return reqCtx, func() {
		stop()
		cancel()
	}
}

func (t *pollTransport) mapErr(err error) error {
	if t.ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrTransportClosed, err)
	}
	return err
}

func statusErr(code int) error {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return fmt.Errorf("%w: server closed session (status %d)", ErrTransportClosed, code)
	case code == http.StatusRequestEntityTooLarge:
		return ErrMessageTooLarge
	case code < 200 || code > 299:
		return fmt.Errorf("signaling: unexpected status %d", code)
	default:
		return nil
	}
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func encodeEnvelope(env Envelope) ([]byte, error) {
	if env.Event == "" {
		return nil, ErrMissingEvent
	}
	return json.Marshal(env)
}

func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return nil, ErrMessageTooLarge
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, ErrMessageTooLarge
	}
	return b, nil
}
