package signalserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/metrics"
	"github.com/cosmic-community/personal-livestream-platform-sub001/internal/signaling"
)

var errBodyTooLarge = errors.New("request body too large")

// handlePollPost opens a session when no sid is given and otherwise accepts one
// envelope from the session's client.
func (s *Server) handlePollPost(w http.ResponseWriter, r *http.Request) {
	if !s.origins.allows(r) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	sid := r.URL.Query().Get("sid")
	if sid == "" {
		p := s.newPeer(true)
		s.addPeer(p)
		writeJSON(w, http.StatusOK, signaling.Handshake{SID: p.id})
		return
	}

	p := s.pollPeer(sid)
	if p == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	p.touch()

	if !p.limiter.Allow() {
		s.cfg.Metrics.Inc(metrics.DropReasonRateLimited)
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	body, err := readBody(r.Body, s.cfg.MaxMessageBytes)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			s.cfg.Metrics.Inc(metrics.DropReasonTooLarge)
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	env, err := signaling.ParseEnvelope(body)
	if err != nil {
		s.cfg.Metrics.Inc(metrics.MessageDecodeError)
		http.Error(w, "invalid envelope", http.StatusBadRequest)
		return
	}
	s.handle(p, env)
	w.WriteHeader(http.StatusNoContent)
}

// handlePollGet holds the request until at least one envelope is queued for the
// session or PollWait elapses (204).
func (s *Server) handlePollGet(w http.ResponseWriter, r *http.Request) {
	p := s.pollPeer(r.URL.Query().Get("sid"))
	if p == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	p.touch()
	defer p.touch()

	timer := time.NewTimer(s.cfg.PollWait)
	defer timer.Stop()

	var batch []signaling.Envelope
	select {
	case env := <-p.out:
		batch = append(batch, env)
	case <-timer.C:
		w.WriteHeader(http.StatusNoContent)
		return
	case <-p.done:
		http.Error(w, "session closed", http.StatusGone)
		return
	case <-r.Context().Done():
		return
	}

drain:
	for len(batch) < pollBatchMax {
		select {
		case env := <-p.out:
			batch = append(batch, env)
		default:
			break drain
		}
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handlePollDelete(w http.ResponseWriter, r *http.Request) {
	p := s.pollPeer(r.URL.Query().Get("sid"))
	if p == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	s.removePeer(p, "client closed")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pollPeer(sid string) *peer {
	if sid == "" {
		return nil
	}
	p := s.peer(sid)
	if p == nil || !p.polling {
		return nil
	}
	return p
}

func readBody(r io.Reader, max int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, errBodyTooLarge
	}
	return b, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
