package broadcast

import (
	"encoding/json"
	"errors"
)

const fallbackStartError = "Failed to start broadcast"

var (
	// ErrNotConnected is returned without contacting the server when an
	// operation needs an established connection.
	ErrNotConnected = errors.New("broadcast: not connected to signaling server")

	// ErrAckTimeout is returned when the server neither accepts nor rejects a
	// start request within Options.AckTimeout.
	ErrAckTimeout = errors.New("broadcast: start timeout")

	// ErrReconnectFailed is returned to Connect callers once the consecutive
	// connection error ceiling is reached.
	ErrReconnectFailed = errors.New("broadcast: reconnection attempts exhausted")

	ErrStartPending     = errors.New("broadcast: start already pending")
	ErrDisconnected     = errors.New("broadcast: disconnected")
	ErrBroadcastStopped = errors.New("broadcast: stopped")
	ErrInvalidState     = errors.New("broadcast: invalid state")
)

// ServerError is a start request rejected by the server. Error returns the
// server's message verbatim.
type ServerError struct {
	Code    string
	Message string
	Details json.RawMessage
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fallbackStartError
	}
	return e.Message
}
