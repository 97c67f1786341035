package signaling

import "errors"

var (
	ErrHandshake            = errors.New("signaling: handshake failed")
	ErrTransportClosed      = errors.New("signaling: transport closed")
	ErrNoTransports         = errors.New("signaling: no transports configured")
	ErrUnsupportedTransport = errors.New("signaling: unsupported transport")
	ErrMessageTooLarge      = errors.New("signaling: message too large")
	ErrMissingEvent         = errors.New("signaling: envelope missing event")
	ErrInvalidStreamType    = errors.New("signaling: invalid stream type")

	// ErrMalformedMessage is returned by Transport.Receive for an inbound
	// message that is not a valid envelope. The transport remains usable.
	ErrMalformedMessage = errors.New("signaling: malformed message")
)
