// Package signaling defines the event-named message protocol spoken between a
// broadcaster and the signaling server, and the transports that carry it.
//
// Messages are JSON envelopes of the form {"event": "...", "data": {...}}.
// Two transports are provided: a WebSocket transport (preferred) and an HTTP
// long-poll transport used when the WebSocket upgrade is unavailable.
package signaling
