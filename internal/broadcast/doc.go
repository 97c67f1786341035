// Package broadcast manages the broadcaster's session with the signaling
// server: one logical connection with bounded reconnection, the start/stop
// broadcast handshake, and relay of WebRTC negotiation messages.
package broadcast
