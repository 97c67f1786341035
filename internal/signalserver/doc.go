// Package signalserver is a reference signaling server for a single personal
// livestream. It speaks the protocol defined in package signaling over both
// the WebSocket and long-poll transports and relays WebRTC negotiation
// messages between the broadcaster and its viewers.
package signalserver
