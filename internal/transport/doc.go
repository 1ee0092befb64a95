// Package transport implements the gateway WebSocket client.
//
// The client:
//   - Dials the gateway and registers with a signed register frame
//   - Delivers normalized inbound events to a single handler, in order
//   - Sends acks for delivered events
//   - Detects stale connections via ping/pong silence
//
// A client survives reconnects: Connect may be called again on the same
// object after a drop, and only Close is permanent. Each connect produces a
// new connection generation; goroutines of a torn-down generation can no
// longer mutate shared state.
package transport
