// Package signaling implements the server side of the stream directory and
// negotiation relay: a room/stream registry that stays consistent under
// concurrent joins, leaves and disconnects, and a stateless relay that routes
// opaque negotiation payloads between exactly two connections.
//
// Endpoints:
//   - GET /ws : the per-client message channel (WebSocket)
package signaling
