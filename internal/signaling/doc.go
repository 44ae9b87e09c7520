// Package signaling is the WebSocket surface for browser clients: one
// connection per client, a versioned JSON request protocol, and server-push
// events from the coordinator.
package signaling
