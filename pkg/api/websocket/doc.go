// Package websocket provides real-time event streaming via WebSocket.
//
// Clients can connect to /api/v1/events/ws to receive live events from
// the bus, optionally filtered by event type or correlation id.
package websocket
