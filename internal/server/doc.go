// Package server implements the collaboration hub: the connection registry,
// room index, message router, broadcaster and heartbeat monitor, plus the
// HTTP and WebSocket surface that feeds them.
//
// The Hub owns every shared structure. Each connection runs a read pump that
// routes inbound envelopes and a write pump that is the only writer of data
// frames; every disconnect path funnels through the same teardown.
package server
