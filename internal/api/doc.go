// Package api implements the HTTP REST API and WebSocket server for the
// RouterWatch dashboard.
//
// This package provides:
//   - REST endpoints for device views, the desired fleet set, device
//     commands and the history log
//   - WebSocket hub for real-time state changes, removals and events
//   - JWT authentication with ticket-based WebSocket auth
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The server reads canonical state from the fleet service and never
// mutates it except through Reconcile and the command helpers. The Hub is
// registered as a fleet listener and a history notifier, so every state
// change and recorded event reaches subscribed dashboards.
//
// # Commands
//
// Commands are fire-and-forget. A device without a live connection yields
// 409 with code device_unavailable; nothing is queued.
package api
