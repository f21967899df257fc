// Package api implements the HTTP REST API and WebSocket server of ghome-fhem.
//
// This package provides:
//   - Device, room and characteristic endpoints backed by the device registry
//   - Characteristic queries and commands sent through the FHEM dispatchers
//   - Raw attribute reads from the attribute cache and the reading history
//   - API key to bearer token exchange (HS256) and ticket-based WebSocket auth
//   - The command audit trail
//   - A WebSocket hub broadcasting characteristic changes, optionally
//     filtered by device, and answering state snapshots
//
// # Routes
//
//	GET  /api/v1/health
//	GET  /api/v1/metrics
//	POST /api/v1/auth/token
//	POST /api/v1/auth/ws-ticket
//	GET  /api/v1/devices[?room=&connection=]
//	GET  /api/v1/devices/{name}
//	GET  /api/v1/devices/{name}/state
//	POST /api/v1/devices/{name}/identify
//	GET  /api/v1/devices/{name}/characteristics/{characteristic}[?index=]
//	PUT  /api/v1/devices/{name}/characteristics/{characteristic}
//	GET  /api/v1/rooms
//	GET  /api/v1/attributes
//	GET  /api/v1/attributes/{id}
//	GET  /api/v1/attributes/{id}/history[?limit=]
//	GET  /api/v1/audit[?device=&source=&status=&limit=&offset=]
//	GET  /api/v1/ws?ticket=
//
// Errors use the envelope {"error":{"code":"...","message":"..."}}.
//
// # Security
//
// Without a configured JWT secret all routes are open. With one, protected
// routes require "Authorization: Bearer <token>"; tokens are issued for the
// configured API keys.
package api
