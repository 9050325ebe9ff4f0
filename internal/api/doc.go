// Package api implements the HTTP surfaces of the fleet services.
//
// The same Server runs in two shapes:
//
//   - Management plane: the device REST API under /api/v1/tenants/devices,
//     the control channel websocket endpoint, /api/v1/health and /metrics.
//   - Hub operations: only /api/v1/health and /metrics, used when the
//     management dependencies are left unset.
//
// # Device endpoints
//
//	POST   /api/v1/tenants/devices/register
//	PUT    /api/v1/tenants/devices/update
//	DELETE /api/v1/tenants/devices/remove
//	POST   /api/v1/tenants/devices/status
//	POST   /api/v1/tenants/devices/command
//	GET    /api/v1/tenants/devices/sensors
//	POST   /api/v1/tenants/devices/sensors/add
//	DELETE /api/v1/tenants/devices/sensors/remove
//	GET    /api/v1/tenants/devices/connected
//
// Tenant and device identifiers are exactly six characters; anything else
// is rejected with 400 before touching storage.
//
// Command endpoints block until the device answers or the command timeout
// elapses. A device that answers with a failure maps to 422, a timeout to
// 504, a device that drops its connection mid-command to 502 and a device
// that is not connected at all to 404.
//
// Errors use the structured body {"status", "code", "message"}.
package api
