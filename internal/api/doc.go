// Package api implements the diagnostics HTTP API and WebSocket event stream
// for the CFU service.
//
// This package provides:
//   - Read endpoints for registered components, their state and update history
//   - An endpoint that runs a full firmware update session through the host driver
//   - A WebSocket hub streaming component transitions and notifications
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//   - Prometheus exposition at /metrics and a JSON system snapshot
//
// # Architecture
//
// The server sits beside the update engine. Reads go straight to the service
// context; update sessions go through host.Driver, which submits requests on
// behalf of the component exactly as an external host would. The Hub is a
// cfu.Observer and is normally attached to the telemetry fan-out.
//
// # Graceful Degradation
//
// The server operates without MQTT, InfluxDB or a history repository. Missing
// dependencies only disable the endpoints that need them.
package api
