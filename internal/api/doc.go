// Package api hosts the HTTP server, middleware and handlers. Notable routes:
//   - GET /api/jobs runs one fetch and returns the result as JSON.
//   - GET /api/jobs/stream runs one fetch and reports progress as
//     server-sent events.
//   - GET /api/jobs/latest serves the last archived result.
//   - GET /api/sessions and /api/sessions/{session_id}[/stages] expose fetch
//     history through the SessionRepository interface.
//   - GET /healthz, /readyz and /metrics for probes and Prometheus.
package api
