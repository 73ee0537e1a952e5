// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sessions and /v1/sessions/{id}/pause|resume|cancel for
//     driving crawl sessions.
//   - GET /v1/events for the server-sent event stream.
package api
