// Package api hosts the admin HTTP server. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/requests to push an ad-hoc request onto the start queue.
package api
