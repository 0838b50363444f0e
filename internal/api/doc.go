// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sync and /v1/schedule to run a cycle on demand.
//   - GET /v1/catalog and POST /v1/catalog/{name}/enqueue for catalog access.
package api
