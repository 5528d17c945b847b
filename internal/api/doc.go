// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs/... for job submission, stop, and cancellation.
//   - GET /v1/ledger for browsing the download ledger.
package api
