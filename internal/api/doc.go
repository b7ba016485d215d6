// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/websites to capture a new website (or reconcile a known one).
//   - POST /v1/websites/{website_id}/reconcile and /index to run a stage.
//   - GET /v1/websites/{website_id}/pages and /jobs, GET /v1/jobs/{job_id}
//     for inspection.
package api
