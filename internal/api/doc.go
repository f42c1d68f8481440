// Package api hosts the HTTP server and REST handlers for submitting and
// inspecting research tasks. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/tasks to submit, GET /v1/tasks/{task_id} for status, and
//     GET /v1/tasks/{task_id}/history for the transition log.
//   - GET /v1/companies/search as a synchronous registry passthrough.
package api
