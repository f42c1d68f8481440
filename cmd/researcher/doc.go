// Package main hosts the researcher service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts research tasks (a website domain or a
//     registry search name), reports their state and transition history, and
//     proxies registry searches synchronously.
//   - Orchestration: internal/orchestrator persists each task, enqueues a job
//     reference and owns every state change. Dispatch is a compare-and-swap on
//     (state, attempts) so duplicate deliveries never run a task twice.
//   - Queue & workers: jobs flow through the configured queue (memory, Redis list
//     or Pub/Sub) to a fixed worker pool. Jobs run detached from shutdown and are
//     bounded by workers.job_timeout.
//   - Fetch pipeline: every request passes the per-host rate limiter, the
//     robots.txt gate and a bounded retry loop with jittered backoff. Fetched
//     website pages can be archived to memory, a local directory or GCS.
//   - Persistence: tasks live in memory, Postgres or SQLite.
//
// Operational notes:
//   - On start, RUNNING tasks older than tasks.stale_after are moved to RETRYING
//     and every PENDING or RETRYING task is re-enqueued.
//   - SIGINT/SIGTERM stop the HTTP server and let in-flight attempts finish.
//   - Configure via a YAML file (--config) or RESEARCH_* environment variables,
//     e.g. RESEARCH_STORE_PROVIDER=postgres. PORT overrides server.port.
//
// Quick checklist:
//   - Run locally: go run ./cmd/researcher serve
//   - One-off lookups: go run ./cmd/researcher scrape website example.com
//     or scrape registry "Acme Inc" --jurisdiction us_de
package main
