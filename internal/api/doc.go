// Package api hosts the status server that runs alongside a crawl. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the active run's budget and checkpoint progress.
//   - GET /v1/runs for the run history from the metrics log.
package api
