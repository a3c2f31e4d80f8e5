// Package api hosts the optional status server for a running harvest.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for the live run counters.
//   - GET /v1/failures for the recorded failures, paged with limit/offset.
package api
