// Package api hosts the read-only HTTP server for report consumers and
// operators. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for job and content counts plus the success-rate alert.
//   - GET /v1/contents and /v1/contents/{bookmark_id} for committed content.
//   - GET /v1/jobs?status= and /v1/bookmarks/{bookmark_id}/job for job state.
//
// Job state is never changed through the API; every transition belongs to the
// orchestrator.
package api
