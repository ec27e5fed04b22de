// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to start (or resume) a crawl in this process.
//   - POST /v1/jobs/{job_id}/workers to attach more workers to a job.
//   - GET /v1/jobs/{job_id} for frontier, dedup and emission counts.
//   - DELETE /v1/jobs/{job_id} to stop local workers and clear the job.
package api
