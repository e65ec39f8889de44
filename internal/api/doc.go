// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz for probes and GET /metrics for Prometheus scraping.
//   - GET /v1/rankings and /v1/rankings/{region}/{server} for filtered snapshot reads.
//   - GET /v1/search for cross-scope lookups.
//   - POST /v1/refresh to queue background crawls, GET /v1/refresh/{id} for status.
//   - /v1/cache and /v1/quarantine for operators.
//
// Read and refresh routes pass through token bucket admission; denials carry
// a Retry-After header.
package api
