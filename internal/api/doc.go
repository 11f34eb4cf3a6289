// Package api implements the HTTP REST API for datasync.
//
// New(deps) returns an http.Handler that serves:
//
//	GET    /api/v1/health                    widget counts and connection state
//	GET    /api/v1/widgets                   all mounted widgets ([]coordinator.View)
//	GET    /api/v1/widgets/{id}              single widget; 404 if unknown
//	POST   /api/v1/widgets/{id}/refresh      forced reload; 502 if the fetch fails
//	POST   /api/v1/widgets/{id}/clear-error  clears the widget's error message
//	PUT    /api/v1/widgets/{id}/filters      replaces filters (JSON object body)
//	GET    /api/v1/cache/stats               cache.Stats
//	DELETE /api/v1/cache                     drops every entry and resets counters
//	GET    /api/v1/jobs                      polling jobs and aggregate counters
//	GET    /api/v1/connection                push channel state and counters
//	GET    /metrics                          the same counters in Prometheus text format
//
// JSON endpoints respond with Content-Type: application/json and return 405
// with a JSON error body for unsupported methods.
package api
