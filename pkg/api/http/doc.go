// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Supervisor and agent status queries
//   - Agent pause and resume
//   - Event history queries
//   - Health checks
//   - Prometheus metrics
package http
