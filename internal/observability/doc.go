// Package observability provides structured logging and metrics for the
// authorization service.
//
// This package implements:
//   - Process logger construction (zap-based)
//   - Prometheus metrics for HTTP requests and access decisions
package observability
