// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry bootstrap, health checks and graceful shutdown for the
// Tally credit ledger service.
//
// Logging is a thin wrapper over stdlib slog emitting JSON, with
// WithField/WithError chaining and context propagation of request and user
// ids. Metrics are package-level Prometheus collectors under the tally_
// namespace, exposed via Handler(). OpenTelemetry export is disabled unless
// configured.
package observability
