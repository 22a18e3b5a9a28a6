// Package middleware provides the HTTP middleware chain for the credit API:
// session-backed user extraction, per-request credit metering, Redis-backed
// distributed rate limiting, and request logging/metrics.
//
// Ordering matters: RequestID and Logging wrap everything, Auth resolves the
// user, RateLimit gates by user, and Metering deducts credits last so a
// rate-limited or unauthenticated request is never charged.
package middleware
