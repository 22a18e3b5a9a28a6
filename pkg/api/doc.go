// Package api is the HTTP surface of the credit service: balance, history and
// usage endpoints for authenticated users, a checkout-initiation endpoint for
// credit purchases, the payment-processor webhook, and health probes.
//
// Handlers stay thin: they parse, call the ledger service or reconciler, and
// map the error taxonomy onto status codes. Credit endpoints run behind the
// auth, rate-limit and metering middleware; the webhook endpoint is gated by
// signature verification instead.
package api
