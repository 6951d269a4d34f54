// Package httpx is sentrylink's resilient HTTP client.
//
// Every request goes through the same pipeline: bearer injection from a
// TokenSource, a per-attempt timeout, bounded retries with exponential
// backoff for transient failures, one transparent retry after a 401-driven
// token refresh, and normalization of all terminal failures into *Error.
package httpx
