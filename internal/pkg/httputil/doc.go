// Package httputil provides shared HTTP response/request utilities for handlers.
//
// Handlers use these helpers instead of raw http.ResponseWriter calls so the
// JSON formatting and error envelope are the same on every endpoint.
package httputil
