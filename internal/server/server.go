// Package server holds the HTTP middleware shared by the orchestrator's
// endpoints.
package server

import "net/http"

// Options tune the middleware chain.
type Options struct {
	CORSOrigins     []string
	CORSMethods     []string
	CORSHeaders     []string
	CORSCredentials bool
	CORSMaxAge      int
	// GzipMinSize is the smallest body that gets compressed; 0 means 512.
	GzipMinSize     int
}

// Wrap applies CORS and gzip compression around next.
func Wrap(next http.Handler, opts Options) http.Handler {
	return withCORS(opts, withGzip(opts.GzipMinSize, next))
}
