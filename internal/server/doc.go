// Package server hosts the dashboard API behind a single HTTP server.
//
// It assembles a consistent middleware chain of request IDs, logging,
// metrics, security headers, CORS, and rate limiting so every handler shares
// the same protections and instrumentation.
package server
