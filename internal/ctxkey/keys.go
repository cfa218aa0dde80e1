// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the request-scoped logger, enriched
// with session/request-correlation fields by the inbound protocol server.
type LoggerKey struct{}

// RequestIDKey is the context key type for the upstream request-correlation
// ID (a google/uuid value), propagated through the orchestrator and into
// downstream call logging.
type RequestIDKey struct{}
