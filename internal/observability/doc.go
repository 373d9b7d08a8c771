// Package observability builds the zap loggers used across the adapter and
// the HTTP request logging middleware.
package observability
