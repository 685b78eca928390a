// Package observability provides structured logging, Prometheus metrics,
// and graceful shutdown management for the MCTrack services.
//
// The Logger wraps log/slog with a JSON handler and field chaining. Metrics
// covers HTTP traffic, event ingestion outcomes, the event buffer, the
// session registry, the player upsert queue, and aggregation runs. The
// ShutdownManager drains the HTTP server and registered components in order
// on SIGINT/SIGTERM.
package observability
