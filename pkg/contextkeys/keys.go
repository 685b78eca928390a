// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
//
// USAGE PATTERN:
//   import "github.com/mctrack/mctrack/pkg/contextkeys"
//   ctx = context.WithValue(ctx, contextkeys.ScopeKey, scope)
//   scope := ctx.Value(contextkeys.ScopeKey).(*middleware.Scope)
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions
type Key string

const (
	// ScopeKey contains *middleware.Scope
	// Set by: middleware.APIKeyAuth (pkg/middleware/auth.go)
	// Required by: All ingestion endpoints
	// Type: *middleware.Scope
	ScopeKey Key = "api_key_scope"

	// RequestIDKey contains request ID string (UUID)
	// Set by: HTTP middleware, observability layer
	// Used by: Logger, request tracing
	// Type: string
	RequestIDKey Key = "request_id"
)

// WithScope adds the authenticated API key scope to the context
func WithScope(ctx context.Context, scope interface{}) context.Context {
	return context.WithValue(ctx, ScopeKey, scope)
}

// WithRequestID adds request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}
