// Package requestid propagates request IDs between the management API and
// outbound backend calls.
package requestid

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header carries the request ID on both inbound and outbound HTTP requests.
const Header = "X-Request-ID"

type ctxKey struct{}

// WithRequestID returns a context with the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext extracts the request ID from context, or generates a new one.
func FromContext(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.New().String()
}

// New generates a new request ID and returns the enriched context and ID.
func New(ctx context.Context) (context.Context, string) {
	id := uuid.New().String()
	return WithRequestID(ctx, id), id
}

// Inject sets the Header on req from the request's context.
func Inject(req *http.Request) {
	if req.Header.Get(Header) != "" {
		return
	}
	req.Header.Set(Header, FromContext(req.Context()))
}
