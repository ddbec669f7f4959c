package tenant

import (
	"context"
	"errors"
)

type contextKey string

const (
	tenantKey contextKey = "tenant"
	runIDKey  contextKey = "runID"
)

// ErrTenantNotFound is returned when no tenant is found in context
var ErrTenantNotFound = errors.New("tenant not found in context")

// ErrRunIDNotFound is returned when no run ID is found in context
var ErrRunIDNotFound = errors.New("run ID not found in context")

// WithTenant adds a tenant to the context
func WithTenant(ctx context.Context, tenant string) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// FromContext extracts the tenant from the context
func FromContext(ctx context.Context) (string, error) {
	t, ok := ctx.Value(tenantKey).(string)
	if !ok || t == "" {
		return "", ErrTenantNotFound
	}
	return t, nil
}

// FromContextOr returns the tenant in ctx or fallback when none is set.
func FromContextOr(ctx context.Context, fallback string) string {
	if t, err := FromContext(ctx); err == nil {
		return t
	}
	return fallback
}

// WithRunID tags the context with the id of an enrichment run or request.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey, runID)
}

// RunIDFromContext extracts the run ID from the context
func RunIDFromContext(ctx context.Context) (string, error) {
	id, ok := ctx.Value(runIDKey).(string)
	if !ok || id == "" {
		return "", ErrRunIDNotFound
	}
	return id, nil
}
