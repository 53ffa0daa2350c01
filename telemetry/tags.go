// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// assetClassKey is the context key for propagating the asset class to
	// background goroutines.
	assetClassKey contextKey = "asset_class"
)

// CacheResult represents where a resolve was answered from.
type CacheResult string

const (
	CacheMemoryHit CacheResult = "memory_hit"
	CacheDiskHit   CacheResult = "disk_hit"
	CacheMiss      CacheResult = "miss"
	CacheError     CacheResult = "error"
	CacheBypass    CacheResult = "bypass"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	AssetClass  string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetAssetClass sets the asset class tag for metrics and logging.
func SetAssetClass(r *http.Request, class string) {
	if tags := GetTags(r); tags != nil {
		tags.AssetClass = class
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// AssetClassFromContext retrieves the asset class from a context.
// It checks both background contexts (set by WithAssetClassContext) and
// request contexts (set via InjectTags).
func AssetClassFromContext(ctx context.Context) string {
	if c, ok := ctx.Value(assetClassKey).(string); ok && c != "" {
		return c
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.AssetClass
	}
	return ""
}

// WithAssetClassContext returns a context with the asset class stored.
// Use this to propagate the class into goroutines that outlive the request
// context, like detached downloads.
func WithAssetClassContext(ctx context.Context, class string) context.Context {
	return context.WithValue(ctx, assetClassKey, class)
}
