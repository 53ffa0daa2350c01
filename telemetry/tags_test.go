package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
}

func TestInjectTags_DefaultsClassEmpty(t *testing.T) {
	r := newTaggedRequest()
	tags := GetTags(r)
	require.Empty(t, tags.AssetClass)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetAssetClass(t *testing.T) {
	r := newTaggedRequest()
	SetAssetClass(r, "image")
	require.Equal(t, "image", GetTags(r).AssetClass)
}

func TestSetAssetClass_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetAssetClass(r, "image") // should not panic
}

func TestSetCacheResult(t *testing.T) {
	r := newTaggedRequest()
	SetCacheResult(r, CacheMemoryHit)
	require.Equal(t, CacheMemoryHit, GetTags(r).CacheResult)
}

func TestSetEndpoint(t *testing.T) {
	r := newTaggedRequest()
	SetEndpoint(r, "media")
	require.Equal(t, "media", GetTags(r).Endpoint)
}

func TestAssetClassFromContext_Background(t *testing.T) {
	ctx := WithAssetClassContext(context.Background(), "video")
	require.Equal(t, "video", AssetClassFromContext(ctx))
}

func TestAssetClassFromContext_RequestTags(t *testing.T) {
	r := newTaggedRequest()
	SetAssetClass(r, "thumbnail")
	require.Equal(t, "thumbnail", AssetClassFromContext(r.Context()))
}

func TestAssetClassFromContext_Empty(t *testing.T) {
	require.Empty(t, AssetClassFromContext(context.Background()))
}
