package mediacache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyForDeterministic(t *testing.T) {
	k1 := KeyFor("https://example.com/img1.jpg", ClassImage)
	k2 := KeyFor("https://example.com/img1.jpg", ClassImage)
	require.Equal(t, k1, k2)
	require.False(t, k1.IsZero())
}

func TestKeyForClassSeparation(t *testing.T) {
	uri := "https://example.com/img1.jpg"
	img := KeyFor(uri, ClassImage)
	thumb := KeyFor(uri, ClassThumbnail)
	video := KeyFor(uri, ClassVideo)

	require.NotEqual(t, img.Digest, thumb.Digest)
	require.NotEqual(t, img.Digest, video.Digest)
	require.NotEqual(t, thumb.Digest, video.Digest)
}

func TestKeyForMalformedURI(t *testing.T) {
	// Malformed URIs must still produce a usable key.
	k := KeyFor("not a uri at all \x00\xff ::://", ClassImage)
	require.False(t, k.IsZero())
	require.NotContains(t, k.String(), " ")
}

func TestKeyStringFilesystemSafe(t *testing.T) {
	k := KeyFor("https://example.com/a/b/c?x=1&y=2", ClassVideo)
	s := k.String()
	require.NotContains(t, s, "/")
	require.NotContains(t, s, "example.com", "key must not leak the source URI")
	require.Len(t, s, len("video-")+HashSize*2)
}

func TestParseCacheKeyRoundTrip(t *testing.T) {
	k := KeyFor("https://example.com/v.mp4", ClassVideo)
	parsed, err := ParseCacheKey(k.String())
	require.NoError(t, err)
	require.Equal(t, k, parsed)
}

func TestParseCacheKeyInvalid(t *testing.T) {
	_, err := ParseCacheKey("nodash")
	require.Error(t, err)

	_, err = ParseCacheKey("badclass-" + strings.Repeat("ab", HashSize))
	require.Error(t, err)

	_, err = ParseCacheKey("image-nothex")
	require.Error(t, err)
}

func TestBlobStorageKeyRoundTrip(t *testing.T) {
	k := KeyFor("https://example.com/t.png", ClassThumbnail)
	storageKey := BlobStorageKey(k)

	require.True(t, strings.HasPrefix(storageKey, "blobs/thumbnail/"))

	parsed, err := ParseBlobStorageKey(storageKey)
	require.NoError(t, err)
	require.Equal(t, k, parsed)
}

func TestParseBlobStorageKeyInvalid(t *testing.T) {
	_, err := ParseBlobStorageKey("blobs/image/ab")
	require.Error(t, err)

	_, err = ParseBlobStorageKey("other/image/ab/" + strings.Repeat("ab", HashSize))
	require.Error(t, err)
}

func TestParseAssetClass(t *testing.T) {
	c, err := ParseAssetClass("Image")
	require.NoError(t, err)
	require.Equal(t, ClassImage, c)

	_, err = ParseAssetClass("gif")
	require.Error(t, err)

	for _, class := range Classes() {
		require.True(t, class.Valid())
	}
	require.False(t, AssetClass("bogus").Valid())
}
