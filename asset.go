package mediacache

import (
	"fmt"
	"strings"
)

// AssetClass identifies the category of cached media. Each class has its own
// cache budget and its own key namespace, so the same source URI cached as an
// image and as a thumbnail never collides.
type AssetClass string

const (
	ClassImage     AssetClass = "image"
	ClassThumbnail AssetClass = "thumbnail"
	ClassVideo     AssetClass = "video"
)

// Classes lists all asset classes in a stable order.
func Classes() []AssetClass {
	return []AssetClass{ClassImage, ClassThumbnail, ClassVideo}
}

// ParseAssetClass parses an asset class string (case-insensitive).
func ParseAssetClass(s string) (AssetClass, error) {
	switch AssetClass(strings.ToLower(s)) {
	case ClassImage:
		return ClassImage, nil
	case ClassThumbnail:
		return ClassThumbnail, nil
	case ClassVideo:
		return ClassVideo, nil
	default:
		return "", fmt.Errorf("unknown asset class %q", s)
	}
}

// Valid reports whether the asset class is one of the known classes.
func (c AssetClass) Valid() bool {
	switch c {
	case ClassImage, ClassThumbnail, ClassVideo:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (c AssetClass) String() string {
	return string(c)
}
