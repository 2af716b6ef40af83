// Package classify maps an intercepted request to the caching strategy
// class that should serve it.
package classify

import (
	"net/url"
	"path"
	"strings"
)

// Class tags a request with the strategy that should handle it.
type Class int

const (
	// ClassOther is the default pass-through class
	ClassOther Class = iota

	// ClassNavigation is a top-level document navigation
	ClassNavigation

	// ClassAPIData is a read of cacheable application data
	ClassAPIData

	// ClassStaticAsset is an immutable asset (bundle, image, icon)
	ClassStaticAsset
)

// String returns the class tag name.
func (c Class) String() string {
	switch c {
	case ClassNavigation:
		return "navigation"
	case ClassAPIData:
		return "api-data"
	case ClassStaticAsset:
		return "static-asset"
	default:
		return "other"
	}
}

// API path patterns served network-first.
var apiPatterns = []string{
	"/api/profile",
	"/api/schools",
	"/api/homework",
	"/api/assignments",
	"/api/attendance",
	"/api/lessons",
}

// Static-asset path markers served cache-first.
var assetSegments = []string{
	"/static/",
	"/assets/",
	"/icons/",
}

var assetExtensions = map[string]struct{}{
	".css": {},
	".js":  {},
	".png": {},
	".jpg": {},
	".svg": {},
}

// Classify tags a request by URL and navigation mode. Precedence:
// navigation, then API data, then static asset, then other. Pure and
// deterministic; non-GET requests never reach classification.
func Classify(rawURL string, navigation bool) Class {
	if navigation {
		return ClassNavigation
	}

	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}

	for _, pattern := range apiPatterns {
		if strings.Contains(p, pattern) {
			return ClassAPIData
		}
	}

	for _, segment := range assetSegments {
		if strings.Contains(p, segment) {
			return ClassStaticAsset
		}
	}
	if _, ok := assetExtensions[strings.ToLower(path.Ext(p))]; ok {
		return ClassStaticAsset
	}

	return ClassOther
}
