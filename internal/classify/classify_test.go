package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyNavigationTakesPrecedence(t *testing.T) {
	// Navigation mode wins even over API and asset patterns
	assert.Equal(t, ClassNavigation, Classify("https://api.madrasti.app/api/attendance", true))
	assert.Equal(t, ClassNavigation, Classify("https://api.madrasti.app/static/js/bundle.js", true))
	assert.Equal(t, ClassNavigation, Classify("https://api.madrasti.app/dashboard", true))
}

func TestClassifyAPIData(t *testing.T) {
	urls := []string{
		"https://api.madrasti.app/api/profile",
		"https://api.madrasti.app/api/schools/42",
		"https://api.madrasti.app/api/homework?due=today",
		"https://api.madrasti.app/api/assignments/7",
		"https://api.madrasti.app/api/attendance?date=2026-03-02",
		"https://api.madrasti.app/api/lessons",
	}
	for _, u := range urls {
		assert.Equal(t, ClassAPIData, Classify(u, false), u)
	}
}

func TestClassifyStaticAsset(t *testing.T) {
	urls := []string{
		"https://api.madrasti.app/static/js/bundle.js",
		"https://api.madrasti.app/assets/logo.png",
		"https://api.madrasti.app/icons/icon-192.png",
		"https://api.madrasti.app/theme.css",
		"https://api.madrasti.app/photo.JPG",
		"https://api.madrasti.app/chart.svg",
	}
	for _, u := range urls {
		assert.Equal(t, ClassStaticAsset, Classify(u, false), u)
	}
}

func TestClassifyAPIBeatsAssetExtension(t *testing.T) {
	// API patterns are checked before asset markers
	assert.Equal(t, ClassAPIData, Classify("https://api.madrasti.app/api/lessons/plan.js", false))
}

func TestClassifyOther(t *testing.T) {
	urls := []string{
		"https://api.madrasti.app/health",
		"https://api.madrasti.app/api/other",
		"https://api.madrasti.app/",
	}
	for _, u := range urls {
		assert.Equal(t, ClassOther, Classify(u, false), u)
	}
}

func TestClassifyDeterministic(t *testing.T) {
	for i := 0; i < 3; i++ {
		assert.Equal(t, ClassAPIData, Classify("https://api.madrasti.app/api/profile", false))
	}
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "navigation", ClassNavigation.String())
	assert.Equal(t, "api-data", ClassAPIData.String())
	assert.Equal(t, "static-asset", ClassStaticAsset.String())
	assert.Equal(t, "other", ClassOther.String())
}
