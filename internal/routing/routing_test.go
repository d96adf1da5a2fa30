package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHostMatchesExact(t *testing.T) {
	assert.True(t, HostMatches("example.com", "example.com"))
	assert.False(t, HostMatches("example.com", "www.example.com"))
}

func TestHostMatchesWildcard(t *testing.T) {
	assert.True(t, HostMatches("*.example.com", "www.example.com"))
	assert.True(t, HostMatches("*.example.com", "a.b.example.com"))
	assert.False(t, HostMatches("*.example.com", "example.com"))
	assert.False(t, HostMatches("*.example.com", "notexample.com"))
}

func TestHostMatchesIsCaseInsensitive(t *testing.T) {
	assert.True(t, HostMatches("Example.COM", "example.com"))
}

func TestPathMatchesExact(t *testing.T) {
	assert.True(t, PathMatches("/api", "/api"))
	assert.True(t, PathMatches("/api", "/api/"))
	assert.False(t, PathMatches("/api", "/api/v2"))
}

func TestPathMatchesSubtree(t *testing.T) {
	assert.True(t, PathMatches("/api/*", "/api"))
	assert.True(t, PathMatches("/api/*", "/api/v2"))
	assert.False(t, PathMatches("/api/*", "/apiv2"))
}

func TestPathMatchesPrefix(t *testing.T) {
	assert.True(t, PathMatches("/api*", "/api"))
	assert.True(t, PathMatches("/api*", "/apiv2"))
	assert.True(t, PathMatches("/api*", "/api/v2"))
}

func TestHostPatternsOverlap(t *testing.T) {
	assert.True(t, HostPatternsOverlap("example.com", "example.com"))
	assert.False(t, HostPatternsOverlap("example.com", "other.com"))
	assert.True(t, HostPatternsOverlap("*.example.com", "www.example.com"))
	assert.False(t, HostPatternsOverlap("*.example.com", "example.com"))
	assert.True(t, HostPatternsOverlap("*.example.com", "*.www.example.com"))
	assert.False(t, HostPatternsOverlap("*.a.com", "*.b.com"))
}

func TestPathPatternsOverlap(t *testing.T) {
	assert.True(t, PathPatternsOverlap("/api", "/api"))
	assert.False(t, PathPatternsOverlap("/api", "/other"))
	assert.True(t, PathPatternsOverlap("/api/*", "/api/v2"))
	assert.True(t, PathPatternsOverlap("/*", "/anything"))
	assert.False(t, PathPatternsOverlap("/api/*", "/other/*"))
}

func TestOverlapsRequiresBothHostAndPath(t *testing.T) {
	a := Route{Host: "example.com", Path: "/api/*"}
	b := Route{Host: "example.com", Path: "/api/v2"}
	assert.True(t, Overlaps(a, b))

	c := Route{Host: "other.com", Path: "/api/v2"}
	assert.False(t, Overlaps(a, c))
}

func TestFirstConflict(t *testing.T) {
	existing := []Route{{Host: "example.com", Path: "/*"}}
	candidate := []Route{{Host: "example.com", Path: "/api"}}

	e, c, found := FirstConflict(existing, candidate)
	assert.True(t, found)
	assert.Equal(t, existing[0], e)
	assert.Equal(t, candidate[0], c)

	_, _, found = FirstConflict(existing, []Route{{Host: "other.com", Path: "/api"}})
	assert.False(t, found)
}
