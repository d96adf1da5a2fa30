// Package routing implements the pure host/path matching and
// route-overlap-detection functions the registry uses to enforce that no
// two apps claim the same traffic (Invariant 1). Every function here is
// a free function with no receiver and no side effects, so it can be
// exercised directly in unit tests without constructing a registry.
package routing

import (
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeHost lowercases and IDNA-normalizes a hostname the same way
// for the route table, the SNI resolver, and the local DNS responder,
// so the three components never diverge on what "the same host" means.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return ascii
}

// HostMatches reports whether host satisfies pattern. pattern is either
// an exact hostname or a leading "*." wildcard, which matches any proper
// subdomain of the base domain but not the base domain itself.
func HostMatches(pattern, host string) bool {
	pattern = NormalizeHost(pattern)
	host = NormalizeHost(host)

	if !strings.HasPrefix(pattern, "*.") {
		return pattern == host
	}
	base := pattern[2:]
	suffix := "." + base
	return host != base && strings.HasSuffix(host, suffix)
}

// normalizeExactPath strips a trailing slash from an exact path, except
// for the root path itself.
func normalizeExactPath(p string) string {
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		return strings.TrimSuffix(p, "/")
	}
	return p
}

// PathMatches reports whether path satisfies pattern. pattern is either
// an exact path, a trailing "/*" subtree match, or a trailing "*" prefix
// match.
func PathMatches(pattern, path string) bool {
	switch {
	case strings.HasSuffix(pattern, "/*"):
		prefix := strings.TrimSuffix(pattern, "/*")
		if prefix == "" {
			prefix = "/"
		}
		return path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
	case strings.HasSuffix(pattern, "*"):
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(path, prefix)
	default:
		return normalizeExactPath(pattern) == normalizeExactPath(path)
	}
}

// Matches reports whether a request for (host, path) is claimed by a
// route with the given host/path patterns.
func Matches(hostPattern, pathPattern, host, path string) bool {
	return HostMatches(hostPattern, host) && PathMatches(pathPattern, path)
}

// representativePaths returns a small set of concrete paths that, taken
// together, exercise every distinct shape a path pattern can match. Two
// patterns overlap iff some representative path of one is matched by
// the other (checked in both directions).
func representativePaths(pattern string) []string {
	switch {
	case strings.HasSuffix(pattern, "/*"):
		prefix := strings.TrimSuffix(pattern, "/*")
		if prefix == "" {
			prefix = ""
		}
		return []string{prefix + "/", prefix + "/x", prefix}
	case strings.HasSuffix(pattern, "*"):
		prefix := strings.TrimSuffix(pattern, "*")
		return []string{prefix, prefix + "x"}
	default:
		return []string{normalizeExactPath(pattern)}
	}
}

// PathPatternsOverlap reports whether any concrete path could match
// both path patterns.
func PathPatternsOverlap(a, b string) bool {
	for _, p := range representativePaths(a) {
		if PathMatches(b, p) {
			return true
		}
	}
	for _, p := range representativePaths(b) {
		if PathMatches(a, p) {
			return true
		}
	}
	return false
}

// suffixesOverlap reports whether wildcard base domains a and b could
// both match some common host: either is a suffix of the other.
func suffixesOverlap(a, b string) bool {
	return strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a) || a == b
}

// HostPatternsOverlap reports whether any concrete hostname could match
// both host patterns.
func HostPatternsOverlap(a, b string) bool {
	a, b = NormalizeHost(a), NormalizeHost(b)
	aWild, bWild := strings.HasPrefix(a, "*."), strings.HasPrefix(b, "*.")

	switch {
	case !aWild && !bWild:
		return a == b
	case aWild && bWild:
		return suffixesOverlap(a[2:], b[2:])
	case aWild:
		return HostMatches(a, b)
	default: // bWild
		return HostMatches(b, a)
	}
}

// Route is the minimal host/path pair routing needs; it mirrors
// core.Route without importing package core, keeping routing
// dependency-free and independently testable.
type Route struct {
	Host string
	Path string
}

// Overlaps reports whether two route claims could both match some
// concrete (host, path) request, i.e. whether deploying both would
// violate Invariant 1.
func Overlaps(a, b Route) bool {
	return HostPatternsOverlap(a.Host, b.Host) && PathPatternsOverlap(a.Path, b.Path)
}

// FirstConflict returns the first route in existing that overlaps with
// any route in candidate, or (Route{}, Route{}, false) if there is no
// conflict.
func FirstConflict(existing, candidate []Route) (existingRoute, candidateRoute Route, found bool) {
	for _, c := range candidate {
		for _, e := range existing {
			if Overlaps(e, c) {
				return e, c, true
			}
		}
	}
	return Route{}, Route{}, false
}
