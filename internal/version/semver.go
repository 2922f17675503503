package version

import (
	"strconv"
	"strings"
)

// parseSemver extracts the core major.minor.patch numbers from a version
// string. Prerelease suffixes (-beta) and build metadata (+sha) are dropped,
// missing parts default to zero, and unparseable input yields 0.0.0.
func parseSemver(v string) [3]int {
	v = strings.TrimPrefix(v, "v")

	// Strip build metadata, then prerelease.
	if i := strings.IndexByte(v, '+'); i >= 0 {
		v = v[:i]
	}
	if i := strings.IndexByte(v, '-'); i >= 0 {
		v = v[:i]
	}

	var out [3]int
	parts := strings.Split(v, ".")
	for i := 0; i < len(parts) && i < 3; i++ {
		n, err := strconv.Atoi(parts[i])
		if err != nil {
			return [3]int{}
		}
		out[i] = n
	}
	return out
}

// isNewer reports whether latest is a strictly newer release than current,
// comparing core versions only.
func isNewer(latest, current string) bool {
	l := parseSemver(latest)
	c := parseSemver(current)

	for i := 0; i < 3; i++ {
		if l[i] != c[i] {
			return l[i] > c[i]
		}
	}
	return false
}
