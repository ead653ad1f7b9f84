// Package version reports the arbiter build version.
package version

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// Override replaces the embedded version when set with
// -ldflags "-X github.com/ShayCichocki/arbiter/internal/version.Override=v1.2.3".
var Override string

// Get returns the current version, with whitespace trimmed.
func Get() string {
	if v := strings.TrimSpace(Override); v != "" {
		return strings.TrimPrefix(v, "v")
	}
	return strings.TrimSpace(versionContent)
}
