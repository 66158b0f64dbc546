package models

import (
	"strings"
	"unicode"
)

// EC2 platform designations as returned in PlatformDetails
const (
	PlatformLinux   = "Linux/UNIX"
	PlatformWindows = "Windows"
	PlatformMacOS   = "macOS"
)

var architectures = map[string]string{
	"x64":     "x86_64",
	"x86_64":  "x86_64",
	"amd64":   "x86_64",
	"arm64":   "arm64",
	"aarch64": "arm64",
}

var platforms = map[string]string{
	"linux":   PlatformLinux,
	"windows": PlatformWindows,
	"macos":   PlatformMacOS,
}

var defaultFamilies = map[string][]string{
	PlatformLinux:   {"m7a", "m7g", "c7a", "c7g"},
	PlatformWindows: {"m7", "c7"},
	PlatformMacOS:   {"mac"},
}

// NormalizeArch maps user facing architecture names to EC2 ones. Unknown
// values pass through unchanged.
func NormalizeArch(arch string) string {
	if a, ok := architectures[strings.ToLower(arch)]; ok {
		return a
	}
	return arch
}

// NormalizePlatform maps short platform names to EC2 PlatformDetails values.
func NormalizePlatform(platform string) string {
	if p, ok := platforms[strings.ToLower(platform)]; ok {
		return p
	}
	return platform
}

// IsWindows reports whether an EC2 platform string designates Windows.
func IsWindows(platform string) bool {
	return strings.HasPrefix(strings.ToLower(platform), "windows")
}

// DefaultFamilies returns the instance families used when a job names none.
func DefaultFamilies(platform string) []string {
	switch {
	case IsWindows(platform):
		return defaultFamilies[PlatformWindows]
	case strings.HasPrefix(strings.ToLower(platform), "macos"):
		return defaultFamilies[PlatformMacOS]
	default:
		return defaultFamilies[PlatformLinux]
	}
}

const maxTagValueLength = 250

// SanitizeTagValue strips non-ASCII characters, trims, and truncates so the
// value is accepted as an EC2 tag or CloudWatch dimension.
func SanitizeTagValue(v string) string {
	v = strings.Map(func(r rune) rune {
		if r > unicode.MaxASCII {
			return -1
		}
		return r
	}, v)
	if len(v) > maxTagValueLength {
		v = v[:maxTagValueLength]
	}
	return strings.TrimSpace(v)
}
