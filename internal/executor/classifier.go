package executor

import "strings"

// Markers are matched case-insensitively against stderr followed by stdout.
// Non-retryable markers are checked first.
var (
	nonRetryableMarkers = []string{
		"enoent",
		"permission denied",
		"not found",
		"connection refused",
		"etimedout",
		"timed out",
		"dependency",
		"missing",
	}
	retryableMarkers = []string{
		"type error",
		"syntax error",
		"test failed",
		"assertion",
		"build failed",
	}
)

// Classification is the verdict on a failed attempt's output
type Classification struct {
	Retry  bool
	Marker string // matched marker, empty when the default applied
}

// Classify decides whether a failure looks transient. Environmental problems
// (missing files, permissions, network) are not worth retrying; code-level
// failures are. Anything unrecognized is retried.
func Classify(stderr, stdout string) Classification {
	text := strings.ToLower(stderr + "\n" + stdout)
	for _, m := range nonRetryableMarkers {
		if strings.Contains(text, m) {
			return Classification{Retry: false, Marker: m}
		}
	}
	for _, m := range retryableMarkers {
		if strings.Contains(text, m) {
			return Classification{Retry: true, Marker: m}
		}
	}
	return Classification{Retry: true}
}

// ShouldRetry reports whether a failed attempt with this output should be retried
func ShouldRetry(stderr, stdout string) bool {
	return Classify(stderr, stdout).Retry
}
