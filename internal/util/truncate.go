package util

import "fmt"

// DefaultLogMaxLen is the default maximum length for truncated log output (1KB).
// The text past this length is dropped; it is not kept anywhere else.
const DefaultLogMaxLen = 1024

// TruncateLog truncates long strings for verbose logging, so a large
// upstream error body doesn't blow up a log line or an error message sent
// to the client.
func TruncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... [truncated, %d bytes total]", len(s))
}

// TruncateBytes is a convenience wrapper for TruncateLog that accepts []byte
// and uses DefaultLogMaxLen. This simplifies common logging patterns.
func TruncateBytes(b []byte) string {
	return TruncateLog(string(b), DefaultLogMaxLen)
}
