package gateway

import "github.com/google/uuid"

// traceIDHeader is the canonical HTTP header for request correlation.
const traceIDHeader = "X-Trace-Id"

// maxTraceIDLen is the maximum allowed length for a client-supplied trace ID.
const maxTraceIDLen = 128

// validTraceID checks that a client-supplied trace ID is safe to propagate.
// Rejects IDs that are too long or contain non-printable / injection
// characters. Allowed characters: alphanumeric, hyphens, underscores, dots,
// colons.
func validTraceID(s string) bool {
	if len(s) == 0 || len(s) > maxTraceIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.' || c == ':':
		default:
			return false
		}
	}
	return true
}

// resolveTraceID propagates a valid client-supplied trace ID or generates a
// fresh one.
func resolveTraceID(supplied string) string {
	if validTraceID(supplied) {
		return supplied
	}
	return uuid.NewString()
}
