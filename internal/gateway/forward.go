package gateway

import "net/http"

// hopByHopHeaders are connection-scoped headers that must never be forwarded
// to an origin or replayed from a cached response.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Proxy-Connection":    {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// forwardHeaders returns a copy of the client request headers suitable for
// the origin call: hop-by-hop headers are dropped, Host is dropped (the
// origin URL carries the authority), and the gateway's own auth header is
// not leaked upstream.
func forwardHeaders(r *http.Request) http.Header {
	out := make(http.Header, len(r.Header))
	for name, values := range r.Header {
		if _, hop := hopByHopHeaders[name]; hop {
			continue
		}
		if name == "Host" || name == apiKeyHeader {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

// copyResponseHeaders writes origin (or cached) response headers to the
// client, skipping hop-by-hop headers.
func copyResponseHeaders(dst http.Header, src http.Header) {
	for name, values := range src {
		if _, hop := hopByHopHeaders[name]; hop {
			continue
		}
		dst[name] = append([]string(nil), values...)
	}
}
