// Package geo extracts edge-provided client metadata from request headers:
// the country the request entered from, the serving colo, and the connecting
// client address used as the rate-limit identity.
package geo

import (
	"net"
	"net/http"
	"strings"
)

// Unknown is the placeholder used when a request carries no usable
// geography or client-address information.
const Unknown = "unknown"

// Info is the per-request client metadata resolved from edge headers.
type Info struct {
	// Country is the ISO 3166-1 alpha-2 country code, or Unknown.
	Country string
	// Colo is the edge point-of-presence identifier, or Unknown.
	Colo string
	// ClientAddr identifies the connecting client for rate limiting.
	ClientAddr string
}

// FromRequest resolves client metadata from the request. Country comes from
// the trusted edge header (CF-IPCountry) with X-Geo-Country as a fallback
// for non-Cloudflare deployments. The client address prefers the connecting
// IP header over the spoofable forwarded-for chain.
func FromRequest(req *http.Request) Info {
	return Info{
		Country:    country(req),
		Colo:       colo(req),
		ClientAddr: ClientAddr(req),
	}
}

func colo(req *http.Request) string {
	if v := strings.TrimSpace(req.Header.Get("X-Edge-Colo")); v != "" {
		return v
	}
	return Unknown
}

func country(req *http.Request) string {
	for _, h := range []string{"CF-IPCountry", "X-Geo-Country"} {
		if v := strings.TrimSpace(req.Header.Get(h)); v != "" {
			return strings.ToUpper(v)
		}
	}
	return Unknown
}

// ClientAddr returns the client identity for rate limiting: the trusted
// connecting-IP header first, then the first entry of X-Forwarded-For,
// then the transport RemoteAddr, then Unknown.
func ClientAddr(req *http.Request) string {
	if v := strings.TrimSpace(req.Header.Get("CF-Connecting-IP")); v != "" {
		return v
	}

	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.SplitN(xff, ",", 2)
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}

	if req.RemoteAddr != "" {
		ip, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			return req.RemoteAddr
		}
		return ip
	}

	return Unknown
}
