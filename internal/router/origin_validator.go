package router

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/edgegate/edgegate/internal/config"
)

// privateNetworks contains CIDR ranges that are considered private/internal.
var privateNetworks = func() []*net.IPNet {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local + cloud metadata (169.254.169.254)
		"::1/128",
		"fc00::/7",  // unique local
		"fe80::/10", // link-local v6
	}
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, _ := net.ParseCIDR(c)
		nets = append(nets, n)
	}
	return nets
}()

// ValidateOriginURL checks that a configured origin URL is safe to forward
// to under the given policy. Returns an error describing the rejection
// reason. Called at startup and on config reload, never per request.
func ValidateOriginURL(u *url.URL, policy config.OriginURLPolicy) error {
	schemes := policy.AllowedSchemes
	if len(schemes) == 0 {
		schemes = []string{"http", "https"}
	}
	schemeOK := false
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			schemeOK = true
			break
		}
	}
	if !schemeOK {
		return fmt.Errorf("scheme %q is not allowed", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("empty host")
	}

	// Host allowlist check.
	if len(policy.AllowedHosts) > 0 {
		allowed := false
		for _, h := range policy.AllowedHosts {
			if strings.EqualFold(host, h) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("host %q is not in the allowed list", host)
		}
		// An allowlisted host is explicitly trusted by the operator; skip
		// private-network checks.
		return nil
	}

	if policy.DenyPrivateNetworks {
		if err := checkNotPrivate(host); err != nil {
			return err
		}
	}

	return nil
}

// ValidateOrigins validates every configured origin URL against the policy.
func ValidateOrigins(cfg config.OriginsConfig) error {
	for _, o := range []struct {
		name, raw string
	}{
		{"default", cfg.Default},
		{"us", cfg.US},
		{"eu", cfg.EU},
		{"canary", cfg.Canary},
	} {
		if o.raw == "" {
			continue
		}
		u, err := url.Parse(o.raw)
		if err != nil {
			return fmt.Errorf("origin %s: %w", o.name, err)
		}
		if err := ValidateOriginURL(u, cfg.URLPolicy); err != nil {
			return fmt.Errorf("origin %s: %w", o.name, err)
		}
	}
	return nil
}

// checkNotPrivate resolves the host to IPs and rejects any that fall within
// private or reserved ranges. This prevents misrouting traffic into internal
// services via DNS tricks or direct IP specification.
func checkNotPrivate(host string) error {
	// Direct IP check (no DNS needed).
	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return fmt.Errorf("IP %s is in a private/reserved range", ip)
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Resolution failure is treated as blocked to prevent bypass via
		// hostnames that resolve differently later.
		return fmt.Errorf("cannot resolve host %q: %w", host, err)
	}

	for _, ip := range ips {
		if IsPrivateIP(ip) {
			return fmt.Errorf("host %q resolves to private IP %s", host, ip)
		}
	}

	return nil
}

// IsPrivateIP reports whether the IP falls within any private/reserved range.
func IsPrivateIP(ip net.IP) bool {
	for _, n := range privateNetworks {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
