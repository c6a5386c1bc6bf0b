// Package router selects the origin for a request and rewrites the inbound
// URL into the canonical origin URL. Selection happens in two stages: a
// random canary draw first, then geography. The canonical URL doubles as the
// response cache key, so the rewrite must be deterministic for a given
// request and route.
package router

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"

	"github.com/edgegate/edgegate/internal/config"
)

// Origin version tags appended to rewritten URLs as the __v query parameter.
const (
	VersionStable = "v1"
	VersionCanary = "v2"
)

// euCountries maps the country codes that route to the EU origin.
var euCountries = map[string]bool{
	"DE": true,
	"FR": true,
	"NL": true,
	"TR": true,
}

// Route is a selected origin target.
type Route struct {
	// Base is the origin base URL (scheme://host[:port][/path]).
	Base string
	// Name identifies the origin for logs and metrics: canary, us, eu, default.
	Name string
	// Version is the tag appended as __v.
	Version string
}

// IsCanary reports whether the route points at the canary origin.
func (r Route) IsCanary() bool { return r.Name == "canary" }

// Router picks origins using the configured base URLs and canary ratio.
// The random source is injectable so canary selection is testable; the
// default draws from math/rand/v2's process-global generator.
type Router struct {
	defaultBase string
	usBase      string
	euBase      string
	canaryBase  string
	canaryRatio float64
	draw        func() float64
}

// New creates a Router from the origins configuration.
func New(cfg config.OriginsConfig) *Router {
	return &Router{
		defaultBase: cfg.Default,
		usBase:      cfg.US,
		euBase:      cfg.EU,
		canaryBase:  cfg.Canary,
		canaryRatio: cfg.CanaryRatio,
		draw:        rand.Float64,
	}
}

// SetDraw replaces the canary random source. Intended for tests.
func (rt *Router) SetDraw(draw func() float64) { rt.draw = draw }

// Select picks the origin for a request arriving from the given country.
// The canary draw runs first: a uniform sample below the configured ratio
// routes to the canary regardless of geography. Otherwise US traffic goes
// to the US origin and EU-designated countries to the EU origin, each only
// when that origin is configured; everything else lands on the default.
func (rt *Router) Select(country string) Route {
	if rt.canaryBase != "" && rt.canaryRatio > 0 && rt.draw() < rt.canaryRatio {
		return Route{Base: rt.canaryBase, Name: "canary", Version: VersionCanary}
	}

	switch {
	case country == "US" && rt.usBase != "":
		return Route{Base: rt.usBase, Name: "us", Version: VersionStable}
	case euCountries[country] && rt.euBase != "":
		return Route{Base: rt.euBase, Name: "eu", Version: VersionStable}
	}

	return Route{Base: rt.defaultBase, Name: "default", Version: VersionStable}
}

// Rewrite builds the canonical origin URL for a request path and query:
// the route's base joined with the path minus a single leading /api
// segment, the original query preserved, and the version tag appended
// as __v.
func (rt *Router) Rewrite(route Route, reqURL *url.URL) (string, error) {
	base, err := url.Parse(route.Base)
	if err != nil {
		return "", fmt.Errorf("parsing origin base %q: %w", route.Base, err)
	}

	path := stripAPIPrefix(reqURL.Path)
	base.Path = strings.TrimSuffix(base.Path, "/") + path

	q := reqURL.Query()
	q.Set("__v", route.Version)
	base.RawQuery = q.Encode()

	return base.String(), nil
}

// stripAPIPrefix removes one leading /api segment. "/api" and "/api/" both
// become "/"; "/apiary" is untouched.
func stripAPIPrefix(path string) string {
	const prefix = "/api"
	if path == prefix {
		return "/"
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):]
	}
	if path == "" {
		return "/"
	}
	return path
}
