package geo

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromRequest(t *testing.T) {
	t.Run("reads country from CF-IPCountry", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/users", nil)
		req.Header.Set("CF-IPCountry", "US")

		info := FromRequest(req)
		assert.Equal(t, "US", info.Country)
	})

	t.Run("falls back to X-Geo-Country", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/users", nil)
		req.Header.Set("X-Geo-Country", "de")

		info := FromRequest(req)
		assert.Equal(t, "DE", info.Country, "country codes are normalized to upper case")
	})

	t.Run("CF-IPCountry wins over X-Geo-Country", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("CF-IPCountry", "TR")
		req.Header.Set("X-Geo-Country", "FR")

		assert.Equal(t, "TR", FromRequest(req).Country)
	})

	t.Run("returns unknown without geo headers", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		assert.Equal(t, Unknown, FromRequest(req).Country)
	})

	t.Run("reads colo header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Edge-Colo", "FRA")
		assert.Equal(t, "FRA", FromRequest(req).Colo)
	})

	t.Run("returns unknown colo without the header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		assert.Equal(t, Unknown, FromRequest(req).Colo)
	})
}

func TestClientAddr(t *testing.T) {
	t.Run("prefers CF-Connecting-IP", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("CF-Connecting-IP", "203.0.113.7")
		req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")

		assert.Equal(t, "203.0.113.7", ClientAddr(req))
	})

	t.Run("uses first forwarded-for entry", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Forwarded-For", "198.51.100.1, 10.0.0.1")

		assert.Equal(t, "198.51.100.1", ClientAddr(req))
	})

	t.Run("trims whitespace in forwarded-for", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Forwarded-For", "  198.51.100.1 , 10.0.0.1")

		assert.Equal(t, "198.51.100.1", ClientAddr(req))
	})

	t.Run("falls back to remote addr without port", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "192.0.2.9:54321"

		assert.Equal(t, "192.0.2.9", ClientAddr(req))
	})

	t.Run("returns unknown when nothing identifies the client", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = ""

		assert.Equal(t, Unknown, ClientAddr(req))
	})
}
