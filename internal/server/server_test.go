package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baseConfig(mr *miniredis.Miniredis) *config.Config {
	cfg := config.Defaults()
	cfg.Gateway.APIKey = "test-key"
	cfg.Origins.Default = "http://origin:8080"
	cfg.Redis.Endpoints = []string{mr.Addr()}
	return cfg
}

func TestNew(t *testing.T) {
	t.Run("creates server with valid config", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := baseConfig(mr)

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		assert.NotNil(t, srv)
		assert.NotNil(t, srv.mainServer)
		assert.NotNil(t, srv.adminServer)
		assert.NotNil(t, srv.health)
		assert.NotNil(t, srv.metrics)
		assert.Nil(t, srv.http3Server)

		require.NoError(t, srv.gateway.Close())
	})

	t.Run("creates server with passthrough on Redis failure", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Gateway.APIKey = "test-key"
		cfg.Origins.Default = "http://origin:8080"
		cfg.RateLimit.FailurePolicy = config.FailurePolicyPassThrough
		cfg.Redis.Endpoints = []string{"127.0.0.1:1"}
		cfg.Redis.DialTimeout = "100ms"

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		assert.NotNil(t, srv)
		require.NoError(t, srv.gateway.Close())
	})

	t.Run("returns error for unreachable Redis with failclosed", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Gateway.APIKey = "test-key"
		cfg.Origins.Default = "http://origin:8080"
		cfg.RateLimit.FailurePolicy = config.FailurePolicyFailClosed
		cfg.Redis.Endpoints = []string{"127.0.0.1:1"}
		cfg.Redis.DialTimeout = "100ms"

		_, err := New(cfg, testLogger(), "test")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "create gateway")
	})

	t.Run("builds HTTP/3 server when enabled", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := baseConfig(mr)
		cfg.Server.TLS.Enabled = true
		cfg.Server.TLS.HTTP3Enabled = true

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		assert.NotNil(t, srv.http3Server)
		require.NoError(t, srv.gateway.Close())
	})
}

func TestServerConfigAddresses(t *testing.T) {
	t.Run("uses configured server and admin addresses", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := baseConfig(mr)
		cfg.Server.Address = ":7777"
		cfg.Admin.Address = ":7778"

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		assert.Equal(t, ":7777", srv.mainServer.Addr)
		assert.Equal(t, ":7778", srv.adminServer.Addr)
		require.NoError(t, srv.gateway.Close())
	})
}

func TestTLSMinVersion(t *testing.T) {
	t.Run("returns TLS 1.3 when configured", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Server.TLS.MinVersion = config.TLSVersion13
		assert.Equal(t, uint16(tls.VersionTLS13), tlsMinVersion(cfg))
	})

	t.Run("returns TLS 1.2 by default", func(t *testing.T) {
		cfg := config.Defaults()
		assert.Equal(t, uint16(tls.VersionTLS12), tlsMinVersion(cfg))
	})

	t.Run("returns TLS 1.2 when explicitly configured", func(t *testing.T) {
		cfg := config.Defaults()
		cfg.Server.TLS.MinVersion = config.TLSVersion12
		assert.Equal(t, uint16(tls.VersionTLS12), tlsMinVersion(cfg))
	})
}

func TestServerReload(t *testing.T) {
	t.Run("reloads gateway configuration", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := baseConfig(mr)
		cfg.RateLimit.Limit = 100

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		defer srv.gateway.Close()

		newCfg := baseConfig(mr)
		newCfg.RateLimit.Limit = 200

		err = srv.Reload(newCfg)
		assert.NoError(t, err)
		assert.Equal(t, newCfg, srv.cfg)
	})

	t.Run("reloads TLS certs when TLS is enabled", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := baseConfig(mr)

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		defer srv.gateway.Close()

		dir := t.TempDir()
		certFile := dir + "/tls.crt"
		keyFile := dir + "/tls.key"
		require.NoError(t, generateSelfSignedCert(certFile, keyFile))

		ch, certErr := newCertHolder(certFile, keyFile)
		require.NoError(t, certErr)
		srv.certs = ch

		newCfg := baseConfig(mr)
		newCfg.Server.TLS.CertFile = certFile
		newCfg.Server.TLS.KeyFile = keyFile

		require.NoError(t, generateSelfSignedCert(certFile, keyFile))
		err = srv.Reload(newCfg)
		assert.NoError(t, err)
	})

	t.Run("keeps old certificate when reload fails", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := baseConfig(mr)

		srv, err := New(cfg, testLogger(), "test")
		require.NoError(t, err)
		defer srv.gateway.Close()

		dir := t.TempDir()
		certFile := dir + "/tls.crt"
		keyFile := dir + "/tls.key"
		require.NoError(t, generateSelfSignedCert(certFile, keyFile))

		ch, certErr := newCertHolder(certFile, keyFile)
		require.NoError(t, certErr)
		srv.certs = ch

		before, _ := ch.GetCertificate(nil)
		require.NotNil(t, before)

		newCfg := baseConfig(mr)
		newCfg.Server.TLS.CertFile = dir + "/missing.crt"
		newCfg.Server.TLS.KeyFile = dir + "/missing.key"

		// Cert reload failure is logged, not fatal.
		require.NoError(t, srv.Reload(newCfg))

		after, _ := ch.GetCertificate(nil)
		assert.Same(t, before, after)
	})
}

func TestCertHolder(t *testing.T) {
	dir := t.TempDir()
	certFile := dir + "/tls.crt"
	keyFile := dir + "/tls.key"

	t.Run("errors on missing files", func(t *testing.T) {
		_, err := newCertHolder(certFile, keyFile)
		assert.Error(t, err)
	})

	t.Run("loads and hot-swaps", func(t *testing.T) {
		require.NoError(t, generateSelfSignedCert(certFile, keyFile))
		ch, err := newCertHolder(certFile, keyFile)
		require.NoError(t, err)

		cert1, err := ch.GetCertificate(nil)
		require.NoError(t, err)
		require.NotNil(t, cert1)

		require.NoError(t, generateSelfSignedCert(certFile, keyFile))
		require.NoError(t, ch.Reload(certFile, keyFile))

		cert2, err := ch.GetCertificate(nil)
		require.NoError(t, err)
		require.NotNil(t, cert2)
		assert.NotSame(t, cert1, cert2)
	})
}

// generateSelfSignedCert creates a minimal self-signed cert+key for testing.
func generateSelfSignedCert(certFile, keyFile string) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyFile, keyPEM, 0o644)
}
