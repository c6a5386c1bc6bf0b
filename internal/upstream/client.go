// Package upstream provides the HTTP client used for origin fetches. A
// single Client is shared by all origins; connection pooling and transport
// tuning come from config.UpstreamConfig. Every fetch is bounded by a hard
// deadline and a maximum response body size, and failures are classified so
// callers can account timeouts, network errors, and origin status errors
// separately.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/edgegate/edgegate/internal/config"
	"golang.org/x/net/http2"
)

// FailureReason classifies why an origin fetch failed.
type FailureReason string

const (
	// ReasonTimeout means the fetch deadline elapsed before the origin
	// finished responding.
	ReasonTimeout FailureReason = "timeout"
	// ReasonNetwork covers connection refusals, resets, DNS failures, and
	// other transport-level errors.
	ReasonNetwork FailureReason = "network"
	// ReasonStatus means the origin responded with a 5xx status.
	ReasonStatus FailureReason = "status"
)

// Error wraps an origin fetch failure with its classification.
type Error struct {
	Reason FailureReason
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify returns the failure reason for an origin fetch error, or "" if
// the error is nil or not an upstream error.
func Classify(err error) FailureReason {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Reason
	}
	return ""
}

// Request describes a single origin fetch. ProtoMajor carries the protocol
// version of the client request so HTTP/2 traffic stays on HTTP/2 end to
// end; zero means HTTP/1.1.
type Request struct {
	Method     string
	URL        string
	Header     http.Header
	Body       []byte
	ProtoMajor int
}

// Response is a fully buffered origin response. Bodies are read eagerly and
// bounded so responses can be cached and replayed without holding upstream
// connections open.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client fetches origin responses with a hard per-request deadline.
type Client struct {
	http         *http.Client
	timeout      time.Duration
	maxBodyBytes int64
}

// New creates an origin fetch client from the upstream configuration.
func New(cfg config.UpstreamConfig) *Client {
	timeout, _ := config.ParseDuration(cfg.Timeout, 2500*time.Millisecond)
	idleConnTimeout, _ := config.ParseDuration(cfg.IdleConnTimeout, 90*time.Second)

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = 100
	}
	maxBody := cfg.MaxResponseBodyBytes
	if maxBody <= 0 {
		maxBody = 10 << 20
	}

	h1, h2 := buildTransports(cfg.Transport, timeout, maxIdleConns, idleConnTimeout)

	return &Client{
		http: &http.Client{
			Transport: &protocolAwareTransport{
				http1: h1,
				http2: h2,
			},
			// Redirects are returned to the caller as-is; the gateway does
			// not follow them on the client's behalf.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:      timeout,
		maxBodyBytes: maxBody,
	}
}

// Timeout reports the per-fetch deadline.
func (c *Client) Timeout() time.Duration { return c.timeout }

// Do fetches the given origin URL. The request is bounded by the client's
// deadline regardless of any deadline already on ctx. The returned error, if
// non-nil, is always an *Error carrying a FailureReason; a non-5xx response
// is never an error.
func (c *Client) Do(ctx context.Context, fr *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if len(fr.Body) > 0 {
		rd = bytes.NewReader(fr.Body)
	}
	req, err := http.NewRequestWithContext(ctx, fr.Method, fr.URL, rd)
	if err != nil {
		return nil, &Error{Reason: ReasonNetwork, Err: err}
	}
	for k, vs := range fr.Header {
		req.Header[k] = vs
	}
	if fr.ProtoMajor >= 2 {
		req.Proto = "HTTP/2.0"
		req.ProtoMajor = 2
		req.ProtoMinor = 0
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &Error{Reason: ReasonTimeout, Err: err}
		}
		return nil, &Error{Reason: ReasonNetwork, Err: err}
	}
	defer resp.Body.Close()

	buf, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			return nil, &Error{Reason: ReasonTimeout, Err: err}
		}
		return nil, &Error{Reason: ReasonNetwork, Err: err}
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       buf,
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return out, &Error{
			Reason: ReasonStatus,
			Err:    fmt.Errorf("origin returned %d", resp.StatusCode),
		}
	}
	return out, nil
}

// Close releases pooled connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

func isTimeout(ctx context.Context, err error) bool {
	if ctx.Err() == context.DeadlineExceeded {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "Client.Timeout exceeded")
}

func buildTransports(
	cfg config.TransportConfig,
	responseTimeout time.Duration,
	maxIdleConns int,
	idleConnTimeout time.Duration,
) (*http.Transport, *http2.Transport) {
	dialTimeout, _ := config.ParseDuration(cfg.DialTimeout, 30*time.Second)
	dialKeepAlive, _ := config.ParseDuration(cfg.DialKeepAlive, 30*time.Second)
	tlsHandshakeTimeout, _ := config.ParseDuration(cfg.TLSHandshakeTimeout, 10*time.Second)
	expectContinueTimeout, _ := config.ParseDuration(cfg.ExpectContinueTimeout, time.Second)
	h2ReadIdleTimeout, _ := config.ParseDuration(cfg.H2ReadIdleTimeout, 30*time.Second)
	h2PingTimeout, _ := config.ParseDuration(cfg.H2PingTimeout, 15*time.Second)

	h1 := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: dialKeepAlive,
		}).DialContext,
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConns,
		IdleConnTimeout:       idleConnTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: expectContinueTimeout,
		ResponseHeaderTimeout: responseTimeout,
		ForceAttemptHTTP2:     false, // We handle HTTP/2 separately.
	}

	h2 := &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		ReadIdleTimeout: h2ReadIdleTimeout,
		PingTimeout:     h2PingTimeout,
	}

	return h1, h2
}

// protocolAwareTransport keeps HTTP/2-capable origins on the h2c transport
// while plain origins use the pooled HTTP/1.1 transport.
type protocolAwareTransport struct {
	http1 http.RoundTripper
	http2 http.RoundTripper
}

func (t *protocolAwareTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.ProtoMajor >= 2 {
		return t.http2.RoundTrip(req)
	}
	return t.http1.RoundTrip(req)
}
