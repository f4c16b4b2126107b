package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/lovinmaxwell/nexus/internal/engine/types"
	"github.com/lovinmaxwell/nexus/internal/errdefs"
)

// Transport is the capability set the coordinator consumes: a metadata
// probe plus a ranged streaming read. Concrete transports are chosen by
// URL scheme at ingress time.
type Transport interface {
	Probe(ctx context.Context, rawurl string, opt RequestOptions) (*ProbeResult, error)
	ReadRange(ctx context.Context, rawurl string, start, end int64, opt RequestOptions) (io.ReadCloser, error)
}

// RequestOptions carries the per-task request identity.
type RequestOptions struct {
	Referer   string
	UserAgent string
	Cookies   []types.Cookie
	Sniff     bool // Probe reads the leading body bytes for magic-type matching
}

// HTTPTransport issues tuned HTTP/1.1 requests. HTTP/2 is disabled so each
// worker gets its own TCP connection.
type HTTPTransport struct {
	client      *http.Client
	probeClient *http.Client
	runtime     *types.RuntimeConfig
}

// NewHTTPTransport creates a transport sized for numConns parallel range reads.
func NewHTTPTransport(runtime *types.RuntimeConfig, numConns int) *HTTPTransport {
	maxConns := runtime.GetMaxConnectionsPerTask()
	if numConns > maxConns {
		maxConns = numConns
	}

	transport := &http.Transport{
		MaxIdleConns:        types.DefaultMaxIdleConns,
		MaxIdleConnsPerHost: maxConns + 2, // Slightly more than max to handle bursts
		MaxConnsPerHost:     maxConns,

		IdleConnTimeout:       types.DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   types.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: types.DefaultResponseHeaderTimeout,
		ExpectContinueTimeout: types.DefaultExpectContinueTimeout,

		DisableCompression: true,  // Body length must match the byte ranges
		ForceAttemptHTTP2:  false, // HTTP/1.1 for multiple TCP connections
		TLSNextProto:       make(map[string]func(authority string, c *tls.Conn) http.RoundTripper),

		DialContext: (&net.Dialer{
			Timeout:   runtime.GetConnectTimeout(),
			KeepAlive: types.KeepAliveDuration,
		}).DialContext,
	}

	return &HTTPTransport{
		client:      &http.Client{Transport: transport},
		probeClient: &http.Client{Transport: transport, Timeout: types.ProbeTimeout},
		runtime:     runtime,
	}
}

// setHeaders applies the browser-like identity every request carries.
func (t *HTTPTransport) setHeaders(req *http.Request, originalURL string, opt RequestOptions) {
	ua := opt.UserAgent
	if ua == "" {
		ua = t.runtime.GetUserAgent()
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept-Encoding", "identity")

	referer := opt.Referer
	if referer == "" {
		referer = originalURL
	}
	req.Header.Set("Referer", referer)

	for _, c := range opt.Cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}

// ReadRange opens a streaming read of [start, end]. end < 0 means open
// ended: with start > 0 the request carries "bytes=start-", with start == 0
// no Range header is sent at all.
func (t *HTTPTransport) ReadRange(ctx context.Context, rawurl string, start, end int64, opt RequestOptions) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrInvalidURL, err)
	}

	t.setHeaders(req, rawurl, opt)

	ranged := true
	switch {
	case end >= 0:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	case start > 0:
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	default:
		ranged = false
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrConnectionFailed, err)
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		// Expected for ranged requests
	case http.StatusOK:
		if ranged && start > 0 {
			// The server ignored the Range header; reading from here would
			// restart the body at zero.
			resp.Body.Close()
			return nil, &errdefs.ServerError{Code: resp.StatusCode}
		}
	case http.StatusRequestedRangeNotSatisfiable:
		resp.Body.Close()
		return nil, errdefs.ErrRangeNotSatisfiable
	case http.StatusServiceUnavailable:
		resp.Body.Close()
		return nil, errdefs.ErrServiceUnavailable
	default:
		resp.Body.Close()
		return nil, &errdefs.ServerError{Code: resp.StatusCode}
	}

	return newIdleTimeoutReader(resp.Body, t.runtime.GetIdleTimeout()), nil
}

// idleTimeoutReader closes the underlying body when no bytes arrive for
// the configured duration, surfacing the stall as a read error the worker
// retries like any other transport failure.
type idleTimeoutReader struct {
	body    io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleTimeoutReader(body io.ReadCloser, timeout time.Duration) *idleTimeoutReader {
	r := &idleTimeoutReader{body: body, timeout: timeout}
	r.timer = time.AfterFunc(timeout, func() {
		r.expired.Store(true)
		r.body.Close()
	})
	return r
}

func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.body.Read(p)
	if err != nil && r.expired.Load() {
		return n, fmt.Errorf("%w: no data for %v", errdefs.ErrConnectionFailed, r.timeout)
	}
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleTimeoutReader) Close() error {
	r.timer.Stop()
	return r.body.Close()
}
