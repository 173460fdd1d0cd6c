package reader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	appconfig "fundingflow/config"
	"fundingflow/internal/models"
)

type captureKey struct{}

// Capture records the raw exchange of one request. The exchange SDKs hide
// transport failures and response bodies behind their own types, so readers
// attach a Capture to the request context and inspect it afterwards.
type Capture struct {
	Sent       bool
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

// WithCapture returns a context whose requests are recorded into the returned
// Capture by transports built with NewHTTPClient.
func WithCapture(ctx context.Context) (context.Context, *Capture) {
	c := &Capture{}
	return context.WithValue(ctx, captureKey{}, c), c
}

// NetworkError reports transport failures and non-2xx responses as
// models.ErrNetwork. It returns nil for a successful exchange.
func (c *Capture) NetworkError() error {
	switch {
	case c.Err != nil:
		return fmt.Errorf("%w: %v", models.ErrNetwork, c.Err)
	case !c.Sent:
		return fmt.Errorf("%w: request was not sent", models.ErrNetwork)
	case c.StatusCode < 200 || c.StatusCode > 299:
		return fmt.Errorf("%w: status %d: %s", models.ErrNetwork, c.StatusCode, bytes.TrimSpace(c.Body))
	}
	return nil
}

// captureTransport sets the User-Agent header and fills the Capture carried by
// the request context, if any.
type captureTransport struct {
	agent string
	base  http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.agent != "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.agent)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	c, _ := req.Context().Value(captureKey{}).(*Capture)
	resp, err := base.RoundTrip(req)
	if c == nil {
		return resp, err
	}
	c.Sent = true
	if err != nil {
		c.Err = err
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		c.Err = err
		return nil, err
	}
	c.StatusCode = resp.StatusCode
	c.Header = resp.Header.Clone()
	c.Body = body
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// NewHTTPClient builds the pooled client shared by one exchange reader.
// A zero timeout keeps the net/http default of no timeout.
func NewHTTPClient(pool appconfig.ConnectionPoolConfig, timeout time.Duration, agent string) *http.Client {
	idle := pool.MaxIdleConns
	if idle <= 0 {
		idle = 2 * runtime.GOMAXPROCS(0)
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        idle,
		MaxIdleConnsPerHost: idle,
		MaxConnsPerHost:     pool.MaxConnsPerHost,
		IdleConnTimeout:     pool.IdleConnTimeout,
		DisableCompression:  false,
	}
	if transport.IdleConnTimeout <= 0 {
		transport.IdleConnTimeout = 90 * time.Second
	}
	return &http.Client{
		Transport: captureTransport{agent: agent, base: transport},
		Timeout:   timeout,
	}
}
