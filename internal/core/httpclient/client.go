// Package httpclient configures the HTTP client used to call upstream services.
package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/ral-facilities/datagateway-go/internal/core/observability"
)

// NewOutbound creates a new outbound http client
func NewOutbound() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          256,
		MaxIdleConnsPerHost:   128,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
}

// ErrStatus matches every StatusError via errors.Is.
var ErrStatus = errors.New("upstream status")

// StatusError is a non-2xx upstream response with a truncated body.
type StatusError struct {
	Upstream string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: upstream status %d: %s", e.Upstream, e.Code, e.Body)
}

func (e *StatusError) Is(target error) bool { return target == ErrStatus }

const maxErrBody = 8 << 10

// Do executes req, records its latency under upstream and returns the body of
// a 2xx response.
func Do(c *http.Client, req *http.Request, upstream string) ([]byte, error) {
	if c == nil {
		c = http.DefaultClient
	}
	start := time.Now()
	resp, err := c.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", upstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	observability.ObserveUpstreamLatency(upstream, time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrBody))
		return nil, &StatusError{Upstream: upstream, Code: resp.StatusCode, Body: string(b)}
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read body: %w", upstream, err)
	}
	return b, nil
}

// DoJSON is Do followed by decoding the body into out.
func DoJSON(c *http.Client, req *http.Request, upstream string, out any) error {
	req.Header.Set("Accept", "application/json")
	b, err := Do(c, req, upstream)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(b, out); err != nil {
		return fmt.Errorf("%s: decode body: %w", upstream, err)
	}
	return nil
}
