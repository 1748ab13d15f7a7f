package httpx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

// DefaultTimeout bounds every live upstream call.
const DefaultTimeout = 10 * time.Second

// maxBody caps how much of an upstream response is read.
const maxBody = 16 << 20

// HTTPClient describes an HTTP client.
//
//go:generate mockgen -package=httpxmock -destination=httpxmock/mock_http_client.go -source=httpx.go HTTPClient
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Limiter gates outgoing requests. ratelimit.TokenBucket implements it.
type Limiter interface {
	Wait(ctx context.Context) error
}

// Rewrite maps an upstream URL to the URL actually requested, e.g. through
// a CORS proxy prefix.
type Rewrite func(rawURL string) string

// Client is a small wrapper around http.Client with sane defaults.
type Client struct {
	HTTP      HTTPClient
	UserAgent string
	Headers   map[string]string
	Timeout   time.Duration
	Limiter   Limiter
	Rewrite   Rewrite
}

// StatusError is returned for non-2xx upstream responses.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s -> %d: %s", e.Method, e.URL, e.Code, e.Body)
}

// DecodeError is returned when a 2xx body is not valid JSON for the target.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode: " + e.Err.Error() }

func (e *DecodeError) Unwrap() error { return e.Err }

func New(timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		HTTP:      &http.Client{Timeout: timeout, Transport: transport},
		UserAgent: "findash/1.0",
		Timeout:   timeout,
	}
}

// Clone returns a shallow copy that can be given its own limiter or rewrite.
func (c *Client) Clone() *Client {
	cp := *c
	if c.Headers != nil {
		cp.Headers = make(map[string]string, len(c.Headers))
		for k, v := range c.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}

func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if c.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}
	for k, v := range c.Headers {
		if req.Header.Get(k) == "" {
			req.Header.Set(k, v)
		}
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return c.HTTP.Do(req)
}

// GetJSON performs a bounded GET with Accept: application/json and decodes
// the body into out. Numbers decoded into interface values are json.Number.
func (c *Client) GetJSON(ctx context.Context, rawURL string, header http.Header, out any) error {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := rawURL
	if c.Rewrite != nil {
		target = c.Rewrite(rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("GET %s: %w", rawURL, ctx.Err())
		}
		return fmt.Errorf("GET %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<10))
		return &StatusError{Method: http.MethodGet, URL: rawURL, Code: resp.StatusCode, Body: string(b)}
	}
	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBody))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("GET %s: %w", rawURL, ctx.Err())
		}
		return &DecodeError{Err: err}
	}
	return nil
}
