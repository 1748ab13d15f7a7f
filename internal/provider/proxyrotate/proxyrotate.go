// Package proxyrotate routes an adapter through a list of CORS proxy
// prefixes, trying them in order on every call.
package proxyrotate

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"findash/internal/httpx"
	"findash/internal/provider"
)

// Upstream is what a proxied adapter must serve.
type Upstream interface {
	provider.QuoteSource
	provider.HistorySource
}

type route struct {
	prefix   string
	upstream Upstream
}

// Source tries each proxy in list order. There is no stickiness: a proxy
// that failed on one call is tried first again on the next.
type Source struct {
	name   string
	routes []route
}

// Rewriter builds the URL rewrite for one proxy prefix. A prefix containing
// "{url}" has it replaced by the escaped target; otherwise the escaped
// target is appended.
func Rewriter(prefix string) httpx.Rewrite {
	return func(raw string) string {
		escaped := url.QueryEscape(raw)
		if strings.Contains(prefix, "{url}") {
			return strings.ReplaceAll(prefix, "{url}", escaped)
		}
		return prefix + escaped
	}
}

// New builds one upstream per prefix from a clone of base that carries the
// prefix's rewrite.
func New(name string, prefixes []string, base *httpx.Client, build func(*httpx.Client) Upstream) *Source {
	s := &Source{name: name}
	for _, p := range prefixes {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		hc := base.Clone()
		hc.Rewrite = Rewriter(p)
		s.routes = append(s.routes, route{prefix: p, upstream: build(hc)})
	}
	return s
}

func (s *Source) Name() string { return s.name }

// Len is the number of usable proxies.
func (s *Source) Len() int { return len(s.routes) }

func (s *Source) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	return try(ctx, s, func(ctx context.Context, u Upstream) (provider.Quote, error) {
		q, err := u.FetchQuote(ctx, symbol)
		q.Source = s.name
		return q, err
	})
}

func (s *Source) FetchHistory(ctx context.Context, symbol string, rng provider.Range) (provider.Series, error) {
	return try(ctx, s, func(ctx context.Context, u Upstream) (provider.Series, error) {
		series, err := u.FetchHistory(ctx, symbol, rng)
		series.Source = s.name
		return series, err
	})
}

func try[T any](ctx context.Context, s *Source, run func(context.Context, Upstream) (T, error)) (T, error) {
	var zero T
	if len(s.routes) == 0 {
		return zero, provider.Failf(s.name, provider.ErrUnavailable, "no proxies configured")
	}
	errs := make([]error, 0, len(s.routes))
	allEmpty := true
	for _, r := range s.routes {
		if err := ctx.Err(); err != nil {
			return zero, provider.Classify(s.name, err)
		}
		v, err := run(ctx, r.upstream)
		if err == nil {
			return v, nil
		}
		if errors.Is(err, provider.ErrInvalidRequest) {
			return zero, err
		}
		if !errors.Is(err, provider.ErrEmptyResult) {
			allEmpty = false
		}
		errs = append(errs, fmt.Errorf("via %s: %w", r.prefix, err))
	}
	kind := provider.ErrUnavailable
	if allEmpty {
		kind = provider.ErrEmptyResult
	}
	return zero, &provider.ProviderError{Provider: s.name, Kind: kind, Err: errors.Join(errs...)}
}
