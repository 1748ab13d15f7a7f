// Package gateway is a client for another findash server's /api endpoints.
// Deployments point it at a shared instance so browsers and CLIs reuse one
// upstream cache.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"

	"findash/internal/httpx"
	"findash/internal/provider"
)

type Provider struct {
	name    string
	baseURL string
	client  *httpx.Client
}

func New(baseURL string, hc *httpx.Client) *Provider {
	return &Provider{name: "gateway", baseURL: strings.TrimRight(baseURL, "/"), client: hc}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) get(ctx context.Context, path string, q url.Values, out any) error {
	err := p.client.GetJSON(ctx, p.baseURL+path+"?"+q.Encode(), nil, out)
	if err == nil {
		return nil
	}
	var se *httpx.StatusError
	if errors.As(err, &se) && se.Code == http.StatusBadRequest {
		return &provider.ProviderError{Provider: p.name, Kind: provider.ErrInvalidRequest, Err: err}
	}
	return provider.Classify(p.name, err)
}

func (p *Provider) label(upstream string) string {
	if upstream == "" {
		return p.name
	}
	return p.name + ":" + upstream
}

func (p *Provider) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	symbol = provider.NormalizeSymbol(symbol)
	var q provider.Quote
	if err := p.get(ctx, "/api/quote", url.Values{"symbol": {symbol}}, &q); err != nil {
		return provider.Quote{}, err
	}
	q.Source = p.label(q.Source)
	if q.Symbol == "" {
		q.Symbol = symbol
	}
	q.Currency = provider.NormalizeCurrency(q.Currency)
	if err := q.Validate(p.name); err != nil {
		return provider.Quote{}, err
	}
	return q, nil
}

// wirePoint is a history point as sent by the server; close may be null.
type wirePoint struct {
	Time   time.Time           `json:"time"`
	Open   decimal.NullDecimal `json:"open"`
	High   decimal.NullDecimal `json:"high"`
	Low    decimal.NullDecimal `json:"low"`
	Close  decimal.NullDecimal `json:"close"`
	Volume null.Int            `json:"volume"`
}

type historyEnvelope struct {
	provider.Series
	Points []wirePoint `json:"data"`
}

func (p *Provider) FetchHistory(ctx context.Context, symbol string, rng provider.Range) (provider.Series, error) {
	symbol = provider.NormalizeSymbol(symbol)
	var env historyEnvelope
	if err := p.get(ctx, "/api/history", url.Values{"symbol": {symbol}, "range": {rng.String()}}, &env); err != nil {
		return provider.Series{}, err
	}
	s := env.Series
	s.Points = make([]provider.Point, 0, len(env.Points))
	for _, wp := range env.Points {
		if !wp.Close.Valid {
			continue
		}
		s.Points = append(s.Points, provider.Point{
			Time: wp.Time.UTC(), Open: wp.Open, High: wp.High, Low: wp.Low, Close: wp.Close.Decimal, Volume: wp.Volume,
		})
	}
	s.Source = p.label(s.Source)
	if s.Symbol == "" {
		s.Symbol = symbol
	}
	s.Range = rng
	s.Points = provider.SortPoints(s.Points)
	if err := s.Validate(p.name); err != nil {
		return provider.Series{}, err
	}
	return s, nil
}

func (p *Provider) FetchMetadata(ctx context.Context, symbol string) (provider.Metadata, error) {
	symbol = provider.NormalizeSymbol(symbol)
	var m provider.Metadata
	if err := p.get(ctx, "/api/metadata", url.Values{"symbol": {symbol}}, &m); err != nil {
		return provider.Metadata{}, err
	}
	if m.Name == "" {
		return provider.Metadata{}, provider.Failf(p.name, provider.ErrEmptyResult, "no metadata for %s", symbol)
	}
	m.Source = p.label(m.Source)
	return m, nil
}
