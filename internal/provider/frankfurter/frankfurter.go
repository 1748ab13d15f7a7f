// Package frankfurter reads ECB reference rates from the Frankfurter API.
package frankfurter

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"findash/internal/httpx"
	"findash/internal/provider"
)

const defaultBaseURL = "https://api.frankfurter.app"

type Provider struct {
	name    string
	baseURL string
	client  *httpx.Client
	now     func() time.Time
}

func New(baseURL string, hc *httpx.Client) *Provider {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Provider{name: "frankfurter", baseURL: strings.TrimRight(baseURL, "/"), client: hc, now: time.Now}
}

func (p *Provider) Name() string { return p.name }

// ParsePair splits an FX symbol such as EUR/USD, EURUSD or EURUSD=X.
func ParsePair(symbol string) (from, to string, ok bool) {
	s := strings.TrimSuffix(provider.NormalizeSymbol(symbol), "=X")
	if f, t, found := strings.Cut(s, "/"); found {
		from, to = f, t
	} else if len(s) == 6 {
		from, to = s[:3], s[3:]
	}
	if !provider.IsISOCurrency(from) || !provider.IsISOCurrency(to) {
		return "", "", false
	}
	return provider.NormalizeCurrency(from), provider.NormalizeCurrency(to), true
}

type latestResponse struct {
	Base  string                     `json:"base"`
	Date  string                     `json:"date"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

func (p *Provider) latest(ctx context.Context, from, to string) (decimal.Decimal, time.Time, error) {
	q := url.Values{"from": {from}, "to": {to}}
	var resp latestResponse
	if err := p.client.GetJSON(ctx, p.baseURL+"/latest?"+q.Encode(), nil, &resp); err != nil {
		return decimal.Decimal{}, time.Time{}, provider.Classify(p.name, err)
	}
	rate, ok := resp.Rates[to]
	if !ok || !rate.IsPositive() {
		return decimal.Decimal{}, time.Time{}, provider.Failf(p.name, provider.ErrEmptyResult, "no rate %s/%s", from, to)
	}
	day, err := time.Parse(time.DateOnly, resp.Date)
	if err != nil {
		day = p.now().UTC()
	}
	return rate, day, nil
}

func (p *Provider) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to = provider.NormalizeCurrency(from), provider.NormalizeCurrency(to)
	if !provider.IsISOCurrency(from) || !provider.IsISOCurrency(to) {
		return decimal.Decimal{}, provider.Failf(p.name, provider.ErrInvalidRequest, "unknown currency pair %s/%s", from, to)
	}
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	rate, _, err := p.latest(ctx, from, to)
	return rate, err
}

// FetchQuote serves FX symbols such as EUR/USD as quotes.
func (p *Provider) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	from, to, ok := ParsePair(symbol)
	if !ok {
		return provider.Quote{}, provider.Failf(p.name, provider.ErrEmptyResult, "%s is not a currency pair", symbol)
	}
	rate, day, err := p.latest(ctx, from, to)
	if err != nil {
		return provider.Quote{}, err
	}
	return provider.Quote{
		Symbol:    from + "/" + to,
		Name:      from + " to " + to,
		Price:     rate,
		Currency:  to,
		Exchange:  "ECB",
		Source:    p.name,
		Timestamp: day,
	}, nil
}

type seriesResponse struct {
	Rates map[string]map[string]decimal.Decimal `json:"rates"`
}

// FetchHistory returns daily reference rates. Frankfurter publishes working
// days only, so intraday ranges yield at most one point.
func (p *Provider) FetchHistory(ctx context.Context, symbol string, rng provider.Range) (provider.Series, error) {
	from, to, ok := ParsePair(symbol)
	if !ok {
		return provider.Series{}, provider.Failf(p.name, provider.ErrEmptyResult, "%s is not a currency pair", symbol)
	}
	now := p.now().UTC()
	start := rng.Start(now)
	if start.IsZero() {
		// ECB series begin in 1999
		start = time.Date(1999, 1, 4, 0, 0, 0, 0, time.UTC)
	}
	q := url.Values{"from": {from}, "to": {to}}
	var resp seriesResponse
	u := p.baseURL + "/" + start.Format(time.DateOnly) + "..?" + q.Encode()
	if err := p.client.GetJSON(ctx, u, nil, &resp); err != nil {
		return provider.Series{}, provider.Classify(p.name, err)
	}
	days := make([]string, 0, len(resp.Rates))
	for d := range resp.Rates {
		days = append(days, d)
	}
	sort.Strings(days)
	points := make([]provider.Point, 0, len(days))
	for _, d := range days {
		t, err := time.Parse(time.DateOnly, d)
		if err != nil {
			return provider.Series{}, provider.Failf(p.name, provider.ErrMalformed, "bad date %q", d)
		}
		rate, ok := resp.Rates[d][to]
		if !ok {
			continue
		}
		points = append(points, provider.Point{Time: t, Close: rate})
	}
	s := provider.Series{
		Symbol:      from + "/" + to,
		Range:       rng,
		Interval:    "1d",
		Currency:    to,
		Source:      p.name,
		LastUpdated: now,
		Points:      points,
	}
	if err := s.Validate(p.name); err != nil {
		return provider.Series{}, err
	}
	return s, nil
}
