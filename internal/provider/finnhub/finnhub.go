// Package finnhub is a client for the Finnhub REST API: quotes, daily
// candles and company profiles.
package finnhub

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"

	"findash/internal/httpx"
	"findash/internal/provider"
)

const baseURL = "https://finnhub.io/api/v1"

// Client is a client for the Finnhub API.
type Client struct {
	// name labels results and errors.
	name string
	// baseURL is the base URL for the API.
	baseURL string
	// http performs requests; its limiter enforces the plan's quota.
	http *httpx.Client
	// header contains additional headers to be sent with each request.
	header http.Header
	// currency tags quotes; /quote carries no currency.
	currency string
	now      func() time.Time
}

// Option is a configuration option for the Finnhub client.
type Option func(*Client)

// WithBaseURL sets the base URL for the API.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithHTTPClient sets the HTTP client for the API.
func WithHTTPClient(hc *httpx.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithName overrides the source label.
func WithName(name string) Option {
	return func(c *Client) { c.name = name }
}

// WithCurrency sets the currency reported for quotes and candles.
func WithCurrency(cur string) Option {
	return func(c *Client) { c.currency = provider.NormalizeCurrency(cur) }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New creates a Finnhub client. An empty key is allowed so the client can be
// constructed in tests; Finnhub rejects such requests with 401.
func New(key string, options ...Option) *Client {
	c := &Client{
		name:     "finnhub",
		baseURL:  baseURL,
		http:     httpx.New(0),
		header:   http.Header{},
		currency: "USD",
		now:      time.Now,
	}
	if key != "" {
		// https://finnhub.io/docs/api/authentication
		c.header.Set("X-Finnhub-Token", key)
	}
	for _, option := range options {
		option(c)
	}
	return c
}

func (c *Client) Name() string { return c.name }

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.baseURL + path + "?" + query.Encode()
	if err := c.http.GetJSON(ctx, u, c.header, out); err != nil {
		return provider.Classify(c.name, err)
	}
	return nil
}

type quoteResponse struct {
	Current       decimal.Decimal `json:"c"`
	Change        decimal.Decimal `json:"d"`
	ChangePercent decimal.Decimal `json:"dp"`
	PrevClose     decimal.Decimal `json:"pc"`
	Time          int64           `json:"t"`
}

func (c *Client) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	symbol = provider.NormalizeSymbol(symbol)
	if symbol == "" {
		return provider.Quote{}, provider.Failf(c.name, provider.ErrInvalidRequest, "empty symbol")
	}
	var resp quoteResponse
	if err := c.get(ctx, "/quote", url.Values{"symbol": {symbol}}, &resp); err != nil {
		return provider.Quote{}, err
	}
	// unknown symbols come back as all zeros
	q := provider.Quote{
		Symbol:        symbol,
		Price:         resp.Current,
		Currency:      c.currency,
		ChangePercent: resp.ChangePercent,
		Source:        c.name,
		Timestamp:     provider.ParseEpochMaybeMillis(resp.Time, c.now().UTC()),
	}
	if err := q.Validate(c.name); err != nil {
		return provider.Quote{}, err
	}
	return q, nil
}

type candleResponse struct {
	Status string            `json:"s"`
	Time   []int64           `json:"t"`
	Open   []decimal.Decimal `json:"o"`
	High   []decimal.Decimal `json:"h"`
	Low    []decimal.Decimal `json:"l"`
	Close  []decimal.Decimal `json:"c"`
	Volume []decimal.Decimal `json:"v"`
}

// resolution maps a bar interval to a Finnhub candle resolution.
func resolution(interval string) string {
	switch interval {
	case "5m":
		return "5"
	case "30m":
		return "30"
	case "1wk":
		return "W"
	case "1mo":
		return "M"
	default:
		return "D"
	}
}

func (c *Client) FetchHistory(ctx context.Context, symbol string, rng provider.Range) (provider.Series, error) {
	symbol = provider.NormalizeSymbol(symbol)
	if symbol == "" {
		return provider.Series{}, provider.Failf(c.name, provider.ErrInvalidRequest, "empty symbol")
	}
	now := c.now().UTC()
	from := rng.Start(now)
	if from.IsZero() {
		from = time.Unix(0, 0)
	}
	q := url.Values{
		"symbol":     {symbol},
		"resolution": {resolution(rng.Interval())},
		"from":       {strconv.FormatInt(from.Unix(), 10)},
		"to":         {strconv.FormatInt(now.Unix(), 10)},
	}
	var resp candleResponse
	if err := c.get(ctx, "/stock/candle", q, &resp); err != nil {
		return provider.Series{}, err
	}
	switch resp.Status {
	case "ok":
	case "no_data":
		return provider.Series{}, provider.Failf(c.name, provider.ErrEmptyResult, "no candles for %s", symbol)
	default:
		return provider.Series{}, provider.Failf(c.name, provider.ErrMalformed, "unexpected candle status %q", resp.Status)
	}
	if len(resp.Close) != len(resp.Time) {
		return provider.Series{}, provider.Failf(c.name, provider.ErrMalformed,
			"candle arrays differ: %d timestamps, %d closes", len(resp.Time), len(resp.Close))
	}

	points := make([]provider.Point, 0, len(resp.Time))
	for i, ts := range resp.Time {
		p := provider.Point{Time: time.Unix(ts, 0).UTC(), Close: resp.Close[i]}
		if i < len(resp.Open) {
			p.Open = decimal.NewNullDecimal(resp.Open[i])
		}
		if i < len(resp.High) {
			p.High = decimal.NewNullDecimal(resp.High[i])
		}
		if i < len(resp.Low) {
			p.Low = decimal.NewNullDecimal(resp.Low[i])
		}
		if i < len(resp.Volume) {
			p.Volume = null.IntFrom(resp.Volume[i].IntPart())
		}
		points = append(points, p)
	}
	s := provider.Series{
		Symbol:      symbol,
		Range:       rng,
		Interval:    rng.Interval(),
		Currency:    c.currency,
		Source:      c.name,
		LastUpdated: now,
		Points:      provider.SortPoints(points),
	}
	if err := s.Validate(c.name); err != nil {
		return provider.Series{}, err
	}
	return s, nil
}

type profileResponse struct {
	Country  string `json:"country"`
	Currency string `json:"currency"`
	Exchange string `json:"exchange"`
	Industry string `json:"finnhubIndustry"`
	Name     string `json:"name"`
	Ticker   string `json:"ticker"`
}

func (c *Client) FetchMetadata(ctx context.Context, symbol string) (provider.Metadata, error) {
	symbol = provider.NormalizeSymbol(symbol)
	if symbol == "" {
		return provider.Metadata{}, provider.Failf(c.name, provider.ErrInvalidRequest, "empty symbol")
	}
	var resp profileResponse
	if err := c.get(ctx, "/stock/profile2", url.Values{"symbol": {symbol}}, &resp); err != nil {
		return provider.Metadata{}, err
	}
	// unknown symbols return {}
	if resp.Name == "" && resp.Ticker == "" {
		return provider.Metadata{}, provider.Failf(c.name, provider.ErrEmptyResult, "no profile for %s", symbol)
	}
	return provider.Metadata{
		Symbol:   symbol,
		Name:     resp.Name,
		Exchange: resp.Exchange,
		Currency: provider.NormalizeCurrency(resp.Currency),
		Industry: resp.Industry,
		Country:  resp.Country,
		Type:     "EQUITY",
		Source:   c.name,
	}, nil
}
