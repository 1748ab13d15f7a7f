// Package coingecko reads crypto prices and market charts from the CoinGecko
// v3 API. The free tier allows about 30 calls per minute, so the client it
// is given should carry a limiter.
package coingecko

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"findash/internal/httpx"
	"findash/internal/provider"
)

const defaultBaseURL = "https://api.coingecko.com/api/v3"

type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	Assets  provider.Assets
	// Currency is the vs_currency prices are requested in.
	Currency string
}

type Provider struct {
	cfg    Config
	client *httpx.Client
	header http.Header
	now    func() time.Time
}

func New(cfg Config, hc *httpx.Client) *Provider {
	if cfg.Name == "" {
		cfg.Name = "coingecko"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Assets == nil {
		cfg.Assets = provider.DefaultAssets()
	}
	cfg.Currency = provider.NormalizeCurrency(cfg.Currency)
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("x-cg-demo-api-key", cfg.APIKey)
	}
	return &Provider{cfg: cfg, client: hc, header: header, now: time.Now}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) coinID(symbol string) (string, error) {
	a, ok := p.cfg.Assets.Lookup(symbol)
	if !ok || a.CoinGeckoID == "" {
		return "", provider.Failf(p.cfg.Name, provider.ErrEmptyResult, "no coingecko id for %s", symbol)
	}
	return a.CoinGeckoID, nil
}

func (p *Provider) get(ctx context.Context, path string, q url.Values, out any) error {
	u := p.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	if err := p.client.GetJSON(ctx, u, p.header, out); err != nil {
		return provider.Classify(p.cfg.Name, err)
	}
	return nil
}

func (p *Provider) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	symbol = provider.NormalizeSymbol(symbol)
	id, err := p.coinID(symbol)
	if err != nil {
		return provider.Quote{}, err
	}
	vs := strings.ToLower(p.cfg.Currency)
	q := url.Values{
		"ids":                     {id},
		"vs_currencies":           {vs},
		"include_24hr_change":     {"true"},
		"include_last_updated_at": {"true"},
	}
	var raw map[string]map[string]any
	if err := p.get(ctx, "/simple/price", q, &raw); err != nil {
		return provider.Quote{}, err
	}
	fields, ok := raw[id]
	if !ok {
		return provider.Quote{}, provider.Failf(p.cfg.Name, provider.ErrEmptyResult, "no price for %s", id)
	}
	price, ok := provider.DecimalFrom(fields[vs])
	if !ok {
		return provider.Quote{}, provider.Failf(p.cfg.Name, provider.ErrEmptyResult, "no %s price for %s", vs, id)
	}
	quote := provider.Quote{
		Symbol:    symbol,
		Price:     price,
		Currency:  p.cfg.Currency,
		Source:    p.cfg.Name,
		Timestamp: p.now().UTC(),
	}
	if ch, ok := provider.DecimalFrom(fields[vs+"_24h_change"]); ok {
		quote.ChangePercent = ch.Round(4)
	}
	if ts, ok := provider.Int64From(fields["last_updated_at"]); ok {
		quote.Timestamp = provider.ParseEpochMaybeMillis(ts, quote.Timestamp)
	}
	if err := quote.Validate(p.cfg.Name); err != nil {
		return provider.Quote{}, err
	}
	return quote, nil
}

type marketChart struct {
	Prices       [][]decimal.NullDecimal `json:"prices"`
	TotalVolumes [][]decimal.NullDecimal `json:"total_volumes"`
}

func (p *Provider) FetchHistory(ctx context.Context, symbol string, rng provider.Range) (provider.Series, error) {
	symbol = provider.NormalizeSymbol(symbol)
	id, err := p.coinID(symbol)
	if err != nil {
		return provider.Series{}, err
	}
	now := p.now().UTC()
	days := "max"
	if d := rng.Days(now); d > 0 {
		days = strconv.Itoa(d)
	}
	q := url.Values{"vs_currency": {strings.ToLower(p.cfg.Currency)}, "days": {days}}
	var chart marketChart
	if err := p.get(ctx, fmt.Sprintf("/coins/%s/market_chart", url.PathEscape(id)), q, &chart); err != nil {
		return provider.Series{}, err
	}

	volumes := make(map[int64]decimal.Decimal, len(chart.TotalVolumes))
	for _, v := range chart.TotalVolumes {
		if len(v) == 2 && v[0].Valid && v[1].Valid {
			volumes[v[0].Decimal.IntPart()] = v[1].Decimal
		}
	}
	points := make([]provider.Point, 0, len(chart.Prices))
	for _, row := range chart.Prices {
		if len(row) != 2 {
			return provider.Series{}, provider.Failf(p.cfg.Name, provider.ErrMalformed, "price row of %d fields", len(row))
		}
		if !row[0].Valid {
			return provider.Series{}, provider.Failf(p.cfg.Name, provider.ErrMalformed, "price row without timestamp")
		}
		if !row[1].Valid {
			continue
		}
		ms := row[0].Decimal.IntPart()
		pt := provider.Point{Time: time.UnixMilli(ms).UTC(), Close: row[1].Decimal}
		if v, ok := volumes[ms]; ok {
			pt.Volume.SetValid(v.IntPart())
		}
		points = append(points, pt)
	}
	s := provider.Series{
		Symbol:      symbol,
		Range:       rng,
		Interval:    rng.Interval(),
		Currency:    p.cfg.Currency,
		Source:      p.cfg.Name,
		LastUpdated: now,
		Points:      provider.SortPoints(points),
	}
	if err := s.Validate(p.cfg.Name); err != nil {
		return provider.Series{}, err
	}
	return s, nil
}

type coin struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

func (p *Provider) FetchMetadata(ctx context.Context, symbol string) (provider.Metadata, error) {
	symbol = provider.NormalizeSymbol(symbol)
	id, err := p.coinID(symbol)
	if err != nil {
		return provider.Metadata{}, err
	}
	q := url.Values{
		"localization":   {"false"},
		"tickers":        {"false"},
		"market_data":    {"false"},
		"community_data": {"false"},
		"developer_data": {"false"},
	}
	var c coin
	if err := p.get(ctx, "/coins/"+url.PathEscape(id), q, &c); err != nil {
		return provider.Metadata{}, err
	}
	if c.Name == "" {
		return provider.Metadata{}, provider.Failf(p.cfg.Name, provider.ErrEmptyResult, "no coin %s", id)
	}
	return provider.Metadata{
		Symbol:   symbol,
		Name:     c.Name,
		Currency: p.cfg.Currency,
		Type:     "CRYPTOCURRENCY",
		Source:   p.cfg.Name,
	}, nil
}
