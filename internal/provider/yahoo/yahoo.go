// Package yahoo reads quotes, history and instrument metadata from the
// public v8 chart API.
package yahoo

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"findash/internal/httpx"
	"findash/internal/provider"
)

const defaultBaseURL = "https://query1.finance.yahoo.com"

type Config struct {
	Name    string
	BaseURL string
	// TargetCurrency converts results quoted in another currency using the
	// FROMTO=X reference pair. Empty keeps native currencies.
	TargetCurrency string
	// SymbolMap maps internal symbols to Yahoo tickers, e.g. SPX -> ^GSPC.
	SymbolMap map[string]string
	Log       *logrus.Entry
}

type Provider struct {
	cfg    Config
	client *httpx.Client
	now    func() time.Time
}

func New(cfg Config, hc *httpx.Client) *Provider {
	if cfg.Name == "" {
		cfg.Name = "yahoo"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.TargetCurrency = provider.NormalizeCurrency(cfg.TargetCurrency)
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Provider{cfg: cfg, client: hc, now: time.Now}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) ticker(symbol string) string {
	if t, ok := p.cfg.SymbolMap[symbol]; ok && t != "" {
		return t
	}
	return symbol
}

// chart fetches /v8/finance/chart and returns the first result object.
func (p *Provider) chart(ctx context.Context, symbol, rng, interval string) (any, error) {
	q := url.Values{}
	q.Set("range", rng)
	q.Set("interval", interval)
	u := fmt.Sprintf("%s/v8/finance/chart/%s?%s", p.cfg.BaseURL, url.PathEscape(p.ticker(symbol)), q.Encode())

	var raw any
	if err := p.client.GetJSON(ctx, u, nil, &raw); err != nil {
		return nil, provider.Classify(p.cfg.Name, err)
	}
	if _, ok := provider.Lookup(raw, "$.chart"); !ok {
		return nil, provider.Failf(p.cfg.Name, provider.ErrMalformed, "no chart object for %s", symbol)
	}
	if desc := provider.LookupString(raw, "$.chart.error.description"); desc != "" {
		return nil, provider.Failf(p.cfg.Name, provider.ErrEmptyResult, "%s: %s", symbol, desc)
	}
	result, ok := provider.Lookup(raw, "$.chart.result[0]")
	if !ok {
		return nil, provider.Failf(p.cfg.Name, provider.ErrEmptyResult, "no chart result for %s", symbol)
	}
	return result, nil
}

func (p *Provider) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	symbol = provider.NormalizeSymbol(symbol)
	if symbol == "" {
		return provider.Quote{}, provider.Failf(p.cfg.Name, provider.ErrInvalidRequest, "empty symbol")
	}
	result, err := p.chart(ctx, symbol, "1d", "1d")
	if err != nil {
		return provider.Quote{}, err
	}
	q, err := p.quoteFromMeta(symbol, result)
	if err != nil {
		return provider.Quote{}, err
	}
	if rate, cur, ok := p.conversion(ctx, q.Currency); ok {
		q = q.Convert(rate, cur)
	}
	return q, nil
}

func (p *Provider) quoteFromMeta(symbol string, result any) (provider.Quote, error) {
	price, ok := provider.LookupDecimal(result, "$.meta.regularMarketPrice")
	if !ok {
		return provider.Quote{}, provider.Failf(p.cfg.Name, provider.ErrEmptyResult, "no price for %s", symbol)
	}
	q := provider.Quote{
		Symbol:    symbol,
		Name:      firstNonEmpty(provider.LookupString(result, "$.meta.longName"), provider.LookupString(result, "$.meta.shortName")),
		Price:     price,
		Currency:  provider.NormalizeCurrency(provider.LookupString(result, "$.meta.currency")),
		Exchange:  firstNonEmpty(provider.LookupString(result, "$.meta.fullExchangeName"), provider.LookupString(result, "$.meta.exchangeName")),
		Source:    p.cfg.Name,
		Timestamp: p.now().UTC(),
	}
	if ts, ok := provider.Lookup(result, "$.meta.regularMarketTime"); ok {
		if n, ok := provider.Int64From(ts); ok {
			q.Timestamp = provider.ParseEpochMaybeMillis(n, q.Timestamp)
		}
	}
	prev, ok := provider.LookupDecimal(result, "$.meta.chartPreviousClose")
	if !ok {
		prev, ok = provider.LookupDecimal(result, "$.meta.previousClose")
	}
	if ok && !prev.IsZero() {
		q.ChangePercent = price.Sub(prev).Div(prev).Mul(decimal.NewFromInt(100)).Round(4)
	}
	if err := q.Validate(p.cfg.Name); err != nil {
		return provider.Quote{}, err
	}
	return q, nil
}

func (p *Provider) FetchHistory(ctx context.Context, symbol string, rng provider.Range) (provider.Series, error) {
	symbol = provider.NormalizeSymbol(symbol)
	if symbol == "" {
		return provider.Series{}, provider.Failf(p.cfg.Name, provider.ErrInvalidRequest, "empty symbol")
	}
	result, err := p.chart(ctx, symbol, rng.String(), rng.Interval())
	if err != nil {
		return provider.Series{}, err
	}
	s, err := p.seriesFromChart(symbol, rng, result)
	if err != nil {
		return provider.Series{}, err
	}
	if rate, cur, ok := p.conversion(ctx, s.Currency); ok {
		s = s.Convert(rate, cur)
	}
	return s, nil
}

func (p *Provider) seriesFromChart(symbol string, rng provider.Range, result any) (provider.Series, error) {
	stamps := provider.LookupSlice(result, "$.timestamp")
	closes := provider.LookupSlice(result, "$.indicators.quote[0].close")
	if len(stamps) > 0 && closes == nil {
		return provider.Series{}, provider.Failf(p.cfg.Name, provider.ErrMalformed, "timestamps without closes for %s", symbol)
	}
	opens := provider.LookupSlice(result, "$.indicators.quote[0].open")
	highs := provider.LookupSlice(result, "$.indicators.quote[0].high")
	lows := provider.LookupSlice(result, "$.indicators.quote[0].low")
	volumes := provider.LookupSlice(result, "$.indicators.quote[0].volume")

	points := make([]provider.Point, 0, len(stamps))
	for i, ts := range stamps {
		sec, ok := provider.Int64From(ts)
		if !ok {
			return provider.Series{}, provider.Failf(p.cfg.Name, provider.ErrMalformed, "bad timestamp %v for %s", ts, symbol)
		}
		c, ok := decimalAt(closes, i)
		if !ok {
			// holidays and halted sessions come back as null bars
			continue
		}
		pt := provider.Point{
			Time:  time.Unix(sec, 0).UTC(),
			Close: c,
			Open:  nullDecimalAt(opens, i),
			High:  nullDecimalAt(highs, i),
			Low:   nullDecimalAt(lows, i),
		}
		if i < len(volumes) {
			if v, ok := provider.Int64From(volumes[i]); ok {
				pt.Volume = null.IntFrom(v)
			}
		}
		points = append(points, pt)
	}

	s := provider.Series{
		Symbol:      symbol,
		Range:       rng,
		Interval:    firstNonEmpty(provider.LookupString(result, "$.meta.dataGranularity"), rng.Interval()),
		Currency:    provider.NormalizeCurrency(provider.LookupString(result, "$.meta.currency")),
		Source:      p.cfg.Name,
		LastUpdated: p.now().UTC(),
		Points:      provider.SortPoints(points),
	}
	if err := s.Validate(p.cfg.Name); err != nil {
		return provider.Series{}, err
	}
	return s, nil
}

func (p *Provider) FetchMetadata(ctx context.Context, symbol string) (provider.Metadata, error) {
	symbol = provider.NormalizeSymbol(symbol)
	if symbol == "" {
		return provider.Metadata{}, provider.Failf(p.cfg.Name, provider.ErrInvalidRequest, "empty symbol")
	}
	result, err := p.chart(ctx, symbol, "1d", "1d")
	if err != nil {
		return provider.Metadata{}, err
	}
	m := provider.Metadata{
		Symbol:   symbol,
		Name:     firstNonEmpty(provider.LookupString(result, "$.meta.longName"), provider.LookupString(result, "$.meta.shortName")),
		Exchange: firstNonEmpty(provider.LookupString(result, "$.meta.fullExchangeName"), provider.LookupString(result, "$.meta.exchangeName")),
		Currency: provider.NormalizeCurrency(provider.LookupString(result, "$.meta.currency")),
		Type:     provider.LookupString(result, "$.meta.instrumentType"),
		Source:   p.cfg.Name,
	}
	if m.Name == "" && m.Exchange == "" {
		return provider.Metadata{}, provider.Failf(p.cfg.Name, provider.ErrEmptyResult, "no metadata for %s", symbol)
	}
	return m, nil
}

// Rate reads the FROMTO=X reference pair.
func (p *Provider) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to = provider.NormalizeCurrency(from), provider.NormalizeCurrency(to)
	if from == "" || to == "" {
		return decimal.Decimal{}, provider.Failf(p.cfg.Name, provider.ErrInvalidRequest, "empty currency")
	}
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	pair := from + to + "=X"
	result, err := p.chart(ctx, pair, "1d", "1d")
	if err != nil {
		return decimal.Decimal{}, err
	}
	rate, ok := provider.LookupDecimal(result, "$.meta.regularMarketPrice")
	if !ok || !rate.IsPositive() {
		return decimal.Decimal{}, provider.Failf(p.cfg.Name, provider.ErrEmptyResult, "no rate for %s", pair)
	}
	return rate, nil
}

// conversion returns the rate to the target currency. A failed rate lookup
// keeps the native price and currency.
func (p *Provider) conversion(ctx context.Context, native string) (decimal.Decimal, string, bool) {
	target := p.cfg.TargetCurrency
	if target == "" || native == "" || native == target {
		return decimal.Decimal{}, "", false
	}
	rate, err := p.Rate(ctx, native, target)
	if err != nil {
		p.cfg.Log.WithFields(logrus.Fields{"from": native, "to": target}).WithError(err).
			Warn("currency conversion failed, keeping native currency")
		return decimal.Decimal{}, "", false
	}
	return rate, target, true
}

func decimalAt(values []any, i int) (decimal.Decimal, bool) {
	if i >= len(values) {
		return decimal.Decimal{}, false
	}
	return provider.DecimalFrom(values[i])
}

func nullDecimalAt(values []any, i int) decimal.NullDecimal {
	d, ok := decimalAt(values, i)
	if !ok {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
