// Package binance reads crypto tickers and klines from the Binance spot
// REST API.
package binance

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"findash/internal/httpx"
	"findash/internal/provider"
)

const defaultBaseURL = "https://api.binance.com"

// maxKlines is the largest page /api/v3/klines returns.
const maxKlines = 1000

type Config struct {
	Name    string
	BaseURL string
	Assets  provider.Assets
	// QuoteCurrency labels the pair's quote asset. USDT pairs are reported
	// as USD.
	QuoteCurrency string
	// QuoteAsset is the stablecoin used to reach TargetCurrency, e.g. EURUSDT.
	QuoteAsset     string
	TargetCurrency string
	Log            *logrus.Entry
}

type Provider struct {
	cfg    Config
	client *httpx.Client
	now    func() time.Time
}

func New(cfg Config, hc *httpx.Client) *Provider {
	if cfg.Name == "" {
		cfg.Name = "binance"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Assets == nil {
		cfg.Assets = provider.DefaultAssets()
	}
	if cfg.QuoteCurrency == "" {
		cfg.QuoteCurrency = "USD"
	}
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	cfg.TargetCurrency = provider.NormalizeCurrency(cfg.TargetCurrency)
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Provider{cfg: cfg, client: hc, now: time.Now}
}

func (p *Provider) Name() string { return p.cfg.Name }

func (p *Provider) pair(symbol string) (string, error) {
	a, ok := p.cfg.Assets.Lookup(symbol)
	if !ok || a.BinancePair == "" {
		return "", provider.Failf(p.cfg.Name, provider.ErrEmptyResult, "no binance pair for %s", symbol)
	}
	return a.BinancePair, nil
}

func (p *Provider) get(ctx context.Context, path string, q url.Values, out any) error {
	err := p.client.GetJSON(ctx, p.cfg.BaseURL+path+"?"+q.Encode(), nil, out)
	if err == nil {
		return nil
	}
	// {"code":-1121,"msg":"Invalid symbol."}
	var se *httpx.StatusError
	if errors.As(err, &se) && se.Code == http.StatusBadRequest && strings.Contains(se.Body, "-1121") {
		return &provider.ProviderError{Provider: p.cfg.Name, Kind: provider.ErrEmptyResult, Err: err}
	}
	return provider.Classify(p.cfg.Name, err)
}

type ticker struct {
	Symbol             string          `json:"symbol"`
	LastPrice          decimal.Decimal `json:"lastPrice"`
	PriceChangePercent decimal.Decimal `json:"priceChangePercent"`
	CloseTime          int64           `json:"closeTime"`
}

func (p *Provider) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	symbol = provider.NormalizeSymbol(symbol)
	pair, err := p.pair(symbol)
	if err != nil {
		return provider.Quote{}, err
	}
	var t ticker
	if err := p.get(ctx, "/api/v3/ticker/24hr", url.Values{"symbol": {pair}}, &t); err != nil {
		return provider.Quote{}, err
	}
	q := provider.Quote{
		Symbol:        symbol,
		Price:         t.LastPrice,
		Currency:      p.cfg.QuoteCurrency,
		ChangePercent: t.PriceChangePercent,
		Exchange:      "Binance",
		Source:        p.cfg.Name,
		Timestamp:     provider.ParseEpochMaybeMillis(t.CloseTime, p.now().UTC()),
	}
	if err := q.Validate(p.cfg.Name); err != nil {
		return provider.Quote{}, err
	}
	if rate, cur, ok := p.conversion(ctx); ok {
		q = q.Convert(rate, cur)
	}
	return q, nil
}

// klineInterval maps a bar interval to Binance notation.
func klineInterval(interval string) string {
	switch interval {
	case "1wk":
		return "1w"
	case "1mo":
		return "1M"
	default:
		return interval
	}
}

func (p *Provider) FetchHistory(ctx context.Context, symbol string, rng provider.Range) (provider.Series, error) {
	symbol = provider.NormalizeSymbol(symbol)
	pair, err := p.pair(symbol)
	if err != nil {
		return provider.Series{}, err
	}
	now := p.now().UTC()
	q := url.Values{
		"symbol":   {pair},
		"interval": {klineInterval(rng.Interval())},
		"limit":    {strconv.Itoa(maxKlines)},
	}
	if start := rng.Start(now); !start.IsZero() {
		q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	var rows [][]any
	if err := p.get(ctx, "/api/v3/klines", q, &rows); err != nil {
		return provider.Series{}, err
	}

	points := make([]provider.Point, 0, len(rows))
	for _, row := range rows {
		// [openTime, open, high, low, close, volume, closeTime, ...]
		if len(row) < 6 {
			return provider.Series{}, provider.Failf(p.cfg.Name, provider.ErrMalformed, "short kline row of %d fields", len(row))
		}
		openTime, ok := provider.Int64From(row[0])
		if !ok {
			return provider.Series{}, provider.Failf(p.cfg.Name, provider.ErrMalformed, "bad kline time %v", row[0])
		}
		c, ok := provider.DecimalFrom(row[4])
		if !ok {
			continue
		}
		pt := provider.Point{Time: time.UnixMilli(openTime).UTC(), Close: c}
		if v, ok := provider.DecimalFrom(row[1]); ok {
			pt.Open = decimal.NewNullDecimal(v)
		}
		if v, ok := provider.DecimalFrom(row[2]); ok {
			pt.High = decimal.NewNullDecimal(v)
		}
		if v, ok := provider.DecimalFrom(row[3]); ok {
			pt.Low = decimal.NewNullDecimal(v)
		}
		if v, ok := provider.DecimalFrom(row[5]); ok {
			pt.Volume = null.IntFrom(v.IntPart())
		}
		points = append(points, pt)
	}
	s := provider.Series{
		Symbol:      symbol,
		Range:       rng,
		Interval:    rng.Interval(),
		Currency:    p.cfg.QuoteCurrency,
		Source:      p.cfg.Name,
		LastUpdated: now,
		Points:      provider.SortPoints(points),
	}
	if err := s.Validate(p.cfg.Name); err != nil {
		return provider.Series{}, err
	}
	if rate, cur, ok := p.conversion(ctx); ok {
		s = s.Convert(rate, cur)
	}
	return s, nil
}

// conversion returns the rate from the stablecoin quote to the target
// currency via the <TARGET><QuoteAsset> pair. On failure the native price
// and currency are kept.
func (p *Provider) conversion(ctx context.Context) (decimal.Decimal, string, bool) {
	target := p.cfg.TargetCurrency
	if target == "" || target == p.cfg.QuoteCurrency {
		return decimal.Decimal{}, "", false
	}
	var t ticker
	err := p.get(ctx, "/api/v3/ticker/24hr", url.Values{"symbol": {target + p.cfg.QuoteAsset}}, &t)
	if err == nil && !t.LastPrice.IsPositive() {
		err = provider.Failf(p.cfg.Name, provider.ErrEmptyResult, "no price for %s%s", target, p.cfg.QuoteAsset)
	}
	if err != nil {
		p.cfg.Log.WithFields(logrus.Fields{"from": p.cfg.QuoteCurrency, "to": target}).WithError(err).
			Warn("currency conversion failed, keeping native currency")
		return decimal.Decimal{}, "", false
	}
	// EURUSDT is USDT per EUR
	return decimal.NewFromInt(1).DivRound(t.LastPrice, 12), target, true
}
