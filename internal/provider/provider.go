package provider

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

// Quote is the normalized shape returned by all quote sources.
// Prices stay decimal end to end; they are opaque payloads for this layer.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Name          string          `json:"name,omitempty"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Exchange      string          `json:"exchange,omitempty"`
	Source        string          `json:"source"`
	Timestamp     time.Time       `json:"timestamp"`
}

// Point is one bar of a historical series. Close is always present.
type Point struct {
	Time   time.Time           `json:"time"`
	Open   decimal.NullDecimal `json:"open"`
	High   decimal.NullDecimal `json:"high"`
	Low    decimal.NullDecimal `json:"low"`
	Close  decimal.Decimal     `json:"close"`
	Volume null.Int            `json:"volume"`
}

// Series is an ordered run of points for one symbol over one range.
type Series struct {
	Symbol      string    `json:"symbol"`
	Range       Range     `json:"range"`
	Interval    string    `json:"interval"`
	Currency    string    `json:"currency"`
	Source      string    `json:"source"`
	LastUpdated time.Time `json:"lastUpdated"`
	Points      []Point   `json:"data"`
}

// Metadata is slow-changing descriptive data about an instrument.
type Metadata struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange,omitempty"`
	Currency string `json:"currency,omitempty"`
	Industry string `json:"industry,omitempty"`
	Country  string `json:"country,omitempty"`
	Type     string `json:"type,omitempty"`
	Source   string `json:"source"`
}

type QuoteSource interface {
	Name() string
	FetchQuote(ctx context.Context, symbol string) (Quote, error)
}

type HistorySource interface {
	Name() string
	FetchHistory(ctx context.Context, symbol string, rng Range) (Series, error)
}

type MetadataSource interface {
	Name() string
	FetchMetadata(ctx context.Context, symbol string) (Metadata, error)
}

// RateSource returns how many units of `to` one unit of `from` buys.
type RateSource interface {
	Name() string
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

// NormalizeSymbol upper-cases and trims a user supplied symbol.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// SortPoints orders points by time and drops duplicate timestamps, keeping the
// later input for each. The result is strictly increasing.
func SortPoints(points []Point) []Point {
	sort.SliceStable(points, func(i, j int) bool { return points[i].Time.Before(points[j].Time) })
	out := points[:0]
	for _, p := range points {
		if n := len(out); n > 0 && out[n-1].Time.Equal(p.Time) {
			out[n-1] = p
			continue
		}
		out = append(out, p)
	}
	return out
}

// Validate reports ErrEmptyResult for a quote without a usable price.
func (q Quote) Validate(source string) error {
	if q.Price.IsZero() || q.Price.IsNegative() {
		return Failf(source, ErrEmptyResult, "no price for %s", q.Symbol)
	}
	if q.Currency == "" {
		return Failf(source, ErrMalformed, "no currency for %s", q.Symbol)
	}
	return nil
}

// Validate reports ErrEmptyResult for a series without points.
func (s Series) Validate(source string) error {
	if len(s.Points) == 0 {
		return Failf(source, ErrEmptyResult, "empty series for %s %s", s.Symbol, s.Range)
	}
	return nil
}

// Last returns the most recent point of the series.
func (s Series) Last() (Point, bool) {
	if len(s.Points) == 0 {
		return Point{}, false
	}
	return s.Points[len(s.Points)-1], true
}

// ParseEpochMaybeMillis converts a unix timestamp in seconds or milliseconds.
func ParseEpochMaybeMillis(v int64, fallback time.Time) time.Time {
	if v <= 0 {
		return fallback
	}
	if v > 1_000_000_000_000 { // ms
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

// Convert scales a quote by rate and relabels its currency. The change
// percentage is currency independent and kept.
func (q Quote) Convert(rate decimal.Decimal, currency string) Quote {
	q.Price = q.Price.Mul(rate)
	q.Currency = currency
	return q
}

// Convert scales every price field of the series by rate and relabels its
// currency. Volume is left untouched.
func (s Series) Convert(rate decimal.Decimal, currency string) Series {
	points := make([]Point, len(s.Points))
	for i, p := range s.Points {
		p.Close = p.Close.Mul(rate)
		p.Open = scaleNull(p.Open, rate)
		p.High = scaleNull(p.High, rate)
		p.Low = scaleNull(p.Low, rate)
		points[i] = p
	}
	s.Points = points
	s.Currency = currency
	return s
}

func scaleNull(v decimal.NullDecimal, rate decimal.Decimal) decimal.NullDecimal {
	if !v.Valid {
		return v
	}
	return decimal.NewNullDecimal(v.Decimal.Mul(rate))
}
