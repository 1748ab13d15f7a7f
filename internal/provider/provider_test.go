package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"findash/internal/httpx"
)

func TestSortPoints_StrictlyIncreasing(t *testing.T) {
	t.Parallel()

	t1 := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	t2 := t1.AddDate(0, 0, 1)
	in := []Point{
		{Time: t2, Close: decimal.NewFromInt(2)},
		{Time: t1, Close: decimal.NewFromInt(1)},
		{Time: t2, Close: decimal.NewFromInt(3)},
	}

	out := SortPoints(in)

	require.Len(t, out, 2)
	require.True(t, out[0].Time.Equal(t1))
	require.True(t, out[1].Time.Equal(t2))
	require.True(t, out[1].Close.Equal(decimal.NewFromInt(3)), "later duplicate wins")
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		kind error
	}{
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), ErrTimeout},
		{"not found", &httpx.StatusError{Code: http.StatusNotFound}, ErrEmptyResult},
		{"server error", &httpx.StatusError{Code: http.StatusInternalServerError}, ErrUnavailable},
		{"decode", &httpx.DecodeError{Err: &json.SyntaxError{}}, ErrMalformed},
		{"other", errors.New("connection refused"), ErrUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Classify("yahoo", tc.err)
			require.ErrorIs(t, err, tc.kind)
			require.Contains(t, err.Error(), "yahoo")
		})
	}

	// Assert: already classified errors pass through.
	orig := Failf("finnhub", ErrEmptyResult, "nothing")
	require.Same(t, orig, Classify("other", orig))
}

func TestExhaustedError_Messages(t *testing.T) {
	t.Parallel()

	empty := &ExhaustedError{Subject: "XYZ", Attempts: []Attempt{
		{Strategy: "a", Err: Failf("a", ErrEmptyResult, "none")},
		{Strategy: "b", Err: Failf("b", ErrEmptyResult, "none")},
	}}
	require.True(t, empty.NoData())
	require.Equal(t, "no data available for XYZ", empty.UserMessage())
	require.ErrorIs(t, empty, ErrExhausted)
	require.Contains(t, empty.Error(), "a: provider returned no data: none; b: provider returned no data: none")

	mixed := &ExhaustedError{Subject: "XYZ", Attempts: []Attempt{
		{Strategy: "a", Err: Failf("a", ErrEmptyResult, "none")},
		{Strategy: "b", Err: Failf("b", ErrTimeout, "slow")},
	}}
	require.False(t, mixed.NoData())
	require.Equal(t, "XYZ is temporarily unreachable, retry later", mixed.UserMessage())
}

func TestQuoteAndSeriesValidate(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, Quote{Symbol: "A", Currency: "USD"}.Validate("x"), ErrEmptyResult)
	require.ErrorIs(t, Quote{Symbol: "A", Price: decimal.NewFromInt(1)}.Validate("x"), ErrMalformed)
	require.NoError(t, Quote{Symbol: "A", Price: decimal.NewFromInt(1), Currency: "USD"}.Validate("x"))
	require.ErrorIs(t, Series{Symbol: "A", Range: Range1mo}.Validate("x"), ErrEmptyResult)
}

func TestParseRange(t *testing.T) {
	t.Parallel()

	r, err := ParseRange("")
	require.NoError(t, err)
	require.Equal(t, Range1mo, r)

	r, err = ParseRange(" 1Y ")
	require.NoError(t, err)
	require.Equal(t, Range1y, r)
	require.Equal(t, "1d", r.Interval())

	_, err = ParseRange("7w")
	require.ErrorIs(t, err, ErrInvalidRequest)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 60, RangeYtd.Days(now))
	require.True(t, RangeMax.Start(now).IsZero())
}

func TestLookupHelpers(t *testing.T) {
	t.Parallel()

	var raw any
	require.NoError(t, json.Unmarshal([]byte(`{"a":{"b":[{"c":"1.5","d":null}]}}`), &raw))

	d, ok := LookupDecimal(raw, "$.a.b[0].c")
	require.True(t, ok)
	require.True(t, d.Equal(decimal.RequireFromString("1.5")))

	_, ok = Lookup(raw, "$.a.b[0].d")
	require.False(t, ok, "null is missing")
	_, ok = Lookup(raw, "$.a.x")
	require.False(t, ok)
	require.Nil(t, LookupSlice(raw, "$.nope"))
}

func TestNormalizeCurrency(t *testing.T) {
	t.Parallel()

	require.Equal(t, "EUR", NormalizeCurrency(" eur"))
	require.Equal(t, "USDT", NormalizeCurrency("usdt"))
	require.True(t, IsISOCurrency("usd"))
	require.False(t, IsISOCurrency("USDT"))
}

func TestAssets(t *testing.T) {
	t.Parallel()

	a := DefaultAssets().Merge(Assets{"pepe": {CoinGeckoID: "pepe"}})
	require.True(t, a.IsCrypto("btc"))
	require.True(t, a.IsCrypto("PEPE"))
	require.False(t, a.IsCrypto("AAPL"))
}

func TestSeriesConvert_ScalesPricesOnly(t *testing.T) {
	t.Parallel()

	s := Series{Currency: "USD", Points: []Point{{
		Close: decimal.NewFromInt(10),
		Open:  decimal.NewNullDecimal(decimal.NewFromInt(8)),
	}}}

	out := s.Convert(decimal.RequireFromString("0.5"), "EUR")

	require.Equal(t, "EUR", out.Currency)
	require.True(t, out.Points[0].Close.Equal(decimal.NewFromInt(5)))
	require.True(t, out.Points[0].Open.Decimal.Equal(decimal.NewFromInt(4)))
	require.False(t, out.Points[0].High.Valid)
	// the input is not mutated
	require.True(t, s.Points[0].Close.Equal(decimal.NewFromInt(10)))
}
