package aggregate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"findash/internal/portfolio"
	"findash/internal/provider"
)

func TestLatestBySymbol_NewestWinsAcrossSources(t *testing.T) {
	t1 := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	in := []provider.Quote{
		{Symbol: "AAPL", Price: decimal.NewFromInt(10), Currency: "USD", Source: "yahoo", Timestamp: t2},
		{Symbol: "aapl", Price: decimal.NewFromInt(11), Currency: "USD", Source: "finnhub", Timestamp: t1},
	}

	out := LatestBySymbol(in)
	if len(out) != 1 {
		t.Fatalf("want 1, got %d: %+v", len(out), out)
	}
	if got := out[0]; got.Source != "yahoo" || !got.Timestamp.Equal(t2) {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestLatestBySymbol_EqualTimestampsLaterInputWins(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	in := []provider.Quote{
		{Symbol: "BTC", Price: decimal.NewFromInt(1), Source: "binance", Timestamp: ts},
		{Symbol: "BTC", Price: decimal.NewFromInt(2), Source: "coingecko", Timestamp: ts},
		{Symbol: "ETH", Price: decimal.NewFromInt(3), Source: "binance"},
	}

	out := LatestBySymbol(in)
	if len(out) != 2 {
		t.Fatalf("want 2 rows, got %d: %+v", len(out), out)
	}
	if out[0].Symbol != "BTC" || out[0].Source != "coingecko" {
		t.Fatalf("expected coingecko BTC first: %+v", out[0])
	}
	if out[1].Symbol != "ETH" {
		t.Fatalf("expected ETH second: %+v", out[1])
	}
}

func TestValue_MissingQuoteIsFlagged(t *testing.T) {
	holdings := []portfolio.Holding{
		{ID: "1", Symbol: "AAPL", Shares: decimal.NewFromInt(3), Owner: "ann"},
		{ID: "2", Symbol: "GONE", Shares: decimal.NewFromInt(1)},
	}
	quotes := []provider.Quote{{Symbol: "AAPL", Price: decimal.RequireFromString("200.5"), Currency: "USD", Source: "yahoo"}}

	snap := Value(holdings, quotes)

	if !snap.Total.Equal(decimal.RequireFromString("601.5")) {
		t.Fatalf("total = %s", snap.Total)
	}
	if !snap.ByOwner["ann"].Equal(snap.Total) {
		t.Fatalf("by owner = %+v", snap.ByOwner)
	}
	if len(snap.Positions) != 2 || !snap.Positions[1].Missing || snap.Positions[0].Missing {
		t.Fatalf("positions = %+v", snap.Positions)
	}
}
