package market

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"findash/internal/config"
	"findash/internal/httpx"
	"findash/internal/logger"
	"findash/internal/provider"
)

type fakeQuotes struct {
	name  string
	calls atomic.Int32
	delay time.Duration
	fn    func(symbol string) (provider.Quote, error)
}

func (f *fakeQuotes) Name() string { return f.name }

func (f *fakeQuotes) FetchQuote(ctx context.Context, symbol string) (provider.Quote, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.fn(symbol)
}

type fakeRates struct {
	calls atomic.Int32
}

func (f *fakeRates) Name() string { return "rates" }

func (f *fakeRates) Rate(_ context.Context, from, to string) (decimal.Decimal, error) {
	f.calls.Add(1)
	return decimal.RequireFromString("0.9"), nil
}

func quoteOf(source string) func(string) (provider.Quote, error) {
	return func(symbol string) (provider.Quote, error) {
		return provider.Quote{Symbol: symbol, Price: decimal.NewFromInt(10), Currency: "USD", Source: source}, nil
	}
}

func quiet() Options {
	return Options{Log: logger.Discard().WithField("component", "market")}
}

func TestQuote_RoutesByAssetClass(t *testing.T) {
	t.Parallel()

	// Arrange
	equity := &fakeQuotes{name: "equity", fn: quoteOf("equity")}
	crypto := &fakeQuotes{name: "crypto", fn: quoteOf("crypto")}
	fx := &fakeQuotes{name: "fx", fn: quoteOf("fx")}
	svc := New(Sources{
		EquityQuotes: []provider.QuoteSource{equity},
		CryptoQuotes: []provider.QuoteSource{crypto},
		FXQuotes:     []provider.QuoteSource{fx},
	}, quiet())

	// Act
	a, errA := svc.Quote(t.Context(), " aapl ")
	b, errB := svc.Quote(t.Context(), "btc")
	c, errC := svc.Quote(t.Context(), "EUR/USD")

	// Assert
	require.NoError(t, errors.Join(errA, errB, errC))
	require.Equal(t, "equity", a.Source)
	require.Equal(t, "AAPL", a.Symbol)
	require.Equal(t, "crypto", b.Source)
	require.Equal(t, "fx", c.Source)
}

func TestQuote_EmptySymbolIsInvalid(t *testing.T) {
	t.Parallel()

	src := &fakeQuotes{name: "equity", fn: quoteOf("equity")}
	svc := New(Sources{EquityQuotes: []provider.QuoteSource{src}}, quiet())

	_, err := svc.Quote(t.Context(), "   ")

	require.ErrorIs(t, err, provider.ErrInvalidRequest)
	require.Zero(t, src.calls.Load())
}

func TestQuote_ConcurrentCallersShareOneFetch(t *testing.T) {
	t.Parallel()

	// Arrange
	src := &fakeQuotes{name: "equity", delay: 50 * time.Millisecond, fn: quoteOf("equity")}
	svc := New(Sources{EquityQuotes: []provider.QuoteSource{src}}, quiet())

	// Act
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Quote(context.Background(), "MSFT")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// Assert
	require.EqualValues(t, 1, src.calls.Load())
}

func TestQuotes_DegradesPerSymbol(t *testing.T) {
	t.Parallel()

	// Arrange
	src := &fakeQuotes{name: "equity", fn: func(symbol string) (provider.Quote, error) {
		if symbol == "GONE" {
			return provider.Quote{}, provider.Failf("equity", provider.ErrEmptyResult, "no data")
		}
		return quoteOf("equity")(symbol)
	}}
	svc := New(Sources{EquityQuotes: []provider.QuoteSource{src}}, quiet())

	// Act
	out := svc.Quotes(t.Context(), []string{"AAPL", "GONE", "msft"})

	// Assert
	require.Len(t, out, 3)
	require.NoError(t, out[0].Err)
	require.Equal(t, "AAPL", out[0].Quote.Symbol)
	var exhausted *provider.ExhaustedError
	require.ErrorAs(t, out[1].Err, &exhausted)
	require.True(t, exhausted.NoData())
	require.NoError(t, out[2].Err)
	require.Equal(t, "MSFT", out[2].Symbol)
}

func TestRate_SameCurrencySkipsUpstream(t *testing.T) {
	t.Parallel()

	rates := &fakeRates{}
	svc := New(Sources{Rates: []provider.RateSource{rates}}, quiet())

	one, err := svc.Rate(t.Context(), "usd", "USD")
	require.NoError(t, err)
	require.True(t, one.Equal(decimal.NewFromInt(1)))
	require.Zero(t, rates.calls.Load())

	r, err := svc.Rate(t.Context(), "USD", "EUR")
	require.NoError(t, err)
	require.True(t, r.Equal(decimal.RequireFromString("0.9")))
	_, _ = svc.Rate(t.Context(), "USD", "EUR")
	require.EqualValues(t, 1, rates.calls.Load())
}

func TestHistory_RejectsUnknownRange(t *testing.T) {
	t.Parallel()

	svc := New(Sources{}, quiet())

	_, err := svc.History(t.Context(), "AAPL", provider.Range("7w"))

	require.ErrorIs(t, err, provider.ErrInvalidRequest)
}

func chartWithBars(n int) string {
	start := time.Date(2025, 1, 2, 14, 30, 0, 0, time.UTC)
	stamps := make([]string, n)
	closes := make([]string, n)
	for i := range n {
		stamps[i] = fmt.Sprint(start.AddDate(0, 0, i).Unix())
		closes[i] = fmt.Sprintf("%d.25", 180+i)
	}
	return fmt.Sprintf(`{"chart":{"result":[{"meta":{"currency":"USD","symbol":"AAPL","dataGranularity":"1d"},
"timestamp":[%s],"indicators":{"quote":[{"close":[%s]}]}}],"error":null}}`,
		strings.Join(stamps, ","), strings.Join(closes, ","))
}

func TestHistory_FallsBackThenServesFromCache(t *testing.T) {
	t.Parallel()

	// Arrange
	var gatewayHits, yahooHits atomic.Int32
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gatewayHits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(gw.Close)
	yh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		yahooHits.Add(1)
		assert.Equal(t, "/v8/finance/chart/AAPL", r.URL.Path)
		assert.Equal(t, "1mo", r.URL.Query().Get("range"))
		_, _ = w.Write([]byte(chartWithBars(22)))
	}))
	t.Cleanup(yh.Close)

	cfg := config.Default()
	cfg.Market.GatewayURL = gw.URL
	cfg.Market.CORSProxies = nil
	cfg.Yahoo.BaseURL = yh.URL
	cfg.Finnhub.Enabled = false
	cfg.Binance.Enabled = false
	cfg.CoinGecko.Enabled = false
	cfg.Frankfurter.Enabled = false
	svc := FromConfig(cfg, logger.Discard())

	// Act
	first, err := svc.History(t.Context(), "AAPL", provider.Range1mo)
	require.NoError(t, err)
	second, err := svc.History(t.Context(), "aapl", "")
	require.NoError(t, err)

	// Assert
	require.Len(t, first.Points, 22)
	require.Equal(t, "yahoo", first.Source)
	require.EqualValues(t, 1, gatewayHits.Load())
	require.EqualValues(t, 1, yahooHits.Load(), "second call must be served from cache")
	require.Equal(t, first, second)
	require.Equal(t, 15*time.Minute, svc.history.TTL())
}

func TestSourcesFromConfig_ChainOrder(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Market.GatewayURL = "http://gateway.test"
	cfg.Finnhub.APIKey = "k"

	src := SourcesFromConfig(cfg, logger.Discard(), httpx.New(time.Second))

	names := func(n int, name func(int) string) []string {
		out := make([]string, n)
		for i := range out {
			out[i] = name(i)
		}
		return out
	}
	require.Equal(t, []string{"gateway", "yahoo", "finnhub", "yahoo-proxy"},
		names(len(src.EquityQuotes), func(i int) string { return src.EquityQuotes[i].Name() }))
	require.Equal(t, []string{"binance", "coingecko"},
		names(len(src.CryptoQuotes), func(i int) string { return src.CryptoQuotes[i].Name() }))
	require.Equal(t, []string{"coingecko", "binance"},
		names(len(src.CryptoHistory), func(i int) string { return src.CryptoHistory[i].Name() }))
	require.Equal(t, []string{"frankfurter", "yahoo"},
		names(len(src.Rates), func(i int) string { return src.Rates[i].Name() }))
}
