// Package market serves quotes, histories, metadata and FX rates through
// cached fallback chains.
package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"findash/internal/fallback"
	"findash/internal/provider"
	"findash/internal/provider/cache"
)

const (
	DefaultQuoteTTL    = time.Minute
	DefaultHistoryTTL  = 15 * time.Minute
	DefaultMetadataTTL = 6 * time.Hour
)

// Sources lists the adapters of every chain in priority order.
type Sources struct {
	EquityQuotes   []provider.QuoteSource
	EquityHistory  []provider.HistorySource
	CryptoQuotes   []provider.QuoteSource
	CryptoHistory  []provider.HistorySource
	FXQuotes       []provider.QuoteSource
	FXHistory      []provider.HistorySource
	Metadata       []provider.MetadataSource
	CryptoMetadata []provider.MetadataSource
	Rates          []provider.RateSource
}

type Options struct {
	QuoteTTL    time.Duration
	HistoryTTL  time.Duration
	MetadataTTL time.Duration
	MaxItems    int
	Assets      provider.Assets
	Log         *logrus.Entry
}

type historyRequest struct {
	symbol string
	rng    provider.Range
}

type pair struct {
	from, to string
}

// Service is the single entry point for market data. Every read goes
// through a TTL cache that coalesces concurrent requests for the same key.
type Service struct {
	log    *logrus.Entry
	assets provider.Assets

	quotes   *cache.Cache[provider.Quote]
	history  *cache.Cache[provider.Series]
	metadata *cache.Cache[provider.Metadata]
	rates    *cache.Cache[decimal.Decimal]

	equityQuote   fallback.Chain[string, provider.Quote]
	cryptoQuote   fallback.Chain[string, provider.Quote]
	fxQuote       fallback.Chain[string, provider.Quote]
	equityHistory fallback.Chain[historyRequest, provider.Series]
	cryptoHistory fallback.Chain[historyRequest, provider.Series]
	fxHistory     fallback.Chain[historyRequest, provider.Series]
	equityMeta    fallback.Chain[string, provider.Metadata]
	cryptoMeta    fallback.Chain[string, provider.Metadata]
	fx            fallback.Chain[pair, decimal.Decimal]
}

func New(src Sources, opts Options) *Service {
	if opts.QuoteTTL <= 0 {
		opts.QuoteTTL = DefaultQuoteTTL
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = DefaultHistoryTTL
	}
	if opts.MetadataTTL <= 0 {
		opts.MetadataTTL = DefaultMetadataTTL
	}
	if opts.Assets == nil {
		opts.Assets = provider.DefaultAssets()
	}
	if opts.Log == nil {
		opts.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	log := opts.Log
	cacheOpts := []cache.Option{cache.WithMaxItems(opts.MaxItems)}
	return &Service{
		log:      log,
		assets:   opts.Assets,
		quotes:   cache.New[provider.Quote](opts.QuoteTTL, cacheOpts...),
		history:  cache.New[provider.Series](opts.HistoryTTL, cacheOpts...),
		metadata: cache.New[provider.Metadata](opts.MetadataTTL, cacheOpts...),
		rates:    cache.New[decimal.Decimal](opts.QuoteTTL, cacheOpts...),

		equityQuote:   quoteChain(src.EquityQuotes, log),
		cryptoQuote:   quoteChain(src.CryptoQuotes, log),
		fxQuote:       quoteChain(src.FXQuotes, log),
		equityHistory: historyChain(src.EquityHistory, log),
		cryptoHistory: historyChain(src.CryptoHistory, log),
		fxHistory:     historyChain(src.FXHistory, log),
		equityMeta:    metadataChain(src.Metadata, log),
		cryptoMeta:    metadataChain(src.CryptoMetadata, log),
		fx:            rateChain(src.Rates, log),
	}
}

func quoteChain(sources []provider.QuoteSource, log *logrus.Entry) fallback.Chain[string, provider.Quote] {
	c := fallback.Chain[string, provider.Quote]{Log: log}
	for _, s := range sources {
		c.Strategies = append(c.Strategies, fallback.Strategy[string, provider.Quote]{Name: s.Name(), Run: s.FetchQuote})
	}
	return c
}

func historyChain(sources []provider.HistorySource, log *logrus.Entry) fallback.Chain[historyRequest, provider.Series] {
	c := fallback.Chain[historyRequest, provider.Series]{Log: log}
	for _, s := range sources {
		c.Strategies = append(c.Strategies, fallback.Strategy[historyRequest, provider.Series]{
			Name: s.Name(),
			Run: func(ctx context.Context, r historyRequest) (provider.Series, error) {
				return s.FetchHistory(ctx, r.symbol, r.rng)
			},
		})
	}
	return c
}

func metadataChain(sources []provider.MetadataSource, log *logrus.Entry) fallback.Chain[string, provider.Metadata] {
	c := fallback.Chain[string, provider.Metadata]{Log: log}
	for _, s := range sources {
		c.Strategies = append(c.Strategies, fallback.Strategy[string, provider.Metadata]{Name: s.Name(), Run: s.FetchMetadata})
	}
	return c
}

func rateChain(sources []provider.RateSource, log *logrus.Entry) fallback.Chain[pair, decimal.Decimal] {
	c := fallback.Chain[pair, decimal.Decimal]{Log: log}
	for _, s := range sources {
		c.Strategies = append(c.Strategies, fallback.Strategy[pair, decimal.Decimal]{
			Name: s.Name(),
			Run: func(ctx context.Context, p pair) (decimal.Decimal, error) {
				return s.Rate(ctx, p.from, p.to)
			},
		})
	}
	return c
}

// Kind is the asset class a symbol is routed by.
type Kind int

const (
	Equity Kind = iota
	Crypto
	FX
)

func (k Kind) String() string {
	switch k {
	case Crypto:
		return "crypto"
	case FX:
		return "fx"
	default:
		return "equity"
	}
}

// Classify routes a normalized symbol. Mapped crypto symbols are crypto,
// FROM/TO pairs are FX and everything else is an equity.
func (s *Service) Classify(symbol string) Kind {
	switch {
	case s.assets.IsCrypto(symbol):
		return Crypto
	case strings.Contains(symbol, "/"):
		return FX
	default:
		return Equity
	}
}

func validSymbol(symbol string) (string, error) {
	symbol = provider.NormalizeSymbol(symbol)
	if symbol == "" {
		return "", fmt.Errorf("%w: empty symbol", provider.ErrInvalidRequest)
	}
	if len(symbol) > 32 || strings.ContainsAny(symbol, " \t\r\n?#&") {
		return "", fmt.Errorf("%w: bad symbol %q", provider.ErrInvalidRequest, symbol)
	}
	return symbol, nil
}

// Quote returns the latest quote for symbol.
func (s *Service) Quote(ctx context.Context, symbol string) (provider.Quote, error) {
	symbol, err := validSymbol(symbol)
	if err != nil {
		return provider.Quote{}, err
	}
	chain := s.equityQuote
	switch s.Classify(symbol) {
	case Crypto:
		chain = s.cryptoQuote
	case FX:
		chain = s.fxQuote
	}
	return s.quotes.GetOrFetch(ctx, "quote:"+symbol, func(ctx context.Context) (provider.Quote, error) {
		return chain.Resolve(ctx, symbol, symbol)
	})
}

// QuoteResult is one entry of a batch quote. Err is set when every source
// failed for that symbol; the rest of the batch is unaffected.
type QuoteResult struct {
	Symbol string
	Quote  provider.Quote
	Err    error
}

// Quotes fetches several quotes concurrently, preserving input order.
// Duplicate symbols share one upstream call through the cache.
func (s *Service) Quotes(ctx context.Context, symbols []string) []QuoteResult {
	out := make([]QuoteResult, len(symbols))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, sym := range symbols {
		g.Go(func() error {
			q, err := s.Quote(ctx, sym)
			out[i] = QuoteResult{Symbol: provider.NormalizeSymbol(sym), Quote: q, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// History returns the historical series for symbol over rng. Results are
// cached per symbol and range.
func (s *Service) History(ctx context.Context, symbol string, rng provider.Range) (provider.Series, error) {
	symbol, err := validSymbol(symbol)
	if err != nil {
		return provider.Series{}, err
	}
	rng, err = provider.ParseRange(rng.String())
	if err != nil {
		return provider.Series{}, err
	}
	chain := s.equityHistory
	switch s.Classify(symbol) {
	case Crypto:
		chain = s.cryptoHistory
	case FX:
		chain = s.fxHistory
	}
	key := "history:" + symbol + ":" + rng.String()
	return s.history.GetOrFetch(ctx, key, func(ctx context.Context) (provider.Series, error) {
		return chain.Resolve(ctx, symbol, historyRequest{symbol: symbol, rng: rng})
	})
}

// Metadata returns slow-changing instrument data.
func (s *Service) Metadata(ctx context.Context, symbol string) (provider.Metadata, error) {
	symbol, err := validSymbol(symbol)
	if err != nil {
		return provider.Metadata{}, err
	}
	chain := s.equityMeta
	if s.Classify(symbol) == Crypto {
		chain = s.cryptoMeta
	}
	return s.metadata.GetOrFetch(ctx, "meta:"+symbol, func(ctx context.Context) (provider.Metadata, error) {
		return chain.Resolve(ctx, symbol, symbol)
	})
}

// Rate returns how many units of to one unit of from buys.
func (s *Service) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	from, to = provider.NormalizeCurrency(from), provider.NormalizeCurrency(to)
	if from == "" || to == "" {
		return decimal.Decimal{}, fmt.Errorf("%w: empty currency", provider.ErrInvalidRequest)
	}
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	subject := from + "/" + to
	return s.rates.GetOrFetch(ctx, "fx:"+from+":"+to, func(ctx context.Context) (decimal.Decimal, error) {
		return s.fx.Resolve(ctx, subject, pair{from: from, to: to})
	})
}

// Purge drops expired entries from every cache.
func (s *Service) Purge() int {
	n := s.quotes.Purge() + s.history.Purge() + s.metadata.Purge() + s.rates.Purge()
	if n > 0 {
		s.log.WithField("entries", n).Debug("purged expired cache entries")
	}
	return n
}

// Assets is the crypto symbol map the service routes by.
func (s *Service) Assets() provider.Assets { return s.assets }
