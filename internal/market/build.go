package market

import (
	"github.com/sirupsen/logrus"

	"findash/internal/config"
	"findash/internal/httpx"
	"findash/internal/provider"
	"findash/internal/provider/binance"
	"findash/internal/provider/coingecko"
	"findash/internal/provider/finnhub"
	"findash/internal/provider/frankfurter"
	"findash/internal/provider/gateway"
	"findash/internal/provider/proxyrotate"
	"findash/internal/provider/ratelimit"
	"findash/internal/provider/yahoo"
)

// FromConfig wires every enabled adapter into the chains, in this order:
//
//	equity:  gateway, yahoo, finnhub, yahoo through CORS proxies
//	crypto:  binance, coingecko (quotes); coingecko, binance (history)
//	fx:      frankfurter (quotes, history); frankfurter, yahoo (rates)
//	meta:    gateway, finnhub, yahoo; coingecko for crypto
func FromConfig(cfg config.Config, log *logrus.Logger) *Service {
	return New(SourcesFromConfig(cfg, log, httpx.New(config.Seconds(cfg.Market.UpstreamTimeoutSec))), Options{
		QuoteTTL:    config.Seconds(cfg.Market.QuoteTTLSec),
		HistoryTTL:  config.Seconds(cfg.Market.HistoryTTLSec),
		MetadataTTL: config.Seconds(cfg.Market.MetadataTTLSec),
		MaxItems:    cfg.Market.CacheMaxItems,
		Assets:      provider.DefaultAssets().Merge(cfg.Market.Assets),
		Log:         log.WithField("component", "market"),
	})
}

// SourcesFromConfig builds the adapters on top of base. Quota-limited
// upstreams get their own clone of base carrying a limiter.
func SourcesFromConfig(cfg config.Config, log *logrus.Logger, base *httpx.Client) Sources {
	var src Sources
	target := cfg.Market.TargetCurrency
	assets := provider.DefaultAssets().Merge(cfg.Market.Assets)
	entry := func(name string) *logrus.Entry { return log.WithField("provider", name) }

	if cfg.Market.GatewayURL != "" {
		gw := gateway.New(cfg.Market.GatewayURL, base)
		src.EquityQuotes = append(src.EquityQuotes, gw)
		src.EquityHistory = append(src.EquityHistory, gw)
		src.Metadata = append(src.Metadata, gw)
	}

	var yh *yahoo.Provider
	if cfg.Yahoo.Enabled {
		yh = yahoo.New(yahoo.Config{
			BaseURL:        cfg.Yahoo.BaseURL,
			TargetCurrency: target,
			SymbolMap:      cfg.Yahoo.SymbolMap,
			Log:            entry("yahoo"),
		}, base)
		src.EquityQuotes = append(src.EquityQuotes, yh)
		src.EquityHistory = append(src.EquityHistory, yh)
	}

	if cfg.Finnhub.Enabled && cfg.Finnhub.APIKey != "" {
		opts := []finnhub.Option{finnhub.WithHTTPClient(limited(base, cfg.Finnhub))}
		if cfg.Finnhub.BaseURL != "" {
			opts = append(opts, finnhub.WithBaseURL(cfg.Finnhub.BaseURL))
		}
		fh := finnhub.New(cfg.Finnhub.APIKey, opts...)
		src.EquityQuotes = append(src.EquityQuotes, fh)
		src.EquityHistory = append(src.EquityHistory, fh)
		src.Metadata = append(src.Metadata, fh)
	}

	if yh != nil {
		src.Metadata = append(src.Metadata, yh)
		if len(cfg.Market.CORSProxies) > 0 {
			proxied := proxyrotate.New("yahoo-proxy", cfg.Market.CORSProxies, base, func(hc *httpx.Client) proxyrotate.Upstream {
				return yahoo.New(yahoo.Config{
					Name:           "yahoo-proxy",
					BaseURL:        cfg.Yahoo.BaseURL,
					TargetCurrency: target,
					SymbolMap:      cfg.Yahoo.SymbolMap,
					Log:            entry("yahoo-proxy"),
				}, hc)
			})
			if proxied.Len() > 0 {
				src.EquityQuotes = append(src.EquityQuotes, proxied)
				src.EquityHistory = append(src.EquityHistory, proxied)
			}
		}
	}

	var bn *binance.Provider
	if cfg.Binance.Enabled {
		bn = binance.New(binance.Config{
			BaseURL:        cfg.Binance.BaseURL,
			Assets:         assets,
			TargetCurrency: target,
			Log:            entry("binance"),
		}, base)
		src.CryptoQuotes = append(src.CryptoQuotes, bn)
	}
	if cfg.CoinGecko.Enabled {
		cg := coingecko.New(coingecko.Config{
			BaseURL:  cfg.CoinGecko.BaseURL,
			APIKey:   cfg.CoinGecko.APIKey,
			Assets:   assets,
			Currency: target,
		}, limited(base, cfg.CoinGecko))
		src.CryptoQuotes = append(src.CryptoQuotes, cg)
		src.CryptoHistory = append(src.CryptoHistory, cg)
		src.CryptoMetadata = append(src.CryptoMetadata, cg)
	}
	if bn != nil {
		src.CryptoHistory = append(src.CryptoHistory, bn)
	}

	if cfg.Frankfurter.Enabled {
		ff := frankfurter.New(cfg.Frankfurter.BaseURL, base)
		src.FXQuotes = append(src.FXQuotes, ff)
		src.FXHistory = append(src.FXHistory, ff)
		src.Rates = append(src.Rates, ff)
	}
	if yh != nil {
		src.Rates = append(src.Rates, yh)
	}
	return src
}

func limited(base *httpx.Client, l config.Limited) *httpx.Client {
	hc := base.Clone()
	if lim := ratelimit.PerMinute(l.MaxRequestsPerMinute, l.Burst, l.MinRequestIntervalSec); lim != nil {
		hc.Limiter = lim
	}
	return hc
}
