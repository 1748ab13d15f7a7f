package provider

// Asset maps a crypto symbol to the identifiers the crypto providers use.
type Asset struct {
	CoinGeckoID string `json:"coingecko_id" yaml:"coingecko_id"`
	BinancePair string `json:"binance_pair" yaml:"binance_pair"`
}

// Assets is the static symbol to provider asset id mapping. Symbols absent
// from the map are equities.
type Assets map[string]Asset

// DefaultAssets covers the coins the dashboard ships with.
func DefaultAssets() Assets {
	return Assets{
		"BTC":   {CoinGeckoID: "bitcoin", BinancePair: "BTCUSDT"},
		"ETH":   {CoinGeckoID: "ethereum", BinancePair: "ETHUSDT"},
		"SOL":   {CoinGeckoID: "solana", BinancePair: "SOLUSDT"},
		"BNB":   {CoinGeckoID: "binancecoin", BinancePair: "BNBUSDT"},
		"XRP":   {CoinGeckoID: "ripple", BinancePair: "XRPUSDT"},
		"ADA":   {CoinGeckoID: "cardano", BinancePair: "ADAUSDT"},
		"DOGE":  {CoinGeckoID: "dogecoin", BinancePair: "DOGEUSDT"},
		"DOT":   {CoinGeckoID: "polkadot", BinancePair: "DOTUSDT"},
		"AVAX":  {CoinGeckoID: "avalanche-2", BinancePair: "AVAXUSDT"},
		"LINK":  {CoinGeckoID: "chainlink", BinancePair: "LINKUSDT"},
		"LTC":   {CoinGeckoID: "litecoin", BinancePair: "LTCUSDT"},
		"ATOM":  {CoinGeckoID: "cosmos", BinancePair: "ATOMUSDT"},
		"MATIC": {CoinGeckoID: "matic-network", BinancePair: "MATICUSDT"},
		"USDC":  {CoinGeckoID: "usd-coin", BinancePair: "USDCUSDT"},
	}
}

// Lookup returns the asset for a normalized symbol.
func (a Assets) Lookup(symbol string) (Asset, bool) {
	as, ok := a[NormalizeSymbol(symbol)]
	return as, ok
}

// IsCrypto reports whether the symbol is routed through the crypto chain.
func (a Assets) IsCrypto(symbol string) bool {
	_, ok := a.Lookup(symbol)
	return ok
}

// Merge returns a copy of a overlaid with extra. Keys are normalized.
func (a Assets) Merge(extra Assets) Assets {
	out := make(Assets, len(a)+len(extra))
	for k, v := range a {
		out[NormalizeSymbol(k)] = v
	}
	for k, v := range extra {
		out[NormalizeSymbol(k)] = v
	}
	return out
}
