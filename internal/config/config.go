package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"findash/internal/provider"
)

type Server struct {
	Port              string `json:"port" yaml:"port" env:"PORT"`
	RequestTimeoutSec int    `json:"request_timeout_sec" yaml:"request_timeout_sec" env:"REQUEST_TIMEOUT_SEC"`
	MaxBodyBytes      int64  `json:"max_body_bytes" yaml:"max_body_bytes" env:"SERVER_MAX_BODY_BYTES"`
}

type Log struct {
	Level  string `json:"level" yaml:"level" env:"LEVEL"`
	Format string `json:"format" yaml:"format" env:"FORMAT"`
	Output string `json:"output" yaml:"output" env:"OUTPUT"`
}

type Market struct {
	TargetCurrency     string   `json:"target_currency" yaml:"target_currency" env:"TARGET_CURRENCY"`
	UpstreamTimeoutSec int      `json:"upstream_timeout_sec" yaml:"upstream_timeout_sec" env:"UPSTREAM_TIMEOUT_SEC"`
	QuoteTTLSec        int      `json:"quote_ttl_sec" yaml:"quote_ttl_sec" env:"QUOTE_TTL_SEC"`
	HistoryTTLSec      int      `json:"history_ttl_sec" yaml:"history_ttl_sec" env:"HISTORY_TTL_SEC"`
	MetadataTTLSec     int      `json:"metadata_ttl_sec" yaml:"metadata_ttl_sec" env:"METADATA_TTL_SEC"`
	CacheMaxItems      int      `json:"cache_max_items" yaml:"cache_max_items" env:"CACHE_MAX_ITEMS"`
	CachePurgeCron     string   `json:"cache_purge_cron" yaml:"cache_purge_cron" env:"CACHE_PURGE_CRON"`
	GatewayURL         string   `json:"gateway_url" yaml:"gateway_url" env:"GATEWAY_URL"`
	CORSProxies        []string `json:"cors_proxies" yaml:"cors_proxies" env:"CORS_PROXIES"`
	Benchmark          string   `json:"benchmark" yaml:"benchmark" env:"BENCHMARK"`
	// Assets extends the built-in crypto symbol map.
	Assets provider.Assets `json:"assets" yaml:"assets"`
}

type Yahoo struct {
	Enabled   bool              `json:"enabled" yaml:"enabled" env:"ENABLED"`
	BaseURL   string            `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	SymbolMap map[string]string `json:"symbol_map" yaml:"symbol_map"`
}

// Limited is an upstream with a request quota.
type Limited struct {
	Enabled               bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	APIKey                string `json:"api_key" yaml:"api_key" env:"API_KEY"`
	BaseURL               string `json:"base_url" yaml:"base_url" env:"BASE_URL"`
	MaxRequestsPerMinute  int    `json:"max_requests_per_minute" yaml:"max_requests_per_minute" env:"MAX_RPM"`
	MinRequestIntervalSec int    `json:"min_request_interval_sec" yaml:"min_request_interval_sec" env:"MIN_INTERVAL_SEC"`
	Burst                 int    `json:"burst" yaml:"burst" env:"BURST"`
}

type Simple struct {
	Enabled bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	BaseURL string `json:"base_url" yaml:"base_url" env:"BASE_URL"`
}

type Storage struct {
	SQLitePath             string `json:"sqlite_path" yaml:"sqlite_path" env:"SQLITE_PATH"`
	ResyncCron             string `json:"resync_cron" yaml:"resync_cron" env:"RESYNC_CRON"`
	BatchSize              int    `json:"batch_size" yaml:"batch_size" env:"BATCH_SIZE"`
	MaxRemoteDocumentBytes int    `json:"max_remote_document_bytes" yaml:"max_remote_document_bytes" env:"MAX_REMOTE_DOCUMENT_BYTES"`
}

type Remote struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" env:"ENABLED"`
	RedisAddr  string `json:"redis_addr" yaml:"redis_addr" env:"REDIS_ADDR"`
	Password   string `json:"password" yaml:"password" env:"REDIS_PASSWORD"`
	DB         int    `json:"db" yaml:"db" env:"REDIS_DB"`
	Namespace  string `json:"namespace" yaml:"namespace" env:"NAMESPACE"`
	TimeoutSec int    `json:"timeout_sec" yaml:"timeout_sec" env:"TIMEOUT_SEC"`
}

type Config struct {
	Server      Server  `json:"server" yaml:"server"`
	Log         Log     `json:"log" yaml:"log" env:", prefix=LOG_"`
	Market      Market  `json:"market" yaml:"market" env:", prefix=MARKET_"`
	Yahoo       Yahoo   `json:"yahoo" yaml:"yahoo" env:", prefix=YAHOO_"`
	Finnhub     Limited `json:"finnhub" yaml:"finnhub" env:", prefix=FINNHUB_"`
	Binance     Simple  `json:"binance" yaml:"binance" env:", prefix=BINANCE_"`
	CoinGecko   Limited `json:"coingecko" yaml:"coingecko" env:", prefix=COINGECKO_"`
	Frankfurter Simple  `json:"frankfurter" yaml:"frankfurter" env:", prefix=FRANKFURTER_"`
	Storage     Storage `json:"storage" yaml:"storage" env:", prefix=STORAGE_"`
	Remote      Remote  `json:"remote" yaml:"remote" env:", prefix=REMOTE_"`
}

func Default() Config {
	return Config{
		Server: Server{Port: "8080", RequestTimeoutSec: 15, MaxBodyBytes: 8 << 20},
		Log:    Log{Level: "info", Format: "text", Output: "stderr"},
		Market: Market{
			UpstreamTimeoutSec: 10,
			QuoteTTLSec:        60,
			HistoryTTLSec:      15 * 60,
			MetadataTTLSec:     6 * 60 * 60,
			CacheMaxItems:      10000,
			CachePurgeCron:     "@every 1m",
			Benchmark:          "SPY",
			CORSProxies: []string{
				"https://corsproxy.io/?",
				"https://api.allorigins.win/raw?url=",
			},
		},
		Yahoo: Yahoo{
			Enabled:   true,
			SymbolMap: map[string]string{"SPX": "^GSPC", "NDX": "^NDX", "DJI": "^DJI"},
		},
		Finnhub: Limited{
			Enabled:              true,
			MaxRequestsPerMinute: 60,
			Burst:                5,
		},
		Binance:     Simple{Enabled: true},
		CoinGecko:   Limited{Enabled: true, MaxRequestsPerMinute: 30, Burst: 1},
		Frankfurter: Simple{Enabled: true},
		Storage: Storage{
			SQLitePath:             "findash.db",
			ResyncCron:             "@every 15m",
			BatchSize:              500,
			MaxRemoteDocumentBytes: 900 << 10,
		},
		Remote: Remote{RedisAddr: "localhost:6379", Namespace: "findash", TimeoutSec: 5},
	}
}

// Load reads a JSON or YAML config from path, chosen by extension. An empty
// path falls back to config.json or config.yaml in the working directory;
// a missing file means defaults. Environment variables override file values.
func Load(path string) (Config, error) {
	return LoadWith(context.Background(), path, envconfig.OsLookuper())
}

// LoadWith is Load with an explicit environment.
func LoadWith(ctx context.Context, path string, env envconfig.Lookuper) (Config, error) {
	cfg := Default()
	if path == "" {
		for _, candidate := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := decode(path, b, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           &cfg,
		Lookuper:         env,
		DefaultOverwrite: true,
	}); err != nil {
		return cfg, fmt.Errorf("env config: %w", err)
	}
	cfg.Market.CORSProxies = splitCSV(cfg.Market.CORSProxies)
	return cfg, nil
}

func decode(path string, b []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(b, cfg)
	default:
		return json.Unmarshal(b, cfg)
	}
}

// Validate rejects values no component can work with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port is empty"))
	}
	if c.Market.QuoteTTLSec <= 0 || c.Market.HistoryTTLSec <= 0 || c.Market.MetadataTTLSec <= 0 {
		errs = append(errs, errors.New("market cache TTLs must be positive"))
	}
	if c.Market.UpstreamTimeoutSec <= 0 {
		errs = append(errs, errors.New("market.upstream_timeout_sec must be positive"))
	}
	if c.Market.TargetCurrency != "" && !provider.IsISOCurrency(c.Market.TargetCurrency) {
		errs = append(errs, fmt.Errorf("market.target_currency %q is not an ISO 4217 code", c.Market.TargetCurrency))
	}
	if c.Storage.SQLitePath == "" {
		errs = append(errs, errors.New("storage.sqlite_path is empty"))
	}
	if c.Storage.BatchSize < 1 || c.Storage.BatchSize > 500 {
		errs = append(errs, fmt.Errorf("storage.batch_size %d outside 1..500", c.Storage.BatchSize))
	}
	if c.Storage.MaxRemoteDocumentBytes <= 0 {
		errs = append(errs, errors.New("storage.max_remote_document_bytes must be positive"))
	}
	for name, spec := range map[string]string{"storage.resync_cron": c.Storage.ResyncCron, "market.cache_purge_cron": c.Market.CachePurgeCron} {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Remote.Enabled && c.Remote.RedisAddr == "" {
		errs = append(errs, errors.New("remote.redis_addr is required when remote is enabled"))
	}
	return errors.Join(errs...)
}

// Seconds converts a seconds setting to a duration.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func splitCSV(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, p := range strings.Split(s, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
