// Package aggregate merges per-symbol histories into one portfolio series.
package aggregate

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"findash/internal/portfolio"
	"findash/internal/provider"
)

// Unassigned labels holdings without an owner in per-owner totals.
const Unassigned = "unassigned"

// HistorySource is the cached market service as seen by the aggregation.
type HistorySource interface {
	History(ctx context.Context, symbol string, rng provider.Range) (provider.Series, error)
}

// Point is one timestamp of the merged series.
type Point struct {
	Time    time.Time                  `json:"time"`
	Total   decimal.Decimal            `json:"total"`
	ByOwner map[string]decimal.Decimal `json:"byOwner"`
	// Percent is the change since each holding's first price in the range,
	// weighted by the holding's value at that first price.
	Percent decimal.Decimal `json:"percent"`
	// Benchmark is the benchmark's change since its first price, absent
	// until the benchmark has an observation.
	Benchmark decimal.NullDecimal `json:"benchmark"`
}

// Result is a full performance projection.
type Result struct {
	Range     provider.Range    `json:"range"`
	Benchmark string            `json:"benchmark,omitempty"`
	Points    []Point           `json:"data"`
	Missing   []string          `json:"missing,omitempty"`
	Sources   map[string]string `json:"sources,omitempty"`
}

// Collect fetches one series per distinct symbol concurrently. A failed
// symbol is reported in missing and left out of the map.
func Collect(ctx context.Context, src HistorySource, symbols []string, rng provider.Range) (map[string]provider.Series, []string) {
	var (
		mu      sync.Mutex
		series  = make(map[string]provider.Series, len(symbols))
		missing []string
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, sym := range distinct(symbols) {
		g.Go(func() error {
			s, err := src.History(ctx, sym, rng)
			mu.Lock()
			defer mu.Unlock()
			if err != nil || len(s.Points) == 0 {
				missing = append(missing, sym)
				return nil
			}
			series[sym] = s
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(missing)
	return series, missing
}

func distinct(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = provider.NormalizeSymbol(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

var hundred = decimal.NewFromInt(100)

// Build merges the series into one point per observed timestamp. Prices
// are forward-filled from the last observation of each symbol, never
// interpolated or back-filled; a symbol not yet observed contributes zero.
// Points whose total is zero are dropped.
func Build(holdings []portfolio.Holding, series map[string]provider.Series, benchmark string) []Point {
	benchmark = provider.NormalizeSymbol(benchmark)

	// union of timestamps
	stamps := map[int64]time.Time{}
	for _, s := range series {
		for _, p := range s.Points {
			t := p.Time.UTC()
			stamps[t.UnixNano()] = t
		}
	}
	times := make([]time.Time, 0, len(stamps))
	for _, t := range stamps {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	baseline := make(map[string]decimal.Decimal, len(series))
	for sym, s := range series {
		if len(s.Points) > 0 {
			baseline[sym] = s.Points[0].Close
		}
	}

	next := make(map[string]int, len(series))
	last := make(map[string]decimal.Decimal, len(series))
	out := make([]Point, 0, len(times))
	for _, t := range times {
		for sym, s := range series {
			i := next[sym]
			for i < len(s.Points) && !s.Points[i].Time.After(t) {
				last[sym] = s.Points[i].Close
				i++
			}
			next[sym] = i
		}

		pt := Point{Time: t, ByOwner: map[string]decimal.Decimal{}}
		base := decimal.Zero
		current := decimal.Zero
		for _, h := range holdings {
			sym := provider.NormalizeSymbol(h.Symbol)
			price, ok := last[sym]
			if !ok {
				continue
			}
			value := h.Shares.Mul(price)
			pt.Total = pt.Total.Add(value)
			owner := h.Owner
			if owner == "" {
				owner = Unassigned
			}
			pt.ByOwner[owner] = pt.ByOwner[owner].Add(value)

			if b := baseline[sym]; b.IsPositive() {
				base = base.Add(h.Shares.Mul(b))
				current = current.Add(value)
			}
		}
		if pt.Total.IsZero() {
			continue
		}
		if !base.IsZero() {
			pt.Percent = current.Sub(base).Mul(hundred).DivRound(base, 8).Round(4)
		}
		if price, ok := last[benchmark]; ok && benchmark != "" {
			if b := baseline[benchmark]; b.IsPositive() {
				pt.Benchmark = decimal.NewNullDecimal(price.Sub(b).Mul(hundred).DivRound(b, 8).Round(4))
			}
		}
		out = append(out, pt)
	}
	return out
}

// Performance collects the histories of every held symbol plus the
// benchmark and builds the merged series.
func Performance(ctx context.Context, src HistorySource, holdings []portfolio.Holding, rng provider.Range, benchmark string) Result {
	symbols := make([]string, 0, len(holdings)+1)
	for _, h := range holdings {
		symbols = append(symbols, h.Symbol)
	}
	if benchmark != "" {
		symbols = append(symbols, benchmark)
	}
	series, missing := Collect(ctx, src, symbols, rng)

	res := Result{
		Range:     rng,
		Benchmark: provider.NormalizeSymbol(benchmark),
		Points:    Build(holdings, series, benchmark),
		Missing:   missing,
		Sources:   make(map[string]string, len(series)),
	}
	for sym, s := range series {
		res.Sources[sym] = s.Source
	}
	return res
}
