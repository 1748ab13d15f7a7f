package aggregate

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"findash/internal/portfolio"
	"findash/internal/provider"
)

// LatestBySymbol collapses quotes to the newest one per symbol.
// For equal timestamps, later input wins. Zero timestamps count as now.
func LatestBySymbol(quotes []provider.Quote) []provider.Quote {
	now := time.Now().UTC()
	latest := make(map[string]provider.Quote, len(quotes))
	stamp := func(q provider.Quote) time.Time {
		if q.Timestamp.IsZero() {
			return now
		}
		return q.Timestamp
	}
	for _, q := range quotes {
		sym := provider.NormalizeSymbol(q.Symbol)
		if cur, ok := latest[sym]; ok && stamp(q).Before(stamp(cur)) {
			continue
		}
		q.Symbol = sym
		latest[sym] = q
	}

	out := make([]provider.Quote, 0, len(latest))
	for _, q := range latest {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Position is one holding valued at its latest quote.
type Position struct {
	Holding  portfolio.Holding `json:"holding"`
	Price    decimal.Decimal   `json:"price"`
	Value    decimal.Decimal   `json:"value"`
	Currency string            `json:"currency,omitempty"`
	Source   string            `json:"source,omitempty"`
	// Missing is set when no quote was available; Value is then zero.
	Missing bool `json:"missing,omitempty"`
}

// Snapshot is the current value of every holding.
type Snapshot struct {
	Total     decimal.Decimal            `json:"total"`
	ByOwner   map[string]decimal.Decimal `json:"byOwner"`
	Positions []Position                 `json:"positions"`
}

// Value prices each holding with the newest quote for its symbol.
func Value(holdings []portfolio.Holding, quotes []provider.Quote) Snapshot {
	bySymbol := map[string]provider.Quote{}
	for _, q := range LatestBySymbol(quotes) {
		bySymbol[q.Symbol] = q
	}
	snap := Snapshot{ByOwner: map[string]decimal.Decimal{}, Positions: make([]Position, 0, len(holdings))}
	for _, h := range holdings {
		q, ok := bySymbol[provider.NormalizeSymbol(h.Symbol)]
		if !ok {
			snap.Positions = append(snap.Positions, Position{Holding: h, Missing: true})
			continue
		}
		value := h.Shares.Mul(q.Price)
		snap.Positions = append(snap.Positions, Position{
			Holding:  h,
			Price:    q.Price,
			Value:    value,
			Currency: q.Currency,
			Source:   q.Source,
		})
		owner := h.Owner
		if owner == "" {
			owner = Unassigned
		}
		snap.Total = snap.Total.Add(value)
		snap.ByOwner[owner] = snap.ByOwner[owner].Add(value)
	}
	return snap
}
