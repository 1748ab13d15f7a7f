package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"findash/internal/aggregate"
	"findash/internal/logger"
	"findash/internal/market"
	"findash/internal/portfolio"
	"findash/internal/provider"
	"findash/internal/storage"
)

const maxSymbols = 200

type server struct {
	market    *market.Service
	store     *storage.Engine
	benchmark string
	timeout   time.Duration
	maxBody   int64
	log       *logrus.Entry
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func (s *server) routes(l *logrus.Logger) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/quote", s.handleQuote).Methods(http.MethodGet)
	api.HandleFunc("/quotes", s.handleQuotes).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/metadata", s.handleMetadata).Methods(http.MethodGet)
	api.HandleFunc("/fx", s.handleFX).Methods(http.MethodGet)
	api.HandleFunc("/portfolio", s.handlePortfolio).Methods(http.MethodGet)
	api.HandleFunc("/performance", s.handlePerformance).Methods(http.MethodGet)
	api.HandleFunc("/collections/{name}", s.handleGetCollection).Methods(http.MethodGet)
	api.HandleFunc("/collections/{name}", s.handlePutCollection).Methods(http.MethodPut)
	api.HandleFunc("/collections/{name}/{id}", s.handleDeleteRecord).Methods(http.MethodDelete)
	api.HandleFunc("/backup", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/backup", s.handleImport).Methods(http.MethodPost)
	api.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost)

	var h http.Handler = r
	h = limitBody(s.maxBody, h)
	h = handlers.CompressHandler(h)
	h = handlers.RecoveryHandler(handlers.RecoveryLogger(s.log), handlers.PrintRecoveryStack(false))(h)
	h = withCORS(h)
	return logger.Middleware(l)(h)
}

// withCORS allows any origin and answers preflights itself, before routing.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// limitBody caps request body size to avoid memory abuse.
func limitBody(max int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if max > 0 && r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) ctx(r *http.Request) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.timeout)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

// statusClientClosedRequest follows the nginx convention.
const statusClientClosedRequest = 499

func (s *server) writeError(w http.ResponseWriter, err error) {
	var (
		exhausted *provider.ExhaustedError
		maxBytes  *http.MaxBytesError
	)
	switch {
	case errors.As(err, &exhausted):
		status := http.StatusBadGateway
		if exhausted.NoData() {
			status = http.StatusNotFound
		}
		writeJSON(w, status, errorResponse{Error: exhausted.UserMessage(), Details: exhausted.Error()})
	case errors.Is(err, provider.ErrInvalidRequest),
		errors.Is(err, storage.ErrInvalidRecord),
		errors.Is(err, storage.ErrUnknownCollection):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request", Details: err.Error()})
	case errors.As(err, &maxBytes):
		writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found", Details: err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errorResponse{Error: "request timed out"})
	case errors.Is(err, context.Canceled):
		// client went away; nobody reads this and it is not a server fault
		writeJSON(w, statusClientClosedRequest, errorResponse{Error: "request canceled"})
	default:
		s.log.WithError(err).Error("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

func (s *server) handleQuote(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if strings.TrimSpace(symbol) == "" {
		badRequest(w, "missing symbol query param")
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	q, err := s.market.Quote(ctx, symbol)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type quotesResponse struct {
	Quotes []provider.Quote `json:"quotes"`
	Errors []errorEntry     `json:"errors,omitempty"`
}

type errorEntry struct {
	Symbol string `json:"symbol"`
	Error  string `json:"error"`
}

func (s *server) handleQuotes(w http.ResponseWriter, r *http.Request) {
	symbols := splitCSV(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		badRequest(w, "missing symbols query param")
		return
	}
	if len(symbols) > maxSymbols {
		badRequest(w, "too many symbols")
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	resp := quotesResponse{Quotes: []provider.Quote{}}
	for _, res := range s.market.Quotes(ctx, symbols) {
		if res.Err != nil {
			resp.Errors = append(resp.Errors, errorEntry{Symbol: res.Symbol, Error: userMessage(res.Err)})
			continue
		}
		resp.Quotes = append(resp.Quotes, res.Quote)
	}
	writeJSON(w, http.StatusOK, resp)
}

func userMessage(err error) string {
	var exhausted *provider.ExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.UserMessage()
	}
	return err.Error()
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if strings.TrimSpace(symbol) == "" {
		badRequest(w, "missing symbol query param")
		return
	}
	rng, err := provider.ParseRange(q.Get("range"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	series, err := s.market.History(ctx, symbol, rng)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, series)
}

func (s *server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")
	if strings.TrimSpace(symbol) == "" {
		badRequest(w, "missing symbol query param")
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	m, err := s.market.Metadata(ctx, symbol)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type fxResponse struct {
	From string          `json:"from"`
	To   string          `json:"to"`
	Rate decimal.Decimal `json:"rate"`
}

func (s *server) handleFX(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to := provider.NormalizeCurrency(q.Get("from")), provider.NormalizeCurrency(q.Get("to"))
	if !provider.IsISOCurrency(from) || !provider.IsISOCurrency(to) {
		badRequest(w, "from and to must be ISO 4217 currency codes")
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	rate, err := s.market.Rate(ctx, from, to)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fxResponse{From: from, To: to, Rate: rate})
}

func (s *server) holdings(ctx context.Context) ([]portfolio.Holding, error) {
	return storage.NewCollection[portfolio.Holding](s.store, portfolio.Holdings).List(ctx)
}

func (s *server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	holdings, err := s.holdings(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	symbols := make([]string, 0, len(holdings))
	for _, h := range holdings {
		symbols = append(symbols, h.Symbol)
	}
	var quotes []provider.Quote
	for _, res := range s.market.Quotes(ctx, symbols) {
		if res.Err == nil {
			quotes = append(quotes, res.Quote)
		}
	}
	writeJSON(w, http.StatusOK, aggregate.Value(holdings, quotes))
}

func (s *server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rng, err := provider.ParseRange(q.Get("range"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	benchmark := s.benchmark
	if q.Has("benchmark") {
		benchmark = q.Get("benchmark")
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	holdings, err := s.holdings(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res := aggregate.Performance(ctx, s.market, holdings, rng, benchmark)
	if res.Points == nil {
		res.Points = []aggregate.Point{}
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	recs, err := s.store.Get(ctx, mux.Vars(r)["name"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	items := make([]json.RawMessage, len(recs))
	for i, rec := range recs {
		items[i] = rec.Data
	}
	writeJSON(w, http.StatusOK, items)
}

type saveResponse struct {
	Collection string `json:"collection"`
	Saved      int    `json:"saved"`
}

func (s *server) handlePutCollection(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var items []json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			s.writeError(w, err)
			return
		}
		badRequest(w, "body must be a JSON array of objects")
		return
	}
	recs := make([]storage.Record, len(items))
	for i, raw := range items {
		rec, err := storage.RecordFromJSON(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		recs[i] = rec
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.store.Save(ctx, name, recs); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saveResponse{Collection: name, Saved: len(recs)})
}

func (s *server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.store.Delete(ctx, vars["name"], vars["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	b, err := s.store.Export(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="findash-backup.json"`)
	writeJSON(w, http.StatusOK, b)
}

func (s *server) handleImport(w http.ResponseWriter, r *http.Request) {
	var b storage.Backup
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := json.Unmarshal(body, &b); err != nil {
		badRequest(w, "invalid backup JSON")
		return
	}
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.store.Import(ctx, b); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.ctx(r)
	defer cancel()
	if err := s.store.FactoryReset(ctx, r.URL.Query().Get("remote") == "true"); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
