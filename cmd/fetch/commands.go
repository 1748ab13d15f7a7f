package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"findash/internal/config"
	"findash/internal/logger"
	"findash/internal/market"
	"findash/internal/provider"
)

type options struct {
	configPath string
	asJSON     bool
	verbose    bool
}

// marketAPI is the part of market.Service the commands use.
type marketAPI interface {
	Quotes(ctx context.Context, symbols []string) []market.QuoteResult
	History(ctx context.Context, symbol string, rng provider.Range) (provider.Series, error)
	Metadata(ctx context.Context, symbol string) (provider.Metadata, error)
	Rate(ctx context.Context, from, to string) (decimal.Decimal, error)
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	var svc marketAPI
	root := &cobra.Command{
		Use:          "fetch",
		Short:        "Query quotes, history, metadata and FX rates",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if svc != nil {
				return nil
			}
			s, err := buildService(opts)
			if err != nil {
				return err
			}
			svc = s
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (JSON or YAML)")
	root.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print raw JSON")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log provider attempts")

	get := func() marketAPI { return svc }
	root.AddCommand(
		newQuoteCmd(opts, get),
		newHistoryCmd(opts, get),
		newFXCmd(opts, get),
		newMetaCmd(opts, get),
	)
	return root
}

func buildService(opts *options) (*market.Service, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.Log.Level = "warn"
	if opts.verbose {
		cfg.Log.Level = "debug"
	}
	l, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return market.FromConfig(cfg, l), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func explain(err error) error {
	var exhausted *provider.ExhaustedError
	if errors.As(err, &exhausted) {
		return errors.New(exhausted.UserMessage())
	}
	return err
}

func newQuoteCmd(opts *options, svc func() marketAPI) *cobra.Command {
	return &cobra.Command{
		Use:   "quote SYMBOL...",
		Short: "Latest quote for one or more symbols",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := svc().Quotes(cmd.Context(), args)
			out := cmd.OutOrStdout()
			if opts.asJSON {
				quotes := make([]provider.Quote, 0, len(results))
				for _, r := range results {
					if r.Err == nil {
						quotes = append(quotes, r.Quote)
					}
				}
				return printJSON(out, quotes)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SYMBOL\tPRICE\tCHANGE\tSOURCE")
			failed := 0
			for _, r := range results {
				if r.Err != nil {
					failed++
					fmt.Fprintf(tw, "%s\t-\t-\t%s\n", r.Symbol, explain(r.Err))
					continue
				}
				q := r.Quote
				fmt.Fprintf(tw, "%s\t%s\t%s%%\t%s\n", q.Symbol, formatPrice(q.Price, q.Currency), q.ChangePercent.StringFixed(2), q.Source)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if failed == len(results) {
				return fmt.Errorf("no quotes available")
			}
			return nil
		},
	}
}

func newHistoryCmd(opts *options, svc func() marketAPI) *cobra.Command {
	var rangeFlag string
	cmd := &cobra.Command{
		Use:   "history SYMBOL",
		Short: "Daily closes for a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rng, err := provider.ParseRange(rangeFlag)
			if err != nil {
				return err
			}
			s, err := svc().History(cmd.Context(), args[0], rng)
			if err != nil {
				return explain(err)
			}
			out := cmd.OutOrStdout()
			if opts.asJSON {
				return printJSON(out, s)
			}
			fmt.Fprintf(out, "%s %s (%s, %d points)\n", s.Symbol, s.Range, s.Source, len(s.Points))
			for _, p := range s.Points {
				fmt.Fprintf(out, "%s  %s\n", p.Time.Format("2006-01-02 15:04"), formatPrice(p.Close, s.Currency))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&rangeFlag, "range", "r", string(provider.Range1mo), "one of 1d,5d,1mo,3mo,6mo,1y,2y,5y,ytd,max")
	return cmd
}

func newFXCmd(opts *options, svc func() marketAPI) *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "fx FROM TO",
		Short: "Exchange rate between two currencies",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			from, to := provider.NormalizeCurrency(args[0]), provider.NormalizeCurrency(args[1])
			qty, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount %q: %w", amount, err)
			}
			rate, err := svc().Rate(cmd.Context(), from, to)
			if err != nil {
				return explain(err)
			}
			out := cmd.OutOrStdout()
			if opts.asJSON {
				return printJSON(out, map[string]any{"from": from, "to": to, "rate": rate})
			}
			fmt.Fprintf(out, "1 %s = %s %s\n", from, rate.String(), to)
			if !qty.Equal(decimal.NewFromInt(1)) {
				fmt.Fprintf(out, "%s = %s\n", formatPrice(qty, from), formatPrice(qty.Mul(rate), to))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&amount, "amount", "a", "1", "amount to convert")
	return cmd
}

func newMetaCmd(opts *options, svc func() marketAPI) *cobra.Command {
	return &cobra.Command{
		Use:   "meta SYMBOL",
		Short: "Name, exchange and classification of a symbol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := svc().Metadata(cmd.Context(), args[0])
			if err != nil {
				return explain(err)
			}
			out := cmd.OutOrStdout()
			if opts.asJSON {
				return printJSON(out, m)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			for _, row := range [][2]string{
				{"symbol", m.Symbol}, {"name", m.Name}, {"exchange", m.Exchange},
				{"currency", m.Currency}, {"industry", m.Industry}, {"country", m.Country},
				{"type", m.Type}, {"source", m.Source},
			} {
				if strings.TrimSpace(row[1]) != "" {
					fmt.Fprintf(tw, "%s\t%s\n", row[0], row[1])
				}
			}
			return tw.Flush()
		},
	}
}
