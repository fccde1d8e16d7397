package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/brojonat/stockswap/client"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func listTradesCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List journaled trades, newest first",
		Description: `Lists trades from the journal. --jq filters are evaluated against each
trade's JSON representation; a trade is shown only if every filter is truthy.

Examples:
  stockswap trades list --wallet <address>
  stockswap trades list --jq '.direction == "buy"' --jq '.status == "verified"'`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "wallet",
				Usage: "Only show trades recorded by this wallet",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of trades to fetch",
				Value: 50,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of trades to skip",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter over each trade (repeatable, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			journalURL, err := requireJournalURL(c)
			if err != nil {
				return err
			}

			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			cl := client.NewClient(journalURL, nil, logger)

			trades, err := cl.ListTrades(c.Context, client.ListTradesParams{
				Wallet: c.String("wallet"),
				Limit:  c.Int("limit"),
				Offset: c.Int("offset"),
			})
			if err != nil {
				return fmt.Errorf("failed to list trades: %w", err)
			}

			matched := make([]*client.Trade, 0, len(trades))
			for _, trade := range trades {
				ok, err := matchTrade(trade, filters)
				if err != nil {
					logger.Debug("jq filter error", "signature", trade.TransactionSignature, "error", err)
					continue
				}
				if ok {
					matched = append(matched, trade)
				}
			}

			if c.Bool("json") {
				return outputJSON(matched)
			}

			if len(matched) == 0 {
				fmt.Println("No trades found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RECORDED\tDIRECTION\tSYMBOL\tAMOUNT\tQUOTE\tPRICE\tSTATUS\tSIGNATURE")
			for _, t := range matched {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					t.RecordedAt.Format("2006-01-02 15:04:05"),
					t.Direction,
					t.Symbol,
					t.TokenAmount.String(),
					t.QuoteAssetAmount.String(),
					t.PricePerToken.StringFixed(4),
					t.Status,
					truncate(t.TransactionSignature, 16),
				)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Printf("\nShowing %d of %d fetched trades\n", len(matched), len(trades))
			return nil
		},
	}
}

func compileFilters(exprs []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, 0, len(exprs))
	for _, filter := range exprs {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("invalid jq filter %q: %w", filter, err)
		}
		code, err := gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// matchTrade runs every filter against the trade's JSON form.
func matchTrade(trade *client.Trade, filters []*gojq.Code) (bool, error) {
	if len(filters) == 0 {
		return true, nil
	}

	// round-trip so gojq sees plain maps and strings
	raw, err := json.Marshal(trade)
	if err != nil {
		return false, err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, err
	}

	for _, code := range filters {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := v.(error); isErr {
			return false, err
		}
		if !isTruthy(v) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireJournalURL(c *cli.Context) (string, error) {
	journalURL := c.String("journal-url")
	if journalURL == "" {
		return "", fmt.Errorf("journal-url is required (set JOURNAL_URL env var or use --journal-url)")
	}
	return journalURL, nil
}
