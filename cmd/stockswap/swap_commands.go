package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/brojonat/stockswap/service/amount"
	"github.com/brojonat/stockswap/service/quote"
	"github.com/brojonat/stockswap/service/solana"
	"github.com/brojonat/stockswap/service/swap"
	"github.com/brojonat/stockswap/service/wallet"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

func pairFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "pay",
			Usage: "Stable asset to pay with or receive (USDC or USDT)",
			Value: "USDC",
		},
		&cli.IntFlag{
			Name:  "slippage",
			Usage: "Slippage tolerance in basis points (0 uses DEFAULT_SLIPPAGE_BPS)",
		},
	}
}

func quoteCommand() *cli.Command {
	return &cli.Command{
		Name:      "quote",
		Usage:     "Show the best route for a swap without executing it",
		ArgsUsage: "<buy|sell> <amount>",
		Description: `Buying spends AMOUNT of the pay asset; selling spends AMOUNT of the stock.

With --watch the quote is refreshed on that interval until interrupted.

Examples:
  stockswap quote buy 100
  stockswap --json quote --pay USDT sell 0.5
  stockswap quote --watch 10s buy 250`,
		Flags: append(pairFlags(),
			&cli.DurationFlag{
				Name:  "watch",
				Usage: "Keep re-quoting on this interval",
			},
		),
		Action: func(c *cli.Context) error {
			intent, err := parseIntent(c.Args().Slice(), c.String("pay"), c.Int("slippage"))
			if err != nil {
				return err
			}

			e, err := loadEngine(wallet.AutoApprove)
			if err != nil {
				return err
			}
			pay, err := e.payAsset(string(intent.PairToken))
			if err != nil {
				return err
			}
			input, output := pairAssets(intent.Direction, pay, e.cfg.StockAsset())

			if interval := c.Duration("watch"); interval > 0 {
				return watchQuote(c, e, intent, input, output, interval)
			}

			req := quote.Request{
				InputMint:   input.Mint,
				OutputMint:  output.Mint,
				Amount:      amount.Parse(intent.HumanAmount, input.Decimals),
				SlippageBps: intent.SlippageBps,
			}
			if req.SlippageBps <= 0 {
				req.SlippageBps = e.cfg.DefaultSlippageBps
			}
			if !req.Valid() {
				return fmt.Errorf("amount %s is below the smallest unit of %s", intent.HumanAmount, input.Symbol)
			}

			jsonOutput := c.Bool("json")
			var s *spinner.Spinner
			if !jsonOutput {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond)
				s.Suffix = " Fetching quote..."
				s.Start()
			}
			route, err := e.fetcher.Fetch(c.Context, req)
			if s != nil {
				s.Stop()
			}
			if errors.Is(err, quote.ErrNoRoute) {
				return fmt.Errorf("no route available for %s %s, try a different amount", intent.HumanAmount, input.Symbol)
			}
			if err != nil {
				return fmt.Errorf("failed to fetch quote: %w", err)
			}

			if jsonOutput {
				return outputJSON(newQuoteView(route, input, output))
			}
			printQuote(route, input, output)
			return nil
		},
	}
}

func swapCommand() *cli.Command {
	return &cli.Command{
		Name:      "swap",
		Usage:     "Execute a swap with the configured wallet",
		ArgsUsage: "<buy|sell> <amount>",
		Description: `Fetches a quote, asks for confirmation, then signs, broadcasts and waits
for the transaction to confirm. Successful swaps are recorded in the trade journal
when --journal-url is set.

Pass "max" as the amount to spend the whole spendable balance.

Examples:
  stockswap swap buy 100
  stockswap swap --pay USDT --yes sell max`,
		Flags: append(pairFlags(),
			&cli.BoolFlag{
				Name:    "yes",
				Aliases: []string{"y"},
				Usage:   "Sign without asking for confirmation",
			},
		),
		Action: runSwap,
	}
}

func runSwap(c *cli.Context) error {
	args := c.Args().Slice()
	useMax := len(args) == 2 && strings.EqualFold(args[1], "max")
	if useMax {
		// replaced by the spendable balance once it is known
		args = []string{args[0], "1"}
	}
	intent, err := parseIntent(args, c.String("pay"), c.Int("slippage"))
	if err != nil {
		return err
	}

	autoApprove := c.Bool("yes")
	approve := promptApprover(os.Stdin, os.Stderr)
	if autoApprove {
		approve = wallet.AutoApprove
	}
	e, err := loadEngine(approve)
	if err != nil {
		return err
	}
	pay, err := e.payAsset(string(intent.PairToken))
	if err != nil {
		return err
	}
	input, output := pairAssets(intent.Direction, pay, e.cfg.StockAsset())

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	balances, err := e.balances(pay)
	if err != nil {
		return err
	}
	snap, err := balances.Refresh(ctx, "manual")
	if err != nil && useMax {
		return fmt.Errorf("failed to read balances: %w", err)
	}
	if err != nil {
		color.Yellow("Could not read balances, the ledger will have the last word: %v", err)
	}
	go balances.Run(ctx)

	if useMax {
		maxAmount := spendable(snap, intent.Direction, input)
		if !maxAmount.IsPositive() {
			return fmt.Errorf("no spendable %s balance", input.Symbol)
		}
		intent.HumanAmount = maxAmount.String()
	}

	journalURL := c.String("journal-url")
	session, err := e.session(balances, journalURL)
	if err != nil {
		return err
	}
	defer session.Close()

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Writer = os.Stderr
	s.Suffix = " Fetching quote..."
	s.Start()

	updates := make(chan swap.State, 64)
	session.OnChange(func(st swap.State) {
		switch st.Status {
		case swap.StatusSigning:
			// the approver prompt needs a quiet terminal
			if !autoApprove {
				s.Stop()
			}
		case swap.StatusBroadcasting:
			s.Start()
		}
		s.Lock()
		s.Suffix = " " + statusLabel(st.Status)
		s.Unlock()
		select {
		case updates <- st:
		default:
		}
	})

	session.SetIntent(intent)
	st, err := awaitQuote(ctx, session, updates)
	s.Stop()
	if err != nil {
		return err
	}
	printQuote(st.Route, input, output)

	s.Suffix = " Preparing swap..."
	s.Start()
	final, err := session.Submit(ctx)
	s.Stop()

	var swapErr *swap.Error
	switch {
	case err == nil:
	case errors.As(err, &swapErr) && swapErr.Kind == swap.KindUserRejectedSignature:
		color.Yellow("Swap cancelled, nothing was signed.")
		return nil
	case errors.As(err, &swapErr) && swapErr.Kind == swap.KindConfirmationTimeout && final.Signature != "":
		color.Yellow("%s", swapErr.Message)
		fmt.Printf("  Signature: %s\n", color.CyanString(final.Signature))
		return fmt.Errorf("swap not confirmed: %s", final.Signature)
	case errors.As(err, &swapErr):
		if final.Signature != "" {
			fmt.Printf("  Signature: %s\n", color.CyanString(final.Signature))
		}
		return fmt.Errorf("swap failed: %s", swapErr.Message)
	default:
		return err
	}

	color.Green("\n✓ Swap confirmed!")
	fmt.Printf("  Signature: %s\n", color.CyanString(final.Signature))

	if journalURL != "" {
		if autoApprove {
			s.Suffix = " Recording trade..."
			s.Start()
		}
		session.Wait()
		s.Stop()
	}
	if snap, err := balances.Refresh(context.WithoutCancel(ctx), "success"); err == nil {
		printBalances(snap, balances.TradeAsset())
	}
	return nil
}

// watchQuote prints every quote the session produces while auto-refresh
// keeps it current.
func watchQuote(c *cli.Context, e *engine, intent swap.Intent, input, output solana.Asset, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := e.quoteSession()
	defer session.Close()

	jsonOutput := c.Bool("json")
	updates := make(chan swap.State, 16)
	session.OnChange(func(st swap.State) {
		select {
		case updates <- st:
		default:
		}
	})
	session.SetIntent(intent)
	session.StartAutoRefresh(interval)

	var last *quote.Route
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-updates:
			if st.LastError != nil {
				return errors.New(st.LastError.Message)
			}
			if st.Status == swap.StatusIdle {
				return fmt.Errorf("amount %s is too small to quote", st.Intent.HumanAmount)
			}
			if st.Status != swap.StatusQuoteReady || st.Route == nil || st.Route == last {
				continue
			}
			last = st.Route
			if jsonOutput {
				if err := outputJSON(newQuoteView(st.Route, input, output)); err != nil {
					return err
				}
				continue
			}
			fmt.Printf("[%s]", st.Route.FetchedAt.Local().Format("15:04:05"))
			printQuote(st.Route, input, output)
		}
	}
}

// awaitQuote waits for the fetch started by SetIntent to settle.
func awaitQuote(ctx context.Context, session *swap.Session, updates <-chan swap.State) (swap.State, error) {
	st := session.State()
	for {
		switch {
		case st.Status == swap.StatusQuoteReady && st.Route != nil:
			return st, nil
		case st.LastError != nil:
			return st, errors.New(st.LastError.Message)
		case st.Status == swap.StatusIdle:
			return st, fmt.Errorf("amount %s is too small to quote", st.Intent.HumanAmount)
		}

		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case st = <-updates:
		}
	}
}

// parseIntent validates the positional DIRECTION AMOUNT arguments.
func parseIntent(args []string, pay string, slippageBps int) (swap.Intent, error) {
	if len(args) != 2 {
		return swap.Intent{}, fmt.Errorf("expected <buy|sell> <amount>, got %d arguments", len(args))
	}

	var direction swap.Direction
	switch strings.ToLower(args[0]) {
	case "buy":
		direction = swap.Buy
	case "sell":
		direction = swap.Sell
	default:
		return swap.Intent{}, fmt.Errorf("direction must be buy or sell, got %q", args[0])
	}

	human := strings.TrimSpace(args[1])
	value, ok := amount.ParseDecimal(human)
	if !ok || !value.IsPositive() {
		return swap.Intent{}, fmt.Errorf("amount must be a positive decimal, got %q", args[1])
	}

	token := swap.PairToken(strings.ToUpper(pay))
	if token != swap.USDC && token != swap.USDT {
		return swap.Intent{}, fmt.Errorf("pay asset must be USDC or USDT, got %q", pay)
	}

	if slippageBps < 0 || slippageBps > 10_000 {
		return swap.Intent{}, fmt.Errorf("slippage must be between 0 and 10000 bps, got %d", slippageBps)
	}

	return swap.Intent{
		Direction:   direction,
		PairToken:   token,
		HumanAmount: human,
		SlippageBps: slippageBps,
	}, nil
}

// pairAssets orders the pair by direction: buying spends the pay asset.
func pairAssets(direction swap.Direction, pay, stock solana.Asset) (input, output solana.Asset) {
	if direction == swap.Buy {
		return pay, stock
	}
	return stock, pay
}

// promptApprover asks on out and reads y/N from in before every signature.
func promptApprover(in io.Reader, out io.Writer) wallet.Approver {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, kind, summary string) (bool, error) {
		if kind == "message" {
			fmt.Fprintf(out, "\nSign in to the trade journal (%s)? [y/N]: ", summary)
		} else {
			fmt.Fprintf(out, "\nSign and send this swap (%s)? [y/N]: ", summary)
		}
		answer, err := reader.ReadString('\n')
		if err != nil && answer == "" {
			if errors.Is(err, io.EOF) {
				return false, nil
			}
			return false, fmt.Errorf("failed to read confirmation: %w", err)
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes", nil
	}
}

func statusLabel(status swap.Status) string {
	switch status {
	case swap.StatusFetchingQuote:
		return "Fetching quote..."
	case swap.StatusQuoteReady:
		return "Quote ready"
	case swap.StatusSigning:
		return "Waiting for signature..."
	case swap.StatusBroadcasting:
		return "Broadcasting transaction..."
	case swap.StatusConfirming:
		return "Waiting for confirmation..."
	default:
		return string(status)
	}
}

type quoteView struct {
	Input        string   `json:"input"`
	Output       string   `json:"output"`
	InputAmount  string   `json:"input_amount"`
	OutputAmount string   `json:"output_amount"`
	MinReceived  string   `json:"min_received"`
	PriceImpact  string   `json:"price_impact"`
	SlippageBps  int      `json:"slippage_bps"`
	Route        []string `json:"route"`
	Backend      string   `json:"backend"`
}

func newQuoteView(route *quote.Route, input, output solana.Asset) quoteView {
	return quoteView{
		Input:        input.Symbol,
		Output:       output.Symbol,
		InputAmount:  route.InputDisplay(input.Decimals),
		OutputAmount: route.OutputDisplay(output.Decimals),
		MinReceived:  amount.Format(route.OtherAmountThreshold, output.Decimals),
		PriceImpact:  route.PriceImpactDisplay(),
		SlippageBps:  route.SlippageBps,
		Route:        route.Labels(),
		Backend:      route.Backend,
	}
}

func printQuote(route *quote.Route, input, output solana.Asset) {
	v := newQuoteView(route, input, output)
	fmt.Println()
	color.Green("  SWAP QUOTE")
	fmt.Printf("  From:          %s %s\n", v.InputAmount, color.YellowString(v.Input))
	fmt.Printf("  To:            ~%s %s\n", v.OutputAmount, color.YellowString(v.Output))
	fmt.Printf("  Min received:  %s %s\n", v.MinReceived, v.Output)
	fmt.Printf("  Price impact:  %s\n", v.PriceImpact)
	fmt.Printf("  Slippage:      %d bps\n", v.SlippageBps)
	if len(v.Route) > 0 {
		fmt.Printf("  Route:         %s\n", route.RouteDisplay())
	}
	fmt.Println()
}
