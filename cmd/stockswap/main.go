package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// .env is optional; real environment variables win
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "stockswap",
		Usage: "Swap stable assets for tokenized stocks on Solana",
		Description: `Quote and execute swaps between USDC/USDT and a tokenized stock through
the aggregator, check wallet balances and browse the trade journal.

Engine settings (RPC endpoint, stock mint, wallet keypair, ...) are read from the
environment or a .env file in the working directory.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			quoteCommand(),
			swapCommand(),
			balanceCommand(),
			{
				Name:  "trades",
				Usage: "Trade journal commands",
				Subcommands: []*cli.Command{
					listTradesCommand(),
					watchTradesCommand(),
				},
			},
			{
				Name:  "server",
				Usage: "Journal server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "journal-url",
				Usage:   "Trade journal server URL",
				EnvVars: []string{"JOURNAL_URL"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
