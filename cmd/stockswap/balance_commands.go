package main

import (
	"fmt"

	"github.com/brojonat/stockswap/service/amount"
	"github.com/brojonat/stockswap/service/solana"
	"github.com/brojonat/stockswap/service/swap"
	"github.com/brojonat/stockswap/service/wallet"
	"github.com/fatih/color"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:    "balance",
		Aliases: []string{"bal"},
		Usage:   "Show the wallet's pay asset and stock balances",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "pay",
				Usage: "Stable asset to show (USDC or USDT)",
				Value: "USDC",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := loadEngine(wallet.AutoApprove)
			if err != nil {
				return err
			}
			pay, err := e.payAsset(c.String("pay"))
			if err != nil {
				return err
			}
			balances, err := e.balances(pay)
			if err != nil {
				return err
			}

			snap, err := balances.Refresh(c.Context, "manual")
			if err != nil {
				return fmt.Errorf("failed to read balances: %w", err)
			}

			if c.Bool("json") {
				stock := balances.TradeAsset()
				return outputJSON(balanceView{
					Wallet:       e.wallet.PublicKey().String(),
					PayAsset:     snap.PayAsset,
					PayBalance:   snap.PayAssetBalance,
					PayMax:       spendable(snap, swap.Buy, pay),
					Stock:        stock.Symbol,
					StockBalance: snap.TradeAssetBalance,
					StockMax:     spendable(snap, swap.Sell, stock),
					FetchedAt:    snap.FetchedAt.UTC().Format("2006-01-02T15:04:05Z"),
				})
			}

			fmt.Printf("Wallet: %s\n", color.CyanString(e.wallet.PublicKey().String()))
			printBalances(snap, balances.TradeAsset())
			fmt.Printf("  Spendable: %s %s, %s %s\n",
				spendable(snap, swap.Buy, pay).String(), snap.PayAsset,
				spendable(snap, swap.Sell, balances.TradeAsset()).String(), balances.TradeAsset().Symbol,
			)
			return nil
		},
	}
}

type balanceView struct {
	Wallet       string          `json:"wallet"`
	PayAsset     string          `json:"pay_asset"`
	PayBalance   decimal.Decimal `json:"pay_balance"`
	PayMax       decimal.Decimal `json:"pay_max_spendable"`
	Stock        string          `json:"stock"`
	StockBalance decimal.Decimal `json:"stock_balance"`
	StockMax     decimal.Decimal `json:"stock_max_spendable"`
	FetchedAt    string          `json:"fetched_at"`
}

// spendable is the largest amount of input a swap in direction may spend.
func spendable(snap *swap.BalanceSnapshot, direction swap.Direction, input solana.Asset) decimal.Decimal {
	if snap == nil {
		return decimal.Zero
	}
	balance := snap.PayAssetBalance
	if direction == swap.Sell {
		balance = snap.TradeAssetBalance
	}
	return amount.MaxSpendable(balance, input.Class(), input.Decimals)
}

func printBalances(snap *swap.BalanceSnapshot, stock solana.Asset) {
	fmt.Printf("  %-6s %s\n", snap.PayAsset+":", snap.PayAssetBalance.String())
	fmt.Printf("  %-6s %s\n", stock.Symbol+":", snap.TradeAssetBalance.String())
}
