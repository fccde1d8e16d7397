package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/brojonat/stockswap/service/solana"
	"github.com/brojonat/stockswap/service/swap"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntent(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		pay       string
		slippage  int
		expected  swap.Intent
		expectErr string
	}{
		{
			name:     "buy with defaults",
			args:     []string{"buy", "100"},
			pay:      "USDC",
			expected: swap.Intent{Direction: swap.Buy, PairToken: swap.USDC, HumanAmount: "100"},
		},
		{
			name:     "sell is case insensitive",
			args:     []string{"SELL", "0.5"},
			pay:      "usdt",
			slippage: 50,
			expected: swap.Intent{Direction: swap.Sell, PairToken: swap.USDT, HumanAmount: "0.5", SlippageBps: 50},
		},
		{
			name:     "comma decimal separator is kept for the session",
			args:     []string{"buy", "1,5"},
			pay:      "USDC",
			expected: swap.Intent{Direction: swap.Buy, PairToken: swap.USDC, HumanAmount: "1,5"},
		},
		{
			name:      "missing amount",
			args:      []string{"buy"},
			pay:       "USDC",
			expectErr: "expected <buy|sell> <amount>",
		},
		{
			name:      "unknown direction",
			args:      []string{"hold", "1"},
			pay:       "USDC",
			expectErr: "direction must be buy or sell",
		},
		{
			name:      "zero amount",
			args:      []string{"buy", "0"},
			pay:       "USDC",
			expectErr: "positive decimal",
		},
		{
			name:      "garbage amount",
			args:      []string{"buy", "lots"},
			pay:       "USDC",
			expectErr: "positive decimal",
		},
		{
			name:      "unsupported pay asset",
			args:      []string{"buy", "1"},
			pay:       "SOL",
			expectErr: "pay asset must be USDC or USDT",
		},
		{
			name:      "slippage out of range",
			args:      []string{"buy", "1"},
			pay:       "USDC",
			slippage:  10_001,
			expectErr: "slippage must be between",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, err := parseIntent(tt.args, tt.pay, tt.slippage)
			if tt.expectErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.expectErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, intent)
		})
	}
}

func TestPairAssets(t *testing.T) {
	usdc := solana.Asset{Symbol: "USDC", Decimals: 6}
	stock := solana.Asset{Symbol: "AAPLx", Decimals: 8}

	input, output := pairAssets(swap.Buy, usdc, stock)
	assert.Equal(t, "USDC", input.Symbol)
	assert.Equal(t, "AAPLx", output.Symbol)

	input, output = pairAssets(swap.Sell, usdc, stock)
	assert.Equal(t, "AAPLx", input.Symbol)
	assert.Equal(t, "USDC", output.Symbol)
}

func TestPromptApprover(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		kind     string
		expected bool
		prompt   string
	}{
		{name: "yes", input: "y\n", kind: "transaction", expected: true, prompt: "Sign and send this swap"},
		{name: "full yes with spaces", input: "  Yes \n", kind: "transaction", expected: true},
		{name: "no", input: "n\n", kind: "transaction", expected: false},
		{name: "empty answer defaults to no", input: "\n", kind: "transaction", expected: false},
		{name: "closed input declines", input: "", kind: "transaction", expected: false},
		{name: "sign-in message", input: "y\n", kind: "message", expected: true, prompt: "Sign in to the trade journal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			approve := promptApprover(strings.NewReader(tt.input), &out)

			ok, err := approve(context.Background(), tt.kind, "summary")
			require.NoError(t, err)
			assert.Equal(t, tt.expected, ok)
			if tt.prompt != "" {
				assert.Contains(t, out.String(), tt.prompt)
			}
		})
	}
}

func TestSpendable(t *testing.T) {
	snap := &swap.BalanceSnapshot{
		PayAsset:          "USDC",
		PayAssetBalance:   decimal.RequireFromString("125.4567891"),
		TradeAssetBalance: decimal.RequireFromString("2.5"),
	}
	usdc := solana.Asset{Symbol: "USDC", Decimals: 6}
	feeStock := solana.Asset{Symbol: "AAPLx", Decimals: 8, TransferFee: true}

	assert.Equal(t, "125.456789", spendable(snap, swap.Buy, usdc).String())
	// fee-bearing assets keep 1% back
	assert.Equal(t, "2.475", spendable(snap, swap.Sell, feeStock).String())
	assert.True(t, spendable(nil, swap.Buy, usdc).IsZero())
}

func TestStatusLabel(t *testing.T) {
	assert.Equal(t, "Waiting for signature...", statusLabel(swap.StatusSigning))
	assert.Equal(t, "Waiting for confirmation...", statusLabel(swap.StatusConfirming))
	assert.Equal(t, "success", statusLabel(swap.StatusSuccess))
}
