package solana

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"
)

// Balances is a point-in-time read of the two assets in a trade pair.
type Balances struct {
	Pay   decimal.Decimal
	Trade decimal.Decimal
}

// AssociatedTokenAddress derives the owner's token account for a mint held
// under the given token program.
func AssociatedTokenAddress(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], tokenProgram[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive token account: %w", err)
	}
	return addr, nil
}

// TokenBalance returns owner's holdings of asset in human units.
// An account that does not exist yet holds zero.
func (c *Client) TokenBalance(ctx context.Context, owner solana.PublicKey, asset Asset) (decimal.Decimal, error) {
	if asset.Native {
		start := time.Now()
		out, err := c.rpc.GetBalance(ctx, owner, rpc.CommitmentConfirmed)
		c.observe("GetBalance", start, err)
		if err != nil {
			return decimal.Zero, fmt.Errorf("failed to get %s balance: %w", asset.Symbol, err)
		}
		return decimal.NewFromUint64(out.Value).Shift(-asset.Decimals), nil
	}

	ata, err := AssociatedTokenAddress(owner, asset.Mint, asset.TokenProgram())
	if err != nil {
		return decimal.Zero, err
	}

	start := time.Now()
	out, err := c.rpc.GetTokenAccountBalance(ctx, ata, rpc.CommitmentConfirmed)
	c.observe("GetTokenAccountBalance", start, err)
	if err != nil {
		if isAccountNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("failed to get %s balance: %w", asset.Symbol, err)
	}
	if out == nil || out.Value == nil {
		return decimal.Zero, nil
	}

	raw, err := decimal.NewFromString(out.Value.Amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s balance %q: %w", asset.Symbol, out.Value.Amount, err)
	}
	return raw.Shift(-int32(out.Value.Decimals)), nil
}

// GetBalances reads the pay and trade asset balances for owner.
func (c *Client) GetBalances(ctx context.Context, owner solana.PublicKey, pay, trade Asset) (Balances, error) {
	payBal, err := c.TokenBalance(ctx, owner, pay)
	if err != nil {
		return Balances{}, err
	}
	tradeBal, err := c.TokenBalance(ctx, owner, trade)
	if err != nil {
		return Balances{}, err
	}
	return Balances{Pay: payBal, Trade: tradeBal}, nil
}

func isAccountNotFound(err error) bool {
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return strings.Contains(strings.ToLower(rpcErr.Message), "could not find account")
	}
	return errors.Is(err, rpc.ErrNotFound)
}
