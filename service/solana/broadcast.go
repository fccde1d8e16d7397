package solana

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Submit broadcasts a signed transaction and returns its signature.
// Transient failures (timeouts, connection errors, 5xx) are retried with
// exponential backoff. A JSON-RPC error from the node, such as a failed
// preflight simulation, is an outright rejection and is returned at once
// wrapped in ErrBroadcastRejected.
func (c *Client) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if tx == nil || len(tx.Signatures) == 0 {
		return solana.Signature{}, errors.New("transaction is not signed")
	}

	nodeRetries := uint(c.cfg.SendMaxRetries)
	opts := rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
		MaxRetries:          &nodeRetries,
	}

	attempts := c.cfg.SendMaxRetries + 1
	var lastErr error
	for attempt := range attempts {
		start := time.Now()
		sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, opts)
		c.observe("SendTransaction", start, err)
		if err == nil {
			c.logger.InfoContext(ctx, "transaction broadcast",
				"signature", sig.String(),
				"attempt", attempt+1,
			)
			return sig, nil
		}

		if isRejection(err) {
			c.logger.WarnContext(ctx, "transaction rejected by rpc node",
				"signature", tx.Signatures[0].String(),
				"error", err,
			)
			return solana.Signature{}, fmt.Errorf("%w: %w", ErrBroadcastRejected, err)
		}

		lastErr = err
		if attempt == attempts-1 {
			break
		}

		backoff := c.cfg.SendBackoff << uint(attempt)
		c.logger.WarnContext(ctx, "failed to send transaction, retrying",
			"attempt", attempt+1,
			"error", err,
			"backoff_seconds", backoff.Seconds(),
		)
		if c.metrics != nil {
			c.metrics.RecordRPCRetry("SendTransaction", "transient")
		}

		select {
		case <-ctx.Done():
			return solana.Signature{}, fmt.Errorf("send transaction cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return solana.Signature{}, fmt.Errorf("failed to send transaction after %d attempts: %w", attempts, lastErr)
}

// isRejection reports whether the node answered with a JSON-RPC error
// rather than failing in transport.
func isRejection(err error) bool {
	var rpcErr *jsonrpc.RPCError
	return errors.As(err, &rpcErr)
}
