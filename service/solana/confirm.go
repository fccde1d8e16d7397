package solana

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// SignatureStatus asks the ledger where a signature stands.
// A signature the node has never seen is reported as pending.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, true, sig)
	c.observe("GetSignatureStatuses", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get signature status: %w", err)
	}

	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return &SignatureStatus{Status: StatusPending}, nil
	}

	st := out.Value[0]
	if st.Err != nil {
		return &SignatureStatus{Status: StatusFailed, Slot: st.Slot, Err: st.Err}, nil
	}
	switch st.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return &SignatureStatus{Status: StatusConfirmed, Slot: st.Slot}, nil
	default:
		return &SignatureStatus{Status: StatusPending, Slot: st.Slot}, nil
	}
}

// AwaitConfirmation races a status poll against the configured wall-clock
// timeout. It returns nil once the transaction is confirmed, an
// *OnChainError if it executed and failed, ErrBlockHeightExceeded if it
// expired unlanded, or ErrConfirmationTimeout if the timeout fired first.
// expiryHeight of zero disables the expiry check.
//
// The poll goroutine is cancelled as soon as the race resolves.
func (c *Client) AwaitConfirmation(ctx context.Context, sig solana.Signature, expiryHeight uint64) error {
	start := time.Now()

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// buffered so the poller can finish and exit even when it lost the race
	done := make(chan error, 1)
	go func() {
		done <- c.pollConfirmation(pollCtx, sig, expiryHeight)
	}()

	timer := time.NewTimer(c.cfg.ConfirmationTimeout)
	defer timer.Stop()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		err = fmt.Errorf("%w: no outcome for %s after %s", ErrConfirmationTimeout, sig, c.cfg.ConfirmationTimeout)
	case <-ctx.Done():
		err = fmt.Errorf("confirmation wait cancelled: %w", ctx.Err())
	}

	outcome := confirmationOutcome(err)
	if c.metrics != nil {
		c.metrics.RecordConfirmation(outcome, time.Since(start).Seconds())
	}
	c.logger.InfoContext(ctx, "confirmation resolved",
		"signature", sig.String(),
		"outcome", outcome,
		"duration_seconds", time.Since(start).Seconds(),
	)
	return err
}

func (c *Client) pollConfirmation(ctx context.Context, sig solana.Signature, expiryHeight uint64) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		st, err := c.SignatureStatus(ctx, sig)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.WarnContext(ctx, "confirmation poll failed", "signature", sig.String(), "error", err)
		} else {
			switch st.Status {
			case StatusConfirmed:
				return nil
			case StatusFailed:
				return &OnChainError{Signature: sig.String(), Payload: st.Err}
			}

			if expiryHeight > 0 {
				if err := c.checkExpiry(ctx, sig, expiryHeight); err != nil {
					return err
				}
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// checkExpiry returns a terminal error once the chain is past expiryHeight.
// The status is read one last time first so a transaction that landed in
// the final valid block is not reported as expired. RPC failures are
// logged and treated as "not yet known".
func (c *Client) checkExpiry(ctx context.Context, sig solana.Signature, expiryHeight uint64) error {
	start := time.Now()
	height, err := c.rpc.GetBlockHeight(ctx, rpc.CommitmentConfirmed)
	c.observe("GetBlockHeight", start, err)
	if err != nil {
		c.logger.WarnContext(ctx, "block height check failed", "signature", sig.String(), "error", err)
		return nil
	}
	if height <= expiryHeight {
		return nil
	}

	st, err := c.SignatureStatus(ctx, sig)
	if err != nil {
		c.logger.WarnContext(ctx, "final status check failed", "signature", sig.String(), "error", err)
		return nil
	}
	switch st.Status {
	case StatusConfirmed:
		// picked up by the next poll
		return nil
	case StatusFailed:
		return &OnChainError{Signature: sig.String(), Payload: st.Err}
	}
	return fmt.Errorf("%w: block height %d passed %d", ErrBlockHeightExceeded, height, expiryHeight)
}

func confirmationOutcome(err error) string {
	var onChain *OnChainError
	switch {
	case err == nil:
		return "confirmed"
	case errors.As(err, &onChain):
		return "failed"
	case errors.Is(err, ErrBlockHeightExceeded):
		return "expired"
	case errors.Is(err, ErrConfirmationTimeout):
		return "timeout"
	default:
		return "cancelled"
	}
}
