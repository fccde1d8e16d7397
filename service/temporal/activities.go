package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/stockswap/service/db"
	"github.com/brojonat/stockswap/service/metrics"
	natspkg "github.com/brojonat/stockswap/service/nats"
	"github.com/brojonat/stockswap/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// Application error types raised by activities.
const (
	ErrTypeTradePending     = "TradePending"
	ErrTypeInvalidSignature = "InvalidSignature"
	ErrTypeTradeNotFound    = "TradeNotFound"
)

// VerifyTradeInput contains the input parameters for verifying a journaled trade.
type VerifyTradeInput struct {
	Signature string `json:"signature"`
	// Delay is slept before the first ledger check.
	Delay time.Duration `json:"delay"`
	// Timeout bounds how long the ledger is polled before the trade is
	// marked failed.
	Timeout time.Duration `json:"timeout"`
}

// VerifyTradeResult contains the outcome of a verification workflow.
type VerifyTradeResult struct {
	Signature     string  `json:"signature"`
	Status        string  `json:"status"` // verified, failed
	Slot          uint64  `json:"slot,omitempty"`
	FailureReason *string `json:"failure_reason,omitempty"`
}

// CheckTradeSignatureInput contains parameters for the CheckTradeSignature activity.
type CheckTradeSignatureInput struct {
	Signature string `json:"signature"`
}

// CheckTradeSignatureResult is the settled ledger state of a signature.
type CheckTradeSignatureResult struct {
	Confirmed     bool    `json:"confirmed"`
	Slot          uint64  `json:"slot"`
	FailureReason *string `json:"failure_reason,omitempty"`
}

// MarkTradeInput contains parameters for the MarkTradeVerified activity.
type MarkTradeInput struct {
	Signature     string  `json:"signature"`
	Status        string  `json:"status"`
	FailureReason *string `json:"failure_reason,omitempty"`
}

// StoreInterface defines the database operations needed by activities.
type StoreInterface interface {
	UpdateTradeStatus(ctx context.Context, signature, status string, reason *string) (*db.Trade, error)
}

// LedgerInterface defines the Solana operations needed by activities.
type LedgerInterface interface {
	SignatureStatus(ctx context.Context, sig solanago.Signature) (*solana.SignatureStatus, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
type PublisherInterface interface {
	PublishTrade(ctx context.Context, event *natspkg.TradeEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	store     StoreInterface
	ledger    LedgerInterface
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// publisher and m may be nil.
func NewActivities(store StoreInterface, ledger LedgerInterface, publisher PublisherInterface, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// CheckTradeSignature asks the ledger whether a trade's transaction has
// settled. An unsettled transaction returns a retryable TradePending error
// so that the activity retry policy does the polling.
func (a *Activities) CheckTradeSignature(ctx context.Context, input CheckTradeSignatureInput) (result *CheckTradeSignatureResult, err error) {
	start := time.Now()
	defer func() {
		a.observe("CheckTradeSignature", start, err)
	}()

	sig, err := solanago.SignatureFromBase58(input.Signature)
	if err != nil {
		return nil, temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("invalid transaction signature %q", input.Signature),
			ErrTypeInvalidSignature,
			err,
		)
	}

	status, err := a.ledger.SignatureStatus(ctx, sig)
	if err != nil {
		a.logger.WarnContext(ctx, "failed to get signature status",
			"signature", input.Signature,
			"error", err,
		)
		return nil, fmt.Errorf("failed to check signature: %w", err)
	}

	switch status.Status {
	case solana.StatusConfirmed:
		a.logger.InfoContext(ctx, "trade confirmed on-chain",
			"signature", input.Signature,
			"slot", status.Slot,
		)
		return &CheckTradeSignatureResult{Confirmed: true, Slot: status.Slot}, nil

	case solana.StatusFailed:
		reason := fmt.Sprintf("transaction failed on-chain: %v", status.Err)
		a.logger.InfoContext(ctx, "trade failed on-chain",
			"signature", input.Signature,
			"slot", status.Slot,
			"reason", reason,
		)
		return &CheckTradeSignatureResult{Slot: status.Slot, FailureReason: &reason}, nil

	default:
		a.logger.DebugContext(ctx, "trade still pending", "signature", input.Signature)
		return nil, temporalsdk.NewApplicationError("transaction not yet settled", ErrTypeTradePending)
	}
}

// MarkTradeVerified writes the verification verdict to the journal and
// publishes a trade.verified or trade.failed event. Publishing is best effort.
func (a *Activities) MarkTradeVerified(ctx context.Context, input MarkTradeInput) (err error) {
	start := time.Now()
	defer func() {
		a.observe("MarkTradeVerified", start, err)
	}()

	trade, err := a.store.UpdateTradeStatus(ctx, input.Signature, input.Status, input.FailureReason)
	if errors.Is(err, db.ErrTradeNotFound) {
		return temporalsdk.NewNonRetryableApplicationError(
			fmt.Sprintf("no journaled trade for signature %s", input.Signature),
			ErrTypeTradeNotFound,
			err,
		)
	}
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to update trade status",
			"signature", input.Signature,
			"status", input.Status,
			"error", err,
		)
		return fmt.Errorf("failed to update trade status: %w", err)
	}

	a.logger.InfoContext(ctx, "trade status updated",
		"signature", trade.TransactionSignature,
		"wallet", trade.WalletAddress,
		"status", trade.Status,
	)

	if a.metrics != nil && trade.VerifiedAt != nil {
		a.metrics.RecordWorkflowDuration(trade.Status, trade.VerifiedAt.Sub(trade.RecordedAt).Seconds())
	}

	if a.publisher != nil {
		eventType := natspkg.EventTradeVerified
		if trade.Status == db.TradeStatusFailed {
			eventType = natspkg.EventTradeFailed
		}
		if err := a.publisher.PublishTrade(ctx, natspkg.FromDBTrade(trade, eventType)); err != nil {
			a.logger.WarnContext(ctx, "failed to publish trade event",
				"signature", trade.TransactionSignature,
				"error", err,
			)
		}
	}

	return nil
}

func (a *Activities) observe(activity string, start time.Time, err error) {
	if a.metrics == nil {
		return
	}
	status := "success"
	var appErr *temporalsdk.ApplicationError
	switch {
	case errors.As(err, &appErr) && appErr.Type() == ErrTypeTradePending:
		status = "pending"
	case err != nil:
		status = "error"
	}
	a.metrics.RecordActivityDuration(activity, status, time.Since(start).Seconds())
}
