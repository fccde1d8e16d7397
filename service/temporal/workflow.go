package temporal

import (
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/stockswap/service/db"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const (
	defaultVerifyDelay   = 5 * time.Second
	defaultVerifyTimeout = 10 * time.Minute
)

// VerifyTradeWorkflow checks a journaled trade's transaction on the ledger
// and records the verdict.
//
// The workflow performs these steps:
// 1. Wait input.Delay so the transaction has a chance to propagate
// 2. Poll the ledger until the signature settles (CheckTradeSignature,
// retried while pending, for at most input.Timeout)
// 3. Mark the trade verified or failed (MarkTradeVerified)
//
// A signature that never settles within the timeout is marked failed.
func VerifyTradeWorkflow(ctx workflow.Context, input VerifyTradeInput) (*VerifyTradeResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("VerifyTradeWorkflow started", "signature", input.Signature)

	if input.Delay <= 0 {
		input.Delay = defaultVerifyDelay
	}
	if input.Timeout <= 0 {
		input.Timeout = defaultVerifyTimeout
	}

	result := &VerifyTradeResult{Signature: input.Signature}

	if err := workflow.Sleep(ctx, input.Delay); err != nil {
		return nil, err
	}

	checkCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout:    30 * time.Second,
		ScheduleToCloseTimeout: input.Timeout,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			NonRetryableErrorTypes: []string{ErrTypeInvalidSignature},
		},
	})

	var check *CheckTradeSignatureResult
	err := workflow.ExecuteActivity(checkCtx, a.CheckTradeSignature, CheckTradeSignatureInput{Signature: input.Signature}).Get(ctx, &check)
	switch {
	case err == nil && check.Confirmed:
		result.Status = db.TradeStatusVerified
		result.Slot = check.Slot
	case err == nil:
		result.Status = db.TradeStatusFailed
		result.Slot = check.Slot
		result.FailureReason = check.FailureReason
	case isUnsettled(err):
		reason := fmt.Sprintf("transaction not confirmed within %s", input.Timeout)
		result.Status = db.TradeStatusFailed
		result.FailureReason = &reason
	case isApplicationError(err, ErrTypeInvalidSignature):
		reason := "invalid transaction signature"
		result.Status = db.TradeStatusFailed
		result.FailureReason = &reason
	default:
		logger.Error("failed to check trade signature", "signature", input.Signature, "error", err)
		return nil, fmt.Errorf("failed to check trade signature: %w", err)
	}

	markCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:        time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        30 * time.Second,
			MaximumAttempts:        3,
			NonRetryableErrorTypes: []string{ErrTypeTradeNotFound},
		},
	})

	err = workflow.ExecuteActivity(markCtx, a.MarkTradeVerified, MarkTradeInput{
		Signature:     input.Signature,
		Status:        result.Status,
		FailureReason: result.FailureReason,
	}).Get(ctx, nil)
	if err != nil {
		logger.Error("failed to mark trade", "signature", input.Signature, "status", result.Status, "error", err)
		return nil, fmt.Errorf("failed to mark trade %s: %w", result.Status, err)
	}

	logger.Info("VerifyTradeWorkflow completed",
		"signature", input.Signature,
		"status", result.Status,
		"slot", result.Slot,
	)
	return result, nil
}

// isUnsettled reports whether the check gave up while the signature was
// still pending.
func isUnsettled(err error) bool {
	var timeoutErr *temporalsdk.TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	return isApplicationError(err, ErrTypeTradePending)
}

func isApplicationError(err error, errType string) bool {
	var appErr *temporalsdk.ApplicationError
	return errors.As(err, &appErr) && appErr.Type() == errType
}
