package swap

import (
	"errors"
	"fmt"

	"github.com/brojonat/stockswap/service/amount"
	"github.com/brojonat/stockswap/service/quote"
	"github.com/brojonat/stockswap/service/solana"
	"github.com/brojonat/stockswap/service/wallet"
)

// ErrorKind classifies why a session failed.
type ErrorKind string

const (
	KindNoRoute                ErrorKind = "NoRoute"
	KindQuoteFailed            ErrorKind = "QuoteFailed"
	KindMaterializationFailed  ErrorKind = "MaterializationFailed"
	KindUserRejectedSignature  ErrorKind = "UserRejectedSignature"
	KindSigningFailed          ErrorKind = "SigningFailed"
	KindBroadcastFailed        ErrorKind = "BroadcastFailed"
	KindOnChainExecutionFailed ErrorKind = "OnChainExecutionFailed"
	KindTransactionExpired     ErrorKind = "TransactionExpired"
	KindConfirmationTimeout    ErrorKind = "ConfirmationTimeout"
	KindConfirmationFailed     ErrorKind = "ConfirmationFailed"
	KindInsufficientBalance    ErrorKind = "InsufficientBalance"
)

// Stage names the pipeline step an error came from. Errors that carry no
// recognizable cause are classified by stage.
type Stage string

const (
	StageQuote       Stage = "quote"
	StageValidate    Stage = "validate"
	StageMaterialize Stage = "materialize"
	StageSign        Stage = "sign"
	StageBroadcast   Stage = "broadcast"
	StageConfirm     Stage = "confirm"
)

// ErrNotReady is returned by Submit when there is no quote to act on or a
// submit is already running.
var ErrNotReady = errors.New("no quote ready to submit")

// Error is a classified session failure.
type Error struct {
	Kind    ErrorKind
	Message string
	// Payload is the ledger's structured error for OnChainExecutionFailed.
	Payload any
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps an error raised at stage onto the session taxonomy.
func Classify(stage Stage, err error) *Error {
	if err == nil {
		return nil
	}

	var swapErr *Error
	if errors.As(err, &swapErr) {
		return swapErr
	}

	var onChain *solana.OnChainError
	switch {
	case errors.Is(err, amount.ErrInsufficientBalance):
		return newError(KindInsufficientBalance, "insufficient balance for this amount", err)
	case stage == StageMaterialize:
		// a no-route answer to the submit-time refetch is still a materialization failure
		return newError(KindMaterializationFailed, "could not prepare the swap: "+err.Error(), err)
	case errors.Is(err, quote.ErrNoRoute):
		return newError(KindNoRoute, "no route available for this amount, try a different amount", err)
	case wallet.IsUserRejection(err):
		return newError(KindUserRejectedSignature, err.Error(), err)
	case errors.As(err, &onChain):
		e := newError(KindOnChainExecutionFailed, "transaction failed on-chain", err)
		e.Payload = onChain.Payload
		return e
	case errors.Is(err, solana.ErrBlockHeightExceeded):
		return newError(KindTransactionExpired, "transaction expired before it landed, no funds were moved", err)
	case errors.Is(err, solana.ErrConfirmationTimeout):
		return newError(KindConfirmationTimeout, "confirmation timed out; the transaction may still land, check the signature before retrying", err)
	}

	switch stage {
	case StageQuote:
		return newError(KindQuoteFailed, "could not fetch a quote: "+err.Error(), err)
	case StageSign:
		return newError(KindSigningFailed, "wallet could not sign: "+err.Error(), err)
	case StageBroadcast:
		return newError(KindBroadcastFailed, "could not submit the transaction: "+err.Error(), err)
	case StageConfirm:
		return newError(KindConfirmationFailed, "could not confirm the transaction, check the signature before retrying: "+err.Error(), err)
	default:
		return newError(KindMaterializationFailed, err.Error(), err)
	}
}

func newError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}
