package solana

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/brojonat/stockswap/service/amount"
	"github.com/gagliardetto/solana-go"
)

var (
	// TokenProgramID is the SPL Token program.
	TokenProgramID = solana.TokenProgramID

	// Token2022ProgramID is the Token Extensions program. Most tokenized
	// stocks are minted under it.
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")
)

var (
	// ErrConfirmationTimeout means neither a confirmation nor a definitive
	// failure was observed in time. The transaction may still land.
	ErrConfirmationTimeout = errors.New("confirmation timed out, the transaction may still land")

	// ErrBlockHeightExceeded means the chain moved past the transaction's
	// last valid block height without including it.
	ErrBlockHeightExceeded = errors.New("block height exceeded, transaction expired")

	// ErrBroadcastRejected means the RPC node refused the transaction outright.
	ErrBroadcastRejected = errors.New("transaction rejected by rpc node")
)

// OnChainError is returned when the ledger accepted a transaction but its
// execution failed. Payload is the ledger's structured error, untouched.
type OnChainError struct {
	Signature string
	Payload   any
}

func (e *OnChainError) Error() string {
	raw, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Sprintf("transaction %s failed on-chain: %v", e.Signature, e.Payload)
	}
	return fmt.Sprintf("transaction %s failed on-chain: %s", e.Signature, raw)
}

// Asset describes a token the engine can quote, hold or spend.
type Asset struct {
	Symbol   string
	Mint     solana.PublicKey
	Decimals int32
	// Native marks the network's own asset, held as lamports rather than in
	// a token account.
	Native bool
	// Program owns the mint. Zero means the classic SPL Token program.
	Program solana.PublicKey
	// TransferFee marks mints that withhold a fee on every transfer.
	TransferFee bool
}

// Class maps the asset onto the reserve rules used for "max" amounts.
func (a Asset) Class() amount.AssetClass {
	switch {
	case a.Native:
		return amount.Native
	case a.TransferFee:
		return amount.FeeBearing
	default:
		return amount.Standard
	}
}

// TokenProgram returns the program that owns the asset's mint.
func (a Asset) TokenProgram() solana.PublicKey {
	if a.Program.IsZero() {
		return TokenProgramID
	}
	return a.Program
}

// ConfirmationStatus is the ledger's view of a submitted signature.
type ConfirmationStatus string

const (
	StatusPending   ConfirmationStatus = "pending"
	StatusConfirmed ConfirmationStatus = "confirmed"
	StatusFailed    ConfirmationStatus = "failed"
)

// SignatureStatus is one poll result for a signature.
type SignatureStatus struct {
	Status ConfirmationStatus
	Slot   uint64
	// Err holds the ledger's error payload when Status is StatusFailed.
	Err any
}
