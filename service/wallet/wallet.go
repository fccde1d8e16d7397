// Package wallet defines the signer the swap pipeline and the trade recorder
// talk to, plus a local keypair implementation for the CLI.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// ErrUserRejected is returned when the wallet holder declines to sign.
// The text matches what browser wallets report so that it can be shown verbatim.
var ErrUserRejected = errors.New("User rejected the request.")

// Wallet holds keys and signs on the user's behalf. Signing may block for as
// long as the user takes to decide.
type Wallet interface {
	PublicKey() solana.PublicKey
	SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
	SignMessage(ctx context.Context, message []byte) (solana.Signature, error)
}

// IsUserRejection reports whether err means the user declined to sign.
// Some wallets only surface the rejection as text, so the message is matched
// as a fallback.
func IsUserRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUserRejected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user rejected")
}

// Approver is asked before every signature. Returning false rejects the request.
type Approver func(ctx context.Context, kind string, summary string) (bool, error)

// AutoApprove signs everything without asking.
func AutoApprove(context.Context, string, string) (bool, error) { return true, nil }

// KeypairWallet signs with an in-memory ed25519 private key.
type KeypairWallet struct {
	key     solana.PrivateKey
	approve Approver
	logger  *slog.Logger
}

// NewKeypairWallet parses a base58 encoded private key. A nil approver signs
// without prompting.
func NewKeypairWallet(base58Key string, approve Approver, logger *slog.Logger) (*KeypairWallet, error) {
	key, err := solana.PrivateKeyFromBase58(strings.TrimSpace(base58Key))
	if err != nil {
		return nil, fmt.Errorf("invalid wallet keypair: %w", err)
	}
	return NewKeypairWalletFromKey(key, approve, logger), nil
}

// NewKeypairWalletFromKey wraps an already decoded private key.
func NewKeypairWalletFromKey(key solana.PrivateKey, approve Approver, logger *slog.Logger) *KeypairWallet {
	if approve == nil {
		approve = AutoApprove
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KeypairWallet{key: key, approve: approve, logger: logger}
}

func (w *KeypairWallet) PublicKey() solana.PublicKey {
	return w.key.PublicKey()
}

// SignTransaction fills this wallet's slot in the transaction's signature
// list. The transaction is modified in place and returned.
func (w *KeypairWallet) SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	if tx == nil {
		return nil, errors.New("nil transaction")
	}

	owner := w.PublicKey()
	idx := -1
	required := int(tx.Message.Header.NumRequiredSignatures)
	for i := 0; i < required && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(owner) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("wallet %s is not a required signer of this transaction", owner)
	}

	ok, err := w.approve(ctx, "transaction", fmt.Sprintf("%d instructions, blockhash %s", len(tx.Message.Instructions), tx.Message.RecentBlockhash))
	if err != nil {
		return nil, fmt.Errorf("approval failed: %w", err)
	}
	if !ok {
		w.logger.InfoContext(ctx, "transaction signature declined", "wallet", owner.String())
		return nil, ErrUserRejected
	}

	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	sig, err := w.key.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	if len(tx.Signatures) < required {
		sigs := make([]solana.Signature, required)
		copy(sigs, tx.Signatures)
		tx.Signatures = sigs
	}
	tx.Signatures[idx] = sig

	w.logger.DebugContext(ctx, "signed transaction",
		"wallet", owner.String(),
		"signature", sig.String(),
	)
	return tx, nil
}

// SignMessage signs arbitrary bytes (used for journal sign-in, never for swaps).
func (w *KeypairWallet) SignMessage(ctx context.Context, message []byte) (solana.Signature, error) {
	ok, err := w.approve(ctx, "message", string(message))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("approval failed: %w", err)
	}
	if !ok {
		return solana.Signature{}, ErrUserRejected
	}
	sig, err := w.key.Sign(message)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("failed to sign message: %w", err)
	}
	return sig, nil
}
