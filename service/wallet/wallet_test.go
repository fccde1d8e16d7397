package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTransferTx(t *testing.T, payer solana.PublicKey) *solana.Transaction {
	t.Helper()
	to := solana.NewWallet().PublicKey()
	tx, err := solana.NewTransaction(
		[]solana.Instruction{
			system.NewTransferInstruction(1000, payer, to).Build(),
		},
		solana.Hash{1, 2, 3},
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)
	return tx
}

func TestKeypairWallet_SignTransaction(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	w := NewKeypairWalletFromKey(key, nil, nil)

	tx := newTransferTx(t, w.PublicKey())
	signed, err := w.SignTransaction(context.Background(), tx)
	require.NoError(t, err)

	require.Len(t, signed.Signatures, 1)
	assert.False(t, signed.Signatures[0].IsZero())
	assert.NoError(t, signed.VerifySignatures())
}

func TestKeypairWallet_SignTransaction_NotASigner(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	w := NewKeypairWalletFromKey(key, nil, nil)

	tx := newTransferTx(t, solana.NewWallet().PublicKey())
	_, err = w.SignTransaction(context.Background(), tx)
	assert.Error(t, err)
	assert.False(t, IsUserRejection(err))
}

func TestKeypairWallet_Declined(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	decline := func(context.Context, string, string) (bool, error) { return false, nil }
	w := NewKeypairWalletFromKey(key, decline, nil)

	_, err = w.SignTransaction(context.Background(), newTransferTx(t, w.PublicKey()))
	assert.ErrorIs(t, err, ErrUserRejected)

	_, err = w.SignMessage(context.Background(), []byte("hello"))
	assert.ErrorIs(t, err, ErrUserRejected)
}

func TestKeypairWallet_SignMessage(t *testing.T) {
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	w := NewKeypairWalletFromKey(key, nil, nil)

	msg := []byte("stockswap journal sign-in")
	sig, err := w.SignMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.True(t, sig.Verify(w.PublicKey(), msg))
}

func TestNewKeypairWallet_InvalidKey(t *testing.T) {
	_, err := NewKeypairWallet("not-a-key", nil, nil)
	assert.Error(t, err)
}

func TestIsUserRejection(t *testing.T) {
	assert.True(t, IsUserRejection(ErrUserRejected))
	assert.True(t, IsUserRejection(errors.New("User rejected the request.")))
	assert.True(t, IsUserRejection(errors.Join(errors.New("wallet adapter"), ErrUserRejected)))
	assert.False(t, IsUserRejection(errors.New("connection reset")))
	assert.False(t, IsUserRejection(nil))
}
