package solana

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	mu sync.Mutex

	sendErrs  []error // consumed one per call; nil entries succeed
	sendCalls int
	sendSig   solana.Signature

	// statuses is called for every GetSignatureStatuses; nil means pending forever.
	statuses    func(ctx context.Context) (*rpc.SignatureStatusesResult, error)
	blockHeight uint64

	lamports      uint64
	tokenBalances map[solana.PublicKey]*rpc.UiTokenAmount
}

func (m *mockRPCClient) SendTransactionWithOpts(
	ctx context.Context,
	tx *solana.Transaction,
	opts rpc.TransactionOpts,
) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := m.sendCalls
	m.sendCalls++
	if call < len(m.sendErrs) && m.sendErrs[call] != nil {
		return solana.Signature{}, m.sendErrs[call]
	}
	return m.sendSig, nil
}

func (m *mockRPCClient) GetSignatureStatuses(
	ctx context.Context,
	searchTransactionHistory bool,
	signatures ...solana.Signature,
) (*rpc.GetSignatureStatusesResult, error) {
	if m.statuses == nil {
		return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{nil}}, nil
	}
	st, err := m.statuses(ctx)
	if err != nil {
		return nil, err
	}
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{st}}, nil
}

func (m *mockRPCClient) GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockHeight, nil
}

func (m *mockRPCClient) GetBalance(
	ctx context.Context,
	account solana.PublicKey,
	commitment rpc.CommitmentType,
) (*rpc.GetBalanceResult, error) {
	return &rpc.GetBalanceResult{Value: m.lamports}, nil
}

func (m *mockRPCClient) GetTokenAccountBalance(
	ctx context.Context,
	account solana.PublicKey,
	commitment rpc.CommitmentType,
) (*rpc.GetTokenAccountBalanceResult, error) {
	bal, ok := m.tokenBalances[account]
	if !ok {
		return nil, &jsonrpc.RPCError{Code: -32602, Message: "Invalid param: could not find account"}
	}
	return &rpc.GetTokenAccountBalanceResult{Value: bal}, nil
}

func newTestClient(mock *mockRPCClient, cfg Config) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient(mock, cfg, nil, logger)
}

func signedTx(t *testing.T) *solana.Transaction {
	t.Helper()
	return &solana.Transaction{Signatures: []solana.Signature{{9, 9, 9}}}
}

func TestSubmit_Success(t *testing.T) {
	mock := &mockRPCClient{sendSig: solana.Signature{1, 2, 3}}
	client := newTestClient(mock, Config{SendMaxRetries: 3, SendBackoff: time.Millisecond})

	sig, err := client.Submit(context.Background(), signedTx(t))
	require.NoError(t, err)
	assert.Equal(t, solana.Signature{1, 2, 3}, sig)
	assert.Equal(t, 1, mock.sendCalls)
}

func TestSubmit_RetriesTransientFailures(t *testing.T) {
	mock := &mockRPCClient{
		sendSig:  solana.Signature{4},
		sendErrs: []error{errors.New("connection reset by peer"), errors.New("i/o timeout")},
	}
	client := newTestClient(mock, Config{SendMaxRetries: 3, SendBackoff: time.Millisecond})

	sig, err := client.Submit(context.Background(), signedTx(t))
	require.NoError(t, err)
	assert.Equal(t, solana.Signature{4}, sig)
	assert.Equal(t, 3, mock.sendCalls)
}

func TestSubmit_GivesUpAfterRetries(t *testing.T) {
	transient := errors.New("connection refused")
	mock := &mockRPCClient{sendErrs: []error{transient, transient, transient}}
	client := newTestClient(mock, Config{SendMaxRetries: 2, SendBackoff: time.Millisecond})

	_, err := client.Submit(context.Background(), signedTx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, transient)
	assert.NotErrorIs(t, err, ErrBroadcastRejected)
	assert.Equal(t, 3, mock.sendCalls)
}

func TestSubmit_DoesNotRetryRejection(t *testing.T) {
	rejection := &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found"}
	mock := &mockRPCClient{sendErrs: []error{rejection}}
	client := newTestClient(mock, Config{SendMaxRetries: 3, SendBackoff: time.Millisecond})

	_, err := client.Submit(context.Background(), signedTx(t))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBroadcastRejected)
	assert.Equal(t, 1, mock.sendCalls)
}

func TestSubmit_Unsigned(t *testing.T) {
	client := newTestClient(&mockRPCClient{}, Config{})
	_, err := client.Submit(context.Background(), &solana.Transaction{})
	assert.Error(t, err)
}

func TestSignatureStatus(t *testing.T) {
	tests := []struct {
		name   string
		status *rpc.SignatureStatusesResult
		want   ConfirmationStatus
	}{
		{name: "unknown", status: nil, want: StatusPending},
		{name: "processed", status: &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusProcessed}, want: StatusPending},
		{name: "confirmed", status: &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}, want: StatusConfirmed},
		{name: "finalized", status: &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized}, want: StatusConfirmed},
		{
			name: "failed",
			status: &rpc.SignatureStatusesResult{
				ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
				Err:                map[string]any{"InstructionError": []any{2, map[string]any{"Custom": 6001}}},
			},
			want: StatusFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockRPCClient{
				statuses: func(context.Context) (*rpc.SignatureStatusesResult, error) { return tt.status, nil },
			}
			client := newTestClient(mock, Config{})

			got, err := client.SignatureStatus(context.Background(), solana.Signature{1})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
		})
	}
}

func TestAwaitConfirmation_Confirmed(t *testing.T) {
	var polls atomic.Int32
	mock := &mockRPCClient{
		statuses: func(context.Context) (*rpc.SignatureStatusesResult, error) {
			if polls.Add(1) < 3 {
				return nil, nil
			}
			return &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusConfirmed}, nil
		},
	}
	client := newTestClient(mock, Config{PollInterval: 5 * time.Millisecond, ConfirmationTimeout: time.Second})

	err := client.AwaitConfirmation(context.Background(), solana.Signature{1}, 0)
	require.NoError(t, err)
	assert.Equal(t, int32(3), polls.Load())
}

func TestAwaitConfirmation_OnChainFailureCarriesPayload(t *testing.T) {
	payload := map[string]any{"InstructionError": []any{3, map[string]any{"Custom": 6001}}}
	mock := &mockRPCClient{
		statuses: func(context.Context) (*rpc.SignatureStatusesResult, error) {
			return &rpc.SignatureStatusesResult{Err: payload}, nil
		},
	}
	client := newTestClient(mock, Config{PollInterval: 5 * time.Millisecond, ConfirmationTimeout: time.Second})

	err := client.AwaitConfirmation(context.Background(), solana.Signature{1}, 0)
	var onChain *OnChainError
	require.ErrorAs(t, err, &onChain)
	assert.Equal(t, payload, onChain.Payload)
	assert.Contains(t, err.Error(), "6001")
}

func TestAwaitConfirmation_TimesOutWhenLedgerNeverResponds(t *testing.T) {
	var stopped atomic.Bool
	mock := &mockRPCClient{
		statuses: func(ctx context.Context) (*rpc.SignatureStatusesResult, error) {
			<-ctx.Done()
			stopped.Store(true)
			return nil, ctx.Err()
		},
	}
	timeout := 150 * time.Millisecond
	client := newTestClient(mock, Config{PollInterval: 10 * time.Millisecond, ConfirmationTimeout: timeout})

	start := time.Now()
	err := client.AwaitConfirmation(context.Background(), solana.Signature{1}, 0)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrConfirmationTimeout)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+100*time.Millisecond)

	// the losing poller must be released once the race resolves
	assert.Eventually(t, stopped.Load, time.Second, 5*time.Millisecond)
}

func TestAwaitConfirmation_Expired(t *testing.T) {
	mock := &mockRPCClient{blockHeight: 1_001}
	client := newTestClient(mock, Config{PollInterval: 5 * time.Millisecond, ConfirmationTimeout: time.Second})

	err := client.AwaitConfirmation(context.Background(), solana.Signature{1}, 1_000)
	assert.ErrorIs(t, err, ErrBlockHeightExceeded)
	assert.NotErrorIs(t, err, ErrConfirmationTimeout)
}

func TestAwaitConfirmation_NotExpiredWithinHeight(t *testing.T) {
	var polls atomic.Int32
	mock := &mockRPCClient{
		blockHeight: 900,
		statuses: func(context.Context) (*rpc.SignatureStatusesResult, error) {
			if polls.Add(1) < 2 {
				return nil, nil
			}
			return &rpc.SignatureStatusesResult{ConfirmationStatus: rpc.ConfirmationStatusFinalized}, nil
		},
	}
	client := newTestClient(mock, Config{PollInterval: 5 * time.Millisecond, ConfirmationTimeout: time.Second})

	require.NoError(t, client.AwaitConfirmation(context.Background(), solana.Signature{1}, 1_000))
}

func TestAwaitConfirmation_ContextCancelled(t *testing.T) {
	client := newTestClient(&mockRPCClient{}, Config{PollInterval: 5 * time.Millisecond, ConfirmationTimeout: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := client.AwaitConfirmation(ctx, solana.Signature{1}, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, ErrConfirmationTimeout)
}

func TestGetBalances(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	usdc := Asset{Symbol: "USDC", Mint: solana.NewWallet().PublicKey(), Decimals: 6}
	stock := Asset{Symbol: "AAPLx", Mint: solana.NewWallet().PublicKey(), Decimals: 8, Program: Token2022ProgramID}

	usdcATA, err := AssociatedTokenAddress(owner, usdc.Mint, TokenProgramID)
	require.NoError(t, err)
	stockATA, err := AssociatedTokenAddress(owner, stock.Mint, Token2022ProgramID)
	require.NoError(t, err)
	assert.NotEqual(t, usdcATA, stockATA)

	mock := &mockRPCClient{
		tokenBalances: map[solana.PublicKey]*rpc.UiTokenAmount{
			usdcATA:  {Amount: "12500000", Decimals: 6},
			stockATA: {Amount: "50000000", Decimals: 8},
		},
	}
	client := newTestClient(mock, Config{})

	bal, err := client.GetBalances(context.Background(), owner, usdc, stock)
	require.NoError(t, err)
	assert.True(t, bal.Pay.Equal(decimal.RequireFromString("12.5")), bal.Pay.String())
	assert.True(t, bal.Trade.Equal(decimal.RequireFromString("0.5")), bal.Trade.String())
}

func TestTokenBalance_MissingAccountIsZero(t *testing.T) {
	client := newTestClient(&mockRPCClient{}, Config{})
	asset := Asset{Symbol: "USDT", Mint: solana.NewWallet().PublicKey(), Decimals: 6}

	bal, err := client.TokenBalance(context.Background(), solana.NewWallet().PublicKey(), asset)
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestTokenBalance_Native(t *testing.T) {
	client := newTestClient(&mockRPCClient{lamports: 1_500_000_000}, Config{})
	sol := Asset{Symbol: "SOL", Mint: solana.SolMint, Decimals: 9, Native: true}

	bal, err := client.TokenBalance(context.Background(), solana.NewWallet().PublicKey(), sol)
	require.NoError(t, err)
	assert.Equal(t, "1.5", bal.String())
}
