package temporal

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/brojonat/stockswap/service/db"
	natspkg "github.com/brojonat/stockswap/service/nats"
	"github.com/brojonat/stockswap/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	temporalsdk "go.temporal.io/sdk/temporal"
)

// Mock Ledger
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) SignatureStatus(ctx context.Context, sig solanago.Signature) (*solana.SignatureStatus, error) {
	args := m.Called(ctx, sig)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*solana.SignatureStatus), args.Error(1)
}

// Mock Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) UpdateTradeStatus(ctx context.Context, signature, status string, reason *string) (*db.Trade, error) {
	args := m.Called(ctx, signature, status, reason)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Trade), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func randomSignature(t *testing.T) solanago.Signature {
	t.Helper()
	var sig solanago.Signature
	_, err := rand.Read(sig[:])
	require.NoError(t, err)
	return sig
}

func storedTrade(sig, status string, reason *string) *db.Trade {
	recordedAt := time.Now().Add(-30 * time.Second)
	verifiedAt := time.Now()
	return &db.Trade{
		ID:                   "3f1c2a8e-0000-4000-8000-000000000001",
		WalletAddress:        "7xKXtg2CW87d97TXJSDpbD5jBkheTqA83TZRuJosgAsU",
		Direction:            "buy",
		Symbol:               "AAPLx",
		TokenAmount:          decimal.RequireFromString("0.5"),
		QuoteAssetAmount:     decimal.RequireFromString("100"),
		PricePerToken:        decimal.RequireFromString("200"),
		TransactionSignature: sig,
		Status:               status,
		FailureReason:        reason,
		RecordedAt:           recordedAt,
		VerifiedAt:           &verifiedAt,
	}
}

func TestCheckTradeSignature(t *testing.T) {
	sig := randomSignature(t)

	tests := []struct {
		name     string
		status   *solana.SignatureStatus
		rpcErr   error
		validate func(t *testing.T, result *CheckTradeSignatureResult, err error)
	}{
		{
			name:   "confirmed",
			status: &solana.SignatureStatus{Status: solana.StatusConfirmed, Slot: 321},
			validate: func(t *testing.T, result *CheckTradeSignatureResult, err error) {
				require.NoError(t, err)
				assert.True(t, result.Confirmed)
				assert.Equal(t, uint64(321), result.Slot)
				assert.Nil(t, result.FailureReason)
			},
		},
		{
			name:   "failed on-chain",
			status: &solana.SignatureStatus{Status: solana.StatusFailed, Slot: 99, Err: map[string]any{"InstructionError": []any{2, "Custom"}}},
			validate: func(t *testing.T, result *CheckTradeSignatureResult, err error) {
				require.NoError(t, err)
				assert.False(t, result.Confirmed)
				require.NotNil(t, result.FailureReason)
				assert.Contains(t, *result.FailureReason, "InstructionError")
			},
		},
		{
			name:   "pending is retryable",
			status: &solana.SignatureStatus{Status: solana.StatusPending},
			validate: func(t *testing.T, result *CheckTradeSignatureResult, err error) {
				require.Error(t, err)
				var appErr *temporalsdk.ApplicationError
				require.ErrorAs(t, err, &appErr)
				assert.Equal(t, ErrTypeTradePending, appErr.Type())
				assert.False(t, appErr.NonRetryable())
			},
		},
		{
			name:   "rpc error",
			rpcErr: errors.New("connection refused"),
			validate: func(t *testing.T, result *CheckTradeSignatureResult, err error) {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "connection refused")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := new(MockLedger)
			ledger.On("SignatureStatus", mock.Anything, sig).Return(tt.status, tt.rpcErr)

			activities := NewActivities(nil, ledger, nil, nil, testLogger())
			result, err := activities.CheckTradeSignature(context.Background(), CheckTradeSignatureInput{Signature: sig.String()})
			tt.validate(t, result, err)
			ledger.AssertExpectations(t)
		})
	}
}

func TestCheckTradeSignature_InvalidSignature(t *testing.T) {
	ledger := new(MockLedger)
	activities := NewActivities(nil, ledger, nil, nil, testLogger())

	_, err := activities.CheckTradeSignature(context.Background(), CheckTradeSignatureInput{Signature: "not-a-signature"})
	require.Error(t, err)

	var appErr *temporalsdk.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, ErrTypeInvalidSignature, appErr.Type())
	assert.True(t, appErr.NonRetryable())
	ledger.AssertNotCalled(t, "SignatureStatus", mock.Anything, mock.Anything)
}

func TestMarkTradeVerified(t *testing.T) {
	sig := randomSignature(t).String()
	reason := "transaction failed on-chain: boom"

	t.Run("verified publishes trade.verified", func(t *testing.T) {
		store := new(MockStore)
		store.On("UpdateTradeStatus", mock.Anything, sig, db.TradeStatusVerified, (*string)(nil)).
			Return(storedTrade(sig, db.TradeStatusVerified, nil), nil)
		publisher := natspkg.NewMockPublisher()

		activities := NewActivities(store, nil, publisher, nil, testLogger())
		err := activities.MarkTradeVerified(context.Background(), MarkTradeInput{Signature: sig, Status: db.TradeStatusVerified})
		require.NoError(t, err)

		events := publisher.GetPublishedEvents()
		require.Len(t, events, 1)
		assert.Equal(t, natspkg.EventTradeVerified, events[0].Type)
		assert.Equal(t, sig, events[0].TransactionSignature)
		store.AssertExpectations(t)
	})

	t.Run("failed publishes trade.failed", func(t *testing.T) {
		store := new(MockStore)
		store.On("UpdateTradeStatus", mock.Anything, sig, db.TradeStatusFailed, &reason).
			Return(storedTrade(sig, db.TradeStatusFailed, &reason), nil)
		publisher := natspkg.NewMockPublisher()

		activities := NewActivities(store, nil, publisher, nil, testLogger())
		err := activities.MarkTradeVerified(context.Background(), MarkTradeInput{Signature: sig, Status: db.TradeStatusFailed, FailureReason: &reason})
		require.NoError(t, err)

		events := publisher.GetPublishedEvents()
		require.Len(t, events, 1)
		assert.Equal(t, natspkg.EventTradeFailed, events[0].Type)
		assert.Equal(t, reason, events[0].FailureReason)
	})

	t.Run("publish failure is not fatal", func(t *testing.T) {
		store := new(MockStore)
		store.On("UpdateTradeStatus", mock.Anything, sig, db.TradeStatusVerified, (*string)(nil)).
			Return(storedTrade(sig, db.TradeStatusVerified, nil), nil)
		publisher := natspkg.NewMockPublisher()
		publisher.SetPublishError(errors.New("nats unavailable"))

		activities := NewActivities(store, nil, publisher, nil, testLogger())
		assert.NoError(t, activities.MarkTradeVerified(context.Background(), MarkTradeInput{Signature: sig, Status: db.TradeStatusVerified}))
	})

	t.Run("without publisher", func(t *testing.T) {
		store := new(MockStore)
		store.On("UpdateTradeStatus", mock.Anything, sig, db.TradeStatusVerified, (*string)(nil)).
			Return(storedTrade(sig, db.TradeStatusVerified, nil), nil)

		activities := NewActivities(store, nil, nil, nil, testLogger())
		assert.NoError(t, activities.MarkTradeVerified(context.Background(), MarkTradeInput{Signature: sig, Status: db.TradeStatusVerified}))
	})

	t.Run("unknown trade is not retried", func(t *testing.T) {
		store := new(MockStore)
		store.On("UpdateTradeStatus", mock.Anything, sig, db.TradeStatusVerified, (*string)(nil)).
			Return(nil, db.ErrTradeNotFound)

		activities := NewActivities(store, nil, nil, nil, testLogger())
		err := activities.MarkTradeVerified(context.Background(), MarkTradeInput{Signature: sig, Status: db.TradeStatusVerified})

		var appErr *temporalsdk.ApplicationError
		require.ErrorAs(t, err, &appErr)
		assert.Equal(t, ErrTypeTradeNotFound, appErr.Type())
		assert.True(t, appErr.NonRetryable())
	})

	t.Run("database error", func(t *testing.T) {
		store := new(MockStore)
		store.On("UpdateTradeStatus", mock.Anything, sig, db.TradeStatusVerified, (*string)(nil)).
			Return(nil, errors.New("connection reset"))
		publisher := natspkg.NewMockPublisher()

		activities := NewActivities(store, nil, publisher, nil, testLogger())
		err := activities.MarkTradeVerified(context.Background(), MarkTradeInput{Signature: sig, Status: db.TradeStatusVerified})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to update trade status")
		assert.Empty(t, publisher.GetPublishedEvents())
	})
}
