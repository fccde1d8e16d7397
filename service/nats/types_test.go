package nats

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/brojonat/stockswap/service/db"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromDBTrade(t *testing.T) {
	recorded := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reason := "InstructionError"
	trade := &db.Trade{
		ID:                   "7d1c",
		WalletAddress:        "wallet1",
		Direction:            "sell",
		Symbol:               "TSLAx",
		TokenAmount:          decimal.RequireFromString("1.5"),
		QuoteAssetAmount:     decimal.RequireFromString("300"),
		PricePerToken:        decimal.RequireFromString("200"),
		TransactionSignature: "sig",
		Status:               db.TradeStatusFailed,
		FailureReason:        &reason,
		RecordedAt:           recorded,
	}

	event := FromDBTrade(trade, EventTradeFailed)
	assert.Equal(t, EventTradeFailed, event.Type)
	assert.Equal(t, "wallet1", event.WalletAddress)
	assert.Equal(t, "InstructionError", event.FailureReason)
	assert.Equal(t, recorded, event.RecordedAt)
	assert.WithinDuration(t, time.Now(), event.PublishedAt, 5*time.Second)

	data, err := json.Marshal(event)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"token_amount":"1.5"`)
	assert.NotContains(t, string(data), "verified_at")
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "trades.abc", Subject("abc"))
	assert.Equal(t, "trades.*", Subject(""))
}

func TestMockPublisher(t *testing.T) {
	m := NewMockPublisher()
	ctx := context.Background()

	require.NoError(t, m.PublishTrade(ctx, &TradeEvent{WalletAddress: "a"}))
	require.NoError(t, m.PublishTrade(ctx, &TradeEvent{WalletAddress: "b"}))
	assert.Len(t, m.GetPublishedEvents(), 2)
	assert.Len(t, m.GetPublishedEventsForWallet("a"), 1)

	m.SetPublishError(errors.New("nats down"))
	assert.Error(t, m.PublishTrade(ctx, &TradeEvent{WalletAddress: "a"}))
	assert.Len(t, m.GetPublishedEvents(), 2)

	require.NoError(t, m.Close())
	assert.True(t, m.IsClosed())
}
