package nats

import (
	"time"

	"github.com/brojonat/stockswap/service/db"
	"github.com/shopspring/decimal"
)

// Trade event types.
const (
	EventTradeRecorded = "trade.recorded"
	EventTradeVerified = "trade.verified"
	EventTradeFailed   = "trade.failed"
)

// TradeEvent is published to the subject "trades.{wallet_address}" in
// JetStream whenever a journaled trade is recorded or verified.
type TradeEvent struct {
	Type string `json:"type"`

	ID                   string `json:"id"`
	WalletAddress        string `json:"wallet_address"`
	TransactionSignature string `json:"transaction_signature"`

	Direction        string          `json:"direction"`
	Symbol           string          `json:"symbol"`
	TokenAmount      decimal.Decimal `json:"token_amount"`
	QuoteAssetAmount decimal.Decimal `json:"quote_asset_amount"`
	PricePerToken    decimal.Decimal `json:"price_per_token"`

	Status        string     `json:"status"`
	FailureReason string     `json:"failure_reason,omitempty"`
	RecordedAt    time.Time  `json:"recorded_at"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`

	PublishedAt time.Time `json:"published_at"`
}

// FromDBTrade converts a stored trade to an event of the given type.
func FromDBTrade(trade *db.Trade, eventType string) *TradeEvent {
	event := &TradeEvent{
		Type:                 eventType,
		ID:                   trade.ID,
		WalletAddress:        trade.WalletAddress,
		TransactionSignature: trade.TransactionSignature,
		Direction:            trade.Direction,
		Symbol:               trade.Symbol,
		TokenAmount:          trade.TokenAmount,
		QuoteAssetAmount:     trade.QuoteAssetAmount,
		PricePerToken:        trade.PricePerToken,
		Status:               trade.Status,
		RecordedAt:           trade.RecordedAt,
		VerifiedAt:           trade.VerifiedAt,
		PublishedAt:          time.Now().UTC(),
	}
	if trade.FailureReason != nil {
		event.FailureReason = *trade.FailureReason
	}
	return event
}

// Subject returns the subject a wallet's trade events are published on.
// An empty wallet returns the wildcard covering every wallet.
func Subject(wallet string) string {
	if wallet == "" {
		return StreamSubjects
	}
	return "trades." + wallet
}
