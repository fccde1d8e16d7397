// Package swap runs a single user-facing swap session: it turns buy/sell
// intents into quotes, and a submit into a confirmed transaction.
package swap

import (
	"github.com/brojonat/stockswap/service/quote"
)

// Direction is the side of the trade from the stock's point of view.
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// PairToken selects which stable asset is paid or received.
type PairToken string

const (
	USDC PairToken = "USDC"
	USDT PairToken = "USDT"
)

// Intent is what the user has typed. Every edit produces a new Intent that
// replaces the previous one.
type Intent struct {
	Direction   Direction
	PairToken   PairToken
	HumanAmount string
	SlippageBps int
}

// Status is the session's lifecycle state.
type Status string

const (
	StatusIdle          Status = "idle"
	StatusFetchingQuote Status = "fetchingQuote"
	StatusQuoteReady    Status = "quoteReady"
	StatusSigning       Status = "signing"
	StatusBroadcasting  Status = "broadcasting"
	StatusConfirming    Status = "confirming"
	StatusSuccess       Status = "success"
	StatusError         Status = "error"
)

// Terminal reports whether the status ends a submit. It holds until Dismiss
// or the next intent edit.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusError
}

// Committed reports whether the wallet prompt or broadcast is underway,
// during which user input is ignored.
func (s Status) Committed() bool {
	return s == StatusSigning || s == StatusBroadcasting || s == StatusConfirming
}

// State is a snapshot of a session. Route and LastError point at values
// that are never modified once created.
type State struct {
	Status              Status
	Intent              Intent
	Route               *quote.Route
	LastError           *Error
	Signature           string
	Submitting          bool
	SuppressAutoRefetch bool
}

// CanSubmit reports whether a submit would be accepted.
func (s State) CanSubmit() bool {
	return s.Status == StatusQuoteReady && !s.Submitting && s.Route != nil
}
