// Package recorder journals successful swaps. Recording is best effort: it
// never returns an error and never blocks the swap that produced it.
package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/stockswap/client"
	"github.com/brojonat/stockswap/service/metrics"
	"github.com/brojonat/stockswap/service/wallet"
	"github.com/shopspring/decimal"
)

// TradeFacts describes a confirmed swap.
type TradeFacts struct {
	Direction            string // buy, sell
	Symbol               string
	TokenAmount          decimal.Decimal
	QuoteAssetAmount     decimal.Decimal
	TransactionSignature string
}

// PricePerToken is the quote asset paid or received per stock token.
func (f TradeFacts) PricePerToken() decimal.Decimal {
	if f.TokenAmount.IsZero() {
		return decimal.Zero
	}
	return f.QuoteAssetAmount.DivRound(f.TokenAmount, 8)
}

// Journal is the subset of the journal client the recorder needs.
type Journal interface {
	Authenticate(ctx context.Context, address, message, signature string) (*client.Credential, error)
	RecordTrade(ctx context.Context, token string, trade client.RecordTradeRequest) (*client.Trade, error)
}

// Recorder writes trades to the journal, acquiring a credential on demand
// by asking the wallet to sign a sign-in message.
type Recorder struct {
	journal Journal
	wallet  wallet.Wallet
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu   sync.Mutex
	cred *client.Credential
}

// New creates a recorder. If logger is nil, logs are discarded.
func New(journal Journal, w wallet.Wallet, m *metrics.Metrics, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Recorder{
		journal: journal,
		wallet:  w,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Record journals facts and returns the stored trade, or nil if anything
// went wrong. Failures are logged and swallowed.
func (r *Recorder) Record(ctx context.Context, facts TradeFacts) *client.Trade {
	logger := r.logger.With("signature", facts.TransactionSignature)

	cred, err := r.credential(ctx, false)
	if err != nil {
		logger.WarnContext(ctx, "skipping trade record, no journal credential", "error", err)
		r.observe("no_credential")
		return nil
	}

	req := client.RecordTradeRequest{
		Direction:            facts.Direction,
		Symbol:               facts.Symbol,
		TokenAmount:          facts.TokenAmount,
		QuoteAssetAmount:     facts.QuoteAssetAmount,
		PricePerToken:        facts.PricePerToken(),
		TransactionSignature: facts.TransactionSignature,
	}

	trade, err := r.journal.RecordTrade(ctx, cred.Token, req)
	if errors.Is(err, client.ErrUnauthorized) {
		// the journal may have rotated secrets or expired the token early
		if cred, err = r.credential(ctx, true); err == nil {
			trade, err = r.journal.RecordTrade(ctx, cred.Token, req)
		}
	}
	if err != nil {
		logger.WarnContext(ctx, "failed to record trade", "error", err)
		r.observe("error")
		return nil
	}

	logger.InfoContext(ctx, "trade recorded", "trade_id", trade.ID, "direction", trade.Direction)
	r.observe("success")
	return trade
}

// credential returns the cached credential, acquiring a new one when it is
// missing, expired or refresh is set.
func (r *Recorder) credential(ctx context.Context, refresh bool) (*client.Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !refresh && r.cred.Valid(r.now()) {
		return r.cred, nil
	}
	r.cred = nil

	address := r.wallet.PublicKey().String()
	msg := client.AuthMessage(address, r.now())

	sig, err := r.wallet.SignMessage(ctx, []byte(msg))
	if err != nil {
		outcome := "sign_failed"
		if wallet.IsUserRejection(err) {
			outcome = "rejected"
		}
		r.observeCredential(outcome)
		return nil, err
	}

	cred, err := r.journal.Authenticate(ctx, address, msg, sig.String())
	if err != nil {
		r.observeCredential("auth_failed")
		return nil, err
	}

	r.observeCredential("success")
	r.cred = cred
	return cred, nil
}

func (r *Recorder) observe(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordTradeRecord(outcome)
	}
}

func (r *Recorder) observeCredential(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordCredentialAcquisition(outcome)
	}
}
