package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/stockswap/service/db"
	natspkg "github.com/brojonat/stockswap/service/nats"
	"github.com/shopspring/decimal"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
	maxSignatureLength = 128     // base58 signatures are 87-88 chars
	maxSymbolLength    = 32
	defaultListLimit   = 50
	maxListLimit       = 1000
)

var (
	// Valid base58 characters (no 0, O, I, l)
	validBase58Regex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
	validSymbolRegex = regexp.MustCompile(`^[A-Za-z0-9.\-]+$`)
)

// TradeStore is the persistence the journal handlers need.
type TradeStore interface {
	CreateTrade(ctx context.Context, params db.CreateTradeParams) (*db.Trade, bool, error)
	ListTrades(ctx context.Context, params db.ListTradesParams) ([]*db.Trade, error)
}

// TradeVerifier starts on-chain verification of a recorded trade.
type TradeVerifier interface {
	StartVerifyTrade(ctx context.Context, signature string) (string, error)
}

// handleRecordTrade returns a handler that journals a trade for the
// authenticated wallet.
// POST /api/v1/trades
func handleRecordTrade(store TradeStore, publisher natspkg.Publisher, verifier TradeVerifier, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		wallet := walletFromContext(r.Context())

		var req struct {
			Direction            string          `json:"direction"`
			Symbol               string          `json:"symbol"`
			TokenAmount          decimal.Decimal `json:"token_amount"`
			QuoteAssetAmount     decimal.Decimal `json:"quote_asset_amount"`
			PricePerToken        decimal.Decimal `json:"price_per_token"`
			TransactionSignature string          `json:"transaction_signature"`
		}
		if !decodeBody(w, r, &req, logger) {
			return
		}

		if err := validateDirection(req.Direction); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := validateSymbol(req.Symbol); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !req.TokenAmount.IsPositive() {
			writeError(w, "token_amount must be positive", http.StatusBadRequest)
			return
		}
		if !req.QuoteAssetAmount.IsPositive() {
			writeError(w, "quote_asset_amount must be positive", http.StatusBadRequest)
			return
		}
		if req.PricePerToken.IsNegative() {
			writeError(w, "price_per_token cannot be negative", http.StatusBadRequest)
			return
		}
		if err := validateSignature(req.TransactionSignature); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		price := req.PricePerToken
		if price.IsZero() {
			price = req.QuoteAssetAmount.DivRound(req.TokenAmount, 8)
		}

		trade, created, err := store.CreateTrade(r.Context(), db.CreateTradeParams{
			WalletAddress:        wallet,
			Direction:            req.Direction,
			Symbol:               req.Symbol,
			TokenAmount:          req.TokenAmount,
			QuoteAssetAmount:     req.QuoteAssetAmount,
			PricePerToken:        price,
			TransactionSignature: req.TransactionSignature,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to record trade", "wallet", wallet, "signature", req.TransactionSignature, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		if trade.WalletAddress != wallet {
			// signature already journaled by another wallet
			writeError(w, "transaction already recorded by another wallet", http.StatusConflict)
			return
		}

		if !created {
			logger.DebugContext(r.Context(), "trade already recorded", "signature", trade.TransactionSignature)
			writeJSON(w, tradeToResponse(trade), http.StatusOK)
			return
		}

		logger.InfoContext(r.Context(), "trade recorded",
			"id", trade.ID,
			"wallet", wallet,
			"direction", trade.Direction,
			"symbol", trade.Symbol,
			"signature", trade.TransactionSignature,
		)

		if publisher != nil {
			if err := publisher.PublishTrade(r.Context(), natspkg.FromDBTrade(trade, natspkg.EventTradeRecorded)); err != nil {
				logger.WarnContext(r.Context(), "failed to publish trade event", "signature", trade.TransactionSignature, "error", err)
			}
		}

		if verifier != nil {
			workflowID, err := verifier.StartVerifyTrade(r.Context(), trade.TransactionSignature)
			if err != nil {
				logger.WarnContext(r.Context(), "failed to start trade verification", "signature", trade.TransactionSignature, "error", err)
			} else {
				logger.DebugContext(r.Context(), "trade verification started", "workflow_id", workflowID)
			}
		}

		writeJSON(w, tradeToResponse(trade), http.StatusCreated)
	})
}

// handleListTrades returns a handler that lists journaled trades, newest first.
// GET /api/v1/trades?wallet=ADDRESS&limit=N&offset=N
func handleListTrades(store TradeStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		wallet := query.Get("wallet")

		if wallet != "" {
			if err := validateAddress(wallet); err != nil {
				logger.DebugContext(r.Context(), "invalid address", "address", wallet, "error", err)
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		limit := int32(defaultListLimit)
		if limitStr := query.Get("limit"); limitStr != "" {
			var parsedLimit int
			if _, err := fmt.Sscanf(limitStr, "%d", &parsedLimit); err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedLimit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsedLimit > maxListLimit {
				writeError(w, fmt.Sprintf("limit cannot exceed %d", maxListLimit), http.StatusBadRequest)
				return
			}
			limit = int32(parsedLimit)
		}

		offset := int32(0)
		if offsetStr := query.Get("offset"); offsetStr != "" {
			var parsedOffset int
			if _, err := fmt.Sscanf(offsetStr, "%d", &parsedOffset); err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedOffset < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
			offset = int32(parsedOffset)
		}

		trades, err := store.ListTrades(r.Context(), db.ListTradesParams{
			WalletAddress: wallet,
			Limit:         limit,
			Offset:        offset,
		})
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to list trades", "wallet", wallet, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		resp := make([]tradeResponse, len(trades))
		for i := range trades {
			resp[i] = tradeToResponse(trades[i])
		}

		writeJSON(w, map[string]interface{}{
			"trades": resp,
			"count":  len(resp),
			"limit":  limit,
			"offset": offset,
		}, http.StatusOK)
	})
}

// tradeResponse is the JSON response format for a trade.
type tradeResponse struct {
	ID                   string          `json:"id"`
	Wallet               string          `json:"wallet"`
	Direction            string          `json:"direction"`
	Symbol               string          `json:"symbol"`
	TokenAmount          decimal.Decimal `json:"token_amount"`
	QuoteAssetAmount     decimal.Decimal `json:"quote_asset_amount"`
	PricePerToken        decimal.Decimal `json:"price_per_token"`
	TransactionSignature string          `json:"transaction_signature"`
	Status               string          `json:"status"`
	FailureReason        *string         `json:"failure_reason,omitempty"`
	RecordedAt           time.Time       `json:"recorded_at"`
	VerifiedAt           *time.Time      `json:"verified_at,omitempty"`
}

func tradeToResponse(t *db.Trade) tradeResponse {
	return tradeResponse{
		ID:                   t.ID,
		Wallet:               t.WalletAddress,
		Direction:            t.Direction,
		Symbol:               t.Symbol,
		TokenAmount:          t.TokenAmount,
		QuoteAssetAmount:     t.QuoteAssetAmount,
		PricePerToken:        t.PricePerToken,
		TransactionSignature: t.TransactionSignature,
		Status:               t.Status,
		FailureReason:        t.FailureReason,
		RecordedAt:           t.RecordedAt,
		VerifiedAt:           t.VerifiedAt,
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress validates a wallet address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validBase58Regex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

func validateSignature(sig string) error {
	if sig == "" {
		return errorf("transaction_signature is required")
	}
	if len(sig) > maxSignatureLength {
		return errorf("transaction_signature too long")
	}
	if !validBase58Regex.MatchString(sig) {
		return errorf("invalid transaction_signature: must be base58")
	}
	return nil
}

func validateDirection(direction string) error {
	if direction != "buy" && direction != "sell" {
		return errorf("invalid direction: must be 'buy' or 'sell'")
	}
	return nil
}

func validateSymbol(symbol string) error {
	if symbol == "" {
		return errorf("symbol is required")
	}
	if len(symbol) > maxSymbolLength || !validSymbolRegex.MatchString(symbol) {
		return errorf("invalid symbol")
	}
	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
