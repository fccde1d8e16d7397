package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnauthorized is returned when the journal rejects the credential.
var ErrUnauthorized = errors.New("journal credential rejected")

// Trade is a swap persisted in the journal.
type Trade struct {
	ID                   string          `json:"id"`
	Wallet               string          `json:"wallet"`
	Direction            string          `json:"direction"` // buy, sell
	Symbol               string          `json:"symbol"`
	TokenAmount          decimal.Decimal `json:"token_amount"`
	QuoteAssetAmount     decimal.Decimal `json:"quote_asset_amount"`
	PricePerToken        decimal.Decimal `json:"price_per_token"`
	TransactionSignature string          `json:"transaction_signature"`
	Status               string          `json:"status"` // recorded, verified, failed
	FailureReason        *string         `json:"failure_reason,omitempty"`
	RecordedAt           time.Time       `json:"recorded_at"`
	VerifiedAt           *time.Time      `json:"verified_at,omitempty"`
}

// RecordTradeRequest is the body of POST /api/v1/trades.
type RecordTradeRequest struct {
	Direction            string          `json:"direction"`
	Symbol               string          `json:"symbol"`
	TokenAmount          decimal.Decimal `json:"token_amount"`
	QuoteAssetAmount     decimal.Decimal `json:"quote_asset_amount"`
	PricePerToken        decimal.Decimal `json:"price_per_token"`
	TransactionSignature string          `json:"transaction_signature"`
}

// Credential is a bearer token issued after a wallet proves ownership by
// signing a sign-in message.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Valid reports whether the credential can still be used at now.
func (c *Credential) Valid(now time.Time) bool {
	return c != nil && c.Token != "" && now.Before(c.ExpiresAt)
}

// ListTradesParams filters GET /api/v1/trades.
type ListTradesParams struct {
	Wallet string
	Limit  int
	Offset int
}

const authMessagePrefix = "stockswap journal sign-in"

// AuthMessage builds the message a wallet signs to obtain a credential.
func AuthMessage(wallet string, issuedAt time.Time) string {
	return fmt.Sprintf("%s\nwallet: %s\nissued at: %s", authMessagePrefix, wallet, issuedAt.UTC().Format(time.RFC3339))
}

// ParseAuthMessage extracts the wallet and issue time from a sign-in message.
func ParseAuthMessage(msg string) (string, time.Time, error) {
	lines := strings.Split(strings.ReplaceAll(msg, "\r\n", "\n"), "\n")
	if len(lines) != 3 || lines[0] != authMessagePrefix {
		return "", time.Time{}, errors.New("not a sign-in message")
	}
	wallet, ok := strings.CutPrefix(lines[1], "wallet: ")
	if !ok || wallet == "" {
		return "", time.Time{}, errors.New("sign-in message has no wallet")
	}
	issued, ok := strings.CutPrefix(lines[2], "issued at: ")
	if !ok {
		return "", time.Time{}, errors.New("sign-in message has no timestamp")
	}
	ts, err := time.Parse(time.RFC3339, issued)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("invalid sign-in timestamp: %w", err)
	}
	return wallet, ts, nil
}

// Client is the HTTP client for the trade journal service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new trade journal client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// Authenticate exchanges a signed sign-in message for a credential.
// signature is base58.
func (c *Client) Authenticate(ctx context.Context, address, message, signature string) (*Credential, error) {
	body, err := json.Marshal(map[string]string{
		"address":   address,
		"message":   message,
		"signature": signature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/auth/wallet", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var cred Credential
	if err := json.NewDecoder(resp.Body).Decode(&cred); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("journal credential issued", "address", address, "expires_at", cred.ExpiresAt)
	return &cred, nil
}

// RecordTrade stores a completed swap. Recording the same transaction
// signature twice returns the existing record.
func (c *Client) RecordTrade(ctx context.Context, token string, trade RecordTradeRequest) (*Trade, error) {
	body, err := json.Marshal(trade)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/trades", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var out Trade
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("trade recorded", "signature", out.TransactionSignature, "id", out.ID)
	return &out, nil
}

// ListTrades returns journaled trades, newest first.
func (c *Client) ListTrades(ctx context.Context, params ListTradesParams) ([]*Trade, error) {
	q := url.Values{}
	if params.Wallet != "" {
		q.Set("wallet", params.Wallet)
	}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset > 0 {
		q.Set("offset", strconv.Itoa(params.Offset))
	}
	u := c.baseURL + "/api/v1/trades"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var result struct {
		Trades []*Trade `json:"trades"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Trades, nil
}

// Health checks that the journal service is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	msg := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		msg = errResp.Error
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	}
	return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, msg)
}
