package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

const (
	DefaultKeyedURL  = "https://api.jup.ag/swap/v1"
	DefaultLegacyURL = "https://quote-api.jup.ag/v6"

	BackendKeyed  = "keyed"
	BackendLegacy = "legacy"
)

// MaterializeOptions are passed through to the provider's swap builder.
type MaterializeOptions struct {
	WrapNative              bool
	DynamicComputeUnitLimit bool
	// PriorityLevel is one of "medium", "high" or "veryHigh". Empty leaves
	// prioritization to the provider.
	PriorityLevel       string
	MaxPriorityLamports uint64
}

// Materialized is a route turned into a transaction ready for the wallet.
type Materialized struct {
	Transaction  *solana.Transaction
	ExpiryHeight uint64
}

// Provider is the aggregator. Implementations are picked once at
// construction time; callers never switch backends per request.
type Provider interface {
	Backend() string
	Quote(ctx context.Context, req Request) (*Route, error)
	Materialize(ctx context.Context, route *Route, wallet solana.PublicKey, opts MaterializeOptions) (*Materialized, error)
}

// ProviderConfig selects and configures the aggregator backend.
type ProviderConfig struct {
	APIKey    string
	KeyedURL  string
	LegacyURL string
}

// NewProvider returns the keyed backend when an API key is configured and
// the keyless legacy backend otherwise.
func NewProvider(cfg ProviderConfig, httpClient *http.Client, logger *slog.Logger) Provider {
	if cfg.APIKey != "" {
		return NewKeyedProvider(cfg.KeyedURL, cfg.APIKey, httpClient, logger)
	}
	return NewLegacyProvider(cfg.LegacyURL, httpClient, logger)
}

// KeyedProvider talks to the authenticated, higher-capacity API tier.
type KeyedProvider struct {
	*httpBackend
}

// NewKeyedProvider creates a provider that authenticates with an API key.
func NewKeyedProvider(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *KeyedProvider {
	if baseURL == "" {
		baseURL = DefaultKeyedURL
	}
	return &KeyedProvider{newHTTPBackend(BackendKeyed, baseURL, apiKey, httpClient, logger)}
}

// LegacyProvider talks to the keyless public API.
type LegacyProvider struct {
	*httpBackend
}

// NewLegacyProvider creates a provider for the public keyless API.
func NewLegacyProvider(baseURL string, httpClient *http.Client, logger *slog.Logger) *LegacyProvider {
	if baseURL == "" {
		baseURL = DefaultLegacyURL
	}
	return &LegacyProvider{newHTTPBackend(BackendLegacy, baseURL, "", httpClient, logger)}
}

// ProviderError is a non-route failure reported by the aggregator.
type ProviderError struct {
	Backend    string
	StatusCode int
	Code       string
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s provider returned %d (%s): %s", e.Backend, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%s provider returned %d: %s", e.Backend, e.StatusCode, e.Message)
}

var noRouteCodes = map[string]struct{}{
	"COULD_NOT_FIND_ANY_ROUTE": {},
	"NO_ROUTES_FOUND":          {},
	"ROUTE_NOT_FOUND":          {},
	"TOKEN_NOT_TRADABLE":       {},
}

type httpBackend struct {
	name       string
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

func newHTTPBackend(name, baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *httpBackend {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &httpBackend{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (b *httpBackend) Backend() string { return b.name }

// Quote fetches a route for req.
func (b *httpBackend) Quote(ctx context.Context, req Request) (*Route, error) {
	if !req.Valid() {
		return nil, fmt.Errorf("invalid quote request")
	}

	q := url.Values{}
	q.Set("inputMint", req.InputMint.String())
	q.Set("outputMint", req.OutputMint.String())
	q.Set("amount", strconv.FormatUint(req.Amount, 10))
	q.Set("slippageBps", strconv.Itoa(req.SlippageBps))
	if req.Taker != nil {
		q.Set("taker", req.Taker.String())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	body, err := b.do(httpReq)
	if err != nil {
		return nil, err
	}

	route, err := parseRoute(body, b.name, time.Now())
	if err != nil {
		return nil, err
	}

	b.logger.DebugContext(ctx, "quote received",
		"backend", b.name,
		"in_amount", route.InAmount,
		"out_amount", route.OutAmount,
		"price_impact_pct", route.PriceImpactPct.String(),
		"route", route.RouteDisplay(),
	)
	return route, nil
}

type priorityLevel struct {
	MaxLamports   uint64 `json:"maxLamports"`
	PriorityLevel string `json:"priorityLevel"`
}

type prioritizationFee struct {
	PriorityLevelWithMaxLamports priorityLevel `json:"priorityLevelWithMaxLamports"`
}

type swapRequest struct {
	QuoteResponse             json.RawMessage    `json:"quoteResponse"`
	UserPublicKey             string             `json:"userPublicKey"`
	WrapAndUnwrapSol          bool               `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool               `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports *prioritizationFee `json:"prioritizationFeeLamports,omitempty"`
}

type swapResponse struct {
	SwapTransaction           string          `json:"swapTransaction"`
	LastValidBlockHeight      uint64          `json:"lastValidBlockHeight"`
	PrioritizationFeeLamports uint64          `json:"prioritizationFeeLamports"`
	SimulationError           json.RawMessage `json:"simulationError"`
}

// Materialize asks the provider to build the transaction for route.
func (b *httpBackend) Materialize(ctx context.Context, route *Route, wallet solana.PublicKey, opts MaterializeOptions) (*Materialized, error) {
	if route == nil {
		return nil, fmt.Errorf("no route to materialize")
	}

	reqBody := swapRequest{
		QuoteResponse:           route.Raw(),
		UserPublicKey:           wallet.String(),
		WrapAndUnwrapSol:        opts.WrapNative,
		DynamicComputeUnitLimit: opts.DynamicComputeUnitLimit,
	}
	if opts.PriorityLevel != "" {
		reqBody.PrioritizationFeeLamports = &prioritizationFee{
			PriorityLevelWithMaxLamports: priorityLevel{
				MaxLamports:   opts.MaxPriorityLamports,
				PriorityLevel: opts.PriorityLevel,
			},
		}
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/swap", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	body, err := b.do(httpReq)
	if err != nil {
		return nil, err
	}

	var sr swapResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("failed to decode swap response: %w", err)
	}
	if len(sr.SimulationError) > 0 && string(sr.SimulationError) != "null" {
		return nil, fmt.Errorf("provider simulation failed: %s", string(sr.SimulationError))
	}
	if sr.SwapTransaction == "" {
		return nil, fmt.Errorf("provider returned no transaction")
	}

	tx, err := DecodeTransaction(sr.SwapTransaction)
	if err != nil {
		return nil, err
	}

	b.logger.DebugContext(ctx, "route materialized",
		"backend", b.name,
		"wallet", wallet.String(),
		"last_valid_block_height", sr.LastValidBlockHeight,
		"priority_fee_lamports", sr.PrioritizationFeeLamports,
	)
	return &Materialized{Transaction: tx, ExpiryHeight: sr.LastValidBlockHeight}, nil
}

// do sends the request and returns the body of a 2xx response.
func (b *httpBackend) do(req *http.Request) ([]byte, error) {
	req.Header.Set("Accept", "application/json")
	if b.apiKey != "" {
		req.Header.Set("x-api-key", b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, b.parseErrorResponse(resp.StatusCode, body)
	}
	return body, nil
}

// parseErrorResponse maps a provider error body onto ErrNoRoute or a
// *ProviderError.
func (b *httpBackend) parseErrorResponse(status int, body []byte) error {
	var errResp struct {
		Error     string `json:"error"`
		ErrorCode string `json:"errorCode"`
		Message   string `json:"message"`
	}
	_ = json.Unmarshal(body, &errResp)

	msg := errResp.Error
	if msg == "" {
		msg = errResp.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	if _, ok := noRouteCodes[errResp.ErrorCode]; ok {
		return fmt.Errorf("%w: %s", ErrNoRoute, msg)
	}
	lower := strings.ToLower(msg)
	if status >= 400 && status < 500 && (strings.Contains(lower, "no route") || strings.Contains(lower, "could not find any route")) {
		return fmt.Errorf("%w: %s", ErrNoRoute, msg)
	}

	return &ProviderError{
		Backend:    b.name,
		StatusCode: status,
		Code:       errResp.ErrorCode,
		Message:    msg,
	}
}
