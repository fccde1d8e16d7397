// Package quote fetches executable routes from the aggregator and turns them
// into signable transactions.
package quote

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/stockswap/service/amount"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// ErrNoRoute means the aggregator found no viable path for the request.
// It is a user-facing condition and is never retried automatically.
var ErrNoRoute = errors.New("no route available for this amount")

// Request is one quote lookup. Amount is in the input asset's smallest units.
type Request struct {
	InputMint   solana.PublicKey
	OutputMint  solana.PublicKey
	Amount      uint64
	SlippageBps int
	// Taker lets providers that support it return a ready-built transaction
	// alongside the quote.
	Taker *solana.PublicKey
}

// Valid reports whether the request is worth sending.
func (r Request) Valid() bool {
	return r.Amount > 0 && !r.InputMint.IsZero() && !r.OutputMint.IsZero()
}

// Route is a priced, executable path returned by the aggregator.
// It is never modified after creation; accessors hand out copies.
type Route struct {
	InputMint            solana.PublicKey
	OutputMint           solana.PublicKey
	InAmount             uint64
	OutAmount            uint64
	OtherAmountThreshold uint64
	SlippageBps          int
	// PriceImpactPct is a percentage: 0.4 means 0.4%.
	PriceImpactPct decimal.Decimal
	Backend        string
	FetchedAt      time.Time

	labels       []string
	raw          json.RawMessage
	transaction  string
	expiryHeight uint64
}

// Labels returns the human-readable venues the route passes through.
func (r *Route) Labels() []string {
	return append([]string(nil), r.labels...)
}

// Raw returns the exact quote object the provider issued. It must be sent
// back unmodified when materializing.
func (r *Route) Raw() json.RawMessage {
	return append(json.RawMessage(nil), r.raw...)
}

// SignableTransaction returns the base64 transaction some providers attach
// to a quote when the taker wallet is known.
func (r *Route) SignableTransaction() (string, bool) {
	return r.transaction, r.transaction != ""
}

// ExpiryHeight is the last block height at which the attached transaction
// can land, or zero when unknown.
func (r *Route) ExpiryHeight() uint64 {
	return r.expiryHeight
}

// OutputDisplay renders the expected output in human units.
func (r *Route) OutputDisplay(decimals int32) string {
	return amount.Format(r.OutAmount, decimals)
}

// InputDisplay renders the input amount in human units.
func (r *Route) InputDisplay(decimals int32) string {
	return amount.Format(r.InAmount, decimals)
}

// PriceImpactDisplay renders the impact with two decimals, e.g. "0.40%".
func (r *Route) PriceImpactDisplay() string {
	return r.PriceImpactPct.StringFixed(2) + "%"
}

// RouteDisplay joins the venue labels for display.
func (r *Route) RouteDisplay() string {
	return strings.Join(r.labels, " > ")
}

type swapInfo struct {
	AmmKey     string `json:"ammKey"`
	Label      string `json:"label"`
	InputMint  string `json:"inputMint"`
	OutputMint string `json:"outputMint"`
	InAmount   string `json:"inAmount"`
	OutAmount  string `json:"outAmount"`
	FeeAmount  string `json:"feeAmount"`
	FeeMint    string `json:"feeMint"`
}

type routePlanStep struct {
	SwapInfo swapInfo `json:"swapInfo"`
	Percent  int      `json:"percent"`
}

type quoteResponse struct {
	InputMint            string          `json:"inputMint"`
	InAmount             string          `json:"inAmount"`
	OutputMint           string          `json:"outputMint"`
	OutAmount            string          `json:"outAmount"`
	OtherAmountThreshold string          `json:"otherAmountThreshold"`
	SwapMode             string          `json:"swapMode"`
	SlippageBps          int             `json:"slippageBps"`
	PlatformFee          json.RawMessage `json:"platformFee"`
	PriceImpactPct       json.Number     `json:"priceImpactPct"`
	RoutePlan            []routePlanStep `json:"routePlan"`
	ContextSlot          uint64          `json:"contextSlot"`
	TimeTaken            float64         `json:"timeTaken"`

	// Only present when the provider builds the transaction with the quote.
	Transaction          string `json:"transaction,omitempty"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight,omitempty"`
}

// parseRoute builds a Route from a provider quote body. body is kept
// verbatim as the route's raw payload.
func parseRoute(body []byte, backend string, now time.Time) (*Route, error) {
	var qr quoteResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		return nil, fmt.Errorf("failed to decode quote: %w", err)
	}

	if len(qr.RoutePlan) == 0 {
		return nil, ErrNoRoute
	}

	inMint, err := solana.PublicKeyFromBase58(qr.InputMint)
	if err != nil {
		return nil, fmt.Errorf("invalid inputMint %q: %w", qr.InputMint, err)
	}
	outMint, err := solana.PublicKeyFromBase58(qr.OutputMint)
	if err != nil {
		return nil, fmt.Errorf("invalid outputMint %q: %w", qr.OutputMint, err)
	}
	inAmount, err := parseUnits("inAmount", qr.InAmount)
	if err != nil {
		return nil, err
	}
	outAmount, err := parseUnits("outAmount", qr.OutAmount)
	if err != nil {
		return nil, err
	}
	if outAmount == 0 {
		return nil, ErrNoRoute
	}

	var threshold uint64
	if qr.OtherAmountThreshold != "" {
		if threshold, err = parseUnits("otherAmountThreshold", qr.OtherAmountThreshold); err != nil {
			return nil, err
		}
	}

	impact := decimal.Zero
	if qr.PriceImpactPct != "" {
		if impact, err = decimal.NewFromString(qr.PriceImpactPct.String()); err != nil {
			return nil, fmt.Errorf("invalid priceImpactPct %q: %w", qr.PriceImpactPct, err)
		}
	}

	seen := make(map[string]struct{}, len(qr.RoutePlan))
	labels := make([]string, 0, len(qr.RoutePlan))
	for _, step := range qr.RoutePlan {
		label := step.SwapInfo.Label
		if label == "" {
			continue
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	}

	return &Route{
		InputMint:            inMint,
		OutputMint:           outMint,
		InAmount:             inAmount,
		OutAmount:            outAmount,
		OtherAmountThreshold: threshold,
		SlippageBps:          qr.SlippageBps,
		PriceImpactPct:       impact,
		Backend:              backend,
		FetchedAt:            now,
		labels:               labels,
		raw:                  append(json.RawMessage(nil), body...),
		transaction:          qr.Transaction,
		expiryHeight:         qr.LastValidBlockHeight,
	}, nil
}

func parseUnits(field, s string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return v, nil
}
