package quote

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"

	"github.com/brojonat/stockswap/service/metrics"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// DefaultMaterializeOptions wraps native SOL, lets the provider size the
// compute budget and pays a "veryHigh" priority fee capped at 0.001 SOL.
func DefaultMaterializeOptions() MaterializeOptions {
	return MaterializeOptions{
		WrapNative:              true,
		DynamicComputeUnitLimit: true,
		PriorityLevel:           "veryHigh",
		MaxPriorityLamports:     1_000_000,
	}
}

// Materializer turns a freshly fetched route into a signable transaction.
type Materializer struct {
	provider Provider
	opts     MaterializeOptions
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewMaterializer creates a materializer that builds transactions with opts.
func NewMaterializer(provider Provider, opts MaterializeOptions, m *metrics.Metrics, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Materializer{
		provider: provider,
		opts:     opts,
		metrics:  m,
		logger:   logger,
	}
}

// Materialize returns the transaction for route. A transaction the provider
// already attached to the quote is used as-is; otherwise the provider is
// asked to build one.
func (m *Materializer) Materialize(ctx context.Context, route *Route, wallet solana.PublicKey) (*Materialized, error) {
	out, err := m.materialize(ctx, route, wallet)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	if m.metrics != nil {
		m.metrics.RecordMaterialization(m.provider.Backend(), outcome)
	}
	if err != nil {
		m.logger.ErrorContext(ctx, "failed to materialize route", "wallet", wallet.String(), "error", err)
		return nil, err
	}
	return out, nil
}

func (m *Materializer) materialize(ctx context.Context, route *Route, wallet solana.PublicKey) (*Materialized, error) {
	if route == nil {
		return nil, fmt.Errorf("no route to materialize")
	}

	if encoded, ok := route.SignableTransaction(); ok {
		tx, err := DecodeTransaction(encoded)
		if err != nil {
			return nil, err
		}
		return &Materialized{Transaction: tx, ExpiryHeight: route.ExpiryHeight()}, nil
	}

	return m.provider.Materialize(ctx, route, wallet, m.opts)
}

// DecodeTransaction parses a base64 wire transaction.
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction encoding: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}
