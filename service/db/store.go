package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/stockswap/service/metrics"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

// ErrTradeNotFound is returned when no trade matches the lookup.
var ErrTradeNotFound = errors.New("trade not found")

// Trade statuses. A trade starts as recorded and moves to verified or failed
// once its signature has been checked on-chain.
const (
	TradeStatusRecorded = "recorded"
	TradeStatusVerified = "verified"
	TradeStatusFailed   = "failed"
)

// Store provides database operations for the trade journal.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
// m may be nil.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Trade is a journaled swap.
type Trade struct {
	ID                   string
	WalletAddress        string
	Direction            string // "buy" or "sell"
	Symbol               string
	TokenAmount          decimal.Decimal
	QuoteAssetAmount     decimal.Decimal
	PricePerToken        decimal.Decimal
	TransactionSignature string
	Status               string
	FailureReason        *string
	RecordedAt           time.Time
	VerifiedAt           *time.Time
}

// CreateTradeParams contains the parameters for recording a trade.
type CreateTradeParams struct {
	WalletAddress        string
	Direction            string
	Symbol               string
	TokenAmount          decimal.Decimal
	QuoteAssetAmount     decimal.Decimal
	PricePerToken        decimal.Decimal
	TransactionSignature string
}

// ListTradesParams contains filter and pagination parameters. An empty
// WalletAddress lists every wallet.
type ListTradesParams struct {
	WalletAddress string
	Limit         int32
	Offset        int32
}

const tradeColumns = `id::text, wallet_address, direction, symbol,
	token_amount::text, quote_asset_amount::text, price_per_token::text,
	transaction_signature, status, failure_reason, recorded_at, verified_at`

// EnsureSchema creates the trades table and indexes if they don't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// CreateTrade records a trade. Recording is idempotent on the transaction
// signature: a duplicate returns the existing trade and created=false.
func (s *Store) CreateTrade(ctx context.Context, params CreateTradeParams) (trade *Trade, created bool, err error) {
	defer s.observe("create", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `
		INSERT INTO trades (
			id, wallet_address, direction, symbol,
			token_amount, quote_asset_amount, price_per_token, transaction_signature
		) VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8)
		ON CONFLICT (transaction_signature) DO NOTHING
		RETURNING `+tradeColumns,
		uuid.New(),
		params.WalletAddress,
		params.Direction,
		params.Symbol,
		params.TokenAmount.String(),
		params.QuoteAssetAmount.String(),
		params.PricePerToken.String(),
		params.TransactionSignature,
	)

	trade, err = scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.GetTradeBySignature(ctx, params.TransactionSignature)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert trade: %w", err)
	}
	return trade, true, nil
}

// GetTradeBySignature retrieves a trade by its transaction signature.
func (s *Store) GetTradeBySignature(ctx context.Context, signature string) (trade *Trade, err error) {
	defer s.observe("get", time.Now(), &err)

	row := s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM trades WHERE transaction_signature = $1`, signature)
	trade, err = scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return trade, nil
}

// ListTrades returns trades newest first.
func (s *Store) ListTrades(ctx context.Context, params ListTradesParams) (trades []*Trade, err error) {
	defer s.observe("list", time.Now(), &err)

	if params.Limit <= 0 {
		params.Limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+tradeColumns+`
		FROM trades
		WHERE ($1 = '' OR wallet_address = $1)
		ORDER BY recorded_at DESC, id
		LIMIT $2 OFFSET $3`,
		params.WalletAddress, params.Limit, params.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	defer rows.Close()

	trades = make([]*Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list trades: %w", err)
	}
	return trades, nil
}

// UpdateTradeStatus sets a trade's verification outcome. reason is stored
// for failed trades and may be nil.
func (s *Store) UpdateTradeStatus(ctx context.Context, signature, status string, reason *string) (trade *Trade, err error) {
	defer s.observe("update_status", time.Now(), &err)

	switch status {
	case TradeStatusRecorded, TradeStatusVerified, TradeStatusFailed:
	default:
		return nil, fmt.Errorf("invalid trade status %q", status)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE trades
		SET status = $2,
		    failure_reason = $3,
		    verified_at = CASE WHEN $2 = 'recorded' THEN NULL ELSE NOW() END
		WHERE transaction_signature = $1
		RETURNING `+tradeColumns,
		signature, status, pgtextFromStringPtr(reason),
	)
	trade, err = scanTrade(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update trade status: %w", err)
	}
	return trade, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) observe(op string, start time.Time, err *error) {
	if s.metrics == nil {
		return
	}
	var e error
	if err != nil && !errors.Is(*err, ErrTradeNotFound) {
		e = *err
	}
	s.metrics.RecordDBQuery(op, "trades", time.Since(start).Seconds(), e)
}

func scanTrade(row pgx.Row) (*Trade, error) {
	var (
		t                               Trade
		tokenAmount, quoteAmount, price string
		failureReason                   pgtype.Text
		recordedAt, verifiedAt          pgtype.Timestamptz
	)
	err := row.Scan(
		&t.ID,
		&t.WalletAddress,
		&t.Direction,
		&t.Symbol,
		&tokenAmount,
		&quoteAmount,
		&price,
		&t.TransactionSignature,
		&t.Status,
		&failureReason,
		&recordedAt,
		&verifiedAt,
	)
	if err != nil {
		return nil, err
	}

	if t.TokenAmount, err = decimal.NewFromString(tokenAmount); err != nil {
		return nil, fmt.Errorf("invalid token_amount %q: %w", tokenAmount, err)
	}
	if t.QuoteAssetAmount, err = decimal.NewFromString(quoteAmount); err != nil {
		return nil, fmt.Errorf("invalid quote_asset_amount %q: %w", quoteAmount, err)
	}
	if t.PricePerToken, err = decimal.NewFromString(price); err != nil {
		return nil, fmt.Errorf("invalid price_per_token %q: %w", price, err)
	}
	t.FailureReason = stringPtrFromPgtext(failureReason)
	t.RecordedAt = recordedAt.Time
	t.VerifiedAt = timePtrFromPgTimestamptz(verifiedAt)
	return &t, nil
}

func pgtextFromStringPtr(s *string) pgtype.Text {
	if s == nil {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: *s, Valid: true}
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
