package solana

import (
	"context"
	"log/slog"
	"time"

	"github.com/brojonat/stockswap/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// RPCClient is the subset of the Solana RPC API the engine uses.
// It lets tests replace the ledger without hitting real nodes.
type RPCClient interface {
	SendTransactionWithOpts(
		ctx context.Context,
		tx *solana.Transaction,
		opts rpc.TransactionOpts,
	) (solana.Signature, error)

	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		signatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)

	GetBlockHeight(ctx context.Context, commitment rpc.CommitmentType) (uint64, error)

	GetBalance(
		ctx context.Context,
		account solana.PublicKey,
		commitment rpc.CommitmentType,
	) (*rpc.GetBalanceResult, error)

	GetTokenAccountBalance(
		ctx context.Context,
		account solana.PublicKey,
		commitment rpc.CommitmentType,
	) (*rpc.GetTokenAccountBalanceResult, error)
}

// Config controls broadcast retries and the confirmation race.
type Config struct {
	// Endpoint labels metrics (e.g. "mainnet" or the RPC host).
	Endpoint string

	// SendMaxRetries is how many times a transient send failure is retried.
	// It is also handed to the RPC node as its own rebroadcast budget.
	SendMaxRetries int
	SendBackoff    time.Duration

	ConfirmationTimeout time.Duration
	PollInterval        time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:            "mainnet",
		SendMaxRetries:      3,
		SendBackoff:         500 * time.Millisecond,
		ConfirmationTimeout: 60 * time.Second,
		PollInterval:        2 * time.Second,
	}
}

// Client submits transactions, watches them land and reads balances.
type Client struct {
	rpc     RPCClient
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewClient creates a new Solana client. Zero config fields take their
// DefaultConfig values. If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.SendMaxRetries < 0 {
		cfg.SendMaxRetries = 0
	}
	if cfg.SendBackoff <= 0 {
		cfg.SendBackoff = def.SendBackoff
	}
	if cfg.ConfirmationTimeout <= 0 {
		cfg.ConfirmationTimeout = def.ConfirmationTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		rpc:     rpcClient,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// observe records an RPC call's outcome and duration.
func (c *Client) observe(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.cfg.Endpoint, time.Since(start).Seconds())
}
