package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	"github.com/brojonat/stockswap/client"
	"github.com/brojonat/stockswap/service/config"
	"github.com/brojonat/stockswap/service/quote"
	"github.com/brojonat/stockswap/service/recorder"
	"github.com/brojonat/stockswap/service/solana"
	"github.com/brojonat/stockswap/service/swap"
	"github.com/brojonat/stockswap/service/wallet"
)

var errNoWallet = errors.New("WALLET_KEYPAIR is required for this command")

// engine is the wired swap stack for one CLI invocation.
type engine struct {
	cfg          *config.EngineConfig
	ledger       *solana.Client
	fetcher      *quote.Fetcher
	materializer *quote.Materializer
	wallet       *wallet.KeypairWallet // nil without WALLET_KEYPAIR
	logger       *slog.Logger
}

// newEngine connects the ledger, aggregator and wallet described by cfg.
// approve is asked before every signature.
func newEngine(cfg *config.EngineConfig, approve wallet.Approver, logger *slog.Logger) (*engine, error) {
	ledgerCfg := solana.DefaultConfig()
	ledgerCfg.Endpoint = endpointLabel(cfg.SolanaRPCURL)
	ledgerCfg.SendMaxRetries = cfg.SendMaxRetries
	ledgerCfg.ConfirmationTimeout = cfg.ConfirmationTimeout
	ledgerCfg.PollInterval = cfg.ConfirmationPollInterval
	ledger := solana.NewClient(solana.NewRPCClient(cfg.SolanaRPCURL), ledgerCfg, nil, logger)

	provider := quote.NewProvider(quote.ProviderConfig{
		APIKey:    cfg.QuoteAPIKey,
		KeyedURL:  cfg.QuoteKeyedURL,
		LegacyURL: cfg.QuoteLegacyURL,
	}, nil, logger)

	opts := quote.DefaultMaterializeOptions()
	opts.PriorityLevel = cfg.PriorityLevel
	opts.MaxPriorityLamports = uint64(cfg.PriorityMaxLamports)

	e := &engine{
		cfg:          cfg,
		ledger:       ledger,
		fetcher:      quote.NewFetcher(provider, cfg.QuoteDebounce, nil, logger),
		materializer: quote.NewMaterializer(provider, opts, nil, logger),
		logger:       logger,
	}

	if cfg.WalletKeypair != "" {
		key := cfg.WalletKeypair
		// a path to a file holding the key is accepted too
		if raw, err := os.ReadFile(key); err == nil {
			key = strings.TrimSpace(string(raw))
		}
		w, err := wallet.NewKeypairWallet(key, approve, logger)
		if err != nil {
			return nil, err
		}
		e.wallet = w
	}

	logger.Debug("engine initialized",
		"backend", provider.Backend(),
		"rpc_endpoint", endpointLabel(cfg.SolanaRPCURL),
		"stock", cfg.StockSymbol,
		"wallet_configured", e.wallet != nil,
	)
	return e, nil
}

// payAsset resolves a --pay flag value.
func (e *engine) payAsset(symbol string) (solana.Asset, error) {
	asset, ok := e.cfg.PayAssets()[strings.ToUpper(symbol)]
	if !ok {
		return solana.Asset{}, fmt.Errorf("unsupported pay asset %q: must be USDC or USDT", symbol)
	}
	return asset, nil
}

// balances returns a watcher for the configured wallet.
func (e *engine) balances(pay solana.Asset) (*swap.BalanceWatcher, error) {
	if e.wallet == nil {
		return nil, errNoWallet
	}
	return swap.NewBalanceWatcher(e.ledger, e.wallet.PublicKey(), pay, e.cfg.StockAsset(), e.cfg.BalancePollInterval, nil, e.logger), nil
}

// session wires a swap session. Trades are journaled when journalURL is set.
func (e *engine) session(balances *swap.BalanceWatcher, journalURL string) (*swap.Session, error) {
	if e.wallet == nil {
		return nil, errNoWallet
	}

	deps := swap.Dependencies{
		Fetcher:      e.fetcher,
		Materializer: e.materializer,
		Wallet:       e.wallet,
		Ledger:       e.ledger,
		Balances:     balances,
		Logger:       e.logger,
	}
	if journalURL != "" {
		journal := client.NewClient(journalURL, nil, e.logger)
		deps.Recorder = recorder.New(journal, e.wallet, nil, e.logger)
	}
	return e.newSession(deps), nil
}

// quoteSession wires a session that only quotes. It must never be submitted.
func (e *engine) quoteSession() *swap.Session {
	return e.newSession(swap.Dependencies{
		Fetcher:      e.fetcher,
		Materializer: e.materializer,
		Ledger:       e.ledger,
		Logger:       e.logger,
	})
}

func (e *engine) newSession(deps swap.Dependencies) *swap.Session {
	payAssets := make(map[swap.PairToken]solana.Asset)
	for symbol, asset := range e.cfg.PayAssets() {
		payAssets[swap.PairToken(symbol)] = asset
	}
	return swap.NewSession(swap.Config{
		Stock:              e.cfg.StockAsset(),
		PayAssets:          payAssets,
		DefaultSlippageBps: e.cfg.DefaultSlippageBps,
	}, deps)
}

// endpointLabel extracts a short identifier from the RPC URL for metrics and logs.
func endpointLabel(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		return "unknown"
	}
	host := parsed.Hostname()
	for _, provider := range []string{"helius", "quiknode", "alchemy", "triton", "rpcpool", "mainnet", "devnet", "testnet"} {
		if strings.Contains(host, provider) {
			return provider
		}
	}
	return host
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelWarn
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadEngine reads the engine config and builds the engine with approve.
func loadEngine(approve wallet.Approver) (*engine, error) {
	cfg, err := config.LoadEngine()
	if err != nil {
		return nil, err
	}
	return newEngine(cfg, approve, setupLogger(cfg.LogLevel))
}
