package config

import (
	"fmt"
	"os"
	"time"

	"github.com/brojonat/stockswap/service/solana"
	solanago "github.com/gagliardetto/solana-go"
)

// Well-known stable asset mints on mainnet.
const (
	DefaultUSDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	DefaultUSDTMint = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
)

// EngineConfig configures the swap engine run by the CLI.
type EngineConfig struct {
	LogLevel string

	// Ledger
	SolanaRPCURL             string
	SendMaxRetries           int
	ConfirmationTimeout      time.Duration
	ConfirmationPollInterval time.Duration
	BalancePollInterval      time.Duration

	// Aggregator. A non-empty QuoteAPIKey selects the keyed backend.
	QuoteAPIKey    string
	QuoteKeyedURL  string
	QuoteLegacyURL string
	QuoteDebounce  time.Duration

	PriorityLevel       string
	PriorityMaxLamports int
	DefaultSlippageBps  int

	// Trade pair
	StockSymbol       string
	StockMint         solanago.PublicKey
	StockDecimals     int
	StockTokenProgram solanago.PublicKey
	USDCMint          solanago.PublicKey
	USDTMint          solanago.PublicKey
	PayDecimals       int

	// Journal and wallet
	JournalURL    string
	WalletKeypair string
}

// LoadEngine reads the engine configuration from environment variables and
// reports every problem at once.
func LoadEngine() (*EngineConfig, error) {
	cfg := &EngineConfig{}
	var errs []error

	// the CLI draws spinners on stderr, so only warnings and errors are logged by default
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "warn")

	cfg.SolanaRPCURL = os.Getenv("SOLANA_RPC_URL")
	if cfg.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SOLANA_RPC_URL is required"))
	}

	cfg.QuoteAPIKey = os.Getenv("QUOTE_API_KEY")
	cfg.QuoteKeyedURL = getEnvOrDefault("QUOTE_KEYED_URL", "https://api.jup.ag/swap/v1")
	cfg.QuoteLegacyURL = getEnvOrDefault("QUOTE_LEGACY_URL", "https://quote-api.jup.ag/v6")
	cfg.PriorityLevel = getEnvOrDefault("PRIORITY_LEVEL", "veryHigh")
	cfg.StockSymbol = getEnvOrDefault("STOCK_SYMBOL", "AAPLx")
	cfg.JournalURL = os.Getenv("JOURNAL_URL")
	cfg.WalletKeypair = os.Getenv("WALLET_KEYPAIR")

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"QUOTE_DEBOUNCE", "500ms", &cfg.QuoteDebounce},
		{"CONFIRMATION_TIMEOUT", "60s", &cfg.ConfirmationTimeout},
		{"CONFIRMATION_POLL_INTERVAL", "2s", &cfg.ConfirmationPollInterval},
		{"BALANCE_POLL_INTERVAL", "30s", &cfg.BalancePollInterval},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = v
	}

	ints := []struct {
		key string
		def int
		dst *int
	}{
		{"SEND_MAX_RETRIES", 3, &cfg.SendMaxRetries},
		{"PRIORITY_MAX_LAMPORTS", 1_000_000, &cfg.PriorityMaxLamports},
		{"DEFAULT_SLIPPAGE_BPS", 250, &cfg.DefaultSlippageBps},
		{"STOCK_DECIMALS", 8, &cfg.StockDecimals},
		{"PAY_DECIMALS", 6, &cfg.PayDecimals},
	}
	for _, i := range ints {
		v, err := parseInt(i.key, i.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*i.dst = v
	}

	if os.Getenv("STOCK_MINT") == "" {
		errs = append(errs, fmt.Errorf("STOCK_MINT is required"))
	} else if key, err := parsePublicKey("STOCK_MINT", ""); err != nil {
		errs = append(errs, err)
	} else {
		cfg.StockMint = key
	}

	mints := []struct {
		key string
		def string
		dst *solanago.PublicKey
	}{
		{"STOCK_TOKEN_PROGRAM", solana.Token2022ProgramID.String(), &cfg.StockTokenProgram},
		{"USDC_MINT", DefaultUSDCMint, &cfg.USDCMint},
		{"USDT_MINT", DefaultUSDTMint, &cfg.USDTMint},
	}
	for _, m := range mints {
		key, err := parsePublicKey(m.key, m.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*m.dst = key
	}

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// MustLoadEngine is like LoadEngine but panics if configuration is invalid.
func MustLoadEngine() *EngineConfig {
	cfg, err := LoadEngine()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks value ranges without touching the environment.
func (c *EngineConfig) Validate() error {
	var errs []error

	if c.SolanaRPCURL == "" {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	if c.StockMint.IsZero() {
		errs = append(errs, fmt.Errorf("StockMint is required"))
	}

	if c.StockDecimals < 0 || c.StockDecimals > 18 {
		errs = append(errs, fmt.Errorf("StockDecimals must be between 0 and 18"))
	}

	if c.PayDecimals < 0 || c.PayDecimals > 18 {
		errs = append(errs, fmt.Errorf("PayDecimals must be between 0 and 18"))
	}

	if c.DefaultSlippageBps <= 0 || c.DefaultSlippageBps > 10_000 {
		errs = append(errs, fmt.Errorf("DefaultSlippageBps must be between 1 and 10000"))
	}

	if c.SendMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("SendMaxRetries cannot be negative"))
	}

	if c.ConfirmationPollInterval <= 0 || c.ConfirmationTimeout <= c.ConfirmationPollInterval {
		errs = append(errs, fmt.Errorf("ConfirmationTimeout must be greater than ConfirmationPollInterval"))
	}

	switch c.PriorityLevel {
	case "", "medium", "high", "veryHigh":
	default:
		errs = append(errs, fmt.Errorf("PriorityLevel must be one of medium, high, veryHigh"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// StockAsset describes the tokenized stock being traded.
func (c *EngineConfig) StockAsset() solana.Asset {
	return solana.Asset{
		Symbol:   c.StockSymbol,
		Mint:     c.StockMint,
		Decimals: int32(c.StockDecimals),
		Program:  c.StockTokenProgram,
	}
}

// PayAssets returns the stable assets keyed by symbol.
func (c *EngineConfig) PayAssets() map[string]solana.Asset {
	return map[string]solana.Asset{
		"USDC": {Symbol: "USDC", Mint: c.USDCMint, Decimals: int32(c.PayDecimals)},
		"USDT": {Symbol: "USDT", Mint: c.USDTMint, Decimals: int32(c.PayDecimals)},
	}
}

// parsePublicKey parses a base58 account address from an environment
// variable or uses a default.
func parsePublicKey(key, defaultValue string) (solanago.PublicKey, error) {
	value := getEnvOrDefault(key, defaultValue)
	pk, err := solanago.PublicKeyFromBase58(value)
	if err != nil {
		return solanago.PublicKey{}, fmt.Errorf("%s: invalid address %q: %w", key, value, err)
	}
	return pk, nil
}
