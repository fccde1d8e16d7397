package config

import (
	"os"
	"testing"
	"time"

	"github.com/brojonat/stockswap/service/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testStockMint = "So11111111111111111111111111111111111111112"

func TestLoadEngine_Defaults(t *testing.T) {
	os.Setenv("SOLANA_RPC_URL", "https://rpc.example.com")
	os.Setenv("STOCK_MINT", testStockMint)
	defer cleanupEnv()

	cfg, err := LoadEngine()
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.QuoteDebounce)
	assert.Equal(t, 60*time.Second, cfg.ConfirmationTimeout)
	assert.Equal(t, 2*time.Second, cfg.ConfirmationPollInterval)
	assert.Equal(t, 3, cfg.SendMaxRetries)
	assert.Equal(t, 250, cfg.DefaultSlippageBps)
	assert.Equal(t, "veryHigh", cfg.PriorityLevel)
	assert.Empty(t, cfg.QuoteAPIKey)

	stock := cfg.StockAsset()
	assert.Equal(t, testStockMint, stock.Mint.String())
	assert.Equal(t, int32(8), stock.Decimals)
	assert.Equal(t, solana.Token2022ProgramID, stock.TokenProgram())

	pay := cfg.PayAssets()
	assert.Equal(t, DefaultUSDCMint, pay["USDC"].Mint.String())
	assert.Equal(t, DefaultUSDTMint, pay["USDT"].Mint.String())
	assert.Equal(t, int32(6), pay["USDT"].Decimals)
}

func TestLoadEngine_Errors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing rpc and mint",
			env:     map[string]string{},
			wantErr: "SOLANA_RPC_URL is required",
		},
		{
			name:    "bad mint",
			env:     map[string]string{"SOLANA_RPC_URL": "http://x", "STOCK_MINT": "not-a-key"},
			wantErr: "STOCK_MINT: invalid address",
		},
		{
			name:    "bad debounce",
			env:     map[string]string{"SOLANA_RPC_URL": "http://x", "STOCK_MINT": testStockMint, "QUOTE_DEBOUNCE": "soon"},
			wantErr: "QUOTE_DEBOUNCE: invalid duration",
		},
		{
			name:    "bad slippage",
			env:     map[string]string{"SOLANA_RPC_URL": "http://x", "STOCK_MINT": testStockMint, "DEFAULT_SLIPPAGE_BPS": "0"},
			wantErr: "DefaultSlippageBps",
		},
		{
			name:    "timeout shorter than poll",
			env:     map[string]string{"SOLANA_RPC_URL": "http://x", "STOCK_MINT": testStockMint, "CONFIRMATION_TIMEOUT": "1s"},
			wantErr: "ConfirmationTimeout must be greater",
		},
		{
			name:    "bad priority",
			env:     map[string]string{"SOLANA_RPC_URL": "http://x", "STOCK_MINT": testStockMint, "PRIORITY_LEVEL": "ludicrous"},
			wantErr: "PriorityLevel",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer cleanupEnv()
			for k, v := range tt.env {
				os.Setenv(k, v)
			}
			cfg, err := LoadEngine()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMustLoadEngine_Panics(t *testing.T) {
	defer cleanupEnv()
	assert.Panics(t, func() { MustLoadEngine() })
}
