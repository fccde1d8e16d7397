package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/brojonat/stockswap/client"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTrade(direction, status string) *client.Trade {
	return &client.Trade{
		ID:                   "7f0c1a6e-0000-4000-8000-000000000001",
		Wallet:               "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		Direction:            direction,
		Symbol:               "AAPLx",
		TokenAmount:          decimal.RequireFromString("0.25"),
		QuoteAssetAmount:     decimal.RequireFromString("57.5"),
		PricePerToken:        decimal.RequireFromString("230"),
		TransactionSignature: "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW",
		Status:               status,
		RecordedAt:           time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestMatchTrade(t *testing.T) {
	tests := []struct {
		name        string
		trade       *client.Trade
		filters     []string
		expectMatch bool
		expectErr   bool
	}{
		{
			name:        "no filters match everything",
			trade:       sampleTrade("buy", "recorded"),
			expectMatch: true,
		},
		{
			name:        "direction match",
			trade:       sampleTrade("buy", "recorded"),
			filters:     []string{`.direction == "buy"`},
			expectMatch: true,
		},
		{
			name:        "direction mismatch",
			trade:       sampleTrade("sell", "recorded"),
			filters:     []string{`.direction == "buy"`},
			expectMatch: false,
		},
		{
			name:        "all filters must match",
			trade:       sampleTrade("buy", "recorded"),
			filters:     []string{`.direction == "buy"`, `.status == "verified"`},
			expectMatch: false,
		},
		{
			name:        "decimal fields compare as numbers after tonumber",
			trade:       sampleTrade("buy", "verified"),
			filters:     []string{`(.price_per_token | tonumber) > 200`},
			expectMatch: true,
		},
		{
			name:        "missing field is null and falsy",
			trade:       sampleTrade("buy", "recorded"),
			filters:     []string{`.failure_reason`},
			expectMatch: false,
		},
		{
			name:      "runtime error is reported",
			trade:     sampleTrade("buy", "recorded"),
			filters:   []string{`.symbol | tonumber`},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes, err := compileFilters(tt.filters)
			require.NoError(t, err)

			matched, err := matchTrade(tt.trade, codes)
			if tt.expectErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectMatch, matched)
		})
	}
}

func TestCompileFilters_Invalid(t *testing.T) {
	_, err := compileFilters([]string{`.direction ==`})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid jq filter")
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy(map[string]interface{}{}))
}

func TestListTradesCommand(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/trades", r.URL.Path)
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"trades": []*client.Trade{sampleTrade("buy", "verified"), sampleTrade("sell", "recorded")},
		})
	}))
	defer server.Close()

	app := newApp()
	err := app.Run([]string{"stockswap", "--journal-url", server.URL, "trades", "list",
		"--wallet", "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM",
		"--limit", "10",
		"--jq", `.direction == "buy"`,
	})
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "wallet=9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM")
	assert.Contains(t, gotQuery, "limit=10")
}

func TestListTradesCommand_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid wallet address"}`))
	}))
	defer server.Close()

	app := newApp()
	err := app.Run([]string{"stockswap", "--journal-url", server.URL, "trades", "list", "--wallet", "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid wallet address")
}

func TestListTradesCommand_RequiresJournalURL(t *testing.T) {
	t.Setenv("JOURNAL_URL", "")

	app := newApp()
	err := app.Run([]string{"stockswap", "trades", "list"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal-url is required")
}
