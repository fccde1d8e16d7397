package swap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brojonat/stockswap/service/metrics"
	"github.com/brojonat/stockswap/service/solana"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// ErrPayAssetChanged is returned by Refresh when the pay asset was switched
// while balances were being read. The read is discarded.
var ErrPayAssetChanged = errors.New("pay asset changed during balance refresh")

// BalanceOracle reports current holdings.
type BalanceOracle interface {
	GetBalances(ctx context.Context, owner solanago.PublicKey, pay, trade solana.Asset) (solana.Balances, error)
}

// BalanceSnapshot is a point-in-time balance read. Snapshots are replaced,
// never modified.
type BalanceSnapshot struct {
	PayAsset          string
	PayAssetBalance   decimal.Decimal
	TradeAssetBalance decimal.Decimal
	FetchedAt         time.Time
}

// BalanceWatcher keeps the latest BalanceSnapshot for one wallet. It is the
// only writer of snapshots; the swap pipeline only reads them.
type BalanceWatcher struct {
	oracle   BalanceOracle
	owner    solanago.PublicKey
	trade    solana.Asset
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu  sync.Mutex
	pay solana.Asset

	snap atomic.Pointer[BalanceSnapshot]
}

// NewBalanceWatcher creates a watcher for owner's pay and trade balances.
func NewBalanceWatcher(oracle BalanceOracle, owner solanago.PublicKey, pay, trade solana.Asset, interval time.Duration, m *metrics.Metrics, logger *slog.Logger) *BalanceWatcher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &BalanceWatcher{
		oracle:   oracle,
		owner:    owner,
		trade:    trade,
		pay:      pay,
		interval: interval,
		metrics:  m,
		logger:   logger,
	}
}

// Run refreshes immediately and then on every interval until ctx is done.
func (w *BalanceWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.Refresh(ctx, "poll")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Refresh(ctx, "poll")
		}
	}
}

// Refresh reads balances now and publishes a new snapshot. trigger labels
// metrics and logs ("poll", "success", "pay_asset", "manual").
func (w *BalanceWatcher) Refresh(ctx context.Context, trigger string) (*BalanceSnapshot, error) {
	w.mu.Lock()
	pay := w.pay
	w.mu.Unlock()

	bal, err := w.oracle.GetBalances(ctx, w.owner, pay, w.trade)
	if w.metrics != nil {
		w.metrics.RecordBalanceRefresh(trigger, err)
	}
	if err != nil {
		w.logger.WarnContext(ctx, "balance refresh failed", "trigger", trigger, "error", err)
		return nil, err
	}

	snap := &BalanceSnapshot{
		PayAsset:          pay.Symbol,
		PayAssetBalance:   bal.Pay,
		TradeAssetBalance: bal.Trade,
		FetchedAt:         time.Now(),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pay.Symbol != pay.Symbol {
		return nil, ErrPayAssetChanged
	}
	w.snap.Store(snap)

	w.logger.DebugContext(ctx, "balances refreshed",
		"trigger", trigger,
		"pay_asset", pay.Symbol,
		"pay_balance", bal.Pay.String(),
		"trade_balance", bal.Trade.String(),
	)
	return snap, nil
}

// Snapshot returns the latest snapshot, or nil before the first read.
func (w *BalanceWatcher) Snapshot() *BalanceSnapshot {
	return w.snap.Load()
}

// SetPayAsset switches the pay asset. A switch drops the current snapshot
// and refreshes in the background.
func (w *BalanceWatcher) SetPayAsset(ctx context.Context, pay solana.Asset) {
	w.mu.Lock()
	if w.pay.Symbol == pay.Symbol {
		w.mu.Unlock()
		return
	}
	w.pay = pay
	w.snap.Store(nil)
	w.mu.Unlock()

	go w.Refresh(ctx, "pay_asset")
}

// TradeAsset is the stock side of the pair.
func (w *BalanceWatcher) TradeAsset() solana.Asset {
	return w.trade
}
