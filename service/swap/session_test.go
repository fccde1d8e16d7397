package swap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/stockswap/client"
	"github.com/brojonat/stockswap/service/quote"
	"github.com/brojonat/stockswap/service/recorder"
	"github.com/brojonat/stockswap/service/solana"
	"github.com/brojonat/stockswap/service/wallet"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testStock = solana.Asset{Symbol: "AAPLx", Mint: solanago.NewWallet().PublicKey(), Decimals: 8, Program: solana.Token2022ProgramID}
	testUSDC  = solana.Asset{Symbol: "USDC", Mint: solanago.NewWallet().PublicKey(), Decimals: 6}
	testUSDT  = solana.Asset{Symbol: "USDT", Mint: solanago.NewWallet().PublicKey(), Decimals: 6}
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// fakeProvider prices every request at half its input amount unless
// respond is set.
type fakeProvider struct {
	mu       sync.Mutex
	requests []quote.Request
	respond  func(req quote.Request) (*quote.Route, error)
	buildErr error
}

func (p *fakeProvider) Backend() string { return "fake" }

func (p *fakeProvider) Quote(ctx context.Context, req quote.Request) (*quote.Route, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	n := len(p.requests)
	respond := p.respond
	p.mu.Unlock()

	if respond != nil {
		return respond(req)
	}
	return &quote.Route{
		InputMint:  req.InputMint,
		OutputMint: req.OutputMint,
		InAmount:   req.Amount,
		OutAmount:  req.Amount/2 + uint64(n),
		Backend:    "fake",
	}, nil
}

func (p *fakeProvider) Materialize(ctx context.Context, route *quote.Route, owner solanago.PublicKey, opts quote.MaterializeOptions) (*quote.Materialized, error) {
	if p.buildErr != nil {
		return nil, p.buildErr
	}
	tx, err := solanago.NewTransaction(
		[]solanago.Instruction{system.NewTransferInstruction(1, owner, solanago.NewWallet().PublicKey()).Build()},
		solanago.Hash{9},
		solanago.TransactionPayer(owner),
	)
	if err != nil {
		return nil, err
	}
	return &quote.Materialized{Transaction: tx, ExpiryHeight: 1_000}, nil
}

func (p *fakeProvider) quoteCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type fakeLedger struct {
	submitErr  error
	confirmErr error
	submitted  atomic.Int32
}

func (l *fakeLedger) Submit(ctx context.Context, tx *solanago.Transaction) (solanago.Signature, error) {
	l.submitted.Add(1)
	if l.submitErr != nil {
		return solanago.Signature{}, l.submitErr
	}
	return tx.Signatures[0], nil
}

func (l *fakeLedger) AwaitConfirmation(ctx context.Context, sig solanago.Signature, expiryHeight uint64) error {
	return l.confirmErr
}

type fakeRecorder struct {
	facts chan recorder.TradeFacts
}

func (r *fakeRecorder) Record(ctx context.Context, facts recorder.TradeFacts) *client.Trade {
	r.facts <- facts
	return &client.Trade{ID: "t1"}
}

type fixture struct {
	session  *Session
	provider *fakeProvider
	ledger   *fakeLedger
	wallet   *wallet.KeypairWallet
}

func newFixture(t *testing.T, approve wallet.Approver, opts ...func(*Dependencies)) *fixture {
	t.Helper()
	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	f := &fixture{
		provider: &fakeProvider{},
		ledger:   &fakeLedger{},
		wallet:   wallet.NewKeypairWalletFromKey(key, approve, nil),
	}
	deps := Dependencies{
		Fetcher:      quote.NewFetcher(f.provider, 10*time.Millisecond, nil, nil),
		Materializer: quote.NewMaterializer(f.provider, quote.DefaultMaterializeOptions(), nil, nil),
		Wallet:       f.wallet,
		Ledger:       f.ledger,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	f.session = NewSession(Config{
		Stock:     testStock,
		PayAssets: map[PairToken]solana.Asset{USDC: testUSDC, USDT: testUSDT},
	}, deps)
	t.Cleanup(f.session.Close)
	return f
}

func (f *fixture) waitForStatus(t *testing.T, want Status) State {
	t.Helper()
	require.Eventually(t, func() bool { return f.session.State().Status == want }, waitFor, tick)
	return f.session.State()
}

func buyIntent(amt string) Intent {
	return Intent{Direction: Buy, PairToken: USDC, HumanAmount: amt}
}

func TestSession_IntentProducesQuote(t *testing.T) {
	f := newFixture(t, nil)

	f.session.SetIntent(buyIntent("100"))
	assert.Equal(t, StatusFetchingQuote, f.session.State().Status)

	st := f.waitForStatus(t, StatusQuoteReady)
	require.NotNil(t, st.Route)
	assert.Equal(t, uint64(100_000_000), st.Route.InAmount)
	assert.Equal(t, testUSDC.Mint, st.Route.InputMint)
	assert.Equal(t, testStock.Mint, st.Route.OutputMint)
	assert.True(t, st.CanSubmit())

	f.provider.mu.Lock()
	defer f.provider.mu.Unlock()
	require.Len(t, f.provider.requests, 1)
	assert.Equal(t, 250, f.provider.requests[0].SlippageBps)
}

func TestSession_SellQuotesStockForPayAsset(t *testing.T) {
	f := newFixture(t, nil)

	f.session.SetIntent(Intent{Direction: Sell, PairToken: USDT, HumanAmount: "0.5", SlippageBps: 100})
	st := f.waitForStatus(t, StatusQuoteReady)

	assert.Equal(t, testStock.Mint, st.Route.InputMint)
	assert.Equal(t, testUSDT.Mint, st.Route.OutputMint)
	assert.Equal(t, uint64(50_000_000), st.Route.InAmount)
}

func TestSession_InvalidIntentIsIdle(t *testing.T) {
	f := newFixture(t, nil)

	for _, amt := range []string{"", "0", "abc", "-5"} {
		f.session.SetIntent(buyIntent(amt))
		assert.Equal(t, StatusIdle, f.session.State().Status, amt)
	}
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 0, f.provider.quoteCount())
}

func TestSession_StaleQuoteIsDiscarded(t *testing.T) {
	f := newFixture(t, nil)

	started := make(chan struct{})
	release := make(chan struct{})
	f.provider.respond = func(req quote.Request) (*quote.Route, error) {
		if req.Amount == 1_000_000 {
			close(started)
			<-release
		}
		return &quote.Route{InputMint: req.InputMint, OutputMint: req.OutputMint, InAmount: req.Amount, OutAmount: req.Amount}, nil
	}

	f.session.SetIntent(buyIntent("1"))
	<-started
	f.session.SetIntent(buyIntent("2"))

	st := f.waitForStatus(t, StatusQuoteReady)
	assert.Equal(t, uint64(2_000_000), st.Route.InAmount)

	close(release)
	time.Sleep(40 * time.Millisecond)
	st = f.session.State()
	assert.Equal(t, StatusQuoteReady, st.Status)
	assert.Equal(t, uint64(2_000_000), st.Route.InAmount)
}

func TestSession_NoRouteReturnsToIdle(t *testing.T) {
	f := newFixture(t, nil)
	f.provider.respond = func(quote.Request) (*quote.Route, error) { return nil, quote.ErrNoRoute }

	f.session.SetIntent(buyIntent("1000000"))
	require.Eventually(t, func() bool {
		st := f.session.State()
		return st.Status == StatusIdle && st.LastError != nil
	}, waitFor, tick)

	st := f.session.State()
	assert.Equal(t, KindNoRoute, st.LastError.Kind)
	assert.False(t, st.SuppressAutoRefetch)

	// no automatic retry
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, f.provider.quoteCount())
}

func TestSession_SubmitSucceedsWithOneFreshQuote(t *testing.T) {
	rec := &fakeRecorder{facts: make(chan recorder.TradeFacts, 1)}
	f := newFixture(t, nil, func(d *Dependencies) { d.Recorder = rec })

	var mu sync.Mutex
	var statuses []Status
	f.session.OnChange(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		if n := len(statuses); n == 0 || statuses[n-1] != st.Status {
			statuses = append(statuses, st.Status)
		}
	})

	f.session.SetIntent(buyIntent("100"))
	displayed := f.waitForStatus(t, StatusQuoteReady)
	require.Equal(t, 1, f.provider.quoteCount())

	st, err := f.session.Submit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, st.Status)
	assert.Equal(t, 2, f.provider.quoteCount())
	assert.NotEqual(t, displayed.Route.OutAmount, st.Route.OutAmount, "submit must act on the fresh route")
	assert.NotEmpty(t, st.Signature)
	assert.True(t, st.SuppressAutoRefetch)
	assert.False(t, st.Submitting)
	assert.Equal(t, int32(1), f.ledger.submitted.Load())

	mu.Lock()
	assert.Equal(t, []Status{
		StatusFetchingQuote, StatusQuoteReady,
		StatusFetchingQuote, StatusSigning, StatusBroadcasting, StatusConfirming, StatusSuccess,
	}, statuses)
	mu.Unlock()

	select {
	case facts := <-rec.facts:
		assert.Equal(t, "buy", facts.Direction)
		assert.Equal(t, "AAPLx", facts.Symbol)
		assert.Equal(t, st.Signature, facts.TransactionSignature)
		assert.True(t, facts.QuoteAssetAmount.Equal(decimal.NewFromInt(100)))
		assert.True(t, facts.TokenAmount.Equal(decimal.New(int64(st.Route.OutAmount), -8)))
	case <-time.After(waitFor):
		t.Fatal("trade was not recorded")
	}
}

func TestSession_SubmitWithoutQuote(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.session.Submit(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSession_IntentIgnoredWhileSigning(t *testing.T) {
	prompted := make(chan struct{})
	release := make(chan struct{})
	approve := func(ctx context.Context, kind, summary string) (bool, error) {
		close(prompted)
		<-release
		return true, nil
	}
	f := newFixture(t, approve)

	f.session.SetIntent(buyIntent("100"))
	f.waitForStatus(t, StatusQuoteReady)

	done := make(chan State)
	go func() {
		st, _ := f.session.Submit(context.Background())
		done <- st
	}()

	<-prompted
	before := f.session.State()
	require.Equal(t, StatusSigning, before.Status)

	f.session.SetIntent(buyIntent("5"))
	f.session.Refresh()
	time.Sleep(40 * time.Millisecond)

	during := f.session.State()
	assert.Equal(t, StatusSigning, during.Status)
	assert.Same(t, before.Route, during.Route)
	assert.Equal(t, 2, f.provider.quoteCount())

	_, err := f.session.Submit(context.Background())
	assert.ErrorIs(t, err, ErrNotReady, "a second submit must not start")

	close(release)
	st := <-done
	assert.Equal(t, StatusSuccess, st.Status)
	assert.Equal(t, uint64(100_000_000), st.Route.InAmount)
	assert.Equal(t, "100", st.Intent.HumanAmount)
}

func TestSession_PairChangeIgnoredWhileSigning(t *testing.T) {
	prompted := make(chan struct{})
	release := make(chan struct{})
	approve := func(ctx context.Context, kind, summary string) (bool, error) {
		close(prompted)
		<-release
		return true, nil
	}
	oracle := &fakeOracle{balances: solana.Balances{
		Pay:   decimal.NewFromInt(500),
		Trade: decimal.NewFromInt(1),
	}}
	var balances *BalanceWatcher
	f := newFixture(t, approve, func(d *Dependencies) {
		balances = NewBalanceWatcher(oracle, solanago.NewWallet().PublicKey(), testUSDC, testStock, time.Minute, nil, nil)
		d.Balances = balances
	})
	_, err := balances.Refresh(context.Background(), "manual")
	require.NoError(t, err)

	f.session.SetIntent(buyIntent("100"))
	f.waitForStatus(t, StatusQuoteReady)

	done := make(chan State)
	go func() {
		st, _ := f.session.Submit(context.Background())
		done <- st
	}()

	<-prompted
	f.session.SetIntent(Intent{Direction: Sell, PairToken: USDT, HumanAmount: "5"})
	snap := balances.Snapshot()
	require.NotNil(t, snap, "snapshot must survive an ignored pair change")
	assert.Equal(t, testUSDC.Symbol, snap.PayAsset)

	close(release)
	st := <-done
	assert.Equal(t, StatusSuccess, st.Status)
	assert.Equal(t, buyIntent("100"), st.Intent)
}

func TestSession_CancelledBeforeSigning(t *testing.T) {
	f := newFixture(t, nil)
	f.session.SetIntent(buyIntent("100"))
	f.waitForStatus(t, StatusQuoteReady)

	f.provider.respond = func(req quote.Request) (*quote.Route, error) {
		return nil, context.Canceled
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st, err := f.session.Submit(ctx)
	var swapErr *Error
	require.ErrorAs(t, err, &swapErr)
	assert.Equal(t, KindMaterializationFailed, swapErr.Kind)
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, int32(0), f.ledger.submitted.Load())
}

func TestSession_UserRejectedSignature(t *testing.T) {
	decline := func(context.Context, string, string) (bool, error) { return false, nil }
	f := newFixture(t, decline)

	f.session.SetIntent(buyIntent("100"))
	f.waitForStatus(t, StatusQuoteReady)

	st, err := f.session.Submit(context.Background())
	require.Error(t, err)

	assert.Equal(t, StatusError, st.Status)
	require.NotNil(t, st.LastError)
	assert.Equal(t, KindUserRejectedSignature, st.LastError.Kind)
	assert.Equal(t, "User rejected the request.", st.LastError.Message)
	assert.Equal(t, int32(0), f.ledger.submitted.Load())
	assert.True(t, st.SuppressAutoRefetch)
}

func TestSession_RecordingFailureDoesNotAffectSuccess(t *testing.T) {
	// the wallet signs the swap but refuses the journal sign-in
	approve := func(_ context.Context, kind, _ string) (bool, error) { return kind == "transaction", nil }
	journal := &refusingJournal{}
	f := newFixture(t, approve)
	f.session.recorder = recorder.New(journal, f.wallet, nil, nil)

	f.session.SetIntent(buyIntent("100"))
	f.waitForStatus(t, StatusQuoteReady)

	st, err := f.session.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, st.Status)

	f.session.Wait()
	assert.Equal(t, StatusSuccess, f.session.State().Status)
	assert.Nil(t, f.session.State().LastError)
	assert.Equal(t, int32(0), journal.calls.Load())
}

type refusingJournal struct {
	calls atomic.Int32
}

func (j *refusingJournal) Authenticate(ctx context.Context, address, message, signature string) (*client.Credential, error) {
	j.calls.Add(1)
	return nil, client.ErrUnauthorized
}

func (j *refusingJournal) RecordTrade(ctx context.Context, token string, trade client.RecordTradeRequest) (*client.Trade, error) {
	j.calls.Add(1)
	return nil, client.ErrUnauthorized
}

func TestSession_LedgerFailures(t *testing.T) {
	payload := map[string]any{"InstructionError": []any{2, map[string]any{"Custom": 6001}}}

	tests := []struct {
		name       string
		submitErr  error
		confirmErr error
		buildErr   error
		wantKind   ErrorKind
		wantSig    bool
	}{
		{
			name:       "on-chain failure keeps payload",
			confirmErr: &solana.OnChainError{Signature: "sig", Payload: payload},
			wantKind:   KindOnChainExecutionFailed,
			wantSig:    true,
		},
		{
			name:       "confirmation timeout",
			confirmErr: solana.ErrConfirmationTimeout,
			wantKind:   KindConfirmationTimeout,
			wantSig:    true,
		},
		{
			name:       "expired",
			confirmErr: solana.ErrBlockHeightExceeded,
			wantKind:   KindTransactionExpired,
			wantSig:    true,
		},
		{
			name:      "broadcast rejected",
			submitErr: solana.ErrBroadcastRejected,
			wantKind:  KindBroadcastFailed,
		},
		{
			name:     "materialization",
			buildErr: errors.New("simulation failed"),
			wantKind: KindMaterializationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.ledger.submitErr = tt.submitErr
			f.ledger.confirmErr = tt.confirmErr
			f.provider.buildErr = tt.buildErr

			f.session.SetIntent(buyIntent("100"))
			f.waitForStatus(t, StatusQuoteReady)

			st, err := f.session.Submit(context.Background())
			require.Error(t, err)
			assert.Equal(t, StatusError, st.Status)
			require.NotNil(t, st.LastError)
			assert.Equal(t, tt.wantKind, st.LastError.Kind)
			assert.Equal(t, tt.wantSig, st.Signature != "")
			if tt.wantKind == KindOnChainExecutionFailed {
				assert.Equal(t, payload, st.LastError.Payload)
			}
		})
	}
}

func TestSession_InsufficientBalanceStaysReady(t *testing.T) {
	oracle := &fakeOracle{balances: solana.Balances{
		Pay:   decimal.RequireFromString("10"),
		Trade: decimal.Zero,
	}}
	f := newFixture(t, nil, func(d *Dependencies) {
		d.Balances = NewBalanceWatcher(oracle, solanago.NewWallet().PublicKey(), testUSDC, testStock, time.Minute, nil, nil)
	})
	_, err := f.session.balances.Refresh(context.Background(), "manual")
	require.NoError(t, err)

	f.session.SetIntent(buyIntent("10.5"))
	f.waitForStatus(t, StatusQuoteReady)

	st, err := f.session.Submit(context.Background())
	var swapErr *Error
	require.ErrorAs(t, err, &swapErr)
	assert.Equal(t, KindInsufficientBalance, swapErr.Kind)
	assert.Equal(t, StatusQuoteReady, st.Status)
	assert.Equal(t, 1, f.provider.quoteCount(), "nothing leaves the process")
	assert.Equal(t, int32(0), f.ledger.submitted.Load())
}

func TestSession_AmountWithinToleranceIsClamped(t *testing.T) {
	oracle := &fakeOracle{balances: solana.Balances{Pay: decimal.RequireFromString("10")}}
	f := newFixture(t, nil, func(d *Dependencies) {
		d.Balances = NewBalanceWatcher(oracle, solanago.NewWallet().PublicKey(), testUSDC, testStock, time.Minute, nil, nil)
	})
	_, err := f.session.balances.Refresh(context.Background(), "manual")
	require.NoError(t, err)

	f.session.SetIntent(buyIntent("10.00005"))
	f.waitForStatus(t, StatusQuoteReady)

	st, err := f.session.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, st.Status)

	f.provider.mu.Lock()
	defer f.provider.mu.Unlock()
	require.Len(t, f.provider.requests, 2)
	assert.Equal(t, uint64(10_000_050), f.provider.requests[0].Amount)
	assert.Equal(t, uint64(10_000_000), f.provider.requests[1].Amount)
}

func TestSession_RefreshHonoursSuppression(t *testing.T) {
	f := newFixture(t, nil)

	f.session.SetIntent(buyIntent("100"))
	f.waitForStatus(t, StatusQuoteReady)

	f.session.Refresh()
	f.waitForStatus(t, StatusQuoteReady)
	require.Eventually(t, func() bool { return f.provider.quoteCount() == 2 }, waitFor, tick)

	_, err := f.session.Submit(context.Background())
	require.NoError(t, err)
	calls := f.provider.quoteCount()

	// terminal success: refresh is a no-op
	f.session.Refresh()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, calls, f.provider.quoteCount())
	assert.Equal(t, StatusSuccess, f.session.State().Status)

	// editing the amount clears suppression and quotes the edit
	f.session.SetIntent(buyIntent("50"))
	st := f.session.State()
	assert.Equal(t, StatusFetchingQuote, st.Status)
	assert.False(t, st.SuppressAutoRefetch)
	assert.Empty(t, st.Signature)

	st = f.waitForStatus(t, StatusQuoteReady)
	assert.Equal(t, "50", st.Intent.HumanAmount)
	assert.Equal(t, uint64(50_000_000), st.Route.InAmount)
	assert.Equal(t, calls+1, f.provider.quoteCount())
}

func TestSession_DismissResetsTerminalState(t *testing.T) {
	f := newFixture(t, nil)

	f.session.SetIntent(buyIntent("100"))
	f.waitForStatus(t, StatusQuoteReady)
	_, err := f.session.Submit(context.Background())
	require.NoError(t, err)

	f.session.Dismiss()
	st := f.session.State()
	assert.Equal(t, StatusIdle, st.Status)
	assert.Nil(t, st.Route)
	assert.Empty(t, st.Signature)
	assert.False(t, st.SuppressAutoRefetch)

	// not terminal any more
	f.session.Dismiss()
	assert.Equal(t, StatusIdle, f.session.State().Status)
}

func TestSession_ErrorAllowsNewIntent(t *testing.T) {
	f := newFixture(t, nil)
	f.ledger.submitErr = errors.New("connection reset")

	f.session.SetIntent(buyIntent("100"))
	f.waitForStatus(t, StatusQuoteReady)
	_, err := f.session.Submit(context.Background())
	require.Error(t, err)

	f.session.SetIntent(buyIntent("101"))
	st := f.waitForStatus(t, StatusQuoteReady)
	assert.Nil(t, st.LastError)
	assert.False(t, st.SuppressAutoRefetch)
}

func TestSession_MaxAmount(t *testing.T) {
	oracle := &fakeOracle{balances: solana.Balances{
		Pay:   decimal.RequireFromString("25.5"),
		Trade: decimal.RequireFromString("1.23456789"),
	}}
	f := newFixture(t, nil, func(d *Dependencies) {
		d.Balances = NewBalanceWatcher(oracle, solanago.NewWallet().PublicKey(), testUSDC, testStock, time.Minute, nil, nil)
	})
	_, ok := f.session.MaxAmount()
	assert.False(t, ok, "no intent yet")

	f.session.SetIntent(buyIntent("1"))
	_, err := f.session.balances.Refresh(context.Background(), "manual")
	require.NoError(t, err)

	maxAmt, ok := f.session.MaxAmount()
	require.True(t, ok)
	assert.Equal(t, "25.5", maxAmt.String())

	f.session.SetIntent(Intent{Direction: Sell, PairToken: USDC, HumanAmount: "1"})
	maxAmt, ok = f.session.MaxAmount()
	require.True(t, ok)
	assert.Equal(t, "1.23456789", maxAmt.String())
}

func TestSession_AutoRefreshRequotes(t *testing.T) {
	f := newFixture(t, nil)

	f.session.SetIntent(buyIntent("100"))
	first := f.waitForStatus(t, StatusQuoteReady).Route

	f.session.StartAutoRefresh(20 * time.Millisecond)
	require.Eventually(t, func() bool { return f.provider.quoteCount() >= 3 }, waitFor, tick)

	st := f.waitForStatus(t, StatusQuoteReady)
	assert.NotSame(t, first, st.Route)

	// closing stops the ticker
	f.session.Close()
	time.Sleep(30 * time.Millisecond)
	calls := f.provider.quoteCount()
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, calls, f.provider.quoteCount())
}
