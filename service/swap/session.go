package swap

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/brojonat/stockswap/client"
	"github.com/brojonat/stockswap/service/amount"
	"github.com/brojonat/stockswap/service/metrics"
	"github.com/brojonat/stockswap/service/quote"
	"github.com/brojonat/stockswap/service/recorder"
	"github.com/brojonat/stockswap/service/solana"
	"github.com/brojonat/stockswap/service/wallet"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Ledger broadcasts signed transactions and waits for their outcome.
type Ledger interface {
	Submit(ctx context.Context, tx *solanago.Transaction) (solanago.Signature, error)
	AwaitConfirmation(ctx context.Context, sig solanago.Signature, expiryHeight uint64) error
}

// TradeRecorder journals successful swaps. It must not return errors.
type TradeRecorder interface {
	Record(ctx context.Context, facts recorder.TradeFacts) *client.Trade
}

// Config describes the trade pair a session works on.
type Config struct {
	Stock              solana.Asset
	PayAssets          map[PairToken]solana.Asset
	DefaultSlippageBps int
	// RecordTimeout bounds background trade recording, including any
	// sign-in prompt.
	RecordTimeout time.Duration
}

// Dependencies are the collaborators a session drives. Balances, Recorder
// and Metrics are optional.
type Dependencies struct {
	Fetcher      *quote.Fetcher
	Materializer *quote.Materializer
	Wallet       wallet.Wallet
	Ledger       Ledger
	Balances     *BalanceWatcher
	Recorder     TradeRecorder
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// Session is one trade surface's swap lifecycle. All methods are safe for
// concurrent use; at most one submit runs at a time.
type Session struct {
	cfg          Config
	fetcher      *quote.Fetcher
	materializer *quote.Materializer
	wallet       wallet.Wallet
	ledger       Ledger
	balances     *BalanceWatcher
	recorder     TradeRecorder
	metrics      *metrics.Metrics
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	intent     Intent
	status     Status
	route      *quote.Route
	lastError  *Error
	signature  string
	submitting bool
	suppress   bool
	listeners  []func(State)
	pending    []State

	// held while listeners run; never acquired while holding mu
	notifyMu sync.Mutex
}

// NewSession creates an idle session.
func NewSession(cfg Config, deps Dependencies) *Session {
	if cfg.DefaultSlippageBps <= 0 {
		cfg.DefaultSlippageBps = 250
	}
	if cfg.RecordTimeout <= 0 {
		cfg.RecordTimeout = 2 * time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		cfg:          cfg,
		fetcher:      deps.Fetcher,
		materializer: deps.Materializer,
		wallet:       deps.Wallet,
		ledger:       deps.Ledger,
		balances:     deps.Balances,
		recorder:     deps.Recorder,
		metrics:      deps.Metrics,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
		status:       StatusIdle,
	}
}

// OnChange registers fn to receive every state transition in order.
// fn runs outside the session lock and may call back into the session.
func (s *Session) OnChange(fn func(State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// State returns the current snapshot.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// SetIntent replaces the user's intent and starts a debounced quote fetch.
// While a submit is underway the change is ignored. An edit on a terminal
// state leaves it and clears the auto-refetch suppression.
func (s *Session) SetIntent(in Intent) {
	s.mu.Lock()
	if s.submitting || s.status.Committed() {
		s.logger.DebugContext(s.ctx, "intent change ignored during submit", "status", string(s.status))
		s.mu.Unlock()
		return
	}

	s.intent = in
	s.syncPayAssetLocked()
	s.suppress = false
	s.lastError = nil
	s.signature = ""
	s.beginFetchLocked(false)
	s.mu.Unlock()
	s.flush()
}

// Refresh re-quotes the current intent while a quote is displayed. It does
// nothing while auto-refetch is suppressed or a submit is running.
func (s *Session) Refresh() {
	s.mu.Lock()
	if s.suppress || s.submitting || s.status != StatusQuoteReady {
		s.mu.Unlock()
		return
	}
	s.beginFetchLocked(true)
	s.mu.Unlock()
	s.flush()
}

// StartAutoRefresh calls Refresh on every interval until the session is closed.
func (s *Session) StartAutoRefresh(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.Refresh()
			}
		}
	}()
}

// Dismiss resets a terminal session to idle.
func (s *Session) Dismiss() {
	s.mu.Lock()
	if !s.status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.route = nil
	s.lastError = nil
	s.signature = ""
	s.suppress = false
	s.setStatusLocked(StatusIdle)
	s.mu.Unlock()
	s.flush()
}

// Close drops pending quote work and stops auto-refresh. A submit already
// past signing runs to completion.
func (s *Session) Close() {
	s.cancel()
	s.fetcher.Supersede()
}

// Wait blocks until background trade recording has finished.
func (s *Session) Wait() {
	s.wg.Wait()
}

// MaxAmount returns the largest amount of the current input asset that can
// be spent, based on the latest balance snapshot.
func (s *Session) MaxAmount() (decimal.Decimal, bool) {
	s.mu.Lock()
	in := s.intent
	s.mu.Unlock()

	input, _, ok := s.assets(in)
	if !ok || s.balances == nil {
		return decimal.Zero, false
	}
	available, ok := s.available(in, input)
	if !ok {
		return decimal.Zero, false
	}
	return amount.MaxSpendable(available, input.Class(), input.Decimals), true
}

// Submit executes the displayed quote. It always refetches a fresh route
// first, then materializes, signs, broadcasts and waits for confirmation.
// ctx is honoured until signing starts; after that the pipeline runs to its
// natural end. The returned State is the terminal state; the error is a
// *Error for every failure other than ErrNotReady.
func (s *Session) Submit(ctx context.Context) (State, error) {
	s.mu.Lock()
	if s.status != StatusQuoteReady || s.submitting || s.route == nil {
		st := s.snapshotLocked()
		s.mu.Unlock()
		return st, ErrNotReady
	}
	intent := s.intent
	req, ok := s.requestLocked(intent)
	if !ok {
		st := s.snapshotLocked()
		s.mu.Unlock()
		return st, ErrNotReady
	}

	if err := s.validateLocked(intent, &req); err != nil {
		s.lastError = Classify(StageValidate, err)
		s.publishLocked()
		st := s.snapshotLocked()
		s.mu.Unlock()
		s.flush()
		s.logger.InfoContext(ctx, "submit refused", "reason", string(s.lastError.Kind))
		return st, st.LastError
	}

	s.submitting = true
	s.lastError = nil
	s.fetcher.Supersede()
	s.setStatusLocked(StatusFetchingQuote)
	s.mu.Unlock()
	s.flush()

	logger := s.logger.With("direction", string(intent.Direction), "pair", string(intent.PairToken))
	logger.InfoContext(ctx, "submitting swap", "amount", intent.HumanAmount, "in_units", req.Amount)

	route, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return s.fail(ctx, intent, StageMaterialize, err)
	}
	s.mu.Lock()
	s.route = route
	s.publishLocked()
	s.mu.Unlock()
	s.flush()

	mat, err := s.materializer.Materialize(ctx, route, s.wallet.PublicKey())
	if err != nil {
		return s.fail(ctx, intent, StageMaterialize, err)
	}

	committed := context.WithoutCancel(ctx)

	s.transition(StatusSigning)
	signed, err := s.wallet.SignTransaction(committed, mat.Transaction)
	if err != nil {
		return s.fail(committed, intent, StageSign, err)
	}

	s.transition(StatusBroadcasting)
	sig, err := s.ledger.Submit(committed, signed)
	if err != nil {
		return s.fail(committed, intent, StageBroadcast, err)
	}

	s.mu.Lock()
	s.signature = sig.String()
	s.setStatusLocked(StatusConfirming)
	s.mu.Unlock()
	s.flush()

	if err := s.ledger.AwaitConfirmation(committed, sig, mat.ExpiryHeight); err != nil {
		return s.fail(committed, intent, StageConfirm, err)
	}

	return s.succeed(committed, intent, route, sig), nil
}

func (s *Session) succeed(ctx context.Context, intent Intent, route *quote.Route, sig solanago.Signature) State {
	s.mu.Lock()
	s.submitting = false
	s.suppress = true
	s.signature = sig.String()
	s.setStatusLocked(StatusSuccess)
	st := s.snapshotLocked()
	s.mu.Unlock()
	s.flush()

	s.logger.InfoContext(ctx, "swap confirmed",
		"signature", sig.String(),
		"direction", string(intent.Direction),
		"in_amount", route.InAmount,
		"out_amount", route.OutAmount,
	)
	if s.metrics != nil {
		s.metrics.RecordSwapOutcome(string(intent.Direction), "success")
	}

	if s.balances != nil {
		go s.balances.Refresh(s.ctx, "success")
	}
	if s.recorder != nil {
		facts := s.tradeFacts(intent, route, sig)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			recCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RecordTimeout)
			defer cancel()
			s.recorder.Record(recCtx, facts)
		}()
	}
	return st
}

func (s *Session) fail(ctx context.Context, intent Intent, stage Stage, err error) (State, error) {
	swapErr := Classify(stage, err)

	s.mu.Lock()
	s.submitting = false
	s.suppress = true
	s.lastError = swapErr
	s.setStatusLocked(StatusError)
	st := s.snapshotLocked()
	s.mu.Unlock()
	s.flush()

	s.logger.ErrorContext(ctx, "swap failed",
		"stage", string(stage),
		"kind", string(swapErr.Kind),
		"signature", st.Signature,
		"error", err,
	)
	if s.metrics != nil {
		s.metrics.RecordSwapOutcome(string(intent.Direction), string(swapErr.Kind))
	}
	return st, swapErr
}

func (s *Session) transition(status Status) {
	s.mu.Lock()
	s.setStatusLocked(status)
	s.mu.Unlock()
	s.flush()
}

// applyQuote is the fetcher's delivery callback. Results that are no
// longer the latest request, or that arrive while a submit owns the
// session, are dropped.
func (s *Session) applyQuote(res quote.Result) {
	s.mu.Lock()
	if !s.fetcher.IsLatest(res.Seq) || s.submitting || s.status != StatusFetchingQuote {
		s.mu.Unlock()
		return
	}

	if res.Err != nil {
		swapErr := Classify(StageQuote, res.Err)
		s.lastError = swapErr
		if swapErr.Kind == KindNoRoute {
			// user-facing, non-retryable; the next edit fetches again
			s.route = nil
			s.setStatusLocked(StatusIdle)
		} else {
			s.suppress = true
			s.setStatusLocked(StatusError)
		}
	} else {
		s.route = res.Route
		s.lastError = nil
		s.setStatusLocked(StatusQuoteReady)
	}
	s.mu.Unlock()
	s.flush()
}

func (s *Session) beginFetchLocked(keepRoute bool) {
	if !keepRoute {
		s.route = nil
	}
	req, ok := s.requestLocked(s.intent)
	if !ok {
		s.fetcher.Supersede()
		s.route = nil
		s.setStatusLocked(StatusIdle)
		return
	}
	s.setStatusLocked(StatusFetchingQuote)
	s.fetcher.Schedule(s.ctx, req, s.applyQuote)
}

// assets resolves the input and output assets of an intent.
func (s *Session) assets(in Intent) (input, output solana.Asset, ok bool) {
	pay, found := s.cfg.PayAssets[in.PairToken]
	if !found {
		return solana.Asset{}, solana.Asset{}, false
	}
	switch in.Direction {
	case Buy:
		return pay, s.cfg.Stock, true
	case Sell:
		return s.cfg.Stock, pay, true
	default:
		return solana.Asset{}, solana.Asset{}, false
	}
}

func (s *Session) requestLocked(in Intent) (quote.Request, bool) {
	input, output, ok := s.assets(in)
	if !ok {
		return quote.Request{}, false
	}
	units := amount.Parse(in.HumanAmount, input.Decimals)
	slippage := in.SlippageBps
	if slippage <= 0 {
		slippage = s.cfg.DefaultSlippageBps
	}
	req := quote.Request{
		InputMint:   input.Mint,
		OutputMint:  output.Mint,
		Amount:      units,
		SlippageBps: slippage,
	}
	return req, req.Valid()
}

// available returns the balance of input from the latest snapshot.
func (s *Session) available(in Intent, input solana.Asset) (decimal.Decimal, bool) {
	snap := s.balances.Snapshot()
	if snap == nil {
		return decimal.Zero, false
	}
	if in.Direction == Sell {
		return snap.TradeAssetBalance, true
	}
	if snap.PayAsset != input.Symbol {
		return decimal.Zero, false
	}
	return snap.PayAssetBalance, true
}

// validateLocked checks the intent against the latest balance snapshot and
// clamps req to the balance when the request sits inside the tolerance.
// Without a snapshot the check is skipped and the ledger has the last word.
func (s *Session) validateLocked(in Intent, req *quote.Request) error {
	if s.balances == nil {
		return nil
	}
	input, _, _ := s.assets(in)
	available, ok := s.available(in, input)
	if !ok {
		s.logger.DebugContext(s.ctx, "no balance snapshot, skipping validation")
		return nil
	}
	requested, _ := amount.ParseDecimal(in.HumanAmount)
	spend, err := amount.Validate(requested, available)
	if err != nil {
		return err
	}
	if !spend.Equal(requested) {
		req.Amount = amount.ToUnits(spend, input.Decimals)
	}
	return nil
}

func (s *Session) syncPayAssetLocked() {
	if s.balances == nil {
		return
	}
	if pay, ok := s.cfg.PayAssets[s.intent.PairToken]; ok {
		s.balances.SetPayAsset(s.ctx, pay)
	}
}

func (s *Session) tradeFacts(in Intent, route *quote.Route, sig solanago.Signature) recorder.TradeFacts {
	pay := s.cfg.PayAssets[in.PairToken]
	facts := recorder.TradeFacts{
		Direction:            string(in.Direction),
		Symbol:               s.cfg.Stock.Symbol,
		TransactionSignature: sig.String(),
	}
	if in.Direction == Buy {
		facts.TokenAmount = amount.FromUnits(route.OutAmount, s.cfg.Stock.Decimals)
		facts.QuoteAssetAmount = amount.FromUnits(route.InAmount, pay.Decimals)
	} else {
		facts.TokenAmount = amount.FromUnits(route.InAmount, s.cfg.Stock.Decimals)
		facts.QuoteAssetAmount = amount.FromUnits(route.OutAmount, pay.Decimals)
	}
	return facts
}

func (s *Session) setStatusLocked(status Status) {
	s.status = status
	s.publishLocked()
}

func (s *Session) publishLocked() {
	if len(s.listeners) == 0 {
		return
	}
	s.pending = append(s.pending, s.snapshotLocked())
}

func (s *Session) snapshotLocked() State {
	return State{
		Status:              s.status,
		Intent:              s.intent,
		Route:               s.route,
		LastError:           s.lastError,
		Signature:           s.signature,
		Submitting:          s.submitting,
		SuppressAutoRefetch: s.suppress,
	}
}

// flush delivers queued snapshots to listeners in order. Whoever holds
// notifyMu drains the queue; a caller that finds it held leaves its
// snapshots for the holder.
func (s *Session) flush() {
	for {
		if !s.notifyMu.TryLock() {
			return
		}
		for {
			s.mu.Lock()
			batch := s.pending
			s.pending = nil
			listeners := slices.Clone(s.listeners)
			s.mu.Unlock()
			if len(batch) == 0 {
				break
			}
			for _, st := range batch {
				for _, fn := range listeners {
					fn(st)
				}
			}
		}
		s.notifyMu.Unlock()

		s.mu.Lock()
		more := len(s.pending) > 0
		s.mu.Unlock()
		if !more {
			return
		}
	}
}
