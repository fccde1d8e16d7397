package quote

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/stockswap/service/metrics"
)

// DefaultDebounce is the quiet period after the last intent change before a
// quote is requested.
const DefaultDebounce = 500 * time.Millisecond

// Result is the outcome of a scheduled fetch.
type Result struct {
	Seq     uint64
	Request Request
	Route   *Route
	Err     error
}

// Fetcher debounces quote requests and tracks which request is current.
// Every Schedule or Supersede call bumps a sequence number; a fetch whose
// sequence is no longer the latest when it completes is dropped. The
// network call itself is not cancelled.
type Fetcher struct {
	provider Provider
	delay    time.Duration
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu    sync.Mutex
	seq   uint64
	timer *time.Timer
}

// NewFetcher creates a fetcher. A non-positive delay uses DefaultDebounce.
func NewFetcher(provider Provider, delay time.Duration, m *metrics.Metrics, logger *slog.Logger) *Fetcher {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Fetcher{
		provider: provider,
		delay:    delay,
		metrics:  m,
		logger:   logger,
	}
}

// Schedule supersedes any earlier request and fetches req once the debounce
// delay passes without another call. deliver runs on the fetch goroutine and
// only if the request is still the latest at completion; callers applying
// the result to shared state must re-check IsLatest under their own lock.
func (f *Fetcher) Schedule(ctx context.Context, req Request, deliver func(Result)) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	seq := f.seq
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(f.delay, func() {
		f.run(ctx, seq, req, deliver)
	})
	return seq
}

func (f *Fetcher) run(ctx context.Context, seq uint64, req Request, deliver func(Result)) {
	if !f.IsLatest(seq) || ctx.Err() != nil {
		return
	}

	route, err := f.Fetch(ctx, req)

	if !f.IsLatest(seq) {
		f.logger.DebugContext(ctx, "discarding stale quote", "seq", seq, "backend", f.provider.Backend())
		if f.metrics != nil {
			f.metrics.RecordStaleQuote(f.provider.Backend())
		}
		return
	}
	deliver(Result{Seq: seq, Request: req, Route: route, Err: err})
}

// Fetch requests a quote immediately, bypassing the debounce. It does not
// touch the sequence; callers that need earlier work dropped call
// Supersede first.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Route, error) {
	start := time.Now()
	route, err := f.provider.Quote(ctx, req)

	outcome := "success"
	switch {
	case errors.Is(err, ErrNoRoute):
		outcome = "no_route"
	case err != nil:
		outcome = "error"
	}
	if f.metrics != nil {
		f.metrics.RecordQuoteFetch(f.provider.Backend(), outcome, time.Since(start).Seconds())
	}
	if err != nil {
		f.logger.WarnContext(ctx, "quote fetch failed",
			"backend", f.provider.Backend(),
			"outcome", outcome,
			"error", err,
		)
	}
	return route, err
}

// Supersede invalidates every scheduled or in-flight request and returns
// the new latest sequence.
func (f *Fetcher) Supersede() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.seq++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	return f.seq
}

// IsLatest reports whether seq is still the current request.
func (f *Fetcher) IsLatest(seq uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return seq == f.seq
}

// Backend names the provider tier in use.
func (f *Fetcher) Backend() string {
	return f.provider.Backend()
}
