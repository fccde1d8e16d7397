package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/stockswap/service/config"
	"github.com/brojonat/stockswap/service/metrics"
	natspkg "github.com/brojonat/stockswap/service/nats"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server is the trade journal HTTP service.
type Server struct {
	addr         string
	store        TradeStore
	issuer       *CredentialIssuer
	publisher    natspkg.Publisher
	verifier     TradeVerifier
	ssePublisher *SSEPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	server       *http.Server
}

// Options carries the optional collaborators of a Server. Any of them may
// be nil: without a publisher no events are emitted, without a verifier no
// verification workflow is started, without an SSE publisher the stream
// endpoints are not mounted and without metrics /metrics is not served.
type Options struct {
	Publisher    natspkg.Publisher
	Verifier     TradeVerifier
	SSEPublisher *SSEPublisher
	Metrics      *metrics.Metrics
}

// New creates a new journal server.
func New(addr string, cfg *config.Config, store TradeStore, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:         addr,
		store:        store,
		issuer:       NewCredentialIssuer(cfg.JWTSecret, cfg.CredentialTTL, cfg.AuthMessageMaxAge),
		publisher:    opts.Publisher,
		verifier:     opts.Verifier,
		ssePublisher: opts.SSEPublisher,
		metrics:      opts.Metrics,
		logger:       logger,
	}
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	instrument := func(name string, h http.Handler) http.Handler {
		return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
	}

	mux.Handle("POST /api/v1/auth/wallet", instrument("/api/v1/auth/wallet", handleAuthWallet(s.issuer, s.logger)))
	mux.Handle("POST /api/v1/trades", instrument("/api/v1/trades",
		requireWallet(s.issuer, s.logger, handleRecordTrade(s.store, s.publisher, s.verifier, s.logger))))
	mux.Handle("GET /api/v1/trades", instrument("/api/v1/trades", handleListTrades(s.store, s.logger)))

	if s.ssePublisher != nil {
		mux.Handle("GET /api/v1/stream/trades/{wallet}", instrument("/api/v1/stream/trades/{wallet}", handleStreamTrades(s.ssePublisher, s.logger)))
		mux.Handle("GET /api/v1/stream/trades", instrument("/api/v1/stream/trades", handleStreamTrades(s.ssePublisher, s.logger)))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("SSE publisher not configured, streaming endpoints disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:        s.addr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// no WriteTimeout: SSE responses are long-lived
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close SSE publisher first (disconnects all clients)
	if s.ssePublisher != nil {
		s.ssePublisher.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
