package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the engine and the trade journal.
// It is passed explicitly to every component that records metrics; a nil
// *Metrics is accepted everywhere and records nothing.
type Metrics struct {
	// Quote metrics
	quoteFetchesTotal    *prometheus.CounterVec
	quoteFetchDuration   *prometheus.HistogramVec
	quoteStaleDiscards   *prometheus.CounterVec
	materializationTotal *prometheus.CounterVec

	// Swap session metrics
	swapOutcomesTotal      *prometheus.CounterVec
	confirmationDuration   *prometheus.HistogramVec
	balanceRefreshesTotal  *prometheus.CounterVec
	tradeRecordsTotal      *prometheus.CounterVec
	journalCredentialTotal *prometheus.CounterVec

	// Solana RPC metrics
	solanaRPCCallsTotal   *prometheus.CounterVec
	solanaRPCCallDuration *prometheus.HistogramVec
	solanaRPCRetries      *prometheus.CounterVec

	// Verification workflow metrics
	verifyWorkflowDuration *prometheus.HistogramVec
	verifyActivityDuration *prometheus.HistogramVec

	// Database metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		quoteFetchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quote_fetches_total",
				Help: "Total number of quote fetches by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		quoteFetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quote_fetch_duration_seconds",
				Help:    "Duration of quote fetches in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"backend"},
		),
		quoteStaleDiscards: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quote_stale_discards_total",
				Help: "Total number of quote results discarded because a newer intent superseded them",
			},
			[]string{"backend"},
		),
		materializationTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quote_materializations_total",
				Help: "Total number of route materializations by backend and outcome",
			},
			[]string{"backend", "outcome"},
		),

		swapOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "swap_outcomes_total",
				Help: "Total number of swap sessions reaching a terminal state, by direction and error kind",
			},
			[]string{"direction", "outcome"},
		),
		confirmationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "swap_confirmation_duration_seconds",
				Help:    "Time from broadcast to confirmation outcome in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 45, 60},
			},
			[]string{"outcome"},
		),
		balanceRefreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "balance_refreshes_total",
				Help: "Total number of balance snapshot refreshes by trigger and status",
			},
			[]string{"trigger", "status"},
		),
		tradeRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trade_records_total",
				Help: "Total number of trade journal record attempts by outcome",
			},
			[]string{"outcome"},
		),
		journalCredentialTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "journal_credential_acquisitions_total",
				Help: "Total number of journal credential acquisitions by outcome",
			},
			[]string{"outcome"},
		),

		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),

		verifyWorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "verify_trade_workflow_duration_seconds",
				Help:    "Duration of trade verification workflows in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		verifyActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "verify_trade_activity_duration_seconds",
				Help:    "Duration of trade verification activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"activity", "status"},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"wallet_address"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"wallet_address", "event_type"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Quote metric helpers

// RecordQuoteFetch records a quote fetch with its outcome ("success", "no_route", "error").
func (m *Metrics) RecordQuoteFetch(backend, outcome string, duration float64) {
	m.quoteFetchesTotal.WithLabelValues(backend, outcome).Inc()
	m.quoteFetchDuration.WithLabelValues(backend).Observe(duration)
}

// RecordStaleQuote records a quote result dropped because its intent was superseded.
func (m *Metrics) RecordStaleQuote(backend string) {
	m.quoteStaleDiscards.WithLabelValues(backend).Inc()
}

// RecordMaterialization records a route materialization attempt.
func (m *Metrics) RecordMaterialization(backend, outcome string) {
	m.materializationTotal.WithLabelValues(backend, outcome).Inc()
}

// Swap session metric helpers

// RecordSwapOutcome records a session reaching success or error.
// outcome is "success" or the error kind.
func (m *Metrics) RecordSwapOutcome(direction, outcome string) {
	m.swapOutcomesTotal.WithLabelValues(direction, outcome).Inc()
}

// RecordConfirmation records how long confirmation took and how it resolved.
func (m *Metrics) RecordConfirmation(outcome string, duration float64) {
	m.confirmationDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordBalanceRefresh records a balance snapshot refresh.
func (m *Metrics) RecordBalanceRefresh(trigger string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.balanceRefreshesTotal.WithLabelValues(trigger, status).Inc()
}

// RecordTradeRecord records a trade journal write attempt.
func (m *Metrics) RecordTradeRecord(outcome string) {
	m.tradeRecordsTotal.WithLabelValues(outcome).Inc()
}

// RecordCredentialAcquisition records an attempt to obtain a journal credential.
func (m *Metrics) RecordCredentialAcquisition(outcome string) {
	m.journalCredentialTotal.WithLabelValues(outcome).Inc()
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// Workflow metric helpers

// RecordWorkflowDuration records verification workflow duration.
func (m *Metrics) RecordWorkflowDuration(status string, duration float64) {
	m.verifyWorkflowDuration.WithLabelValues(status).Observe(duration)
}

// RecordActivityDuration records verification activity duration.
func (m *Metrics) RecordActivityDuration(activity, status string, duration float64) {
	m.verifyActivityDuration.WithLabelValues(activity, status).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count.
func (m *Metrics) RecordSSEConnectionChange(walletAddress string, delta float64) {
	m.sseActiveConnections.WithLabelValues(walletAddress).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(walletAddress, eventType string) {
	m.sseEventsSent.WithLabelValues(walletAddress, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

func statusCodeToString(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
