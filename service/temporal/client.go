package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
)

// Client starts trade verification workflows on Temporal.
type Client struct {
	client        client.Client
	taskQueue     string
	verifyDelay   time.Duration
	verifyTimeout time.Duration
	logger        *slog.Logger
}

// NewClient creates a new Temporal client. verifyDelay and verifyTimeout are
// passed to every VerifyTradeWorkflow; zero values use the workflow defaults.
func NewClient(host, namespace, taskQueue string, verifyDelay, verifyTimeout time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:        c,
		taskQueue:     taskQueue,
		verifyDelay:   verifyDelay,
		verifyTimeout: verifyTimeout,
		logger:        logger,
	}, nil
}

// StartVerifyTrade starts VerifyTradeWorkflow for a journaled trade and
// returns the workflow ID. It does not wait for the verdict.
func (c *Client) StartVerifyTrade(ctx context.Context, signature string) (string, error) {
	id := verifyWorkflowID(signature)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        id,
		TaskQueue: c.taskQueue,
		Memo: map[string]interface{}{
			"transaction_signature": signature,
			"created_by":            "stockswap-journal",
		},
	}, VerifyTradeWorkflow, VerifyTradeInput{
		Signature: signature,
		Delay:     c.verifyDelay,
		Timeout:   c.verifyTimeout,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to start verification workflow",
			"signature", signature,
			"workflow_id", id,
			"error", err,
		)
		return "", fmt.Errorf("failed to start workflow %q: %w", id, err)
	}

	c.logger.InfoContext(ctx, "verification workflow started",
		"signature", signature,
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
	)
	return run.GetID(), nil
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

func verifyWorkflowID(signature string) string {
	return "verify-trade-" + signature
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
